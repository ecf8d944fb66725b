// Package sha256 includes tests for the clip digest helpers.
package sha256

import (
	"os"
	"path/filepath"
	"testing"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	again, err := h.Hash([]byte("hello world"))
	if err != nil {
		t.Fatalf("Hash() repeat error = %v", err)
	}
	if again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestHasherHashFileMatchesHash ensures streaming and in-memory digests agree.
func TestHasherHashFileMatchesHash(t *testing.T) {
	t.Parallel()

	h := New()
	path := filepath.Join(t.TempDir(), "clip.mp3")
	if err := os.WriteFile(path, []byte("hello world"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := h.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile() error = %v", err)
	}
	want, _ := h.Hash([]byte("hello world"))
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if _, err := h.HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
