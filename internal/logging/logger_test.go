// Package logging includes tests for the zap logger helpers.
package logging

import (
	"bytes"
	"strings"
	"testing"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestNewCLIFiltersByVerbosity checks the CLI logger level and sink.
func TestNewCLIFiltersByVerbosity(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewCLI(&buf, false)
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info should be filtered, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "WARN") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected warning in output, got %q", buf.String())
	}

	buf.Reset()
	NewCLI(&buf, true).Debug("details")
	if !strings.Contains(buf.String(), "details") {
		t.Fatalf("verbose logger should emit debug, got %q", buf.String())
	}
}
