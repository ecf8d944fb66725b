package pipeline

import (
	"context"
	"io"
	"time"
)

// Ledger persists one record per processed item.
type Ledger interface {
	// Append adds records whose file_name is not yet present and reports how
	// many were written.
	Append(ctx context.Context, records ...Record) (int, error)
	ReadAll(ctx context.Context) ([]Record, error)
	ReadByRun(ctx context.Context, runID string) ([]Record, error)
	// SetCatalogURIs fills spotify_uri for the given file names. Rows that
	// already carry a URI are left untouched.
	SetCatalogURIs(ctx context.Context, uris map[string]string) (int, error)
}

// RunTracker holds per-run progress state.
type RunTracker interface {
	Create(ctx context.Context, run Run) error
	Get(ctx context.Context, runID string) (Run, error)
	List(ctx context.Context) ([]Run, error)
	Increment(ctx context.Context, runID string, counter Counter, delta int) error
	Set(ctx context.Context, runID string, field Field, value any) error
	Transition(ctx context.Context, runID string, next State, errText string) error
}

// Capturer acquires media items from the source account.
type Capturer interface {
	// Next returns the item at cursor, or ErrEndOfStream.
	Next(ctx context.Context, account string, cursor int) (MediaItem, error)
}

// Converter trims media to the audio clip sent for recognition.
type Converter interface {
	ExtractTailAudio(ctx context.Context, media MediaItem, seconds int) (AudioClip, error)
}

// Recognizer fingerprints an audio clip.
type Recognizer interface {
	Identify(ctx context.Context, clip AudioClip) (Recognition, error)
}

// CatalogSearcher runs a catalog track search and returns ranked hits.
type CatalogSearcher interface {
	Search(ctx context.Context, query string) ([]CatalogTrack, error)
}

// PlaylistManager maintains playlist membership.
type PlaylistManager interface {
	FindOrCreate(ctx context.Context, account, name string) (Playlist, error)
	ListMembers(ctx context.Context, playlist Playlist) (map[string]struct{}, error)
	AddMembers(ctx context.Context, playlist Playlist, uris []string) error
}

// Reconciler resolves catalog identifiers and syncs playlists for a run.
type Reconciler interface {
	Resolve(ctx context.Context, runID string) (ResolveResult, error)
	SyncPlaylist(ctx context.Context, runID, account, playlistName string) (SyncResult, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for runs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Hasher computes content digests.
type Hasher interface {
	HashFile(path string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
