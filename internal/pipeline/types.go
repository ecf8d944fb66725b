package pipeline

import (
	"time"
)

// State is the lifecycle state of a run.
type State string

// Run states in the order a healthy run walks through them.
const (
	StateCreated         State = "CREATED"
	StateCapturing       State = "CAPTURING"
	StateRecognizing     State = "RECOGNIZING"
	StateResolving       State = "RESOLVING"
	StatePlaylistSyncing State = "PLAYLIST_SYNCING"
	StateDone            State = "DONE"
	StateErrored         State = "ERRORED"
)

var stateRank = map[State]int{
	StateCreated:         0,
	StateCapturing:       1,
	StateRecognizing:     2,
	StateResolving:       3,
	StatePlaylistSyncing: 4,
	StateDone:            5,
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateErrored
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	if s == StateErrored {
		return true
	}
	_, ok := stateRank[s]
	return ok
}

// CanTransition reports whether a run in state s may move to next. Runs only
// move forward; any non-terminal state may fail into StateErrored.
func (s State) CanTransition(next State) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == StateErrored {
		return true
	}
	return stateRank[next] > stateRank[s]
}

// RunParameters are the knobs a client supplies when submitting a run.
type RunParameters struct {
	Account      string `json:"instagram_username"`
	PlaylistName string `json:"playlist_name"`
	Limit        int    `json:"limit"`
}

// Counter names an additive progress counter.
type Counter string

// Progress counters maintained per run.
const (
	CounterCaptured   Counter = "captured"
	CounterConverted  Counter = "converted"
	CounterRecognized Counter = "recognized"
	CounterMatched    Counter = "matched"
)

// Field names a non-additive progress field.
type Field string

// Settable run fields.
const (
	FieldPlaylistDone Field = "playlist_done"
	FieldPlaylistURL  Field = "playlist_url"
	FieldLimit        Field = "limit"
)

// RunCounters tracks per-stage item counts for a run.
type RunCounters struct {
	Captured   int `json:"captured"`
	Converted  int `json:"converted"`
	Recognized int `json:"recognized"`
	Matched    int `json:"matched"`
}

// Run is the progress snapshot for one pipeline invocation.
type Run struct {
	ID           string        `json:"run_id"`
	State        State         `json:"state"`
	Params       RunParameters `json:"parameters"`
	Counters     RunCounters   `json:"counters"`
	Limit        int           `json:"limit"`
	PlaylistDone bool          `json:"playlist_done"`
	PlaylistURL  string        `json:"playlist_url,omitempty"`
	Submitted    time.Time     `json:"submitted_at"`
	Started      *time.Time    `json:"started_at,omitempty"`
	Finished     *time.Time    `json:"finished_at,omitempty"`
	ErrorText    string        `json:"error_text,omitempty"`
}

// NewRun returns a zeroed run in StateCreated.
func NewRun(id string, params RunParameters, submitted time.Time) Run {
	return Run{
		ID:        id,
		State:     StateCreated,
		Params:    params,
		Limit:     params.Limit,
		Submitted: submitted,
	}
}

// MediaItem is one captured post, stored locally.
type MediaItem struct {
	Account  string
	FileName string
	Path     string
	Cursor   int
}

// AudioClip is the trimmed audio handed to the recognizer.
type AudioClip struct {
	Path      string
	Source    MediaItem
	Duration  time.Duration
	Temporary bool
}

// Candidate is one entry of a recognition match list.
type Candidate struct {
	Title  string
	Artist string
	Score  float64
}

// Recognition is the parsed response of the fingerprint service. Candidates
// are in the service's own ranking order.
type Recognition struct {
	Matched    bool
	Candidates []Candidate
	StatusMsg  string
}

// CatalogTrack is one catalog search hit.
type CatalogTrack struct {
	URI    string `json:"uri"`
	Name   string `json:"name"`
	Artist string `json:"artist"`
}

// Playlist identifies a playlist on the streaming service.
type Playlist struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ResolveResult summarizes one catalog resolution pass.
type ResolveResult struct {
	Considered int      `json:"considered"`
	Resolved   int      `json:"resolved"`
	Failed     int      `json:"failed"`
	URIs       []string `json:"uris"`
}

// SyncResult summarizes one playlist sync.
type SyncResult struct {
	Playlist Playlist `json:"playlist"`
	Existing int      `json:"existing"`
	Added    []string `json:"added"`
}

// QueueItem wraps a run ready to execute.
type QueueItem struct {
	RunID     string
	Params    RunParameters
	Attempt   int
	Submitted int64
}
