package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Status is the terminal outcome stored in the ledger for one item.
type Status string

// Item statuses. Every value is terminal: an item with any of them is never
// reprocessed.
const (
	StatusSuccess           Status = "SUCCESS"
	StatusNoMatch           Status = "NO_MATCH"
	StatusRecognitionFailed Status = "RECOGNITION_FAILED"
	StatusPreprocessFailed  Status = "PREPROCESS_FAILED"
)

// legacySource is what older ledgers wrote in place of SUCCESS.
const legacySource = "ACRCloud"

// ParseStatus maps ledger text to a Status. The legacy "ACRCloud" source value
// is read as StatusSuccess.
func ParseStatus(raw string) (Status, error) {
	switch strings.TrimSpace(raw) {
	case string(StatusSuccess), legacySource:
		return StatusSuccess, nil
	case string(StatusNoMatch):
		return StatusNoMatch, nil
	case string(StatusRecognitionFailed):
		return StatusRecognitionFailed, nil
	case string(StatusPreprocessFailed):
		return StatusPreprocessFailed, nil
	default:
		return "", fmt.Errorf("unknown item status %q", raw)
	}
}

// Terminal reports whether the status marks a fully processed item.
func (s Status) Terminal() bool {
	_, err := ParseStatus(string(s))
	return err == nil
}

// Columns is the canonical ledger header, in file order.
var Columns = []string{
	"timestamp",
	"file_name",
	"title",
	"artist",
	"status",
	"spotify_uri",
	"account",
	"run_id",
}

// Record is one ledger row. Every field is kept as text.
type Record struct {
	Timestamp  string `json:"timestamp"`
	FileName   string `json:"file_name"`
	Title      string `json:"title"`
	Artist     string `json:"artist"`
	Status     Status `json:"status"`
	SpotifyURI string `json:"spotify_uri"`
	Account    string `json:"account"`
	RunID      string `json:"run_id"`
}

// NewRecord builds the ledger row for an item outcome.
func NewRecord(at time.Time, fileName, account, runID string, outcome Outcome) Record {
	rec := Record{
		Timestamp: at.UTC().Format(time.RFC3339Nano),
		FileName:  fileName,
		Status:    outcome.Status(),
		Account:   account,
		RunID:     runID,
	}
	if s, ok := outcome.(Success); ok {
		rec.Title = s.Title
		rec.Artist = s.Artist
	}
	return rec
}

// Resolvable reports whether the reconciler should look the row up.
func (r Record) Resolvable() bool {
	return r.Status == StatusSuccess &&
		r.SpotifyURI == "" &&
		strings.TrimSpace(r.Title) != "" &&
		strings.TrimSpace(r.Artist) != ""
}

// Values returns the row in Columns order.
func (r Record) Values() []string {
	return []string{
		r.Timestamp,
		r.FileName,
		r.Title,
		r.Artist,
		string(r.Status),
		r.SpotifyURI,
		r.Account,
		r.RunID,
	}
}

// Get returns the value of a canonical column.
func (r Record) Get(column string) string {
	switch column {
	case "timestamp":
		return r.Timestamp
	case "file_name":
		return r.FileName
	case "title":
		return r.Title
	case "artist":
		return r.Artist
	case "status":
		return string(r.Status)
	case "spotify_uri":
		return r.SpotifyURI
	case "account":
		return r.Account
	case "run_id":
		return r.RunID
	default:
		return ""
	}
}

// Set assigns a canonical column; unknown columns are ignored.
func (r *Record) Set(column, value string) {
	switch column {
	case "timestamp":
		r.Timestamp = value
	case "file_name":
		r.FileName = value
	case "title":
		r.Title = value
	case "artist":
		r.Artist = value
	case "status":
		if st, err := ParseStatus(value); err == nil {
			r.Status = st
		} else {
			r.Status = Status(value)
		}
	case "spotify_uri":
		r.SpotifyURI = value
	case "account":
		r.Account = value
	case "run_id":
		r.RunID = value
	}
}

// ProcessedFileNames returns the identity keys of rows with a terminal status.
func ProcessedFileNames(records []Record) map[string]struct{} {
	out := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if rec.FileName != "" && rec.Status.Terminal() {
			out[rec.FileName] = struct{}{}
		}
	}
	return out
}

// FilterByRun returns the rows owned by runID, preserving order.
func FilterByRun(records []Record, runID string) []Record {
	var out []Record
	for _, rec := range records {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out
}
