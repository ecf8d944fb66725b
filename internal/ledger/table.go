package ledger

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

// legacyColumns is the layout of ledgers written before the header existed.
var legacyColumns = []string{"timestamp", "file_name", "title", "artist", "status"}

// table is the in-memory form of the ledger file. Columns the service does not
// know about are carried through untouched.
type table struct {
	header []string
	index  map[string]int
	rows   [][]string
}

func parseTable(raw [][]string) *table {
	t := &table{}
	switch {
	case len(raw) == 0:
		t.header = append([]string(nil), pipeline.Columns...)
	case isHeader(raw[0]):
		t.header = normalizeHeader(raw[0])
		t.rows = raw[1:]
	default:
		t.header = append([]string(nil), legacyColumns...)
		t.rows = raw
	}
	t.reindex()
	t.migrateSource()
	t.padRows()
	return t
}

func isHeader(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) == "file_name" {
			return true
		}
	}
	return false
}

func normalizeHeader(row []string) []string {
	out := make([]string, len(row))
	for i, cell := range row {
		out[i] = strings.TrimSpace(strings.TrimPrefix(cell, "\ufeff"))
	}
	return out
}

func (t *table) reindex() {
	t.index = make(map[string]int, len(t.header))
	for i, col := range t.header {
		if _, dup := t.index[col]; !dup {
			t.index[col] = i
		}
	}
}

// migrateSource renames the old "source" column to "status" and rewrites its
// legacy values.
func (t *table) migrateSource() {
	if _, ok := t.index["status"]; ok {
		return
	}
	idx, ok := t.index["source"]
	if !ok {
		return
	}
	t.header[idx] = "status"
	t.reindex()
	for _, row := range t.rows {
		if idx >= len(row) {
			continue
		}
		if st, err := pipeline.ParseStatus(row[idx]); err == nil {
			row[idx] = string(st)
		}
	}
}

func (t *table) padRows() {
	width := len(t.header)
	for _, row := range t.rows {
		if len(row) > width {
			width = len(row)
		}
	}
	for i := len(t.header); i < width; i++ {
		t.header = append(t.header, fmt.Sprintf("column_%d", i+1))
	}
	for i, row := range t.rows {
		if len(row) < width {
			padded := make([]string, width)
			copy(padded, row)
			t.rows[i] = padded
		}
	}
	t.reindex()
}

// backfill appends any canonical column missing from the header and fills it
// with empty values on every existing row.
func (t *table) backfill() bool {
	changed := false
	for _, col := range pipeline.Columns {
		if _, ok := t.index[col]; ok {
			continue
		}
		t.header = append(t.header, col)
		for i := range t.rows {
			t.rows[i] = append(t.rows[i], "")
		}
		changed = true
	}
	if changed {
		t.reindex()
	}
	return changed
}

func (t *table) records() []pipeline.Record {
	out := make([]pipeline.Record, 0, len(t.rows))
	for _, row := range t.rows {
		var rec pipeline.Record
		for _, col := range pipeline.Columns {
			if idx, ok := t.index[col]; ok && idx < len(row) {
				rec.Set(col, row[idx])
			}
		}
		out = append(out, rec)
	}
	return out
}

func (t *table) fileNames() map[string]struct{} {
	out := make(map[string]struct{}, len(t.rows))
	idx, ok := t.index["file_name"]
	if !ok {
		return out
	}
	for _, row := range t.rows {
		if name := row[idx]; name != "" {
			out[name] = struct{}{}
		}
	}
	return out
}

func (t *table) appendRecord(rec pipeline.Record) {
	row := make([]string, len(t.header))
	for _, col := range pipeline.Columns {
		if idx, ok := t.index[col]; ok {
			row[idx] = rec.Get(col)
		}
	}
	t.rows = append(t.rows, row)
}

// fillURIs sets spotify_uri on rows whose value is still empty.
func (t *table) fillURIs(uris map[string]string) int {
	nameIdx := t.index["file_name"]
	uriIdx := t.index["spotify_uri"]
	updated := 0
	for _, row := range t.rows {
		uri, ok := uris[row[nameIdx]]
		if !ok || uri == "" || strings.TrimSpace(row[uriIdx]) != "" {
			continue
		}
		row[uriIdx] = uri
		updated++
	}
	return updated
}

func (t *table) all() [][]string {
	out := make([][]string, 0, len(t.rows)+1)
	out = append(out, t.header)
	return append(out, t.rows...)
}
