package headless

import (
	"encoding/base64"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Segment is one byte range of a progressive audio stream.
type Segment struct {
	Start int64
	End   int64
	URL   string
}

// Stream groups the segments observed for one media base URL.
type Stream struct {
	Base     string
	Segments []Segment
}

// efgTag decodes the base64 efg query parameter and returns its
// vencode_tag, or "" when the parameter is missing or malformed.
func efgTag(u *url.URL) string {
	raw := u.Query().Get("efg")
	if raw == "" {
		return ""
	}
	raw = strings.TrimRight(raw, "=")
	var (
		decoded []byte
		err     error
	)
	for _, enc := range []*base64.Encoding{base64.RawStdEncoding, base64.RawURLEncoding} {
		decoded, err = enc.DecodeString(raw)
		if err == nil {
			break
		}
	}
	if err != nil {
		return ""
	}
	var meta struct {
		VencodeTag string `json:"vencode_tag"`
	}
	if json.Unmarshal(decoded, &meta) != nil {
		return ""
	}
	return meta.VencodeTag
}

// parseAudioSegment reports whether rawURL is an HE-AAC audio segment and
// returns its stream base and byte range.
func parseAudioSegment(rawURL string) (string, Segment, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || !strings.HasSuffix(strings.ToLower(u.Path), ".mp4") {
		return "", Segment{}, false
	}
	tag := efgTag(u)
	if !strings.Contains(tag, "heaac") || !strings.Contains(tag, "audio") {
		return "", Segment{}, false
	}
	q := u.Query()
	start, err := parseOffset(q.Get("bytestart"))
	if err != nil {
		return "", Segment{}, false
	}
	end, err := parseOffset(q.Get("byteend"))
	if err != nil {
		return "", Segment{}, false
	}
	base := u.Scheme + "://" + u.Host + u.Path
	return base, Segment{Start: start, End: end, URL: rawURL}, true
}

func parseOffset(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

// streamLog accumulates audio segments observed by the browser across reels.
// Streams keep first-seen order; consumed streams are forgotten.
type streamLog struct {
	mu     sync.Mutex
	order  []string
	byBase map[string][]Segment
	seen   map[string]struct{}
}

func newStreamLog() *streamLog {
	return &streamLog{
		byBase: make(map[string][]Segment),
		seen:   make(map[string]struct{}),
	}
}

// Observe records rawURL if it is an audio segment.
func (l *streamLog) Observe(rawURL string) {
	base, seg, ok := parseAudioSegment(rawURL)
	if !ok {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	segs, known := l.byBase[base]
	if !known {
		l.order = append(l.order, base)
	}
	for _, existing := range segs {
		if existing.Start == seg.Start && existing.End == seg.End {
			return
		}
	}
	l.byBase[base] = append(segs, seg)
}

// Take returns the most recently discovered complete stream, one that has
// a segment starting at byte 0. ok is false when there is no such stream or
// it was already taken before. Only a successful take drops the stream's
// segments from the log.
func (l *streamLog) Take() (Stream, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.order) - 1; i >= 0; i-- {
		base := l.order[i]
		segs := l.byBase[base]
		if !hasHead(segs) {
			continue
		}
		if _, dup := l.seen[base]; dup {
			return Stream{}, false
		}
		l.seen[base] = struct{}{}
		l.forget(i)
		sorted := append([]Segment(nil), segs...)
		sort.Slice(sorted, func(a, b int) bool {
			if sorted[a].Start != sorted[b].Start {
				return sorted[a].Start < sorted[b].Start
			}
			return sorted[a].End < sorted[b].End
		})
		return Stream{Base: base, Segments: sorted}, true
	}
	return Stream{}, false
}

// Pending reports how many streams are currently buffered.
func (l *streamLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

func (l *streamLog) forget(i int) {
	delete(l.byBase, l.order[i])
	l.order = append(l.order[:i], l.order[i+1:]...)
}

func hasHead(segs []Segment) bool {
	for _, s := range segs {
		if s.Start == 0 {
			return true
		}
	}
	return false
}
