package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/ig2spotify/internal/pipeline"
)

// RunStore is an in-memory pipeline.RunTracker. The map lock only guards
// insert and lookup; each run carries its own mutex so updates to different
// runs never contend.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]*runEntry
	now  func() time.Time
}

type runEntry struct {
	mu  sync.Mutex
	run pipeline.Run
}

// NewRunStore constructs a RunStore.
func NewRunStore() *RunStore {
	return &RunStore{
		runs: make(map[string]*runEntry),
		now:  time.Now,
	}
}

// Create stores a new run. The id must be unused.
func (s *RunStore) Create(_ context.Context, run pipeline.Run) error {
	if run.ID == "" {
		return fmt.Errorf("create run: empty id")
	}
	if run.State == "" {
		run.State = pipeline.StateCreated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("create run %s: %w", run.ID, pipeline.ErrRunExists)
	}
	s.runs[run.ID] = &runEntry{run: cloneRun(run)}
	return nil
}

// Get returns a snapshot of the run.
func (s *RunStore) Get(_ context.Context, runID string) (pipeline.Run, error) {
	entry, err := s.entry(runID)
	if err != nil {
		return pipeline.Run{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneRun(entry.run), nil
}

// List returns snapshots of every run, newest submission first.
func (s *RunStore) List(_ context.Context) ([]pipeline.Run, error) {
	s.mu.RLock()
	entries := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]pipeline.Run, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, cloneRun(e.run))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Submitted.Equal(out[j].Submitted) {
			return out[i].ID < out[j].ID
		}
		return out[i].Submitted.After(out[j].Submitted)
	})
	return out, nil
}

// Increment adds delta to a counter. Counters never decrease.
func (s *RunStore) Increment(_ context.Context, runID string, counter pipeline.Counter, delta int) error {
	if delta < 0 {
		return fmt.Errorf("increment %s: negative delta %d", counter, delta)
	}
	entry, err := s.entry(runID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	c := &entry.run.Counters
	switch counter {
	case pipeline.CounterCaptured:
		c.Captured += delta
	case pipeline.CounterConverted:
		c.Converted += delta
	case pipeline.CounterRecognized:
		c.Recognized += delta
	case pipeline.CounterMatched:
		c.Matched += delta
	default:
		return fmt.Errorf("increment: unknown counter %q", counter)
	}
	return nil
}

// Set assigns a non-additive field. Limit may only be lowered.
func (s *RunStore) Set(_ context.Context, runID string, field pipeline.Field, value any) error {
	entry, err := s.entry(runID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	switch field {
	case pipeline.FieldPlaylistDone:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("set %s: want bool, got %T", field, value)
		}
		entry.run.PlaylistDone = v
	case pipeline.FieldPlaylistURL:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("set %s: want string, got %T", field, value)
		}
		entry.run.PlaylistURL = v
	case pipeline.FieldLimit:
		v, ok := value.(int)
		if !ok {
			return fmt.Errorf("set %s: want int, got %T", field, value)
		}
		if v < 0 || v > entry.run.Limit {
			return fmt.Errorf("set %s: %d outside [0, %d]", field, v, entry.run.Limit)
		}
		entry.run.Limit = v
	default:
		return fmt.Errorf("set: unknown field %q", field)
	}
	return nil
}

// Transition moves the run to next, stamping start and finish times.
func (s *RunStore) Transition(_ context.Context, runID string, next pipeline.State, errText string) error {
	entry, err := s.entry(runID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	cur := entry.run.State
	if !cur.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", pipeline.ErrInvalidTransition, cur, next)
	}
	now := s.now().UTC()
	if cur == pipeline.StateCreated && entry.run.Started == nil {
		entry.run.Started = pointerTime(now)
	}
	if next.Terminal() {
		entry.run.Finished = pointerTime(now)
	}
	if errText != "" {
		entry.run.ErrorText = errText
	}
	entry.run.State = next
	return nil
}

func (s *RunStore) entry(runID string) (*runEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, pipeline.ErrRunNotFound)
	}
	return e, nil
}

func cloneRun(r pipeline.Run) pipeline.Run {
	if r.Started != nil {
		r.Started = pointerTime(*r.Started)
	}
	if r.Finished != nil {
		r.Finished = pointerTime(*r.Finished)
	}
	return r
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
