package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush every pending run once this many events are held (default 256).
//   - MaxBatchWait: flush pending runs after this long without a terminal event (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub collects run events, groups them per run and fans them out to sinks.
// A run's events are delivered together as soon as it reaches RUN_DONE or
// RUN_ERROR, so sinks see a finished run in one batch. Runs still in flight
// are flushed on a timer or when the hub holds MaxBatchEvents events. Emit
// never blocks.
type Hub struct {
	cfg     Config
	sinks   []Sink
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropLog rate.Sometimes
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   append([]Sink(nil), sinks...),
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an event. Invalid events are discarded; when the buffer is
// full the event is dropped and a warning is logged at most every few seconds.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.dropLog.Do(func() {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.dropped.Swap(0)))
		})
	}
}

// Close stops accepting events, flushes every pending run and closes the
// sinks. Only the first call starts shutdown; later calls just wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// pending holds undelivered events grouped by run, in first-seen run order.
type pending struct {
	byRun map[[16]byte][]Event
	order [][16]byte
	size  int
}

func newPending() *pending {
	return &pending{byRun: make(map[[16]byte][]Event)}
}

func (p *pending) add(evt Event) {
	if _, ok := p.byRun[evt.RunID]; !ok {
		p.order = append(p.order, evt.RunID)
	}
	p.byRun[evt.RunID] = append(p.byRun[evt.RunID], evt)
	p.size++
}

// take removes and returns one run's events.
func (p *pending) take(runID [16]byte) []Event {
	batch := p.byRun[runID]
	delete(p.byRun, runID)
	for i, id := range p.order {
		if id == runID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	p.size -= len(batch)
	return batch
}

// drain removes everything, keeping each run's events contiguous.
func (p *pending) drain() []Event {
	out := make([]Event, 0, p.size)
	for _, id := range p.order {
		out = append(out, p.byRun[id]...)
	}
	p.byRun = make(map[[16]byte][]Event)
	p.order = p.order[:0]
	p.size = 0
	return out
}

func (h *Hub) run() {
	defer close(h.doneCh)
	held := newPending()
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case evt := <-h.events:
			h.accept(held, evt)
		case <-ticker.C:
			if held.size > 0 {
				h.flush(held.drain())
			}
		case <-h.stopCh:
			h.drainQueued(held)
			h.flush(held.drain())
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drainQueued(held *pending) {
	for {
		select {
		case evt := <-h.events:
			h.accept(held, evt)
		default:
			return
		}
	}
}

func (h *Hub) accept(held *pending, evt Event) {
	held.add(evt)
	switch {
	case evt.Stage == StageRunDone || evt.Stage == StageRunError:
		h.flush(held.take(evt.RunID))
	case held.size >= h.cfg.MaxBatchEvents:
		h.flush(held.drain())
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, append([]Event(nil), batch...)); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
