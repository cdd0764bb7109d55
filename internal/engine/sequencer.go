package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/infra"
	"order_sync/internal/table"
)

// ErrStopped is returned to callers once Run has exited.
var ErrStopped = errors.New("sequencer stopped")

// Publisher receives the records a frame changed significantly.
type Publisher interface {
	Publish(ctx context.Context, capturedAt time.Time, rec domain.Record) error
}

// Options tunes the sequencer.
type Options struct {
	// PublishSnapshots forwards the rows of partial frames to the publisher.
	PublishSnapshots bool
	// DumpFile receives the table state if frame processing panics.
	DumpFile string
	Metrics  *infra.Metrics
}

// frame is the inbound realtime message.
type frame struct {
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Data      []domain.Record `json:"data"`
	Keys      []string        `json:"keys"`
	Subscribe string          `json:"subscribe"`
	Success   *bool           `json:"success"`
	Info      string          `json:"info"`
	Error     string          `json:"error"`
}

type query struct {
	fn   func(*table.Store)
	done chan struct{}
}

// envelope carries either a raw frame or a query through the inbox, so
// queries observe every frame enqueued before them.
type envelope struct {
	raw   []byte
	query *query
}

// Sequencer is the single-threaded owner of the table store. Frames and
// queries are served by Run in arrival order; nothing else touches the store.
type Sequencer struct {
	inbox     chan envelope
	stopped   chan struct{}
	store     *table.Store
	publisher Publisher
	opt       Options
	now       func() time.Time
	logger    *slog.Logger
}

// NewSequencer creates a new sequencer instance. publisher may be nil.
func NewSequencer(inboxSize int, store *table.Store, publisher Publisher, opt Options) *Sequencer {
	if opt.Metrics == nil {
		opt.Metrics = infra.GlobalMetrics
	}
	if opt.DumpFile == "" {
		opt.DumpFile = "panic_dump.json"
	}
	return &Sequencer{
		inbox:     make(chan envelope, inboxSize),
		stopped:   make(chan struct{}),
		store:     store,
		publisher: publisher,
		opt:       opt,
		now:       time.Now,
		logger:    slog.Default().With("module", "sequencer"),
	}
}

// HandleFrame enqueues one raw frame. It blocks while the inbox is full so
// frames are never dropped or reordered.
func (s *Sequencer) HandleFrame(ctx context.Context, raw []byte) error {
	if s.isStopped() {
		return ErrStopped
	}
	select {
	case s.inbox <- envelope{raw: raw}:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the main event loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	s.logger.Info("Sequencer started (Single-Thread Hotpath)")
	defer close(s.stopped)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState(s.opt.DumpFile)
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sequencer stopping...")
			return
		case env := <-s.inbox:
			if env.query != nil {
				env.query.fn(s.store)
				close(env.query.done)
				continue
			}
			if err := s.processFrame(ctx, env.raw); err != nil {
				s.opt.Metrics.RecordProtocolError()
				s.logger.Warn("Frame dropped", slog.Any("error", err))
			}
		}
	}
}

func decodeFrame(raw []byte) (frame, error) {
	var f frame
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&f); err != nil {
		return f, &domain.ProtocolError{Err: fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)}
	}
	return f, nil
}

// processFrame applies one frame and publishes what it changed. Every record
// of a frame shares the capture timestamp taken on entry.
func (s *Sequencer) processFrame(ctx context.Context, raw []byte) error {
	capturedAt := s.now()
	start := time.Now()
	defer func() {
		s.opt.Metrics.RecordFrame(time.Since(start).Nanoseconds())
	}()

	f, err := decodeFrame(raw)
	if err != nil {
		return err
	}

	switch {
	case f.Subscribe != "":
		s.logger.Debug("Subscribed", slog.String("topic", f.Subscribe), slog.Bool("success", f.Success != nil && *f.Success))
		return nil
	case f.Info != "":
		s.logger.Info("Venue info", slog.String("info", f.Info))
		return nil
	case f.Error != "":
		s.logger.Error("Venue error", slog.String("error", f.Error))
		return nil
	case f.Action == "":
		return nil
	}

	action := table.Action(f.Action)
	s.logger.Debug("Applying frame",
		slog.String("table", f.Table),
		slog.String("action", f.Action),
		slog.Int("rows", len(f.Data)),
	)

	res, err := s.store.Apply(f.Table, action, f.Data, f.Keys)
	if err != nil {
		return err
	}

	for _, miss := range res.Misses {
		s.opt.Metrics.RecordProtocolError()
		s.logger.Warn("Item skipped", slog.Any("error", miss))
	}
	if res.Trimmed > 0 {
		s.logger.Debug("Table trimmed", slog.String("table", f.Table), slog.Int("rows", res.Trimmed))
	}
	if f.Table == table.OrderTable {
		s.opt.Metrics.RecordOrdersClosed(res.Removed)
	}

	changed := res.Changed
	if action == table.ActionPartial && !s.opt.PublishSnapshots {
		changed = nil
	}
	if s.publisher == nil {
		return nil
	}
	for _, rec := range changed {
		if err := s.publisher.Publish(ctx, capturedAt, rec); err != nil {
			s.logger.Warn("Publish failed", slog.String("order_id", rec.ID()), slog.Any("error", err))
		}
	}
	return nil
}

func (s *Sequencer) isStopped() bool {
	select {
	case <-s.stopped:
		return true
	default:
		return false
	}
}

// ask runs fn on the Run goroutine and waits for it.
func (s *Sequencer) ask(ctx context.Context, fn func(*table.Store)) error {
	if s.isStopped() {
		return ErrStopped
	}
	q := &query{fn: fn, done: make(chan struct{})}
	select {
	case s.inbox <- envelope{query: q}:
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-q.done:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the named table (external read).
func (s *Sequencer) Snapshot(ctx context.Context, name string) ([]domain.Record, error) {
	var rows []domain.Record
	err := s.ask(ctx, func(st *table.Store) {
		rows = st.Snapshot(name)
	})
	return rows, err
}

// Orders returns a copy of the live order table.
func (s *Sequencer) Orders(ctx context.Context) ([]domain.Record, error) {
	return s.Snapshot(ctx, table.OrderTable)
}

// Reset discards all table state.
func (s *Sequencer) Reset(ctx context.Context) error {
	return s.ask(ctx, func(st *table.Store) {
		st.Reset()
		s.logger.Info("Table store reset")
	})
}

// DumpState writes the entire internal state to a file (for post-mortem).
// It must only be called from the Run goroutine.
func (s *Sequencer) DumpState(filename string) {
	s.logger.Info("Dumping internal state...", slog.String("file", filename))

	tables := make(map[string][]domain.Record)
	for _, name := range s.store.Names() {
		tables[name] = s.store.Snapshot(name)
	}
	data := struct {
		Keys   []string                   `json:"keys"`
		Tables map[string][]domain.Record `json:"tables"`
	}{
		Keys:   s.store.Keys(),
		Tables: tables,
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		s.logger.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		s.logger.Error("Failed to write state dump", slog.Any("error", err))
	}
}
