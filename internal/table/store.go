// Package table mirrors the remote tables of a BitMEX realtime session.
//
// A Store is not safe for concurrent use. It is owned by a single goroutine
// (see engine.Sequencer); other goroutines read it through copies.
package table

import (
	"fmt"
	"slices"

	"order_sync/internal/domain"
)

const (
	// DefaultMaxLen caps unprotected tables. Helps cap memory usage.
	DefaultMaxLen = 200

	// OrderTable is the live order table; terminal records are dropped from it.
	OrderTable = "order"
)

// DefaultProtected lists tables that are never truncated. Losing order state
// silently is unacceptable.
var DefaultProtected = []string{OrderTable, "orderBookL2"}

// Action is one of the four canonical table operations.
type Action string

const (
	ActionPartial Action = "partial"
	ActionInsert  Action = "insert"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
)

// Table holds the rows of one channel in insertion order.
type Table struct {
	Name string
	rows []domain.Record
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.rows) }

func (t *Table) find(keys []string, match domain.Record) int {
	for i, row := range t.rows {
		if row.MatchesKeys(keys, match) {
			return i
		}
	}
	return -1
}

func (t *Table) removeAt(i int) {
	t.rows = slices.Delete(t.rows, i, i+1)
}

// upsert replaces the row sharing rec's keys, or appends rec.
func (t *Table) upsert(keys []string, rec domain.Record) {
	if len(keys) > 0 {
		if i := t.find(keys, rec); i >= 0 {
			t.rows[i] = rec
			return
		}
	}
	t.rows = append(t.rows, rec)
}

// Result describes the effect of one applied frame.
type Result struct {
	// Changed holds the records a downstream consumer should hear about,
	// in frame order. Records removed as terminal are included.
	Changed []domain.Record
	// Misses holds one ProtocolError per item that was skipped: update/delete
	// items that matched nothing and null items of any action.
	Misses []error
	// Removed counts rows deleted by the frame.
	Removed int
	// Trimmed counts rows discarded by the size bound.
	Trimmed int
}

// Option customizes a Store.
type Option func(*Store)

// WithMaxLen sets the size bound for unprotected tables.
func WithMaxLen(n int) Option {
	return func(s *Store) {
		if n > 1 {
			s.maxLen = n
		}
	}
}

// WithProtected replaces the set of tables exempt from the size bound.
func WithProtected(names ...string) Option {
	return func(s *Store) {
		s.protected = make(map[string]bool, len(names))
		for _, n := range names {
			s.protected[n] = true
		}
	}
}

// Store maps table names to tables and tracks the active key set.
type Store struct {
	tables    map[string]*Table
	keys      []string
	maxLen    int
	protected map[string]bool
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		tables: make(map[string]*Table),
		maxLen: DefaultMaxLen,
	}
	WithProtected(DefaultProtected...)(s)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys returns the key set of the last partial.
func (s *Store) Keys() []string {
	return slices.Clone(s.keys)
}

// Table returns the named table, or nil before its first partial.
func (s *Store) Table(name string) *Table {
	return s.tables[name]
}

// Names returns the tracked table names.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.tables))
	for n := range s.tables {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// IsProtected reports whether name is exempt from the size bound.
func (s *Store) IsProtected(name string) bool {
	return s.protected[name]
}

// Snapshot returns deep copies of the named table's rows.
func (s *Store) Snapshot(name string) []domain.Record {
	t := s.tables[name]
	if t == nil {
		return nil
	}
	out := make([]domain.Record, len(t.rows))
	for i, row := range t.rows {
		out[i] = row.Clone()
	}
	return out
}

// Reset discards every table and the key set.
func (s *Store) Reset() {
	s.tables = make(map[string]*Table)
	s.keys = nil
}

// Apply runs one action against the named table.
//
// A missing match on update or delete skips that item only; the miss is
// reported in Result.Misses and the rest of the batch is applied.
func (s *Store) Apply(name string, action Action, data []domain.Record, keys []string) (Result, error) {
	switch action {
	case ActionPartial:
		return s.partial(name, data, keys), nil
	case ActionInsert:
		return s.insert(name, data)
	case ActionUpdate:
		return s.update(name, data)
	case ActionDelete:
		return s.delete(name, data)
	default:
		return Result{}, &domain.ProtocolError{Table: name, Action: string(action), Err: domain.ErrUnknownAction}
	}
}

func (s *Store) partial(name string, data []domain.Record, keys []string) Result {
	// Keys are communicated on partials to let us know how to uniquely
	// identify an item.
	s.keys = slices.Clone(keys)

	t := s.tables[name]
	if t == nil {
		t = &Table{Name: name}
		s.tables[name] = t
	}
	var res Result
	for _, rec := range data {
		if rec == nil {
			res.Misses = append(res.Misses, malformed(name, ActionPartial))
			continue
		}
		t.upsert(s.keys, rec)
		res.Changed = append(res.Changed, rec)
	}
	return res
}

func (s *Store) insert(name string, data []domain.Record) (Result, error) {
	t, err := s.lookup(name, ActionInsert, false)
	if err != nil {
		return Result{}, err
	}
	var res Result
	for _, rec := range data {
		if rec == nil {
			res.Misses = append(res.Misses, malformed(name, ActionInsert))
			continue
		}
		t.upsert(s.keys, rec)
		res.Changed = append(res.Changed, rec)
	}

	if !s.IsProtected(name) && t.Len() > s.maxLen {
		keep := s.maxLen / 2
		res.Trimmed = t.Len() - keep
		t.rows = slices.Clone(t.rows[res.Trimmed:])
	}
	return res, nil
}

func (s *Store) update(name string, data []domain.Record) (Result, error) {
	t, err := s.lookup(name, ActionUpdate, true)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, upd := range data {
		if upd == nil {
			res.Misses = append(res.Misses, malformed(name, ActionUpdate))
			continue
		}
		i := t.find(s.keys, upd)
		if i < 0 {
			res.Misses = append(res.Misses, s.miss(name, ActionUpdate, upd))
			continue
		}
		item := t.rows[i]
		item.Merge(upd)

		if upd.HasAny(domain.SignificantFields...) {
			res.Changed = append(res.Changed, item)
		}

		// Remove cancelled / filled orders
		if name == OrderTable && item.IsTerminal() {
			t.removeAt(i)
			res.Removed++
		}
	}
	return res, nil
}

func (s *Store) delete(name string, data []domain.Record) (Result, error) {
	t, err := s.lookup(name, ActionDelete, true)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, del := range data {
		if del == nil {
			res.Misses = append(res.Misses, malformed(name, ActionDelete))
			continue
		}
		i := t.find(s.keys, del)
		if i < 0 {
			res.Misses = append(res.Misses, s.miss(name, ActionDelete, del))
			continue
		}
		t.removeAt(i)
		res.Removed++
	}
	return res, nil
}

// lookup fails when the table has no partial yet, or when keys are needed
// to address rows and none are known.
func (s *Store) lookup(name string, action Action, needKeys bool) (*Table, error) {
	t := s.tables[name]
	if t == nil || (needKeys && len(s.keys) == 0) {
		return nil, &domain.ProtocolError{Table: name, Action: string(action), Err: domain.ErrTableNotFound}
	}
	return t, nil
}

func (s *Store) miss(name string, action Action, item domain.Record) error {
	key := make([]any, 0, len(s.keys))
	for _, k := range s.keys {
		key = append(key, item[k])
	}
	return &domain.ProtocolError{
		Table:  name,
		Action: string(action),
		Err:    fmt.Errorf("%w: %v=%v", domain.ErrNoMatch, s.keys, key),
	}
}

// malformed reports a null item in a frame's data array.
func malformed(name string, action Action) error {
	return &domain.ProtocolError{
		Table:  name,
		Action: string(action),
		Err:    fmt.Errorf("%w: null item", domain.ErrMalformedFrame),
	}
}
