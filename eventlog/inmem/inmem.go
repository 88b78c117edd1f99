// Package inmem provides an in-memory implementation of eventlog.Store.
//
// The in-memory store is intended for tests and local development. It is
// not durable and should not be used in production.
package inmem

import (
	"context"
	"iter"
	"sync"

	"orca.dev/orca/eventlog"
	"orca.dev/orca/ids"
)

// Store implements eventlog.Store in memory.
type Store struct {
	mu    sync.Mutex
	alloc *ids.Allocator
	all   []eventlog.Record
	byRun map[string][]eventlog.Record
}

// New returns a new empty in-memory event log.
func New() *Store {
	return &Store{
		alloc: ids.New(),
		byRun: make(map[string][]eventlog.Record),
	}
}

// Append implements eventlog.Store.
func (s *Store) Append(_ context.Context, r eventlog.Record) (eventlog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.EventID = s.alloc.Next()
	s.all = append(s.all, r)
	s.byRun[r.RunID] = append(s.byRun[r.RunID], r)
	return r, nil
}

// ReadRange implements eventlog.Store.
func (s *Store) ReadRange(_ context.Context, runID string, start, end uint64) ([]eventlog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if end <= start {
		return nil, nil
	}
	var out []eventlog.Record
	for _, r := range s.byRun[runID] {
		if r.EventID >= start && r.EventID < end {
			out = append(out, r)
		}
	}
	return out, nil
}

// ScanAll implements eventlog.Store.
func (s *Store) ScanAll(_ context.Context) iter.Seq2[eventlog.Record, error] {
	return func(yield func(eventlog.Record, error) bool) {
		s.mu.Lock()
		snapshot := append([]eventlog.Record(nil), s.all...)
		s.mu.Unlock()

		for _, r := range snapshot {
			if !yield(r, nil) {
				return
			}
		}
	}
}

var _ eventlog.Store = (*Store)(nil)
