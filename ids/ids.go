// Package ids provides the process-wide monotonic event ID allocator used by
// the event log. IDs are strictly increasing within a process lifetime and
// must be seeded from WAL replay on startup so they never regress across
// restarts.
package ids

import "sync/atomic"

// Allocator hands out strictly increasing event IDs. The zero value behaves
// like New: its first Next() call returns 1. Use Resume to continue from a
// replayed log.
type Allocator struct {
	next atomic.Uint64
}

// New returns an Allocator whose first Next() call returns 1.
func New() *Allocator {
	return &Allocator{}
}

// Resume returns an Allocator seeded from the maximum event_id observed
// during WAL replay, so the first Next() call returns maxObserved+1. Pass 0
// when the log is empty.
func Resume(maxObserved uint64) *Allocator {
	a := &Allocator{}
	a.next.Store(maxObserved)
	return a
}

// Next returns the next strictly increasing event ID.
func (a *Allocator) Next() uint64 {
	return a.next.Add(1)
}

// Peek returns the most recently allocated ID without allocating a new one.
// Before the first Next call it returns the seed: 0 for New, maxObserved
// for Resume.
func (a *Allocator) Peek() uint64 {
	return a.next.Load()
}
