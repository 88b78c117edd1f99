// Package clock provides the injectable time source used on every control
// path in ORCA. Production code reads wall time through System; tests and
// WAL replay substitute Virtual so that timestamps are reproducible.
//
// Direct reads of system time (time.Now) are forbidden outside this package;
// every control-path timestamp must flow through a Clock obtained from the
// process-wide registry in Registry.
package clock

import (
	"sync/atomic"
	"time"
)

type (
	// Clock abstracts the current time as milliseconds since the Unix epoch.
	// Implementations must be safe for concurrent use.
	Clock interface {
		// NowMillis returns the current time in milliseconds since the epoch.
		NowMillis() int64
	}

	// System is a Clock backed by wall-clock time.
	System struct{}

	// Virtual is a Clock whose value is set explicitly, for tests and replay.
	// The zero value starts at millis 0; use NewVirtual to seed an initial
	// value. Advance/Set are safe for concurrent use with NowMillis.
	Virtual struct {
		millis atomic.Int64
	}
)

// NewSystem returns a Clock backed by wall-clock time.
func NewSystem() *System { return &System{} }

// NowMillis returns time.Now in milliseconds since the epoch.
func (*System) NowMillis() int64 { return time.Now().UnixMilli() }

// NewVirtual returns a Virtual clock seeded at the given millisecond value.
func NewVirtual(startMillis int64) *Virtual {
	v := &Virtual{}
	v.millis.Store(startMillis)
	return v
}

// NowMillis returns the current virtual time. Lock-free and allocation-free.
func (v *Virtual) NowMillis() int64 { return v.millis.Load() }

// Advance moves the virtual clock forward by delta milliseconds and returns
// the new value. Negative delta is rejected (time never regresses under a
// Virtual clock); callers that need to rewind should construct a new Virtual.
func (v *Virtual) Advance(deltaMillis int64) int64 {
	if deltaMillis < 0 {
		deltaMillis = 0
	}
	return v.millis.Add(deltaMillis)
}

// Set pins the virtual clock to an absolute millisecond value. Used by replay
// to restore the exact timestamp recorded for a WAL entry.
func (v *Virtual) Set(millis int64) { v.millis.Store(millis) }

type (
	// Registry holds the single process-wide Clock, swappable at well-defined
	// lifecycle points (init, and before replay substitutes a Virtual clock).
	Registry struct {
		clock atomic.Pointer[Clock]
	}
)

// NewRegistry returns a Registry seeded with the given initial Clock. A nil
// clock seeds a System clock.
func NewRegistry(initial Clock) *Registry {
	r := &Registry{}
	if initial == nil {
		initial = NewSystem()
	}
	r.clock.Store(&initial)
	return r
}

// Clock returns the currently registered Clock.
func (r *Registry) Clock() Clock { return *r.clock.Load() }

// Swap atomically replaces the registered Clock, returning the previous one.
func (r *Registry) Swap(next Clock) Clock {
	prev := r.clock.Swap(&next)
	return *prev
}

// NowMillis is a convenience that reads the registered Clock.
func (r *Registry) NowMillis() int64 { return r.Clock().NowMillis() }
