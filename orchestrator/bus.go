package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"

	"orca.dev/orca/eventlog"
	"orca.dev/orca/telemetry"
)

// Sink delivers published WAL records to an external transport (SSE,
// WebSocket, a message bus). Implementations must be safe for concurrent
// Send calls: Bus fans one published record out to every registered Sink.
//
// This generalizes the stream.Sink vocabulary from delivering agent-UI
// events (assistant replies, tool-call deltas, planner thoughts) to
// delivering the orchestrator's own wire record: a push subscriber
// receives the same eventlog.Record a StreamEvents caller would pull,
// rather than a closed set of UI event types.
type Sink interface {
	Send(ctx context.Context, rec eventlog.Record) error
	Close(ctx context.Context) error
}

// Subscription is returned by Bus.Subscribe. Closing it unregisters the
// sink; it does not call the sink's own Close.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Close unregisters the subscription. Safe to call more than once.
func (s Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.sinks, s.id)
	s.bus.mu.Unlock()
}

// Bus fans out every appended WAL record to registered push subscribers,
// alongside the durable append path. A transport adapter can therefore
// offer pull (StreamEvents) and push (Subscribe) semantics from the same
// internal stream, without the orchestrator core depending on any
// particular transport.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	sinks  map[uint64]Sink
	logger telemetry.Logger
}

// NewBus returns an empty Bus. A nil logger defaults to a no-op logger.
func NewBus(logger telemetry.Logger) *Bus {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{sinks: make(map[uint64]Sink), logger: logger}
}

// Subscribe registers sink to receive every record published from this
// point forward. It never replays history: a new subscriber does not see
// records appended before Subscribe returns, so callers that also need
// history should pair Subscribe with a StreamEvents call from a known
// offset.
func (b *Bus) Subscribe(sink Sink) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := atomic.AddUint64(&b.nextID, 1)
	b.sinks[id] = sink
	return Subscription{bus: b, id: id}
}

// publish fans rec out to every registered sink. A Send failure
// unregisters that sink and is logged, never returned: a slow or broken
// push subscriber must never affect the durable append path that called
// publish.
func (b *Bus) publish(ctx context.Context, rec eventlog.Record) {
	b.mu.Lock()
	if len(b.sinks) == 0 {
		b.mu.Unlock()
		return
	}
	sinks := make(map[uint64]Sink, len(b.sinks))
	for id, s := range b.sinks {
		sinks[id] = s
	}
	b.mu.Unlock()

	for id, sink := range sinks {
		if err := sink.Send(ctx, rec); err != nil {
			b.logger.Error(ctx, "orchestrator: bus sink failed, unsubscribing", "error", err)
			b.mu.Lock()
			delete(b.sinks, id)
			b.mu.Unlock()
		}
	}
}
