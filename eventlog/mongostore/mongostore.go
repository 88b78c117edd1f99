// Package mongostore wires eventlog.Store to a MongoDB collection, for
// deployments that already run MongoDB for session/run storage and want a
// single operational datastore instead of a local filesystem WAL.
//
// Per-run ordering is preserved with a unique (run_id, event_id) index;
// global EventID allocation uses a dedicated counters collection updated
// with an atomic findOneAndUpdate($inc), the Mongo-idiomatic equivalent of
// the in-process atomic counter used by the fs and inmem backends.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"orca.dev/orca/eventlog"
)

const (
	defaultEventsCollection  = "orca_wal_events"
	defaultCounterCollection = "orca_wal_counters"
	counterDocID             = "event_id"
)

// Options configures the Mongo-backed event log store.
type Options struct {
	// Client is a connected Mongo client, owned by the caller.
	Client *mongo.Client
	// Database selects the database holding the WAL collections.
	Database string
	// EventsCollection overrides the events collection name.
	EventsCollection string
	// CounterCollection overrides the counter collection name.
	CounterCollection string
}

// Store implements eventlog.Store against MongoDB.
type Store struct {
	events   *mongo.Collection
	counters *mongo.Collection
}

type counterDoc struct {
	ID    string `bson:"_id"`
	Value uint64 `bson:"value"`
}

type eventDocument struct {
	EventID   uint64 `bson:"event_id"`
	TSMillis  uint64 `bson:"ts_ms"`
	RunID     string `bson:"run_id"`
	EventType string `bson:"event_type"`
	Payload   []byte `bson:"payload"`
}

// Open builds a Store using opts, creating the unique per-run index on
// (run_id, event_id) if it does not already exist.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("eventlog/mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("eventlog/mongostore: database is required")
	}
	eventsColl := opts.EventsCollection
	if eventsColl == "" {
		eventsColl = defaultEventsCollection
	}
	counterColl := opts.CounterCollection
	if counterColl == "" {
		counterColl = defaultCounterCollection
	}

	db := opts.Client.Database(opts.Database)
	events := db.Collection(eventsColl)
	counters := db.Collection(counterColl)

	_, err := events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}, {Key: "event_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog/mongostore: create index: %w", err)
	}

	return &Store{events: events, counters: counters}, nil
}

// Append implements eventlog.Store.
func (s *Store) Append(ctx context.Context, r eventlog.Record) (eventlog.Record, error) {
	id, err := s.nextEventID(ctx)
	if err != nil {
		return eventlog.Record{}, fmt.Errorf("%w: allocate event id: %w", eventlog.ErrIO, err)
	}
	r.EventID = id

	doc := eventDocument{
		EventID:   r.EventID,
		TSMillis:  r.TSMillis,
		RunID:     r.RunID,
		EventType: string(r.EventType),
		Payload:   []byte(r.Payload),
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		return eventlog.Record{}, fmt.Errorf("%w: insert: %w", eventlog.ErrIO, err)
	}
	return r, nil
}

// nextEventID atomically increments the global counter document and returns
// its new value, mirroring the in-process atomic allocator for backends
// where a single shared process-wide counter is not available.
func (s *Store) nextEventID(ctx context.Context) (uint64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)
	res := s.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: counterDocID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}},
		opts,
	)
	var doc counterDoc
	if err := res.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Value, nil
}

// ReadRange implements eventlog.Store.
func (s *Store) ReadRange(ctx context.Context, runID string, start, end uint64) ([]eventlog.Record, error) {
	if end <= start {
		return nil, nil
	}
	filter := bson.D{
		{Key: "run_id", Value: runID},
		{Key: "event_id", Value: bson.D{{Key: "$gte", Value: start}, {Key: "$lt", Value: end}}},
	}
	cur, err := s.events.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "event_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("%w: find: %w", eventlog.ErrIO, err)
	}
	defer cur.Close(ctx)

	var out []eventlog.Record
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: decode: %w", eventlog.ErrIO, err)
		}
		out = append(out, docToRecord(doc))
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("%w: cursor: %w", eventlog.ErrIO, err)
	}
	return out, nil
}

// ScanAll implements eventlog.Store, streaming every record across all runs
// in global EventID order for startup replay.
func (s *Store) ScanAll(ctx context.Context) iter.Seq2[eventlog.Record, error] {
	return func(yield func(eventlog.Record, error) bool) {
		cur, err := s.events.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "event_id", Value: 1}}))
		if err != nil {
			yield(eventlog.Record{}, fmt.Errorf("%w: find: %w", eventlog.ErrIO, err))
			return
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			var doc eventDocument
			if err := cur.Decode(&doc); err != nil {
				yield(eventlog.Record{}, fmt.Errorf("%w: decode: %w", eventlog.ErrIO, err))
				return
			}
			if !yield(docToRecord(doc), nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(eventlog.Record{}, fmt.Errorf("%w: cursor: %w", eventlog.ErrIO, err))
		}
	}
}

func docToRecord(doc eventDocument) eventlog.Record {
	return eventlog.Record{
		EventID:   doc.EventID,
		TSMillis:  doc.TSMillis,
		RunID:     doc.RunID,
		EventType: eventlog.EventType(doc.EventType),
		Payload:   doc.Payload,
	}
}

var _ eventlog.Store = (*Store)(nil)
