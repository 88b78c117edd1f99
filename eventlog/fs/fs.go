// Package fs implements eventlog.Store as a single append-only,
// line-delimited JSON file with one fsync'd write per record.
//
// The on-disk format is one Record per line, JSON-encoded with the
// EventID/TSMillis/RunID/EventType/Payload field order from eventlog.Record.
// Go's encoding/json marshals struct fields in declaration order, so the
// byte output is stable across processes and platforms for a given typed
// payload — this is the property the golden-byte tests in this package
// lock down.
package fs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"orca.dev/orca/eventlog"
	"orca.dev/orca/ids"
)

const logFileName = "wal.log"

type indexEntry struct {
	offset int64
	length int
}

// Store is a filesystem-backed eventlog.Store. A single writer handle
// serializes all appends; ReadRange is served from an in-memory index built
// at Open time and maintained incrementally thereafter.
type Store struct {
	mu       sync.Mutex
	dir      string
	path     string
	w        *os.File
	alloc    *ids.Allocator
	writeOff int64
	index    map[string][]indexEntry // runID -> ordered index entries
}

// Open opens (or creates) the event log directory at dir, replays the
// existing log file to rebuild the in-memory index and seed the monotonic ID
// allocator from the maximum observed event_id, and returns a ready Store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog/fs: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, logFileName)

	s := &Store{
		dir:   dir,
		path:  path,
		index: make(map[string][]indexEntry),
	}

	var maxID uint64
	if existing, err := os.Open(path); err == nil {
		maxID, err = s.replay(existing)
		closeErr := existing.Close()
		if err != nil {
			return nil, fmt.Errorf("eventlog/fs: replay %s: %w", path, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("eventlog/fs: close %s: %w", path, closeErr)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("eventlog/fs: open %s: %w", path, err)
	}
	s.alloc = ids.Resume(maxID)

	w, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog/fs: open for append %s: %w", path, err)
	}
	info, err := w.Stat()
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("eventlog/fs: stat %s: %w", path, err)
	}
	s.w = w
	s.writeOff = info.Size()

	if err := fsyncDir(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: %w", eventlog.ErrIO, err)
	}
	return s, nil
}

// replay scans every line of an existing log file, rebuilding the per-run
// index and returning the maximum observed EventID.
func (s *Store) replay(f *os.File) (uint64, error) {
	var maxID uint64
	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		length := len(line) + 1 // + newline
		var r eventlog.Record
		if err := json.Unmarshal(line, &r); err != nil {
			return 0, fmt.Errorf("decode record at offset %d: %w", offset, err)
		}
		s.index[r.RunID] = append(s.index[r.RunID], indexEntry{offset: offset, length: length})
		if r.EventID > maxID {
			maxID = r.EventID
		}
		offset += int64(length)
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return maxID, nil
}

// Append implements eventlog.Store. It assigns the next monotonic EventID,
// marshals the record as a single JSON line, and fsyncs the file before
// returning success. A failed append truncates back to the last known-good
// offset so no partial record is ever visible to subsequent reads.
func (s *Store) Append(_ context.Context, r eventlog.Record) (eventlog.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.w == nil {
		return eventlog.Record{}, fmt.Errorf("eventlog/fs: store is closed")
	}

	r.EventID = s.alloc.Next()
	line, err := json.Marshal(r)
	if err != nil {
		return eventlog.Record{}, fmt.Errorf("eventlog/fs: marshal record: %w", err)
	}
	line = append(line, '\n')

	startOff := s.writeOff
	n, err := s.w.Write(line)
	if err != nil {
		_ = s.w.Truncate(startOff)
		return eventlog.Record{}, fmt.Errorf("%w: write: %w", eventlog.ErrIO, err)
	}
	if err := s.w.Sync(); err != nil {
		_ = s.w.Truncate(startOff)
		return eventlog.Record{}, fmt.Errorf("%w: fsync: %w", eventlog.ErrIO, err)
	}

	s.writeOff += int64(n)
	s.index[r.RunID] = append(s.index[r.RunID], indexEntry{offset: startOff, length: n})
	return r, nil
}

// ReadRange implements eventlog.Store.
func (s *Store) ReadRange(_ context.Context, runID string, start, end uint64) ([]eventlog.Record, error) {
	if end <= start {
		return nil, nil
	}

	s.mu.Lock()
	entries := append([]indexEntry(nil), s.index[runID]...)
	path := s.path
	s.mu.Unlock()

	if len(entries) == 0 {
		return nil, nil
	}

	r, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", eventlog.ErrIO, path, err)
	}
	defer r.Close()

	var out []eventlog.Record
	for _, e := range entries {
		rec, err := readAt(r, e)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", eventlog.ErrIO, err)
		}
		if rec.EventID >= start && rec.EventID < end {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ScanAll implements eventlog.Store, yielding every record in append order
// (which equals EventID order) by streaming the log file sequentially.
func (s *Store) ScanAll(_ context.Context) iter.Seq2[eventlog.Record, error] {
	return func(yield func(eventlog.Record, error) bool) {
		s.mu.Lock()
		path := s.path
		s.mu.Unlock()

		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(eventlog.Record{}, fmt.Errorf("%w: %w", eventlog.ErrIO, err))
			}
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			var rec eventlog.Record
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				yield(eventlog.Record{}, fmt.Errorf("%w: decode: %w", eventlog.ErrIO, err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(eventlog.Record{}, fmt.Errorf("%w: scan: %w", eventlog.ErrIO, err))
		}
	}
}

func readAt(r *os.File, e indexEntry) (eventlog.Record, error) {
	buf := make([]byte, e.length)
	if _, err := r.ReadAt(buf, e.offset); err != nil {
		return eventlog.Record{}, err
	}
	var rec eventlog.Record
	// Trim the trailing newline before decoding.
	if n := len(buf); n > 0 && buf[n-1] == '\n' {
		buf = buf[:n-1]
	}
	if err := json.Unmarshal(buf, &rec); err != nil {
		return eventlog.Record{}, err
	}
	return rec, nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Close flushes and closes the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	err := s.w.Close()
	s.w = nil
	return err
}

var (
	_ eventlog.Store = (*Store)(nil)
	_ io.Closer      = (*Store)(nil)
)
