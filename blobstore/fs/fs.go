// Package fs implements blobstore.Store on the local filesystem: blobs are
// written atomically (temp file + rename + directory fsync) under a
// sharded path derived from the content digest, and encrypted/compressed
// using the BS2 format in blobstore/bs2.
package fs

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"orca.dev/orca/blobstore"
	"orca.dev/orca/blobstore/bs2"
)

// KeyProvider resolves the AES-256 key used to encrypt/decrypt blobs.
// Implementations may return a single process-wide key or rotate by
// context (e.g. per tenant).
type KeyProvider interface {
	Key(ctx context.Context) ([]byte, error)
}

// StaticKey is a KeyProvider that always returns the same 32-byte key.
type StaticKey []byte

// Key implements KeyProvider.
func (k StaticKey) Key(context.Context) ([]byte, error) {
	if len(k) != 32 {
		return nil, fmt.Errorf("%w: static key must be 32 bytes", blobstore.ErrCrypto)
	}
	return k, nil
}

// Store is a filesystem-backed blobstore.Store.
type Store struct {
	dir      string
	keys     KeyProvider
	observer blobstore.Observer
}

// New returns an fs-backed Store rooted at dir, using keys to resolve the
// AES-256 key for encryption and decryption. observer may be nil.
func New(dir string, keys KeyProvider, observer blobstore.Observer) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %w", blobstore.ErrIO, dir, err)
	}
	return &Store{dir: dir, keys: keys, observer: observer}, nil
}

func (s *Store) shardPath(digest string) string {
	return filepath.Join(s.dir, "sha256", digest[:2], digest[2:4], digest)
}

// Put implements blobstore.Store. It writes plaintext through the BS2
// encoder into a temporary file, then atomically renames it into its final
// sharded location. Putting the same plaintext twice yields the same bytes
// on disk: the temp file is written first so a concurrent put racing for
// the same digest either loses the rename (treated as success, matching
// the source's Windows AlreadyExists-on-rename semantics for idempotency)
// or wins it, producing identical bytes either way.
func (s *Store) Put(ctx context.Context, r io.Reader, mime string) (blobstore.Ref, error) {
	key, err := s.keys.Key(ctx)
	if err != nil {
		return blobstore.Ref{}, err
	}

	tmp, err := os.CreateTemp(s.dir, "put-*.tmp")
	if err != nil {
		return blobstore.Ref{}, fmt.Errorf("%w: create temp: %w", blobstore.ErrIO, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	ref, err := bs2.Encode(tmp, key, r, mime)
	if err != nil {
		tmp.Close()
		return blobstore.Ref{}, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return blobstore.Ref{}, fmt.Errorf("%w: sync temp: %w", blobstore.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return blobstore.Ref{}, fmt.Errorf("%w: close temp: %w", blobstore.ErrIO, err)
	}

	final := s.shardPath(ref.SHA256)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return blobstore.Ref{}, fmt.Errorf("%w: mkdir shard: %w", blobstore.ErrIO, err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		if !os.IsExist(err) {
			return blobstore.Ref{}, fmt.Errorf("%w: rename: %w", blobstore.ErrIO, err)
		}
		// AlreadyExists on rename is treated as success: another writer
		// already stored the same content-addressed bytes.
	}
	if err := fsyncDir(filepath.Dir(final)); err != nil {
		return blobstore.Ref{}, fmt.Errorf("%w: fsync dir: %w", blobstore.ErrIO, err)
	}

	if s.observer != nil {
		s.observer.PutBytes(ref.SizeBytes)
	}
	return ref, nil
}

// Get implements blobstore.Store. It probes for the BS2 header and falls
// back to treating the file as a legacy flat plaintext blob when absent.
func (s *Store) Get(ctx context.Context, digest string, w io.Writer) error {
	key, err := s.keys.Key(ctx)
	if err != nil {
		return err
	}

	path := s.shardPath(digest)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return blobstore.ErrNotFound
		}
		return fmt.Errorf("%w: open %s: %w", blobstore.ErrIO, path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	peek, _ := br.Peek(3)
	var getErr error
	var n int64
	if bs2.HasHeader(peek) {
		n, getErr = countingDecode(br, key, digest, w)
	} else {
		n, getErr = legacyCopy(br, digest, w)
	}
	if getErr != nil {
		return getErr
	}
	if s.observer != nil {
		s.observer.GetBytes(n)
	}
	return nil
}

func countingDecode(r io.Reader, key []byte, digest string, w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	if err := bs2.Decode(r, key, digest, cw); err != nil {
		return 0, err
	}
	return cw.n, nil
}

func legacyCopy(r io.Reader, digest string, w io.Writer) (int64, error) {
	hasher := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(w, hasher)}
	n, err := io.Copy(cw, r)
	if err != nil {
		return 0, fmt.Errorf("%w: legacy copy: %w", blobstore.ErrIO, err)
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != digest {
		return 0, fmt.Errorf("%w: legacy digest mismatch: got %s want %s", blobstore.ErrIntegrity, got, digest)
	}
	return n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// RandomSuffix is exposed for tests that need unique temp-file names without
// depending on os.CreateTemp's internal scheme.
func RandomSuffix() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

var _ blobstore.Store = (*Store)(nil)
