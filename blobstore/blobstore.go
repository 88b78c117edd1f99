// Package blobstore defines the content-addressed artifact store used for
// multimodal artifacts. Concrete backends (fs, s3) share the BS2 chunked
// AEAD-over-zstd wire format defined in the bs2 subpackage; this package
// only defines the storage-agnostic contract, reference type, and error
// taxonomy.
package blobstore

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when no object exists for the requested digest.
	ErrNotFound = errors.New("blobstore: not found")
	// ErrIntegrity is returned for AEAD failure, digest mismatch, an
	// oversized chunk, or a malformed header.
	ErrIntegrity = errors.New("blobstore: integrity error")
	// ErrIO is returned for filesystem/network failures.
	ErrIO = errors.New("blobstore: io error")
	// ErrCrypto is returned when the configured key is the wrong key class
	// for the requested operation.
	ErrCrypto = errors.New("blobstore: crypto error")
)

// Ref identifies and describes a stored blob.
type Ref struct {
	SHA256    string `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
	MIME      string `json:"mime"`
}

// Observer receives low-cardinality observability callbacks for blob store
// operations. A nil Observer (the default) disables observation entirely.
type Observer interface {
	// PutBytes reports the plaintext byte count written by a completed Put.
	PutBytes(n int64)
	// GetBytes reports the plaintext byte count read by a completed Get.
	GetBytes(n int64)
	// CleanupCount reports a completed cleanup operation.
	CleanupCount()
}

// Store is the content-addressed artifact store contract. Implementations
// must make Put idempotent: putting the same plaintext twice yields
// byte-identical stored bytes and the same Ref.
type Store interface {
	// Put streams plaintext from r, returning the resulting Ref. mime is
	// recorded alongside the content but is not part of the digest.
	Put(ctx context.Context, r io.Reader, mime string) (Ref, error)

	// Get streams the plaintext for the given digest into w, verifying
	// integrity end-to-end. Returns ErrNotFound if no object exists for
	// digest.
	Get(ctx context.Context, digest string, w io.Writer) error
}
