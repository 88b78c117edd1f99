// Package s3 implements blobstore.Store on Amazon S3 (or any S3-compatible
// provider) for deployments that externalize artifact storage instead of
// using the local filesystem. It frames objects with the same BS2 codec as
// blobstore/fs so callers are backend-agnostic: only the byte layout under
// storage, not the wire format, differs between the two backends.
package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"orca.dev/orca/blobstore"
	"orca.dev/orca/blobstore/bs2"
)

// API is the subset of the AWS SDK v2 S3 client this package depends on,
// narrowed for testability.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config holds the S3 storage backend configuration.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string
	// Prefix is the key prefix within the bucket (optional).
	Prefix string
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// KeyProvider resolves the AES-256 key used to encrypt/decrypt blobs.
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

// Store is an S3-backed blobstore.Store.
type Store struct {
	api      API
	cfg      Config
	keys     KeyProvider
	observer blobstore.Observer
}

// New returns an S3-backed Store using client to talk to bucket cfg.Bucket,
// encrypting/decrypting blobs with the key resolved by keys. observer may
// be nil.
func New(client API, cfg Config, keys KeyProvider, observer blobstore.Observer) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{api: client, cfg: cfg, keys: keys, observer: observer}, nil
}

func (s *Store) objectKey(digest string) string {
	shard := path.Join("sha256", digest[:2], digest[2:4], digest)
	if s.cfg.Prefix == "" {
		return shard
	}
	return path.Join(s.cfg.Prefix, shard)
}

// Put implements blobstore.Store. Because S3 PutObject is a single atomic
// operation keyed by the final object key, there is no temp-file-and-rename
// dance: two concurrent puts of the same plaintext both succeed and leave
// byte-identical BS2 framing under the same key, since BS2 encryption is
// deterministic per (key, digest).
func (s *Store) Put(ctx context.Context, r io.Reader, mime string) (blobstore.Ref, error) {
	key, err := s.keys.Key(ctx)
	if err != nil {
		return blobstore.Ref{}, err
	}

	var framed bytes.Buffer
	ref, err := bs2.Encode(&framed, key, r, mime)
	if err != nil {
		return blobstore.Ref{}, err
	}

	objKey := s.objectKey(ref.SHA256)
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(framed.Bytes()),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return blobstore.Ref{}, fmt.Errorf("%w: put object %s: %w", blobstore.ErrIO, objKey, err)
	}

	if s.observer != nil {
		s.observer.PutBytes(ref.SizeBytes)
	}
	return ref, nil
}

// Get implements blobstore.Store. It probes the fetched object for the BS2
// header and falls back to treating it as a legacy flat plaintext blob when
// absent, matching blobstore/fs's dual-format read path.
func (s *Store) Get(ctx context.Context, digest string, w io.Writer) error {
	key, err := s.keys.Key(ctx)
	if err != nil {
		return err
	}

	objKey := s.objectKey(digest)
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || isNotFound(err) {
			return blobstore.ErrNotFound
		}
		return fmt.Errorf("%w: get object %s: %w", blobstore.ErrIO, objKey, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("%w: read object body: %w", blobstore.ErrIO, err)
	}

	var n int64
	if bs2.HasHeader(body) {
		cw := &countingWriter{w: w}
		if err := bs2.Decode(bytes.NewReader(body), key, digest, cw); err != nil {
			return err
		}
		n = cw.n
	} else {
		sum := sha256.Sum256(body)
		if got := hex.EncodeToString(sum[:]); got != digest {
			return fmt.Errorf("%w: legacy digest mismatch: got %s want %s", blobstore.ErrIntegrity, got, digest)
		}
		if _, err := w.Write(body); err != nil {
			return fmt.Errorf("%w: write legacy body: %w", blobstore.ErrIO, err)
		}
		n = int64(len(body))
	}

	if s.observer != nil {
		s.observer.GetBytes(n)
	}
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
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

var _ blobstore.Store = (*Store)(nil)
