package fs_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca.dev/orca/blobstore"
	"orca.dev/orca/blobstore/fs"
)

var testKey = fs.StaticKey(bytes.Repeat([]byte{0x42}, 32))

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := fs.New(dir, testKey, nil)
	require.NoError(t, err)

	content := []byte("the quick brown fox jumps over the lazy dog")
	ref, err := store.Put(context.Background(), bytes.NewReader(content), "text/plain")
	require.NoError(t, err)

	want := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), ref.SHA256)
	assert.Equal(t, int64(len(content)), ref.SizeBytes)

	var out bytes.Buffer
	require.NoError(t, store.Get(context.Background(), ref.SHA256, &out))
	assert.Equal(t, content, out.Bytes())
}

func TestEmptyBlobRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := fs.New(dir, testKey, nil)
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), bytes.NewReader(nil), "application/octet-stream")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, store.Get(context.Background(), ref.SHA256, &out))
	assert.Empty(t, out.Bytes())
}

func TestPutIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store, err := fs.New(dir, testKey, nil)
	require.NoError(t, err)

	content := []byte("idempotent content")
	ref1, err := store.Put(context.Background(), bytes.NewReader(content), "text/plain")
	require.NoError(t, err)

	path := filepath.Join(dir, "sha256", ref1.SHA256[:2], ref1.SHA256[2:4], ref1.SHA256)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	ref2, err := store.Put(context.Background(), bytes.NewReader(content), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, ref1.SHA256, ref2.SHA256)

	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "putting the same plaintext twice must yield identical bytes on disk")
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	store, err := fs.New(dir, testKey, nil)
	require.NoError(t, err)

	missing := hex.EncodeToString(make([]byte, 32))
	err = store.Get(context.Background(), missing, new(bytes.Buffer))
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestLegacyFlatFormatFallback(t *testing.T) {
	dir := t.TempDir()
	store, err := fs.New(dir, testKey, nil)
	require.NoError(t, err)

	content := []byte("legacy pre-BS2 bytes")
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	path := filepath.Join(dir, "sha256", digest[:2], digest[2:4], digest)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))

	var out bytes.Buffer
	require.NoError(t, store.Get(context.Background(), digest, &out))
	assert.Equal(t, content, out.Bytes())
}
