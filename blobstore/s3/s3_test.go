package s3_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca.dev/orca/blobstore"
	"orca.dev/orca/blobstore/s3"
)

var testKey = s3.StaticKey(bytes.Repeat([]byte{0x11}, 32))

type fakeAPI struct {
	objects map[string][]byte
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{objects: make(map[string][]byte)}
}

func (f *fakeAPI) PutObject(_ context.Context, in *awss3.PutObjectInput, _ ...func(*awss3.Options)) (*awss3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = body
	return &awss3.PutObjectOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *awss3.GetObjectInput, _ ...func(*awss3.Options)) (*awss3.GetObjectOutput, error) {
	body, ok := f.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &awss3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func TestPutGetRoundTrip(t *testing.T) {
	api := newFakeAPI()
	store, err := s3.New(api, s3.Config{Bucket: "artifacts", Prefix: "orca"}, testKey, nil)
	require.NoError(t, err)

	content := []byte("s3-backed artifact content")
	ref, err := store.Put(context.Background(), bytes.NewReader(content), "text/plain")
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, store.Get(context.Background(), ref.SHA256, &out))
	assert.Equal(t, content, out.Bytes())
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	api := newFakeAPI()
	store, err := s3.New(api, s3.Config{Bucket: "artifacts"}, testKey, nil)
	require.NoError(t, err)

	err = store.Get(context.Background(), "deadbeef", new(bytes.Buffer))
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestNewRejectsMissingBucket(t *testing.T) {
	api := newFakeAPI()
	_, err := s3.New(api, s3.Config{}, testKey, nil)
	require.Error(t, err)
}

func TestLegacyFlatObjectFallback(t *testing.T) {
	api := newFakeAPI()
	store, err := s3.New(api, s3.Config{Bucket: "artifacts"}, testKey, nil)
	require.NoError(t, err)

	content := []byte("legacy pre-BS2 object body")
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])
	api.objects["sha256/"+digest[:2]+"/"+digest[2:4]+"/"+digest] = content

	var out bytes.Buffer
	require.NoError(t, store.Get(context.Background(), digest, &out))
	assert.Equal(t, content, out.Bytes())
}
