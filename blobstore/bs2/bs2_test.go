package bs2_test

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca.dev/orca/blobstore"
	"orca.dev/orca/blobstore/bs2"
)

var key = bytes.Repeat([]byte{0x07}, 32)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("encode then decode reproduces the original bytes", prop.ForAll(
		func(content []byte) bool {
			var framed bytes.Buffer
			ref, err := bs2.Encode(&framed, key, bytes.NewReader(content), "application/octet-stream")
			if err != nil {
				return false
			}
			var out bytes.Buffer
			if err := bs2.Decode(bytes.NewReader(framed.Bytes()), key, ref.SHA256, &out); err != nil {
				return false
			}
			return bytes.Equal(content, out.Bytes())
		},
		gen.SliceOf(gen.UInt8Range(0, 255)).WithLabel("content"),
	))

	properties.TestingRun(t)
}

func TestDecodeRejectsZeroChunkSize(t *testing.T) {
	var framed bytes.Buffer
	_, err := bs2.Encode(&framed, key, bytes.NewReader([]byte("hello")), "text/plain")
	require.NoError(t, err)

	corrupted := framed.Bytes()
	// chunk_size occupies bytes [4:8) after the 3-byte magic + 1-byte version.
	corrupted[4], corrupted[5], corrupted[6], corrupted[7] = 0, 0, 0, 0

	var out bytes.Buffer
	err = bs2.Decode(bytes.NewReader(corrupted), key, "irrelevant", &out)
	assert.ErrorIs(t, err, blobstore.ErrIntegrity)
}

func TestDecodeRejectsOversizedChunkLength(t *testing.T) {
	var framed bytes.Buffer
	ref, err := bs2.Encode(&framed, key, bytes.NewReader([]byte("hello world")), "text/plain")
	require.NoError(t, err)

	corrupted := framed.Bytes()
	// First chunk length prefix starts right after the 12-byte header
	// (3-byte magic + 1-byte version + 4-byte chunk_size + 4-byte total_chunks).
	corrupted[12], corrupted[13], corrupted[14], corrupted[15] = 0xFF, 0xFF, 0xFF, 0xFF

	var out bytes.Buffer
	err = bs2.Decode(bytes.NewReader(corrupted), key, ref.SHA256, &out)
	assert.ErrorIs(t, err, blobstore.ErrIntegrity)
}

func TestDecodeRejectsDigestMismatch(t *testing.T) {
	var framed bytes.Buffer
	_, err := bs2.Encode(&framed, key, bytes.NewReader([]byte("hello")), "text/plain")
	require.NoError(t, err)

	var out bytes.Buffer
	err = bs2.Decode(bytes.NewReader(framed.Bytes()), key, "0000000000000000000000000000000000000000000000000000000000000000"[:64], &out)
	assert.ErrorIs(t, err, blobstore.ErrIntegrity)
}
