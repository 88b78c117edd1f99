// Package bs2 implements the BS2 chunked-AEAD-over-zstd wire format shared
// by every blobstore backend: SHA-256 content addressing, zstd level-3
// compression, and AES-256-GCM encryption with deterministic per-chunk
// nonces derived from the key and the content digest.
//
// Deriving nonces from (key, digest) makes Put idempotent — the same
// plaintext and key always produce the same ciphertext bytes on disk — at
// the cost of revealing duplicate plaintexts to anyone who can compare
// stored objects under the same key. This is a deliberate trade-off (see
// DESIGN.md): deployments that need semantic security across tenants under
// key reuse should provision a key per tenant.
package bs2

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"orca.dev/orca/blobstore"
)

const (
	magic          = "BS2"
	version        = 1
	defaultChunk   = 64 * 1024
	maxChunkSize   = 4 * 1024 * 1024
	gcmTagOverhead = 16
	nonceSize      = 12
)

// Header is the fixed BS2 object header.
type Header struct {
	ChunkSize   uint32
	TotalChunks uint32
}

// Encode streams plaintext from r through a SHA-256 hasher and a zstd
// level-3 encoder, then writes the BS2 framed, AES-256-GCM-encrypted
// output to w. key must be 32 bytes (AES-256). Returns the resulting Ref
// (digest, size, mime).
func Encode(w io.Writer, key []byte, r io.Reader, mime string) (blobstore.Ref, error) {
	if len(key) != 32 {
		return blobstore.Ref{}, fmt.Errorf("%w: key must be 32 bytes, got %d", blobstore.ErrCrypto, len(key))
	}

	hasher := sha256.New()
	var compressed bytes.Buffer
	zw, err := zstd.NewWriter(&compressed, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return blobstore.Ref{}, fmt.Errorf("%w: new zstd writer: %w", blobstore.ErrIO, err)
	}

	var size int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			size += int64(n)
			hasher.Write(buf[:n])
			if _, werr := zw.Write(buf[:n]); werr != nil {
				return blobstore.Ref{}, fmt.Errorf("%w: zstd write: %w", blobstore.ErrIO, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return blobstore.Ref{}, fmt.Errorf("%w: read: %w", blobstore.ErrIO, rerr)
		}
	}
	if err := zw.Close(); err != nil {
		return blobstore.Ref{}, fmt.Errorf("%w: zstd close: %w", blobstore.ErrIO, err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	block, err := aes.NewCipher(key)
	if err != nil {
		return blobstore.Ref{}, fmt.Errorf("%w: aes cipher: %w", blobstore.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return blobstore.Ref{}, fmt.Errorf("%w: gcm: %w", blobstore.ErrCrypto, err)
	}

	baseNonce := deriveBaseNonce(key, digest)
	payload := compressed.Bytes()
	totalChunks := (len(payload) + defaultChunk - 1) / defaultChunk
	if totalChunks == 0 {
		totalChunks = 0 // empty blob: zero chunks, header still written
	}

	if err := writeHeader(w, Header{ChunkSize: defaultChunk, TotalChunks: uint32(totalChunks)}); err != nil {
		return blobstore.Ref{}, err
	}

	for i := 0; i < totalChunks; i++ {
		start := i * defaultChunk
		end := start + defaultChunk
		if end > len(payload) {
			end = len(payload)
		}
		nonce := chunkNonce(baseNonce, uint64(i))
		ciphertext := gcm.Seal(nil, nonce, payload[start:end], nil)
		if err := writeChunk(w, ciphertext); err != nil {
			return blobstore.Ref{}, err
		}
	}

	return blobstore.Ref{SHA256: digest, SizeBytes: size, MIME: mime}, nil
}

// Decode reads a BS2-framed object from r, decrypts and decompresses it,
// verifies the result hashes to digest, and streams the plaintext to w.
// It returns blobstore.ErrIntegrity on any header, chunk-size, AEAD
// authentication, or digest failure, and blobstore.ErrCrypto when key is
// not 32 bytes.
func Decode(r io.Reader, key []byte, digest string, w io.Writer) error {
	if len(key) != 32 {
		return fmt.Errorf("%w: key must be 32 bytes, got %d", blobstore.ErrCrypto, len(key))
	}

	hdr, err := readHeader(r)
	if err != nil {
		return err
	}
	if hdr.ChunkSize == 0 || hdr.ChunkSize > maxChunkSize {
		return fmt.Errorf("%w: invalid chunk_size %d", blobstore.ErrIntegrity, hdr.ChunkSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("%w: aes cipher: %w", blobstore.ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("%w: gcm: %w", blobstore.ErrCrypto, err)
	}
	baseNonce := deriveBaseNonce(key, digest)

	var decompressed bytes.Buffer
	for i := uint32(0); i < hdr.TotalChunks; i++ {
		ciphertext, err := readChunk(r, hdr.ChunkSize)
		if err != nil {
			return err
		}
		nonce := chunkNonce(baseNonce, uint64(i))
		plain, err := gcm.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return fmt.Errorf("%w: aead open chunk %d: %w", blobstore.ErrIntegrity, i, err)
		}
		decompressed.Write(plain)
	}

	zr, err := zstd.NewReader(&decompressed)
	if err != nil {
		return fmt.Errorf("%w: new zstd reader: %w", blobstore.ErrIO, err)
	}
	defer zr.Close()

	hasher := sha256.New()
	mw := io.MultiWriter(w, hasher)
	if _, err := io.Copy(mw, zr); err != nil {
		return fmt.Errorf("%w: zstd decompress: %w", blobstore.ErrIntegrity, err)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if got != digest {
		return fmt.Errorf("%w: digest mismatch: got %s want %s", blobstore.ErrIntegrity, got, digest)
	}
	return nil
}

// HasHeader reports whether peeked begins with the BS2 magic. Callers that
// read from a stream pass bytes obtained from a peeking reader (e.g.
// bufio.Reader.Peek) so the probe consumes nothing.
func HasHeader(peeked []byte) bool {
	return len(peeked) >= len(magic) && string(peeked[:len(magic)]) == magic
}

func deriveBaseNonce(key []byte, digest string) []byte {
	h := sha256.Sum256(append(append([]byte{}, key...), []byte(digest)...))
	return h[:nonceSize]
}

func chunkNonce(base []byte, counter uint64) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, base)
	var counterBytes [nonceSize]byte
	binary.BigEndian.PutUint64(counterBytes[nonceSize-8:], counter)
	for i := range nonce {
		nonce[i] ^= counterBytes[i]
	}
	return nonce
}

func writeHeader(w io.Writer, h Header) error {
	buf := make([]byte, 0, len(magic)+1+4+4)
	buf = append(buf, []byte(magic)...)
	buf = append(buf, version)
	var sz [4]byte
	binary.BigEndian.PutUint32(sz[:], h.ChunkSize)
	buf = append(buf, sz[:]...)
	var tc [4]byte
	binary.BigEndian.PutUint32(tc[:], h.TotalChunks)
	buf = append(buf, tc[:]...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: write header: %w", blobstore.ErrIO, err)
	}
	return nil
}

func readHeader(r io.Reader) (Header, error) {
	buf := make([]byte, len(magic)+1+4+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("%w: read header: %w", blobstore.ErrIntegrity, err)
	}
	if string(buf[:len(magic)]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic", blobstore.ErrIntegrity)
	}
	off := len(magic)
	v := buf[off]
	off++
	if v != version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", blobstore.ErrIntegrity, v)
	}
	chunkSize := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	totalChunks := binary.BigEndian.Uint32(buf[off : off+4])
	return Header{ChunkSize: chunkSize, TotalChunks: totalChunks}, nil
}

func writeChunk(w io.Writer, ciphertext []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(ciphertext)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("%w: write chunk length: %w", blobstore.ErrIO, err)
	}
	if _, err := w.Write(ciphertext); err != nil {
		return fmt.Errorf("%w: write chunk: %w", blobstore.ErrIO, err)
	}
	return nil
}

func readChunk(r io.Reader, chunkSize uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: read chunk length: %w", blobstore.ErrIntegrity, err)
	}
	clen := binary.BigEndian.Uint32(lenBuf[:])
	if clen == 0 || clen > chunkSize+gcmTagOverhead {
		return nil, fmt.Errorf("%w: chunk length %d out of bounds", blobstore.ErrIntegrity, clen)
	}
	buf := make([]byte, clen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: read chunk: %w", blobstore.ErrIntegrity, err)
	}
	return buf, nil
}
