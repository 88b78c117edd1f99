package plugin_test

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orca.dev/orca/plugin"
)

func digestOf(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func TestVerifyManifestAccepts(t *testing.T) {
	module := []byte("fake wasm bytes")
	m := plugin.Manifest{
		Name:       "sample",
		Version:    "1.0.0",
		WasmDigest: digestOf(module),
		Signature:  base64.StdEncoding.EncodeToString([]byte("sig")),
	}
	err := plugin.VerifyManifest(m, module, plugin.VerifyPolicy{})
	require.NoError(t, err)
}

func TestVerifyManifestRejectsInvalidDigestFormat(t *testing.T) {
	m := plugin.Manifest{WasmDigest: "not-hex"}
	err := plugin.VerifyManifest(m, []byte("x"), plugin.VerifyPolicy{})
	assert.ErrorIs(t, err, plugin.ErrInvalidDigestFormat)
}

func TestVerifyManifestRejectsDigestMismatch(t *testing.T) {
	m := plugin.Manifest{WasmDigest: strings.Repeat("a", 64)}
	err := plugin.VerifyManifest(m, []byte("x"), plugin.VerifyPolicy{})
	assert.ErrorIs(t, err, plugin.ErrDigestMismatch)
}

func TestVerifyManifestRejectsOversizedSignature(t *testing.T) {
	module := []byte("fake wasm bytes")
	m := plugin.Manifest{
		WasmDigest: digestOf(module),
		Signature:  strings.Repeat("A", 17*1024),
	}
	err := plugin.VerifyManifest(m, module, plugin.VerifyPolicy{})
	assert.ErrorIs(t, err, plugin.ErrOversizedSignature)
}

func TestVerifyManifestRequiresSignatureWhenPolicyDemands(t *testing.T) {
	module := []byte("fake wasm bytes")
	m := plugin.Manifest{WasmDigest: digestOf(module)}
	err := plugin.VerifyManifest(m, module, plugin.VerifyPolicy{RequireSignature: true})
	assert.ErrorIs(t, err, plugin.ErrMissingSignature)
}

func TestVerifyManifestRequiresSBOMWhenPolicyDemands(t *testing.T) {
	module := []byte("fake wasm bytes")
	m := plugin.Manifest{
		WasmDigest: digestOf(module),
		Signature:  base64.StdEncoding.EncodeToString([]byte("sig")),
	}
	err := plugin.VerifyManifest(m, module, plugin.VerifyPolicy{RequireSBOM: true})
	assert.ErrorIs(t, err, plugin.ErrMissingSBOM)
}

func TestVerifyManifestRejectsInvalidSignatureEncoding(t *testing.T) {
	module := []byte("fake wasm bytes")
	m := plugin.Manifest{
		WasmDigest: digestOf(module),
		Signature:  "not base64!!!",
	}
	err := plugin.VerifyManifest(m, module, plugin.VerifyPolicy{})
	assert.ErrorIs(t, err, plugin.ErrInvalidSignature)
}

func TestResourceLimitsWithDefaults(t *testing.T) {
	limits := plugin.ResourceLimits{}.WithDefaults()
	assert.Equal(t, uint64(128*1024*1024), limits.MemoryCapBytes)
	assert.Equal(t, uint64(1_000_000), limits.FuelBudget)
	assert.Equal(t, uint64(500), limits.TimeoutMillis)
}
