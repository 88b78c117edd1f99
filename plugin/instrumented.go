package plugin

import (
	"errors"
	"time"

	"orca.dev/orca/telemetry"
)

// errorCode maps a verification error to the low-cardinality label used in
// the plugin.verify.failures{error_code} counter.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidDigestFormat):
		return "invalid_digest_format"
	case errors.Is(err, ErrOversizedSignature):
		return "oversized_signature"
	case errors.Is(err, ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, ErrMissingSBOM):
		return "missing_sbom"
	case errors.Is(err, ErrDigestMismatch):
		return "digest_mismatch"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	default:
		return "unknown"
	}
}

// VerifyManifestInstrumented wraps VerifyManifest with metrics for manifest
// verification: a duration histogram ("plugin.verify.ms") always recorded,
// and a failure counter ("plugin.verify.failures") tagged by error_code on
// rejection. metrics may be telemetry.NewNoopMetrics() to disable both.
func VerifyManifestInstrumented(m Manifest, moduleBytes []byte, policy VerifyPolicy, metrics telemetry.Metrics) error {
	start := time.Now()
	err := VerifyManifest(m, moduleBytes, policy)
	metrics.RecordTimer("plugin.verify.ms", time.Since(start))
	if err != nil {
		metrics.IncCounter("plugin.verify.failures", 1, "error_code", errorCode(err))
	}
	return err
}
