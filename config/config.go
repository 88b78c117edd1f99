// Package config holds the typed configuration surface for an orcad
// process: event log and blob store backend selection, policy reload
// cadence, plugin sandbox resource caps, and clock kind. Values are
// populated by cmd/orcad from CLI flags (with environment variable
// fallback via urfave/cli), never parsed here directly.
package config

import (
	"fmt"
	"time"
)

// EventLogBackend selects the eventlog.Store implementation.
type EventLogBackend string

const (
	EventLogBackendFS    EventLogBackend = "fs"
	EventLogBackendMongo EventLogBackend = "mongo"
)

// BlobStoreBackend selects the blobstore.Store implementation.
type BlobStoreBackend string

const (
	BlobStoreBackendFS BlobStoreBackend = "fs"
	BlobStoreBackendS3 BlobStoreBackend = "s3"
)

// ClockKind selects the clock.Clock implementation.
type ClockKind string

const (
	ClockKindSystem  ClockKind = "system"
	ClockKindVirtual ClockKind = "virtual"
)

// EventLogConfig configures the WAL backend.
type EventLogConfig struct {
	Backend EventLogBackend

	// Path is the WAL directory, used when Backend is fs.
	Path string

	// MongoURI, MongoDatabase, MongoCollection are used when Backend is
	// mongo. MongoCollection defaults to the mongostore package default
	// when empty.
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

func (c EventLogConfig) Validate() error {
	switch c.Backend {
	case EventLogBackendFS:
		if c.Path == "" {
			return fmt.Errorf("config: event_log.path is required for backend %q", c.Backend)
		}
	case EventLogBackendMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return fmt.Errorf("config: event_log.mongo_uri and event_log.mongo_database are required for backend %q", c.Backend)
		}
	default:
		return fmt.Errorf("config: unknown event_log.backend %q", c.Backend)
	}
	return nil
}

// PolicyConfig configures the governance ruleset source.
type PolicyConfig struct {
	// Path is the ruleset YAML file. Empty means no ruleset is loaded and
	// the engine fails closed: every decision other than the built-in PII
	// redaction is a deny.
	Path string

	// ReloadInterval is how often the ruleset file is re-read and
	// hot-swapped into the running Engine. Zero disables reload.
	ReloadInterval time.Duration
}

// BlobStoreConfig configures artifact storage.
type BlobStoreConfig struct {
	Backend BlobStoreBackend

	// Path is the blob root directory, used when Backend is fs.
	Path string

	// Bucket, Prefix are used when Backend is s3.
	Bucket string
	Prefix string

	// KeyProvider names the encryption key source: "static" reads KeyHex,
	// any other value is rejected at Validate time since this build only
	// wires a static key provider.
	KeyProvider string
	KeyHex      string
}

func (c BlobStoreConfig) Validate() error {
	switch c.Backend {
	case BlobStoreBackendFS:
		if c.Path == "" {
			return fmt.Errorf("config: blob_store.path is required for backend %q", c.Backend)
		}
	case BlobStoreBackendS3:
		if c.Bucket == "" {
			return fmt.Errorf("config: blob_store.bucket is required for backend %q", c.Backend)
		}
	default:
		return fmt.Errorf("config: unknown blob_store.backend %q", c.Backend)
	}
	if c.KeyProvider != "static" {
		return fmt.Errorf("config: unsupported blob_store.key_provider %q (only %q is wired)", c.KeyProvider, "static")
	}
	if c.KeyHex == "" {
		return fmt.Errorf("config: blob_store.key_hex is required")
	}
	return nil
}

// PluginConfig configures the WASM sandbox's default resource limits and
// hostcall policy.
type PluginConfig struct {
	MemoryCapBytes   uint64
	FuelBudget       uint64
	Timeout          time.Duration
	HostcallsEnabled bool
}

// ClockConfig selects the clock implementation and its starting value
// when Kind is virtual.
type ClockConfig struct {
	Kind          ClockKind
	VirtualMillis int64
}

// Config is the full set of knobs an orcad process needs to construct an
// Orchestrator and its backing stores.
type Config struct {
	EventLog  EventLogConfig
	Policy    PolicyConfig
	BlobStore BlobStoreConfig
	Plugin    PluginConfig
	Clock     ClockConfig
}

// Validate checks the subsections that have required fields dependent on
// a backend selector. PolicyConfig, PluginConfig, and ClockConfig have no
// invalid zero values.
func (c Config) Validate() error {
	if err := c.EventLog.Validate(); err != nil {
		return err
	}
	if err := c.BlobStore.Validate(); err != nil {
		return err
	}
	return nil
}
