// Command orcad is the composition root for an ORCA process: it parses
// configuration, constructs the event log, blob store, policy engine,
// budget manager, and plugin runner, and starts an orchestrator.Orchestrator
// ready to serve StartRun/SubmitTask/StreamEvents/FetchResult once recovery
// completes. It wires storage and stays out of the way; it is not a replay
// or inspection tool.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"orca.dev/orca/blobstore"
	blobfs "orca.dev/orca/blobstore/fs"
	blobs3 "orca.dev/orca/blobstore/s3"
	"orca.dev/orca/budget"
	"orca.dev/orca/clock"
	"orca.dev/orca/config"
	"orca.dev/orca/eventlog"
	eventfs "orca.dev/orca/eventlog/fs"
	"orca.dev/orca/eventlog/mongostore"
	"orca.dev/orca/orchestrator"
	"orca.dev/orca/plugin"
	"orca.dev/orca/policy"
	"orca.dev/orca/telemetry"
)

func main() {
	app := &cli.App{
		Name:  "orcad",
		Usage: "run the ORCA orchestrator process",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "event-log-backend", Value: "fs", EnvVars: []string{"ORCA_EVENT_LOG_BACKEND"}, Usage: "fs or mongo"},
			&cli.StringFlag{Name: "event-log-path", Value: "./data/wal", EnvVars: []string{"ORCA_EVENT_LOG_PATH"}},
			&cli.StringFlag{Name: "event-log-mongo-uri", EnvVars: []string{"ORCA_EVENT_LOG_MONGO_URI"}},
			&cli.StringFlag{Name: "event-log-mongo-database", EnvVars: []string{"ORCA_EVENT_LOG_MONGO_DATABASE"}},
			&cli.StringFlag{Name: "event-log-mongo-collection", EnvVars: []string{"ORCA_EVENT_LOG_MONGO_COLLECTION"}},

			&cli.StringFlag{Name: "policy-path", EnvVars: []string{"ORCA_POLICY_PATH"}, Usage: "ruleset YAML file; empty loads no ruleset, so every non-builtin decision is a deny"},
			&cli.DurationFlag{Name: "policy-reload-interval", Value: 30 * time.Second, EnvVars: []string{"ORCA_POLICY_RELOAD_MS"}},

			&cli.StringFlag{Name: "blob-store-backend", Value: "fs", EnvVars: []string{"ORCA_BLOB_STORE_BACKEND"}, Usage: "fs or s3"},
			&cli.StringFlag{Name: "blob-store-path", Value: "./data/blobs", EnvVars: []string{"ORCA_BLOB_STORE_PATH"}},
			&cli.StringFlag{Name: "blob-store-bucket", EnvVars: []string{"ORCA_BLOB_STORE_BUCKET"}},
			&cli.StringFlag{Name: "blob-store-prefix", EnvVars: []string{"ORCA_BLOB_STORE_PREFIX"}},
			&cli.StringFlag{Name: "blob-store-key-provider", Value: "static", EnvVars: []string{"ORCA_BLOB_STORE_KEY_PROVIDER"}},
			&cli.StringFlag{Name: "blob-store-key-hex", EnvVars: []string{"ORCA_BLOB_STORE_KEY_HEX"}, Usage: "32-byte AES key, hex-encoded"},

			&cli.Uint64Flag{Name: "plugin-memory-cap-bytes", Value: 128 * 1024 * 1024, EnvVars: []string{"ORCA_PLUGIN_MEMORY_CAP_BYTES"}},
			&cli.Uint64Flag{Name: "plugin-fuel-budget", Value: 1_000_000, EnvVars: []string{"ORCA_PLUGIN_FUEL_BUDGET"}},
			&cli.DurationFlag{Name: "plugin-timeout", Value: 500 * time.Millisecond, EnvVars: []string{"ORCA_PLUGIN_TIMEOUT_MS"}},
			&cli.BoolFlag{Name: "plugin-hostcalls-enabled", Value: false, EnvVars: []string{"ORCA_PLUGIN_HOSTCALLS_ENABLED"}},

			&cli.StringFlag{Name: "clock-kind", Value: "system", EnvVars: []string{"ORCA_CLOCK_KIND"}, Usage: "system or virtual"},

			&cli.StringFlag{Name: "telemetry-backend", Value: "noop", EnvVars: []string{"ORCA_TELEMETRY_BACKEND"}, Usage: "noop, clue, or prometheus (metrics only; logging stays noop)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func configFromFlags(c *cli.Context) config.Config {
	return config.Config{
		EventLog: config.EventLogConfig{
			Backend:         config.EventLogBackend(c.String("event-log-backend")),
			Path:            c.String("event-log-path"),
			MongoURI:        c.String("event-log-mongo-uri"),
			MongoDatabase:   c.String("event-log-mongo-database"),
			MongoCollection: c.String("event-log-mongo-collection"),
		},
		Policy: config.PolicyConfig{
			Path:           c.String("policy-path"),
			ReloadInterval: c.Duration("policy-reload-interval"),
		},
		BlobStore: config.BlobStoreConfig{
			Backend:     config.BlobStoreBackend(c.String("blob-store-backend")),
			Path:        c.String("blob-store-path"),
			Bucket:      c.String("blob-store-bucket"),
			Prefix:      c.String("blob-store-prefix"),
			KeyProvider: c.String("blob-store-key-provider"),
			KeyHex:      c.String("blob-store-key-hex"),
		},
		Plugin: config.PluginConfig{
			MemoryCapBytes:   c.Uint64("plugin-memory-cap-bytes"),
			FuelBudget:       c.Uint64("plugin-fuel-budget"),
			Timeout:          c.Duration("plugin-timeout"),
			HostcallsEnabled: c.Bool("plugin-hostcalls-enabled"),
		},
		Clock: config.ClockConfig{
			Kind: config.ClockKind(c.String("clock-kind")),
		},
	}
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := configFromFlags(c)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, metrics := buildTelemetry(c.String("telemetry-backend"))

	events, err := buildEventLog(ctx, cfg.EventLog)
	if err != nil {
		return fmt.Errorf("orcad: event log: %w", err)
	}

	blobs, err := buildBlobStore(ctx, cfg.BlobStore)
	if err != nil {
		return fmt.Errorf("orcad: blob store: %w", err)
	}
	_ = blobs // wired for artifact_stored producers outside this composition root's scope

	engine := policy.NewEngine(nil)
	if cfg.Policy.Path != "" {
		if err := loadRuleSet(engine, cfg.Policy.Path); err != nil {
			return fmt.Errorf("orcad: policy: %w", err)
		}
	}
	if cfg.Policy.ReloadInterval > 0 && cfg.Policy.Path != "" {
		go watchRuleSet(ctx, engine, cfg.Policy.Path, cfg.Policy.ReloadInterval, logger)
	}

	runner := plugin.NewRunner(100 * time.Millisecond)
	defer runner.Close()
	_ = runner // plugin invocations are driven by the tool-invocation envelope path, not this process's main loop

	o := orchestrator.New(orchestrator.Options{
		Events:  events,
		Policy:  engine,
		Budgets: budget.NewManager(),
		Clock:   buildClock(cfg.Clock),
		Logger:  logger,
		Metrics: metrics,
	})

	logger.Info(ctx, "orcad: recovering from event log")
	if err := o.Recover(ctx); err != nil {
		return fmt.Errorf("orcad: recover: %w", err)
	}
	logger.Info(ctx, "orcad: recovery complete, ready to serve")

	<-ctx.Done()
	logger.Info(ctx, "orcad: shutting down")
	return nil
}

func buildTelemetry(backend string) (telemetry.Logger, telemetry.Metrics) {
	switch backend {
	case "clue":
		return telemetry.NewClueLogger(), telemetry.NewClueMetrics()
	case "prometheus":
		return telemetry.NewNoopLogger(), telemetry.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	default:
		return telemetry.NewNoopLogger(), telemetry.NewNoopMetrics()
	}
}

func buildClock(cfg config.ClockConfig) clock.Clock {
	if cfg.Kind == config.ClockKindVirtual {
		return clock.NewVirtual(cfg.VirtualMillis)
	}
	return clock.NewSystem()
}

func buildEventLog(ctx context.Context, cfg config.EventLogConfig) (eventlog.Store, error) {
	switch cfg.Backend {
	case config.EventLogBackendMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, err
		}
		return mongostore.Open(ctx, mongostore.Options{
			Client:            client,
			Database:          cfg.MongoDatabase,
			EventsCollection:  cfg.MongoCollection,
			CounterCollection: "",
		})
	default:
		return eventfs.Open(cfg.Path)
	}
}

func buildBlobStore(ctx context.Context, cfg config.BlobStoreConfig) (blobstore.Store, error) {
	key, err := hex.DecodeString(cfg.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("blob_store.key_hex: %w", err)
	}

	switch cfg.Backend {
	case config.BlobStoreBackendS3:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, err
		}
		client := s3.NewFromConfig(awsCfg)
		return blobs3.New(client, blobs3.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix}, blobs3.StaticKey(key), nil)
	default:
		return blobfs.New(cfg.Path, blobfs.StaticKey(key), nil)
	}
}

func loadRuleSet(engine *policy.Engine, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rs, err := policy.LoadRuleSet(f, nil)
	if err != nil {
		return err
	}
	engine.Load(rs)
	return nil
}

// watchRuleSet re-reads path every interval and hot-swaps the result into
// engine. A read or parse failure is logged and the previous ruleset stays
// in effect: a bad edit to the file on disk must never blank out
// governance.
func watchRuleSet(ctx context.Context, engine *policy.Engine, path string, interval time.Duration, logger telemetry.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := loadRuleSet(engine, path); err != nil {
				logger.Error(ctx, "orcad: policy reload failed", "path", path, "error", err)
			}
		}
	}
}
