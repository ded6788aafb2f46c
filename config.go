package cagg

import "time"

// Config defines engine configuration.
type Config struct {
	// Source is the raw data provider. If nil, an in-memory source with
	// Retention is used; it also backs the HTTP ingest path.
	Source SourceProvider

	// Store is the materialization store. If nil, an in-memory store is
	// used. A *SQLiteStore additionally persists view definitions across
	// restarts.
	Store MaterializationStore

	// Registry is the view definition catalog. If nil, an in-memory
	// registry is used.
	Registry ViewRegistry

	// Retention bounds the default in-memory source. 0 keeps everything.
	// Ignored when Source is provided.
	Retention time.Duration

	// Workers is the number of buckets recomputed in parallel per refresh
	// cycle. Default: 4.
	Workers int

	// Retry configures in-cycle retries of transient refresh failures.
	Retry RetryConfig

	// EventBufferSize is the per-subscriber refresh event buffer.
	// Default: 256.
	EventBufferSize int

	// HTTP configures the HTTP API server.
	HTTP HTTPConfig

	// Snapshot configures store snapshots. If Backend is nil, snapshots
	// are disabled.
	Snapshot SnapshotConfig

	// ViewsFile is an optional path to a declarative YAML file of view
	// definitions loaded at Open.
	ViewsFile string
}

// HTTPConfig configures the embedded HTTP API.
type HTTPConfig struct {
	// Enabled turns on the HTTP server.
	Enabled bool

	// Port is the listen port. Default: 8089.
	Port int

	// RemoteWriteEnabled turns on the Prometheus remote-write ingest
	// endpoint. Requires the default in-memory source or a source that
	// accepts inserts.
	RemoteWriteEnabled bool

	// StreamEnabled turns on the WebSocket refresh-event stream.
	StreamEnabled bool

	// StreamPingInterval is how often to ping stream clients.
	// Default: 30s.
	StreamPingInterval time.Duration

	// StreamWriteTimeout bounds WebSocket writes. Default: 10s.
	StreamWriteTimeout time.Duration
}

// SnapshotConfig configures materialization store snapshots.
type SnapshotConfig struct {
	// Backend receives snapshot bytes. File, memory, and S3 backends are
	// provided.
	Backend SnapshotBackend

	// Compress enables snappy compression of the snapshot body.
	Compress bool

	// Encryption, when enabled, encrypts the snapshot body at rest.
	Encryption *EncryptionConfig
}

// DefaultConfig returns a configuration suitable for embedded use: an
// in-memory source and store, no HTTP server, snapshots disabled.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		Retry:           DefaultRetryConfig(),
		EventBufferSize: 256,
		HTTP: HTTPConfig{
			Port:               8089,
			StreamPingInterval: 30 * time.Second,
			StreamWriteTimeout: 10 * time.Second,
		},
	}
}

// withDefaults backfills zero values.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 256
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8089
	}
	if c.HTTP.StreamPingInterval <= 0 {
		c.HTTP.StreamPingInterval = 30 * time.Second
	}
	if c.HTTP.StreamWriteTimeout <= 0 {
		c.HTTP.StreamWriteTimeout = 10 * time.Second
	}
	return c
}
