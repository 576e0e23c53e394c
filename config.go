package ingestd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// DefaultListen is the default TCP endpoint the collector binds to.
	DefaultListen = ":9428"
	// DefaultListenProto controls the listener network when none is configured.
	DefaultListenProto = "tcp"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultMetricsListen is the default metrics endpoint (Prometheus scrape).
	// Empty disables metrics unless explicitly configured.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultJSONMaxBytes bounds incoming request bodies.
	DefaultJSONMaxBytes = int64(16 << 20)
	// DefaultMaxPendingAcks caps un-reclaimed acknowledgement ids across all channels.
	DefaultMaxPendingAcks = int64(10_000_000)
	// DefaultMaxPendingAcksPerChannel caps un-reclaimed acknowledgement ids on one channel.
	DefaultMaxPendingAcksPerChannel = int64(1_000_000)
	// DefaultMaxNumberOfAckChannels caps concurrently tracked channels.
	DefaultMaxNumberOfAckChannels = int64(1_000_000)
	// DefaultMaxIdleTime is how long a channel may go untouched before the
	// idle reaper drops it.
	DefaultMaxIdleTime = 600 * time.Second
	// DefaultMaxChannelIDLength bounds channel identifiers on the wire.
	DefaultMaxChannelIDLength = 128
	// DefaultDiskSegmentBytes caps one disk store segment before rolling.
	DefaultDiskSegmentBytes = int64(64 << 20)
	// DefaultDiskSyncInterval bounds how long accepted batches wait for fsync
	// on the disk store.
	DefaultDiskSyncInterval = 50 * time.Millisecond
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config captures everything needed to run an ingestd server.
type Config struct {
	// Listen is the address the collector API binds to.
	Listen string
	// ListenProto is the listener network, "tcp" or "unix".
	ListenProto string
	// Store selects the event store: mem:// or disk:///path.
	Store string

	// DisableAcks turns indexer acknowledgement tracking off. Tracking is on
	// by default.
	DisableAcks bool
	// MaxPendingAcks caps un-reclaimed acknowledgement ids across all
	// channels; the oldest id in the least-recently-touched channel is
	// evicted beyond it. Zero or negative means unbounded.
	MaxPendingAcks int64
	// MaxPendingAcksPerChannel caps un-reclaimed acknowledgement ids per
	// channel; the channel's oldest id is evicted beyond it. Zero or negative
	// means unbounded.
	MaxPendingAcksPerChannel int64
	// MaxNumberOfAckChannels caps concurrently tracked channels; submissions
	// on new channels beyond it are refused. Zero or negative means unbounded.
	MaxNumberOfAckChannels int64
	// MaxIdleTime is how long a channel may go untouched before the idle
	// reaper drops it and its acknowledgement state.
	MaxIdleTime time.Duration
	// AckIdleCleanup enables the idle channel reaper.
	AckIdleCleanup bool
	// MaxChannelIDLength bounds channel identifiers on the wire.
	MaxChannelIDLength int

	// JSONMaxBytes bounds incoming request bodies.
	JSONMaxBytes int64
	// DiskSegmentBytes caps one disk store segment before rolling.
	DiskSegmentBytes int64
	// DiskSyncInterval bounds how long accepted batches wait for fsync on the
	// disk store.
	DiskSyncInterval time.Duration

	// OTLPEndpoint enables trace export when set (grpc://host:port,
	// http(s)://host:port, or bare host[:port]).
	OTLPEndpoint string
	// MetricsListen exposes a Prometheus /metrics endpoint when set.
	MetricsListen string
	// PprofListen exposes net/http/pprof on a separate listener when set.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool

	// DisableHTTPTracing turns per-request tracing spans off.
	DisableHTTPTracing bool
}

// DefaultConfig returns a Config populated with defaults: in-memory store,
// acknowledgements enabled, idle cleanup off.
func DefaultConfig() Config {
	return Config{
		Listen:                   DefaultListen,
		ListenProto:              DefaultListenProto,
		Store:                    DefaultStore,
		MaxPendingAcks:           DefaultMaxPendingAcks,
		MaxPendingAcksPerChannel: DefaultMaxPendingAcksPerChannel,
		MaxNumberOfAckChannels:   DefaultMaxNumberOfAckChannels,
		MaxIdleTime:              DefaultMaxIdleTime,
		MaxChannelIDLength:       DefaultMaxChannelIDLength,
		JSONMaxBytes:             DefaultJSONMaxBytes,
		DiskSegmentBytes:         DefaultDiskSegmentBytes,
		DiskSyncInterval:         DefaultDiskSyncInterval,
		MetricsListen:            DefaultMetricsListen,
		PprofListen:              DefaultPprofListen,
	}
}

// Validate normalizes the configuration and reports unusable settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.ListenProto) == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "unix":
	default:
		return fmt.Errorf("config: unsupported listen protocol %q", c.ListenProto)
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	u, err := url.Parse(c.Store)
	if err != nil {
		return fmt.Errorf("config: parse store URL: %w", err)
	}
	switch u.Scheme {
	case "", "mem", "memory":
	case "disk":
		if storePath(u) == "" {
			return fmt.Errorf("config: disk store requires a path, e.g. disk:///var/lib/ingestd")
		}
	default:
		return fmt.Errorf("config: unsupported store scheme %q", u.Scheme)
	}
	if c.MaxIdleTime < 0 {
		return fmt.Errorf("config: max idle time must not be negative")
	}
	if c.AckIdleCleanup && c.MaxIdleTime == 0 {
		c.MaxIdleTime = DefaultMaxIdleTime
	}
	if c.MaxChannelIDLength <= 0 {
		c.MaxChannelIDLength = DefaultMaxChannelIDLength
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.DiskSegmentBytes <= 0 {
		c.DiskSegmentBytes = DefaultDiskSegmentBytes
	}
	if c.DiskSyncInterval <= 0 {
		c.DiskSyncInterval = DefaultDiskSyncInterval
	}
	return nil
}

func storePath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	path := u.Path
	if u.Host != "" {
		path = u.Host + path
	}
	return strings.TrimSpace(path)
}

// DefaultConfigDir returns the default configuration directory
// ($INGESTD_CONFIG_DIR or $HOME/.ingestd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("INGESTD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".ingestd"), nil
}
