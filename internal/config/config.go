// Package config defines all configuration structures for the data
// gateway.  Only plain data types and validation live here; loading,
// parsing, and file watching are in loader.go and store.go.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
)

// ─────────────────────────────────────────────────────────────────────────────
// Sub-configuration structs
// ─────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP and websocket server tunables.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // "debug" | "release" | "test"
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// EdgeAPIKeys are the transport-level credentials accepted in the
	// X-DGF-Edge-Key header.  Empty list disables the edge check; the
	// in-envelope api_key is always verified separately.
	EdgeAPIKeys []string `mapstructure:"edge_api_keys"`

	// RateLimitPerSecond throttles request submission per client IP.
	// Zero disables throttling.
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
}

// DirsConfig locates the JSON configuration tree and the properties
// file used for placeholder resolution.
type DirsConfig struct {
	// Root is the directory holding handlers/, brokers/,
	// input-channels/, output-channels/, ingesters/, chains/,
	// users.json and apikeys.json.
	Root string `mapstructure:"root"`

	// PropertiesFile feeds ${key} placeholder resolution.  Optional.
	PropertiesFile string `mapstructure:"properties_file"`

	// Watch enables fsnotify-driven hot reload of the config tree.
	Watch bool `mapstructure:"watch"`
}

// Handlers returns the handler-config directory.
func (d DirsConfig) Handlers() string { return filepath.Join(d.Root, "handlers") }

// Brokers returns the broker-config directory.
func (d DirsConfig) Brokers() string { return filepath.Join(d.Root, "brokers") }

// InputChannels returns the input-channel directory.
func (d DirsConfig) InputChannels() string { return filepath.Join(d.Root, "input-channels") }

// OutputChannels returns the output-channel directory.
func (d DirsConfig) OutputChannels() string { return filepath.Join(d.Root, "output-channels") }

// Ingesters returns the ingester-config directory.
func (d DirsConfig) Ingesters() string { return filepath.Join(d.Root, "ingesters") }

// Chains returns the chain-config directory.
func (d DirsConfig) Chains() string { return filepath.Join(d.Root, "chains") }

// UsersFile returns the path of the flat users array.
func (d DirsConfig) UsersFile() string { return filepath.Join(d.Root, "users.json") }

// APIKeysFile returns the path of the flat api-key array.
func (d DirsConfig) APIKeysFile() string { return filepath.Join(d.Root, "apikeys.json") }

// DispatchConfig holds dispatcher and worker-pool tunables.
type DispatchConfig struct {
	// MaxConcurrentRequests caps live workers; submissions beyond it
	// queue at the transport.
	MaxConcurrentRequests int `mapstructure:"max_concurrent_requests"`

	// DefaultTTLMinutes applies when neither the request nor the
	// handler config sets a TTL.
	DefaultTTLMinutes float64 `mapstructure:"default_ttl_minutes"`

	// MaxTTLMinutes is the hard ceiling any request can ask for.
	MaxTTLMinutes float64 `mapstructure:"max_ttl_minutes"`

	// Forwarding enables shipping requests to cluster peers when the
	// local node cannot serve them.
	Forwarding     bool          `mapstructure:"forwarding"`
	ForwardTimeout time.Duration `mapstructure:"forward_timeout"`
}

// StreamingConfig holds session admission and delivery tunables.
type StreamingConfig struct {
	Enabled               bool     `mapstructure:"enabled"`
	MaxConcurrentSessions int      `mapstructure:"max_concurrent_sessions"`
	DefaultTTLMinutes     float64  `mapstructure:"default_ttl_minutes"`
	MaxTTLMinutes         float64  `mapstructure:"max_ttl_minutes"`
	DefaultChannels       []string `mapstructure:"default_channels"`

	// SessionQueueDepth bounds the per-session update queue feeding
	// the publisher.
	SessionQueueDepth int `mapstructure:"session_queue_depth"`
}

// HistoryConfig bounds the in-memory execution history ring.
type HistoryConfig struct {
	RingCapacity int           `mapstructure:"ring_capacity"`
	MaxAge       time.Duration `mapstructure:"max_age"`
}

// ExecLogConfig controls the append-only handler-executions log.
type ExecLogConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`

	// BufferSize is the channel depth between workers and the writer
	// goroutine.
	BufferSize int `mapstructure:"buffer_size"`
}

// ArtifactsConfig selects where handlers persist produced artifacts.
type ArtifactsConfig struct {
	// Backend is "local", "minio", or "none".
	Backend  string `mapstructure:"backend"`
	LocalDir string `mapstructure:"local_dir"`

	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	Bucket        string        `mapstructure:"bucket"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
}

// ClusterConfig holds node identity and heartbeat parameters.
type ClusterConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	NodeID           string   `mapstructure:"node_id"`
	AdvertiseHost    string   `mapstructure:"advertise_host"`
	Role             string   `mapstructure:"role"` // "BOTH" | "GATEWAY" | "EXECUTOR"
	SeedNodes        []string `mapstructure:"seed_nodes"`
	HeartbeatSeconds float64  `mapstructure:"heartbeat_seconds"`
	ClusterTag       string   `mapstructure:"cluster_tag"`
}

// HeartbeatInterval returns the heartbeat period as a duration.
func (c ClusterConfig) HeartbeatInterval() time.Duration {
	if c.HeartbeatSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.HeartbeatSeconds * float64(time.Second))
}

// MetricsConfig holds prometheus exporter parameters.
type MetricsConfig struct {
	Enabled              bool   `mapstructure:"enabled"`
	Namespace            string `mapstructure:"namespace"`
	Subsystem            string `mapstructure:"subsystem"`
	EnableProcessMetrics bool   `mapstructure:"enable_process_metrics"`
	EnableGoMetrics      bool   `mapstructure:"enable_go_metrics"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Root Config
// ─────────────────────────────────────────────────────────────────────────────

// Config is the root configuration for the gateway process.  Every
// component reads its settings from the relevant sub-struct.
type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Log       logging.LogConfig `mapstructure:"log"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Dirs      DirsConfig        `mapstructure:"dirs"`
	Dispatch  DispatchConfig    `mapstructure:"dispatch"`
	Streaming StreamingConfig   `mapstructure:"streaming"`
	History   HistoryConfig     `mapstructure:"history"`
	ExecLog   ExecLogConfig     `mapstructure:"exec_log"`
	Artifacts ArtifactsConfig   `mapstructure:"artifacts"`
	Cluster   ClusterConfig     `mapstructure:"cluster"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Validation
// ─────────────────────────────────────────────────────────────────────────────

// Validate performs semantic validation of the fully-populated Config.
// It returns the first error encountered; callers treat any error as
// fatal and refuse to start the gateway.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d is out of range [1, 65535]", c.Server.Port)
	}
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("config: server.mode %q is invalid; expected debug|release|test", c.Server.Mode)
	}

	if c.Dirs.Root == "" {
		return fmt.Errorf("config: dirs.root is required")
	}

	if c.Dispatch.MaxConcurrentRequests < 1 {
		return fmt.Errorf("config: dispatch.max_concurrent_requests must be >= 1, got %d", c.Dispatch.MaxConcurrentRequests)
	}
	if c.Dispatch.DefaultTTLMinutes <= 0 {
		return fmt.Errorf("config: dispatch.default_ttl_minutes must be > 0, got %v", c.Dispatch.DefaultTTLMinutes)
	}
	if c.Dispatch.MaxTTLMinutes < c.Dispatch.DefaultTTLMinutes {
		return fmt.Errorf("config: dispatch.max_ttl_minutes %v is below default_ttl_minutes %v",
			c.Dispatch.MaxTTLMinutes, c.Dispatch.DefaultTTLMinutes)
	}

	if c.Streaming.Enabled {
		if c.Streaming.MaxConcurrentSessions < 1 {
			return fmt.Errorf("config: streaming.max_concurrent_sessions must be >= 1, got %d", c.Streaming.MaxConcurrentSessions)
		}
		if c.Streaming.SessionQueueDepth < 1 {
			return fmt.Errorf("config: streaming.session_queue_depth must be >= 1, got %d", c.Streaming.SessionQueueDepth)
		}
	}

	if c.History.RingCapacity < 1 {
		return fmt.Errorf("config: history.ring_capacity must be >= 1, got %d", c.History.RingCapacity)
	}
	if c.History.MaxAge <= 0 {
		return fmt.Errorf("config: history.max_age must be > 0, got %v", c.History.MaxAge)
	}

	if c.ExecLog.Enabled && c.ExecLog.Path == "" {
		return fmt.Errorf("config: exec_log.path is required when exec_log.enabled")
	}

	switch c.Artifacts.Backend {
	case "", "none", "local", "minio":
	default:
		return fmt.Errorf("config: artifacts.backend %q is invalid; expected none|local|minio", c.Artifacts.Backend)
	}
	if c.Artifacts.Backend == "local" && c.Artifacts.LocalDir == "" {
		return fmt.Errorf("config: artifacts.local_dir is required for the local backend")
	}
	if c.Artifacts.Backend == "minio" {
		if c.Artifacts.Endpoint == "" {
			return fmt.Errorf("config: artifacts.endpoint is required for the minio backend")
		}
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("config: artifacts.bucket is required for the minio backend")
		}
	}

	if c.Cluster.Enabled {
		switch c.Cluster.Role {
		case "BOTH", "GATEWAY", "EXECUTOR":
		default:
			return fmt.Errorf("config: cluster.role %q is invalid; expected BOTH|GATEWAY|EXECUTOR", c.Cluster.Role)
		}
		if c.Cluster.HeartbeatSeconds <= 0 {
			return fmt.Errorf("config: cluster.heartbeat_seconds must be > 0, got %v", c.Cluster.HeartbeatSeconds)
		}
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q is invalid; expected debug|info|warn|error", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config: log.format %q is invalid; expected json|console", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Namespace == "" {
		return fmt.Errorf("config: metrics.namespace is required when metrics.enabled")
	}

	return nil
}
