package config

import "time"

// ─────────────────────────────────────────────────────────────────────────────
// Default value constants
// ─────────────────────────────────────────────────────────────────────────────

const (
	DefaultServerPort      = 8080
	DefaultServerMode      = "release"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultMaxBodySize     = 4 << 20
	DefaultShutdownTimeout = 15 * time.Second

	DefaultDirsRoot = "configs"

	DefaultMaxConcurrentRequests = 256
	DefaultTTLMinutes            = 30.0
	DefaultMaxTTLMinutes         = 240.0
	DefaultForwardTimeout        = 30 * time.Second

	DefaultMaxConcurrentSessions = 100
	DefaultStreamingTTLMinutes   = 60.0
	DefaultStreamingMaxTTL       = 240.0
	DefaultSessionQueueDepth     = 256

	DefaultRingCapacity   = 1000
	DefaultHistoryMaxAge  = time.Hour
	DefaultExecLogPath    = "logs/handler-executions.log"
	DefaultExecLogBuffer  = 512
	DefaultArtifactsLocal = "artifacts"

	DefaultClusterRole      = "BOTH"
	DefaultHeartbeatSeconds = 10.0

	DefaultMetricsNamespace = "dgf"
	DefaultMetricsSubsystem = "gateway"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// DefaultStreamingChannels is applied when neither the request nor the
// handler names a response channel.
var DefaultStreamingChannels = []string{"WEBSOCKET"}

// ApplyDefaults fills every zero-value field in cfg with the gateway
// default.  Fields already set by the caller are left unchanged so that
// explicit configuration always wins.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	// ── Server ────────────────────────────────────────────────────────────────
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = DefaultServerMode
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = 32
	}

	// ── Config tree ───────────────────────────────────────────────────────────
	if cfg.Dirs.Root == "" {
		cfg.Dirs.Root = DefaultDirsRoot
	}

	// ── Dispatch ──────────────────────────────────────────────────────────────
	if cfg.Dispatch.MaxConcurrentRequests == 0 {
		cfg.Dispatch.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if cfg.Dispatch.DefaultTTLMinutes == 0 {
		cfg.Dispatch.DefaultTTLMinutes = DefaultTTLMinutes
	}
	if cfg.Dispatch.MaxTTLMinutes == 0 {
		cfg.Dispatch.MaxTTLMinutes = DefaultMaxTTLMinutes
	}
	if cfg.Dispatch.ForwardTimeout == 0 {
		cfg.Dispatch.ForwardTimeout = DefaultForwardTimeout
	}

	// ── Streaming ─────────────────────────────────────────────────────────────
	if cfg.Streaming.MaxConcurrentSessions == 0 {
		cfg.Streaming.MaxConcurrentSessions = DefaultMaxConcurrentSessions
	}
	if cfg.Streaming.DefaultTTLMinutes == 0 {
		cfg.Streaming.DefaultTTLMinutes = DefaultStreamingTTLMinutes
	}
	if cfg.Streaming.MaxTTLMinutes == 0 {
		cfg.Streaming.MaxTTLMinutes = DefaultStreamingMaxTTL
	}
	if len(cfg.Streaming.DefaultChannels) == 0 {
		cfg.Streaming.DefaultChannels = append([]string(nil), DefaultStreamingChannels...)
	}
	if cfg.Streaming.SessionQueueDepth == 0 {
		cfg.Streaming.SessionQueueDepth = DefaultSessionQueueDepth
	}

	// ── History ring ──────────────────────────────────────────────────────────
	if cfg.History.RingCapacity == 0 {
		cfg.History.RingCapacity = DefaultRingCapacity
	}
	if cfg.History.MaxAge == 0 {
		cfg.History.MaxAge = DefaultHistoryMaxAge
	}

	// ── Execution log ─────────────────────────────────────────────────────────
	if cfg.ExecLog.Path == "" {
		cfg.ExecLog.Path = DefaultExecLogPath
	}
	if cfg.ExecLog.BufferSize == 0 {
		cfg.ExecLog.BufferSize = DefaultExecLogBuffer
	}

	// ── Artifacts ─────────────────────────────────────────────────────────────
	if cfg.Artifacts.Backend == "" {
		cfg.Artifacts.Backend = "none"
	}
	if cfg.Artifacts.LocalDir == "" {
		cfg.Artifacts.LocalDir = DefaultArtifactsLocal
	}
	if cfg.Artifacts.PresignExpiry == 0 {
		cfg.Artifacts.PresignExpiry = 15 * time.Minute
	}

	// ── Cluster ───────────────────────────────────────────────────────────────
	if cfg.Cluster.Role == "" {
		cfg.Cluster.Role = DefaultClusterRole
	}
	if cfg.Cluster.HeartbeatSeconds == 0 {
		cfg.Cluster.HeartbeatSeconds = DefaultHeartbeatSeconds
	}
	if cfg.Cluster.AdvertiseHost == "" {
		cfg.Cluster.AdvertiseHost = "127.0.0.1"
	}

	// ── Metrics ───────────────────────────────────────────────────────────────
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = DefaultMetricsNamespace
	}
	if cfg.Metrics.Subsystem == "" {
		cfg.Metrics.Subsystem = DefaultMetricsSubsystem
	}

	// ── Logging ───────────────────────────────────────────────────────────────
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}
