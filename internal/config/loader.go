package config

import (
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// envPrefix is the environment variable prefix for all gateway settings.
const envPrefix = "DGF"

// envKeys enumerates every config key so that environment-only values
// survive Unmarshal.  Viper resolves bound keys through the replacer,
// e.g. "server.port" reads DGF_SERVER_PORT.
var envKeys = []string{
	"server.port", "server.mode", "server.read_timeout", "server.write_timeout",
	"server.max_body_size", "server.shutdown_timeout", "server.edge_api_keys",
	"server.rate_limit_per_second", "server.rate_limit_burst",
	"log.level", "log.format", "log.output_paths", "log.error_output_paths",
	"metrics.enabled", "metrics.namespace", "metrics.subsystem",
	"metrics.enable_process_metrics", "metrics.enable_go_metrics",
	"dirs.root", "dirs.properties_file", "dirs.watch",
	"dispatch.max_concurrent_requests", "dispatch.default_ttl_minutes",
	"dispatch.max_ttl_minutes", "dispatch.forwarding", "dispatch.forward_timeout",
	"streaming.enabled", "streaming.max_concurrent_sessions",
	"streaming.default_ttl_minutes", "streaming.max_ttl_minutes",
	"streaming.default_channels", "streaming.session_queue_depth",
	"history.ring_capacity", "history.max_age",
	"exec_log.enabled", "exec_log.path", "exec_log.buffer_size",
	"artifacts.backend", "artifacts.local_dir", "artifacts.endpoint",
	"artifacts.access_key", "artifacts.secret_key", "artifacts.bucket",
	"artifacts.use_ssl", "artifacts.presign_expiry",
	"cluster.enabled", "cluster.node_id", "cluster.advertise_host",
	"cluster.role", "cluster.seed_nodes", "cluster.heartbeat_seconds",
	"cluster.cluster_tag",
}

// newViper builds a pre-configured Viper instance: YAML file type, DGF_
// env prefix, automatic env binding, and a key replacer mapping "." to
// "_" so nested keys like "server.port" resolve to "DGF_SERVER_PORT".
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads the YAML file at configPath, merges DGF_* environment
// overrides, applies defaults for unset fields, and validates the
// result.  It returns a fully-populated *Config or a descriptive error.
func Load(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file %q: %w", configPath, err)
	}

	return unmarshalAndFinalize(v)
}

// LoadFromEnv builds a Config entirely from DGF_* environment variables
// with no config file.  Preferred for containerised deployments.
//
// Naming convention: DGF_<SECTION>_<FIELD>, e.g. DGF_SERVER_PORT,
// DGF_CLUSTER_NODE_ID.
func LoadFromEnv() (*Config, error) {
	v := newViper()
	return unmarshalAndFinalize(v)
}

func unmarshalAndFinalize(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal configuration: %w", err)
	}

	ApplyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return cfg, nil
}

// Watch monitors configPath for changes and invokes onChange with the
// newly parsed Config whenever the file is rewritten on disk.  Intended
// for hot-reloading non-critical settings such as the log level;
// callers apply only the safe subset at runtime.
//
// Watch is non-blocking; viper manages the background goroutine.  A
// change that fails to parse or validate is skipped so the process
// never observes a broken config.
func Watch(configPath string, onChange func(*Config)) {
	v := newViper()
	v.SetConfigFile(configPath)

	_ = v.ReadInConfig()

	v.WatchConfig()
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := unmarshalAndFinalize(v)
		if err != nil {
			return
		}
		onChange(cfg)
	})
}

// MustLoad wraps Load and panics on any error.  For use in main() where
// a config-load failure is always fatal.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}
