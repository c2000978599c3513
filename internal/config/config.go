// Package config loads gatewayd's configuration file (YAML, TOML, or JSON),
// validates it into a closed record, and applies the PROXY_*/TIMEOUT_*/
// MAX_CONCURRENT_MODELS/LOG_LEVEL environment overrides described in spec
// §6. CONFIG_PATH is not read here: it selects which file is loaded and is
// resolved by cmd/gatewayd. Unknown fields are rejected at load time rather than silently
// dropped, per the REDESIGN FLAG in spec §9.
package config

import (
	"time"

	"modeld/pkg/types"
)

// Defaults applied when a field is zero-valued in the file.
const (
	DefaultProxyHost              = "0.0.0.0"
	DefaultProxyPort              = 8080
	DefaultTimeoutMinutes         = 10.0
	DefaultMaxConcurrentModels    = 2
	DefaultLlamaServerBin         = "llama-server"
	DefaultHealthPath             = "/health"
	DefaultProbeIntervalMS        = 500
	DefaultProbeTimeoutMS         = 2000
	DefaultStartTimeoutSeconds    = 180
	DefaultStopTimeoutSeconds     = 15
	DefaultCleanupIntervalSeconds = 30
	DefaultQueueSize              = 100
	DefaultRequestTimeoutSeconds  = 30
	DefaultStderrTailLines        = 200
	DefaultPriority               = 5
)

// FileConfig is the closed record decoded from the config file, before env
// overrides and validation. Fields mirror spec §6's top-level keys plus the
// ambient tunables the reference gateway exposes as flags/env in §4.0.
type FileConfig struct {
	ProxyHost              string                        `yaml:"proxy_host" json:"proxy_host" toml:"proxy_host"`
	ProxyPort              int                           `yaml:"proxy_port" json:"proxy_port" toml:"proxy_port"`
	TimeoutMinutes         float64                       `yaml:"timeout_minutes" json:"timeout_minutes" toml:"timeout_minutes"`
	MaxConcurrentModels    int                           `yaml:"max_concurrent_models" json:"max_concurrent_models" toml:"max_concurrent_models"`
	OnDemandOnly           bool                          `yaml:"on_demand_only" json:"on_demand_only" toml:"on_demand_only"`
	LlamaServerBin         string                        `yaml:"llama_server_bin" json:"llama_server_bin" toml:"llama_server_bin"`
	HealthPath             string                        `yaml:"health_path" json:"health_path" toml:"health_path"`
	ProbeIntervalMS        int                           `yaml:"probe_interval_ms" json:"probe_interval_ms" toml:"probe_interval_ms"`
	ProbeTimeoutMS         int                           `yaml:"probe_timeout_ms" json:"probe_timeout_ms" toml:"probe_timeout_ms"`
	StartTimeoutSeconds    int                           `yaml:"start_timeout_seconds" json:"start_timeout_seconds" toml:"start_timeout_seconds"`
	StopTimeoutSeconds     int                           `yaml:"stop_timeout_seconds" json:"stop_timeout_seconds" toml:"stop_timeout_seconds"`
	CleanupIntervalSeconds int                           `yaml:"cleanup_interval_seconds" json:"cleanup_interval_seconds" toml:"cleanup_interval_seconds"`
	DefaultQueueSize       int                           `yaml:"default_queue_size" json:"default_queue_size" toml:"default_queue_size"`
	DefaultRequestTimeout  int                           `yaml:"default_request_timeout_seconds" json:"default_request_timeout_seconds" toml:"default_request_timeout_seconds"`
	StderrTailLines        int                           `yaml:"stderr_tail_lines" json:"stderr_tail_lines" toml:"stderr_tail_lines"`
	LogLevel               string                        `yaml:"log_level" json:"log_level" toml:"log_level"`
	Models                 map[string]rawModelConfig     `yaml:"models" json:"models" toml:"models"`
}

// rawModelConfig mirrors types.ModelConfig but keeps AdditionalArgs and
// RequestTimeout as permissive shapes (either tokenized or space-joined
// args; a plain integer seconds field) before normalization.
type rawModelConfig struct {
	Port           int      `yaml:"port" json:"port" toml:"port"`
	ModelPath      string   `yaml:"model_path" json:"model_path" toml:"model_path"`
	ContextLength  int      `yaml:"context_length" json:"context_length" toml:"context_length"`
	GPULayers      int      `yaml:"gpu_layers" json:"gpu_layers" toml:"gpu_layers"`
	ChatFormat     string   `yaml:"chat_format" json:"chat_format" toml:"chat_format"`
	AdditionalArgs []string `yaml:"additional_args" json:"additional_args" toml:"additional_args"`
	Priority       int      `yaml:"priority" json:"priority" toml:"priority"`
	ResourceGroup  string   `yaml:"resource_group" json:"resource_group" toml:"resource_group"`
	AutoStart      bool     `yaml:"auto_start" json:"auto_start" toml:"auto_start"`
	Preload        bool     `yaml:"preload" json:"preload" toml:"preload"`
	MaxQueueSize   int      `yaml:"max_queue_size" json:"max_queue_size" toml:"max_queue_size"`
	RequestTimeout int      `yaml:"request_timeout" json:"request_timeout" toml:"request_timeout"`
}

// Config is the validated, env-overridden, ready-to-use configuration
// snapshot. It is immutable once returned by Load; a reload produces a new
// Config and the caller diffs the two Models maps (see internal/registry).
type Config struct {
	ProxyHost              string
	ProxyPort              int
	IdleTimeout            time.Duration
	MaxConcurrentModels    int
	OnDemandOnly           bool
	LlamaServerBin         string
	HealthPath             string
	ProbeInterval          time.Duration
	ProbeTimeout           time.Duration
	StartTimeout           time.Duration
	StopTimeout            time.Duration
	CleanupInterval        time.Duration
	DefaultQueueSize       int
	DefaultRequestTimeout  time.Duration
	StderrTailLines        int
	LogLevel               string
	Models                 map[string]types.ModelConfig
}
