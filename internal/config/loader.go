package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"modeld/internal/apierr"
	"modeld/internal/common/fsutil"
	"modeld/pkg/types"
)

// Load reads, strictly decodes, normalizes, applies environment overrides
// to, and validates the config file at path. Supported extensions: .yaml,
// .yml, .json, .toml.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apierr.New(apierr.KindConfigError, "empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindConfigError, err, "read config file %s", path)
	}
	fc, err := decodeStrict(path, b)
	if err != nil {
		return nil, err
	}
	cfg, err := normalize(fc)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeStrict(path string, b []byte) (*FileConfig, error) {
	var fc FileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&fc); err != nil {
			return nil, apierr.Wrap(apierr.KindConfigError, err, "parse yaml config")
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fc); err != nil {
			return nil, apierr.Wrap(apierr.KindConfigError, err, "parse json config")
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fc); err != nil {
			return nil, apierr.Wrap(apierr.KindConfigError, err, "parse toml config")
		}
	default:
		return nil, apierr.New(apierr.KindConfigError, "unsupported config extension: %s", ext)
	}
	return &fc, nil
}

// normalize fills defaults, expands ~ in model paths, splits space-joined
// additional_args, and stamps each ModelConfig's Name from its map key.
func normalize(fc *FileConfig) (*Config, error) {
	cfg := &Config{
		ProxyHost:             orDefault(fc.ProxyHost, DefaultProxyHost),
		ProxyPort:             orDefaultInt(fc.ProxyPort, DefaultProxyPort),
		IdleTimeout:           orDefaultDurationMinutes(fc.TimeoutMinutes, DefaultTimeoutMinutes),
		MaxConcurrentModels:   orDefaultInt(fc.MaxConcurrentModels, DefaultMaxConcurrentModels),
		OnDemandOnly:          fc.OnDemandOnly,
		LlamaServerBin:        orDefault(fc.LlamaServerBin, DefaultLlamaServerBin),
		HealthPath:            orDefault(fc.HealthPath, DefaultHealthPath),
		ProbeInterval:         orDefaultDurationMS(fc.ProbeIntervalMS, DefaultProbeIntervalMS),
		ProbeTimeout:          orDefaultDurationMS(fc.ProbeTimeoutMS, DefaultProbeTimeoutMS),
		StartTimeout:          orDefaultDurationSeconds(fc.StartTimeoutSeconds, DefaultStartTimeoutSeconds),
		StopTimeout:           orDefaultDurationSeconds(fc.StopTimeoutSeconds, DefaultStopTimeoutSeconds),
		CleanupInterval:       orDefaultDurationSeconds(fc.CleanupIntervalSeconds, DefaultCleanupIntervalSeconds),
		DefaultQueueSize:      orDefaultInt(fc.DefaultQueueSize, DefaultQueueSize),
		DefaultRequestTimeout: orDefaultDurationSeconds(fc.DefaultRequestTimeout, DefaultRequestTimeoutSeconds),
		StderrTailLines:       orDefaultInt(fc.StderrTailLines, DefaultStderrTailLines),
		LogLevel:              orDefault(fc.LogLevel, "info"),
		Models:                make(map[string]types.ModelConfig, len(fc.Models)),
	}

	for name, raw := range fc.Models {
		mc, err := normalizeModel(name, raw, cfg)
		if err != nil {
			return nil, err
		}
		cfg.Models[name] = mc
	}
	return cfg, nil
}

func normalizeModel(name string, raw rawModelConfig, cfg *Config) (types.ModelConfig, error) {
	if strings.TrimSpace(name) == "" {
		return types.ModelConfig{}, apierr.New(apierr.KindConfigError, "model name must not be empty")
	}
	if raw.Port <= 0 {
		return types.ModelConfig{}, apierr.New(apierr.KindConfigError, "model %q: port is required", name)
	}
	if strings.TrimSpace(raw.ModelPath) == "" {
		return types.ModelConfig{}, apierr.New(apierr.KindConfigError, "model %q: model_path is required", name)
	}
	path, err := fsutil.ExpandHome(raw.ModelPath)
	if err != nil {
		return types.ModelConfig{}, apierr.Wrap(apierr.KindConfigError, err, "model %q: expand model_path", name)
	}
	priority := raw.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < 1 || priority > 10 {
		return types.ModelConfig{}, apierr.New(apierr.KindConfigError, "model %q: priority must be in [1,10], got %d", name, priority)
	}
	maxQueue := raw.MaxQueueSize
	if maxQueue <= 0 {
		maxQueue = cfg.DefaultQueueSize
	}
	reqTimeout := cfg.DefaultRequestTimeout
	if raw.RequestTimeout > 0 {
		reqTimeout = time.Duration(raw.RequestTimeout) * time.Second
	}
	return types.ModelConfig{
		Name:           name,
		Port:           raw.Port,
		ModelPath:      path,
		ContextLength:  raw.ContextLength,
		GPULayers:      raw.GPULayers,
		ChatFormat:     raw.ChatFormat,
		AdditionalArgs: splitArgs(raw.AdditionalArgs),
		Priority:       priority,
		ResourceGroup:  raw.ResourceGroup,
		AutoStart:      raw.AutoStart,
		Preload:        raw.Preload,
		MaxQueueSize:   maxQueue,
		RequestTimeout: types.Duration(reqTimeout),
	}, nil
}

// splitArgs accepts a mix of tokenized ("-c", "4096") and space-joined
// ("-c 4096") entries and splits the latter on whitespace, per spec §6.
func splitArgs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		if strings.ContainsAny(a, " \t") {
			out = append(out, strings.Fields(a)...)
			continue
		}
		out = append(out, a)
	}
	return out
}

// applyEnvOverrides applies PROXY_HOST, PROXY_PORT, TIMEOUT_MINUTES,
// MAX_CONCURRENT_MODELS, LOG_LEVEL on top of the file-derived config. File
// loses to env, per spec §6.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PROXY_HOST"); v != "" {
		cfg.ProxyHost = v
	}
	if v := os.Getenv("PROXY_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.ProxyPort = p
		}
	}
	if v := os.Getenv("TIMEOUT_MINUTES"); v != "" {
		if m, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.IdleTimeout = time.Duration(m * float64(time.Minute))
		}
	}
	if v := os.Getenv("MAX_CONCURRENT_MODELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentModels = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// validate enforces the closed-record invariants spec §3/§9 require: unique
// ports across models, an existing model_path for every model (checked here
// so a fatal boot error surfaces before any subprocess is spawned), and
// max_concurrent_models >= 1.
func validate(cfg *Config) error {
	ports := make(map[int]string, len(cfg.Models))
	for name, mc := range cfg.Models {
		if prior, ok := ports[mc.Port]; ok {
			return apierr.New(apierr.KindConfigError, "duplicate port %d used by %q and %q", mc.Port, prior, name)
		}
		ports[mc.Port] = name
		if !fsutil.PathExists(mc.ModelPath) {
			return apierr.New(apierr.KindConfigError, "model %q: model_path does not exist: %s", name, mc.ModelPath)
		}
	}
	if cfg.MaxConcurrentModels < 1 {
		return apierr.New(apierr.KindConfigError, "max_concurrent_models must be >= 1")
	}
	return nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func orDefaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDurationMinutes(v, def float64) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v * float64(time.Minute))
}

func orDefaultDurationSeconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

func orDefaultDurationMS(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}
