// Package config loads the library's runtime tunables from a YAML, JSON,
// or TOML file and applies environment variable overrides, in the same
// multi-format style the rest of the corpus uses for host configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"orchard/pkg/orcherr"
)

// Config holds runtime parameters governing the engine lease, IPC
// transport, and model resolution. Zero values mean "unspecified" and
// are replaced by the package defaults in lease.Config/ipc.Connect.
type Config struct {
	IPCRoot           string            `json:"ipc_root" yaml:"ipc_root" toml:"ipc_root"`
	EnginePath        string            `json:"engine_path" yaml:"engine_path" toml:"engine_path"`
	EngineArgs        []string          `json:"engine_args" yaml:"engine_args" toml:"engine_args"`
	HFCacheDir        string            `json:"hf_cache_dir" yaml:"hf_cache_dir" toml:"hf_cache_dir"`
	ModelAliases      map[string]string `json:"model_aliases" yaml:"model_aliases" toml:"model_aliases"`
	StartupTimeoutSec int               `json:"startup_timeout_sec" yaml:"startup_timeout_sec" toml:"startup_timeout_sec"`
	LockTimeoutSec    int               `json:"lock_timeout_sec" yaml:"lock_timeout_sec" toml:"lock_timeout_sec"`
	ManagementTimeout int               `json:"management_timeout_sec" yaml:"management_timeout_sec" toml:"management_timeout_sec"`
	LogLevel          string            `json:"log_level" yaml:"log_level" toml:"log_level"`
	HealthAddr        string            `json:"health_addr" yaml:"health_addr" toml:"health_addr"`
}

// unmarshalers maps a lowercased file extension to the decoder that
// understands it. A caller adding a fourth format only needs an entry
// here, not another switch arm threaded through Load.
var unmarshalers = map[string]func([]byte, any) error{
	".yaml": yaml.Unmarshal,
	".yml":  yaml.Unmarshal,
	".json": json.Unmarshal,
	".toml": toml.Unmarshal,
}

// Load reads path, decodes it by extension against unmarshalers, and
// validates the result before returning.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, &orcherr.ConfigError{Code: orcherr.CodeConfigNotFound, Detail: "empty config path"}
	}
	ext := strings.ToLower(filepath.Ext(path))
	unmarshal, ok := unmarshalers[ext]
	if !ok {
		return cfg, &orcherr.ConfigError{Code: orcherr.CodeUnsupportedFormat, Path: path, Detail: "extension " + ext + " is not one of yaml/yml/json/toml"}
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, &orcherr.ConfigError{Code: orcherr.CodeConfigNotFound, Path: path, Err: err}
	}
	if err := unmarshal(b, &cfg); err != nil {
		return cfg, &orcherr.ConfigError{Code: orcherr.CodeInvalidConfig, Path: path, Err: err}
	}
	return validate(cfg, path)
}

// validate rejects configuration values that would otherwise surface as a
// confusing failure much later, inside lease.Config or ipc.Connect.
func validate(cfg Config, path string) (Config, error) {
	if cfg.StartupTimeoutSec < 0 || cfg.LockTimeoutSec < 0 || cfg.ManagementTimeout < 0 {
		return cfg, &orcherr.ConfigError{Code: orcherr.CodeInvalidConfig, Path: path, Detail: "timeout fields must not be negative"}
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays ORCHARD_* environment variables onto cfg,
// mirroring the MODELD_ADDR-style env-default convention: an explicit
// environment variable always wins over the file.
func ApplyEnvOverrides(cfg Config) Config {
	if v := os.Getenv("ORCHARD_IPC_ROOT"); v != "" {
		cfg.IPCRoot = v
	}
	if v := os.Getenv("ORCHARD_ENGINE_PATH"); v != "" {
		cfg.EnginePath = v
	}
	if v := os.Getenv("ORCHARD_HF_CACHE_DIR"); v != "" {
		cfg.HFCacheDir = v
	}
	if v := os.Getenv("ORCHARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCHARD_HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
	if v := os.Getenv("ORCHARD_STARTUP_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StartupTimeoutSec = n
		}
	}
	return cfg
}
