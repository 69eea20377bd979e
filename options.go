package orchard

import (
	"time"

	"github.com/rs/zerolog"

	"orchard/internal/config"
)

// Options configures a Client. Zero values fall back to the documented
// defaults (§4.1/§4.7): 50 dial attempts at 200ms, a 30s management
// timeout, a 30s lease-lock timeout, a 60s engine startup timeout, and a
// 15s/5s SIGTERM/SIGKILL escalation grace.
type Options struct {
	// CacheDir roots the IPC sockets and the engine lease's pidfile/refs
	// state. Defaults to cachepath.Root() (honoring $ORCHARD_IPC_ROOT).
	CacheDir string

	// EnginePath and EngineArgs launch the engine subprocess when this
	// process is the first to acquire the lease.
	EnginePath string
	EngineArgs []string

	// HFCacheDir roots the model resolver's hf_cache lookups.
	HFCacheDir string
	// ModelAliases maps caller-facing identifiers to canonical ids.
	ModelAliases map[string]string

	DialAttempts      int
	DialDelay         time.Duration
	ManagementTimeout time.Duration
	StartupTimeout    time.Duration
	LockTimeout       time.Duration
	TermGrace         time.Duration
	KillGrace         time.Duration

	Logger *zerolog.Logger
}

// FromConfig builds Options from a loaded internal/config.Config,
// applying environment overrides first (§ Ambient Stack, Configuration).
func FromConfig(cfg config.Config) Options {
	cfg = config.ApplyEnvOverrides(cfg)
	opts := Options{
		CacheDir:     cfg.IPCRoot,
		EnginePath:   cfg.EnginePath,
		EngineArgs:   cfg.EngineArgs,
		HFCacheDir:   cfg.HFCacheDir,
		ModelAliases: cfg.ModelAliases,
	}
	if cfg.StartupTimeoutSec > 0 {
		opts.StartupTimeout = time.Duration(cfg.StartupTimeoutSec) * time.Second
	}
	if cfg.LockTimeoutSec > 0 {
		opts.LockTimeout = time.Duration(cfg.LockTimeoutSec) * time.Second
	}
	if cfg.ManagementTimeout > 0 {
		opts.ManagementTimeout = time.Duration(cfg.ManagementTimeout) * time.Second
	}
	return opts
}
