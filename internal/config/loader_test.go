package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "ipc_root: /tmp/ipc\nengine_path: /opt/engine\nhf_cache_dir: /tmp/hf\nstartup_timeout_sec: 45\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IPCRoot != "/tmp/ipc" || cfg.EnginePath != "/opt/engine" || cfg.HFCacheDir != "/tmp/hf" || cfg.StartupTimeoutSec != 45 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"ipc_root":"/tmp/ipc","engine_path":"/opt/engine","model_aliases":{"moondream3":"org/moondream3"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IPCRoot != "/tmp/ipc" || cfg.ModelAliases["moondream3"] != "org/moondream3" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "ipc_root=\"/tmp/ipc\"\nengine_path=\"/opt/engine\"\nlock_timeout_sec=10\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.IPCRoot != "/tmp/ipc" || cfg.EnginePath != "/opt/engine" || cfg.LockTimeoutSec != 10 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ORCHARD_IPC_ROOT", "/env/ipc")
	t.Setenv("ORCHARD_STARTUP_TIMEOUT_SEC", "99")
	cfg := ApplyEnvOverrides(Config{IPCRoot: "/file/ipc", StartupTimeoutSec: 10})
	if cfg.IPCRoot != "/env/ipc" || cfg.StartupTimeoutSec != 99 {
		t.Fatalf("unexpected cfg after env override: %+v", cfg)
	}
}
