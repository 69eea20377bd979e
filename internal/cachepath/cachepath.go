// Package cachepath resolves the shared cache directory both the engine
// lease (pidfile/refs/flock) and the model resolver (hf_cache lookups)
// root their state under, per §6.
package cachepath

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDirName = "com.theproxycompany"

// Root returns $ORCHARD_IPC_ROOT if set, else the OS-appropriate per-user
// cache directory joined with the application directory name (§6):
// $XDG_CACHE_HOME or ~/Library/Caches or ~/.cache.
func Root() (string, error) {
	if v := os.Getenv("ORCHARD_IPC_ROOT"); v != "" {
		return v, nil
	}
	base, err := baseCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, appDirName), nil
}

func baseCacheDir() (string, error) {
	if v := os.Getenv("XDG_CACHE_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Caches"), nil
	}
	return filepath.Join(home, ".cache"), nil
}

// IPCDir returns <root>/ipc, where the three socket files live.
func IPCDir(root string) string { return filepath.Join(root, "ipc") }

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	if len(path) > 1 && path[1] == '/' {
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// Exists reports whether path exists on disk.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
