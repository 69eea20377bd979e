// Package lease implements the engine subprocess lease (§4.7):
// cross-process pidfile/refs/flock coordination, spawning the engine
// executable, waiting for readiness via the first telemetry event, and
// signal-escalated shutdown when the last lease holder releases.
package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"orchard/internal/ipc"
	"orchard/internal/metrics"
	"orchard/pkg/orcherr"
)

// Paths is the shared on-disk state layout under one cache directory.
type Paths struct {
	Dir        string
	PidFile    string
	RefsFile   string
	LockFile   string
	ReadyFile  string
	ClientLog  string
	EngineLog  string
}

// NewPaths joins dir with the §4.7 well-known file names.
func NewPaths(dir string) Paths {
	return Paths{
		Dir:       dir,
		PidFile:   filepath.Join(dir, "engine.pid"),
		RefsFile:  filepath.Join(dir, "engine.refs"),
		LockFile:  filepath.Join(dir, "engine.lock"),
		ReadyFile: filepath.Join(dir, "engine.ready"),
		ClientLog: filepath.Join(dir, "client.log"),
		EngineLog: filepath.Join(dir, "engine.log"),
	}
}

// Config parameterizes one Lease instance.
type Config struct {
	CacheDir       string
	EnginePath     string
	EngineArgs     []string
	ResponsesPath  string // the response socket the readiness probe subscribes to
	StartupTimeout time.Duration
	LockTimeout    time.Duration
	TermGrace      time.Duration
	KillGrace      time.Duration
}

func (c *Config) applyDefaults() {
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 60 * time.Second
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.TermGrace <= 0 {
		c.TermGrace = 15 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
}

// Lease tracks this process's hold on the shared engine subprocess.
// localRefs counts in-process Acquire/Release pairs (e.g. multiple
// Client instances in one program); the cross-process refs file tracks
// which OS pids hold a lease at all, deduplicated by pid.
type Lease struct {
	cfg   Config
	paths Paths

	mu         sync.Mutex
	localRefs  int
	enginePID  int
	spawnedCmd *exec.Cmd
}

// New constructs a Lease. Call Acquire before relying on the engine being
// up, and Release (or InstallExitHook) to tear it down.
func New(cfg Config) *Lease {
	cfg.applyDefaults()
	return &Lease{cfg: cfg, paths: NewPaths(cfg.CacheDir)}
}

// Paths exposes the resolved on-disk file layout.
func (l *Lease) Paths() Paths { return l.paths }

// EnginePID returns the engine pid this lease last observed, or 0.
func (l *Lease) EnginePID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enginePID
}

// Acquire ensures the engine subprocess is running and this pid is
// recorded as a lease holder, spawning the engine if no one else holds
// the lease (§4.7 "Acquire lease").
func (l *Lease) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.localRefs > 0 {
		l.localRefs++
		metrics.ObserveLeaseAcquire("reused")
		metrics.SetLeaseRefcount(l.localRefs)
		return nil
	}

	if err := os.MkdirAll(l.paths.Dir, 0o755); err != nil {
		metrics.ObserveLeaseAcquire("failed")
		return &orcherr.LeaseError{Code: orcherr.CodeStartupFailed, Detail: err.Error()}
	}

	err := l.withLock(func() error {
		refs := filterAlive(l.readRefs())

		pid, havePid := l.readPid()
		if havePid && !isAlive(pid) {
			havePid = false
			_ = os.Remove(l.paths.PidFile)
			_ = os.Remove(l.paths.ReadyFile)
		}

		if !havePid && len(refs) == 0 {
			newPID, waitErrCh, err := l.spawnEngine()
			if err != nil {
				return err
			}
			if err := l.waitReady(ctx, newPID, waitErrCh); err != nil {
				_ = l.stopEngine(newPID)
				return err
			}
			if err := os.WriteFile(l.paths.PidFile, []byte(strconv.Itoa(newPID)), 0o644); err != nil {
				return &orcherr.LeaseError{Code: orcherr.CodeStartupFailed, PID: newPID, Detail: err.Error()}
			}
			pid = newPID
		}
		l.enginePID = pid

		self := os.Getpid()
		if !containsPid(refs, self) {
			refs = append(refs, self)
		}
		return l.writeRefs(refs)
	})
	if err != nil {
		metrics.ObserveLeaseAcquire("failed")
		return err
	}
	l.localRefs = 1
	metrics.ObserveLeaseAcquire("acquired")
	metrics.SetLeaseRefcount(l.localRefs)
	return nil
}

// Release decrements the in-process refcount; when it reaches zero it
// removes this pid from the shared refs file and, if no pid remains,
// stops the engine (§4.7 "Release lease").
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.localRefs == 0 {
		return nil
	}
	l.localRefs--
	metrics.ObserveLeaseRelease()
	metrics.SetLeaseRefcount(l.localRefs)
	if l.localRefs > 0 {
		return nil
	}

	return l.withLock(func() error {
		refs := filterAlive(l.readRefs())
		refs = removePid(refs, os.Getpid())

		if len(refs) == 0 {
			if l.enginePID != 0 && isAlive(l.enginePID) {
				if err := l.stopEngine(l.enginePID); err != nil {
					return err
				}
			}
			_ = os.Remove(l.paths.PidFile)
			_ = os.Remove(l.paths.ReadyFile)
			_ = os.Remove(l.paths.RefsFile)
			return nil
		}
		return l.writeRefs(refs)
	})
}

// InstallExitHook registers a best-effort SIGINT/SIGTERM handler that
// releases this lease before the process exits. Callers that already run
// their own signal loop should call Release directly instead.
func InstallExitHook(l *Lease) (stop func()) {
	sig := make(chan os.Signal, 1)
	notifySignals(sig)
	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
			_ = l.Release()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// withLock runs fn while holding engine.lock exclusively, failing with
// CodeLockTimeout if it cannot be acquired within cfg.LockTimeout.
func (l *Lease) withLock(fn func() error) error {
	f, err := os.OpenFile(l.paths.LockFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return &orcherr.LeaseError{Code: orcherr.CodeStartupFailed, Detail: err.Error()}
	}
	defer f.Close()

	deadline := time.Now().Add(l.cfg.LockTimeout)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return &orcherr.LeaseError{Code: orcherr.CodeLockTimeout, Detail: "engine.lock"}
		}
		time.Sleep(50 * time.Millisecond)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

func (l *Lease) readPid() (int, bool) {
	raw, err := os.ReadFile(l.paths.PidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

func (l *Lease) readRefs() []int {
	raw, err := os.ReadFile(l.paths.RefsFile)
	if err != nil {
		return nil
	}
	var refs []int
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil
	}
	return refs
}

func (l *Lease) writeRefs(refs []int) error {
	if len(refs) == 0 {
		_ = os.Remove(l.paths.RefsFile)
		return nil
	}
	raw, err := json.Marshal(refs)
	if err != nil {
		return &orcherr.LeaseError{Code: orcherr.CodeStartupFailed, Detail: err.Error()}
	}
	return os.WriteFile(l.paths.RefsFile, raw, 0o644)
}

func filterAlive(pids []int) []int {
	out := make([]int, 0, len(pids))
	for _, p := range pids {
		if isAlive(p) {
			out = append(out, p)
		}
	}
	return out
}

func containsPid(pids []int, target int) bool {
	for _, p := range pids {
		if p == target {
			return true
		}
	}
	return false
}

func removePid(pids []int, target int) []int {
	out := make([]int, 0, len(pids))
	for _, p := range pids {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}

func isAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// spawnEngine launches the engine executable with stdout/stderr redirected
// to engine.log (§4.7), mirroring the subprocess-spawn idiom used for the
// inference adapter's llama-server child process. The returned channel
// receives the child's exit error exactly once, reaping it; waitReady
// watches it to detect an early exit without leaving a zombie.
func (l *Lease) spawnEngine() (int, <-chan error, error) {
	logFile, err := os.OpenFile(l.paths.EngineLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, nil, &orcherr.LeaseError{Code: orcherr.CodeStartupFailed, Detail: err.Error()}
	}
	defer logFile.Close()

	cmd := exec.Command(l.cfg.EnginePath, l.cfg.EngineArgs...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return 0, nil, &orcherr.LeaseError{Code: orcherr.CodeStartupFailed, Detail: fmt.Sprintf("start engine: %v", err)}
	}
	l.spawnedCmd = cmd

	waitErrCh := make(chan error, 1)
	go func() { waitErrCh <- cmd.Wait() }()
	return cmd.Process.Pid, waitErrCh, nil
}

// waitReady subscribes to the first telemetry broadcast on the response
// socket and extracts the engine pid from its health.pid field (§4.7).
func (l *Lease) waitReady(ctx context.Context, spawnedPID int, waitErrCh <-chan error) error {
	start := time.Now()
	deadline := start.Add(l.cfg.StartupTimeout)

	sock, err := ipc.DialResponseSocket(l.cfg.ResponsesPath, readinessChannelID(), 0, 0)
	if err != nil {
		return &orcherr.LeaseError{Code: orcherr.CodeStartupTimeout, PID: spawnedPID, Detail: err.Error()}
	}
	defer sock.Close()
	defer func() { metrics.ObserveLeaseStartup(time.Since(start)) }()

	for {
		if time.Now().After(deadline) {
			return &orcherr.LeaseError{Code: orcherr.CodeStartupTimeout, PID: spawnedPID}
		}
		select {
		case werr := <-waitErrCh:
			return &orcherr.LeaseError{Code: orcherr.CodeStartupFailed, PID: spawnedPID, Detail: fmt.Sprintf("engine exited before becoming ready: %v", werr)}
		case <-ctx.Done():
			return &orcherr.LeaseError{Code: orcherr.CodeStartupTimeout, PID: spawnedPID, Detail: ctx.Err().Error()}
		default:
		}
		frame, err := sock.Receive(500 * time.Millisecond)
		if err != nil {
			if orcherr.IsTimeout(err) {
				continue
			}
			return &orcherr.LeaseError{Code: orcherr.CodeStartupTimeout, PID: spawnedPID, Detail: err.Error()}
		}
		if !bytes.HasPrefix(frame, []byte(ipc.EventTopicPrefix)) {
			continue
		}
		rest := frame[len(ipc.EventTopicPrefix):]
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 || string(rest[:nul]) != "telemetry" {
			continue
		}
		snap := ipc.ParseTelemetry(rest[nul+1:])
		if snap.PID != 0 {
			return nil
		}
	}
}

// readinessChannelID returns a throwaway channel id for the one-shot
// readiness probe; it never registers per-request sinks, so any nonzero
// value works as long as it doesn't collide with a live client connection
// for the duration of the probe.
func readinessChannelID() uint64 {
	return uint64(os.Getpid())<<32 | 1
}

// stopEngine escalates SIGINT -> SIGTERM -> SIGKILL on bounded timeouts
// (§4.7), reaping via cmd.Wait when this process spawned the child or by
// polling liveness otherwise.
func (l *Lease) stopEngine(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return &orcherr.LeaseError{Code: orcherr.CodeShutdownFailed, PID: pid, Detail: err.Error()}
	}

	_ = proc.Signal(syscall.SIGINT)
	if waitUntilDead(pid, l.cfg.TermGrace) {
		return nil
	}
	_ = proc.Signal(syscall.SIGTERM)
	if waitUntilDead(pid, l.cfg.TermGrace) {
		return nil
	}
	_ = proc.Signal(syscall.SIGKILL)
	if waitUntilDead(pid, l.cfg.KillGrace) {
		return nil
	}
	return &orcherr.LeaseError{Code: orcherr.CodeShutdownFailed, PID: pid, Detail: "process did not exit after SIGKILL"}
}

func waitUntilDead(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !isAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return !isAlive(pid)
}
