// Package process supervises runtimes spawned as local OS processes.
package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codervisor/clawden/internal/natsbus"
	"golang.org/x/sys/unix"
)

var (
	ErrHomeNotSet         = errors.New("HOME is not set")
	ErrExecutableNotFound = errors.New("executable not found")
	ErrInvalidRuntime     = errors.New("invalid runtime name")
	ErrCorruptRecord      = errors.New("corrupt process record")
)

const (
	pollInterval = 100 * time.Millisecond
	stopTimeout  = 2 * time.Second
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeDocker Mode = "docker"
	ModeDirect Mode = "direct"
)

// Info is the record persisted for one directly spawned runtime.
type Info struct {
	Runtime         string `json:"runtime"`
	PID             int    `json:"pid"`
	StartedAtUnixMs int64  `json:"started_at_unix_ms"`
	Mode            Mode   `json:"mode"`
	LogPath         string `json:"log_path"`
}

type Status struct {
	Runtime string `json:"runtime"`
	PID     int    `json:"pid"`
	Running bool   `json:"running"`
	Mode    Mode   `json:"mode"`
	LogPath string `json:"log_path"`
}

// Manager owns the run/ and logs/ directories under its root.
type Manager struct {
	root   string
	runDir string
	logDir string

	modeMu sync.RWMutex
	mode   Mode

	// Seams for tests.
	signal      func(pid int, sig syscall.Signal) error
	alive       func(pid int) bool
	dockerCheck func() bool

	events natsbus.Publisher
}

// NewManager creates the state directories under root, or under
// $HOME/.clawden when root is empty.
func NewManager(root string, mode Mode) (*Manager, error) {
	if root == "" {
		home := os.Getenv("HOME")
		if home == "" {
			return nil, ErrHomeNotSet
		}
		root = filepath.Join(home, ".clawden")
	}
	if mode == "" {
		mode = ModeAuto
	}

	m := &Manager{
		root:        root,
		runDir:      filepath.Join(root, "run"),
		logDir:      filepath.Join(root, "logs"),
		mode:        mode,
		signal:      unix.Kill,
		alive:       pidAlive,
		dockerCheck: dockerAvailable,
	}
	for _, dir := range []string{m.runDir, m.logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return m, nil
}

// SetPublisher enables process lifecycle events on the bus.
func (m *Manager) SetPublisher(p natsbus.Publisher) {
	m.events = p
}

func (m *Manager) Root() string {
	return m.root
}

// checkName rejects runtime names that would resolve outside run/ or logs/.
func checkName(runtime string) error {
	if runtime == "" || runtime == "." || runtime == ".." ||
		strings.ContainsAny(runtime, `/\`) || filepath.Base(runtime) != runtime {
		return fmt.Errorf("%w: %q", ErrInvalidRuntime, runtime)
	}
	return nil
}

func (m *Manager) pidPath(runtime string) string {
	return filepath.Join(m.runDir, runtime+".pid")
}

func (m *Manager) LogPath(runtime string) string {
	return filepath.Join(m.logDir, runtime+".log")
}

// ResolveMode picks the execution mode. forceNoDocker always wins; auto
// checks for a container engine.
func (m *Manager) ResolveMode(forceNoDocker bool) Mode {
	if forceNoDocker {
		return ModeDirect
	}
	m.modeMu.RLock()
	mode := m.mode
	m.modeMu.RUnlock()
	if mode == ModeAuto {
		if m.dockerCheck() {
			return ModeDocker
		}
		return ModeDirect
	}
	return mode
}

// SetMode replaces the configured mode. It affects runtimes started after
// the call.
func (m *Manager) SetMode(mode Mode) {
	if mode == "" {
		mode = ModeAuto
	}
	m.modeMu.Lock()
	m.mode = mode
	m.modeMu.Unlock()
}

// StartDirect spawns executable with its output appended to the runtime's
// log file and records it, replacing any earlier record for runtime.
func (m *Manager) StartDirect(runtime, executable string, args []string) (*Info, error) {
	return m.StartDirectEnv(runtime, executable, args, nil)
}

// StartDirectEnv is StartDirect with extra KEY=VALUE pairs appended to the
// inherited environment.
func (m *Manager) StartDirectEnv(runtime, executable string, args, env []string) (*Info, error) {
	if err := checkName(runtime); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s for runtime %s", ErrExecutableNotFound, executable, runtime)
	}

	logPath := m.LogPath(runtime)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(path, args...)
	cmd.Stdin = nil
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", runtime, err)
	}
	// Reap the child so an exited process does not linger as a zombie
	// that still answers liveness checks.
	go func() { _ = cmd.Wait() }()

	info := &Info{
		Runtime:         runtime,
		PID:             cmd.Process.Pid,
		StartedAtUnixMs: time.Now().UnixMilli(),
		Mode:            ModeDirect,
		LogPath:         logPath,
	}
	if err := m.writeInfo(info); err != nil {
		return nil, err
	}

	slog.Info("runtime process started", "runtime", runtime, "pid", info.PID, "log", logPath)
	natsbus.Emit(m.events, natsbus.TopicEventsProcess("started"), "process_started", info)
	return info, nil
}

func (m *Manager) writeInfo(info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal process info: %w", err)
	}
	if err := os.WriteFile(m.pidPath(info.Runtime), data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Get returns the persisted record for runtime, or nil when there is none.
// A record without a positive PID is reported as ErrCorruptRecord.
func (m *Manager) Get(runtime string) (*Info, error) {
	if err := checkName(runtime); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(m.pidPath(runtime))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pid file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse pid file %s: %w", runtime, err)
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("%w: %s has pid %d", ErrCorruptRecord, runtime, info.PID)
	}
	return &info, nil
}

// Alive reports whether the recorded process for runtime is running.
func (m *Manager) Alive(runtime string) bool {
	info, err := m.Get(runtime)
	if err != nil || info == nil {
		return false
	}
	return m.alive(info.PID)
}

// Stop sends SIGTERM, waits up to two seconds for exit and then sends
// SIGKILL. The record is removed whichever way the process ended. Stopping
// a runtime with no record is a no-op. An unreadable or corrupt record is
// removed without signalling anything. Stop is not cancellable.
func (m *Manager) Stop(runtime string) error {
	if err := checkName(runtime); err != nil {
		return err
	}
	info, err := m.Get(runtime)
	if err != nil {
		_ = os.Remove(m.pidPath(runtime))
		return err
	}
	if info == nil {
		return nil
	}
	defer func() {
		if err := os.Remove(m.pidPath(runtime)); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove pid file failed", "runtime", runtime, "error", err)
		}
	}()

	if err := m.signal(info.PID, unix.SIGTERM); err != nil {
		slog.Debug("sigterm failed", "runtime", runtime, "pid", info.PID, "error", err)
	}

	forced := !m.waitExit(info.PID)
	if forced {
		if err := m.signal(info.PID, unix.SIGKILL); err != nil {
			slog.Debug("sigkill failed", "runtime", runtime, "pid", info.PID, "error", err)
		}
	}

	slog.Info("runtime process stopped", "runtime", runtime, "pid", info.PID, "forced", forced)
	natsbus.Emit(m.events, natsbus.TopicEventsProcess("stopped"), "process_stopped", map[string]any{
		"runtime": runtime,
		"pid":     info.PID,
		"forced":  forced,
	})
	return nil
}

// waitExit polls liveness every pollInterval until stopTimeout elapses and
// reports whether the process exited.
func (m *Manager) waitExit(pid int) bool {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ticker.C:
			if !m.alive(pid) {
				return true
			}
		case <-timer.C:
			return !m.alive(pid)
		}
	}
}

// ListStatuses reports every recorded runtime with liveness checked now,
// sorted by runtime name.
func (m *Manager) ListStatuses() ([]Status, error) {
	entries, err := os.ReadDir(m.runDir)
	if err != nil {
		return nil, fmt.Errorf("read run dir: %w", err)
	}

	var statuses []Status
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".pid") {
			continue
		}
		info, err := m.Get(strings.TrimSuffix(name, ".pid"))
		if err != nil {
			slog.Warn("skip unreadable pid file", "file", name, "error", err)
			continue
		}
		if info == nil {
			continue
		}
		statuses = append(statuses, Status{
			Runtime: info.Runtime,
			PID:     info.PID,
			Running: m.alive(info.PID),
			Mode:    info.Mode,
			LogPath: info.LogPath,
		})
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Runtime < statuses[j].Runtime })
	return statuses, nil
}

// TailLogs returns the last n lines of the runtime's log. A missing log is
// not an error.
func (m *Manager) TailLogs(runtime string, n int) (string, error) {
	if err := checkName(runtime); err != nil {
		return "", err
	}
	data, err := os.ReadFile(m.LogPath(runtime))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read log: %w", err)
	}
	if n <= 0 {
		return "", nil
	}

	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return "", nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func dockerAvailable() bool {
	cmd := exec.Command("docker", "--version")
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd.Run() == nil
}
