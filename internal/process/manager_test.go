package process

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

type signalRecorder struct {
	mu   sync.Mutex
	sent []syscall.Signal
}

func (r *signalRecorder) kill(pid int, sig syscall.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sig)
	return nil
}

func (r *signalRecorder) signals() []syscall.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syscall.Signal(nil), r.sent...)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), ModeAuto)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func writeRecord(t *testing.T, m *Manager, info Info) {
	t.Helper()
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.pidPath(info.Runtime), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewManagerRequiresHome(t *testing.T) {
	t.Setenv("HOME", "")
	if _, err := NewManager("", ModeAuto); !errors.Is(err, ErrHomeNotSet) {
		t.Fatalf("expected ErrHomeNotSet, got %v", err)
	}
}

func TestNewManagerDefaultsToHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	m, err := NewManager("", "")
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if m.Root() != filepath.Join(home, ".clawden") {
		t.Errorf("unexpected root %s", m.Root())
	}
	for _, dir := range []string{"run", "logs"} {
		if _, err := os.Stat(filepath.Join(home, ".clawden", dir)); err != nil {
			t.Errorf("expected %s dir: %v", dir, err)
		}
	}
}

func TestResolveMode(t *testing.T) {
	m := newTestManager(t)

	m.dockerCheck = func() bool { return true }
	if got := m.ResolveMode(true); got != ModeDirect {
		t.Errorf("force no docker: got %s", got)
	}
	if got := m.ResolveMode(false); got != ModeDocker {
		t.Errorf("auto with docker: got %s", got)
	}

	m.dockerCheck = func() bool { return false }
	if got := m.ResolveMode(false); got != ModeDirect {
		t.Errorf("auto without docker: got %s", got)
	}

	m.SetMode(ModeDocker)
	m.dockerCheck = func() bool {
		t.Error("explicit mode must not check")
		return false
	}
	if got := m.ResolveMode(false); got != ModeDocker {
		t.Errorf("explicit docker: got %s", got)
	}

	m.SetMode("")
	m.dockerCheck = func() bool { return false }
	if got := m.ResolveMode(false); got != ModeDirect {
		t.Errorf("reset to auto: got %s", got)
	}
}

func TestStopWithoutRecordSendsNoSignal(t *testing.T) {
	m := newTestManager(t)
	rec := &signalRecorder{}
	m.signal = rec.kill

	if err := m.Stop("zeroclaw"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := rec.signals(); len(got) != 0 {
		t.Errorf("expected no signals, got %v", got)
	}
}

func TestStopGraceful(t *testing.T) {
	m := newTestManager(t)
	rec := &signalRecorder{}
	m.signal = rec.kill
	m.alive = func(pid int) bool { return len(rec.signals()) == 0 }

	writeRecord(t, m, Info{Runtime: "picoclaw", PID: 4242, Mode: ModeDirect})

	if err := m.Stop("picoclaw"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	got := rec.signals()
	if len(got) != 1 || got[0] != syscall.SIGTERM {
		t.Errorf("expected only SIGTERM, got %v", got)
	}
	if _, err := os.Stat(m.pidPath("picoclaw")); !os.IsNotExist(err) {
		t.Error("pid file should be removed")
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	m := newTestManager(t)
	rec := &signalRecorder{}
	m.signal = rec.kill
	m.alive = func(pid int) bool { return true }

	writeRecord(t, m, Info{Runtime: "openclaw", PID: 4243, Mode: ModeDirect})

	start := time.Now()
	if err := m.Stop("openclaw"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	elapsed := time.Since(start)

	got := rec.signals()
	if len(got) != 2 || got[0] != syscall.SIGTERM || got[1] != syscall.SIGKILL {
		t.Errorf("expected SIGTERM then SIGKILL, got %v", got)
	}
	if elapsed < stopTimeout {
		t.Errorf("escalated after %v, expected at least %v", elapsed, stopTimeout)
	}
	if _, err := os.Stat(m.pidPath("openclaw")); !os.IsNotExist(err) {
		t.Error("pid file should be removed after forced kill")
	}
}

func TestStartDirectMissingExecutable(t *testing.T) {
	m := newTestManager(t)
	_, err := m.StartDirect("zeroclaw", filepath.Join(t.TempDir(), "no-such-binary"), nil)
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
	if _, err := os.Stat(m.pidPath("zeroclaw")); !os.IsNotExist(err) {
		t.Error("no record should be written")
	}
}

func TestStartDirectAndStop(t *testing.T) {
	m := newTestManager(t)

	info, err := m.StartDirect("picoclaw", "sh", []string{"-c", "echo booted; exec sleep 30"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.PID <= 0 {
		t.Fatalf("expected pid, got %d", info.PID)
	}
	if info.Mode != ModeDirect {
		t.Errorf("expected direct mode, got %s", info.Mode)
	}

	statuses, err := m.ListStatuses()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(statuses) != 1 || !statuses[0].Running || statuses[0].Runtime != "picoclaw" {
		t.Fatalf("unexpected statuses: %+v", statuses)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		out, err := m.TailLogs("picoclaw", 10)
		if err != nil {
			t.Fatalf("tail: %v", err)
		}
		if strings.Contains(out, "booted") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log output not captured, got %q", out)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := m.Stop("picoclaw"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.Alive("picoclaw") {
		t.Error("runtime should not be alive after stop")
	}
	statuses, err = m.ListStatuses()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(statuses) != 0 {
		t.Errorf("expected no records after stop, got %+v", statuses)
	}
}

func TestListStatusesSorted(t *testing.T) {
	m := newTestManager(t)
	m.alive = func(pid int) bool { return pid == 2 }

	writeRecord(t, m, Info{Runtime: "zeroclaw", PID: 1, Mode: ModeDirect})
	writeRecord(t, m, Info{Runtime: "openclaw", PID: 2, Mode: ModeDirect})

	statuses, err := m.ListStatuses()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Runtime != "openclaw" || statuses[1].Runtime != "zeroclaw" {
		t.Errorf("unexpected order: %+v", statuses)
	}
	if !statuses[0].Running || statuses[1].Running {
		t.Errorf("unexpected liveness: %+v", statuses)
	}
}

func TestTailLogs(t *testing.T) {
	m := newTestManager(t)

	out, err := m.TailLogs("zeroclaw", 5)
	if err != nil {
		t.Fatalf("tail missing: %v", err)
	}
	if out != "" {
		t.Errorf("expected empty output for missing log, got %q", out)
	}

	if err := os.WriteFile(m.LogPath("zeroclaw"), []byte("one\ntwo\nthree\nfour\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = m.TailLogs("zeroclaw", 2)
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	if out != "three\nfour" {
		t.Errorf("expected last two lines, got %q", out)
	}

	out, _ = m.TailLogs("zeroclaw", 10)
	if out != "one\ntwo\nthree\nfour" {
		t.Errorf("expected whole log, got %q", out)
	}
}

func TestRuntimeNameOutsideStateDirs(t *testing.T) {
	m := newTestManager(t)
	rec := &signalRecorder{}
	m.signal = rec.kill

	secret := filepath.Join(m.Root(), "secret.log")
	if err := os.WriteFile(secret, []byte("TOP SECRET\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	victim := filepath.Join(m.Root(), "victim.pid")
	if err := os.WriteFile(victim, []byte(`{"runtime":"victim","pid":4244}`), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"../secret", "..", ".", "", "a/b", `a\b`} {
		if out, err := m.TailLogs(name, 10); !errors.Is(err, ErrInvalidRuntime) || out != "" {
			t.Errorf("tail %q: got %q, %v", name, out, err)
		}
		if _, err := m.Get(name); !errors.Is(err, ErrInvalidRuntime) {
			t.Errorf("get %q: expected ErrInvalidRuntime, got %v", name, err)
		}
	}
	if err := m.Stop("../victim"); !errors.Is(err, ErrInvalidRuntime) {
		t.Fatalf("stop: expected ErrInvalidRuntime, got %v", err)
	}
	if _, err := m.StartDirect("../victim", "sh", nil); !errors.Is(err, ErrInvalidRuntime) {
		t.Fatalf("start: expected ErrInvalidRuntime, got %v", err)
	}
	if got := rec.signals(); len(got) != 0 {
		t.Errorf("expected no signals, got %v", got)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Errorf("file outside run/ must be left alone: %v", err)
	}
}

func TestStopCorruptRecordSendsNoSignal(t *testing.T) {
	for _, pid := range []int{0, -1} {
		m := newTestManager(t)
		rec := &signalRecorder{}
		m.signal = rec.kill
		m.alive = func(int) bool { return true }

		writeRecord(t, m, Info{Runtime: "zeroclaw", PID: pid, Mode: ModeDirect})

		if err := m.Stop("zeroclaw"); !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("pid %d: expected ErrCorruptRecord, got %v", pid, err)
		}
		if got := rec.signals(); len(got) != 0 {
			t.Errorf("pid %d: expected no signals, got %v", pid, got)
		}
		if _, err := os.Stat(m.pidPath("zeroclaw")); !os.IsNotExist(err) {
			t.Errorf("pid %d: corrupt record should be removed", pid)
		}
		if m.Alive("zeroclaw") {
			t.Errorf("pid %d: corrupt record must not report alive", pid)
		}
	}
}
