package fleet

import (
	"context"
	"testing"
	"time"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/lifecycle"
)

func TestNewMonitorRejectsBadSchedule(t *testing.T) {
	f, _, _ := newTestFleet(t)
	if _, err := NewMonitor(f, "not a cron"); err == nil {
		t.Error("expected error for invalid schedule")
	}
	m, err := NewMonitor(f, "")
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	if m.schedule() != DefaultSchedule {
		t.Errorf("schedule = %q", m.schedule())
	}
	if err := m.UpdateSchedule("*/5 * * * *"); err != nil {
		t.Errorf("UpdateSchedule: %v", err)
	}
	if err := m.UpdateSchedule("bogus"); err == nil {
		t.Error("expected error for invalid update")
	}
}

func TestCheckTransitions(t *testing.T) {
	f, fake, log := newTestFleet(t)
	ctx := context.Background()
	a, _ := f.Deploy(ctx, adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw})
	id := a.Handle.ID
	m, _ := NewMonitor(f, "")

	tests := []struct {
		health adapter.HealthStatus
		want   lifecycle.State
	}{
		{adapter.Healthy, lifecycle.Running},
		{adapter.Unhealthy, lifecycle.Degraded},
		{adapter.Unknown, lifecycle.Degraded},
		{adapter.Healthy, lifecycle.Running},
		{adapter.Degraded, lifecycle.Degraded},
	}
	for i, tt := range tests {
		fake.SetHealth(id, tt.health)
		m.Check(ctx)
		got, _ := f.Get(id)
		if got.State != tt.want {
			t.Errorf("step %d: health %s gave state %s, want %s", i, tt.health, got.State, tt.want)
		}
		if got.Health != tt.health {
			t.Errorf("step %d: recorded health %s, want %s", i, got.Health, tt.health)
		}
	}

	// deploy + three state changes
	if log.Len() != 4 {
		t.Errorf("audit entries = %d, want 4", log.Len())
	}
}

func TestCheckSkipsStopped(t *testing.T) {
	f, fake, _ := newTestFleet(t)
	ctx := context.Background()
	a, _ := f.Deploy(ctx, adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw})
	_ = f.Stop(ctx, a.Handle.ID)
	fake.SetHealth(a.Handle.ID, adapter.Unhealthy)

	m, _ := NewMonitor(f, "")
	m.Check(ctx)
	got, _ := f.Get(a.Handle.ID)
	if got.State != lifecycle.Stopped {
		t.Errorf("state = %s, want stopped", got.State)
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	f, _, _ := newTestFleet(t)
	m, _ := NewMonitor(f, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
