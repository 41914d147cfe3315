package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/lifecycle"
	"github.com/codervisor/clawden/internal/natsbus"
)

const DefaultSchedule = "* * * * *"

// Monitor checks live agents on a cron schedule and moves them between
// Running and Degraded.
type Monitor struct {
	fleet    *Fleet
	mu       sync.Mutex
	expr     string
	reloadCh chan struct{}
}

func NewMonitor(f *Fleet, expr string) (*Monitor, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid monitor schedule: %q", expr)
	}
	return &Monitor{fleet: f, expr: expr, reloadCh: make(chan struct{}, 1)}, nil
}

// UpdateSchedule swaps the cron expression and resets the run loop.
func (m *Monitor) UpdateSchedule(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid monitor schedule: %q", expr)
	}
	m.mu.Lock()
	m.expr = expr
	m.mu.Unlock()
	select {
	case m.reloadCh <- struct{}{}:
	default:
	}
	return nil
}

func (m *Monitor) schedule() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expr
}

func (m *Monitor) Start(ctx context.Context) {
	slog.Info("health monitor started", "schedule", m.schedule())

	for {
		next, err := gronx.NextTickAfter(m.schedule(), time.Now(), false)
		if err != nil {
			slog.Error("monitor schedule failed", "schedule", m.schedule(), "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("health monitor stopped")
			return
		case <-m.reloadCh:
			timer.Stop()
			slog.Info("health monitor schedule reloaded", "schedule", m.schedule())
		case <-timer.C:
			m.Check(ctx)
		}
	}
}

// Check checks every running or degraded agent once. Unknown results
// leave the state unchanged.
func (m *Monitor) Check(ctx context.Context) {
	for _, a := range m.fleet.List() {
		if a.State != lifecycle.Running && a.State != lifecycle.Degraded {
			continue
		}

		id := a.Handle.ID
		status, err := m.fleet.Health(ctx, id)
		if err != nil {
			slog.Warn("health check failed", "agent", id, "error", err)
			continue
		}

		var to lifecycle.State
		switch status {
		case adapter.Healthy:
			to = lifecycle.Running
		case adapter.Unhealthy, adapter.Degraded:
			to = lifecycle.Degraded
		default:
			continue
		}
		if to == a.State {
			continue
		}
		if err := m.fleet.transition(id, to); err != nil {
			slog.Warn("health transition rejected", "agent", id, "error", err)
			continue
		}
		m.fleet.record("health:"+string(status), id)
		natsbus.Emit(m.fleet.events, natsbus.TopicEventsFleet("health"), "agent_health", map[string]any{
			"id":     id,
			"health": status,
			"state":  to,
		})
		slog.Info("agent health changed", "agent", id, "health", status, "state", to)
	}
}
