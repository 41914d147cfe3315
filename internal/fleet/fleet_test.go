package fleet

import (
	"context"
	"errors"
	"testing"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/adapter/adaptertest"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/lifecycle"
	"github.com/codervisor/clawden/internal/registry"
)

type memPersister struct {
	saved map[string]Agent
}

func (m *memPersister) SaveAgent(a Agent) error {
	m.saved[a.Handle.ID] = a
	return nil
}

func (m *memPersister) DeleteAgent(id string) error {
	delete(m.saved, id)
	return nil
}

func newTestFleet(t *testing.T) (*Fleet, *adaptertest.Fake, *audit.Log) {
	t.Helper()
	reg := registry.New()
	fake := adaptertest.New(adapter.RuntimeZeroClaw, "chat", "reasoning")
	reg.Register(fake)
	log := audit.New()
	return New(reg, log), fake, log
}

func TestDeploy(t *testing.T) {
	f, _, log := newTestFleet(t)
	p := &memPersister{saved: map[string]Agent{}}
	f.SetPersister(p)

	a, err := f.Deploy(context.Background(), adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if a.Handle.ID != "zeroclaw-alpha" || a.State != lifecycle.Running {
		t.Errorf("agent = %+v", a)
	}
	if p.saved["zeroclaw-alpha"].State != lifecycle.Running {
		t.Errorf("persisted state = %s", p.saved["zeroclaw-alpha"].State)
	}
	if log.Len() != 1 || log.List()[0].Action != "deploy" {
		t.Errorf("audit = %+v", log.List())
	}

	_, err = f.Deploy(context.Background(), adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw})
	if !errors.Is(err, ErrAgentExists) {
		t.Errorf("expected ErrAgentExists, got %v", err)
	}
}

func TestDeployByCapability(t *testing.T) {
	f, _, _ := newTestFleet(t)
	a, err := f.Deploy(context.Background(), adapter.AgentConfig{Name: "thinker", Capability: "REASONING"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if a.Handle.Runtime != adapter.RuntimeZeroClaw {
		t.Errorf("runtime = %s", a.Handle.Runtime)
	}

	_, err = f.Deploy(context.Background(), adapter.AgentConfig{Name: "x", Capability: "telepathy"})
	if !errors.Is(err, ErrNoRuntime) {
		t.Errorf("expected ErrNoRuntime, got %v", err)
	}
	_, err = f.Deploy(context.Background(), adapter.AgentConfig{Name: "x"})
	if !errors.Is(err, ErrNoRuntime) {
		t.Errorf("expected ErrNoRuntime, got %v", err)
	}
}

func TestDeployStartFailureForgetsAgent(t *testing.T) {
	f, fake, _ := newTestFleet(t)
	fake.StartErr = errors.New("boom")
	if _, err := f.Deploy(context.Background(), adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw}); err == nil {
		t.Fatal("expected error")
	}
	if len(f.List()) != 0 {
		t.Errorf("failed deploy left records: %+v", f.List())
	}
}

func TestStopAndRestart(t *testing.T) {
	f, fake, _ := newTestFleet(t)
	ctx := context.Background()
	a, _ := f.Deploy(ctx, adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw})
	id := a.Handle.ID

	if err := f.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if fake.Stops != 1 {
		t.Errorf("adapter stops = %d", fake.Stops)
	}
	got, _ := f.Get(id)
	if got.State != lifecycle.Stopped {
		t.Errorf("state = %s", got.State)
	}

	if err := f.Restart(ctx, id); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	got, _ = f.Get(id)
	if got.State != lifecycle.Running {
		t.Errorf("state after restart = %s", got.State)
	}

	if err := f.Stop(ctx, "zeroclaw-ghost"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	f, fake, _ := newTestFleet(t)
	ctx := context.Background()
	a, _ := f.Deploy(ctx, adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw})
	fake.SetHealth(a.Handle.ID, adapter.Unhealthy)

	m, err := NewMonitor(f, "")
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	m.Check(ctx)

	err = f.Stop(ctx, a.Handle.ID)
	if !errors.Is(err, lifecycle.ErrIllegalTransition) {
		t.Errorf("stopping a degraded agent: expected ErrIllegalTransition, got %v", err)
	}
	if fake.Stops != 0 {
		t.Errorf("adapter was stopped despite rejected transition")
	}
}

func TestStatusAndList(t *testing.T) {
	f, _, _ := newTestFleet(t)
	ctx := context.Background()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if _, err := f.Deploy(ctx, adapter.AgentConfig{Name: name, Runtime: adapter.RuntimeZeroClaw}); err != nil {
			t.Fatalf("Deploy %s: %v", name, err)
		}
	}
	_ = f.Stop(ctx, "zeroclaw-bravo")

	list := f.List()
	if len(list) != 3 || list[0].Handle.Name != "alpha" || list[2].Handle.Name != "charlie" {
		t.Errorf("list order = %+v", list)
	}
	s := f.Status()
	if s.Total != 3 || s.Running != 2 || s.Stopped != 1 || s.Degraded != 0 {
		t.Errorf("summary = %+v", s)
	}

	if a, ok := f.FindByName("bravo"); !ok || a.Handle.ID != "zeroclaw-bravo" {
		t.Errorf("FindByName = %+v, %v", a, ok)
	}
}

func TestRestore(t *testing.T) {
	f, _, _ := newTestFleet(t)
	f.Restore([]Agent{{
		Handle: adapter.Handle{ID: "zeroclaw-old", Name: "old", Runtime: adapter.RuntimeZeroClaw},
		State:  lifecycle.Running,
		Config: adapter.AgentConfig{Name: "old", Runtime: adapter.RuntimeZeroClaw},
	}})
	a, err := f.Get("zeroclaw-old")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a.State != lifecycle.Stopped {
		t.Errorf("restored state = %s, want stopped", a.State)
	}

	got, err := f.Deploy(context.Background(), adapter.AgentConfig{Name: "old", Runtime: adapter.RuntimeZeroClaw})
	if err != nil {
		t.Fatalf("redeploy: %v", err)
	}
	if got.State != lifecycle.Running {
		t.Errorf("state after redeploy = %s", got.State)
	}
}

func TestRemove(t *testing.T) {
	f, _, log := newTestFleet(t)
	p := &memPersister{saved: make(map[string]Agent)}
	f.SetPersister(p)
	ctx := context.Background()

	a, err := f.Deploy(ctx, adapter.AgentConfig{Name: "gone", Runtime: adapter.RuntimeZeroClaw})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	id := a.Handle.ID

	if err := f.Remove(id); !errors.Is(err, ErrAgentLive) {
		t.Fatalf("expected ErrAgentLive, got %v", err)
	}
	if err := f.Stop(ctx, id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := f.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := f.Get(id); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
	if _, ok := p.saved[id]; ok {
		t.Error("persisted record not deleted")
	}
	events := log.List()
	if last := events[len(events)-1]; last.Action != "remove" || last.Target != id {
		t.Errorf("last audit event = %+v", last)
	}
	if err := f.Remove(id); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("second Remove: expected ErrAgentNotFound, got %v", err)
	}
}

func TestSuspendResumeAcrossAdapterSwap(t *testing.T) {
	reg := registry.New()
	old := adaptertest.New(adapter.RuntimeZeroClaw, "chat")
	reg.Register(old)
	f := New(reg, audit.New())
	ctx := context.Background()

	alpha, _ := f.Deploy(ctx, adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw})
	beta, _ := f.Deploy(ctx, adapter.AgentConfig{Name: "beta", Runtime: adapter.RuntimeZeroClaw})
	old.SetHealth(beta.Handle.ID, adapter.Unhealthy)
	m, err := NewMonitor(f, "")
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	m.Check(ctx)
	if got, _ := f.Get(beta.Handle.ID); got.State != lifecycle.Degraded {
		t.Fatalf("beta state = %s, want degraded", got.State)
	}

	halted := f.Suspend(ctx)
	if len(halted) != 2 || old.Stops != 2 {
		t.Fatalf("halted = %v, old adapter stops = %d", halted, old.Stops)
	}
	if got, _ := f.Get(alpha.Handle.ID); got.State != lifecycle.Stopped {
		t.Errorf("alpha state after suspend = %s", got.State)
	}

	fresh := adaptertest.New(adapter.RuntimeZeroClaw, "chat")
	reg.RegisterDynamic(fresh)
	if n := f.Resume(ctx, halted); n != 2 {
		t.Fatalf("resumed %d, want 2", n)
	}
	for _, id := range halted {
		got, _ := f.Get(id)
		if got.State != lifecycle.Running {
			t.Errorf("%s state after resume = %s", id, got.State)
		}
		if status, err := f.Health(ctx, id); err != nil || status != adapter.Healthy {
			t.Errorf("%s health on new adapter = %s, %v", id, status, err)
		}
	}

	if err := f.Stop(ctx, beta.Handle.ID); err != nil {
		t.Fatalf("Stop after resume: %v", err)
	}
	if err := f.Remove(beta.Handle.ID); err != nil {
		t.Fatalf("Remove after resume: %v", err)
	}
}

func TestRestartDegradedWithUnknownHandle(t *testing.T) {
	reg := registry.New()
	old := adaptertest.New(adapter.RuntimeZeroClaw, "chat")
	reg.Register(old)
	f := New(reg, audit.New())
	ctx := context.Background()

	a, _ := f.Deploy(ctx, adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw})
	old.SetHealth(a.Handle.ID, adapter.Unhealthy)
	m, _ := NewMonitor(f, "")
	m.Check(ctx)

	reg.RegisterDynamic(adaptertest.New(adapter.RuntimeZeroClaw, "chat"))
	if err := f.Restart(ctx, a.Handle.ID); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if got, _ := f.Get(a.Handle.ID); got.State != lifecycle.Running {
		t.Errorf("state = %s, want running", got.State)
	}
}

func TestRuntimePassthroughs(t *testing.T) {
	f, fake, log := newTestFleet(t)
	ctx := context.Background()
	a, _ := f.Deploy(ctx, adapter.AgentConfig{Name: "alpha", Runtime: adapter.RuntimeZeroClaw})
	id := a.Handle.ID

	if _, err := f.Send(ctx, id, adapter.Message{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	m, err := f.Metrics(ctx, id)
	if err != nil || m.QueueDepth != len(fake.Sent) {
		t.Errorf("Metrics = %+v, %v", m, err)
	}

	if err := f.SetConfig(ctx, id, adapter.RuntimeConfig{"model": "small"}); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	cfg, err := f.Config(ctx, id)
	if err != nil || cfg["model"] != "small" {
		t.Errorf("Config = %v, %v", cfg, err)
	}

	if err := f.InstallSkill(ctx, id, adapter.SkillManifest{Name: "search", Version: "1.0"}); err != nil {
		t.Fatalf("InstallSkill: %v", err)
	}
	skills, err := f.Skills(ctx, id)
	if err != nil || len(skills) != 1 || skills[0].Name != "search" {
		t.Errorf("Skills = %+v, %v", skills, err)
	}

	events, err := f.Subscribe(ctx, id, "output")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, open := <-events; open {
		t.Error("fake adapter should return a closed event channel")
	}

	var actions []string
	for _, e := range log.List() {
		actions = append(actions, e.Action)
	}
	if len(actions) != 3 || actions[1] != "config" || actions[2] != "skill_install:search" {
		t.Errorf("audit actions = %v", actions)
	}

	if _, err := f.Metrics(ctx, "zeroclaw-missing"); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}
