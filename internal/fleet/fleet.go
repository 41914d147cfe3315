// Package fleet tracks deployed agents and drives their adapters through
// the lifecycle state machine.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/lifecycle"
	"github.com/codervisor/clawden/internal/natsbus"
	"github.com/codervisor/clawden/internal/registry"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrAgentExists   = errors.New("agent already deployed")
	ErrNoRuntime     = errors.New("no runtime available")
	ErrAgentLive     = errors.New("agent is not stopped")
)

const actor = "fleet"

// Agent is the caller-side record of one deployed agent.
type Agent struct {
	Handle    adapter.Handle       `json:"handle"`
	State     lifecycle.State      `json:"state"`
	Health    adapter.HealthStatus `json:"health"`
	Channels  []string             `json:"channels,omitempty"`
	Config    adapter.AgentConfig  `json:"config"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type Summary struct {
	Total    int `json:"total"`
	Running  int `json:"running"`
	Degraded int `json:"degraded"`
	Stopped  int `json:"stopped"`
}

// Persister stores agent records across restarts.
type Persister interface {
	SaveAgent(a Agent) error
	DeleteAgent(id string) error
}

type Fleet struct {
	mu      sync.RWMutex
	agents  map[string]*Agent
	reg     *registry.Registry
	audit   *audit.Log
	persist Persister
	events  natsbus.Publisher
	now     func() time.Time
}

func New(reg *registry.Registry, log *audit.Log) *Fleet {
	return &Fleet{
		agents: make(map[string]*Agent),
		reg:    reg,
		audit:  log,
		now:    time.Now,
	}
}

func (f *Fleet) SetPersister(p Persister) {
	f.persist = p
}

func (f *Fleet) SetPublisher(p natsbus.Publisher) {
	f.events = p
}

// Restore loads previously persisted agents. Nothing is running after a
// restart, so every restored record starts out stopped.
func (f *Fleet) Restore(agents []Agent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range agents {
		if _, ok := f.agents[a.Handle.ID]; ok {
			continue
		}
		a := a
		a.State = lifecycle.Stopped
		a.Health = adapter.Unknown
		f.agents[a.Handle.ID] = &a
	}
}

func (f *Fleet) resolve(cfg adapter.AgentConfig) (adapter.Adapter, error) {
	if cfg.Runtime != "" {
		return f.reg.Get(cfg.Runtime)
	}
	if cfg.Capability != "" {
		rt, ok := f.reg.DetectRuntimeForCapability(cfg.Capability)
		if !ok {
			return nil, fmt.Errorf("%w: capability %q", ErrNoRuntime, cfg.Capability)
		}
		return f.reg.Get(rt)
	}
	return nil, fmt.Errorf("%w: agent %q names no runtime or capability", ErrNoRuntime, cfg.Name)
}

// Deploy installs and starts an agent. Deploying a stopped agent starts it
// again; deploying one that is live fails with ErrAgentExists.
func (f *Fleet) Deploy(ctx context.Context, cfg adapter.AgentConfig) (Agent, error) {
	a, err := f.resolve(cfg)
	if err != nil {
		return Agent{}, err
	}
	cfg.Runtime = a.Metadata().Runtime
	id := adapter.HandleID(cfg.Runtime, cfg.Name)

	f.mu.Lock()
	rec, ok := f.agents[id]
	if ok && rec.State != lifecycle.Stopped {
		f.mu.Unlock()
		return Agent{}, fmt.Errorf("%w: %s is %s", ErrAgentExists, id, rec.State)
	}
	if !ok {
		rec = &Agent{
			Handle: adapter.Handle{ID: id, Name: cfg.Name, Runtime: cfg.Runtime},
			State:  lifecycle.Registered,
			Health: adapter.Unknown,
		}
		f.agents[id] = rec
	}
	rec.Config = cfg
	rec.Channels = append([]string(nil), cfg.Channels...)
	rec.UpdatedAt = f.now()
	from := rec.State
	f.mu.Unlock()

	if from == lifecycle.Registered {
		if err := a.Install(ctx, cfg); err != nil {
			f.forget(id)
			return Agent{}, fmt.Errorf("install %s: %w", id, err)
		}
		if err := f.transition(id, lifecycle.Installed); err != nil {
			return Agent{}, err
		}
	}

	h, err := a.Start(ctx, cfg)
	if err != nil {
		if from == lifecycle.Registered {
			f.forget(id)
		}
		return Agent{}, fmt.Errorf("start %s: %w", id, err)
	}

	f.mu.Lock()
	rec.Handle = h
	f.mu.Unlock()
	if err := f.transition(id, lifecycle.Running); err != nil {
		return Agent{}, err
	}

	f.record("deploy", id)
	natsbus.Emit(f.events, natsbus.TopicEventsFleet("deployed"), "agent_deployed", map[string]any{
		"id":      id,
		"runtime": cfg.Runtime,
	})
	slog.Info("agent deployed", "agent", id, "runtime", cfg.Runtime)
	return f.Get(id)
}

func (f *Fleet) forget(id string) {
	f.mu.Lock()
	delete(f.agents, id)
	f.mu.Unlock()
}

// transition moves id to state to, rejecting illegal moves.
func (f *Fleet) transition(id string, to lifecycle.State) error {
	f.mu.Lock()
	rec, ok := f.agents[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	from := rec.State
	if err := lifecycle.Check(from, to); err != nil {
		f.mu.Unlock()
		return fmt.Errorf("agent %s: %w", id, err)
	}
	rec.State = to
	rec.UpdatedAt = f.now()
	snapshot := *rec
	f.mu.Unlock()

	if from != to {
		f.save(snapshot)
		natsbus.Emit(f.events, natsbus.TopicEventsFleet("state_changed"), "agent_state_changed", map[string]any{
			"id":   id,
			"from": from,
			"to":   to,
		})
	}
	return nil
}

func (f *Fleet) save(a Agent) {
	if f.persist == nil {
		return
	}
	if err := f.persist.SaveAgent(a); err != nil {
		slog.Warn("persist agent failed", "agent", a.Handle.ID, "error", err)
	}
}

// Remove forgets a stopped agent, persisted record included.
func (f *Fleet) Remove(id string) error {
	f.mu.Lock()
	rec, ok := f.agents[id]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if rec.State != lifecycle.Stopped {
		state := rec.State
		f.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAgentLive, id, state)
	}
	delete(f.agents, id)
	f.mu.Unlock()

	if f.persist != nil {
		if err := f.persist.DeleteAgent(id); err != nil {
			slog.Warn("delete persisted agent failed", "agent", id, "error", err)
		}
	}
	f.record("remove", id)
	natsbus.Emit(f.events, natsbus.TopicEventsFleet("removed"), "agent_removed", map[string]string{"id": id})
	return nil
}

func (f *Fleet) record(action, target string) {
	if f.audit != nil {
		f.audit.Append(actor, action, target)
	}
}

func (f *Fleet) lookup(id string) (Agent, adapter.Adapter, error) {
	f.mu.RLock()
	rec, ok := f.agents[id]
	var snapshot Agent
	if ok {
		snapshot = *rec
	}
	f.mu.RUnlock()
	if !ok {
		return Agent{}, nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	a, err := f.reg.Get(snapshot.Handle.Runtime)
	if err != nil {
		return Agent{}, nil, err
	}
	return snapshot, a, nil
}

// Adapter returns the agent record together with the adapter serving it.
func (f *Fleet) Adapter(id string) (Agent, adapter.Adapter, error) {
	return f.lookup(id)
}

func (f *Fleet) Stop(ctx context.Context, id string) error {
	rec, a, err := f.lookup(id)
	if err != nil {
		return err
	}
	if err := lifecycle.Check(rec.State, lifecycle.Stopped); err != nil {
		return fmt.Errorf("agent %s: %w", id, err)
	}
	if rec.State != lifecycle.Stopped {
		if err := a.Stop(ctx, rec.Handle); err != nil && !errors.Is(err, adapter.ErrHandleNotFound) {
			return fmt.Errorf("stop %s: %w", id, err)
		}
	}
	if err := f.transition(id, lifecycle.Stopped); err != nil {
		return err
	}
	f.record("stop", id)
	return nil
}

// Restart brings an agent back to Running. A stopped agent is started
// from its recorded config, as is a degraded one whose adapter no longer
// knows its handle.
func (f *Fleet) Restart(ctx context.Context, id string) error {
	rec, a, err := f.lookup(id)
	if err != nil {
		return err
	}
	if err := lifecycle.Check(rec.State, lifecycle.Running); err != nil {
		return fmt.Errorf("agent %s: %w", id, err)
	}

	if rec.State == lifecycle.Stopped {
		err = f.relaunch(ctx, id, a, rec.Config)
	} else if err = a.Restart(ctx, rec.Handle); errors.Is(err, adapter.ErrHandleNotFound) {
		err = f.relaunch(ctx, id, a, rec.Config)
	} else if err != nil {
		err = fmt.Errorf("restart %s: %w", id, err)
	}
	if err != nil {
		return err
	}

	if err := f.transition(id, lifecycle.Running); err != nil {
		return err
	}
	f.record("restart", id)
	return nil
}

// relaunch starts a fresh instance of id on a and records its handle.
func (f *Fleet) relaunch(ctx context.Context, id string, a adapter.Adapter, cfg adapter.AgentConfig) error {
	h, err := a.Start(ctx, cfg)
	if err != nil {
		return fmt.Errorf("start %s: %w", id, err)
	}
	f.mu.Lock()
	if r, ok := f.agents[id]; ok {
		r.Handle = h
	}
	f.mu.Unlock()
	return nil
}

// Health checks the agent and records the result without changing state.
func (f *Fleet) Health(ctx context.Context, id string) (adapter.HealthStatus, error) {
	rec, a, err := f.lookup(id)
	if err != nil {
		return adapter.Unknown, err
	}
	status := adapter.Unknown
	if rec.State == lifecycle.Running || rec.State == lifecycle.Degraded {
		status, err = a.Health(ctx, rec.Handle)
		if err != nil {
			return adapter.Unknown, fmt.Errorf("health %s: %w", id, err)
		}
	}

	f.mu.Lock()
	if r, ok := f.agents[id]; ok {
		r.Health = status
	}
	f.mu.Unlock()
	return status, nil
}

// Send delivers a message to the agent's runtime.
func (f *Fleet) Send(ctx context.Context, id string, msg adapter.Message) (adapter.Response, error) {
	rec, a, err := f.lookup(id)
	if err != nil {
		return adapter.Response{}, err
	}
	return a.Send(ctx, rec.Handle, msg)
}

func (f *Fleet) Metrics(ctx context.Context, id string) (adapter.Metrics, error) {
	rec, a, err := f.lookup(id)
	if err != nil {
		return adapter.Metrics{}, err
	}
	return a.Metrics(ctx, rec.Handle)
}

// Subscribe streams the agent's events of the given type until ctx ends.
func (f *Fleet) Subscribe(ctx context.Context, id, event string) (<-chan adapter.Event, error) {
	rec, a, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	return a.Subscribe(ctx, rec.Handle, event)
}

func (f *Fleet) Config(ctx context.Context, id string) (adapter.RuntimeConfig, error) {
	rec, a, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	return a.GetConfig(ctx, rec.Handle)
}

func (f *Fleet) SetConfig(ctx context.Context, id string, cfg adapter.RuntimeConfig) error {
	rec, a, err := f.lookup(id)
	if err != nil {
		return err
	}
	if err := a.SetConfig(ctx, rec.Handle, cfg); err != nil {
		return fmt.Errorf("set config %s: %w", id, err)
	}
	f.record("config", id)
	return nil
}

func (f *Fleet) Skills(ctx context.Context, id string) ([]adapter.Skill, error) {
	rec, a, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	return a.ListSkills(ctx, rec.Handle)
}

func (f *Fleet) InstallSkill(ctx context.Context, id string, skill adapter.SkillManifest) error {
	rec, a, err := f.lookup(id)
	if err != nil {
		return err
	}
	if err := a.InstallSkill(ctx, rec.Handle, skill); err != nil {
		return fmt.Errorf("install skill %s on %s: %w", skill.Name, id, err)
	}
	f.record("skill_install:"+skill.Name, id)
	natsbus.Emit(f.events, natsbus.TopicEventsFleet("skill_installed"), "skill_installed", map[string]string{
		"id":    id,
		"skill": skill.Name,
	})
	return nil
}

func (f *Fleet) Get(id string) (Agent, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, ok := f.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return *rec, nil
}

// FindByName returns the first agent with the given name, ordered by id.
func (f *Fleet) FindByName(name string) (Agent, bool) {
	for _, a := range f.List() {
		if a.Handle.Name == name || a.Handle.ID == name {
			return a, true
		}
	}
	return Agent{}, false
}

// List returns all agents sorted by id.
func (f *Fleet) List() []Agent {
	f.mu.RLock()
	out := make([]Agent, 0, len(f.agents))
	for _, a := range f.agents {
		out = append(out, *a)
	}
	f.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Handle.ID < out[j].Handle.ID })
	return out
}

func (f *Fleet) Status() Summary {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s := Summary{Total: len(f.agents)}
	for _, a := range f.agents {
		switch a.State {
		case lifecycle.Running:
			s.Running++
		case lifecycle.Degraded:
			s.Degraded++
		case lifecycle.Stopped:
			s.Stopped++
		}
	}
	return s
}

// StopAll halts every live agent, logging failures.
func (f *Fleet) StopAll(ctx context.Context) {
	f.Suspend(ctx)
}

// Suspend halts every live agent on the adapter currently serving it and
// returns the ids it halted. Running agents move to Stopped. Degraded agents
// cannot move to Stopped, so only their runtimes are halted. Resume brings
// the returned agents back.
func (f *Fleet) Suspend(ctx context.Context) []string {
	var halted []string
	for _, a := range f.List() {
		switch a.State {
		case lifecycle.Running:
			if err := f.Stop(ctx, a.Handle.ID); err != nil {
				slog.Warn("stop agent failed", "agent", a.Handle.ID, "error", err)
				continue
			}
		case lifecycle.Degraded:
			ad, err := f.reg.Get(a.Handle.Runtime)
			if err != nil {
				slog.Warn("no adapter for degraded agent", "agent", a.Handle.ID, "error", err)
				continue
			}
			if err := ad.Stop(ctx, a.Handle); err != nil && !errors.Is(err, adapter.ErrHandleNotFound) {
				slog.Warn("stop degraded agent failed", "agent", a.Handle.ID, "error", err)
				continue
			}
		default:
			continue
		}
		halted = append(halted, a.Handle.ID)
	}
	return halted
}

// Resume starts each agent in ids afresh on the adapter now registered for
// its runtime and returns how many came back.
func (f *Fleet) Resume(ctx context.Context, ids []string) int {
	resumed := 0
	for _, id := range ids {
		rec, a, err := f.lookup(id)
		if err != nil {
			slog.Warn("resume agent failed", "agent", id, "error", err)
			continue
		}
		if err := lifecycle.Check(rec.State, lifecycle.Running); err != nil {
			slog.Warn("resume agent failed", "agent", id, "error", err)
			continue
		}
		if err := f.relaunch(ctx, id, a, rec.Config); err != nil {
			slog.Error("resume agent failed", "agent", id, "error", err)
			continue
		}
		if err := f.transition(id, lifecycle.Running); err != nil {
			slog.Error("resume agent failed", "agent", id, "error", err)
			continue
		}
		f.record("restart", id)
		resumed++
	}
	return resumed
}
