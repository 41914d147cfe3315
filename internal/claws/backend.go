// Package claws implements the runtime adapters. Every runtime shares one
// Backend that supervises the agent as a local process or a container and
// talks to it over NATS.
package claws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/container"
	"github.com/codervisor/clawden/internal/natsbus"
	"github.com/codervisor/clawden/internal/process"
	"github.com/nats-io/nats.go"
)

var ErrRuntimeBusy = errors.New("runtime already running an agent in direct mode")

// ProcessSupervisor is the direct-mode half of execution.
type ProcessSupervisor interface {
	ResolveMode(forceNoDocker bool) process.Mode
	StartDirectEnv(runtime, executable string, args, env []string) (*process.Info, error)
	Stop(runtime string) error
	Alive(runtime string) bool
}

// ContainerRuntime is the Docker-mode half of execution.
type ContainerRuntime interface {
	EnsureImage(ctx context.Context, image string) error
	BuildImage(ctx context.Context, contextDir, dockerfile, tag string) error
	Start(ctx context.Context, spec container.Spec) (*container.Info, error)
	Stop(ctx context.Context, agentID string) error
	Running(ctx context.Context, agentID string) (bool, error)
	Stats(ctx context.Context, agentID string) (cpuPercent, memoryMB float64, err error)
}

// Bus carries messages to and events from running agents.
type Bus interface {
	RequestJSON(ctx context.Context, topic string, req, resp any) error
	ChanSubscribe(topic string, ch chan *nats.Msg) (*nats.Subscription, error)
}

type Options struct {
	Processes  ProcessSupervisor
	Containers ContainerRuntime
	Bus        Bus
	NATSUrl    string
	// StateRoot holds per-agent state directories mounted in Docker mode.
	StateRoot string
	// BuildDir holds per-runtime build contexts, <BuildDir>/<runtime>/Dockerfile.
	// A runtime with a build context gets its image built instead of pulled.
	BuildDir       string
	ForceNoDocker  bool
	Images         map[adapter.Runtime]string
	RequestTimeout time.Duration
}

// profile is what distinguishes one runtime from another.
type profile struct {
	meta         adapter.RuntimeMetadata
	executable   string
	image        string
	interactive  bool
	eventsSource bool
}

type instance struct {
	handle adapter.Handle
	cfg    adapter.AgentConfig
	mode   process.Mode
	config adapter.RuntimeConfig
	skills []adapter.Skill
}

// Backend implements adapter.Adapter for one runtime profile.
type Backend struct {
	p    profile
	opts Options

	mu     sync.Mutex
	agents map[string]*instance // handle id → instance
}

func newBackend(p profile, opts Options) *Backend {
	if img, ok := opts.Images[p.meta.Runtime]; ok && img != "" {
		p.image = img
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Backend{p: p, opts: opts, agents: make(map[string]*instance)}
}

func (b *Backend) Metadata() adapter.RuntimeMetadata {
	return b.p.meta.Clone()
}

func (b *Backend) runtime() adapter.Runtime {
	return b.p.meta.Runtime
}

func (b *Backend) resolveMode() process.Mode {
	if b.opts.Processes == nil {
		return process.ModeDocker
	}
	return b.opts.Processes.ResolveMode(b.opts.ForceNoDocker)
}

func (b *Backend) executable(cfg adapter.AgentConfig) string {
	if cfg.Executable != "" {
		return cfg.Executable
	}
	return b.p.executable
}

func (b *Backend) image(cfg adapter.AgentConfig) string {
	if cfg.Image != "" {
		return cfg.Image
	}
	return b.p.image
}

// Install checks that the agent can be started in the resolved mode:
// the executable is on PATH, or the image is present (building or pulling
// it if needed).
func (b *Backend) Install(ctx context.Context, cfg adapter.AgentConfig) error {
	switch b.resolveMode() {
	case process.ModeDirect:
		exe := b.executable(cfg)
		if _, err := exec.LookPath(exe); err != nil {
			return fmt.Errorf("%w: %s", process.ErrExecutableNotFound, exe)
		}
		return nil
	default:
		if b.opts.Containers == nil {
			return fmt.Errorf("%w: docker mode without a container runtime", adapter.ErrBackendUnreachable)
		}
		if dir, ok := b.buildContext(cfg); ok {
			return b.opts.Containers.BuildImage(ctx, dir, "Dockerfile", b.image(cfg))
		}
		return b.opts.Containers.EnsureImage(ctx, b.image(cfg))
	}
}

// buildContext returns the local build context for the runtime's default
// image. Agents that name their own image always pull it.
func (b *Backend) buildContext(cfg adapter.AgentConfig) (string, bool) {
	if b.opts.BuildDir == "" || cfg.Image != "" {
		return "", false
	}
	dir := filepath.Join(b.opts.BuildDir, string(b.runtime()))
	if _, err := os.Stat(filepath.Join(dir, "Dockerfile")); err != nil {
		return "", false
	}
	return dir, true
}

// Start launches the agent. Starting an agent that is already running
// returns its existing handle.
func (b *Backend) Start(ctx context.Context, cfg adapter.AgentConfig) (adapter.Handle, error) {
	h := adapter.Handle{
		ID:      adapter.HandleID(b.runtime(), cfg.Name),
		Name:    cfg.Name,
		Runtime: b.runtime(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.agents[h.ID]; ok {
		return h, nil
	}

	mode, err := b.launch(ctx, h, cfg)
	if err != nil {
		return adapter.Handle{}, err
	}

	b.agents[h.ID] = &instance{
		handle: h,
		cfg:    cfg,
		mode:   mode,
		config: adapter.RuntimeConfig{
			"runtime":       string(b.runtime()),
			"config_format": b.p.meta.ConfigFormat,
		},
	}
	slog.Info("agent started", "agent", h.ID, "mode", mode)
	return h, nil
}

// launch must be called with b.mu held.
func (b *Backend) launch(ctx context.Context, h adapter.Handle, cfg adapter.AgentConfig) (process.Mode, error) {
	mode := b.resolveMode()
	switch mode {
	case process.ModeDirect:
		for id, inst := range b.agents {
			if inst.mode == process.ModeDirect && id != h.ID {
				return "", fmt.Errorf("%w: %s is running %s", ErrRuntimeBusy, b.runtime(), id)
			}
		}
		env := []string{"CLAWDEN_AGENT_ID=" + h.ID, "CLAWDEN_RUNTIME=" + string(b.runtime())}
		if b.opts.NATSUrl != "" {
			env = append(env, "CLAWDEN_NATS_URL="+b.opts.NATSUrl)
		}
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		if _, err := b.opts.Processes.StartDirectEnv(string(b.runtime()), b.executable(cfg), cfg.Args, env); err != nil {
			return "", err
		}
	default:
		if b.opts.Containers == nil {
			return "", fmt.Errorf("%w: docker mode without a container runtime", adapter.ErrBackendUnreachable)
		}
		spec := container.Spec{
			AgentID: h.ID,
			Runtime: string(b.runtime()),
			Image:   b.image(cfg),
			NATSUrl: b.opts.NATSUrl,
			Env:     cfg.Env,
			Args:    cfg.Args,
		}
		if b.opts.StateRoot != "" {
			m, err := container.StateMount(b.opts.StateRoot, h.ID, string(b.runtime()))
			if err != nil {
				return "", err
			}
			spec.Mounts = append(spec.Mounts, m)
		}
		if _, err := b.opts.Containers.Start(ctx, spec); err != nil {
			return "", err
		}
	}
	return mode, nil
}

func (b *Backend) lookup(h adapter.Handle) (*instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst, ok := b.agents[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", adapter.ErrHandleNotFound, h.ID)
	}
	return inst, nil
}

func (b *Backend) halt(ctx context.Context, inst *instance) error {
	if inst.mode == process.ModeDirect {
		return b.opts.Processes.Stop(string(b.runtime()))
	}
	return b.opts.Containers.Stop(ctx, inst.handle.ID)
}

func (b *Backend) Stop(ctx context.Context, h adapter.Handle) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}
	if err := b.halt(ctx, inst); err != nil {
		return fmt.Errorf("stop %s: %w", h.ID, err)
	}

	b.mu.Lock()
	delete(b.agents, h.ID)
	b.mu.Unlock()
	slog.Info("agent stopped", "agent", h.ID)
	return nil
}

func (b *Backend) Restart(ctx context.Context, h adapter.Handle) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.halt(ctx, inst); err != nil {
		return fmt.Errorf("stop %s: %w", h.ID, err)
	}
	mode, err := b.launch(ctx, h, inst.cfg)
	if err != nil {
		delete(b.agents, h.ID)
		return fmt.Errorf("restart %s: %w", h.ID, err)
	}
	inst.mode = mode
	slog.Info("agent restarted", "agent", h.ID)
	return nil
}

// Health reports Unknown when the backend cannot be queried.
func (b *Backend) Health(ctx context.Context, h adapter.Handle) (adapter.HealthStatus, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return adapter.Unknown, err
	}

	if inst.mode == process.ModeDirect {
		if b.opts.Processes.Alive(string(b.runtime())) {
			return adapter.Healthy, nil
		}
		return adapter.Unhealthy, nil
	}

	running, err := b.opts.Containers.Running(ctx, h.ID)
	if err != nil {
		slog.Debug("container check failed", "agent", h.ID, "error", err)
		return adapter.Unknown, nil
	}
	if running {
		return adapter.Healthy, nil
	}
	return adapter.Unhealthy, nil
}

func (b *Backend) Metrics(ctx context.Context, h adapter.Handle) (adapter.Metrics, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return adapter.Metrics{}, err
	}
	if inst.mode == process.ModeDirect {
		return adapter.Metrics{}, nil
	}
	cpu, mem, err := b.opts.Containers.Stats(ctx, h.ID)
	if err != nil {
		slog.Debug("container stats failed", "agent", h.ID, "error", err)
		return adapter.Metrics{}, nil
	}
	return adapter.Metrics{CPUPercent: cpu, MemoryMB: mem}, nil
}

// Send delivers msg over NATS request/reply on the agent's input topic.
func (b *Backend) Send(ctx context.Context, h adapter.Handle, msg adapter.Message) (adapter.Response, error) {
	if !b.p.interactive {
		return adapter.Response{}, fmt.Errorf("%s send: %w", b.runtime(), adapter.ErrNotImplemented)
	}
	if _, err := b.lookup(h); err != nil {
		return adapter.Response{}, err
	}
	if b.opts.Bus == nil {
		return adapter.Response{}, fmt.Errorf("%w: no message bus", adapter.ErrBackendUnreachable)
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.RequestTimeout)
	defer cancel()

	var resp adapter.Response
	if err := b.opts.Bus.RequestJSON(ctx, natsbus.TopicAgentInput(h.ID), msg, &resp); err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return adapter.Response{}, fmt.Errorf("%w: %s: %v", adapter.ErrBackendUnreachable, h.ID, err)
		}
		return adapter.Response{}, fmt.Errorf("send to %s: %w", h.ID, err)
	}
	return resp, nil
}

// Subscribe streams events published by the agent until ctx ends. Runtimes
// that publish nothing get a closed channel.
func (b *Backend) Subscribe(ctx context.Context, h adapter.Handle, event string) (<-chan adapter.Event, error) {
	if _, err := b.lookup(h); err != nil {
		return nil, err
	}

	out := make(chan adapter.Event, 16)
	if !b.p.eventsSource || b.opts.Bus == nil {
		close(out)
		return out, nil
	}

	msgs := make(chan *nats.Msg, 64)
	sub, err := b.opts.Bus.ChanSubscribe(natsbus.TopicAgentEvents(h.ID, event), msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", h.ID, err)
	}

	go func() {
		defer close(out)
		defer func() { _ = sub.Unsubscribe() }()
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-msgs:
				select {
				case out <- adapter.Event{Type: event, Data: m.Data}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *Backend) GetConfig(ctx context.Context, h adapter.Handle) (adapter.RuntimeConfig, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(adapter.RuntimeConfig, len(inst.config))
	for k, v := range inst.config {
		out[k] = v
	}
	return out, nil
}

// SetConfig merges cfg into the agent's configuration.
func (b *Backend) SetConfig(ctx context.Context, h adapter.Handle, cfg adapter.RuntimeConfig) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range cfg {
		inst.config[k] = v
	}
	return nil
}

func (b *Backend) ListSkills(ctx context.Context, h adapter.Handle) ([]adapter.Skill, error) {
	inst, err := b.lookup(h)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]adapter.Skill(nil), inst.skills...), nil
}

// InstallSkill adds or upgrades a skill by name.
func (b *Backend) InstallSkill(ctx context.Context, h adapter.Handle, skill adapter.SkillManifest) error {
	inst, err := b.lookup(h)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range inst.skills {
		if inst.skills[i].Name == skill.Name {
			inst.skills[i].Version = skill.Version
			inst.skills[i].Enabled = true
			return nil
		}
	}
	inst.skills = append(inst.skills, adapter.Skill{Name: skill.Name, Version: skill.Version, Enabled: true})
	return nil
}

var _ adapter.Adapter = (*Backend)(nil)
