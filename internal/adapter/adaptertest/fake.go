// Package adaptertest provides an in-memory adapter for tests.
package adaptertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/codervisor/clawden/internal/adapter"
)

// Fake records every call and answers from in-memory state.
type Fake struct {
	Meta adapter.RuntimeMetadata

	// SendFunc overrides the default echo reply when set.
	SendFunc func(msg adapter.Message) (adapter.Response, error)
	// StartErr is returned by Start when set.
	StartErr error

	mu      sync.Mutex
	handles map[string]adapter.Handle
	health  map[string]adapter.HealthStatus
	configs map[string]adapter.RuntimeConfig
	skills  map[string][]adapter.Skill
	Sent    []adapter.Message
	Stops   int
}

func New(rt adapter.Runtime, capabilities ...string) *Fake {
	return &Fake{
		Meta: adapter.RuntimeMetadata{
			Runtime:        rt,
			Version:        "test",
			Language:       "go",
			Capabilities:   capabilities,
			ChannelSupport: map[adapter.ChannelType]adapter.ChannelSupport{},
		},
		handles: make(map[string]adapter.Handle),
		health:  make(map[string]adapter.HealthStatus),
		configs: make(map[string]adapter.RuntimeConfig),
		skills:  make(map[string][]adapter.Skill),
	}
}

// SetHealth fixes the status Health reports for a handle id.
func (f *Fake) SetHealth(id string, status adapter.HealthStatus) {
	f.mu.Lock()
	f.health[id] = status
	f.mu.Unlock()
}

func (f *Fake) Metadata() adapter.RuntimeMetadata { return f.Meta }

func (f *Fake) Install(ctx context.Context, cfg adapter.AgentConfig) error { return nil }

func (f *Fake) Start(ctx context.Context, cfg adapter.AgentConfig) (adapter.Handle, error) {
	if f.StartErr != nil {
		return adapter.Handle{}, f.StartErr
	}
	h := adapter.Handle{ID: adapter.HandleID(f.Meta.Runtime, cfg.Name), Name: cfg.Name, Runtime: f.Meta.Runtime}
	f.mu.Lock()
	f.handles[h.ID] = h
	if _, ok := f.health[h.ID]; !ok {
		f.health[h.ID] = adapter.Healthy
	}
	f.mu.Unlock()
	return h, nil
}

func (f *Fake) lookup(h adapter.Handle) error {
	if _, ok := f.handles[h.ID]; !ok {
		return fmt.Errorf("%w: %s", adapter.ErrHandleNotFound, h.ID)
	}
	return nil
}

func (f *Fake) Stop(ctx context.Context, h adapter.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(h); err != nil {
		return err
	}
	f.Stops++
	return nil
}

func (f *Fake) Restart(ctx context.Context, h adapter.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup(h)
}

func (f *Fake) Health(ctx context.Context, h adapter.Handle) (adapter.HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(h); err != nil {
		return adapter.Unknown, err
	}
	return f.health[h.ID], nil
}

func (f *Fake) Metrics(ctx context.Context, h adapter.Handle) (adapter.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lookup(h); err != nil {
		return adapter.Metrics{}, err
	}
	return adapter.Metrics{QueueDepth: len(f.Sent)}, nil
}

func (f *Fake) Send(ctx context.Context, h adapter.Handle, msg adapter.Message) (adapter.Response, error) {
	f.mu.Lock()
	f.Sent = append(f.Sent, msg)
	fn := f.SendFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(msg)
	}
	return adapter.Response{Content: "echo: " + msg.Content}, nil
}

func (f *Fake) Subscribe(ctx context.Context, h adapter.Handle, event string) (<-chan adapter.Event, error) {
	ch := make(chan adapter.Event)
	close(ch)
	return ch, nil
}

func (f *Fake) GetConfig(ctx context.Context, h adapter.Handle) (adapter.RuntimeConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[h.ID], nil
}

func (f *Fake) SetConfig(ctx context.Context, h adapter.Handle, cfg adapter.RuntimeConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[h.ID] = cfg
	return nil
}

func (f *Fake) ListSkills(ctx context.Context, h adapter.Handle) ([]adapter.Skill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.skills[h.ID], nil
}

func (f *Fake) InstallSkill(ctx context.Context, h adapter.Handle, skill adapter.SkillManifest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skills[h.ID] = append(f.skills[h.ID], adapter.Skill{Name: skill.Name, Version: skill.Version, Enabled: true})
	return nil
}

var _ adapter.Adapter = (*Fake)(nil)
