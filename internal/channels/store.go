// Package channels owns channel instance configs, credential bindings,
// agent assignments and live connection status.
package channels

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/natsbus"
)

// Persister receives every mutation after it is applied in memory.
// Failures are logged; the in-memory state stays authoritative.
type Persister interface {
	SaveChannelConfig(cfg adapter.ChannelInstanceConfig) error
	DeleteChannelConfig(name string) error
	SaveBinding(b adapter.ChannelBinding) error
	SaveAssignments(agentID string, channels []string) error
}

// Snapshot is the persisted state restored by Load.
type Snapshot struct {
	Configs     []adapter.ChannelInstanceConfig
	Bindings    []adapter.ChannelBinding
	Assignments map[string][]string
}

type statusKey struct {
	agentID  string
	instance string
}

type Store struct {
	mu          sync.RWMutex
	configs     map[string]adapter.ChannelInstanceConfig
	bindings    map[string]*adapter.ChannelBinding
	index       map[bindingKey]string
	assignments map[string][]string
	statuses    map[statusKey]adapter.ConnectionStatus

	persist Persister
	events  natsbus.Publisher
	now     func() time.Time
	newID   func() string
}

func New() *Store {
	return &Store{
		configs:     make(map[string]adapter.ChannelInstanceConfig),
		bindings:    make(map[string]*adapter.ChannelBinding),
		index:       make(map[bindingKey]string),
		assignments: make(map[string][]string),
		statuses:    make(map[statusKey]adapter.ConnectionStatus),
		now:         time.Now,
		newID:       newBindingID,
	}
}

func (s *Store) SetPersister(p Persister) {
	s.persist = p
}

func (s *Store) SetPublisher(p natsbus.Publisher) {
	s.events = p
}

// Load replaces in-memory state with snap. It does not write back through
// the persister.
func (s *Store) Load(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs = make(map[string]adapter.ChannelInstanceConfig, len(snap.Configs))
	for _, c := range snap.Configs {
		s.configs[c.InstanceName] = c
	}

	s.bindings = make(map[string]*adapter.ChannelBinding, len(snap.Bindings))
	s.index = make(map[bindingKey]string)
	ordered := append([]adapter.ChannelBinding(nil), snap.Bindings...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].BoundAtUnixMs < ordered[j].BoundAtUnixMs })
	for i := range ordered {
		b := ordered[i]
		s.bindings[b.ID] = &b
		key := bindingKey{b.ChannelType, b.TokenHash}
		// The earliest active binding owns the key, as it did when Bind ran.
		if cur, ok := s.index[key]; !ok || s.bindings[cur].Status != adapter.BindingActive {
			s.index[key] = b.ID
		}
	}

	s.assignments = make(map[string][]string, len(snap.Assignments))
	for agent, names := range snap.Assignments {
		s.assignments[agent] = append([]string(nil), names...)
	}
}

// UpsertConfig creates or replaces the config named name. channelType is
// matched loosely.
func (s *Store) UpsertConfig(name, channelType string, credentials map[string]string, options map[string]any) (adapter.ChannelInstanceConfig, error) {
	if name == "" {
		return adapter.ChannelInstanceConfig{}, fmt.Errorf("instance name required")
	}
	ct, err := adapter.ParseChannelType(channelType)
	if err != nil {
		return adapter.ChannelInstanceConfig{}, err
	}
	cfg := adapter.ChannelInstanceConfig{
		InstanceName: name,
		ChannelType:  ct,
		Credentials:  credentials,
		Options:      options,
	}

	s.mu.Lock()
	s.configs[name] = cfg
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveChannelConfig(cfg); err != nil {
			slog.Error("persist channel config failed", "instance", name, "error", err)
		}
	}
	slog.Info("channel config saved", "config", cfg)
	natsbus.Emit(s.events, natsbus.TopicEventsChannel("config_saved"), "config_saved", map[string]string{
		"instance": name,
		"type":     string(ct),
	})
	return cfg, nil
}

func (s *Store) GetConfig(name string) (adapter.ChannelInstanceConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[name]
	return cfg, ok
}

// DeleteConfig removes the named config and reports whether it existed.
func (s *Store) DeleteConfig(name string) bool {
	s.mu.Lock()
	_, ok := s.configs[name]
	delete(s.configs, name)
	s.mu.Unlock()

	if !ok {
		return false
	}
	if s.persist != nil {
		if err := s.persist.DeleteChannelConfig(name); err != nil {
			slog.Error("persist channel delete failed", "instance", name, "error", err)
		}
	}
	natsbus.Emit(s.events, natsbus.TopicEventsChannel("config_deleted"), "config_deleted", map[string]string{"instance": name})
	return true
}

// ListConfigs returns every config sorted by instance name.
func (s *Store) ListConfigs() []adapter.ChannelInstanceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedConfigs("")
}

func (s *Store) ListConfigsByType(channelType string) ([]adapter.ChannelInstanceConfig, error) {
	ct, err := adapter.ParseChannelType(channelType)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedConfigs(ct), nil
}

func (s *Store) sortedConfigs(ct adapter.ChannelType) []adapter.ChannelInstanceConfig {
	out := make([]adapter.ChannelInstanceConfig, 0, len(s.configs))
	for _, c := range s.configs {
		if ct == "" || c.ChannelType == ct {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceName < out[j].InstanceName })
	return out
}

// Assign adds channel instance name to the agent's list unless present.
func (s *Store) Assign(agentID, name string) {
	s.mu.Lock()
	list := s.assignments[agentID]
	for _, n := range list {
		if n == name {
			s.mu.Unlock()
			return
		}
	}
	list = append(list, name)
	s.assignments[agentID] = list
	snapshot := append([]string(nil), list...)
	s.mu.Unlock()

	s.saveAssignments(agentID, snapshot)
}

// Unassign removes name from the agent's list. Missing entries are ignored.
func (s *Store) Unassign(agentID, name string) {
	s.mu.Lock()
	list, ok := s.assignments[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	kept := list[:0]
	for _, n := range list {
		if n != name {
			kept = append(kept, n)
		}
	}
	s.assignments[agentID] = kept
	snapshot := append([]string(nil), kept...)
	s.mu.Unlock()

	s.saveAssignments(agentID, snapshot)
}

func (s *Store) saveAssignments(agentID string, names []string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveAssignments(agentID, names); err != nil {
		slog.Error("persist assignments failed", "agent", agentID, "error", err)
	}
}

// Assignments returns the channel instance names assigned to agentID.
func (s *Store) Assignments(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.assignments[agentID]...)
}

// AgentChannels resolves the agent's assignments to configs, skipping names
// with no config.
func (s *Store) AgentChannels(agentID string) []adapter.ChannelInstanceConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []adapter.ChannelInstanceConfig
	for _, n := range s.assignments[agentID] {
		if c, ok := s.configs[n]; ok {
			out = append(out, c)
		}
	}
	return out
}

// AgentsFor returns the agents assigned to channel instance name, sorted.
func (s *Store) AgentsFor(name string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for agent, list := range s.assignments {
		for _, n := range list {
			if n == name {
				out = append(out, agent)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
