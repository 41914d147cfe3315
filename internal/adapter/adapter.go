package adapter

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

var (
	ErrHandleNotFound     = errors.New("handle not found")
	ErrBackendUnreachable = errors.New("backend unreachable")
	ErrUnknownChannelType = errors.New("unknown channel type")
	ErrUnknownRuntime     = errors.New("unknown runtime")
	ErrNotImplemented     = errors.New("not implemented")
)

// Runtime identifies one pluggable backend.
type Runtime string

const (
	RuntimeOpenClaw Runtime = "openclaw"
	RuntimeZeroClaw Runtime = "zeroclaw"
	RuntimePicoClaw Runtime = "picoclaw"
)

func ParseRuntime(s string) (Runtime, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openclaw":
		return RuntimeOpenClaw, nil
	case "zeroclaw":
		return RuntimeZeroClaw, nil
	case "picoclaw":
		return RuntimePicoClaw, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownRuntime, s)
}

func (r Runtime) String() string {
	return string(r)
}

// RuntimeMetadata is the static descriptor an adapter reports about its backend.
type RuntimeMetadata struct {
	Runtime        Runtime                        `json:"runtime"`
	Version        string                         `json:"version"`
	Language       string                         `json:"language"`
	Capabilities   []string                       `json:"capabilities"`
	DefaultPort    *int                           `json:"default_port,omitempty"`
	ConfigFormat   string                         `json:"config_format,omitempty"`
	ChannelSupport map[ChannelType]ChannelSupport `json:"channel_support"`
}

// Clone returns a copy that shares no slices, maps or pointers with m.
func (m RuntimeMetadata) Clone() RuntimeMetadata {
	out := m
	out.Capabilities = slices.Clone(m.Capabilities)
	out.ChannelSupport = maps.Clone(m.ChannelSupport)
	if m.DefaultPort != nil {
		port := *m.DefaultPort
		out.DefaultPort = &port
	}
	return out
}

// HasCapability reports whether the metadata lists capability, ignoring case.
func (m RuntimeMetadata) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// Handle identifies one agent instance started by an adapter.
type Handle struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Runtime Runtime `json:"runtime"`
}

// HandleID derives the deterministic handle id for an agent name.
func HandleID(runtime Runtime, name string) string {
	return string(runtime) + "-" + name
}

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
	Unknown   HealthStatus = "unknown"
)

type Metrics struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	QueueDepth int     `json:"queue_depth"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Response struct {
	Content string `json:"content"`
}

type Event struct {
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// AgentConfig describes one logical agent to install and start.
type AgentConfig struct {
	Name       string            `json:"name"`
	Runtime    Runtime           `json:"runtime,omitempty"`
	Capability string            `json:"capability,omitempty"`
	Executable string            `json:"executable,omitempty"`
	Args       []string          `json:"args,omitempty"`
	Image      string            `json:"image,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Channels   []string          `json:"channels,omitempty"`
}

// RuntimeConfig is the opaque per-handle configuration document.
type RuntimeConfig map[string]any

type Skill struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

type SkillManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Source  string `json:"source"`
}

// Adapter is the control-plane contract every runtime backend satisfies.
// Health and Metrics report Unknown and zero values for handles that are
// unreachable; they fail only for handles the adapter never started.
// Subscribe returns a channel that is closed immediately when the backend
// emits no events.
type Adapter interface {
	Metadata() RuntimeMetadata
	Install(ctx context.Context, cfg AgentConfig) error
	Start(ctx context.Context, cfg AgentConfig) (Handle, error)
	Stop(ctx context.Context, h Handle) error
	Restart(ctx context.Context, h Handle) error
	Health(ctx context.Context, h Handle) (HealthStatus, error)
	Metrics(ctx context.Context, h Handle) (Metrics, error)
	Send(ctx context.Context, h Handle, msg Message) (Response, error)
	Subscribe(ctx context.Context, h Handle, event string) (<-chan Event, error)
	GetConfig(ctx context.Context, h Handle) (RuntimeConfig, error)
	SetConfig(ctx context.Context, h Handle, cfg RuntimeConfig) error
	ListSkills(ctx context.Context, h Handle) ([]Skill, error)
	InstallSkill(ctx context.Context, h Handle, skill SkillManifest) error
}
