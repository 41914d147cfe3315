// Package container runs runtimes in Docker mode.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const labelPrefix = "clawden"

type Manager struct {
	docker      *client.Client
	networkName string
	mu          sync.RWMutex
	active      map[string]*Info // agentID → container
	networkOK   bool
}

type Info struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Runtime   string    `json:"runtime"`
	Name      string    `json:"name"`
	Image     string    `json:"image"`
	StartedAt time.Time `json:"started_at"`
}

// Spec describes the container for one agent.
type Spec struct {
	AgentID string
	Runtime string
	Image   string
	NATSUrl string
	Env     map[string]string
	Mounts  []Mount
	Args    []string
}

func NewManager(networkName string) (*Manager, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if networkName == "" {
		networkName = "clawden-net"
	}

	return &Manager{
		docker:      docker,
		networkName: networkName,
		active:      make(map[string]*Info),
	}, nil
}

func (m *Manager) Close() error {
	return m.docker.Close()
}

func (m *Manager) ensureNetwork(ctx context.Context) error {
	if m.networkOK {
		return nil
	}

	if _, err := m.docker.NetworkInspect(ctx, m.networkName, network.InspectOptions{}); err == nil {
		m.networkOK = true
		return nil
	}

	if _, err := m.docker.NetworkCreate(ctx, m.networkName, network.CreateOptions{Driver: "bridge"}); err != nil {
		return fmt.Errorf("create network %s: %w", m.networkName, err)
	}
	m.networkOK = true
	slog.Info("created docker network", "network", m.networkName)
	return nil
}

// EnsureImage pulls image unless it is already present locally.
func (m *Manager) EnsureImage(ctx context.Context, image string) error {
	if _, err := m.docker.ImageInspect(ctx, image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", image, err)
	}

	rc, err := m.docker.ImagePull(ctx, image, dockerimage.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	defer rc.Close()
	if err := drainProgress(rc); err != nil {
		return fmt.Errorf("pull image %s: %w", image, err)
	}
	slog.Info("runtime image pulled", "image", image)
	return nil
}

func containerName(agentID string) string {
	return fmt.Sprintf("clawden-%s", agentID)
}

// Start creates and starts the agent's container, replacing any stale
// container with the same name. Starting an agent that is already active
// returns the existing container.
func (m *Manager) Start(ctx context.Context, spec Spec) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.active[spec.AgentID]; ok {
		return existing, nil
	}

	if err := m.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	name := containerName(spec.AgentID)
	timeout := 5
	_ = m.docker.ContainerStop(ctx, name, dockercontainer.StopOptions{Timeout: &timeout})
	_ = m.docker.ContainerRemove(ctx, name, dockercontainer.RemoveOptions{Force: true})

	containerCfg := &dockercontainer.Config{
		Image: spec.Image,
		Cmd:   spec.Args,
		Env:   buildEnv(spec),
		Labels: map[string]string{
			labelPrefix + ".managed": "true",
			labelPrefix + ".agent":   spec.AgentID,
			labelPrefix + ".runtime": spec.Runtime,
		},
	}
	hostCfg := &dockercontainer.HostConfig{
		Binds:       buildBinds(spec.Mounts),
		NetworkMode: dockercontainer.NetworkMode(m.networkName),
	}

	resp, err := m.docker.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := m.docker.ContainerStart(ctx, resp.ID, dockercontainer.StartOptions{}); err != nil {
		_ = m.docker.ContainerRemove(ctx, resp.ID, dockercontainer.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	info := &Info{
		ID:        resp.ID,
		AgentID:   spec.AgentID,
		Runtime:   spec.Runtime,
		Name:      name,
		Image:     spec.Image,
		StartedAt: time.Now(),
	}
	m.active[spec.AgentID] = info

	slog.Info("runtime container started", "agent", spec.AgentID, "container", shortID(resp.ID))
	return info, nil
}

// Stop stops and removes the agent's container. Unknown agents are a no-op.
func (m *Manager) Stop(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.active[agentID]
	if !ok {
		return nil
	}

	timeout := 10
	if err := m.docker.ContainerStop(ctx, info.ID, dockercontainer.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("failed to stop container gracefully", "container", shortID(info.ID), "error", err)
	}
	if err := m.docker.ContainerRemove(ctx, info.ID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		slog.Warn("failed to remove container", "container", shortID(info.ID), "error", err)
	}

	delete(m.active, agentID)
	slog.Info("runtime container stopped", "agent", agentID)
	return nil
}

func (m *Manager) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Stop(ctx, id)
	}
}

func (m *Manager) Get(agentID string) *Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[agentID]
}

// Running inspects the agent's container.
func (m *Manager) Running(ctx context.Context, agentID string) (bool, error) {
	info := m.Get(agentID)
	if info == nil {
		return false, nil
	}
	resp, err := m.docker.ContainerInspect(ctx, info.ID)
	if err != nil {
		return false, fmt.Errorf("inspect container: %w", err)
	}
	return resp.State != nil && resp.State.Running, nil
}

// Stats samples CPU percent and memory usage in MB once.
func (m *Manager) Stats(ctx context.Context, agentID string) (cpuPercent, memoryMB float64, err error) {
	info := m.Get(agentID)
	if info == nil {
		return 0, 0, nil
	}
	resp, err := m.docker.ContainerStatsOneShot(ctx, info.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var stats dockercontainer.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, 0, fmt.Errorf("decode stats: %w", err)
	}
	return cpuPercentOf(stats), float64(stats.MemoryStats.Usage) / (1024 * 1024), nil
}

func cpuPercentOf(s dockercontainer.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100
}

// CleanupStale removes managed containers left behind by an earlier run.
func (m *Manager) CleanupStale(ctx context.Context) error {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", labelPrefix+".managed=true")

	containers, err := m.docker.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}

	m.mu.RLock()
	activeIDs := make(map[string]bool)
	for _, info := range m.active {
		activeIDs[info.ID] = true
	}
	m.mu.RUnlock()

	for _, c := range containers {
		if !activeIDs[c.ID] {
			slog.Info("cleaning up stale container", "container", shortID(c.ID))
			_ = m.docker.ContainerRemove(ctx, c.ID, dockercontainer.RemoveOptions{Force: true})
		}
	}
	return nil
}

func buildEnv(spec Spec) []string {
	env := []string{
		fmt.Sprintf("CLAWDEN_AGENT_ID=%s", spec.AgentID),
		fmt.Sprintf("CLAWDEN_RUNTIME=%s", spec.Runtime),
	}
	if spec.NATSUrl != "" {
		env = append(env, fmt.Sprintf("CLAWDEN_NATS_URL=%s", spec.NATSUrl))
	}
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%s=%s", k, spec.Env[k]))
	}
	return env
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
