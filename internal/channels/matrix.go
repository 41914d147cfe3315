package channels

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/codervisor/clawden/internal/adapter"
)

// MatrixAgent is one column of the connection matrix.
type MatrixAgent struct {
	AgentID string `json:"agent_id"`
	Runtime string `json:"runtime"`
}

type MatrixCell struct {
	AgentID string                   `json:"agent_id"`
	Runtime string                   `json:"runtime"`
	Status  adapter.ConnectionStatus `json:"status"`
}

type MatrixRow struct {
	ChannelInstance string              `json:"channel_instance"`
	ChannelType     adapter.ChannelType `json:"channel_type"`
	Cells           []MatrixCell        `json:"cells"`
}

type Summary struct {
	ChannelType   adapter.ChannelType `json:"channel_type"`
	InstanceCount int                 `json:"instance_count"`
	Connected     int                 `json:"connected"`
	Disconnected  int                 `json:"disconnected"`
}

func (s *Store) SetStatus(agentID, instance string, status adapter.ConnectionStatus) {
	s.mu.Lock()
	prev := s.statuses[statusKey{agentID, instance}]
	s.statuses[statusKey{agentID, instance}] = status
	s.mu.Unlock()

	if prev != status {
		slog.Debug("channel status changed", "agent", agentID, "instance", instance, "status", status)
	}
}

var ErrInvalidReport = errors.New("invalid channel status report")

// StatusReport is published by a runtime about its own connection to a
// channel instance.
type StatusReport struct {
	Instance string                   `json:"instance"`
	Status   adapter.ConnectionStatus `json:"status"`
}

// ApplyReport records a JSON StatusReport sent by agentID. Reports about
// channels the agent is not assigned to are rejected.
func (s *Store) ApplyReport(agentID string, data []byte) error {
	var rep StatusReport
	if err := json.Unmarshal(data, &rep); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	switch rep.Status {
	case adapter.ConnectionConnected, adapter.ConnectionDisconnected, adapter.ConnectionRateLimited:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidReport, rep.Status)
	}

	s.mu.RLock()
	assigned := slices.Contains(s.assignments[agentID], rep.Instance)
	s.mu.RUnlock()
	if !assigned {
		return fmt.Errorf("%w: %s is not assigned to %q", ErrInvalidReport, agentID, rep.Instance)
	}

	s.SetStatus(agentID, rep.Instance, rep.Status)
	return nil
}

// Status returns the recorded status, Disconnected when none was set.
func (s *Store) Status(agentID, instance string) adapter.ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statusLocked(agentID, instance)
}

func (s *Store) statusLocked(agentID, instance string) adapter.ConnectionStatus {
	if st, ok := s.statuses[statusKey{agentID, instance}]; ok {
		return st
	}
	return adapter.ConnectionDisconnected
}

// BuildMatrix produces one row per configured channel instance, sorted by
// name, with one cell per agent in the given order.
func (s *Store) BuildMatrix(agents []MatrixAgent) []MatrixRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	configs := s.sortedConfigs("")
	rows := make([]MatrixRow, 0, len(configs))
	for _, c := range configs {
		cells := make([]MatrixCell, 0, len(agents))
		for _, a := range agents {
			cells = append(cells, MatrixCell{
				AgentID: a.AgentID,
				Runtime: a.Runtime,
				Status:  s.statusLocked(a.AgentID, c.InstanceName),
			})
		}
		rows = append(rows, MatrixRow{
			ChannelInstance: c.InstanceName,
			ChannelType:     c.ChannelType,
			Cells:           cells,
		})
	}
	return rows
}

// Summaries counts configured instances per channel type along with how
// many recorded statuses are connected (or proxied) versus not.
func (s *Store) Summaries() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := make(map[adapter.ChannelType]*Summary)
	for _, c := range s.configs {
		sum, ok := byType[c.ChannelType]
		if !ok {
			sum = &Summary{ChannelType: c.ChannelType}
			byType[c.ChannelType] = sum
		}
		sum.InstanceCount++
	}
	for key, st := range s.statuses {
		c, ok := s.configs[key.instance]
		if !ok {
			continue
		}
		sum := byType[c.ChannelType]
		switch st {
		case adapter.ConnectionConnected, adapter.ConnectionProxied:
			sum.Connected++
		default:
			sum.Disconnected++
		}
	}

	out := make([]Summary, 0, len(byType))
	for _, sum := range byType {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelType < out[j].ChannelType })
	return out
}
