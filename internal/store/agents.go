package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/fleet"
	"github.com/codervisor/clawden/internal/lifecycle"
)

func (s *Store) SaveAgent(a fleet.Agent) error {
	data, err := json.Marshal(a.Config)
	if err != nil {
		return fmt.Errorf("marshal agent config: %w", err)
	}
	updated := a.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO agents (id, name, runtime, state, config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			runtime = excluded.runtime,
			state = excluded.state,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		a.Handle.ID, a.Handle.Name, string(a.Handle.Runtime), string(a.State), string(data), updated.UTC())
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) DeleteAgent(id string) error {
	if _, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

func (s *Store) ListAgents() ([]fleet.Agent, error) {
	rows, err := s.db.Query(`SELECT id, name, runtime, state, config, updated_at FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []fleet.Agent
	for rows.Next() {
		var a fleet.Agent
		var runtime, state string
		var cfg sql.NullString
		if err := rows.Scan(&a.Handle.ID, &a.Handle.Name, &runtime, &state, &cfg, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Handle.Runtime = adapter.Runtime(runtime)
		a.State = lifecycle.State(state)
		a.Health = adapter.Unknown
		if cfg.Valid {
			if err := json.Unmarshal([]byte(cfg.String), &a.Config); err != nil {
				return nil, fmt.Errorf("unmarshal agent config %s: %w", a.Handle.ID, err)
			}
			a.Channels = a.Config.Channels
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

var _ fleet.Persister = (*Store)(nil)
