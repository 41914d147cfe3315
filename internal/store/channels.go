package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/channels"
)

func (s *Store) SaveChannelConfig(cfg adapter.ChannelInstanceConfig) error {
	var creds sql.NullString
	if len(cfg.Credentials) > 0 {
		if s.vault == nil {
			slog.Warn("vault not configured, channel credentials not persisted", "instance", cfg.InstanceName)
		} else {
			sealed, err := s.vault.SealCredentials(cfg.Credentials)
			if err != nil {
				return fmt.Errorf("seal credentials: %w", err)
			}
			creds = sql.NullString{String: sealed, Valid: true}
		}
	}

	var opts sql.NullString
	if len(cfg.Options) > 0 {
		data, err := json.Marshal(cfg.Options)
		if err != nil {
			return fmt.Errorf("marshal options: %w", err)
		}
		opts = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO channel_configs (instance_name, channel_type, credentials, options, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(instance_name) DO UPDATE SET
			channel_type = excluded.channel_type,
			credentials = excluded.credentials,
			options = excluded.options,
			updated_at = CURRENT_TIMESTAMP`,
		cfg.InstanceName, string(cfg.ChannelType), creds, opts)
	if err != nil {
		return fmt.Errorf("save channel config: %w", err)
	}
	return nil
}

func (s *Store) DeleteChannelConfig(name string) error {
	if _, err := s.db.Exec(`DELETE FROM channel_configs WHERE instance_name = ?`, name); err != nil {
		return fmt.Errorf("delete channel config: %w", err)
	}
	return nil
}

func (s *Store) ListChannelConfigs() ([]adapter.ChannelInstanceConfig, error) {
	rows, err := s.db.Query(`SELECT instance_name, channel_type, credentials, options FROM channel_configs ORDER BY instance_name`)
	if err != nil {
		return nil, fmt.Errorf("list channel configs: %w", err)
	}
	defer rows.Close()

	var out []adapter.ChannelInstanceConfig
	for rows.Next() {
		var (
			c             adapter.ChannelInstanceConfig
			ct            string
			creds, optsJS sql.NullString
		)
		if err := rows.Scan(&c.InstanceName, &ct, &creds, &optsJS); err != nil {
			return nil, fmt.Errorf("scan channel config: %w", err)
		}
		c.ChannelType = adapter.ChannelType(ct)
		if creds.Valid && s.vault != nil {
			opened, err := s.vault.OpenCredentials(creds.String)
			if err != nil {
				return nil, fmt.Errorf("open credentials for %s: %w", c.InstanceName, err)
			}
			c.Credentials = opened
		}
		if optsJS.Valid {
			if err := json.Unmarshal([]byte(optsJS.String), &c.Options); err != nil {
				return nil, fmt.Errorf("unmarshal options for %s: %w", c.InstanceName, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) SaveBinding(b adapter.ChannelBinding) error {
	_, err := s.db.Exec(`
		INSERT INTO channel_bindings (id, instance_id, channel_type, token_hash, status, bound_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			bound_at_unix_ms = excluded.bound_at_unix_ms`,
		b.ID, b.InstanceID, string(b.ChannelType), b.TokenHash, string(b.Status), b.BoundAtUnixMs)
	if err != nil {
		return fmt.Errorf("save binding: %w", err)
	}
	return nil
}

func (s *Store) ListBindings() ([]adapter.ChannelBinding, error) {
	rows, err := s.db.Query(`SELECT id, instance_id, channel_type, token_hash, status, bound_at_unix_ms FROM channel_bindings ORDER BY bound_at_unix_ms, id`)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []adapter.ChannelBinding
	for rows.Next() {
		var b adapter.ChannelBinding
		var ct, status string
		if err := rows.Scan(&b.ID, &b.InstanceID, &ct, &b.TokenHash, &status, &b.BoundAtUnixMs); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.ChannelType = adapter.ChannelType(ct)
		b.Status = adapter.BindingStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}

// SaveAssignments replaces the agent's assignment list.
func (s *Store) SaveAssignments(agentID string, names []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM channel_assignments WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("clear assignments: %w", err)
	}
	for i, n := range names {
		if _, err := tx.Exec(`INSERT INTO channel_assignments (agent_id, instance_name, position) VALUES (?, ?, ?)`, agentID, n, i); err != nil {
			return fmt.Errorf("insert assignment: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListAssignments() (map[string][]string, error) {
	rows, err := s.db.Query(`SELECT agent_id, instance_name FROM channel_assignments ORDER BY agent_id, position`)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var agent, name string
		if err := rows.Scan(&agent, &name); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		out[agent] = append(out[agent], name)
	}
	return out, rows.Err()
}

// LoadChannels reads everything the channel store needs at startup.
func (s *Store) LoadChannels() (channels.Snapshot, error) {
	var snap channels.Snapshot
	var err error
	if snap.Configs, err = s.ListChannelConfigs(); err != nil {
		return snap, err
	}
	if snap.Bindings, err = s.ListBindings(); err != nil {
		return snap, err
	}
	if snap.Assignments, err = s.ListAssignments(); err != nil {
		return snap, err
	}
	return snap, nil
}

var _ channels.Persister = (*Store)(nil)
