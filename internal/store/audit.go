package store

import (
	"fmt"

	"github.com/codervisor/clawden/internal/audit"
)

func (s *Store) SaveAuditEvent(e audit.Event) error {
	_, err := s.db.Exec(`INSERT INTO audit_events (id, actor, action, target, timestamp_ms) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.Actor, e.Action, e.Target, e.TimestampUnixMs)
	if err != nil {
		return fmt.Errorf("save audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns up to limit of the most recent events in append
// order. A non-positive limit returns everything.
func (s *Store) ListAuditEvents(limit int) ([]audit.Event, error) {
	query := `SELECT id, actor, action, target, timestamp_ms FROM (
		SELECT seq, id, actor, action, target, timestamp_ms FROM audit_events ORDER BY seq DESC LIMIT ?
	) ORDER BY seq`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var e audit.Event
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.TimestampUnixMs); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ audit.Sink = (*Store)(nil)
