// Package audit keeps an append-only record of control-plane actions.
package audit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event records that Actor performed Action on Target.
type Event struct {
	ID              string `json:"id"`
	Actor           string `json:"actor"`
	Action          string `json:"action"`
	Target          string `json:"target"`
	TimestampUnixMs int64  `json:"timestamp_unix_ms"`
}

// Sink persists events as they are appended.
type Sink interface {
	SaveAuditEvent(e Event) error
}

type Log struct {
	mu     sync.Mutex
	events []Event
	sink   Sink
}

func New() *Log {
	return &Log{}
}

func (l *Log) SetSink(s Sink) {
	l.mu.Lock()
	l.sink = s
	l.mu.Unlock()
}

// Restore seeds the log with previously persisted events.
func (l *Log) Restore(events []Event) {
	l.mu.Lock()
	l.events = append(append([]Event(nil), events...), l.events...)
	l.mu.Unlock()
}

// Append records an event. Order of the sequence matches the order in
// which appends acquired the lock, and the sink sees that same order.
func (l *Log) Append(actor, action, target string) Event {
	e := Event{
		ID:     uuid.New().String(),
		Actor:  actor,
		Action: action,
		Target: target,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	e.TimestampUnixMs = time.Now().UnixMilli()
	l.events = append(l.events, e)
	if l.sink != nil {
		if err := l.sink.SaveAuditEvent(e); err != nil {
			slog.Error("persist audit event failed", "action", action, "target", target, "error", err)
		}
	}
	return e
}

// List returns a copy of every event in append order.
func (l *Log) List() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
