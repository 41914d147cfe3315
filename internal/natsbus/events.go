package natsbus

import (
	"log/slog"
	"time"
)

// Publisher is the part of Client that event emitters need.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Event is the envelope published on the events.> hierarchy.
type Event struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
}

// Emit publishes an event envelope on topic. A nil publisher is a no-op and
// publish failures are logged, never returned.
func Emit(p Publisher, topic, eventType string, data any) {
	if p == nil {
		return
	}
	ev := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
	if err := p.PublishJSON(topic, ev); err != nil {
		slog.Warn("publish event failed", "topic", topic, "type", eventType, "error", err)
	}
}
