package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/gorilla/websocket"
)

func (s *Server) agentMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	m, err := s.Fleet.Metrics(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, m)
}

func (s *Server) getAgentConfig(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	cfg, err := s.Fleet.Config(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	if cfg == nil {
		cfg = adapter.RuntimeConfig{}
	}
	jsonResponse(w, cfg)
}

func (s *Server) setAgentConfig(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	var body adapter.RuntimeConfig
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	if err := s.Fleet.SetConfig(r.Context(), id, body); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.getAgentConfig(w, r)
}

func (s *Server) listSkills(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	skills, err := s.Fleet.Skills(r.Context(), r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	if skills == nil {
		skills = []adapter.Skill{}
	}
	jsonResponse(w, skills)
}

func (s *Server) installSkill(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	var body adapter.SkillManifest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	if err := s.Fleet.InstallSkill(r.Context(), r.PathValue("id"), body); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonCreated(w, adapter.Skill{Name: body.Name, Version: body.Version, Enabled: true})
}

// agentEvents streams one agent's runtime events over a websocket.
// ?event= picks the event type and defaults to "output". The socket closes
// when the runtime's stream ends.
func (s *Server) agentEvents(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	id := r.PathValue("id")
	if _, err := s.Fleet.Get(id); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	event := r.URL.Query().Get("event")
	if event == "" {
		event = "output"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := contextWithDisconnect(r, conn)
	defer cancel()

	events, err := s.Fleet.Subscribe(ctx, id, event)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()), time.Now().Add(writeWait))
		return
	}

	for ev := range events {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(Event{
			Topic:     "agent." + id + ".events." + ev.Type,
			Type:      ev.Type,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Payload:   json.RawMessage(rawOrString(ev.Data)),
		}); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"), time.Now().Add(writeWait))
}

// rawOrString passes JSON payloads through and quotes anything else.
func rawOrString(data []byte) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	if json.Valid(data) {
		return data
	}
	quoted, _ := json.Marshal(string(data))
	return quoted
}
