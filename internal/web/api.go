package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/channels"
	"github.com/codervisor/clawden/internal/discovery"
	"github.com/codervisor/clawden/internal/fleet"
	"github.com/codervisor/clawden/internal/lifecycle"
	"github.com/codervisor/clawden/internal/process"
	"github.com/codervisor/clawden/internal/registry"
	"github.com/codervisor/clawden/internal/swarm"
)

const (
	actor           = "web"
	defaultLogLines = 100
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Runtimes and fleet
	mux.HandleFunc("GET /api/runtimes", s.listRuntimes)
	mux.HandleFunc("GET /api/fleet", s.listFleet)
	mux.HandleFunc("POST /api/fleet/deploy", s.deployAgent)
	mux.HandleFunc("GET /api/fleet/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/fleet/{id}", s.removeAgent)
	mux.HandleFunc("GET /api/fleet/{id}/health", s.agentHealth)
	mux.HandleFunc("POST /api/fleet/{id}/stop", s.stopAgent)
	mux.HandleFunc("POST /api/fleet/{id}/restart", s.restartAgent)
	mux.HandleFunc("POST /api/fleet/{id}/send", s.sendToAgent)
	mux.HandleFunc("GET /api/fleet/{id}/metrics", s.agentMetrics)
	mux.HandleFunc("GET /api/fleet/{id}/config", s.getAgentConfig)
	mux.HandleFunc("PUT /api/fleet/{id}/config", s.setAgentConfig)
	mux.HandleFunc("GET /api/fleet/{id}/skills", s.listSkills)
	mux.HandleFunc("POST /api/fleet/{id}/skills", s.installSkill)
	mux.HandleFunc("GET /api/fleet/{id}/events", s.agentEvents)

	// Direct-mode processes
	mux.HandleFunc("GET /api/processes", s.listProcesses)
	mux.HandleFunc("GET /api/processes/{runtime}/logs", s.processLogs)
	mux.HandleFunc("POST /api/processes/{runtime}/stop", s.stopProcess)

	// Channels
	mux.HandleFunc("GET /api/channels", s.listChannels)
	mux.HandleFunc("POST /api/channels", s.upsertChannel)
	mux.HandleFunc("DELETE /api/channels/{name}", s.deleteChannel)
	mux.HandleFunc("GET /api/channels/summary", s.channelSummary)
	mux.HandleFunc("GET /api/channels/matrix", s.channelMatrix)
	mux.HandleFunc("POST /api/channels/{name}/assign", s.assignChannel)

	// Bindings
	mux.HandleFunc("GET /api/bindings", s.listBindings)
	mux.HandleFunc("POST /api/bindings", s.createBinding)
	mux.HandleFunc("POST /api/bindings/{id}/release", s.releaseBinding)
	mux.HandleFunc("POST /api/bindings/index/{index}/release", s.releaseBindingIndex)
	mux.HandleFunc("GET /api/bindings/conflicts", s.bindingConflicts)

	// Swarm
	mux.HandleFunc("GET /api/swarm/teams", s.listTeams)
	mux.HandleFunc("POST /api/swarm/teams", s.createTeam)
	mux.HandleFunc("POST /api/swarm/fanout", s.fanOut)
	mux.HandleFunc("GET /api/swarm/tasks", s.listTasks)
	mux.HandleFunc("POST /api/swarm/tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /api/swarm/tasks/{id}/fail", s.failTask)

	// Discovery
	mux.HandleFunc("GET /api/discovery/endpoints", s.listEndpoints)
	mux.HandleFunc("POST /api/discovery/endpoints", s.registerEndpoint)
	mux.HandleFunc("DELETE /api/discovery/endpoints", s.removeEndpoint)
	mux.HandleFunc("POST /api/discovery/scan", s.scanEndpoints)

	// System
	mux.HandleFunc("GET /api/audit", s.listAudit)
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) audit(action, target string) {
	if s.Audit != nil {
		s.Audit.Append(actor, action, target)
	}
}

func unavailable(w http.ResponseWriter, what string) {
	jsonError(w, what+" not available", http.StatusServiceUnavailable)
}

// --- runtimes & fleet ---

func (s *Server) listRuntimes(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		unavailable(w, "registry")
		return
	}
	jsonResponse(w, s.Registry.DetectAvailable())
}

func (s *Server) listFleet(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	jsonResponse(w, map[string]any{
		"agents":  s.Fleet.List(),
		"summary": s.Fleet.Status(),
	})
}

type deployRequest struct {
	Name       string            `json:"name"`
	Runtime    string            `json:"runtime"`
	Capability string            `json:"capability"`
	Executable string            `json:"executable"`
	Args       []string          `json:"args"`
	Image      string            `json:"image"`
	Env        map[string]string `json:"env"`
	Channels   []string          `json:"channels"`
}

func (s *Server) deployAgent(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}

	var body deployRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}

	cfg := adapter.AgentConfig{
		Name:       body.Name,
		Capability: body.Capability,
		Executable: body.Executable,
		Args:       body.Args,
		Image:      body.Image,
		Env:        body.Env,
		Channels:   body.Channels,
	}
	if body.Runtime != "" {
		rt, err := adapter.ParseRuntime(body.Runtime)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		cfg.Runtime = rt
	}

	a, err := s.Fleet.Deploy(r.Context(), cfg)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	if s.Channels != nil {
		for _, ch := range cfg.Channels {
			s.Channels.Assign(a.Handle.ID, ch)
		}
	}

	jsonCreated(w, a)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	a, err := s.Fleet.Get(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, a)
}

func (s *Server) agentHealth(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	id := r.PathValue("id")
	status, err := s.Fleet.Health(r.Context(), id)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]any{"id": id, "health": status})
}

func (s *Server) stopAgent(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	id := r.PathValue("id")
	if err := s.Fleet.Stop(r.Context(), id); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "stopped"})
}

func (s *Server) removeAgent(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	id := r.PathValue("id")
	if err := s.Fleet.Remove(id); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	if s.Channels != nil {
		for _, name := range s.Channels.Assignments(id) {
			s.Channels.Unassign(id, name)
		}
	}
	jsonResponse(w, map[string]string{"status": "removed"})
}

func (s *Server) restartAgent(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	id := r.PathValue("id")
	if err := s.Fleet.Restart(r.Context(), id); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "running"})
}

func (s *Server) sendToAgent(w http.ResponseWriter, r *http.Request) {
	if s.Fleet == nil {
		unavailable(w, "fleet")
		return
	}
	var body adapter.Message
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}
	if body.Role == "" {
		body.Role = "user"
	}
	resp, err := s.Fleet.Send(r.Context(), r.PathValue("id"), body)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, resp)
}

// --- processes ---

func (s *Server) listProcesses(w http.ResponseWriter, r *http.Request) {
	if s.Processes == nil {
		unavailable(w, "process manager")
		return
	}
	statuses, err := s.Processes.ListStatuses()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if statuses == nil {
		statuses = []process.Status{}
	}
	jsonResponse(w, statuses)
}

func (s *Server) processLogs(w http.ResponseWriter, r *http.Request) {
	if s.Processes == nil {
		unavailable(w, "process manager")
		return
	}
	lines := defaultLogLines
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, "lines must be a positive integer", http.StatusBadRequest)
			return
		}
		lines = n
	}
	rt := r.PathValue("runtime")
	out, err := s.Processes.TailLogs(rt, lines)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"runtime": rt, "logs": out})
}

func (s *Server) stopProcess(w http.ResponseWriter, r *http.Request) {
	if s.Processes == nil {
		unavailable(w, "process manager")
		return
	}
	rt := r.PathValue("runtime")
	if err := s.Processes.Stop(rt); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit("process_stop", rt)
	jsonResponse(w, map[string]string{"status": "stopped"})
}

// --- system ---

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		unavailable(w, "audit log")
		return
	}
	jsonResponse(w, s.Audit.List())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"clients": s.hub.Len(),
	}
	if s.Fleet != nil {
		out["fleet"] = s.Fleet.Status()
	}
	if s.Registry != nil {
		out["runtimes"] = s.Registry.List()
	}
	jsonResponse(w, out)
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, fleet.ErrAgentNotFound),
		errors.Is(err, registry.ErrAdapterNotFound),
		errors.Is(err, adapter.ErrHandleNotFound),
		errors.Is(err, channels.ErrBindingNotFound),
		errors.Is(err, swarm.ErrTeamNotFound),
		errors.Is(err, swarm.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrAgentExists),
		errors.Is(err, fleet.ErrAgentLive),
		errors.Is(err, channels.ErrTokenBound),
		errors.Is(err, swarm.ErrTeamExists),
		errors.Is(err, lifecycle.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrNoRuntime),
		errors.Is(err, swarm.ErrNoWorkers),
		errors.Is(err, adapter.ErrUnknownChannelType),
		errors.Is(err, adapter.ErrUnknownRuntime),
		errors.Is(err, process.ErrInvalidRuntime),
		errors.Is(err, discovery.ErrInvalidEndpoint),
		errors.Is(err, discovery.ErrNoPorts):
		return http.StatusBadRequest
	case errors.Is(err, adapter.ErrBackendUnreachable),
		errors.Is(err, adapter.ErrNotImplemented):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonCreated(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
