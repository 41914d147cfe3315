package web

import (
	"encoding/json"
	"net/http"

	"github.com/codervisor/clawden/internal/swarm"
)

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	if s.Swarm == nil {
		unavailable(w, "swarm coordinator")
		return
	}
	teams := s.Swarm.ListTeams()
	if teams == nil {
		teams = []swarm.Team{}
	}
	jsonResponse(w, teams)
}

func (s *Server) createTeam(w http.ResponseWriter, r *http.Request) {
	if s.Swarm == nil {
		unavailable(w, "swarm coordinator")
		return
	}
	var body swarm.Team
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	for _, m := range body.Members {
		switch m.Role {
		case swarm.RoleLeader, swarm.RoleWorker, swarm.RoleReviewer:
		default:
			jsonError(w, "invalid role: "+string(m.Role), http.StatusBadRequest)
			return
		}
	}

	team, err := s.Swarm.CreateTeam(body.Name, body.Members)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit("team_create", team.Name)
	jsonCreated(w, team)
}

func (s *Server) fanOut(w http.ResponseWriter, r *http.Request) {
	if s.Swarm == nil {
		unavailable(w, "swarm coordinator")
		return
	}
	var body struct {
		Team        string   `json:"team"`
		Description string   `json:"description"`
		Subtasks    []string `json:"subtasks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	tasks, err := s.Swarm.FanOut(body.Team, body.Description, body.Subtasks)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit("fan_out", body.Team)
	jsonCreated(w, tasks)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	if s.Swarm == nil {
		unavailable(w, "swarm coordinator")
		return
	}
	parent := r.URL.Query().Get("parent")
	tasks := s.Swarm.ListTasks(parent)
	if tasks == nil {
		tasks = []swarm.Task{}
	}
	out := map[string]any{"tasks": tasks}
	if parent != "" {
		out["complete"] = s.Swarm.IsFanOutComplete(parent)
	}
	jsonResponse(w, out)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	if s.Swarm == nil {
		unavailable(w, "swarm coordinator")
		return
	}
	s.finishTask(w, r, s.Swarm.CompleteTask, "task_complete")
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	if s.Swarm == nil {
		unavailable(w, "swarm coordinator")
		return
	}
	s.finishTask(w, r, s.Swarm.FailTask, "task_fail")
}

func (s *Server) finishTask(w http.ResponseWriter, r *http.Request, finish func(string) error, action string) {
	id := r.PathValue("id")
	if err := finish(id); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit(action, id)
	task, _ := s.Swarm.GetTask(id)
	jsonResponse(w, task)
}
