package web

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/channels"
)

// channelView is a channel config as the API shows it: credential values
// never leave the server.
type channelView struct {
	InstanceName   string              `json:"instance_name"`
	ChannelType    adapter.ChannelType `json:"channel_type"`
	CredentialKeys []string            `json:"credential_keys"`
	Options        map[string]any      `json:"options,omitempty"`
	Agents         []string            `json:"agents"`
}

func (s *Server) viewChannel(c adapter.ChannelInstanceConfig) channelView {
	keys := make([]string, 0, len(c.Credentials))
	for k := range c.Credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	agents := s.Channels.AgentsFor(c.InstanceName)
	if agents == nil {
		agents = []string{}
	}
	return channelView{
		InstanceName:   c.InstanceName,
		ChannelType:    c.ChannelType,
		CredentialKeys: keys,
		Options:        c.Options,
		Agents:         agents,
	}
}

func (s *Server) listChannels(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}

	var (
		list []adapter.ChannelInstanceConfig
		err  error
	)
	if t := r.URL.Query().Get("type"); t != "" {
		list, err = s.Channels.ListConfigsByType(t)
		if err != nil {
			jsonError(w, err.Error(), errorStatus(err))
			return
		}
	} else {
		list = s.Channels.ListConfigs()
	}

	out := make([]channelView, 0, len(list))
	for _, c := range list {
		out = append(out, s.viewChannel(c))
	}
	jsonResponse(w, out)
}

func (s *Server) upsertChannel(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}

	var body struct {
		Name        string            `json:"instance_name"`
		Type        string            `json:"channel_type"`
		Credentials map[string]string `json:"credentials"`
		Options     map[string]any    `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		jsonError(w, "instance_name is required", http.StatusBadRequest)
		return
	}

	cfg, err := s.Channels.UpsertConfig(body.Name, body.Type, body.Credentials, body.Options)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit("channel_upsert", cfg.InstanceName)
	jsonCreated(w, s.viewChannel(cfg))
}

func (s *Server) deleteChannel(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}
	name := r.PathValue("name")
	if !s.Channels.DeleteConfig(name) {
		jsonError(w, "channel not found", http.StatusNotFound)
		return
	}
	s.audit("channel_delete", name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) assignChannel(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}
	var body struct {
		AgentID  string `json:"agent_id"`
		Unassign bool   `json:"unassign"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.AgentID == "" {
		jsonError(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	name := r.PathValue("name")
	if _, ok := s.Channels.GetConfig(name); !ok {
		jsonError(w, "channel not found", http.StatusNotFound)
		return
	}
	if body.Unassign {
		s.Channels.Unassign(body.AgentID, name)
		s.audit("channel_unassign", body.AgentID+":"+name)
	} else {
		s.Channels.Assign(body.AgentID, name)
		s.audit("channel_assign", body.AgentID+":"+name)
	}
	jsonResponse(w, map[string]any{"agent_id": body.AgentID, "channels": s.Channels.Assignments(body.AgentID)})
}

func (s *Server) channelSummary(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}
	jsonResponse(w, s.Channels.Summaries())
}

func (s *Server) channelMatrix(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}
	var agents []channels.MatrixAgent
	if s.Fleet != nil {
		for _, a := range s.Fleet.List() {
			agents = append(agents, channels.MatrixAgent{AgentID: a.Handle.ID, Runtime: string(a.Handle.Runtime)})
		}
	}
	jsonResponse(w, s.Channels.BuildMatrix(agents))
}

// --- bindings ---

func (s *Server) listBindings(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}
	list := s.Channels.ListBindings()
	if list == nil {
		list = []adapter.ChannelBinding{}
	}
	jsonResponse(w, list)
}

func (s *Server) createBinding(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}
	var body struct {
		InstanceID  string `json:"instance_id"`
		ChannelType string `json:"channel_type"`
		Token       string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.InstanceID == "" || body.Token == "" {
		jsonError(w, "instance_id and token are required", http.StatusBadRequest)
		return
	}

	b, err := s.Channels.Bind(body.InstanceID, body.ChannelType, body.Token)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit("bind", b.InstanceID+":"+string(b.ChannelType))
	jsonCreated(w, b)
}

func (s *Server) releaseBinding(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}
	b, err := s.Channels.Unbind(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit("unbind", b.InstanceID+":"+string(b.ChannelType))
	jsonResponse(w, b)
}

// releaseBindingIndex releases by position in the listing order of
// GET /api/bindings.
func (s *Server) releaseBindingIndex(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}
	i, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		jsonError(w, "index must be an integer", http.StatusBadRequest)
		return
	}
	b, err := s.Channels.UnbindIndex(i)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit("unbind", b.InstanceID+":"+string(b.ChannelType))
	jsonResponse(w, b)
}

func (s *Server) bindingConflicts(w http.ResponseWriter, r *http.Request) {
	if s.Channels == nil {
		unavailable(w, "channel store")
		return
	}
	conflicts := s.Channels.DetectConflicts()
	if conflicts == nil {
		conflicts = []channels.Conflict{}
	}
	jsonResponse(w, conflicts)
}
