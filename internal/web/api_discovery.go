package web

import (
	"encoding/json"
	"net/http"

	"github.com/codervisor/clawden/internal/discovery"
)

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.Discovery == nil {
		unavailable(w, "discovery")
		return
	}
	if r.URL.Query().Get("method") == string(discovery.DNSSD) {
		jsonResponse(w, s.Discovery.DNSSD())
		return
	}
	jsonResponse(w, s.Discovery.List())
}

func (s *Server) registerEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.Discovery == nil {
		unavailable(w, "discovery")
		return
	}
	var body discovery.Endpoint
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	key, err := s.Discovery.Register(body)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit("endpoint_register", key)
	jsonCreated(w, map[string]string{"key": key})
}

func (s *Server) removeEndpoint(w http.ResponseWriter, r *http.Request) {
	if s.Discovery == nil {
		unavailable(w, "discovery")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		jsonError(w, "key is required", http.StatusBadRequest)
		return
	}
	if !s.Discovery.Remove(key) {
		jsonError(w, "endpoint not found: "+key, http.StatusNotFound)
		return
	}
	s.audit("endpoint_remove", key)
	jsonResponse(w, map[string]string{"status": "removed"})
}

func (s *Server) scanEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.Discovery == nil {
		unavailable(w, "discovery")
		return
	}
	var body struct {
		Hosts []string `json:"hosts"`
		Ports []int    `json:"ports"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Hosts) == 0 {
		jsonError(w, "hosts are required", http.StatusBadRequest)
		return
	}
	found, err := s.Discovery.Scan(r.Context(), body.Hosts, body.Ports)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	s.audit("endpoint_scan", "")
	jsonResponse(w, found)
}
