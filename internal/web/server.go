// Package web serves the JSON control API and the live event stream.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codervisor/clawden/internal/audit"
	"github.com/codervisor/clawden/internal/channels"
	"github.com/codervisor/clawden/internal/config"
	"github.com/codervisor/clawden/internal/discovery"
	"github.com/codervisor/clawden/internal/fleet"
	"github.com/codervisor/clawden/internal/natsbus"
	"github.com/codervisor/clawden/internal/process"
	"github.com/codervisor/clawden/internal/registry"
	"github.com/codervisor/clawden/internal/swarm"
	"github.com/nats-io/nats.go"
)

// Processes is the view of the direct-mode process manager the API needs.
type Processes interface {
	ListStatuses() ([]process.Status, error)
	TailLogs(runtime string, n int) (string, error)
	Stop(runtime string) error
}

// Deps are the orchestration components the API exposes. Any of them may
// be nil, in which case the matching routes answer 503.
type Deps struct {
	Registry  *registry.Registry
	Fleet     *fleet.Fleet
	Processes Processes
	Channels  *channels.Store
	Swarm     *swarm.Coordinator
	Audit     *audit.Log
	Discovery *discovery.Service
	NATS      *natsbus.Client
}

type Server struct {
	Deps
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time
}

func NewServer(cfg config.WebConfig, d Deps, version string) *Server {
	return &Server{
		Deps:      d,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
	}
}

// Handler returns the routed API with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)
	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	// Subscribe to NATS events and broadcast to WebSocket
	sub := s.subscribeEvents()
	if sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" && !s.checkAuth(w, r) {
			return
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth validates Basic Auth against the configured password.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if _, pass, ok := r.BasicAuth(); ok && subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1 {
		return true
	}
	w.Header().Set("WWW-Authenticate", `Basic realm="clawden"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) subscribeEvents() *nats.Subscription {
	if s.NATS == nil {
		return nil
	}

	// Forward all event topics to WebSocket
	sub, err := s.NATS.Subscribe(natsbus.TopicEventsAll, func(msg *nats.Msg) {
		var ev natsbus.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			slog.Warn("invalid NATS event payload", "topic", msg.Subject, "error", err)
			return
		}
		s.hub.Broadcast(Event{
			Topic:     msg.Subject,
			Type:      ev.Type,
			Timestamp: ev.Timestamp,
			Payload:   ev.Data,
		})
	})
	if err != nil {
		slog.Error("web event subscription failed", "error", err)
		return nil
	}
	return sub
}
