// Package discovery keeps the set of known endpoints that may host an agent
// runtime and checks hosts for new ones.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/codervisor/clawden/internal/adapter"
	"github.com/codervisor/clawden/internal/natsbus"
	"golang.org/x/sync/semaphore"
)

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint")
	ErrNoPorts         = errors.New("no ports to scan")
)

const (
	DefaultDialTimeout = 500 * time.Millisecond
	DefaultConcurrency = 32
)

// Method records how an endpoint became known.
type Method string

const (
	Manual      Method = "manual"
	NetworkScan Method = "network_scan"
	DNSSD       Method = "dns_sd"
)

func (m Method) valid() bool {
	switch m {
	case Manual, NetworkScan, DNSSD:
		return true
	}
	return false
}

type Endpoint struct {
	Host        string          `json:"host"`
	Port        int             `json:"port"`
	Method      Method          `json:"method"`
	RuntimeHint adapter.Runtime `json:"runtime_hint,omitempty"`
	SeenAt      time.Time       `json:"seen_at"`
}

// Key is the host:port identity of an endpoint.
func (e Endpoint) Key() string {
	return Key(e.Host, e.Port)
}

func Key(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Service struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
	hints     map[int]adapter.Runtime

	dial        dialFunc
	timeout     time.Duration
	concurrency int64
	events      natsbus.Publisher
	now         func() time.Time
}

func New() *Service {
	return &Service{
		endpoints:   make(map[string]Endpoint),
		hints:       make(map[int]adapter.Runtime),
		dial:        (&net.Dialer{}).DialContext,
		timeout:     DefaultDialTimeout,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
}

func (s *Service) SetPublisher(p natsbus.Publisher) {
	s.events = p
}

// SetHints replaces the port to runtime table used to label scanned
// endpoints and to pick ports when a scan names none.
func (s *Service) SetHints(hints map[int]adapter.Runtime) {
	s.mu.Lock()
	s.hints = make(map[int]adapter.Runtime, len(hints))
	for port, rt := range hints {
		s.hints[port] = rt
	}
	s.mu.Unlock()
}

// PortHints maps each runtime's default port to the runtime.
func PortHints(meta []adapter.RuntimeMetadata) map[int]adapter.Runtime {
	hints := make(map[int]adapter.Runtime)
	for _, m := range meta {
		if m.DefaultPort != nil {
			hints[*m.DefaultPort] = m.Runtime
		}
	}
	return hints
}

// Register adds or replaces an endpoint and returns its key. An empty method
// means Manual.
func (s *Service) Register(ep Endpoint) (string, error) {
	if ep.Method == "" {
		ep.Method = Manual
	}
	if ep.Host == "" || ep.Port <= 0 || ep.Port > 65535 || !ep.Method.valid() {
		return "", fmt.Errorf("%w: %s:%d (%s)", ErrInvalidEndpoint, ep.Host, ep.Port, ep.Method)
	}
	if ep.SeenAt.IsZero() {
		ep.SeenAt = s.now()
	}

	key := ep.Key()
	s.mu.Lock()
	s.endpoints[key] = ep
	s.mu.Unlock()

	natsbus.Emit(s.events, natsbus.TopicEventsDiscovery("registered"), "endpoint_registered", ep)
	return key, nil
}

// Remove forgets the endpoint with key and reports whether it was known.
func (s *Service) Remove(key string) bool {
	s.mu.Lock()
	_, ok := s.endpoints[key]
	delete(s.endpoints, key)
	s.mu.Unlock()

	if ok {
		natsbus.Emit(s.events, natsbus.TopicEventsDiscovery("removed"), "endpoint_removed", map[string]string{"key": key})
	}
	return ok
}

// List returns every known endpoint sorted by key.
func (s *Service) List() []Endpoint {
	return s.filter(func(Endpoint) bool { return true })
}

// DNSSD returns the endpoints announced through DNS-SD.
func (s *Service) DNSSD() []Endpoint {
	return s.filter(func(e Endpoint) bool { return e.Method == DNSSD })
}

func (s *Service) filter(keep func(Endpoint) bool) []Endpoint {
	s.mu.RLock()
	out := make([]Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if keep(e) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Scan opens a TCP connection to every host and port pair and registers
// the ones that accept. With no ports it checks the hinted runtime ports.
// An endpoint that is already known keeps its method.
func (s *Service) Scan(ctx context.Context, hosts []string, ports []int) ([]Endpoint, error) {
	s.mu.RLock()
	hints := make(map[int]adapter.Runtime, len(s.hints))
	for port, rt := range s.hints {
		hints[port] = rt
	}
	s.mu.RUnlock()

	if len(ports) == 0 {
		for port := range hints {
			ports = append(ports, port)
		}
		sort.Ints(ports)
	}
	if len(ports) == 0 {
		return nil, ErrNoPorts
	}
	for _, p := range ports {
		if p <= 0 || p > 65535 {
			return nil, fmt.Errorf("%w: port %d", ErrInvalidEndpoint, p)
		}
	}

	sem := semaphore.NewWeighted(s.concurrency)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		found []Endpoint
	)
	for _, host := range hosts {
		for _, port := range ports {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return nil, err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				if !s.check(ctx, host, port) {
					return
				}
				mu.Lock()
				found = append(found, Endpoint{Host: host, Port: port, Method: NetworkScan, RuntimeHint: hints[port]})
				mu.Unlock()
			}()
		}
	}
	wg.Wait()

	out := make([]Endpoint, 0, len(found))
	for _, ep := range found {
		s.mu.RLock()
		prev, known := s.endpoints[ep.Key()]
		s.mu.RUnlock()
		if known {
			ep.Method = prev.Method
			if prev.RuntimeHint != "" {
				ep.RuntimeHint = prev.RuntimeHint
			}
		}
		ep.SeenAt = s.now()
		if _, err := s.Register(ep); err != nil {
			continue
		}
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	slog.Info("discovery scan finished", "hosts", len(hosts), "ports", len(ports), "found", len(out))
	return out, nil
}

func (s *Service) check(ctx context.Context, host string, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conn, err := s.dial(ctx, "tcp", Key(host, port))
	if err != nil {
		slog.Debug("discovery check closed", "endpoint", Key(host, port), "error", err)
		return false
	}
	_ = conn.Close()
	return true
}
