package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/duartenfonseca/vsomeip/command"
	"github.com/duartenfonseca/vsomeip/health"
	"github.com/duartenfonseca/vsomeip/subscription"
)

// View is the slice of proxy state the gateway renders.
type View interface {
	State() string
	ClientID() command.ClientID
	OfferedServices() []command.ServiceKey
	SubscriptionStates() map[command.SubscriptionKey]subscription.State
}

// Server serves the debug endpoints and the websocket event stream.
type Server struct {
	addr    string
	view    View
	monitor *health.Monitor
	hub     *Hub
	logger  *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates a gateway bound to addr (e.g. ":9464"). monitor may
// be nil, in which case /health reports only the proxy state.
func NewServer(addr string, view View, monitor *health.Monitor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		view:    view,
		monitor: monitor,
		hub:     NewHub(logger),
		logger:  logger,
	}
}

// Hub returns the event hub callers publish lifecycle events into.
func (s *Server) Hub() *Hub { return s.hub }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/offered-services", s.handleOfferedServices)
	mux.HandleFunc("/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/events", s.hub.HandleWebsocket)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server stopped", "error", err)
		}
	}()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Addr reports the bound address, for tests using ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, closing every websocket client.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"state":  s.view.State(),
		"client": fmt.Sprintf("%04x", uint16(s.view.ClientID())),
	}
	if s.monitor != nil {
		resp["components"] = s.monitor.GetAll()
		resp["aggregate"] = s.monitor.AggregateHealth("proxy")
	}
	writeJSON(w, resp)
}

func (s *Server) handleOfferedServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type offered struct {
		Service  string `json:"service"`
		Instance string `json:"instance"`
		Major    uint8  `json:"major"`
		Minor    uint32 `json:"minor"`
	}
	var out []offered
	for _, k := range s.view.OfferedServices() {
		out = append(out, offered{
			Service:  fmt.Sprintf("%04x", k.Service),
			Instance: fmt.Sprintf("%04x", k.Instance),
			Major:    k.Major,
			Minor:    k.Minor,
		})
	}
	writeJSON(w, map[string]any{"offered": out})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type sub struct {
		Service    string `json:"service"`
		Instance   string `json:"instance"`
		Eventgroup string `json:"eventgroup"`
		Event      string `json:"event"`
		State      string `json:"state"`
	}
	var out []sub
	for k, st := range s.view.SubscriptionStates() {
		out = append(out, sub{
			Service:    fmt.Sprintf("%04x", k.Service),
			Instance:   fmt.Sprintf("%04x", k.Instance),
			Eventgroup: fmt.Sprintf("%04x", k.Eventgroup),
			Event:      fmt.Sprintf("%04x", k.Event),
			State:      st.String(),
		})
	}
	writeJSON(w, map[string]any{"subscriptions": out})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
