// Package gateway is the proxy front-end: it terminates HTTP, normalizes
// incoming OpenAI chat-completion requests, hands them to the router/loop,
// and relays results and event streams back to clients.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/capability"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/loop"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/recorder"
	"github.com/haasonsaas/relay/internal/router"
	"github.com/haasonsaas/relay/internal/toolserver"
)

// Server is the HTTP front-end.
type Server struct {
	snapshot   *config.Snapshot
	router     *router.Router
	loop       *loop.Loop
	supervisor *toolserver.Supervisor
	registry   *capability.Registry
	store      recorder.Store
	bus        *bus.Bus
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// Deps collects the server's collaborators.
type Deps struct {
	Snapshot   *config.Snapshot
	Router     *router.Router
	Loop       *loop.Loop
	Supervisor *toolserver.Supervisor
	Registry   *capability.Registry
	Store      recorder.Store
	Bus        *bus.Bus
	Logger     *observability.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// NewServer wires the front-end.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	return &Server{
		snapshot:   deps.Snapshot,
		router:     deps.Router,
		loop:       deps.Loop,
		supervisor: deps.Supervisor,
		registry:   deps.Registry,
		store:      deps.Store,
		bus:        deps.Bus,
		logger:     logger,
		metrics:    deps.Metrics,
		tracer:     deps.Tracer,
		startTime:  time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleNotFound)
	return mux
}

// Start binds the listener and serves until Shutdown. A bind failure is an
// unrecoverable startup error (process exit code 1).
func (s *Server) Start(ctx context.Context) error {
	cfg := s.snapshot.Get()
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info(ctx, "proxy front-end listening", "addr", addr)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(ctx, "http server error", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr reports the bound address (useful when the port was 0).
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeNotFound(w, requestIDFrom(r), r.URL.Path)
}
