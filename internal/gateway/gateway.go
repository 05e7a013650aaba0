// Package gateway serves the loopback admin surface of a running daemon:
// health, status, Prometheus metrics and a websocket event stream. It
// binds to loopback and carries no credentials; anything that can reach
// it already shares the user account.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/halvard/mimir/internal/observability"
)

// StatusFunc produces the payload for the /status endpoint.
type StatusFunc func(ctx context.Context) (interface{}, error)

// Config configures a Server.
type Config struct {
	Host string
	Port int
	// Status is called per /status request.
	Status StatusFunc
	Logger zerolog.Logger
}

// Server is the admin gateway. Create with NewServer, then Start and Stop.
type Server struct {
	host   string
	port   int
	status StatusFunc
	logger zerolog.Logger

	hub      *hub
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	listener net.Listener
	server   *http.Server
	stopping bool
}

// NewServer validates cfg and builds a Server. Port 0 binds an ephemeral
// port; Addr reports the one chosen.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("gateway: invalid port %d", cfg.Port)
	}
	if cfg.Status == nil {
		return nil, errors.New("gateway: status func is required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	return &Server{
		host:   cfg.Host,
		port:   cfg.Port,
		status: cfg.Status,
		logger: logger,
		hub:    newHub(logger),
		upgrader: websocket.Upgrader{
			// Loopback listener; an origin check would add nothing.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Start binds the listener and begins serving. The bind happens
// synchronously so an occupied port fails here, not in a goroutine log.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/ws", s.handleWS)

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("gateway: listen: %w", err)
	}

	server := &http.Server{Handler: mux}

	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.stopping = false
	s.mu.Unlock()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Admin gateway listening")

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin gateway serve error")
		}
	}()
	return nil
}

// Stop announces the shutdown on the event stream, disconnects clients
// and shuts the HTTP server down within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.stopping = true
	s.mu.Unlock()

	if server == nil {
		return nil
	}

	s.hub.broadcast("server.shutdown", map[string]interface{}{"message": "daemon is shutting down"})
	s.hub.closeAll()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	s.logger.Info().Msg("Admin gateway stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the http URL of the bound gateway, or "" before Start.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return ""
	}
	return "http://" + addr
}

// Broadcast publishes one event to every connected stream client.
func (s *Server) Broadcast(event string, data interface{}) {
	s.hub.broadcast(event, data)
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	return s.hub.count()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload, err := s.status(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		s.logger.Error().Err(err).Msg("Status probe failed")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode status response")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stopping := s.stopping
	s.mu.RUnlock()
	if stopping {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade event stream connection")
		return
	}

	client := s.hub.add(conn)

	// The stream is one-way. The read loop only notices the peer leaving.
	go func() {
		defer s.hub.remove(client.id)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
