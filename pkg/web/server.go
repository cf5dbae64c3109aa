package web

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/config"
	"github.com/dbehnke/cs-controller/pkg/logger"
)

// StatusInterval is how often connection snapshots are pushed to
// dashboard clients.
const StatusInterval = 2 * time.Second

// Server serves the dashboard API and the live result stream
type Server struct {
	config config.WebConfig
	logger *logger.Logger
	hub    *WebSocketHub
	api    *API

	mu   sync.RWMutex
	addr string
}

// NewServer creates a new web server instance
func NewServer(cfg config.WebConfig, log *logger.Logger) *Server {
	log = log.WithComponent("web")
	return &Server{
		config: cfg,
		logger: log,
		hub:    NewWebSocketHub(log),
		api:    NewAPI(log),
	}
}

// Start serves until ctx ends. It returns nil at once when the server is
// disabled, and ctx.Err() after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Web server is disabled")
		return nil
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)))
	if err != nil {
		return errors.Wrap(err, "can't listen")
	}
	s.mu.Lock()
	s.addr = listener.Addr().String()
	s.mu.Unlock()

	go s.hub.Run(ctx)
	go s.publishStatus(ctx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.logger.Info("Web server listening", logger.String("address", s.GetAddr()))

	errc := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "web server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "can't shut down web server")
	}
	s.logger.Info("Web server stopped")
	return ctx.Err()
}

// publishStatus streams the connection table while clients are attached.
func (s *Server) publishStatus(ctx context.Context) {
	t := time.NewTicker(StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if s.hub.GetClientCount() == 0 {
			continue
		}
		conns, err := s.api.connections()
		if err != nil {
			s.logger.Debug("No connection snapshot", logger.Error(err))
			continue
		}
		s.hub.BroadcastConnections(conns)
	}
}

// Handler returns the router serving every endpoint
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.api.HandleStatus)
	mux.HandleFunc("/api/connections", s.api.HandleConnections)
	mux.HandleFunc("/api/procedures", s.api.HandleProcedures)
	mux.Handle("/ws", s.hub.Handler())
	return mux
}

// GetAddr returns the address the server is listening on
func (s *Server) GetAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// GetHub returns the WebSocket hub
func (s *Server) GetHub() *WebSocketHub {
	return s.hub
}

// GetAPI returns the REST API so its data sources can be set
func (s *Server) GetAPI() *API {
	return s.api
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.api.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"service":           "cs-controller",
		"engine_attached":   s.api.hasConnectionSource(),
		"dashboard_clients": s.hub.GetClientCount(),
		"time":              time.Now().Unix(),
	})
}
