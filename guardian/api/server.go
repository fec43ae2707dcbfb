package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the server settings and the services behind the routes.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Moderation   Moderator
	Incidents    IncidentReader
	Submitter    Submitter
	Resubmitter  Resubmitter
	Health       func(ctx context.Context) error // optional readiness check
	LedgerHealth func(ctx context.Context) error // optional; ConfigError means disabled

	Logger zerolog.Logger
}

// Server provides HTTP endpoints
type Server struct {
	logger       zerolog.Logger
	server       *http.Server
	moderation   Moderator
	incidents    IncidentReader
	submitter    Submitter
	resubmitter  Resubmitter
	health       func(ctx context.Context) error
	ledgerHealth func(ctx context.Context) error

	mu   sync.Mutex
	addr net.Addr
}

// NewServer creates a new Server instance
func NewServer(cfg Config) *Server {
	s := &Server{
		logger:       cfg.Logger.With().Str("component", "api").Logger(),
		moderation:   cfg.Moderation,
		incidents:    cfg.Incidents,
		submitter:    cfg.Submitter,
		resubmitter:  cfg.Resubmitter,
		health:       cfg.Health,
		ledgerHealth: cfg.LedgerHealth,
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.setupRoutes(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readTimeout,
		WriteTimeout:      writeTimeout,
	}

	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the port and serves in the background
func (s *Server) Start() error {
	if s.server == nil {
		return fmt.Errorf("api server is nil")
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind to address %s: %w", s.server.Addr, err)
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		err := s.server.Serve(ln)
		switch err {
		case nil:
			s.logger.Info().Msg("API server stopped normally")
		case http.ErrServerClosed:
			s.logger.Info().Msg("API server closed gracefully")
		default:
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("API server listening")
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
