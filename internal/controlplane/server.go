// Package controlplane is the local HTTP and websocket surface the UI uses to
// submit actions and watch the outbox drain.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/herdsync/herdsync/internal/config"
)

type Config struct {
	Addr      string
	AuthToken string
	RateLimit int64
}

type Server struct {
	config   *Config
	server   *http.Server
	listener net.Listener
}

func New(cfg *Config, h *Handler) *Server {
	routes := SetupRoutes(h, &RouteConfig{
		Auth:      TokenAuthConfig{Token: cfg.AuthToken},
		RateLimit: cfg.RateLimit,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           routes,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return &Server{config: cfg, server: httpServer}
}

// Listen binds the address so that Addr reports the real port before Serve.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("control plane listen: %w", err)
	}
	s.listener = ln
	return nil
}

func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// Start serves until Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	slog.Info("control plane start", "addr", fmt.Sprintf("http://%s", s.Addr()), "token", config.MaskSecret(s.config.AuthToken))
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control plane serve: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("control plane stop")
	return s.server.Shutdown(ctx)
}
