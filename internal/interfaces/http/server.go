package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dgfacade/gateway/internal/config"
	"github.com/dgfacade/gateway/internal/infrastructure/monitoring/logging"
	apperrors "github.com/dgfacade/gateway/pkg/errors"
)

// Server wraps the standard http.Server with the gateway's config and
// lifecycle conventions.
type Server struct {
	srv    *http.Server
	logger logging.Logger
}

// NewServer builds the server around an already assembled handler,
// usually the engine from NewRouter.
func NewServer(cfg config.ServerConfig, handler http.Handler, logger logging.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger.Named("http"),
	}
}

// Start blocks serving requests until Stop is called or the listener
// fails.
func (s *Server) Start() error {
	s.logger.Info("http server listening", logging.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "http server failed")
	}
	return nil
}

// Stop shuts the server down gracefully, waiting for in-flight
// requests up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server stopping")
	return s.srv.Shutdown(ctx)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// Handler exposes the mounted handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }
