package httpfront

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gnosek/mtrpc/internal/logger"
	"github.com/gnosek/mtrpc/pkg/methodtree"
)

// Config carries the HTTP frontend settings.
type Config struct {
	Addr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// AccessKey and AccessKeyhole govern what this surface may see,
	// with the same template semantics as AMQP bindings.
	AccessKey     string
	AccessKeyhole string
}

// Server runs the HTTP frontend over one method tree.
//
// The server supports graceful shutdown with a caller-supplied timeout.
type Server struct {
	server       *http.Server
	cfg          Config
	shutdownOnce sync.Once
}

// NewServer creates a configured but not yet started server.
func NewServer(cfg Config, tree *methodtree.Tree) *Server {
	return &Server{
		server: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(tree, cfg),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		cfg: cfg,
	}
}

// Start serves until the context is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP frontend listening", "addr", s.cfg.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("HTTP frontend failed: %w", err)
	}
}

// Stop initiates graceful shutdown. Safe to call more than once.
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("HTTP frontend shutdown error: %w", err)
		} else {
			logger.Info("HTTP frontend stopped")
		}
	})
	return shutdownErr
}
