package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aigoflow/chat-gateway/internal/handlers"
	"github.com/aigoflow/chat-gateway/internal/metrics"
	"github.com/aigoflow/chat-gateway/internal/ratelimit"
	"github.com/aigoflow/chat-gateway/internal/repository"
	"github.com/aigoflow/chat-gateway/internal/services"
)

const shutdownTimeout = 10 * time.Second

// Deps are the services the HTTP surface is built from. Repo and Metrics
// may be nil.
type Deps struct {
	Chat              *services.ChatService
	Limiter           *ratelimit.Limiter
	Repo              repository.Repository
	Metrics           *metrics.Collector
	EngineLoad        services.EngineLoad
	APIKey            string
	TrustProxyHeaders bool
}

type Server struct {
	httpAddr string
	handler  http.Handler
}

func NewServer(httpAddr string, d Deps) *Server {
	mux := http.NewServeMux()

	handlers.NewChatHandler(d.Chat).RegisterRoutes(mux)
	handlers.NewStatsHandler(d.Chat.Usage(), d.Limiter, d.Repo, d.EngineLoad).RegisterRoutes(mux)
	mux.Handle("/metrics", d.Metrics.Handler())

	guard := handlers.NewGuard(d.APIKey, d.Limiter, d.Metrics, d.TrustProxyHeaders)
	return &Server{
		httpAddr: httpAddr,
		handler:  guard.Wrap(mux),
	}
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until ctx is cancelled, then drains in-flight requests
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server starting", "addr", s.httpAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
