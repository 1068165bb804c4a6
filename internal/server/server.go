package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ReilBleem13/ShopChat/internal/utils"
)

const defaultShutdownTimeout = 10 * time.Second

type Option func(*Server)

func WithMigrateDown(m func() error) Option {
	return func(s *Server) {
		s.migrateDown = m
	}
}

// WithShutdownHook runs fn after the HTTP server stopped accepting requests.
func WithShutdownHook(fn func()) Option {
	return func(s *Server) {
		s.onShutdown = append(s.onShutdown, fn)
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

type Server struct {
	router          *http.ServeMux
	secret          string
	migrateDown     func() error
	onShutdown      []func()
	shutdownTimeout time.Duration
}

func NewServer(secret string, h *Handler, opts ...Option) *Server {
	s := &Server{
		router:          http.NewServeMux(),
		secret:          secret,
		shutdownTimeout: defaultShutdownTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes(h)

	return s
}

func (s *Server) setupRoutes(h *Handler) {
	api := AuthMiddleware(s.secret, utils.ScopeAPI)
	realtime := AuthMiddleware(s.secret, utils.ScopeAPI, utils.ScopeRealtime)

	s.router.Handle("GET /ws", realtime(http.HandlerFunc(h.handleWS)))

	s.router.Handle("GET /conversations/{conversation_id}/messages", api(http.HandlerFunc(h.handleListMessages)))
	s.router.Handle("POST /conversations/{conversation_id}/messages", api(http.HandlerFunc(h.handleSendMessage)))
	s.router.Handle("POST /conversations/{conversation_id}/messages/read", api(http.HandlerFunc(h.handleMarkRead)))
	s.router.Handle("POST /realtime/token", api(http.HandlerFunc(h.handleRealtimeToken)))

	s.router.HandleFunc("GET /healthz", h.handleHealth)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Run(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			errCh <- err
		}
	}()
	slog.Info("Server is running", "addr", addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	ctx, shutdown := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer shutdown()

	err := server.Shutdown(ctx)

	for _, fn := range s.onShutdown {
		fn()
	}

	if s.migrateDown != nil {
		if err := s.migrateDown(); err != nil {
			slog.Warn("Failed to migrate down", "error", err)
		} else {
			slog.Info("Migrations down")
		}
	}

	slog.Info("Server exited")
	return err
}
