package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"copytrader/internal/config"
)

// Server runs the admin HTTP/WebSocket API.
type Server struct {
	cfg     config.AdminConfig
	backend Backend
	hub     *Hub
	server  *http.Server
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires the router. Nothing listens until Start.
func NewServer(cfg config.AdminConfig, backend Backend, logger *slog.Logger) *Server {
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	hub := NewHub(logger)
	handlers := NewHandlers(backend, hub, origins, logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handlers.HandleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/snapshot", handlers.HandleSnapshot)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", handlers.HandleListAccounts)
			r.Post("/", handlers.HandleRegisterAccount)
			r.Delete("/{id}", handlers.HandleRemoveAccount)
			r.Get("/{id}/login", handlers.HandleLogin)
			r.Put("/{id}/cap", handlers.HandleUpdateCap)
			r.Get("/{id}/funds", handlers.HandleFunds)
		})

		r.Get("/callback", handlers.HandleCallback)
		r.Get("/orders", handlers.HandleOrders)
		r.Post("/strategy/reset", handlers.HandleReset)
	})

	r.Get("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:     cfg,
		backend: backend,
		hub:     hub,
		server:  server,
		logger:  logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event consumer and the HTTP listener. It
// blocks until the listener stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.consumeEvents(ctx)
	}()

	s.logger.Info("admin server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Stop drains the HTTP listener and shuts the hub down.
func (s *Server) Stop() error {
	s.logger.Info("stopping admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return err
}

// consumeEvents forwards the engine's replication events to the hub.
func (s *Server) consumeEvents(ctx context.Context) {
	events := s.backend.Events()
	if events == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
