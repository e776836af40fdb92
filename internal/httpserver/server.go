package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sirius-sound/internal/auth"
	"sirius-sound/internal/handlers"
	"sirius-sound/internal/metrics"
	"sirius-sound/internal/repo"
	"sirius-sound/internal/tonelab"
	"sirius-sound/internal/waitlist"
)

// JSONCache caches admin read models. *cache.Redis satisfies it.
type JSONCache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Handlers groups the services mounted on the router.
type Handlers struct {
	StripeWebhook http.Handler
	Queue         *handlers.QueueService
	Orders        *handlers.OrderService
	Admin         *handlers.AdminDispatcher
	Waitlist      *waitlist.Service
	ToneLab       *tonelab.Service
	Auth          *auth.Authenticator
	Repository    repo.Repository
	// Cache is optional.
	Cache JSONCache
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	handlers   Handlers
	basePath   string
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, h Handlers, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		handlers: h,
		basePath: normaliseBasePath(basePath),
	}

	handler := mountWithBasePath(server.basePath, server.routes())

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Handler exposes the routed handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	if s.handlers.StripeWebhook != nil {
		r.Method(http.MethodPost, "/webhook/stripe", s.handlers.StripeWebhook)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/queue/join", s.handleQueueJoin)
		r.Get("/queue/status", s.handleQueueStatus)
		r.Post("/checkout", s.handlePreorder)
		r.Post("/donate", s.handleDonate)

		r.Post("/waitlist", s.handleWaitlistJoin)
		r.Get("/waitlist/confirm", s.handleWaitlistConfirm)

		r.Route("/tone-lab", func(r chi.Router) {
			r.Get("/samples", s.handleToneSamples)
			r.Post("/test", s.handleToneStart)
			r.Post("/rating", s.handleToneRate)
			r.Post("/test/{testID}/submit", s.handleToneSubmit)
			r.Get("/test/{testID}/results", s.handleToneResults)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Middleware(s.handlers.Auth, s.logger))
			r.Post("/queue", s.handleAdminAction)
			r.Get("/queue", s.handleAdminQueue)
			r.Get("/queue/summary", s.handleAdminSummary)
			r.Get("/orders", s.handleAdminOrders)
			r.Get("/waitlist", s.handleAdminWaitlist)
			r.Patch("/waitlist", s.handleAdminWaitlistStatus)
			r.Get("/database/{entity}", s.handleBrowse)
			r.Delete("/database/{entity}/{id}", s.handleDeleteRecord)
		})
	})
	return r
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Repository != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.handlers.Repository.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
			return
		}
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
