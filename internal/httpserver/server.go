package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"paygate/internal/billing"
	"paygate/internal/metrics"
	"paygate/internal/rates"
	"paygate/internal/reconcile"
	"paygate/internal/referral"
	"paygate/internal/repo"
	"paygate/internal/scheduler"
)

const maxBodyBytes = 1 << 20

// Dependencies are the services the API fronts. Rates and Scheduler may be nil.
type Dependencies struct {
	Repository repo.Repository
	Billing    *billing.Service
	Reconciler *reconcile.Reconciler
	Referrals  *referral.Graph
	Scheduler  *scheduler.Scheduler
	Rates      rates.Source

	// Throttle limits manual payment checks. Nil disables the limit.
	Throttle Throttle
}

// Throttle admits at most one call per key within window.
type Throttle interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
}

// Options configures routing.
type Options struct {
	BasePath string
	APIToken string

	// CheckCooldown is the minimum gap between checks of one payment.
	CheckCooldown time.Duration

	// BotUsername builds the t.me referral links returned for users.
	BotUsername string
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Metrics
	deps        Dependencies
	basePath    string
	apiToken    string
	cooldown    time.Duration
	botUsername string
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, opts Options) *Server {
	server := &Server{
		logger:      logger.With("component", "http"),
		metrics:     metricRegistry,
		deps:        deps,
		basePath:    normaliseBasePath(opts.BasePath),
		apiToken:    strings.TrimSpace(opts.APIToken),
		cooldown:    opts.CheckCooldown,
		botUsername: strings.TrimPrefix(strings.TrimSpace(opts.BotUsername), "@"),
	}

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}
	if server.apiToken == "" {
		server.logger.Warn("API_TOKEN is empty, api routes are unauthenticated")
	}

	return server
}

// Handler returns the routed handler, mounted under the base path.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/users", s.handleUpsertUser)
		r.Get("/users/{id}/referrals", s.handleReferralStats)
		r.Post("/referrals", s.handleRegisterReferral)

		r.Post("/payments", s.handleCreatePayment)
		r.Get("/payments/{id}", s.handleGetPayment)
		r.Post("/payments/{id}/check", s.handleCheckPayment)
		r.Get("/payments/{id}/qr", s.handlePaymentQR)
	})

	r.With(s.requireAPIKey).Post("/webhook/process-payments", s.handleProcessPayments)

	if s.basePath == "" {
		return r
	}
	root := chi.NewRouter()
	root.Mount(s.basePath, r)
	return root
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" {
			key := strings.TrimSpace(r.Header.Get("X-Api-Key"))
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiToken)) != 1 {
				s.countError("http_auth")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Repository != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Repository.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) countError(component string) {
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues(component).Inc()
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("invalid json body: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
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
