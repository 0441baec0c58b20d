package debugserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/voxjournal/purchases/internal/circuitbreaker"
	"github.com/voxjournal/purchases/internal/config"
	"github.com/voxjournal/purchases/internal/journal"
	"github.com/voxjournal/purchases/internal/logger"
)

// StatusSource reports live reconciliation counts for the health endpoint.
type StatusSource interface {
	InFlight() int
}

// Server is the local operational HTTP surface: health, metrics, and the
// reconciliation audit trail. It is not part of the purchase flow and binds
// to localhost by default.
type Server struct {
	cfg        config.DebugConfig
	journal    journal.Journal
	status     StatusSource
	breaker    *circuitbreaker.Manager
	logger     zerolog.Logger
	httpServer *http.Server
	startTime  time.Time
}

// New builds the debug server with its router configured. A nil gatherer
// falls back to the default Prometheus registry.
func New(cfg config.DebugConfig, jrnl journal.Journal, status StatusSource, breaker *circuitbreaker.Manager, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		journal:   jrnl,
		status:    status,
		breaker:   breaker,
		logger:    logger,
		startTime: time.Now(),
	}

	router := chi.NewRouter()
	s.configureRouter(router, gatherer)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
		IdleTimeout:  cfg.IdleTimeout.Duration,
		Handler:      router,
	}

	return s
}

func (s *Server) configureRouter(router chi.Router, gatherer prometheus.Gatherer) {
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   s.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(5 * time.Second))

	if s.cfg.RateLimit > 0 {
		router.Use(httprate.Limit(
			s.cfg.RateLimit,
			s.cfg.RateLimitWindow.Duration,
			httprate.WithKeyByIP(),
		))
	}

	metricsHandler := promhttp.Handler()
	if gatherer != nil {
		metricsHandler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}

	router.Get("/healthz", s.health)
	router.With(metricsAuth(s.cfg.MetricsAPIKey)).Handle("/metrics", metricsHandler)
	router.Get("/reconciliations", s.reconciliations)
}

// metricsAuth protects /metrics with an optional bearer key. With no key
// configured the endpoint is open, which is fine for a localhost bind.
func metricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+apiKey {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid or missing metrics API key"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type healthResponse struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptimeSeconds"`
	InFlight      int               `json:"inFlight"`
	Breakers      map[string]string `json:"breakers"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Breakers:      map[string]string{},
	}
	if s.status != nil {
		resp.InFlight = s.status.InFlight()
	}
	if s.breaker != nil {
		resp.Breakers[string(circuitbreaker.ServiceLedgerAPI)] = s.breaker.State(circuitbreaker.ServiceLedgerAPI)
		resp.Breakers[string(circuitbreaker.ServiceStoreAPI)] = s.breaker.State(circuitbreaker.ServiceStoreAPI)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) reconciliations(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "limit must be an integer between 1 and 1000"})
			return
		}
		limit = parsed
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("debugserver.journal_query_failed")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "journal unavailable"})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"entries": entries})
}

// ListenAndServe starts the debug server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
