// Package ops exposes the operator HTTP surface: health and crawl stats.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"
	"github.com/go-chi/httprate"
	httprateredis "github.com/go-chi/httprate-redis"
	"github.com/redis/go-redis/v9"

	"github.com/yhtsearch/crawler/config"
	"github.com/yhtsearch/crawler/crawler"
	"github.com/yhtsearch/crawler/logger"
	"github.com/yhtsearch/crawler/store"
)

const (
	rateLimitRequests = 100
	rateLimitWindow   = time.Minute
	fetchStatsWindow  = 1000
)

// Server serves /healthz and /stats for operators.
type Server struct {
	cfg    config.OpsConfig
	crawl  *crawler.Crawler
	store  store.Store
	log    logger.Logger
	router *chi.Mux
}

// NewServer builds the ops router. accessLog may be nil to disable request
// logging; redisClient may be nil for in-memory rate limiting.
func NewServer(cfg config.OpsConfig, crawl *crawler.Crawler, st store.Store, accessLog *slog.Logger, log logger.Logger, redisClient *redis.Client) *Server {
	if log == nil {
		log = logger.Noop()
	}
	s := &Server{
		cfg:   cfg,
		crawl: crawl,
		store: st,
		log:   log.With("component", "ops"),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if accessLog != nil {
		r.Use(httplog.RequestLogger(accessLog, &httplog.Options{}))
	}
	r.Use(chimiddleware.Recoverer)
	r.Use(rateLimit(redisClient))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Post("/domains/{host}/unblock", s.handleUnblock)

	s.router = r
	return s
}

func rateLimit(redisClient *redis.Client) func(http.Handler) http.Handler {
	limitHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limit exceeded","status_code":429}`))
	}

	options := []httprate.Option{
		httprate.WithLimitHandler(limitHandler),
		httprate.WithKeyByRealIP(),
	}
	if redisClient != nil {
		options = append(options, httprateredis.WithRedisLimitCounter(&httprateredis.Config{
			Client:    redisClient,
			PrefixKey: "crawler:ratelimit",
		}))
	}
	return httprate.NewRateLimiter(rateLimitRequests, rateLimitWindow, options...).Handler
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start runs the server until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", "addr", s.cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("ops server error: %w", err)
	}
}

type healthResponse struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.crawl.Health(r.Context())

	status := http.StatusOK
	if report.Status == crawler.Unhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, healthResponse{Status: report.Status, Reasons: report.Reasons})
}

type statsResponse struct {
	QueueSize       int64            `json:"queue_size"`
	QueueByReason   map[string]int64 `json:"queue_by_reason"`
	RecentAttempts  int64            `json:"recent_attempts"`
	RecentSuccesses int64            `json:"recent_successes"`
	RecentErrors    int64            `json:"recent_errors"`
	ErrorRate       float64          `json:"error_rate"`
	Domains         int              `json:"domains"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	queueStats, err := s.store.GetQueueStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	fetchStats, err := s.store.GetFetchStats(ctx, fetchStatsWindow)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read fetch stats")
		return
	}
	domains, err := s.store.ListDomains(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list domains")
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		QueueSize:       queueStats.Total,
		QueueByReason:   queueStats.ByReason,
		RecentAttempts:  fetchStats.Total,
		RecentSuccesses: fetchStats.Successes,
		RecentErrors:    fetchStats.Errors,
		ErrorRate:       fetchStats.ErrorRate(),
		Domains:         len(domains),
	})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	if err := s.crawl.Scheduler().UnblockDomain(r.Context(), host); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown domain %q", host))
		return
	}
	s.log.Info("domain unblocked", "host", host)
	writeJSON(w, http.StatusOK, map[string]string{"host": host, "status": store.DomainActive})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message, "status_code": status})
}
