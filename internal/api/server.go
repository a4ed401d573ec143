// Package api provides the HTTP ops server: manual triggers, status and metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/indexnow-engine/internal/logging"
	"github.com/indexnow-engine/internal/models"
	"github.com/indexnow-engine/internal/worker"
)

// Orchestrator is the part of worker.Orchestrator the ops API drives
type Orchestrator interface {
	TriggerManualRankCheck(ctx context.Context) (worker.BatchResult, error)
	TriggerQuotaResetSweep(ctx context.Context) (*models.SweepReport, error)
	TriggerJobMonitor(ctx context.Context) (int, error)
	GetStatus() worker.Status
	GetBackgroundServicesStatus(ctx context.Context) *worker.BackgroundServicesStatus
}

// RankStatsProvider reports today's rank-check progress
type RankStatsProvider interface {
	GetStats(ctx context.Context) (*models.RankCheckStats, error)
}

// Pinger is a dependency whose reachability /health reports
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP ops server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	orchestrator Orchestrator
	rankStats    RankStatsProvider
	pingers      map[string]Pinger
	gatherer     prometheus.Gatherer
	logger       *logging.Logger
	config       *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration // must outlast a manual rank check
	IdleTimeout       time.Duration
	RequestsPerSecond float64 // per client on /ops, <= 0 disables
	Burst             int
}

// Dependencies are the collaborators the ops server reports on
type Dependencies struct {
	Orchestrator Orchestrator
	RankStats    RankStatsProvider
	Pingers      map[string]Pinger   // name -> dependency checked by /health
	Gatherer     prometheus.Gatherer // default prometheus.DefaultGatherer
	Logger       *logging.Logger
}

// NewServer creates a new ops server instance.
func NewServer(config *ServerConfig, deps Dependencies) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("server config is required")
	}
	if deps.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = logging.GetGlobalLogger()
	}

	s := &Server{
		router:       mux.NewRouter(),
		orchestrator: deps.Orchestrator,
		rankStats:    deps.RankStats,
		pingers:      deps.Pingers,
		gatherer:     deps.Gatherer,
		logger:       deps.Logger.WithField("component", "ops-api"),
		config:       config,
	}

	s.setupRouter()

	return s, nil
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware(s.logger))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	ops := s.router.PathPrefix("/ops").Subrouter()
	ops.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)))

	ops.HandleFunc("/status", s.handleStatus).Methods("GET")
	ops.HandleFunc("/background-services", s.handleBackgroundServices).Methods("GET")
	ops.HandleFunc("/rank-check/stats", s.handleRankStats).Methods("GET")
	ops.HandleFunc("/rank-check/trigger", s.handleTriggerRankCheck).Methods("POST")
	ops.HandleFunc("/quota-reset/trigger", s.handleTriggerQuotaReset).Methods("POST")
	ops.HandleFunc("/job-monitor/trigger", s.handleTriggerJobMonitor).Methods("POST")
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth reports each dependency; any failure makes the whole check 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.pingers))
	for name := range s.pingers {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := s.pingers[name].Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	respondJSON(w, status, map[string]interface{}{
		"status":  overall,
		"service": "indexnow-engine",
		"checks":  checks,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orchestrator.GetStatus())
}

func (s *Server) handleBackgroundServices(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.orchestrator.GetBackgroundServicesStatus(r.Context()))
}

func (s *Server) handleRankStats(w http.ResponseWriter, r *http.Request) {
	if s.rankStats == nil {
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "rank checks are not configured", nil)
		return
	}

	stats, err := s.rankStats.GetStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Manual runs are detached from the request so a dropped connection
// does not abort a sweep halfway.

func (s *Server) handleTriggerRankCheck(w http.ResponseWriter, r *http.Request) {
	result, err := s.orchestrator.TriggerManualRankCheck(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleTriggerQuotaReset(w http.ResponseWriter, r *http.Request) {
	report, err := s.orchestrator.TriggerQuotaResetSweep(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleTriggerJobMonitor(w http.ResponseWriter, r *http.Request) {
	dispatched, err := s.orchestrator.TriggerJobMonitor(context.WithoutCancel(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"dispatched": dispatched})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapServiceError(err)
	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", r.URL.Path).Error("Ops request failed")
	}
	respondError(w, status, code, message, nil)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Infof("Starting ops server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down ops server...")
	return s.httpServer.Shutdown(ctx)
}
