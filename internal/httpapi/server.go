// Package httpapi implements the HTTP+SSE surface of spec §6: experiment
// lifecycle endpoints backed by the Experiment Runner's progress bus,
// ad-hoc signal generation and backtest runs streamed the same way, and
// plain-JSON read endpoints for today's signals and health.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/pipeline"
	"github.com/atlas-desktop/trading-backend/internal/runner"
	"github.com/atlas-desktop/trading-backend/internal/signals"
	"github.com/atlas-desktop/trading-backend/internal/storage"
)

// Version is reported by GET /health.
const Version = "1.0.0"

// Server is the platform's HTTP/SSE API server.
type Server struct {
	logger     *zap.Logger
	addr       string
	router     *mux.Router
	httpServer *http.Server

	store    *storage.Store
	runner   *runner.Engine
	pipeline *pipeline.Pipeline
	signals  *signals.Engine

	dashboard  *dashboardHub
	metricsReg *prometheus.Registry
}

// New constructs a Server and wires its routes. pipeline may be nil if
// the scheduled pipeline is driven only by its own background loop.
func New(logger *zap.Logger, addr string, store *storage.Store, runnerEngine *runner.Engine, pipelineEngine *pipeline.Pipeline, sigEngine *signals.Engine) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newMetricsCollector(runnerEngine, pipelineEngine))

	s := &Server{
		logger:     logger.Named("httpapi"),
		addr:       addr,
		router:     mux.NewRouter(),
		store:      store,
		runner:     runnerEngine,
		pipeline:   pipelineEngine,
		signals:    sigEngine,
		dashboard:  newDashboardHub(logger),
		metricsReg: reg,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metricsReg, promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/ws/dashboard", s.dashboard.handleWS)

	s.router.HandleFunc("/experiments", s.handleCreateExperiment).Methods("POST")
	s.router.HandleFunc("/experiments/{id}/stream", s.handleStreamExperiment).Methods("GET")
	s.router.HandleFunc("/experiments/{id}/retry", s.handleRetryExperiment).Methods("POST")
	s.router.HandleFunc("/experiments/retry-pending", s.handleRetryPending).Methods("POST")

	s.router.HandleFunc("/signals/generate-stream", s.handleGenerateSignalsStream).Methods("POST")
	s.router.HandleFunc("/signals/today", s.handleSignalsToday).Methods("GET")

	s.router.HandleFunc("/backtest/run", s.handleBacktestRun).Methods("POST")

	if s.pipeline != nil {
		s.router.HandleFunc("/pipeline/trigger", s.handlePipelineTrigger).Methods("POST")
	}
}

// Start begins serving. It blocks until the server stops (normally via
// Stop from another goroutine), matching net/http.Server.ListenAndServe.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming handlers write for the lifetime of a job
	}
	s.logger.Info("starting HTTP API server", zap.String("addr", s.addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the underlying mux.Router for httptest-based testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

// broadcastDashboard pushes a dashboard-list-change notification to every
// connected /ws/dashboard client.
func (s *Server) broadcastDashboard(eventType string, payload map[string]any) {
	payload["type"] = eventType
	msg, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("dashboard broadcast marshal failed", zap.Error(err))
		return
	}
	s.dashboard.broadcast(msg)
}

func parseIDVar(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	var id int64
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
