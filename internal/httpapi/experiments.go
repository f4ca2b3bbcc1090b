package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// createExperimentRequest is the body of POST /experiments.
type createExperimentRequest struct {
	Theme          string  `json:"theme"`
	SourceType     string  `json:"source_type"`
	SourceText     string  `json:"source_text"`
	InitialCapital float64 `json:"initial_capital"`
	MaxPositions   int     `json:"max_positions"`
	MaxPositionPct float64 `json:"max_position_pct"`
}

// handleCreateExperiment creates an Experiment row and starts the Runner
// worker for it, streaming progress as SSE (spec §6, §4.1).
func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Theme == "" {
		writeError(w, http.StatusBadRequest, "theme is required")
		return
	}

	sourceType := types.ExperimentSourceType(req.SourceType)
	if sourceType == "" {
		sourceType = types.SourceTemplate
	}
	if req.MaxPositions <= 0 {
		req.MaxPositions = 10
	}
	if req.InitialCapital <= 0 {
		req.InitialCapital = 100000
	}

	exp := types.Experiment{
		Theme:          req.Theme,
		SourceType:     sourceType,
		SourceText:     req.SourceText,
		Status:         types.ExperimentPending,
		InitialCapital: decimal.NewFromFloat(req.InitialCapital),
		MaxPositions:   req.MaxPositions,
		MaxPositionPct: req.MaxPositionPct,
	}

	id, err := s.store.CreateExperiment(r.Context(), exp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	bus, err := s.runner.Start(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	s.broadcastDashboard("experiment_created", map[string]any{"experiment_id": id, "theme": req.Theme})
	sw.writeEvent(map[string]any{"type": "experiment_created", "experiment_id": id})
	streamBus(r.Context(), s.logger, sw, bus)
	s.broadcastDashboard("experiment_updated", map[string]any{"experiment_id": id})
}

// handleStreamExperiment attaches to an in-flight or recently-finished
// experiment's progress bus (spec §4.1 getProgress's 5-minute retention
// window) and replays it from offset 0.
func (s *Server) handleStreamExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	bus, ok := s.runner.GetProgress(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no active or recent progress stream for this experiment")
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	streamBus(r.Context(), s.logger, sw, bus)
}

// handleRetryExperiment resumes a non-running experiment's worker,
// streaming its progress with the same SSE framing as creation (spec
// §6). Returns 409 if the experiment is already running.
func (s *Server) handleRetryExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDVar(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.runner.IsRunning(id) {
		writeError(w, http.StatusConflict, "experiment is already running")
		return
	}

	bus, err := s.runner.Resume(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	streamBus(r.Context(), s.logger, sw, bus)
}

// handleRetryPending resumes every experiment left with a pending or
// backtesting strategy by a prior crash (the clone-sourced half of
// runner.RecoverOrphans' partition), fanning their progress buses into
// one SSE stream tagged by experiment id.
func (s *Server) handleRetryPending(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.store.PendingOrphanExperimentStrategies(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	retryable := make(map[int64]bool)
	for _, o := range orphans {
		if o.SourceType == types.SourceClone {
			retryable[o.Strategy.ExperimentID] = true
		}
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if len(retryable) == 0 {
		sw.writeEvent(map[string]any{"type": "info", "message": "no pending experiments to retry"})
		return
	}

	type tagged struct {
		ExperimentID int64 `json:"experiment_id"`
		progressEventFields
	}

	for expID := range retryable {
		if s.runner.IsRunning(expID) {
			continue
		}
		bus, err := s.runner.Resume(r.Context(), expID)
		if err != nil {
			s.logger.Warn("retry-pending: resume failed", zap.Int64("experiment_id", expID), zap.Error(err))
			continue
		}
		offset := 0
		for {
			events, next, finished, keepalive := bus.Read(r.Context(), offset)
			offset = next
			if keepalive {
				sw.writeKeepalive()
				continue
			}
			for _, e := range events {
				sw.writeEvent(tagged{ExperimentID: expID, progressEventFields: progressEventFields{Seq: e.Seq, Type: string(e.Type), Data: e.Data}})
			}
			if finished {
				break
			}
			if r.Context().Err() != nil {
				return
			}
		}
	}
}

// progressEventFields mirrors progress.Event's JSON shape so
// handleRetryPending can embed an experiment_id alongside it.
type progressEventFields struct {
	Seq  int             `json:"seq"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}
