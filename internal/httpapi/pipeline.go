package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// pipelineTriggerRequest is the body of POST /pipeline/trigger.
type pipelineTriggerRequest struct {
	TradeDate string `json:"trade_date"`
}

// handlePipelineTrigger runs the Scheduled Pipeline immediately for the
// given (or today's) trade date, bypassing its clock check (spec §4.5's
// "manual trigger ... honors (iii)"). Returns 409 if a run is already
// in flight, per spec §6's blanket concurrent-analysis-trigger rule.
func (s *Server) handlePipelineTrigger(w http.ResponseWriter, r *http.Request) {
	if s.pipeline.IsRunning() {
		writeError(w, http.StatusConflict, "a pipeline run is already in flight")
		return
	}

	var req pipelineTriggerRequest
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}
	tradeDate := time.Now()
	if req.TradeDate != "" {
		parsed, err := time.Parse("2006-01-02", req.TradeDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "trade_date must be YYYY-MM-DD")
			return
		}
		tradeDate = parsed
	}

	if err := s.pipeline.Trigger(r.Context(), tradeDate); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "trade_date": tradeDate.Format("2006-01-02")})
}
