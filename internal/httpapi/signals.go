package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/signals"
)

// generateSignalsRequest is the body of POST /signals/generate-stream.
type generateSignalsRequest struct {
	TradeDate   string  `json:"trade_date"`
	StrategyIDs []int64 `json:"strategy_ids,omitempty"`
}

// handleGenerateSignalsStream runs an ad-hoc Signal Engine scan,
// streaming its start/signal/done events as SSE as they're emitted
// (spec §4.4, §6). Unlike the Runner, the scan itself is synchronous;
// events are written to the response as the scan's emit callback fires.
func (s *Server) handleGenerateSignalsStream(w http.ResponseWriter, r *http.Request) {
	var req generateSignalsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
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

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	_, err := s.signals.Scan(r.Context(), tradeDate, req.StrategyIDs, func(e signals.Event) {
		sw.writeEvent(e)
	})
	if err != nil {
		sw.writeEvent(map[string]string{"type": "error", "reason": err.Error()})
	}
}

// handleSignalsToday returns the signals generated for a date, with an
// auto-fallback to the latest dated signals when no date is given and
// today has none (spec §6).
func (s *Server) handleSignalsToday(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dateParam := r.URL.Query().Get("date")

	var date time.Time
	var err error
	if dateParam != "" {
		date, err = time.Parse("2006-01-02", dateParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
	} else {
		date = time.Now()
	}

	rows, err := s.store.SignalsOn(ctx, date)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(rows) == 0 && dateParam == "" {
		latest, ok, err := s.store.LatestSignalDate(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ok {
			date = latest
			rows, err = s.store.SignalsOn(ctx, date)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"date":    date.Format("2006-01-02"),
		"signals": rows,
	})
}
