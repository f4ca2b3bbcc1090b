package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/internal/backtest"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// backtestRunRequest is the body of POST /backtest/run: an ad-hoc,
// one-off portfolio backtest outside the Experiment Runner's
// generate/validate pipeline (spec §4.3, §6).
type backtestRunRequest struct {
	StrategyName   string             `json:"strategy_name"`
	Codes          []string           `json:"codes"`
	Start          string             `json:"start"`
	End            string             `json:"end"`
	BuyConditions  []types.Condition  `json:"buy_conditions"`
	SellConditions []types.Condition  `json:"sell_conditions"`
	ExitConfig     *types.ExitConfig  `json:"exit_config,omitempty"`
	InitialCapital float64            `json:"initial_capital"`
	MaxPositions   int                `json:"max_positions"`
	MaxPositionPct float64            `json:"max_position_pct"`
}

// handleBacktestRun loads the requested universe locally, runs one
// Portfolio Backtest Engine pass, and streams backtest_start/
// backtest_done/backtest_error as SSE (spec §4.3, §6).
func (s *Server) handleBacktestRun(w http.ResponseWriter, r *http.Request) {
	var req backtestRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Codes) == 0 {
		writeError(w, http.StatusBadRequest, "codes is required")
		return
	}
	start, err := time.Parse("2006-01-02", req.Start)
	if err != nil {
		writeError(w, http.StatusBadRequest, "start must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse("2006-01-02", req.End)
	if err != nil {
		writeError(w, http.StatusBadRequest, "end must be YYYY-MM-DD")
		return
	}

	exitCfg := types.DefaultExitConfig()
	if req.ExitConfig != nil {
		exitCfg = *req.ExitConfig
	}
	cfg := backtest.DefaultConfig()
	if req.InitialCapital > 0 {
		cfg.InitialCapital = decimal.NewFromFloat(req.InitialCapital)
	}
	if req.MaxPositions > 0 {
		cfg.MaxPositions = req.MaxPositions
	}
	if req.MaxPositionPct > 0 {
		cfg.MaxPositionPct = req.MaxPositionPct
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	sw.writeEvent(map[string]any{"type": "backtest_start", "strategy_name": req.StrategyName, "codes": len(req.Codes)})

	ctx := r.Context()
	bars := make(map[string][]types.DailyPrice, len(req.Codes))
	for _, code := range req.Codes {
		series, err := s.store.GetDailyPrices(ctx, code, start, end)
		if err != nil {
			sw.writeEvent(map[string]any{"type": "backtest_error", "reason": err.Error()})
			return
		}
		if len(series) < 60 {
			continue // spec §8 boundary #3: excluded from the backtest universe
		}
		bars[code] = series
	}
	if len(bars) == 0 {
		sw.writeEvent(map[string]any{"type": "backtest_error", "reason": "no code in the universe has 60+ local bars"})
		return
	}

	engine := backtest.New(cfg)
	run, trades, err := engine.Run(ctx, backtest.Input{
		StrategyName:   req.StrategyName,
		BuyConditions:  req.BuyConditions,
		SellConditions: req.SellConditions,
		ExitConfig:     exitCfg,
	}, bars, nil)
	if err != nil {
		sw.writeEvent(map[string]any{"type": "backtest_error", "reason": err.Error()})
		return
	}

	sw.writeEvent(map[string]any{"type": "backtest_done", "run": run, "trade_count": len(trades)})
}
