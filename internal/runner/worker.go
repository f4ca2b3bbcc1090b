package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/backtest"
	"github.com/atlas-desktop/trading-backend/internal/llm"
	"github.com/atlas-desktop/trading-backend/internal/progress"
	"github.com/atlas-desktop/trading-backend/internal/validator"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// runWorker implements the full worker contract of spec §4.1. resume
// selects the abbreviated resume-path flow (skip Generate/Validate,
// reprocess only strategies still needing a backtest).
func (e *Engine) runWorker(ctx context.Context, exp types.Experiment, bus *progress.Bus, resume bool) {
	defer e.markFinished(exp.ID)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("experiment worker panicked", zap.Int64("experiment_id", exp.ID), zap.Any("panic", r))
			_ = e.store.SetExperimentStatus(ctx, exp.ID, types.ExperimentFailed)
			_ = bus.Publish(progress.EventError, map[string]string{"reason": fmt.Sprintf("worker panic: %v", r)})
			bus.ForceFinish()
		}
	}()

	var working []types.ExperimentStrategy
	if resume {
		bus.Publish(progress.EventResumeStart, map[string]int64{"experiment_id": exp.ID})
		all, err := e.store.ListExperimentStrategies(ctx, exp.ID)
		if err != nil {
			e.failExperiment(ctx, bus, exp.ID, fmt.Sprintf("load strategies: %v", err))
			return
		}
		for _, s := range all {
			if s.NeedsBacktest() {
				working = append(working, s)
			}
		}
	} else {
		generated, ok := e.phaseGenerate(ctx, bus, exp)
		if !ok {
			return
		}
		working, ok = e.phaseValidate(ctx, bus, exp, generated)
		if !ok {
			return
		}
	}

	bars, regimeMap, benchmarkReturnPct, ok := e.phaseLoadUniverse(ctx, bus, exp)
	if !ok {
		return
	}

	e.phaseBacktest(ctx, bus, exp, working, bars, regimeMap)

	if err := e.store.SetExperimentStatus(ctx, exp.ID, types.ExperimentDone); err != nil {
		e.logger.Error("failed to mark experiment done", zap.Int64("experiment_id", exp.ID), zap.Error(err))
	}
	bus.Publish(progress.EventExperimentDone, bestScoreSummary(working, benchmarkReturnPct))
	bus.Finish()
}

func (e *Engine) failExperiment(ctx context.Context, bus *progress.Bus, expID int64, reason string) {
	_ = e.store.SetExperimentStatus(ctx, expID, types.ExperimentFailed)
	bus.Publish(progress.EventError, map[string]string{"reason": reason})
	bus.Finish()
}

// phaseGenerate is Phase 1: call the LLM once to obtain N candidates.
func (e *Engine) phaseGenerate(ctx context.Context, bus *progress.Bus, exp types.Experiment) ([]llm.GeneratedStrategy, bool) {
	if err := e.store.SetExperimentStatus(ctx, exp.ID, types.ExperimentGenerating); err != nil {
		e.logger.Error("failed to set experiment generating", zap.Error(err))
	}
	bus.Publish(progress.EventGenerating, map[string]string{"theme": exp.Theme})

	strategies, err := e.generator.GenerateStrategies(ctx, exp.Theme)
	if err != nil {
		e.failExperiment(ctx, bus, exp.ID, fmt.Sprintf("strategy generation failed: %v", err))
		return nil, false
	}
	return strategies, true
}

// phaseValidate is Phase 2: run each candidate through the Strategy
// Validator and persist the resulting rows in declaration order.
func (e *Engine) phaseValidate(ctx context.Context, bus *progress.Bus, exp types.Experiment, generated []llm.GeneratedStrategy) ([]types.ExperimentStrategy, bool) {
	rows := make([]types.ExperimentStrategy, 0, len(generated))
	for _, g := range generated {
		result := validator.Validate(validator.Candidate{
			Name: g.Name, Description: g.Description,
			BuyConditions: g.BuyConditions, SellConditions: g.SellConditions, ExitConfig: g.ExitConfig,
		})
		rows = append(rows, types.ExperimentStrategy{
			ExperimentID: exp.ID, Name: g.Name, Description: g.Description,
			BuyConditions: result.BuyConditions, SellConditions: result.SellConditions, ExitConfig: result.ExitConfig,
			Status: result.Status, ErrorMessage: result.ErrorMessage,
		})
	}

	if err := e.store.CreateExperimentStrategies(ctx, rows); err != nil {
		e.failExperiment(ctx, bus, exp.ID, fmt.Sprintf("persist strategies failed: %v", err))
		return nil, false
	}
	bus.Publish(progress.EventStrategiesReady, map[string]any{"strategies": rows})
	return rows, true
}

// phaseLoadUniverse is Phase 3: repair gaps, load the qualifying stock
// universe into memory, and derive the regime map + benchmark return.
func (e *Engine) phaseLoadUniverse(ctx context.Context, bus *progress.Bus, exp types.Experiment) (map[string][]types.DailyPrice, map[string]types.RegimeKind, float64, bool) {
	if err := e.store.SetExperimentStatus(ctx, exp.ID, types.ExperimentBacktesting); err != nil {
		e.logger.Error("failed to set experiment backtesting", zap.Error(err))
	}

	end := time.Now()
	start := end.Add(-universeWindow)

	bus.Publish(progress.EventDataIntegrity, nil)
	repaired, err := e.collector.RepairDailyGaps(ctx, start, end, nil)
	if err != nil {
		bus.Publish(progress.EventDataIntegrityWarn, map[string]string{"reason": err.Error()})
	} else {
		bus.Publish(progress.EventDataIntegrityDone, map[string]int{"repaired": repaired})
	}

	bus.Publish(progress.EventLoadingData, nil)
	stocks, err := e.store.ListStocks(ctx)
	if err != nil {
		e.failExperiment(ctx, bus, exp.ID, fmt.Sprintf("list stocks failed: %v", err))
		return nil, nil, 0, false
	}

	bars := make(map[string][]types.DailyPrice)
	for _, s := range stocks {
		series, err := e.store.GetDailyPrices(ctx, s.Code, start, end)
		if err != nil {
			e.logger.Warn("load daily prices failed", zap.String("code", s.Code), zap.Error(err))
			continue
		}
		if len(series) >= minUniverseBars {
			bars[s.Code] = series
		}
	}
	bus.Publish(progress.EventDataLoaded, map[string]int{"count": len(bars)})

	bus.Publish(progress.EventComputingRegimes, nil)
	if _, err := e.classifier.EnsureRegimes(ctx, benchmarkIndexCode, start, end); err != nil {
		bus.Publish(progress.EventRegimeWarning, map[string]string{"reason": err.Error()})
	}
	regimeMap, err := e.classifier.DateRegimeMap(ctx, start, end)
	if err != nil {
		bus.Publish(progress.EventRegimeWarning, map[string]string{"reason": err.Error()})
		regimeMap = nil
	}
	summary, err := e.classifier.Summarize(ctx, start, end)
	benchmarkReturnPct := 0.0
	if err == nil {
		benchmarkReturnPct = summary.TotalIndexReturnPct
	}

	return bars, regimeMap, benchmarkReturnPct, true
}

// phaseBacktest is Phase 4: run every non-terminal candidate's backtest
// in declaration order, bounded by the process-wide semaphore.
func (e *Engine) phaseBacktest(ctx context.Context, bus *progress.Bus, exp types.Experiment, working []types.ExperimentStrategy, bars map[string][]types.DailyPrice, regimeMap map[string]types.RegimeKind) {
	cfg := backtest.Config{
		InitialCapital: exp.InitialCapital, MaxPositions: exp.MaxPositions, MaxPositionPct: exp.MaxPositionPct,
	}
	if cfg.InitialCapital.IsZero() {
		cfg = backtest.DefaultConfig()
	}

	for i := range working {
		cand := &working[i]
		if isTerminal(cand) {
			continue
		}

		combo := backtest.ExtractComboConfig(*cand, working)

		if combo == nil {
			reachable, reason := validator.Reachable(cand.BuyConditions)
			if !reachable {
				e.markInvalid(ctx, bus, cand, reason)
				continue
			}
			if !backtest.QuickSignalCheck(bars, cand.BuyConditions) {
				e.markInvalid(ctx, bus, cand, "pre-scan: zero signals across sample")
				continue
			}
		}

		bus.Publish(progress.EventBacktestStart, map[string]string{"name": cand.Name})
		run, trades, err := e.runOneBacktest(ctx, cfg, cand, combo, working, bars, regimeMap)
		if err != nil {
			e.handleBacktestError(ctx, bus, cand, err)
			continue
		}

		score := backtest.Score(backtest.BacktestMetrics{
			TotalReturnPct: run.TotalReturnPct, MaxDrawdownPct: run.MaxDrawdownPct,
			SharpeRatio: run.SharpeRatio, ProfitLossRatio: run.ProfitLossRatio,
		}, e.weights)
		run.StrategyName = cand.Name

		runID, err := e.store.SaveBacktestRun(ctx, run, trades)
		if err != nil {
			e.handleBacktestError(ctx, bus, cand, err)
			continue
		}

		cand.Status = types.StratDone
		if run.TotalTrades == 0 {
			cand.Status = types.StratInvalid
		}
		cand.TotalTrades, cand.WinRate, cand.TotalReturnPct = run.TotalTrades, run.WinRate, run.TotalReturnPct
		cand.MaxDrawdownPct, cand.AvgHoldDays, cand.AvgPnlPct = run.MaxDrawdownPct, run.AvgHoldDays, run.AvgPnlPct
		cand.Score, cand.RegimeStats, cand.BacktestRunID = score, run.RegimeStats, &runID

		if err := e.store.UpdateExperimentStrategy(ctx, *cand); err != nil {
			e.logger.Error("failed to persist backtest result", zap.String("name", cand.Name), zap.Error(err))
		}
		bus.Publish(progress.EventBacktestDone, map[string]any{"name": cand.Name, "score": score, "status": cand.Status})
	}
}

func (e *Engine) runOneBacktest(ctx context.Context, cfg backtest.Config, cand *types.ExperimentStrategy, combo *types.ComboConfig, siblings []types.ExperimentStrategy, bars map[string][]types.DailyPrice, regimeMap map[string]types.RegimeKind) (types.BacktestRun, []types.BacktestTrade, error) {
	timeout := regularBacktestTimeout
	var members []backtest.Member
	if combo != nil {
		timeout = comboBacktestTimeout
		members = backtest.MembersFrom(combo, func(id int64) (string, []types.Condition, []types.Condition, bool) {
			for _, s := range siblings {
				if s.ID == id {
					return s.Name, s.BuyConditions, s.SellConditions, true
				}
			}
			return "", nil, nil, false
		})
	}

	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	btCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	eng := backtest.New(cfg)
	return eng.Run(btCtx, backtest.Input{
		StrategyName: cand.Name, BuyConditions: cand.BuyConditions, SellConditions: cand.SellConditions,
		ExitConfig: cand.ExitConfig, Combo: combo, Members: members,
	}, bars, regimeMap)
}

func (e *Engine) markInvalid(ctx context.Context, bus *progress.Bus, cand *types.ExperimentStrategy, reason string) {
	cand.Status = types.StratInvalid
	cand.ErrorMessage = reason
	if err := e.store.UpdateExperimentStrategy(ctx, *cand); err != nil {
		e.logger.Error("failed to persist invalid strategy", zap.String("name", cand.Name), zap.Error(err))
	}
	bus.Publish(progress.EventBacktestSkip, map[string]string{"name": cand.Name, "reason": reason})
}

func (e *Engine) handleBacktestError(ctx context.Context, bus *progress.Bus, cand *types.ExperimentStrategy, err error) {
	var explosion *backtest.SignalExplosionError
	reason := err.Error()
	if errors.As(err, &explosion) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		cand.Status = types.StratInvalid
		cand.ErrorMessage = reason
		if uerr := e.store.UpdateExperimentStrategy(ctx, *cand); uerr != nil {
			e.logger.Error("failed to persist invalid strategy", zap.String("name", cand.Name), zap.Error(uerr))
		}
		bus.Publish(progress.EventBacktestSkip, map[string]string{"name": cand.Name, "reason": reason})
		return
	}
	e.logger.Error("backtest failed", zap.String("name", cand.Name), zap.Error(err))
	bus.Publish(progress.EventBacktestError, map[string]string{"name": cand.Name, "reason": reason})
}

// isTerminal matches spec §4.1 Phase 4's skip rule: done/invalid are
// always terminal; failed is terminal unless it's retryable (a resume
// reprocessing a failed-but-has-buy-conditions row).
func isTerminal(cand *types.ExperimentStrategy) bool {
	switch cand.Status {
	case types.StratDone, types.StratInvalid:
		return true
	case types.StratFailed:
		return !cand.IsRetryable()
	default:
		return false
	}
}

func bestScoreSummary(working []types.ExperimentStrategy, benchmarkReturnPct float64) map[string]any {
	var best *types.ExperimentStrategy
	for i := range working {
		if working[i].Status != types.StratDone {
			continue
		}
		if best == nil || working[i].Score > best.Score {
			best = &working[i]
		}
	}
	summary := map[string]any{"benchmark_return_pct": benchmarkReturnPct}
	if best != nil {
		summary["best_name"] = best.Name
		summary["best_score"] = best.Score
	}
	return summary
}
