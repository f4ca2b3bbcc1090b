package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// buildRun aggregates trades and the equity curve into a BacktestRun
// (spec §4.3 "Outputs"), grounded on the same mean/stdev/drawdown
// arithmetic the teacher's metrics calculator uses, generalized from
// per-tick equity points to per-trading-day ones.
func buildRun(strategyName string, cfg Config, grid []time.Time, curve []types.EquityPoint, trades []types.BacktestTrade, sellStats map[string]int, finalEquity decimal.Decimal, regimeMap map[string]types.RegimeKind) types.BacktestRun {
	run := types.BacktestRun{
		StrategyName:    strategyName,
		InitialCapital:  cfg.InitialCapital,
		MaxPositions:    cfg.MaxPositions,
		EquityCurve:     curve,
		SellReasonStats: sellStats,
		TotalTrades:     len(trades),
	}
	if len(grid) > 0 {
		run.StartDate = grid[0]
		run.EndDate = grid[len(grid)-1]
	}

	initial, _ := cfg.InitialCapital.Float64()
	final, _ := finalEquity.Float64()
	if initial != 0 {
		run.TotalReturnPct = (final - initial) / initial * 100
	}

	var wins, losses int
	var sumPnl, sumHold, sumWinPnl, sumLossPnl float64
	for _, t := range trades {
		sumPnl += t.PnlPct
		sumHold += float64(t.HoldDays)
		if t.PnlPct > 0 {
			wins++
			sumWinPnl += t.PnlPct
		} else if t.PnlPct < 0 {
			losses++
			sumLossPnl += t.PnlPct
		}
	}
	if len(trades) > 0 {
		run.WinRate = float64(wins) / float64(len(trades))
		run.AvgPnlPct = sumPnl / float64(len(trades))
		run.AvgHoldDays = sumHold / float64(len(trades))
	}
	if wins > 0 && losses > 0 {
		avgWin := sumWinPnl / float64(wins)
		avgLoss := math.Abs(sumLossPnl / float64(losses))
		if avgLoss > 0 {
			run.ProfitLossRatio = avgWin / avgLoss
		}
	}

	run.MaxDrawdownPct = maxDrawdownPct(curve)

	if len(grid) > 1 && initial > 0 {
		years := grid[len(grid)-1].Sub(grid[0]).Hours() / 24 / 365
		if years > 0 {
			run.CagrPct = (math.Pow(final/initial, 1/years) - 1) * 100
		}
	}

	dailyReturns := dailyReturns(curve)
	run.SharpeRatio = sharpeRatio(dailyReturns)

	if run.MaxDrawdownPct != 0 {
		run.CalmarRatio = run.CagrPct / math.Abs(run.MaxDrawdownPct)
	}

	if regimeMap != nil {
		run.RegimeStats = regimeStats(trades, regimeMap)
	}

	return run
}

func maxDrawdownPct(curve []types.EquityPoint) float64 {
	if len(curve) == 0 {
		return 0
	}
	peak, _ := curve[0].Equity.Float64()
	maxDD := 0.0
	for _, p := range curve {
		eq, _ := p.Equity.Float64()
		if eq > peak {
			peak = eq
		}
		if peak > 0 {
			dd := (peak - eq) / peak * 100
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return -maxDD
}

func dailyReturns(curve []types.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Equity.Float64()
		cur, _ := curve[i].Equity.Float64()
		if prev == 0 {
			continue
		}
		out = append(out, (cur-prev)/prev)
	}
	return out
}

func sharpeRatio(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := meanOf(returns)
	sd := stdDevOf(returns, mean)
	if sd == 0 {
		return 0
	}
	return mean / sd * math.Sqrt(252)
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDevOf(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// regimeStats attributes each trade to the regime label on its entry
// (buy) date (spec §4.3 "Outputs").
func regimeStats(trades []types.BacktestTrade, regimeMap map[string]types.RegimeKind) map[string]any {
	type acc struct {
		count   int
		sumPnl  float64
		wins    int
	}
	byRegime := make(map[types.RegimeKind]*acc)
	for _, t := range trades {
		regime, ok := regimeMap[dateKey(t.BuyDate)]
		if !ok {
			continue
		}
		a, ok := byRegime[regime]
		if !ok {
			a = &acc{}
			byRegime[regime] = a
		}
		a.count++
		a.sumPnl += t.PnlPct
		if t.PnlPct > 0 {
			a.wins++
		}
	}
	out := make(map[string]any, len(byRegime))
	for regime, a := range byRegime {
		avgPnl := 0.0
		winRate := 0.0
		if a.count > 0 {
			avgPnl = a.sumPnl / float64(a.count)
			winRate = float64(a.wins) / float64(a.count)
		}
		out[string(regime)] = map[string]any{
			"trades":   a.count,
			"avg_pnl":  avgPnl,
			"win_rate": winRate,
		}
	}
	return out
}
