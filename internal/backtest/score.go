package backtest

import "math"

// ScoreWeights are the Runner's component weights (spec §4.3 "Score
// formula"), loaded from config (`ai_lab.weight_{return,drawdown,sharpe,plr}`).
type ScoreWeights struct {
	Return   float64
	Drawdown float64
	Sharpe   float64
	PLR      float64
}

// DefaultScoreWeights matches spec §4.3's default weighting.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Return: 0.30, Drawdown: 0.25, Sharpe: 0.25, PLR: 0.20}
}

func sigmoid(x, center, scale float64) float64 {
	return 1 / (1 + math.Exp(-(x-center)/scale))
}

// Score computes the Runner's composite strategy score (spec §4.3
// "Score formula"), called after a successful backtest.
func Score(run BacktestMetrics, w ScoreWeights) float64 {
	retScore := sigmoid(run.TotalReturnPct, 0, 30)
	ddScore := 1 - sigmoid(math.Abs(run.MaxDrawdownPct), 30, 15)
	sharpeScore := sigmoid(run.SharpeRatio, 0, 1.5)
	plrScore := sigmoid(run.ProfitLossRatio, 1, 1.5)

	score := w.Return*retScore + w.Drawdown*ddScore + w.Sharpe*sharpeScore + w.PLR*plrScore
	if math.Abs(run.MaxDrawdownPct) > 80 {
		score *= 0.5
	}
	return score
}

// BacktestMetrics is the subset of types.BacktestRun the score formula
// reads, kept separate so callers needn't construct a full run record.
type BacktestMetrics struct {
	TotalReturnPct  float64
	MaxDrawdownPct  float64
	SharpeRatio     float64
	ProfitLossRatio float64
}
