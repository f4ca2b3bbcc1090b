package backtest_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/internal/backtest"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func bar(code string, date time.Time, o, h, l, c float64) types.DailyPrice {
	return types.DailyPrice{
		Code: code, Date: date,
		Open: decimal.NewFromFloat(o), High: decimal.NewFromFloat(h),
		Low: decimal.NewFromFloat(l), Close: decimal.NewFromFloat(c),
		Volume: decimal.NewFromFloat(100000),
	}
}

func day(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestRun_BuyThenTakeProfit(t *testing.T) {
	var series []types.DailyPrice
	for i := 0; i < 10; i++ {
		series = append(series, bar("A", day(i), 10, 10.2, 9.8, 10))
	}
	series = append(series, bar("A", day(10), 10, 12.2, 9.9, 12))  // buy trigger: close(12) > MA5
	series = append(series, bar("A", day(11), 12, 15, 11.5, 14))   // take-profit: threshold 14.4 within [11.5,15]; low stays above stop 11.04

	in := backtest.Input{
		StrategyName: "ma5-breakout",
		BuyConditions: []types.Condition{
			{Field: "close", CompareType: types.CompareField, Operator: types.OpGT, CompareField: "MA", CompareParams: map[string]any{"period": 5}},
		},
		ExitConfig: types.ExitConfig{StopLossPct: -8, TakeProfitPct: 20, MaxHoldDays: 20},
	}

	eng := backtest.New(backtest.Config{InitialCapital: decimal.NewFromInt(100000), MaxPositions: 10, MaxPositionPct: 30})
	run, trades, err := eng.Run(context.Background(), in, map[string][]types.DailyPrice{"A": series}, nil)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, "A", tr.StockCode)
	assert.Equal(t, "take_profit", tr.SellReason)
	assert.InDelta(t, 20.0, tr.PnlPct, 0.5)
	assert.Equal(t, 1, run.TotalTrades)
	assert.Equal(t, 1.0, run.WinRate)
	assert.Equal(t, 1, run.SellReasonStats["take_profit"])
}

func TestRun_StopLossExitsFirst(t *testing.T) {
	var series []types.DailyPrice
	for i := 0; i < 10; i++ {
		series = append(series, bar("B", day(i), 10, 10.2, 9.8, 10))
	}
	series = append(series, bar("B", day(10), 10, 12.2, 9.9, 12))
	series = append(series, bar("B", day(11), 12, 12.5, 10.5, 11)) // low 10.5 breaches stop 11.04

	in := backtest.Input{
		StrategyName: "ma5-breakout",
		BuyConditions: []types.Condition{
			{Field: "close", CompareType: types.CompareField, Operator: types.OpGT, CompareField: "MA", CompareParams: map[string]any{"period": 5}},
		},
		ExitConfig: types.ExitConfig{StopLossPct: -8, TakeProfitPct: 20, MaxHoldDays: 20},
	}

	eng := backtest.New(backtest.DefaultConfig())
	_, trades, err := eng.Run(context.Background(), in, map[string][]types.DailyPrice{"B": series}, nil)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "stop_loss", trades[0].SellReason)
	assert.Less(t, trades[0].PnlPct, 0.0)
}

func TestRun_ExplosionCircuitBreaker(t *testing.T) {
	bars := make(map[string][]types.DailyPrice)
	for i := 0; i < 60; i++ {
		code := string(rune('A' + i%26)) + string(rune('a'+i/26))
		bars[code] = []types.DailyPrice{bar(code, day(0), 10, 10.2, 9.8, 10)}
	}

	in := backtest.Input{
		StrategyName: "always-buy",
		BuyConditions: []types.Condition{
			{Field: "close", CompareType: types.CompareValue, Operator: types.OpGT, CompareValue: 1},
		},
		ExitConfig: types.DefaultExitConfig(),
	}

	eng := backtest.New(backtest.DefaultConfig())
	_, _, err := eng.Run(context.Background(), in, bars, nil)
	require.Error(t, err)
	var explosion *backtest.SignalExplosionError
	assert.ErrorAs(t, err, &explosion)
}

func TestQuickSignalCheck_FindsTriggerInSample(t *testing.T) {
	series := []types.DailyPrice{bar("A", day(0), 10, 10.2, 9.8, 10)}
	fired := backtest.QuickSignalCheck(map[string][]types.DailyPrice{"A": series}, []types.Condition{
		{Field: "close", CompareType: types.CompareValue, Operator: types.OpGT, CompareValue: 5},
	})
	assert.True(t, fired)
}

func TestQuickSignalCheck_FalseWhenNeverFires(t *testing.T) {
	series := []types.DailyPrice{bar("A", day(0), 10, 10.2, 9.8, 10)}
	fired := backtest.QuickSignalCheck(map[string][]types.DailyPrice{"A": series}, []types.Condition{
		{Field: "close", CompareType: types.CompareValue, Operator: types.OpGT, CompareValue: 999},
	})
	assert.False(t, fired)
}

func TestExtractComboConfig_FromRegimeStatsType(t *testing.T) {
	candidate := types.ExperimentStrategy{
		ID: 1, Name: "vote-combo",
		RegimeStats: map[string]any{
			"type":          "combo",
			"memberIds":     []any{float64(2), float64(3)},
			"voteThreshold": float64(2),
			"sellMode":      "any",
		},
	}
	cfg := backtest.ExtractComboConfig(candidate, nil)
	require.NotNil(t, cfg)
	assert.Equal(t, []int64{2, 3}, cfg.MemberIDs)
	assert.Equal(t, 2, cfg.VoteThreshold)
	assert.Equal(t, "any", cfg.SellMode)
}

func TestExtractComboConfig_FromSiblingVoteName(t *testing.T) {
	candidate := types.ExperimentStrategy{ID: 1, ExperimentID: 7, Name: "投票2/3"}
	siblings := []types.ExperimentStrategy{
		{ID: 2, ExperimentID: 7, Name: "rsi-dip"},
		{ID: 3, ExperimentID: 7, Name: "macd-cross"},
		{ID: 4, ExperimentID: 7, Name: "boll-break"},
	}
	cfg := backtest.ExtractComboConfig(candidate, siblings)
	require.NotNil(t, cfg)
	assert.Equal(t, 2, cfg.VoteThreshold)
	assert.Len(t, cfg.MemberIDs, 3)
}

func TestExtractComboConfig_NilForRegularStrategy(t *testing.T) {
	cfg := backtest.ExtractComboConfig(types.ExperimentStrategy{ID: 1, Name: "plain"}, nil)
	assert.Nil(t, cfg)
}
