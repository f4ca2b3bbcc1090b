package signals_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/signals"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.db")
	s, err := storage.Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedBars(t *testing.T, s *storage.Store, code string, n int, start float64, step float64) time.Time {
	t.Helper()
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.DailyPrice, 0, n)
	price := start
	for i := 0; i < n; i++ {
		bars = append(bars, types.DailyPrice{
			Code: code, Date: d,
			Open: decimal.NewFromFloat(price), High: decimal.NewFromFloat(price * 1.01),
			Low: decimal.NewFromFloat(price * 0.99), Close: decimal.NewFromFloat(price),
			Volume: decimal.NewFromFloat(100000),
		})
		price += step
		d = d.AddDate(0, 0, 1)
	}
	_, err := s.UpsertDailyPrices(context.Background(), bars)
	require.NoError(t, err)
	return bars[len(bars)-1].Date
}

func TestScan_ProducesBuySignalForUptrend(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertStocks(ctx, []types.Stock{{Code: "000001", Name: "Test Co"}}))
	last := seedBars(t, s, "000001", 80, 100, 1.0)

	strategyID, err := s.PromoteStrategy(ctx, types.Strategy{
		Name:    "breakout",
		Enabled: true,
		BuyConditions: []types.Condition{
			{Field: "close", CompareType: types.CompareField, Operator: types.OpGT, CompareField: "MA", CompareParams: map[string]any{"period": 20}},
		},
		SellConditions: []types.Condition{
			{Field: "close", CompareType: types.CompareField, Operator: types.OpLT, CompareField: "MA", CompareParams: map[string]any{"period": 20}},
		},
		ExitConfig: types.DefaultExitConfig(),
	})
	require.NoError(t, err)
	require.NotZero(t, strategyID)

	eng := signals.New(zap.NewNop(), s, nil)
	var events []signals.Event
	n, err := eng.Scan(ctx, last, nil, func(e signals.Event) { events = append(events, e) })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := s.SignalsOn(ctx, last)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "buy", rows[0].Action)
	assert.Greater(t, rows[0].AlphaScore, 0.0)

	var sawStart, sawSignal, sawDone bool
	for _, e := range events {
		switch e.Type {
		case "start":
			sawStart = true
		case "signal":
			sawSignal = true
		case "done":
			sawDone = true
			assert.Equal(t, 1, e.Generated)
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawSignal)
	assert.True(t, sawDone)
}

func TestScan_SkipsStockBelowMinBars(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertStocks(ctx, []types.Stock{{Code: "000002", Name: "Too Short"}}))
	last := seedBars(t, s, "000002", 30, 100, 1.0)

	_, err := s.PromoteStrategy(ctx, types.Strategy{
		Name: "any", Enabled: true,
		BuyConditions: []types.Condition{{Field: "close", CompareType: types.CompareValue, Operator: types.OpGT, CompareValue: 2}},
		ExitConfig:    types.DefaultExitConfig(),
	})
	require.NoError(t, err)

	eng := signals.New(zap.NewNop(), s, nil)
	n, err := eng.Scan(ctx, last, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScan_StaleSignalsRemovedWhenStrategyNoLongerTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertStocks(ctx, []types.Stock{{Code: "000003", Name: "Fades"}}))
	last := seedBars(t, s, "000003", 80, 100, 1.0)

	require.NoError(t, s.UpsertSignal(ctx, "000003", last, "buy", 50, 10, 10, 10, []string{"old"}))

	_, err := s.PromoteStrategy(ctx, types.Strategy{
		Name: "never", Enabled: true,
		BuyConditions: []types.Condition{{Field: "close", CompareType: types.CompareValue, Operator: types.OpGT, CompareValue: 999999}},
		ExitConfig:    types.DefaultExitConfig(),
	})
	require.NoError(t, err)

	eng := signals.New(zap.NewNop(), s, nil)
	n, err := eng.Scan(ctx, last, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	rows, err := s.SignalsOn(ctx, last)
	require.NoError(t, err)
	assert.Empty(t, rows, "stale signal row must be GC'd when the stock no longer triggers")
}

type fakeSentiment struct {
	score float64
	ok    bool
}

func (f fakeSentiment) Score(context.Context, time.Time) (float64, bool, error) {
	return f.score, f.ok, nil
}

func TestScan_SentimentGateSuppressesThinlySupportedBuy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertStocks(ctx, []types.Stock{{Code: "000004", Name: "Gated"}}))
	last := seedBars(t, s, "000004", 80, 100, 1.0)

	_, err := s.PromoteStrategy(ctx, types.Strategy{
		Name: "solo-buy", Enabled: true,
		BuyConditions: []types.Condition{{Field: "close", CompareType: types.CompareValue, Operator: types.OpGT, CompareValue: 2}},
		ExitConfig:    types.DefaultExitConfig(),
	})
	require.NoError(t, err)

	eng := signals.New(zap.NewNop(), s, fakeSentiment{score: 10, ok: true})
	n, err := eng.Scan(ctx, last, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "bearish sentiment with only one supporting strategy should suppress the buy")
}
