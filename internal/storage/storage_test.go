package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := storage.Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndGetDailyPrices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bar := types.DailyPrice{
		Code: "600519", Date: d,
		Open: decimal.NewFromFloat(100), High: decimal.NewFromFloat(105),
		Low: decimal.NewFromFloat(99), Close: decimal.NewFromFloat(103),
		Volume: decimal.NewFromFloat(1000), Amount: decimal.NewFromFloat(100000),
	}

	n, err := s.UpsertDailyPrices(ctx, []types.DailyPrice{bar})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetDailyPrices(ctx, "600519", d, d)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(decimal.NewFromFloat(103)))

	// Re-upserting the same (code, date) updates in place rather than duplicating.
	bar.Close = decimal.NewFromFloat(104)
	n, err = s.UpsertDailyPrices(ctx, []types.DailyPrice{bar})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = s.GetDailyPrices(ctx, "600519", d, d)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Close.Equal(decimal.NewFromFloat(104)))
}

func TestUpsertDailyPrices_SkipsInvalidRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	valid := types.DailyPrice{
		Code: "600519", Date: d,
		Open: decimal.NewFromFloat(100), High: decimal.NewFromFloat(105),
		Low: decimal.NewFromFloat(99), Close: decimal.NewFromFloat(103), Volume: decimal.NewFromFloat(1000),
	}
	invalid := types.DailyPrice{
		Code: "600520", Date: d,
		Open: decimal.NewFromFloat(100), High: decimal.NewFromFloat(90), // High < Low: invalid
		Low: decimal.NewFromFloat(99), Close: decimal.NewFromFloat(103), Volume: decimal.NewFromFloat(1000),
	}

	n, err := s.UpsertDailyPrices(ctx, []types.DailyPrice{valid, invalid})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the batch should skip the invalid row, not abort")
}

func TestUpsertSignal_OneRowPerCodeDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertSignal(ctx, "600519", d, "buy", 0.8, 0.1, 0.5, 0.2, []string{"strat-a"}))
	require.NoError(t, s.UpsertSignal(ctx, "600519", d, "sell", 0.3, 0.2, 0.4, 0.1, []string{"strat-b"}))

	rows, err := s.SignalsOn(ctx, d)
	require.NoError(t, err)
	require.Len(t, rows, 1, "at most one TradingSignal row per (code, date)")
	assert.Equal(t, "sell", rows[0].Action)
}

func TestTradePlan_OnlyOnePendingPerCodeDirection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertTradePlan(ctx, types.TradePlan{
		Code: "600519", Direction: types.PlanBuy, PlanPrice: decimal.NewFromFloat(100),
		Quantity: 100, PlanDate: d1, Status: types.PlanPending,
	}))
	require.NoError(t, s.UpsertTradePlan(ctx, types.TradePlan{
		Code: "600519", Direction: types.PlanBuy, PlanPrice: decimal.NewFromFloat(101),
		Quantity: 200, PlanDate: d2, Status: types.PlanPending,
	}))

	due, err := s.PendingPlansDueBy(ctx, d2)
	require.NoError(t, err)
	require.Len(t, due, 1, "the second upsert should replace the first pending plan, not add one")
	assert.True(t, due[0].PlanPrice.Equal(decimal.NewFromFloat(101)))
	assert.Equal(t, int64(200), due[0].Quantity)
}

func TestApplySell_FullExitDeletesHoldingAndSpawnsReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	_, _, err := s.ApplyBuy(ctx, types.BotTrade{
		Code: "600519", Quantity: 100, Price: decimal.NewFromFloat(100),
		Amount: decimal.NewFromFloat(10000), TradeDate: d,
	})
	require.NoError(t, err)

	review := &types.BotTradeReview{Code: "600519", ClosedAt: d.AddDate(0, 0, 5), PnlPct: 5.0, HoldDays: 5}
	err = s.ApplySell(ctx, types.BotTrade{
		Code: "600519", Quantity: 100, Price: decimal.NewFromFloat(105),
		Amount: decimal.NewFromFloat(10500), TradeDate: d.AddDate(0, 0, 5),
	}, review)
	require.NoError(t, err)

	_, ok, err := s.GetHolding(ctx, "600519")
	require.NoError(t, err)
	assert.False(t, ok, "fully exited holding rows must be deleted")
}

func TestInsertMissingRegimeLabels_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	label := types.MarketRegimeLabel{
		WeekStart: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
		WeekEnd:   time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC),
		Regime:    types.RegimeTrendingBull,
	}

	n, err := s.InsertMissingRegimeLabels(ctx, []types.MarketRegimeLabel{label})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.InsertMissingRegimeLabels(ctx, []types.MarketRegimeLabel{label})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "calling again with the same week must insert nothing")
}
