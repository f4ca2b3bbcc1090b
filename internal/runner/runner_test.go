package runner_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/backtest"
	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/llm"
	"github.com/atlas-desktop/trading-backend/internal/progress"
	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/runner"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type fakeGenerator struct {
	strategies []llm.GeneratedStrategy
	err        error
}

func (f *fakeGenerator) GenerateStrategies(ctx context.Context, theme string) ([]llm.GeneratedStrategy, error) {
	return f.strategies, f.err
}

func alwaysBuyStrategy(name string) llm.GeneratedStrategy {
	return llm.GeneratedStrategy{
		Name: name, Description: "always triggers",
		BuyConditions: []types.Condition{{
			Field: "close", Operator: types.OpGT, CompareType: types.CompareValue, CompareValue: 0,
		}},
		SellConditions: nil,
		ExitConfig:     types.DefaultExitConfig(),
	}
}

func newTestEngine(t *testing.T) (*runner.Engine, *storage.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runner.db")
	store, err := storage.Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	collector := data.New(zap.NewNop(), store, config.DataSourceConfig{})
	classifier := regime.New(zap.NewNop(), store)

	return runner.New(context.Background(), store, zap.NewNop(), &fakeGenerator{strategies: []llm.GeneratedStrategy{alwaysBuyStrategy("always-buy")}}, collector, classifier, backtest.DefaultScoreWeights()), store
}

func seedUniverse(t *testing.T, store *storage.Store, code string) {
	t.Helper()
	require.NoError(t, store.UpsertStocks(context.Background(), []types.Stock{{Code: code, Name: "Test Co", Market: "SSE", Industry: "tech"}}))

	end := time.Now()
	var bars []types.DailyPrice
	for i := 90; i >= 0; i-- {
		d := end.AddDate(0, 0, -i)
		price := 10.0
		if i < 10 {
			price = 12.0 // jump near the end so the exit config's take-profit can fire
		}
		bars = append(bars, types.DailyPrice{
			Code: code, Date: d,
			Open: decimal.NewFromFloat(price), High: decimal.NewFromFloat(price * 1.01),
			Low: decimal.NewFromFloat(price * 0.99), Close: decimal.NewFromFloat(price),
			Volume: decimal.NewFromFloat(1000),
		})
	}
	_, err := store.UpsertDailyPrices(context.Background(), bars)
	require.NoError(t, err)
}

// drainBus reads a Bus to completion, failing the test if it doesn't
// finish within the deadline.
func drainBus(t *testing.T, bus *progress.Bus) []progress.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var all []progress.Event
	offset := 0
	for {
		events, next, finished, _ := bus.Read(ctx, offset)
		all = append(all, events...)
		offset = next
		if finished {
			return all
		}
		if ctx.Err() != nil {
			t.Fatal("bus did not finish before deadline")
		}
	}
}

func TestStart_MissingExperimentReturnsError(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Start(context.Background(), 999)
	assert.Error(t, err)
}

func TestStart_FullPipelineReachesExperimentDone(t *testing.T) {
	eng, store := newTestEngine(t)
	seedUniverse(t, store, "600519")

	ctx := context.Background()
	expID, err := store.CreateExperiment(ctx, types.Experiment{
		Theme: "momentum", SourceType: types.SourceCustom, Status: types.ExperimentPending,
		InitialCapital: decimal.NewFromInt(100000), MaxPositions: 10, MaxPositionPct: 30, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	bus, err := eng.Start(ctx, expID)
	require.NoError(t, err)

	events := drainBus(t, bus)
	var sawDone bool
	for _, e := range events {
		if e.Type == progress.EventExperimentDone {
			sawDone = true
		}
	}
	assert.True(t, sawDone, "expected an experiment_done event")

	exp, err := store.GetExperiment(ctx, expID)
	require.NoError(t, err)
	assert.Equal(t, types.ExperimentDone, exp.Status)

	strategies, err := store.ListExperimentStrategies(ctx, expID)
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Equal(t, types.StratDone, strategies[0].Status)
	assert.Positive(t, strategies[0].TotalTrades)
}

func TestStart_GeneratorFailureMarksExperimentFailed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner2.db")
	store, err := storage.Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	collector := data.New(zap.NewNop(), store, config.DataSourceConfig{})
	classifier := regime.New(zap.NewNop(), store)
	eng := runner.New(context.Background(), store, zap.NewNop(),
		&fakeGenerator{err: assertErr{"llm down"}}, collector, classifier, backtest.DefaultScoreWeights())

	ctx := context.Background()
	expID, err := store.CreateExperiment(ctx, types.Experiment{
		Theme: "x", SourceType: types.SourceCustom, Status: types.ExperimentPending,
		InitialCapital: decimal.NewFromInt(100000), MaxPositions: 10, MaxPositionPct: 30, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	bus, err := eng.Start(ctx, expID)
	require.NoError(t, err)
	drainBus(t, bus)

	exp, err := store.GetExperiment(ctx, expID)
	require.NoError(t, err)
	assert.Equal(t, types.ExperimentFailed, exp.Status)
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func TestIsRunning_FalseAfterFinishWithProgressRetained(t *testing.T) {
	eng, store := newTestEngine(t)
	seedUniverse(t, store, "600519")

	ctx := context.Background()
	expID, err := store.CreateExperiment(ctx, types.Experiment{
		Theme: "momentum", SourceType: types.SourceCustom, Status: types.ExperimentPending,
		InitialCapital: decimal.NewFromInt(100000), MaxPositions: 10, MaxPositionPct: 30, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	bus, err := eng.Start(ctx, expID)
	require.NoError(t, err)
	drainBus(t, bus)

	assert.False(t, eng.IsRunning(expID))
	_, ok := eng.GetProgress(expID)
	assert.True(t, ok, "finished run should still be visible within the retention window")
}

func TestRecoverOrphans_NonCloneMarkedFailed(t *testing.T) {
	eng, store := newTestEngine(t)
	ctx := context.Background()

	expID, err := store.CreateExperiment(ctx, types.Experiment{
		Theme: "x", SourceType: types.SourceCustom, Status: types.ExperimentBacktesting, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	rows := []types.ExperimentStrategy{{ExperimentID: expID, Name: "s1", Status: types.StratBacktesting}}
	require.NoError(t, store.CreateExperimentStrategies(ctx, rows))

	require.NoError(t, eng.RecoverOrphans(ctx))

	strategies, err := store.ListExperimentStrategies(ctx, expID)
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Equal(t, types.StratFailed, strategies[0].Status)
	assert.Equal(t, "orphaned after server restart", strategies[0].ErrorMessage)
}
