package runner

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
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// blockingGenerator never returns until its context is canceled. It
// stands in for a worker still running phase 1 when the watchdog sweeps
// (spec §8 Scenario D needs a genuinely stuck worker, not one that
// happens to finish on its own before the sweep).
type blockingGenerator struct{}

func (blockingGenerator) GenerateStrategies(ctx context.Context, theme string) ([]llm.GeneratedStrategy, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// This file lives in package runner (not runner_test) so the test can
// reach into active/startedAt directly and call sweepWatchdog without
// waiting out the real watchdogInterval/watchdogMaxAge durations.
func TestSweepWatchdog_StaleWorkerFailsExperimentAndInvalidatesStrategies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.db")
	store, err := storage.Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	collector := data.New(zap.NewNop(), store, config.DataSourceConfig{})
	classifier := regime.New(zap.NewNop(), store)
	eng := New(context.Background(), store, zap.NewNop(), blockingGenerator{}, collector, classifier, backtest.DefaultScoreWeights())

	ctx := context.Background()
	expID, err := store.CreateExperiment(ctx, types.Experiment{
		Theme: "stuck", SourceType: types.SourceCustom, Status: types.ExperimentPending,
		InitialCapital: decimal.NewFromInt(100000), MaxPositions: 10, MaxPositionPct: 30, CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateExperimentStrategies(ctx, []types.ExperimentStrategy{
		{ExperimentID: expID, Name: "stuck-1", Status: types.StratPending},
	}))

	bus, err := eng.Start(ctx, expID)
	require.NoError(t, err)

	// Back-date the handle instead of waiting out watchdogMaxAge.
	eng.mu.Lock()
	eng.active[expID].startedAt = time.Now().Add(-2 * watchdogMaxAge)
	eng.mu.Unlock()

	eng.sweepWatchdog(ctx)

	events := drainWatchdogBus(t, bus)
	var sawError bool
	for _, e := range events {
		if e.Type == progress.EventError {
			sawError = true
		}
	}
	assert.True(t, sawError, "expected an error event on the stream")

	exp, err := store.GetExperiment(ctx, expID)
	require.NoError(t, err)
	assert.Equal(t, types.ExperimentFailed, exp.Status)

	strategies, err := store.ListExperimentStrategies(ctx, expID)
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Equal(t, types.StratInvalid, strategies[0].Status)

	assert.Equal(t, int64(1), eng.WatchdogKillCount())
}

func drainWatchdogBus(t *testing.T, bus *progress.Bus) []progress.Event {
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
