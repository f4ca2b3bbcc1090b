package pipeline_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/pipeline"
	"github.com/atlas-desktop/trading-backend/internal/signals"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/internal/tradeplan"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

type fakeAnalyst struct {
	report types.AIReport
	err    error
}

func (f fakeAnalyst) DailyReport(ctx context.Context, date time.Time) (types.AIReport, error) {
	return f.report, f.err
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.db")
	s, err := storage.Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestPipeline(t *testing.T, store *storage.Store, analyst fakeAnalyst) *pipeline.Pipeline {
	t.Helper()
	collector := data.New(zap.NewNop(), store, config.DataSourceConfig{})
	sigEngine := signals.New(zap.NewNop(), store, nil)
	planEngine := tradeplan.New(store, zap.NewNop())
	return pipeline.New(zap.NewNop(), store, collector, sigEngine, planEngine, analyst, nil, config.SignalsConfig{AutoRefreshHour: 15})
}

func TestRunOnce_NonTradingDaySkipsSteps3Through5(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	// No calendar entries: every date is a non-trading day.
	tradeDate := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	p := newTestPipeline(t, store, fakeAnalyst{report: types.AIReport{Summary: "quiet day"}})

	require.NoError(t, p.RunOnce(ctx, tradeDate))

	report, ok, err := store.GetAIReport(ctx, tradeDate)
	require.NoError(t, err)
	require.True(t, ok, "step 6 (daily analysis) must always run")
	assert.Equal(t, "quiet day", report.Summary)

	last, ok, err := store.GetPipelineState(ctx, "last_run_date")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2026-01-05", last)
}

func TestRunOnce_DailyAnalysisCreatesTradePlansFromRecommendations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tradeDate := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.UpsertCalendar(ctx, "SSE", map[string]bool{"2026-01-06": true}))
	seedPrice(t, store, "600519", tradeDate, 100, 101, 99, 100)

	report := types.AIReport{
		Summary: "buy the dip",
		Recommendations: []types.AIRecommendation{
			{StockCode: "600519", Action: "buy"},
		},
	}
	p := newTestPipeline(t, store, fakeAnalyst{report: report})

	require.NoError(t, p.RunOnce(ctx, tradeDate))

	plans, err := store.PendingPlansDueBy(ctx, time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "600519", plans[0].Code)
	assert.Equal(t, types.PlanBuy, plans[0].Direction)
}

func TestRunOnce_StepFailureIsolationStillPersistsLastRunDate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tradeDate := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	p := newTestPipeline(t, store, fakeAnalyst{err: assertErr("llm unavailable")})

	require.NoError(t, p.RunOnce(ctx, tradeDate))

	last, ok, err := store.GetPipelineState(ctx, "last_run_date")
	require.NoError(t, err)
	require.True(t, ok, "a failed step must not abort the remaining sequence or skip marking last_run_date")
	assert.Equal(t, "2026-01-05", last)

	_, ok, err = store.GetAIReport(ctx, tradeDate)
	require.NoError(t, err)
	assert.False(t, ok, "no report should be saved when the analyst call fails")
}

type slowAnalyst struct {
	release chan struct{}
	entered chan struct{}
}

func (a slowAnalyst) DailyReport(ctx context.Context, date time.Time) (types.AIReport, error) {
	close(a.entered)
	<-a.release
	return types.AIReport{}, nil
}

func TestRunOnce_RejectsConcurrentRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tradeDate := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	collector := data.New(zap.NewNop(), store, config.DataSourceConfig{})
	sigEngine := signals.New(zap.NewNop(), store, nil)
	planEngine := tradeplan.New(store, zap.NewNop())
	slow := slowAnalyst{release: make(chan struct{}), entered: make(chan struct{})}
	p := pipeline.New(zap.NewNop(), store, collector, sigEngine, planEngine, slow, nil, config.SignalsConfig{})

	go func() { _ = p.RunOnce(ctx, tradeDate) }()
	<-slow.entered // wait until the first run is inside its daily-analysis step

	err := p.RunOnce(ctx, tradeDate)
	assert.Error(t, err, "a second run must be rejected while the first is in flight")

	close(slow.release)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func seedPrice(t *testing.T, s *storage.Store, code string, date time.Time, o, h, l, c float64) {
	t.Helper()
	_, err := s.UpsertDailyPrices(context.Background(), []types.DailyPrice{{
		Code: code, Date: date,
		Open: decimal.NewFromFloat(o), High: decimal.NewFromFloat(h),
		Low: decimal.NewFromFloat(l), Close: decimal.NewFromFloat(c),
		Volume: decimal.NewFromFloat(1000),
	}})
	require.NoError(t, err)
}
