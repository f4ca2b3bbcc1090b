// Package pipeline implements the Scheduled Pipeline (spec §4.5): the
// daily orchestrator that sequences trade-plan execution, data repair,
// price sync, signal generation, and AI analysis. Safe to call more than
// once per day (idempotent) and safe to restart mid-flight.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/llm"
	"github.com/atlas-desktop/trading-backend/internal/signals"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/internal/tradeplan"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// wakeInterval is how often the daemon loop checks the clock.
const wakeInterval = 30 * time.Second

// priceSyncThrottleEvery sleeps 1s per this many stocks during price sync
// (spec §4.5 step 4), distinct from the Collector's own per-call rate limit.
const priceSyncThrottleEvery = 50

// lastRunDateKey is the GetPipelineState/SetPipelineState key for the
// scheduler's idempotency guard.
const lastRunDateKey = "last_run_date"

// defaultExchange is the calendar the trading-day probe consults.
const defaultExchange = "SSE"

// fallbackFamilyCount bounds the top-N fallback when the AI family
// selector is unavailable or fails.
const fallbackFamilyCount = 3

// Pipeline drives the daily operational sequence.
type Pipeline struct {
	logger    *zap.Logger
	store     *storage.Store
	collector *data.Collector
	signals   *signals.Engine
	tradeplan *tradeplan.Engine
	analyst   llm.DailyAnalyst
	selector  llm.FamilySelector
	cfg       config.SignalsConfig

	mu              sync.Mutex
	running         bool
	lastRunDuration time.Duration
}

// New constructs a Pipeline. selector may be nil, in which case step 5
// always falls back to top-N by weight.
func New(logger *zap.Logger, store *storage.Store, collector *data.Collector, sigEngine *signals.Engine, planEngine *tradeplan.Engine, analyst llm.DailyAnalyst, selector llm.FamilySelector, cfg config.SignalsConfig) *Pipeline {
	return &Pipeline{
		logger: logger.Named("pipeline"), store: store, collector: collector,
		signals: sigEngine, tradeplan: planEngine, analyst: analyst, selector: selector, cfg: cfg,
	}
}

// Run starts the 30 s daemon wake loop; it blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.maybeFire(ctx)
		}
	}
}

// maybeFire fires RunOnce for today if the target time has passed, today
// hasn't already run, and no run is currently in flight.
func (p *Pipeline) maybeFire(ctx context.Context) {
	now := time.Now()
	target := time.Date(now.Year(), now.Month(), now.Day(), p.cfg.AutoRefreshHour, p.cfg.AutoRefreshMinute, 0, 0, now.Location())
	if now.Before(target) {
		return
	}

	today := truncateDay(now)
	last, ok, err := p.store.GetPipelineState(ctx, lastRunDateKey)
	if err != nil {
		p.logger.Error("failed to read last_run_date", zap.Error(err))
		return
	}
	if ok && last == today.Format("2006-01-02") {
		return
	}

	if err := p.RunOnce(ctx, today); err != nil {
		p.logger.Error("scheduled run failed", zap.Error(err))
	}
}

// Trigger runs the pipeline for tradeDate immediately, bypassing the
// clock check but still honoring the in-flight guard.
func (p *Pipeline) Trigger(ctx context.Context, tradeDate time.Time) error {
	return p.RunOnce(ctx, truncateDay(tradeDate))
}

// IsRunning reports whether a run is currently in flight, for callers
// (the HTTP surface's 409-on-concurrent-trigger rule, spec §6) that
// need to check before calling Trigger.
func (p *Pipeline) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// LastRunDuration reports how long the most recently completed run
// took, for the HTTP metrics surface. Zero until the first run finishes.
func (p *Pipeline) LastRunDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRunDuration
}

// RunOnce executes the full 7-step sequence for tradeDate. Each step runs
// under its own failure isolation: a failed step is logged and the
// sequence proceeds to the next (spec §4.5).
func (p *Pipeline) RunOnce(ctx context.Context, tradeDate time.Time) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline.RunOnce: a run is already in flight")
	}
	p.running = true
	p.mu.Unlock()
	startedAt := time.Now()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.lastRunDuration = time.Since(startedAt)
		p.mu.Unlock()
	}()

	p.logger.Info("scheduled pipeline starting", zap.Time("trade_date", tradeDate))

	// Step 1 always runs, even on non-trading days, so missed-day plans expire.
	p.step("execute_trade_plans", func() error {
		return p.tradeplan.Execute(ctx, tradeDate)
	})

	isTradingDay, err := p.store.IsTradingDay(ctx, defaultExchange, tradeDate)
	if err != nil {
		p.logger.Error("trading-day probe failed", zap.Error(err))
		isTradingDay = false
	}

	if isTradingDay {
		p.step("data_integrity", func() error {
			_, err := p.collector.RepairDailyGaps(ctx, tradeDate, tradeDate, nil)
			return err
		})

		p.step("price_sync", func() error {
			return p.syncPrices(ctx, tradeDate)
		})

		p.step("signal_generation", func() error {
			return p.generateSignals(ctx, tradeDate)
		})
	} else {
		p.logger.Info("not a trading day, skipping steps 3-5", zap.Time("trade_date", tradeDate))
	}

	// Step 6 always runs.
	p.step("daily_analysis", func() error {
		return p.dailyAnalysis(ctx, tradeDate)
	})

	if err := p.store.SetPipelineState(ctx, lastRunDateKey, tradeDate.Format("2006-01-02")); err != nil {
		return fmt.Errorf("pipeline.RunOnce: persist last_run_date: %w", err)
	}
	p.logger.Info("scheduled pipeline finished", zap.Time("trade_date", tradeDate))
	return nil
}

// step runs fn under failure isolation: a panic or error is logged and
// does not abort the remaining sequence.
func (p *Pipeline) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline step panicked", zap.String("step", name), zap.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		p.logger.Error("pipeline step failed", zap.String("step", name), zap.Error(err))
	}
}

// syncPrices fetches today's bar for every stock with at least 60 local
// bars, throttling 1s per 50 stocks (spec §4.5 step 4).
func (p *Pipeline) syncPrices(ctx context.Context, tradeDate time.Time) error {
	stocks, err := p.store.ListStocks(ctx)
	if err != nil {
		return fmt.Errorf("pipeline.syncPrices: list stocks: %w", err)
	}

	fiveYearsAgo := tradeDate.AddDate(-5, 0, 0)
	synced := 0
	for _, s := range stocks {
		local, err := p.store.GetDailyPrices(ctx, s.Code, fiveYearsAgo, tradeDate)
		if err != nil {
			p.logger.Warn("price sync: local lookup failed", zap.String("code", s.Code), zap.Error(err))
			continue
		}
		if len(local) < 60 {
			continue
		}

		if _, err := p.collector.GetDailyDF(ctx, s.Code, tradeDate, tradeDate, false); err != nil {
			p.logger.Warn("price sync: fetch failed", zap.String("code", s.Code), zap.Error(err))
		}

		synced++
		if synced%priceSyncThrottleEvery == 0 {
			time.Sleep(1 * time.Second)
		}
	}
	return nil
}

// generateSignals runs step 5: optionally narrow to an AI-selected family
// subset (selectStrategies handles the top-N-by-weight fallback). If the
// enabled strategies cannot be listed, strategyIDs stays nil and every
// enabled strategy votes.
func (p *Pipeline) generateSignals(ctx context.Context, tradeDate time.Time) error {
	strategyIDs, err := p.selectStrategies(ctx)
	if err != nil {
		p.logger.Warn("family selection failed, scanning all enabled strategies", zap.Error(err))
		strategyIDs = nil
	}

	_, err = p.signals.Scan(ctx, tradeDate, strategyIDs, nil)
	if err != nil {
		return fmt.Errorf("pipeline.generateSignals: %w", err)
	}
	return nil
}

// selectStrategies asks the AI family selector which families to re-run
// and resolves them to strategy IDs via each strategy's category. A nil
// selector, an LLM error, or an empty selection all fall back to the
// top fallbackFamilyCount families by weight.
func (p *Pipeline) selectStrategies(ctx context.Context) ([]int64, error) {
	strategies, err := p.store.ListEnabledStrategies(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled strategies: %w", err)
	}

	families := familyStats(strategies)
	if p.selector != nil && len(families) > 0 {
		selection, err := p.selector.SelectFamilies(ctx, familyStatsTable(families))
		if err == nil && len(selection.SelectedFamilies) > 0 {
			return strategyIDsForFamilies(strategies, selection.SelectedFamilies), nil
		}
	}

	topNames := topFamilyNames(families, fallbackFamilyCount)
	return strategyIDsForFamilies(strategies, topNames), nil
}

type familySummary struct {
	name      string
	avgWeight float64
	count     int
}

func familyStats(strategies []types.Strategy) []familySummary {
	totals := make(map[string]float64)
	counts := make(map[string]int)
	var order []string
	for _, st := range strategies {
		family := st.Category
		if family == "" {
			family = "uncategorized"
		}
		if counts[family] == 0 {
			order = append(order, family)
		}
		totals[family] += st.Weight
		counts[family]++
	}
	sort.Strings(order)

	out := make([]familySummary, 0, len(order))
	for _, name := range order {
		out = append(out, familySummary{name: name, avgWeight: totals[name] / float64(counts[name]), count: counts[name]})
	}
	return out
}

// familyStatsTable renders a markdown table for the LLM family-selection
// prompt.
func familyStatsTable(families []familySummary) string {
	table := "| family | count | avg_weight |\n|---|---|---|\n"
	for _, f := range families {
		table += fmt.Sprintf("| %s | %d | %.2f |\n", f.name, f.count, f.avgWeight)
	}
	return table
}

func topFamilyNames(families []familySummary, n int) []string {
	sorted := append([]familySummary(nil), families...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].avgWeight > sorted[j].avgWeight })
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	names := make([]string, len(sorted))
	for i, f := range sorted {
		names[i] = f.name
	}
	return names
}

func strategyIDsForFamilies(strategies []types.Strategy, families []string) []int64 {
	allow := make(map[string]bool, len(families))
	for _, f := range families {
		allow[f] = true
	}
	var ids []int64
	for _, st := range strategies {
		family := st.Category
		if family == "" {
			family = "uncategorized"
		}
		if allow[family] {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

// dailyAnalysis invokes the external LLM analyst, persists its report,
// and feeds its recommendations into the trade-plan generator for the
// next trading day (spec §4.5 step 6 / §4.7).
func (p *Pipeline) dailyAnalysis(ctx context.Context, tradeDate time.Time) error {
	report, err := p.analyst.DailyReport(ctx, tradeDate)
	if err != nil {
		return fmt.Errorf("pipeline.dailyAnalysis: %w", err)
	}
	report.Date = tradeDate
	if err := p.store.SaveAIReport(ctx, report); err != nil {
		return fmt.Errorf("pipeline.dailyAnalysis: save report: %w", err)
	}
	if len(report.Recommendations) == 0 {
		return nil
	}
	if err := p.tradeplan.CreateFromReport(ctx, report, tradeDate); err != nil {
		return fmt.Errorf("pipeline.dailyAnalysis: create trade plans: %w", err)
	}
	return nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
