// Package data implements the Data Collector (spec §4.6): cached OHLCV
// access with transparent gap detection/repair and per-category
// primary/fallback source selection.
package data

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/config"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const defaultExchange = "SSE"

// ProgressFunc receives repair progress (one call per processed gap date).
type ProgressFunc func(done, total int, date time.Time)

// Collector is the Data Collector. One instance is wired per process,
// owning both upstream source clients and the shared SQLite store.
type Collector struct {
	logger  *zap.Logger
	store   *storage.Store
	cfg     config.DataSourceConfig
	tushare *tushareSource
	akshare *akshareProxySource
}

func New(logger *zap.Logger, store *storage.Store, cfg config.DataSourceConfig) *Collector {
	return &Collector{
		logger:  logger.Named("data"),
		store:   store,
		cfg:     cfg,
		tushare: newTushareSource(cfg.TushareToken, cfg.TushareRPM),
		akshare: newAkshareProxySource("", cfg.RateLimitMs),
	}
}

func (c *Collector) sourceFor(preferred string) (primary, fallback source) {
	if preferred == "akshare" {
		return c.akshare, c.tushare
	}
	return c.tushare, c.akshare
}

func (c *Collector) sleepRateLimit() {
	if c.cfg.RateLimitMs > 0 {
		time.Sleep(time.Duration(c.cfg.RateLimitMs) * time.Millisecond)
	}
}

// SyncStockList fetches the A-share instrument master list and upserts it.
func (c *Collector) SyncStockList(ctx context.Context) (int, error) {
	primary, fallback := c.sourceFor(c.cfg.StockList)
	c.sleepRateLimit()
	stocks, err := primary.fetchStockList(ctx)
	if (err != nil || len(stocks) == 0) && c.cfg.FallbackEnabled {
		c.logger.Warn("stock list primary source failed, trying fallback", zap.String("primary", primary.name()), zap.Error(err))
		c.sleepRateLimit()
		stocks, err = fallback.fetchStockList(ctx)
	}
	if err != nil {
		return 0, fmt.Errorf("data.SyncStockList: %w", err)
	}
	if len(stocks) == 0 {
		return 0, nil
	}
	if err := c.store.UpsertStocks(ctx, stocks); err != nil {
		return 0, err
	}
	return len(stocks), nil
}

// SyncCalendar fetches and upserts trading_calendar rows for [start, end].
func (c *Collector) SyncCalendar(ctx context.Context, exchange string, start, end time.Time) error {
	primary, fallback := c.sourceFor(c.cfg.HistoricalDaily)
	c.sleepRateLimit()
	days, err := primary.fetchCalendar(ctx, exchange, start, end)
	if (err != nil || len(days) == 0) && c.cfg.FallbackEnabled {
		c.sleepRateLimit()
		days, err = fallback.fetchCalendar(ctx, exchange, start, end)
	}
	if err != nil {
		return fmt.Errorf("data.SyncCalendar: %w", err)
	}
	return c.store.UpsertCalendar(ctx, exchange, days)
}

// GetDailyDF returns OHLCV rows for code in [start, end]: spec §4.6's
// read path. It auto-extends the window to 5 years unless localOnly,
// decides whether a remote fetch is needed, and falls back to whatever
// local data exists if every fetch attempt fails.
func (c *Collector) GetDailyDF(ctx context.Context, code string, start, end time.Time, localOnly bool) ([]types.DailyPrice, error) {
	if !localOnly {
		fiveYearsAgo := time.Now().AddDate(-5, 0, 0)
		if start.After(fiveYearsAgo) {
			start = fiveYearsAgo
		}
	}

	local, err := c.store.GetDailyPrices(ctx, code, start, end)
	if err != nil {
		return nil, fmt.Errorf("data.GetDailyDF: %w", err)
	}

	if localOnly {
		return local, nil
	}

	needFetch := c.needsFetch(ctx, local, start, end)
	if !needFetch {
		return local, nil
	}

	fetched, err := c.fetchDailyWithFallback(ctx, code, start, end)
	if err != nil || len(fetched) == 0 {
		c.logger.Warn("daily fetch failed, returning local data", zap.String("code", code), zap.Error(err))
		return local, nil
	}

	if _, err := c.store.UpsertDailyPrices(ctx, fetched); err != nil {
		return nil, fmt.Errorf("data.GetDailyDF: cache write: %w", err)
	}
	return c.store.GetDailyPrices(ctx, code, start, end)
}

func (c *Collector) needsFetch(ctx context.Context, local []types.DailyPrice, start, end time.Time) bool {
	if len(local) < 5 {
		return true
	}
	earliest, latest := local[0].Date, local[len(local)-1].Date
	if earliest.Sub(start) > 60*24*time.Hour {
		return true
	}
	if end.Sub(latest) > 24*time.Hour {
		return true
	}
	tradingDates, err := c.store.TradingDatesBetween(ctx, defaultExchange, start, end)
	if err == nil && len(tradingDates) > 0 && float64(len(local)) < 0.9*float64(len(tradingDates)) {
		c.logger.Info("internal gap detected", zap.Int("local_rows", len(local)), zap.Int("trading_days", len(tradingDates)))
		return true
	}
	return false
}

func (c *Collector) fetchDailyWithFallback(ctx context.Context, code string, start, end time.Time) ([]types.DailyPrice, error) {
	primary, fallback := c.sourceFor(c.cfg.HistoricalDaily)
	c.sleepRateLimit()
	bars, err := primary.fetchDaily(ctx, code, start, end)
	if (err != nil || len(bars) == 0) && c.cfg.FallbackEnabled {
		c.sleepRateLimit()
		bars, err = fallback.fetchDaily(ctx, code, start, end)
	}
	return bars, err
}

// GetIndexDailyDF returns benchmark-index bars, fetching/caching the same
// way as GetDailyDF but against the index_daily table/category.
func (c *Collector) GetIndexDailyDF(ctx context.Context, code string, start, end time.Time) ([]types.IndexDaily, error) {
	local, err := c.store.GetIndexDaily(ctx, code, start, end)
	if err != nil {
		return nil, fmt.Errorf("data.GetIndexDailyDF: %w", err)
	}
	if len(local) > 0 && !local[0].Date.After(start.Add(24*time.Hour)) && !end.After(local[len(local)-1].Date.Add(48*time.Hour)) {
		return local, nil
	}

	primary, fallback := c.sourceFor(c.cfg.IndexData)
	c.sleepRateLimit()
	bars, err := primary.fetchIndexDaily(ctx, code, start, end)
	if (err != nil || len(bars) == 0) && c.cfg.FallbackEnabled {
		c.sleepRateLimit()
		bars, err = fallback.fetchIndexDaily(ctx, code, start, end)
	}
	if err != nil || len(bars) == 0 {
		c.logger.Warn("index fetch failed, returning local data", zap.String("code", code), zap.Error(err))
		return local, nil
	}
	if err := c.store.UpsertIndexDaily(ctx, bars); err != nil {
		return nil, err
	}
	return c.store.GetIndexDaily(ctx, code, start, end)
}

// RepairDailyGaps is repairDailyGaps (spec §4.6): find trading dates whose
// local row count falls below the observed-data threshold and re-fetch
// them one date at a time via the batch-by-date endpoint.
func (c *Collector) RepairDailyGaps(ctx context.Context, start, end time.Time, progress ProgressFunc) (int, error) {
	tradingDates, err := c.store.TradingDatesBetween(ctx, defaultExchange, start, end)
	if err != nil {
		return 0, fmt.Errorf("data.RepairDailyGaps: %w", err)
	}
	if len(tradingDates) == 0 {
		return 0, nil
	}

	counts, err := c.store.CountDailyPricesByDate(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("data.RepairDailyGaps: %w", err)
	}

	maxObserved := 0
	for _, n := range counts {
		if n > maxObserved {
			maxObserved = n
		}
	}
	threshold := int(0.8 * float64(maxObserved))
	if threshold < 3000 {
		threshold = 3000
	}

	var gapDates []time.Time
	for _, d := range tradingDates {
		if counts[formatDate(d)] < threshold {
			gapDates = append(gapDates, d)
		}
	}

	repaired := 0
	for i, d := range gapDates {
		bars, err := c.fetchDailyBatchWithFallback(ctx, d)
		if err != nil {
			c.logger.Warn("gap repair fetch failed", zap.Time("date", d), zap.Error(err))
		} else if len(bars) > 0 {
			n, err := c.store.UpsertDailyPrices(ctx, bars)
			if err != nil {
				c.logger.Warn("gap repair write failed", zap.Time("date", d), zap.Error(err))
			} else {
				repaired += n
			}
		}
		if progress != nil {
			progress(i+1, len(gapDates), d)
		}
	}
	return repaired, nil
}

func (c *Collector) fetchDailyBatchWithFallback(ctx context.Context, date time.Time) ([]types.DailyPrice, error) {
	primary, fallback := c.sourceFor(c.cfg.HistoricalDaily)
	c.sleepRateLimit()
	bars, err := primary.fetchDailyBatch(ctx, date)
	if (err != nil || len(bars) == 0) && c.cfg.FallbackEnabled {
		c.sleepRateLimit()
		bars, err = fallback.fetchDailyBatch(ctx, date)
	}
	return bars, err
}
