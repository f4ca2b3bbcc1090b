// Package regime computes weekly market regime labels (spec §3's
// MarketRegimeLabel) from the benchmark index's trailing daily window.
package regime

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

const (
	lookbackCalendarDays = 60
	minWindowBars        = 30
	windowBars           = 45

	volThreshold   = 0.25
	trendThreshold = 0.30
)

// Classifier derives weekly regime labels from a benchmark index series.
type Classifier struct {
	logger *zap.Logger
	store  *storage.Store
}

func New(logger *zap.Logger, store *storage.Store) *Classifier {
	return &Classifier{logger: logger.Named("regime"), store: store}
}

func mondayOf(d time.Time) time.Time {
	wd := int(d.Weekday())
	if wd == 0 {
		wd = 7
	}
	return d.AddDate(0, 0, -(wd - 1))
}

func fridayOf(d time.Time) time.Time { return mondayOf(d).AddDate(0, 0, 4) }

// EnsureRegimes is ensure_regimes: compute weekly labels for every week
// touching [start, end] and insert only the ones missing from storage.
// Calling it twice with the same range inserts nothing the second time.
func (c *Classifier) EnsureRegimes(ctx context.Context, indexCode string, start, end time.Time) (int, error) {
	labels, err := c.computeWeeklyRegimes(ctx, indexCode, start, end)
	if err != nil {
		return 0, fmt.Errorf("regime.EnsureRegimes: %w", err)
	}
	if len(labels) == 0 {
		return 0, nil
	}
	return c.store.InsertMissingRegimeLabels(ctx, labels)
}

func (c *Classifier) computeWeeklyRegimes(ctx context.Context, indexCode string, start, end time.Time) ([]types.MarketRegimeLabel, error) {
	fetchStart := start.AddDate(0, 0, -lookbackCalendarDays)
	bars, err := c.store.GetIndexDaily(ctx, indexCode, fetchStart, end)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 {
		c.logger.Warn("no index data available for regime computation", zap.String("code", indexCode))
		return nil, nil
	}

	var labels []types.MarketRegimeLabel
	firstMonday, lastFriday := mondayOf(start), fridayOf(end)
	for monday := firstMonday; !monday.After(lastFriday); monday = monday.AddDate(0, 0, 7) {
		friday := monday.AddDate(0, 0, 4)

		var available []types.IndexDaily
		for _, b := range bars {
			if !b.Date.After(friday) {
				available = append(available, b)
			}
		}
		if len(available) < minWindowBars {
			continue
		}
		window := available
		if len(window) > windowBars {
			window = window[len(window)-windowBars:]
		}

		regime, confidence, trend, vol := classify(window)

		var weekOpen, weekClose float64
		haveWeek := false
		for _, b := range bars {
			if b.Date.Before(monday) || b.Date.After(friday) {
				continue
			}
			f, _ := b.Open.Float64()
			if !haveWeek {
				weekOpen = f
				haveWeek = true
			}
			weekClose, _ = b.Close.Float64()
		}
		indexReturnPct := 0.0
		if haveWeek && weekOpen != 0 {
			indexReturnPct = (weekClose - weekOpen) / weekOpen * 100
		}

		labels = append(labels, types.MarketRegimeLabel{
			WeekStart:      monday,
			WeekEnd:        friday,
			Regime:         regime,
			Confidence:     round4(confidence),
			TrendStrength:  round4(trend),
			Volatility:     round4(vol),
			IndexReturnPct: round4(indexReturnPct),
		})
	}
	return labels, nil
}

// classify derives a regime label from a trailing window of daily bars:
// trend strength is the window's cumulative return normalized by its
// volatility, and volatility is the annualized standard deviation of
// daily returns — both computed the same way regardless of regime.
func classify(window []types.IndexDaily) (regime types.RegimeKind, confidence, trend, annualizedVol float64) {
	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		prev, _ := window[i-1].Close.Float64()
		cur, _ := window[i].Close.Float64()
		if prev == 0 {
			continue
		}
		returns = append(returns, (cur-prev)/prev)
	}
	if len(returns) < 2 {
		return types.RegimeRanging, 0, 0, 0
	}

	dailyVol := stdDev(returns)
	annualizedVol = dailyVol * math.Sqrt(252)

	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	trend = 0
	if dailyVol > 0 {
		trend = sum / (dailyVol * math.Sqrt(float64(len(returns))))
		trend = math.Max(-1, math.Min(1, trend))
	}

	switch {
	case annualizedVol > volThreshold:
		regime = types.RegimeVolatile
		confidence = math.Min(1, (annualizedVol-volThreshold)/volThreshold+0.5)
	case trend > trendThreshold:
		regime = types.RegimeTrendingBull
		confidence = math.Min(1, trend)
	case trend < -trendThreshold:
		regime = types.RegimeTrendingBear
		confidence = math.Min(1, -trend)
	default:
		regime = types.RegimeRanging
		confidence = 1 - math.Abs(trend)/trendThreshold
	}
	return regime, round4(confidence), trend, annualizedVol
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	return math.Sqrt(variance)
}

func round4(f float64) float64 { return math.Round(f*10000) / 10000 }

// Summary is get_regime_summary's per-period distribution.
type Summary struct {
	Regimes              map[types.RegimeKind]RegimeTotals
	TotalWeeks           int
	TotalIndexReturnPct  float64
}

type RegimeTotals struct {
	Weeks          int
	IndexReturnPct float64
}

// Summarize builds the weekly regime distribution for [start, end] from
// already-stored labels (get_regime_summary).
func (c *Classifier) Summarize(ctx context.Context, start, end time.Time) (Summary, error) {
	regimeMap, err := c.store.GetRegimeMap(ctx, start, end)
	if err != nil {
		return Summary{}, fmt.Errorf("regime.Summarize: %w", err)
	}
	out := Summary{Regimes: make(map[types.RegimeKind]RegimeTotals)}
	for _, label := range regimeMap {
		totals := out.Regimes[label.Regime]
		totals.Weeks++
		totals.IndexReturnPct += label.IndexReturnPct
		out.Regimes[label.Regime] = totals
		out.TotalWeeks++
		out.TotalIndexReturnPct += label.IndexReturnPct
	}
	for k, v := range out.Regimes {
		v.IndexReturnPct = round4(v.IndexReturnPct)
		out.Regimes[k] = v
	}
	out.TotalIndexReturnPct = round4(out.TotalIndexReturnPct)
	return out, nil
}

// DateRegimeMap expands stored weekly labels into a per-calendar-day map
// (get_regime_map), used by the backtest engine's regime attribution.
func (c *Classifier) DateRegimeMap(ctx context.Context, start, end time.Time) (map[string]types.RegimeKind, error) {
	labels, err := c.store.GetRegimeMap(ctx, start.AddDate(0, 0, -7), end.AddDate(0, 0, 7))
	if err != nil {
		return nil, fmt.Errorf("regime.DateRegimeMap: %w", err)
	}
	out := make(map[string]types.RegimeKind)
	for _, l := range labels {
		for d := l.WeekStart; !d.After(l.WeekEnd); d = d.AddDate(0, 0, 1) {
			if d.Before(start) || d.After(end) {
				continue
			}
			out[d.Format("2006-01-02")] = l.Regime
		}
	}
	return out, nil
}
