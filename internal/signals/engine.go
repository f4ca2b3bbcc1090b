// Package signals implements the Signal Engine (spec §4.4): for each
// tracked stock on a trade date, evaluates every enabled strategy and
// upserts one TradingSignal per (code, date).
package signals

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/conditions"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/indicators"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// minBars is the per-stock history floor below which a scan is skipped.
const minBars = 60

// windowBars is the trailing window handed to the condition evaluator.
const windowBars = 250

// lookbackCalendarDays covers windowBars trading days plus weekends/holidays.
const lookbackCalendarDays = 400

// batchSize is the commit granularity for persisted signals.
const batchSize = 50

// sentimentBearishThreshold and minSupportingStrategies gate buys during
// a bearish sentiment regime with thin strategy support (spec §4.4).
const (
	sentimentBearishThreshold = 30.0
	minSupportingStrategies   = 2
)

// SentimentProvider is the out-of-scope news-sentiment collaborator
// (spec §6): the Signal Engine only consumes a daily market score.
type SentimentProvider interface {
	Score(ctx context.Context, date time.Time) (score float64, ok bool, err error)
}

// Event is one streaming progress event (spec §4.4's streaming mode).
type Event struct {
	Type      string              `json:"type"`
	Total     int                 `json:"total,omitempty"`
	Cached    int                 `json:"cached,omitempty"`
	Date      string              `json:"date,omitempty"`
	Current   int                 `json:"current,omitempty"`
	Pct       float64             `json:"pct,omitempty"`
	Code      string              `json:"code,omitempty"`
	Name      string              `json:"name,omitempty"`
	Signal    *types.TradingSignal `json:"signal,omitempty"`
	Generated int                 `json:"generated,omitempty"`
}

// Engine evaluates every enabled strategy against every tracked stock
// for one trade date.
type Engine struct {
	logger    *zap.Logger
	store     *storage.Store
	sentiment SentimentProvider
}

// New constructs an Engine. sentiment may be nil, in which case the
// sentiment gate never suppresses a buy.
func New(logger *zap.Logger, store *storage.Store, sentiment SentimentProvider) *Engine {
	return &Engine{logger: logger.Named("signal-engine"), store: store, sentiment: sentiment}
}

// Scan evaluates every tracked stock on tradeDate and returns the number
// of signals generated. emit may be nil for non-streaming callers.
// strategyIDs restricts the vote to that subset of enabled strategies (the
// Scheduled Pipeline's AI family-selection step, spec §4.5); nil means
// every enabled strategy votes.
func (e *Engine) Scan(ctx context.Context, tradeDate time.Time, strategyIDs []int64, emit func(Event)) (int, error) {
	if emit == nil {
		emit = func(Event) {}
	}

	strategies, err := e.store.ListEnabledStrategies(ctx)
	if err != nil {
		return 0, fmt.Errorf("signals.Scan: list strategies: %w", err)
	}
	if strategyIDs != nil {
		allow := make(map[int64]bool, len(strategyIDs))
		for _, id := range strategyIDs {
			allow[id] = true
		}
		filtered := strategies[:0:0]
		for _, st := range strategies {
			if allow[st.ID] {
				filtered = append(filtered, st)
			}
		}
		strategies = filtered
	}
	byID := make(map[int64]types.Strategy, len(strategies))
	for _, st := range strategies {
		byID[st.ID] = st
	}
	totalEnabled := len(strategies)

	stocks, err := e.store.ListStocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("signals.Scan: list stocks: %w", err)
	}

	cached, err := e.store.CodesWithSignalsOn(ctx, tradeDate)
	if err != nil {
		return 0, fmt.Errorf("signals.Scan: cached signals: %w", err)
	}

	var sentimentScore float64
	var sentimentKnown bool
	if e.sentiment != nil {
		sentimentScore, sentimentKnown, err = e.sentiment.Score(ctx, tradeDate)
		if err != nil {
			e.logger.Warn("sentiment provider failed, proceeding without gate", zap.Error(err))
			sentimentKnown = false
		}
	}

	dateStr := tradeDate.Format("2006-01-02")
	emit(Event{Type: "start", Total: len(stocks), Cached: len(cached), Date: dateStr})

	windowStart := tradeDate.AddDate(0, 0, -lookbackCalendarDays)

	produced := make([]string, 0, len(stocks))
	var pending []storage.SignalRow
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := e.store.UpsertSignals(ctx, pending); err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}

	for i, stock := range stocks {
		select {
		case <-ctx.Done():
			return len(produced), ctx.Err()
		default:
		}

		bars, err := e.store.GetDailyPrices(ctx, stock.Code, windowStart, tradeDate)
		if err != nil {
			return len(produced), fmt.Errorf("signals.Scan: prices for %s: %w", stock.Code, err)
		}
		if len(bars) >= minBars {
			if len(bars) > windowBars {
				bars = bars[len(bars)-windowBars:]
			}

			_, held, err := e.store.GetHolding(ctx, stock.Code)
			if err != nil {
				return len(produced), fmt.Errorf("signals.Scan: holding for %s: %w", stock.Code, err)
			}

			series := conditions.NewSeries(bars)
			last := len(bars) - 1

			sig, ok := e.evaluateStock(series, bars, last, strategies, byID, held, totalEnabled, sentimentScore, sentimentKnown)
			if ok {
				sig.Code = stock.Code
				sig.Date = tradeDate
				produced = append(produced, stock.Code)
				pending = append(pending, storage.SignalRow{
					Code: sig.Code, Date: sig.Date, Action: string(sig.Action),
					AlphaScore: sig.AlphaScore, OversoldScore: sig.OversoldScore,
					ConsensusScore: sig.ConsensusScore, VolumePriceScore: sig.VolumePriceScore,
					Strategies: sig.Strategies,
				})
				emit(Event{Type: "signal", Signal: &sig})
				if len(pending) >= batchSize {
					if err := flush(); err != nil {
						return len(produced), fmt.Errorf("signals.Scan: flush: %w", err)
					}
				}
			}
		}

		emit(Event{
			Type: "progress", Current: i + 1, Total: len(stocks),
			Pct: float64(i+1) / float64(len(stocks)) * 100, Code: stock.Code, Name: stock.Name,
		})
	}

	if err := flush(); err != nil {
		return len(produced), fmt.Errorf("signals.Scan: final flush: %w", err)
	}

	if err := e.store.DeleteStaleSignals(ctx, tradeDate, staleSince(stocks, produced)); err != nil {
		return len(produced), fmt.Errorf("signals.Scan: stale GC: %w", err)
	}

	emit(Event{Type: "done", Generated: len(produced)})
	return len(produced), nil
}

// staleSince returns every tracked code not in produced (universe \ S).
func staleSince(stocks []types.Stock, produced []string) []string {
	keep := make(map[string]bool, len(produced))
	for _, c := range produced {
		keep[c] = true
	}
	out := make([]string, 0, len(stocks))
	for _, s := range stocks {
		if !keep[s.Code] {
			out = append(out, s.Code)
		}
	}
	return out
}

// evaluateStock decides the action and, for a buy, the Alpha score for
// one stock at bar index `last`. ok=false means hold/skip (no row).
func (e *Engine) evaluateStock(series *conditions.Series, bars []types.DailyPrice, last int, strategies []types.Strategy, byID map[int64]types.Strategy, held bool, totalEnabled int, sentimentScore float64, sentimentKnown bool) (types.TradingSignal, bool) {
	var buySupport, sellSupport []string
	anySell := false

	for _, st := range strategies {
		buy, sell := e.voteStrategy(series, st, byID, last, held)
		if buy {
			buySupport = append(buySupport, st.Name)
		}
		if sell {
			sellSupport = append(sellSupport, st.Name)
			anySell = true
		}
	}

	var action types.SignalAction
	switch {
	case anySell:
		action = types.ActionSell
	case len(buySupport) > 0:
		action = types.ActionBuy
	default:
		return types.TradingSignal{}, false
	}

	if action == types.ActionBuy && sentimentKnown && sentimentScore < sentimentBearishThreshold && len(buySupport) < minSupportingStrategies {
		return types.TradingSignal{}, false
	}

	sig := types.TradingSignal{Action: action}
	if action == types.ActionSell {
		sig.Strategies = sellSupport
		return sig, true
	}

	sig.Strategies = buySupport
	sig.OversoldScore = round2(oversoldScore(series, last))
	sig.ConsensusScore = round2(consensusScore(len(buySupport), totalEnabled))
	sig.VolumePriceScore = round2(volumePriceScore(bars, last))
	sig.AlphaScore = round2(sig.OversoldScore + sig.ConsensusScore + sig.VolumePriceScore)
	return sig, true
}

// voteStrategy evaluates one strategy's buy/sell triggers at `last`,
// handling both regular (AND/OR) and combo (vote-threshold) strategies.
func (e *Engine) voteStrategy(series *conditions.Series, st types.Strategy, byID map[int64]types.Strategy, last int, held bool) (buyTriggered, sellTriggered bool) {
	if st.PortfolioConfig == nil {
		buyTriggered = conditions.AllTrue(series, st.BuyConditions, last)
		sellTriggered = held && conditions.AnyTrue(series, st.SellConditions, last)
		return buyTriggered, sellTriggered
	}

	cfg := st.PortfolioConfig
	votes := 0
	sellVotes := 0
	members := 0
	for _, id := range cfg.MemberIDs {
		member, ok := byID[id]
		if !ok {
			continue
		}
		members++
		if conditions.AllTrue(series, member.BuyConditions, last) {
			votes++
		}
		if held && conditions.AnyTrue(series, member.SellConditions, last) {
			sellVotes++
		}
	}

	buyTriggered = votes >= cfg.VoteThreshold
	if held {
		switch cfg.SellMode {
		case "any":
			sellTriggered = sellVotes > 0
		default: // "majority"
			sellTriggered = members > 0 && sellVotes*2 > members
		}
	}
	return buyTriggered, sellTriggered
}

// oversoldScore is the 0-30 component of the Alpha score (spec §4.4).
func oversoldScore(series *conditions.Series, last int) float64 {
	rsi, okRSI := series.At("RSI", map[string]any{"period": 14}, last)
	kdjK, okKDJ := series.At("KDJ_K", nil, last)
	histNow, okHistNow := series.At("MACD_hist", nil, last)
	histPrev, okHistPrev := series.At("MACD_hist", nil, last-1)

	var score float64
	if okRSI {
		score += math.Max(0, (30-rsi)/30*15)
	}
	if okKDJ {
		score += math.Max(0, (20-kdjK)/20*10)
	}
	if okHistNow && okHistPrev && histNow > histPrev {
		score += 5
	}
	return score
}

// consensusScore is the 0-40 component of the Alpha score.
func consensusScore(triggered, totalEnabled int) float64 {
	if totalEnabled == 0 {
		return 0
	}
	return float64(triggered) / float64(totalEnabled) * 40
}

// volumePriceScore is the 0-30 component of the Alpha score.
func volumePriceScore(bars []types.DailyPrice, last int) float64 {
	volumes := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		volumes[i], _ = b.Volume.Float64()
		closes[i], _ = b.Close.Float64()
	}
	volMA5 := indicators.SMA(volumes, 5)
	ma20 := indicators.SMA(closes, 20)

	var score float64
	if !math.IsNaN(volMA5[last]) && volMA5[last] != 0 {
		score += math.Min(15, math.Max(0, (volumes[last]/volMA5[last]-1)*10))
	}
	if !math.IsNaN(ma20[last]) && ma20[last] != 0 {
		score += math.Min(15, math.Max(0, (ma20[last]-closes[last])/ma20[last]*100*3))
	}
	return score
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
