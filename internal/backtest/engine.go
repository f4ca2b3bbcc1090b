// Package backtest implements the Portfolio Backtest Engine (spec §4.3):
// a single-threaded, day-by-day simulation of a cash-and-positions
// portfolio executing one strategy (regular or combo) over a universe
// of per-stock bar series.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/internal/conditions"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// explosionCap is the per-day entry-pass sanity ceiling (spec §4.3 #4):
// a single trigger opening more positions than this indicates a
// validator escape, not a legitimate strategy.
const explosionCap = 50

// DefaultInitialCapital, DefaultMaxPositions, DefaultMaxPositionPct are
// the Runner's defaults when a caller doesn't override them.
const (
	DefaultInitialCapital = 100000
	DefaultMaxPositions   = 10
	DefaultMaxPositionPct = 30.0
)

// SignalExplosionError aborts a run when one day's entry pass would
// open more than explosionCap positions from a single trigger.
type SignalExplosionError struct {
	Name  string
	Day   time.Time
	Count int
}

func (e *SignalExplosionError) Error() string {
	return fmt.Sprintf("backtest: signal explosion in %q on %s: %d candidates triggered in one day", e.Name, e.Day.Format("2006-01-02"), e.Count)
}

// Member is one combo strategy's voting member.
type Member struct {
	ID             int64
	Name           string
	BuyConditions  []types.Condition
	SellConditions []types.Condition
}

// Input is everything the engine needs to run one strategy's backtest.
type Input struct {
	StrategyName   string
	BuyConditions  []types.Condition // ignored when Combo != nil
	SellConditions []types.Condition // ignored when Combo != nil
	ExitConfig     types.ExitConfig
	Combo          *types.ComboConfig
	Members        []Member // combo voting members, in MemberIDs order
}

// Config bounds the simulated portfolio.
type Config struct {
	InitialCapital decimal.Decimal
	MaxPositions   int
	MaxPositionPct float64 // e.g. 30 means 30%
}

// DefaultConfig returns spec §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		InitialCapital: decimal.NewFromInt(DefaultInitialCapital),
		MaxPositions:   DefaultMaxPositions,
		MaxPositionPct: DefaultMaxPositionPct,
	}
}

type openPosition struct {
	code         string
	strategyName string
	buyDate      time.Time
	buyPrice     decimal.Decimal
	quantity     decimal.Decimal
}

// Engine runs one backtest. Not safe for concurrent use — the Runner's
// ≤3-way semaphore (spec §4.1) bounds concurrency across Engine
// instances, never within one.
type Engine struct {
	cfg Config
}

// New constructs an Engine with the given portfolio bounds.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Run simulates Input over bars (code -> ascending daily series) from
// the union time grid, attributing each trade's entry to regimeMap
// (may be nil) and honoring ctx cancellation (spec §4.3 #5's "cancel
// channel" — idiomatic Go context deadline/cancel takes its place).
func (e *Engine) Run(ctx context.Context, in Input, bars map[string][]types.DailyPrice, regimeMap map[string]types.RegimeKind) (types.BacktestRun, []types.BacktestTrade, error) {
	codes := make([]string, 0, len(bars))
	for c := range bars {
		codes = append(codes, c)
	}
	sort.Strings(codes)

	seriesByCode := make(map[string]*conditions.Series, len(codes))
	indexByCode := make(map[string]map[string]int, len(codes))
	for _, c := range codes {
		seriesByCode[c] = conditions.NewSeries(bars[c])
		idx := make(map[string]int, len(bars[c]))
		for i, b := range bars[c] {
			idx[dateKey(b.Date)] = i
		}
		indexByCode[c] = idx
	}

	grid := timeGrid(bars)

	cash := e.cfg.InitialCapital
	open := make(map[string]*openPosition)
	lastPrice := make(map[string]decimal.Decimal)
	var trades []types.BacktestTrade
	var curve []types.EquityPoint
	sellStats := make(map[string]int)

	for _, d := range grid {
		select {
		case <-ctx.Done():
			return types.BacktestRun{}, nil, ctx.Err()
		default:
		}
		dk := dateKey(d)

		// Exit pass.
		heldCodes := make([]string, 0, len(open))
		for c := range open {
			heldCodes = append(heldCodes, c)
		}
		sort.Strings(heldCodes)
		for _, c := range heldCodes {
			pos := open[c]
			i, ok := indexByCode[c][dk]
			if !ok {
				continue
			}
			bar := bars[c][i]
			lastPrice[c] = bar.Close

			sellPrice, reason, sells := e.checkExit(in, seriesByCode[c], pos, bar, i, d)
			if !sells {
				continue
			}
			holdDays := int(d.Sub(pos.buyDate).Hours() / 24)
			pnlPct := sellPrice.Sub(pos.buyPrice).Div(pos.buyPrice).Mul(decimal.NewFromInt(100))
			pnlFloat, _ := pnlPct.Float64()
			trades = append(trades, types.BacktestTrade{
				StockCode: c, StrategyName: pos.strategyName,
				BuyDate: pos.buyDate, BuyPrice: pos.buyPrice,
				SellDate: d, SellPrice: sellPrice, SellReason: reason,
				PnlPct: pnlFloat, HoldDays: holdDays,
			})
			sellStats[reason]++
			cash = cash.Add(pos.quantity.Mul(sellPrice))
			delete(open, c)
		}

		// Entry pass.
		type candidate struct {
			code string
			name string
		}
		var triggered []candidate
		for _, c := range codes {
			if _, held := open[c]; held {
				continue
			}
			i, ok := indexByCode[c][dk]
			if !ok {
				continue
			}
			lastPrice[c] = bars[c][i].Close
			name, fired := e.checkEntry(in, seriesByCode[c], i)
			if fired {
				triggered = append(triggered, candidate{code: c, name: name})
			}
		}
		if len(triggered) > explosionCap {
			return types.BacktestRun{}, nil, &SignalExplosionError{Name: in.StrategyName, Day: d, Count: len(triggered)}
		}

		for _, cand := range triggered {
			if len(open) >= e.cfg.MaxPositions {
				break
			}
			equity := markToMarket(cash, open, lastPrice)
			notional := equity.Mul(decimal.NewFromFloat(e.cfg.MaxPositionPct / 100))
			if notional.GreaterThan(cash) {
				notional = cash
			}
			if notional.LessThanOrEqual(decimal.Zero) {
				continue
			}
			i := indexByCode[cand.code][dk]
			price := bars[cand.code][i].Close
			if price.LessThanOrEqual(decimal.Zero) {
				continue
			}
			qty := notional.Div(price)
			cash = cash.Sub(notional)
			open[cand.code] = &openPosition{code: cand.code, strategyName: cand.name, buyDate: d, buyPrice: price, quantity: qty}
		}

		curve = append(curve, types.EquityPoint{Date: d, Equity: markToMarket(cash, open, lastPrice)})
	}

	finalEquity := e.cfg.InitialCapital
	if len(curve) > 0 {
		finalEquity = curve[len(curve)-1].Equity
	}

	run := buildRun(in.StrategyName, e.cfg, grid, curve, trades, sellStats, finalEquity, regimeMap)
	return run, trades, nil
}

// checkExit applies spec §4.3 step 2's ordered exit rules.
func (e *Engine) checkExit(in Input, series *conditions.Series, pos *openPosition, bar types.DailyPrice, idx int, day time.Time) (decimal.Decimal, string, bool) {
	stopThreshold := pos.buyPrice.Mul(decimal.NewFromFloat(1 + in.ExitConfig.StopLossPct/100))
	if bar.Low.LessThanOrEqual(stopThreshold) {
		return clampToRange(stopThreshold, bar), "stop_loss", true
	}

	takeThreshold := pos.buyPrice.Mul(decimal.NewFromFloat(1 + in.ExitConfig.TakeProfitPct/100))
	if bar.High.GreaterThanOrEqual(takeThreshold) {
		return clampToRange(takeThreshold, bar), "take_profit", true
	}

	holdDays := int(day.Sub(pos.buyDate).Hours() / 24)
	if in.ExitConfig.MaxHoldDays > 0 && holdDays >= in.ExitConfig.MaxHoldDays {
		return bar.Close, "max_hold", true
	}

	sellConds := in.SellConditions
	if in.Combo != nil {
		if sellFired(in, series, idx) {
			return bar.Close, "signal", true
		}
		return decimal.Zero, "", false
	}
	if conditions.AnyTrue(series, sellConds, idx) {
		return bar.Close, "signal", true
	}
	return decimal.Zero, "", false
}

// sellFired evaluates a combo's sell vote (spec §4.3 step 3's entry-side
// vote logic, mirrored for the exit side per the combo's SellMode).
func sellFired(in Input, series *conditions.Series, idx int) bool {
	votes := 0
	for _, m := range in.Members {
		if conditions.AnyTrue(series, m.SellConditions, idx) {
			votes++
		}
	}
	if len(in.Members) == 0 {
		return false
	}
	switch in.Combo.SellMode {
	case "any":
		return votes > 0
	default: // "majority"
		return votes*2 > len(in.Members)
	}
}

// checkEntry evaluates the entry trigger and returns the trade's
// attributed strategy name (spec §4.3 step 3: member name for combos).
func (e *Engine) checkEntry(in Input, series *conditions.Series, idx int) (string, bool) {
	if in.Combo == nil {
		if conditions.AllTrue(series, in.BuyConditions, idx) {
			return in.StrategyName, true
		}
		return "", false
	}
	votes := 0
	firstFired := ""
	for _, m := range in.Members {
		if conditions.AllTrue(series, m.BuyConditions, idx) {
			votes++
			if firstFired == "" {
				firstFired = m.Name
			}
		}
	}
	if votes >= in.Combo.VoteThreshold {
		return firstFired, true
	}
	return "", false
}

// clampToRange returns threshold if it falls within the day's [Low, High]
// range, else the day's close (a gap jumped past the threshold).
func clampToRange(threshold decimal.Decimal, bar types.DailyPrice) decimal.Decimal {
	if threshold.GreaterThanOrEqual(bar.Low) && threshold.LessThanOrEqual(bar.High) {
		return threshold
	}
	return bar.Close
}

func markToMarket(cash decimal.Decimal, open map[string]*openPosition, lastPrice map[string]decimal.Decimal) decimal.Decimal {
	total := cash
	for code, pos := range open {
		price, ok := lastPrice[code]
		if !ok {
			price = pos.buyPrice
		}
		total = total.Add(pos.quantity.Mul(price))
	}
	return total
}

func dateKey(d time.Time) string { return d.Format("2006-01-02") }

// timeGrid returns the sorted union of every date present in bars.
func timeGrid(bars map[string][]types.DailyPrice) []time.Time {
	seen := make(map[string]time.Time)
	for _, series := range bars {
		for _, b := range series {
			seen[dateKey(b.Date)] = b.Date
		}
	}
	out := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
