// Package tradeplan implements the Trade Plan State Machine (spec §4.7):
// turning daily AI recommendations into next-day conditional orders, then
// resolving those orders against the following day's OHLC.
package tradeplan

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// defaultExchange is the calendar used to resolve the next trading day.
const defaultExchange = "SSE"

// defaultRoundLotCapital is the notional a fresh `buy` recommendation
// sizes against (spec §4.7 "¥100 000 / price").
const defaultRoundLotCapital = 100000

// roundLot is the A-share minimum tradable unit.
const roundLot = 100

// defaultBuyQuantity is used when the round-lot computation yields zero
// (e.g. a very high-priced stock), spec §4.7 "default 100 if zero".
const defaultBuyQuantity = 100

// Engine runs both halves of the state machine: Create (report-save time)
// and Execute (pipeline step, per trade date).
type Engine struct {
	store  *storage.Store
	logger *zap.Logger
}

// New constructs an Engine.
func New(store *storage.Store, logger *zap.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// CreateFromReport turns report's recommendations into pending plans
// (spec §4.7 "Creation"). asOf is the report's date; plans are dated for
// the next trading day after it.
func (e *Engine) CreateFromReport(ctx context.Context, report types.AIReport, asOf time.Time) error {
	planDate, err := e.store.NextTradingDay(ctx, defaultExchange, asOf)
	if err != nil {
		return fmt.Errorf("tradeplan.CreateFromReport: resolve next trading day: %w", err)
	}

	priorCloses, err := priceMap(ctx, e.store, asOf)
	if err != nil {
		return fmt.Errorf("tradeplan.CreateFromReport: prior closes: %w", err)
	}

	for _, rec := range report.Recommendations {
		var err error
		switch rec.Action {
		case "buy":
			err = e.createBuy(ctx, rec, planDate, priorCloses)
		case "sell", "reduce":
			err = e.createSell(ctx, rec, planDate)
		case "hold":
			err = e.store.RecordHoldTrade(ctx, rec.StockCode, asOf)
		default:
			continue
		}
		if err != nil {
			e.logger.Warn("trade plan creation skipped",
				zap.String("code", rec.StockCode), zap.String("action", rec.Action), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) createBuy(ctx context.Context, rec types.AIRecommendation, planDate time.Time, priorCloses map[string]decimal.Decimal) error {
	price, ok := priorCloses[rec.StockCode]
	if !ok || price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("no prior close for %s", rec.StockCode)
	}

	qty := roundLotQuantity(defaultRoundLotCapital, price)
	if qty == 0 {
		qty = defaultBuyQuantity
	}

	return e.store.UpsertTradePlan(ctx, types.TradePlan{
		Code: rec.StockCode, Direction: types.PlanBuy,
		PlanPrice: price, Quantity: qty, PlanDate: planDate,
	})
}

func (e *Engine) createSell(ctx context.Context, rec types.AIRecommendation, planDate time.Time) error {
	holding, ok, err := e.store.GetHolding(ctx, rec.StockCode)
	if err != nil {
		return fmt.Errorf("lookup holding: %w", err)
	}
	if !ok {
		return fmt.Errorf("no holding for %s", rec.StockCode)
	}

	sellPct := rec.SellPct
	if rec.Action == "sell" || sellPct <= 0 {
		sellPct = 100
	}

	qty := roundLotQuantity2(holding.Quantity, sellPct)
	if qty > holding.Quantity {
		qty = holding.Quantity
	}
	if qty <= 0 {
		return fmt.Errorf("computed sell quantity is zero for %s", rec.StockCode)
	}

	price := decimal.NewFromFloat(rec.EntryPrice)
	if price.LessThanOrEqual(decimal.Zero) {
		price = holding.AvgCost
	}

	return e.store.UpsertTradePlan(ctx, types.TradePlan{
		Code: rec.StockCode, Direction: types.PlanSell,
		PlanPrice: price, Quantity: qty, SellPct: sellPct, PlanDate: planDate,
	})
}

// Execute resolves every plan due by tradeDate against that day's OHLC
// (spec §4.7 "Execution").
func (e *Engine) Execute(ctx context.Context, tradeDate time.Time) error {
	plans, err := e.store.PendingPlansDueBy(ctx, tradeDate)
	if err != nil {
		return fmt.Errorf("tradeplan.Execute: %w", err)
	}

	bars, err := priceBarMap(ctx, e.store, tradeDate)
	if err != nil {
		return fmt.Errorf("tradeplan.Execute: prices: %w", err)
	}

	boughtToday := make(map[string]bool)

	for _, plan := range plans {
		if plan.PlanDate.Before(tradeDate) {
			e.expire(ctx, plan, "missed day")
			continue
		}

		bar, ok := bars[plan.Code]
		if !ok {
			e.expire(ctx, plan, "data gap")
			continue
		}

		if !e.triggered(plan, bar) {
			e.expire(ctx, plan, "not triggered")
			continue
		}

		if err := e.execute(ctx, plan, bar, tradeDate, boughtToday); err != nil {
			e.logger.Info("trade plan declined", zap.Int64("plan_id", plan.ID), zap.String("code", plan.Code), zap.Error(err))
			e.expire(ctx, plan, "declined")
			continue
		}
		if err := e.store.SetPlanExecuted(ctx, plan.ID, plan.PlanPrice); err != nil {
			return fmt.Errorf("tradeplan.Execute: mark executed: %w", err)
		}
	}
	return nil
}

func (e *Engine) triggered(plan types.TradePlan, bar types.DailyPrice) bool {
	switch plan.Direction {
	case types.PlanBuy:
		return bar.Low.LessThanOrEqual(plan.PlanPrice)
	default:
		return bar.High.GreaterThanOrEqual(plan.PlanPrice)
	}
}

func (e *Engine) execute(ctx context.Context, plan types.TradePlan, bar types.DailyPrice, tradeDate time.Time, boughtToday map[string]bool) error {
	switch plan.Direction {
	case types.PlanBuy:
		if boughtToday[plan.Code] {
			return fmt.Errorf("code already bought today")
		}
		amount := plan.PlanPrice.Mul(decimal.NewFromInt(plan.Quantity))
		if _, _, err := e.store.ApplyBuy(ctx, types.BotTrade{
			Code: plan.Code, Action: "buy", Quantity: plan.Quantity,
			Price: plan.PlanPrice, Amount: amount, PlanID: &plan.ID, TradeDate: tradeDate,
		}); err != nil {
			return err
		}
		boughtToday[plan.Code] = true
		return nil

	default:
		bought, err := e.store.BoughtToday(ctx, plan.Code, tradeDate)
		if err != nil {
			return err
		}
		if bought {
			return fmt.Errorf("cannot sell a code bought today")
		}

		holding, ok, err := e.store.GetHolding(ctx, plan.Code)
		if err != nil {
			return err
		}
		if !ok || holding.Quantity <= 0 {
			return fmt.Errorf("no holding to sell")
		}

		qty := plan.Quantity
		if qty > holding.Quantity {
			qty = holding.Quantity
		}
		amount := plan.PlanPrice.Mul(decimal.NewFromInt(qty))

		var review *types.BotTradeReview
		if qty >= holding.Quantity {
			pnlPct, _ := plan.PlanPrice.Sub(holding.AvgCost).Div(holding.AvgCost).Mul(decimal.NewFromInt(100)).Float64()
			review = &types.BotTradeReview{Code: plan.Code, ClosedAt: tradeDate, PnlPct: pnlPct}
		}

		return e.store.ApplySell(ctx, types.BotTrade{
			Code: plan.Code, Action: "sell", Quantity: qty,
			Price: plan.PlanPrice, Amount: amount, PlanID: &plan.ID, TradeDate: tradeDate,
		}, review)
	}
}

func (e *Engine) expire(ctx context.Context, plan types.TradePlan, reason string) {
	if err := e.store.SetPlanExpired(ctx, plan.ID); err != nil {
		e.logger.Error("failed to expire trade plan", zap.Int64("plan_id", plan.ID), zap.String("reason", reason), zap.Error(err))
	}
}

// roundLotQuantity computes floor(capital/price/roundLot) * roundLot.
func roundLotQuantity(capital float64, price decimal.Decimal) int64 {
	p, _ := price.Float64()
	if p <= 0 {
		return 0
	}
	shares := int64(capital / p)
	return (shares / roundLot) * roundLot
}

// roundLotQuantity2 computes floor(qty*pct/100/roundLot) * roundLot.
func roundLotQuantity2(qty int64, pct float64) int64 {
	shares := int64(float64(qty) * pct / 100)
	return (shares / roundLot) * roundLot
}

func priceMap(ctx context.Context, store *storage.Store, date time.Time) (map[string]decimal.Decimal, error) {
	bars, err := store.GetDailyPricesOn(ctx, date)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(bars))
	for _, b := range bars {
		out[b.Code] = b.Close
	}
	return out, nil
}

func priceBarMap(ctx context.Context, store *storage.Store, date time.Time) (map[string]types.DailyPrice, error) {
	bars, err := store.GetDailyPricesOn(ctx, date)
	if err != nil {
		return nil, err
	}
	out := make(map[string]types.DailyPrice, len(bars))
	for _, b := range bars {
		out[b.Code] = b
	}
	return out, nil
}
