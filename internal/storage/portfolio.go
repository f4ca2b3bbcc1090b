package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// GetHolding loads a bot portfolio row, or (types.BotPortfolio{}, false, nil) if absent.
func (s *Store) GetHolding(ctx context.Context, code string) (types.BotPortfolio, bool, error) {
	var h types.BotPortfolio
	var avgCost, buyDate string
	err := s.db.QueryRowContext(ctx, `SELECT code, quantity, avg_cost, buy_date FROM bot_portfolio WHERE code = ?`, code).
		Scan(&h.Code, &h.Quantity, &avgCost, &buyDate)
	if err == sql.ErrNoRows {
		return h, false, nil
	}
	if err != nil {
		return h, false, fmt.Errorf("storage.GetHolding: %w", err)
	}
	h.AvgCost, _ = decimal.NewFromString(avgCost)
	h.BuyDate = parseDate(buyDate)
	return h, true, nil
}

// ApplyBuy records a bot trade and creates/updates the holding's weighted
// average cost. Returns the new holding and the assigned trade id.
func (s *Store) ApplyBuy(ctx context.Context, trade types.BotTrade) (types.BotPortfolio, int64, error) {
	var result types.BotPortfolio
	var tradeID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var qty int64
		var avgCostStr, buyDate string
		err := tx.QueryRowContext(ctx, `SELECT quantity, avg_cost, buy_date FROM bot_portfolio WHERE code = ?`, trade.Code).
			Scan(&qty, &avgCostStr, &buyDate)
		avgCost := decimal.Zero
		if err == nil {
			avgCost, _ = decimal.NewFromString(avgCostStr)
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("lookup holding: %w", err)
		} else {
			buyDate = formatDate(trade.TradeDate)
		}

		newQty := qty + trade.Quantity
		existingCost := avgCost.Mul(decimal.NewFromInt(qty))
		addedCost := trade.Price.Mul(decimal.NewFromInt(trade.Quantity))
		newAvgCost := existingCost.Add(addedCost).Div(decimal.NewFromInt(newQty))

		_, err = tx.ExecContext(ctx, `
			INSERT INTO bot_portfolio (code, quantity, avg_cost, buy_date) VALUES (?, ?, ?, ?)
			ON CONFLICT(code) DO UPDATE SET quantity = excluded.quantity, avg_cost = excluded.avg_cost
		`, trade.Code, newQty, newAvgCost.String(), buyDate)
		if err != nil {
			return fmt.Errorf("upsert holding: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO bot_trades (code, action, quantity, price, amount, plan_id, trade_date)
			VALUES (?, 'buy', ?, ?, ?, ?, ?)
		`, trade.Code, trade.Quantity, trade.Price.String(), trade.Amount.String(), trade.PlanID, formatDate(trade.TradeDate))
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		tradeID, _ = res.LastInsertId()

		result = types.BotPortfolio{Code: trade.Code, Quantity: newQty, AvgCost: newAvgCost, BuyDate: parseDate(buyDate)}
		return nil
	})
	return result, tradeID, err
}

// ApplySell records a bot trade and reduces (or closes) the holding. On a
// full exit, the holding row is deleted and a BotTradeReview spawned
// exactly once (spec §8 invariant #4); review.HoldDays is computed here
// from the holding's buy_date, so callers only need Code/ClosedAt/PnlPct.
func (s *Store) ApplySell(ctx context.Context, trade types.BotTrade, review *types.BotTradeReview) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var qty int64
		var avgCostStr, buyDate string
		if err := tx.QueryRowContext(ctx, `SELECT quantity, avg_cost, buy_date FROM bot_portfolio WHERE code = ?`, trade.Code).
			Scan(&qty, &avgCostStr, &buyDate); err != nil {
			return fmt.Errorf("lookup holding: %w", err)
		}

		remaining := qty - trade.Quantity
		if remaining <= 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM bot_portfolio WHERE code = ?`, trade.Code); err != nil {
				return fmt.Errorf("delete holding: %w", err)
			}
			if review != nil {
				holdDays := int(review.ClosedAt.Sub(parseDate(buyDate)).Hours() / 24)
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO bot_trade_reviews (code, closed_at, pnl_pct, hold_days)
					VALUES (?, ?, ?, ?)
				`, review.Code, formatTimestamp(review.ClosedAt), review.PnlPct, holdDays); err != nil {
					return fmt.Errorf("insert review: %w", err)
				}
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE bot_portfolio SET quantity = ? WHERE code = ?`, remaining, trade.Code); err != nil {
				return fmt.Errorf("update holding: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_trades (code, action, quantity, price, amount, plan_id, trade_date)
			VALUES (?, 'sell', ?, ?, ?, ?, ?)
		`, trade.Code, trade.Quantity, trade.Price.String(), trade.Amount.String(), trade.PlanID, formatDate(trade.TradeDate)); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		return nil
	})
}

// RecordHoldTrade writes an informational, zero-amount trade row for a
// `hold` AI recommendation (spec §4.7 "hold" branch).
func (s *Store) RecordHoldTrade(ctx context.Context, code string, tradeDate time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bot_trades (code, action, quantity, price, amount, plan_id, trade_date)
		VALUES (?, 'hold', 0, '0', '0', NULL, ?)
	`, code, formatDate(tradeDate))
	if err != nil {
		return fmt.Errorf("storage.RecordHoldTrade: %w", err)
	}
	return nil
}

// BoughtToday reports whether code had a buy trade on tradeDate — backs the
// T+0 sell refusal (spec §4.7, boundary behavior #6).
func (s *Store) BoughtToday(ctx context.Context, code string, tradeDate time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bot_trades WHERE code = ? AND action = 'buy' AND trade_date = ?
	`, code, formatDate(tradeDate)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("storage.BoughtToday: %w", err)
	}
	return n > 0, nil
}
