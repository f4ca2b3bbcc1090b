package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// UpsertTradePlan replaces the pending plan for (code, direction) if one
// exists, else inserts a fresh one — spec §4.7's "Upsert on (code, direction, pending)".
// The partial unique index idx_trade_plans_pending enforces invariant #3
// (at most one pending plan per code/direction) at the DB layer.
func (s *Store) UpsertTradePlan(ctx context.Context, p types.TradePlan) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE trade_plans SET plan_price = ?, quantity = ?, sell_pct = ?, plan_date = ?
			WHERE code = ? AND direction = ? AND status = 'pending'
		`, p.PlanPrice.String(), p.Quantity, p.SellPct, formatDate(p.PlanDate), p.Code, string(p.Direction))
		if err != nil {
			return fmt.Errorf("update pending: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trade_plans (code, direction, plan_price, quantity, sell_pct, plan_date, status)
			VALUES (?, ?, ?, ?, ?, ?, 'pending')
		`, p.Code, string(p.Direction), p.PlanPrice.String(), p.Quantity, p.SellPct, formatDate(p.PlanDate))
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		return nil
	})
}

// PendingPlansDueBy returns every pending plan whose plan_date <= tradeDate,
// the execution step's working set.
func (s *Store) PendingPlansDueBy(ctx context.Context, tradeDate time.Time) ([]types.TradePlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, direction, plan_price, quantity, sell_pct, plan_date, status, execution_price
		FROM trade_plans WHERE status = 'pending' AND plan_date <= ?
	`, formatDate(tradeDate))
	if err != nil {
		return nil, fmt.Errorf("storage.PendingPlansDueBy: %w", err)
	}
	defer rows.Close()

	var out []types.TradePlan
	for rows.Next() {
		var p types.TradePlan
		var planDate, planPrice string
		var execPrice sql.NullString
		var direction, status string
		if err := rows.Scan(&p.ID, &p.Code, &direction, &planPrice, &p.Quantity, &p.SellPct,
			&planDate, &status, &execPrice); err != nil {
			return nil, fmt.Errorf("storage.PendingPlansDueBy: scan: %w", err)
		}
		p.Direction = types.PlanDirection(direction)
		p.Status = types.PlanStatus(status)
		p.PlanDate = parseDate(planDate)
		p.PlanPrice, _ = decimal.NewFromString(planPrice)
		if execPrice.Valid {
			p.ExecutionPrice, _ = decimal.NewFromString(execPrice.String)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPlanExecuted marks a plan executed with its fill price.
func (s *Store) SetPlanExecuted(ctx context.Context, id int64, executionPrice decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trade_plans SET status = 'executed', execution_price = ? WHERE id = ?`,
		executionPrice.String(), id)
	if err != nil {
		return fmt.Errorf("storage.SetPlanExecuted: %w", err)
	}
	return nil
}

// SetPlanExpired marks a plan expired (missed day, data gap, or declined execution).
func (s *Store) SetPlanExpired(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE trade_plans SET status = 'expired' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage.SetPlanExpired: %w", err)
	}
	return nil
}
