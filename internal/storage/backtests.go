package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// SaveBacktestRun persists a run summary and its full trade ledger in one
// transaction — trades FK-cascade from the run (spec §3). Returns the
// assigned run id.
func (s *Store) SaveBacktestRun(ctx context.Context, run types.BacktestRun, trades []types.BacktestTrade) (int64, error) {
	var runID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		regimeJSON, _ := json.Marshal(run.RegimeStats)
		equityJSON, _ := json.Marshal(run.EquityCurve)
		sellStatsJSON, _ := json.Marshal(run.SellReasonStats)

		res, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_runs
				(strategy_id, strategy_name, start_date, end_date, initial_capital, max_positions,
				 total_trades, win_rate, total_return_pct, max_drawdown_pct, avg_hold_days, avg_pnl_pct,
				 cagr_pct, sharpe_ratio, calmar_ratio, profit_loss_ratio, index_return_pct, regime_stats,
				 equity_curve, sell_reason_stats, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.StrategyID, run.StrategyName, formatDate(run.StartDate), formatDate(run.EndDate),
			run.InitialCapital.String(), run.MaxPositions, run.TotalTrades, run.WinRate,
			run.TotalReturnPct, run.MaxDrawdownPct, run.AvgHoldDays, run.AvgPnlPct, run.CagrPct,
			run.SharpeRatio, run.CalmarRatio, run.ProfitLossRatio, run.IndexReturnPct,
			string(regimeJSON), string(equityJSON), string(sellStatsJSON), formatTimestamp(time.Now()))
		if err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		runID, _ = res.LastInsertId()

		if len(trades) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backtest_trades (run_id, stock_code, strategy_name, buy_date, buy_price,
				sell_date, sell_price, sell_reason, pnl_pct, hold_days)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare trades: %w", err)
		}
		defer stmt.Close()
		for _, t := range trades {
			var sellDate, sellPrice any
			if !t.SellDate.IsZero() {
				sellDate = formatDate(t.SellDate)
				sellPrice = t.SellPrice.String()
			}
			if _, err := stmt.ExecContext(ctx, runID, t.StockCode, t.StrategyName, formatDate(t.BuyDate),
				t.BuyPrice.String(), sellDate, sellPrice, t.SellReason, t.PnlPct, t.HoldDays,
			); err != nil {
				return fmt.Errorf("insert trade: %w", err)
			}
		}
		return nil
	})
	return runID, err
}

// GetBacktestRun loads a run summary (without trades) by id.
func (s *Store) GetBacktestRun(ctx context.Context, id int64) (types.BacktestRun, error) {
	var run types.BacktestRun
	var startDate, endDate, initialCapital, regimeJSON, equityJSON, sellStatsJSON string
	var strategyID sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, strategy_name, start_date, end_date, initial_capital, max_positions,
		       total_trades, win_rate, total_return_pct, max_drawdown_pct, avg_hold_days, avg_pnl_pct,
		       cagr_pct, sharpe_ratio, calmar_ratio, profit_loss_ratio, index_return_pct, regime_stats,
		       equity_curve, sell_reason_stats
		FROM backtest_runs WHERE id = ?
	`, id).Scan(&run.ID, &strategyID, &run.StrategyName, &startDate, &endDate, &initialCapital,
		&run.MaxPositions, &run.TotalTrades, &run.WinRate, &run.TotalReturnPct, &run.MaxDrawdownPct,
		&run.AvgHoldDays, &run.AvgPnlPct, &run.CagrPct, &run.SharpeRatio, &run.CalmarRatio,
		&run.ProfitLossRatio, &run.IndexReturnPct, &regimeJSON, &equityJSON, &sellStatsJSON)
	if err != nil {
		return run, err
	}
	run.StartDate = parseDate(startDate)
	run.EndDate = parseDate(endDate)
	run.InitialCapital, _ = decimal.NewFromString(initialCapital)
	if strategyID.Valid {
		run.StrategyID = &strategyID.Int64
	}
	_ = json.Unmarshal([]byte(regimeJSON), &run.RegimeStats)
	_ = json.Unmarshal([]byte(equityJSON), &run.EquityCurve)
	_ = json.Unmarshal([]byte(sellStatsJSON), &run.SellReasonStats)
	return run, nil
}

// GetBacktestTrades loads the trade ledger for a run.
func (s *Store) GetBacktestTrades(ctx context.Context, runID int64) ([]types.BacktestTrade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, stock_code, strategy_name, buy_date, buy_price, sell_date, sell_price,
		       sell_reason, pnl_pct, hold_days
		FROM backtest_trades WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage.GetBacktestTrades: %w", err)
	}
	defer rows.Close()

	var out []types.BacktestTrade
	for rows.Next() {
		var t types.BacktestTrade
		var buyDate, buyPrice string
		var sellDate, sellPrice sql.NullString
		if err := rows.Scan(&t.ID, &t.RunID, &t.StockCode, &t.StrategyName, &buyDate, &buyPrice,
			&sellDate, &sellPrice, &t.SellReason, &t.PnlPct, &t.HoldDays); err != nil {
			return nil, fmt.Errorf("storage.GetBacktestTrades: scan: %w", err)
		}
		t.BuyDate = parseDate(buyDate)
		t.BuyPrice, _ = decimal.NewFromString(buyPrice)
		if sellDate.Valid {
			t.SellDate = parseDate(sellDate.String)
		}
		if sellPrice.Valid {
			t.SellPrice, _ = decimal.NewFromString(sellPrice.String)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
