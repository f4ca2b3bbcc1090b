package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// CreateExperiment inserts a new experiment row with the caller's status
// and returns the assigned id.
func (s *Store) CreateExperiment(ctx context.Context, exp types.Experiment) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO experiments (theme, source_type, source_text, status, initial_capital, max_positions, max_position_pct, strategy_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exp.Theme, string(exp.SourceType), exp.SourceText, string(exp.Status),
		exp.InitialCapital.String(), exp.MaxPositions, exp.MaxPositionPct, exp.StrategyCount,
		formatTimestamp(exp.CreatedAt))
	if err != nil {
		return 0, fmt.Errorf("storage.CreateExperiment: %w", err)
	}
	return res.LastInsertId()
}

// GetExperiment loads an experiment by id. Returns sql.ErrNoRows if missing.
func (s *Store) GetExperiment(ctx context.Context, id int64) (types.Experiment, error) {
	var exp types.Experiment
	var sourceType, status, cap, createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, theme, source_type, source_text, status, initial_capital, max_positions, max_position_pct, strategy_count, created_at
		FROM experiments WHERE id = ?
	`, id).Scan(&exp.ID, &exp.Theme, &sourceType, &exp.SourceText, &status,
		&cap, &exp.MaxPositions, &exp.MaxPositionPct, &exp.StrategyCount, &createdAt)
	if err != nil {
		return exp, err
	}
	exp.SourceType = types.ExperimentSourceType(sourceType)
	exp.Status = types.ExperimentStatus(status)
	exp.InitialCapital, _ = decimal.NewFromString(cap)
	exp.CreatedAt = parseTimestamp(createdAt)
	return exp, nil
}

// SetExperimentStatus updates an experiment's status (monotonic transitions
// are enforced by the Runner, not here — this is a plain write).
func (s *Store) SetExperimentStatus(ctx context.Context, id int64, status types.ExperimentStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE experiments SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("storage.SetExperimentStatus: %w", err)
	}
	return nil
}

// OrphanStrategy pairs a candidate row with its owning experiment's
// source_type — the input to orphan recovery on startup.
type OrphanStrategy struct {
	Strategy   types.ExperimentStrategy
	SourceType types.ExperimentSourceType
}

// PendingOrphanExperimentStrategies returns every ExperimentStrategy whose
// status is pending or backtesting, joined with its experiment's source_type.
func (s *Store) PendingOrphanExperimentStrategies(ctx context.Context) ([]OrphanStrategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT es.id, es.experiment_id, es.name, es.description, es.buy_conditions, es.sell_conditions,
		       es.exit_config, es.status, es.error_message, es.total_trades, es.win_rate, es.total_return_pct,
		       es.max_drawdown_pct, es.avg_hold_days, es.avg_pnl_pct, es.score, es.regime_stats,
		       es.backtest_run_id, es.promoted_strategy_id, e.source_type
		FROM experiment_strategies es JOIN experiments e ON e.id = es.experiment_id
		WHERE es.status IN ('pending', 'backtesting')
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.PendingOrphanExperimentStrategies: %w", err)
	}
	defer rows.Close()

	var out []OrphanStrategy
	for rows.Next() {
		var o OrphanStrategy
		var sourceType string
		if err := scanExperimentStrategyRow(rows, &o.Strategy, &sourceType); err != nil {
			return nil, err
		}
		o.SourceType = types.ExperimentSourceType(sourceType)
		out = append(out, o)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperimentStrategyRow(r rowScanner, es *types.ExperimentStrategy, sourceType *string) error {
	var buyJSON, sellJSON, exitJSON, regimeJSON, st string
	var backtestRunID, promotedID sql.NullInt64
	var err error
	if sourceType != nil {
		err = r.Scan(&es.ID, &es.ExperimentID, &es.Name, &es.Description, &buyJSON, &sellJSON,
			&exitJSON, &st, &es.ErrorMessage, &es.TotalTrades, &es.WinRate, &es.TotalReturnPct,
			&es.MaxDrawdownPct, &es.AvgHoldDays, &es.AvgPnlPct, &es.Score, &regimeJSON,
			&backtestRunID, &promotedID, sourceType)
	} else {
		err = r.Scan(&es.ID, &es.ExperimentID, &es.Name, &es.Description, &buyJSON, &sellJSON,
			&exitJSON, &st, &es.ErrorMessage, &es.TotalTrades, &es.WinRate, &es.TotalReturnPct,
			&es.MaxDrawdownPct, &es.AvgHoldDays, &es.AvgPnlPct, &es.Score, &regimeJSON,
			&backtestRunID, &promotedID)
	}
	if err != nil {
		return fmt.Errorf("scan experiment_strategy: %w", err)
	}
	es.Status = types.ExperimentStrategyStatus(st)
	_ = json.Unmarshal([]byte(buyJSON), &es.BuyConditions)
	_ = json.Unmarshal([]byte(sellJSON), &es.SellConditions)
	_ = json.Unmarshal([]byte(exitJSON), &es.ExitConfig)
	_ = json.Unmarshal([]byte(regimeJSON), &es.RegimeStats)
	if backtestRunID.Valid {
		es.BacktestRunID = &backtestRunID.Int64
	}
	if promotedID.Valid {
		es.PromotedStrategyID = &promotedID.Int64
	}
	return nil
}

// CreateExperimentStrategies inserts the candidates produced by Phase 2
// (generate+validate) in declaration order, recording that order in `seq`
// so later readers reconstruct it (§5: "declaration order"), and assigns
// each row's id back into the passed-in slice.
func (s *Store) CreateExperimentStrategies(ctx context.Context, strategies []types.ExperimentStrategy) error {
	if len(strategies) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO experiment_strategies
				(experiment_id, name, description, buy_conditions, sell_conditions, exit_config,
				 status, error_message, total_trades, win_rate, total_return_pct, max_drawdown_pct,
				 avg_hold_days, avg_pnl_pct, score, regime_stats, backtest_run_id, promoted_strategy_id, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for i := range strategies {
			es := &strategies[i]
			buyJSON, _ := json.Marshal(es.BuyConditions)
			sellJSON, _ := json.Marshal(es.SellConditions)
			exitJSON, _ := json.Marshal(es.ExitConfig)
			regimeJSON, _ := json.Marshal(es.RegimeStats)
			res, err := stmt.ExecContext(ctx, es.ExperimentID, es.Name, es.Description,
				string(buyJSON), string(sellJSON), string(exitJSON), string(es.Status), es.ErrorMessage,
				es.TotalTrades, es.WinRate, es.TotalReturnPct, es.MaxDrawdownPct, es.AvgHoldDays,
				es.AvgPnlPct, es.Score, string(regimeJSON), es.BacktestRunID, es.PromotedStrategyID, i)
			if err != nil {
				return fmt.Errorf("insert %s: %w", es.Name, err)
			}
			id, _ := res.LastInsertId()
			es.ID = id
		}
		return nil
	})
}

// ListExperimentStrategies returns an experiment's candidates in
// declaration order.
func (s *Store) ListExperimentStrategies(ctx context.Context, experimentID int64) ([]types.ExperimentStrategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, experiment_id, name, description, buy_conditions, sell_conditions, exit_config,
		       status, error_message, total_trades, win_rate, total_return_pct, max_drawdown_pct,
		       avg_hold_days, avg_pnl_pct, score, regime_stats, backtest_run_id, promoted_strategy_id
		FROM experiment_strategies WHERE experiment_id = ? ORDER BY seq ASC
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListExperimentStrategies: %w", err)
	}
	defer rows.Close()

	var out []types.ExperimentStrategy
	for rows.Next() {
		var es types.ExperimentStrategy
		if err := scanExperimentStrategyRow(rows, &es, nil); err != nil {
			return nil, err
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

// UpdateExperimentStrategy persists the full row back (used by the
// backtest phase after a run, a pre-check skip, or a backtest error).
func (s *Store) UpdateExperimentStrategy(ctx context.Context, es types.ExperimentStrategy) error {
	buyJSON, _ := json.Marshal(es.BuyConditions)
	sellJSON, _ := json.Marshal(es.SellConditions)
	exitJSON, _ := json.Marshal(es.ExitConfig)
	regimeJSON, _ := json.Marshal(es.RegimeStats)
	_, err := s.db.ExecContext(ctx, `
		UPDATE experiment_strategies SET
			status = ?, error_message = ?, total_trades = ?, win_rate = ?, total_return_pct = ?,
			max_drawdown_pct = ?, avg_hold_days = ?, avg_pnl_pct = ?, score = ?, regime_stats = ?,
			backtest_run_id = ?, promoted_strategy_id = ?, buy_conditions = ?, sell_conditions = ?, exit_config = ?
		WHERE id = ?
	`, string(es.Status), es.ErrorMessage, es.TotalTrades, es.WinRate, es.TotalReturnPct,
		es.MaxDrawdownPct, es.AvgHoldDays, es.AvgPnlPct, es.Score, string(regimeJSON),
		es.BacktestRunID, es.PromotedStrategyID, string(buyJSON), string(sellJSON), string(exitJSON), es.ID)
	if err != nil {
		return fmt.Errorf("storage.UpdateExperimentStrategy: %w", err)
	}
	return nil
}

// MarkNonTerminalStrategiesInvalid implements the watchdog's bulk-invalidate
// step: every row in the given experiment whose status is not already
// done/invalid/failed is set to newStatus with reason and score reset to 0.
func (s *Store) MarkNonTerminalStrategiesInvalid(ctx context.Context, experimentID int64, newStatus, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE experiment_strategies SET status = ?, error_message = ?, score = 0
		WHERE experiment_id = ? AND status NOT IN ('done', 'invalid', 'failed')
	`, newStatus, reason, experimentID)
	if err != nil {
		return fmt.Errorf("storage.MarkNonTerminalStrategiesInvalid: %w", err)
	}
	return nil
}

// MarkStrategiesOrphaned sets status=failed with the orphan reason on a
// specific set of row ids (used for the non-clone branch of Scenario C).
func (s *Store) MarkStrategiesOrphaned(ctx context.Context, ids []int64, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `UPDATE experiment_strategies SET status = 'failed', error_message = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, reason, id); err != nil {
				return fmt.Errorf("mark orphaned %d: %w", id, err)
			}
		}
		return nil
	})
}

// --- formal Strategy table ---

// PromoteStrategy copies an ExperimentStrategy into the formal table and
// returns the assigned (or pre-existing, on name conflict) id.
func (s *Store) PromoteStrategy(ctx context.Context, st types.Strategy) (int64, error) {
	buyJSON, _ := json.Marshal(st.BuyConditions)
	sellJSON, _ := json.Marshal(st.SellConditions)
	exitJSON, _ := json.Marshal(st.ExitConfig)
	var portfolioJSON any
	if st.PortfolioConfig != nil {
		b, _ := json.Marshal(st.PortfolioConfig)
		portfolioJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategies (name, description, buy_conditions, sell_conditions, exit_config,
			portfolio_config, category, weight, source_experiment_id, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			description=excluded.description, buy_conditions=excluded.buy_conditions,
			sell_conditions=excluded.sell_conditions, exit_config=excluded.exit_config,
			portfolio_config=excluded.portfolio_config, category=excluded.category
	`, st.Name, st.Description, string(buyJSON), string(sellJSON), string(exitJSON),
		portfolioJSON, st.Category, st.Weight, st.SourceExperimentID, boolToInt(st.Enabled))
	if err != nil {
		return 0, fmt.Errorf("storage.PromoteStrategy: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM strategies WHERE name = ?`, st.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("storage.PromoteStrategy: lookup id: %w", err)
	}
	return id, nil
}

// ListEnabledStrategies returns every enabled, non-deleted formal strategy.
func (s *Store) ListEnabledStrategies(ctx context.Context) ([]types.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, buy_conditions, sell_conditions, exit_config, portfolio_config,
		       category, weight, source_experiment_id, enabled
		FROM strategies WHERE enabled = 1 AND deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListEnabledStrategies: %w", err)
	}
	defer rows.Close()

	var out []types.Strategy
	for rows.Next() {
		var st types.Strategy
		var buyJSON, sellJSON, exitJSON string
		var portfolioJSON sql.NullString
		var sourceExp sql.NullInt64
		var enabled int
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &buyJSON, &sellJSON, &exitJSON,
			&portfolioJSON, &st.Category, &st.Weight, &sourceExp, &enabled); err != nil {
			return nil, fmt.Errorf("storage.ListEnabledStrategies: scan: %w", err)
		}
		_ = json.Unmarshal([]byte(buyJSON), &st.BuyConditions)
		_ = json.Unmarshal([]byte(sellJSON), &st.SellConditions)
		_ = json.Unmarshal([]byte(exitJSON), &st.ExitConfig)
		if portfolioJSON.Valid {
			var combo types.ComboConfig
			_ = json.Unmarshal([]byte(portfolioJSON.String), &combo)
			st.PortfolioConfig = &combo
		}
		if sourceExp.Valid {
			st.SourceExperimentID = &sourceExp.Int64
		}
		st.Enabled = enabled == 1
		out = append(out, st)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
