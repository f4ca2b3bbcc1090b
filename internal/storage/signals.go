package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertSignal writes one TradingSignal row, enforcing the at-most-one
// row per (code, date) invariant (spec §8 invariant #2) via PK upsert.
func (s *Store) UpsertSignal(ctx context.Context, code string, date time.Time, action string, alpha, oversold, consensus, volumePrice float64, strategies []string) error {
	strategiesJSON, _ := json.Marshal(strategies)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trading_signals (code, date, action, alpha_score, oversold_score, consensus_score, volume_price_score, strategies)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code, date) DO UPDATE SET
			action=excluded.action, alpha_score=excluded.alpha_score, oversold_score=excluded.oversold_score,
			consensus_score=excluded.consensus_score, volume_price_score=excluded.volume_price_score,
			strategies=excluded.strategies
	`, code, formatDate(date), action, alpha, oversold, consensus, volumePrice, string(strategiesJSON))
	if err != nil {
		return fmt.Errorf("storage.UpsertSignal: %w", err)
	}
	return nil
}

// UpsertSignals writes a batch of TradingSignal rows inside one
// transaction (spec §4.4's "commit the DB in batches of 50 signals").
func (s *Store) UpsertSignals(ctx context.Context, rows []SignalRow) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trading_signals (code, date, action, alpha_score, oversold_score, consensus_score, volume_price_score, strategies)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(code, date) DO UPDATE SET
				action=excluded.action, alpha_score=excluded.alpha_score, oversold_score=excluded.oversold_score,
				consensus_score=excluded.consensus_score, volume_price_score=excluded.volume_price_score,
				strategies=excluded.strategies
		`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for _, r := range rows {
			strategiesJSON, _ := json.Marshal(r.Strategies)
			if _, err := stmt.ExecContext(ctx, r.Code, formatDate(r.Date), r.Action, r.AlphaScore, r.OversoldScore, r.ConsensusScore, r.VolumePriceScore, string(strategiesJSON)); err != nil {
				return fmt.Errorf("upsert %s: %w", r.Code, err)
			}
		}
		return nil
	})
}

// DeleteStaleSignals removes rows at `date` for codes in `codes` —
// the stale-signal GC pass (spec §4.4, Scenario F).
func (s *Store) DeleteStaleSignals(ctx context.Context, date time.Time, codes []string) error {
	if len(codes) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM trading_signals WHERE date = ? AND code = ?`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		d := formatDate(date)
		for _, code := range codes {
			if _, err := stmt.ExecContext(ctx, d, code); err != nil {
				return fmt.Errorf("delete %s: %w", code, err)
			}
		}
		return nil
	})
}

// SignalRow is a row of the trading_signals table.
type SignalRow struct {
	Code             string
	Date             time.Time
	Action           string
	AlphaScore       float64
	OversoldScore    float64
	ConsensusScore   float64
	VolumePriceScore float64
	Strategies       []string
}

// CodesWithSignalsOn returns every code that has a TradingSignal row on date.
func (s *Store) CodesWithSignalsOn(ctx context.Context, date time.Time) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code FROM trading_signals WHERE date = ?`, formatDate(date))
	if err != nil {
		return nil, fmt.Errorf("storage.CodesWithSignalsOn: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("storage.CodesWithSignalsOn: scan: %w", err)
		}
		out[code] = true
	}
	return out, rows.Err()
}

// SignalsOn returns every signal row for date.
func (s *Store) SignalsOn(ctx context.Context, date time.Time) ([]SignalRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, date, action, alpha_score, oversold_score, consensus_score, volume_price_score, strategies
		FROM trading_signals WHERE date = ? ORDER BY alpha_score DESC
	`, formatDate(date))
	if err != nil {
		return nil, fmt.Errorf("storage.SignalsOn: %w", err)
	}
	defer rows.Close()
	return scanSignalRows(rows)
}

// LatestSignalDate returns the most recent date with any signal row, for
// the `/signals/today` auto-fallback. ok=false when no signal exists at all.
func (s *Store) LatestSignalDate(ctx context.Context) (time.Time, bool, error) {
	var date string
	err := s.db.QueryRowContext(ctx, `SELECT date FROM trading_signals ORDER BY date DESC LIMIT 1`).Scan(&date)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("storage.LatestSignalDate: %w", err)
	}
	return parseDate(date), true, nil
}

func scanSignalRows(rows *sql.Rows) ([]SignalRow, error) {
	var out []SignalRow
	for rows.Next() {
		var r SignalRow
		var date, strategiesJSON string
		if err := rows.Scan(&r.Code, &date, &r.Action, &r.AlphaScore, &r.OversoldScore,
			&r.ConsensusScore, &r.VolumePriceScore, &strategiesJSON); err != nil {
			return nil, fmt.Errorf("scan signal row: %w", err)
		}
		r.Date = parseDate(date)
		_ = json.Unmarshal([]byte(strategiesJSON), &r.Strategies)
		out = append(out, r)
	}
	return out, rows.Err()
}
