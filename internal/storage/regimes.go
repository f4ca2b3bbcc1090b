package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// InsertMissingRegimeLabels inserts only the labels whose week_start is not
// already present, returning the count actually inserted — the idempotence
// law for ensureRegimes (spec §8 round-trip law #2): calling this twice
// with the same labels inserts 0 the second time.
func (s *Store) InsertMissingRegimeLabels(ctx context.Context, labels []types.MarketRegimeLabel) (int, error) {
	if len(labels) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO market_regime_labels (week_start, week_end, regime, confidence, trend_strength, volatility, index_return_pct)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(week_start) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for _, l := range labels {
			res, err := stmt.ExecContext(ctx, formatDate(l.WeekStart), formatDate(l.WeekEnd), string(l.Regime),
				l.Confidence, l.TrendStrength, l.Volatility, l.IndexReturnPct)
			if err != nil {
				return fmt.Errorf("insert %s: %w", formatDate(l.WeekStart), err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// GetRegimeMap returns week_start -> label for [start, end] (get_regime_map).
func (s *Store) GetRegimeMap(ctx context.Context, start, end time.Time) (map[string]types.MarketRegimeLabel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT week_start, week_end, regime, confidence, trend_strength, volatility, index_return_pct
		FROM market_regime_labels WHERE week_start BETWEEN ? AND ? ORDER BY week_start ASC
	`, formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("storage.GetRegimeMap: %w", err)
	}
	defer rows.Close()

	out := make(map[string]types.MarketRegimeLabel)
	for rows.Next() {
		var l types.MarketRegimeLabel
		var weekStart, weekEnd, regime string
		if err := rows.Scan(&weekStart, &weekEnd, &regime, &l.Confidence, &l.TrendStrength,
			&l.Volatility, &l.IndexReturnPct); err != nil {
			return nil, fmt.Errorf("storage.GetRegimeMap: scan: %w", err)
		}
		l.WeekStart = parseDate(weekStart)
		l.WeekEnd = parseDate(weekEnd)
		l.Regime = types.RegimeKind(regime)
		out[weekStart] = l
	}
	return out, rows.Err()
}
