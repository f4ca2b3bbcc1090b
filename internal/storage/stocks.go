package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// UpsertStocks replaces (by code) the master instrument list.
func (s *Store) UpsertStocks(ctx context.Context, stocks []types.Stock) error {
	if len(stocks) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO stocks (code, name, market, industry) VALUES (?, ?, ?, ?)
			ON CONFLICT(code) DO UPDATE SET name=excluded.name, market=excluded.market, industry=excluded.industry
		`)
		if err != nil {
			return fmt.Errorf("storage.UpsertStocks: prepare: %w", err)
		}
		defer stmt.Close()
		for _, st := range stocks {
			if _, err := stmt.ExecContext(ctx, st.Code, st.Name, st.Market, st.Industry); err != nil {
				return fmt.Errorf("storage.UpsertStocks: %s: %w", st.Code, err)
			}
		}
		return nil
	})
}

// ListStocks returns the full instrument master list.
func (s *Store) ListStocks(ctx context.Context) ([]types.Stock, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, name, market, industry FROM stocks`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListStocks: %w", err)
	}
	defer rows.Close()

	var out []types.Stock
	for rows.Next() {
		var st types.Stock
		if err := rows.Scan(&st.Code, &st.Name, &st.Market, &st.Industry); err != nil {
			return nil, fmt.Errorf("storage.ListStocks: scan: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// GetDailyPrices returns the locally-stored bars for code in [start, end],
// ordered by date ascending.
func (s *Store) GetDailyPrices(ctx context.Context, code string, start, end time.Time) ([]types.DailyPrice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, date, open, high, low, close, volume, amount
		FROM daily_prices WHERE code = ? AND date BETWEEN ? AND ? ORDER BY date ASC
	`, code, formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("storage.GetDailyPrices: %w", err)
	}
	defer rows.Close()
	return scanDailyPrices(rows)
}

// GetDailyPricesOn returns every stock's bar for a single date (used by the
// Trade Plan engine for its prior-close and execution-day bar lookups).
func (s *Store) GetDailyPricesOn(ctx context.Context, date time.Time) ([]types.DailyPrice, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, date, open, high, low, close, volume, amount
		FROM daily_prices WHERE date = ?
	`, formatDate(date))
	if err != nil {
		return nil, fmt.Errorf("storage.GetDailyPricesOn: %w", err)
	}
	defer rows.Close()
	return scanDailyPrices(rows)
}

// CountDailyPricesByDate returns, for every date in [start, end], how many
// stock rows exist locally — the basis of repairDailyGaps' threshold check.
func (s *Store) CountDailyPricesByDate(ctx context.Context, start, end time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, COUNT(*) FROM daily_prices WHERE date BETWEEN ? AND ? GROUP BY date
	`, formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("storage.CountDailyPricesByDate: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var d string
		var c int
		if err := rows.Scan(&d, &c); err != nil {
			return nil, fmt.Errorf("storage.CountDailyPricesByDate: scan: %w", err)
		}
		out[d] = c
	}
	return out, rows.Err()
}

// UpsertDailyPrices writes a batch of bars inside one transaction. A row
// that fails its invariant (types.DailyPrice.Valid) is skipped rather than
// aborting the whole batch, matching spec §4.6's "skip the conflicting
// rows rather than aborting the batch".
func (s *Store) UpsertDailyPrices(ctx context.Context, bars []types.DailyPrice) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	written := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO daily_prices (code, date, open, high, low, close, volume, amount)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(code, date) DO UPDATE SET
				open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close,
				volume=excluded.volume, amount=excluded.amount
		`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for _, b := range bars {
			if !b.Valid() {
				continue
			}
			if _, err := stmt.ExecContext(ctx, b.Code, formatDate(b.Date),
				b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(),
				b.Volume.String(), b.Amount.String(),
			); err != nil {
				return fmt.Errorf("upsert %s/%s: %w", b.Code, formatDate(b.Date), err)
			}
			written++
		}
		return nil
	})
	return written, err
}

func scanDailyPrices(rows *sql.Rows) ([]types.DailyPrice, error) {
	var out []types.DailyPrice
	for rows.Next() {
		var b types.DailyPrice
		var date, open, high, low, close, volume, amount string
		if err := rows.Scan(&b.Code, &date, &open, &high, &low, &close, &volume, &amount); err != nil {
			return nil, fmt.Errorf("scan daily_price: %w", err)
		}
		b.Date = parseDate(date)
		b.Open, _ = decimal.NewFromString(open)
		b.High, _ = decimal.NewFromString(high)
		b.Low, _ = decimal.NewFromString(low)
		b.Close, _ = decimal.NewFromString(close)
		b.Volume, _ = decimal.NewFromString(volume)
		b.Amount, _ = decimal.NewFromString(amount)
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetIndexDaily returns benchmark-index bars for regime detection.
func (s *Store) GetIndexDaily(ctx context.Context, code string, start, end time.Time) ([]types.IndexDaily, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, date, open, high, low, close, volume
		FROM index_daily WHERE code = ? AND date BETWEEN ? AND ? ORDER BY date ASC
	`, code, formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("storage.GetIndexDaily: %w", err)
	}
	defer rows.Close()

	var out []types.IndexDaily
	for rows.Next() {
		var b types.IndexDaily
		var date, open, high, low, close, volume string
		if err := rows.Scan(&b.Code, &date, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("storage.GetIndexDaily: scan: %w", err)
		}
		b.Date = parseDate(date)
		b.Open, _ = decimal.NewFromString(open)
		b.High, _ = decimal.NewFromString(high)
		b.Low, _ = decimal.NewFromString(low)
		b.Close, _ = decimal.NewFromString(close)
		b.Volume, _ = decimal.NewFromString(volume)
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertIndexDaily writes benchmark-index bars.
func (s *Store) UpsertIndexDaily(ctx context.Context, bars []types.IndexDaily) error {
	if len(bars) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO index_daily (code, date, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(code, date) DO UPDATE SET
				open=excluded.open, high=excluded.high, low=excluded.low, close=excluded.close, volume=excluded.volume
		`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, b.Code, formatDate(b.Date),
				b.Open.String(), b.High.String(), b.Low.String(), b.Close.String(), b.Volume.String(),
			); err != nil {
				return fmt.Errorf("upsert %s/%s: %w", b.Code, formatDate(b.Date), err)
			}
		}
		return nil
	})
}

// TradingDatesBetween returns calendar dates marked open in [start, end],
// ascending. exchange selects the calendar (spec allows exchange overrides).
func (s *Store) TradingDatesBetween(ctx context.Context, exchange string, start, end time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date FROM trading_calendar
		WHERE exchange = ? AND date BETWEEN ? AND ? AND is_open = 1 ORDER BY date ASC
	`, exchange, formatDate(start), formatDate(end))
	if err != nil {
		return nil, fmt.Errorf("storage.TradingDatesBetween: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("storage.TradingDatesBetween: scan: %w", err)
		}
		out = append(out, parseDate(d))
	}
	return out, rows.Err()
}

// IsTradingDay reports whether exchange was open on date.
func (s *Store) IsTradingDay(ctx context.Context, exchange string, date time.Time) (bool, error) {
	var isOpen int
	err := s.db.QueryRowContext(ctx,
		`SELECT is_open FROM trading_calendar WHERE exchange = ? AND date = ?`, exchange, formatDate(date),
	).Scan(&isOpen)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage.IsTradingDay: %w", err)
	}
	return isOpen == 1, nil
}

// NextTradingDay returns the first trading_calendar date strictly after
// `after`, used by the Trade Plan generator to target the next session.
func (s *Store) NextTradingDay(ctx context.Context, exchange string, after time.Time) (time.Time, error) {
	var date string
	err := s.db.QueryRowContext(ctx, `
		SELECT date FROM trading_calendar
		WHERE exchange = ? AND date > ? AND is_open = 1 ORDER BY date ASC LIMIT 1
	`, exchange, formatDate(after)).Scan(&date)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("storage.NextTradingDay: no trading day after %s", formatDate(after))
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("storage.NextTradingDay: %w", err)
	}
	return parseDate(date), nil
}

// UpsertCalendar writes calendar rows (sync job owned, per spec §3).
func (s *Store) UpsertCalendar(ctx context.Context, exchange string, days map[string]bool) error {
	if len(days) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trading_calendar (exchange, date, is_open) VALUES (?, ?, ?)
			ON CONFLICT(exchange, date) DO UPDATE SET is_open=excluded.is_open
		`)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for date, open := range days {
			v := 0
			if open {
				v = 1
			}
			if _, err := stmt.ExecContext(ctx, exchange, date, v); err != nil {
				return fmt.Errorf("upsert %s: %w", date, err)
			}
		}
		return nil
	})
}
