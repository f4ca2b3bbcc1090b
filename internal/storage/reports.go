package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// SaveAIReport upserts one report per calendar date (pipeline step 6 is
// idempotent: re-running for the same date replaces, not duplicates).
func (s *Store) SaveAIReport(ctx context.Context, r types.AIReport) error {
	recsJSON, _ := json.Marshal(r.Recommendations)
	actionsJSON, _ := json.Marshal(r.StrategyActions)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_reports (date, report_type, market_regime, market_regime_confidence,
			recommendations, strategy_actions, thinking_process, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			report_type=excluded.report_type, market_regime=excluded.market_regime,
			market_regime_confidence=excluded.market_regime_confidence,
			recommendations=excluded.recommendations, strategy_actions=excluded.strategy_actions,
			thinking_process=excluded.thinking_process, summary=excluded.summary
	`, formatDate(r.Date), r.ReportType, r.MarketRegime, r.MarketRegimeConfidence,
		string(recsJSON), string(actionsJSON), r.ThinkingProcess, r.Summary)
	if err != nil {
		return fmt.Errorf("storage.SaveAIReport: %w", err)
	}
	return nil
}

// GetAIReport loads the report for a given date, if any.
func (s *Store) GetAIReport(ctx context.Context, date time.Time) (types.AIReport, bool, error) {
	var r types.AIReport
	var d, recsJSON, actionsJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, date, report_type, market_regime, market_regime_confidence, recommendations,
		       strategy_actions, thinking_process, summary
		FROM ai_reports WHERE date = ?
	`, formatDate(date)).Scan(&r.ID, &d, &r.ReportType, &r.MarketRegime, &r.MarketRegimeConfidence,
		&recsJSON, &actionsJSON, &r.ThinkingProcess, &r.Summary)
	if err == sql.ErrNoRows {
		return r, false, nil
	}
	if err != nil {
		return r, false, fmt.Errorf("storage.GetAIReport: %w", err)
	}
	r.Date = parseDate(d)
	_ = json.Unmarshal([]byte(recsJSON), &r.Recommendations)
	_ = json.Unmarshal([]byte(actionsJSON), &r.StrategyActions)
	return r, true, nil
}

// GetPipelineState/SetPipelineState persist the scheduler's last_run_date
// (pipeline step 7) across restarts.
func (s *Store) GetPipelineState(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pipeline_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage.GetPipelineState: %w", err)
	}
	return v, true, nil
}

func (s *Store) SetPipelineState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("storage.SetPipelineState: %w", err)
	}
	return nil
}
