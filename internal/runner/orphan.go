package runner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// RecoverOrphans implements spec §4.1's "Orphan recovery (process
// startup)": strategies left in pending/backtesting by a crashed process
// are partitioned by their experiment's source_type. A clone experiment
// is resubmitted as a single-strategy clone-backtest job; everything
// else is marked failed with the orphan reason for the user-facing retry
// endpoint to pick up later.
func (e *Engine) RecoverOrphans(ctx context.Context) error {
	orphans, err := e.store.PendingOrphanExperimentStrategies(ctx)
	if err != nil {
		return fmt.Errorf("runner.RecoverOrphans: %w", err)
	}

	var nonClone []int64
	cloneExperiments := make(map[int64]bool)
	for _, o := range orphans {
		if o.SourceType == types.SourceClone {
			cloneExperiments[o.Strategy.ExperimentID] = true
			continue
		}
		nonClone = append(nonClone, o.Strategy.ID)
	}

	if len(nonClone) > 0 {
		if err := e.store.MarkStrategiesOrphaned(ctx, nonClone, "orphaned after server restart"); err != nil {
			return fmt.Errorf("runner.RecoverOrphans: mark orphaned: %w", err)
		}
	}

	for expID := range cloneExperiments {
		e.logger.Info("resubmitting orphaned clone experiment", zap.Int64("experiment_id", expID))
		if _, err := e.Resume(ctx, expID); err != nil {
			e.logger.Error("failed to resubmit clone experiment", zap.Int64("experiment_id", expID), zap.Error(err))
		}
	}
	return nil
}
