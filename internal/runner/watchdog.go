package runner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/progress"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// watchdogLoop wakes every 60 s and force-finishes any worker whose
// wall-clock age exceeds watchdogMaxAge (spec §4.1 "Watchdog").
func (e *Engine) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepWatchdog(ctx)
		}
	}
}

func (e *Engine) sweepWatchdog(ctx context.Context) {
	e.mu.Lock()
	var stale []int64
	now := time.Now()
	for expID, h := range e.active {
		if !h.finished && now.Sub(h.startedAt) > watchdogMaxAge {
			stale = append(stale, expID)
		}
	}
	e.mu.Unlock()

	for _, expID := range stale {
		e.watchdogTimeout(ctx, expID)
	}
}

func (e *Engine) watchdogTimeout(ctx context.Context, expID int64) {
	e.mu.Lock()
	h, ok := e.active[expID]
	e.mu.Unlock()
	if !ok {
		return
	}

	ageMin := int(time.Since(h.startedAt) / time.Minute)
	reason := fmt.Sprintf("watchdog timeout: %d min exceeded", ageMin)

	if err := e.store.SetExperimentStatus(ctx, expID, types.ExperimentFailed); err != nil {
		e.logger.Error("watchdog: failed to mark experiment failed", zap.Int64("experiment_id", expID), zap.Error(err))
	}
	if err := e.store.MarkNonTerminalStrategiesInvalid(ctx, expID, "invalid", reason); err != nil {
		e.logger.Error("watchdog: failed to invalidate strategies", zap.Int64("experiment_id", expID), zap.Error(err))
	}

	h.bus.Publish(progress.EventError, map[string]string{"reason": reason})
	h.bus.ForceFinish()
	if h.cancel != nil {
		h.cancel()
	}

	e.mu.Lock()
	e.watchdogKills++
	e.mu.Unlock()

	e.logger.Warn("watchdog timeout", zap.Int64("experiment_id", expID), zap.Int("age_min", ageMin))
	e.markFinished(expID)
}
