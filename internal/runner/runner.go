// Package runner implements the Experiment Runner (spec §4.1): owns the
// lifecycle of long-running strategy-generation experiments, runs their
// six-phase worker pipeline, and publishes progress to any number of
// concurrent stream subscribers via internal/progress.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/backtest"
	"github.com/atlas-desktop/trading-backend/internal/data"
	"github.com/atlas-desktop/trading-backend/internal/llm"
	"github.com/atlas-desktop/trading-backend/internal/progress"
	"github.com/atlas-desktop/trading-backend/internal/regime"
	"github.com/atlas-desktop/trading-backend/internal/storage"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// benchmarkIndexCode is the Shanghai Composite, used as the regime
// classifier's benchmark series throughout the platform.
const benchmarkIndexCode = "000001.SH"

// semaphoreCapacity is the process-wide backtest concurrency bound (spec §5).
const semaphoreCapacity = 3

const (
	universeWindow        = 3 * 365 * 24 * time.Hour // rolling 3-year window (Phase 3)
	minUniverseBars       = 60
	regularBacktestTimeout = 600 * time.Second
	comboBacktestTimeout   = 900 * time.Second
	watchdogInterval       = 60 * time.Second
	watchdogMaxAge         = 3600 * time.Second
	retentionWindow        = 5 * time.Minute // spec §4.1 getProgress "within 5 min of finish"
)

// workerHandle tracks one active/recently-finished experiment worker.
type workerHandle struct {
	bus        *progress.Bus
	startedAt  time.Time
	cancel     context.CancelFunc
	finished   bool
	finishedAt time.Time
}

// Engine is the Experiment Runner.
type Engine struct {
	store      *storage.Store
	logger     *zap.Logger
	generator  llm.StrategyGenerator
	collector  *data.Collector
	classifier *regime.Classifier
	weights    backtest.ScoreWeights

	sem chan struct{}

	mu            sync.Mutex
	active        map[int64]*workerHandle
	watchdogKills int64
}

// New constructs an Engine and starts its watchdog loop. ctx governs the
// watchdog's own lifetime (typically the process lifetime); it does not
// bound individual experiment workers, which run to completion or
// watchdog timeout independent of the caller's request context.
func New(ctx context.Context, store *storage.Store, logger *zap.Logger, generator llm.StrategyGenerator, collector *data.Collector, classifier *regime.Classifier, weights backtest.ScoreWeights) *Engine {
	e := &Engine{
		store: store, logger: logger.Named("runner"), generator: generator,
		collector: collector, classifier: classifier, weights: weights,
		sem: make(chan struct{}, semaphoreCapacity), active: make(map[int64]*workerHandle),
	}
	go e.watchdogLoop(ctx)
	return e
}

// Start implements the Runner's start() contract: a fresh worker,
// returning a handle that replays from offset 0. Fails only if the
// experiment record is missing.
func (e *Engine) Start(ctx context.Context, expID int64) (*progress.Bus, error) {
	exp, err := e.store.GetExperiment(ctx, expID)
	if err != nil {
		return nil, fmt.Errorf("runner.Start: %w", err)
	}

	bus := progress.New()
	workerCtx, cancel := context.WithCancel(context.Background())
	e.register(expID, bus, cancel)

	go e.runWorker(workerCtx, exp, bus, false)
	return bus, nil
}

// Resume implements resume(): idempotent against an already-active
// worker; otherwise spawns a worker that reprocesses only strategies
// needing a backtest (spec §4.1's resume-worker filter).
func (e *Engine) Resume(ctx context.Context, expID int64) (*progress.Bus, error) {
	e.mu.Lock()
	if h, ok := e.active[expID]; ok && !h.finished {
		bus := h.bus
		e.mu.Unlock()
		return bus, nil
	}
	e.mu.Unlock()

	exp, err := e.store.GetExperiment(ctx, expID)
	if err != nil {
		return nil, fmt.Errorf("runner.Resume: %w", err)
	}

	bus := progress.New()
	workerCtx, cancel := context.WithCancel(context.Background())
	e.register(expID, bus, cancel)

	go e.runWorker(workerCtx, exp, bus, true)
	return bus, nil
}

// GetProgress returns the live handle for expID if it is still streaming,
// or was finished within the retention window.
func (e *Engine) GetProgress(expID int64) (*progress.Bus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[expID]
	if !ok {
		return nil, false
	}
	if h.finished && time.Since(h.finishedAt) > retentionWindow {
		return nil, false
	}
	return h.bus, true
}

// IsRunning reports whether expID currently has an unfinished worker.
func (e *Engine) IsRunning(expID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[expID]
	return ok && !h.finished
}

// ActiveCount reports how many experiments currently have an unfinished
// worker, for the HTTP metrics surface.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, h := range e.active {
		if !h.finished {
			n++
		}
	}
	return n
}

// SemaphoreInUse reports how many of the process-wide backtest slots
// are currently checked out, for the HTTP metrics surface.
func (e *Engine) SemaphoreInUse() int {
	return len(e.sem)
}

// SemaphoreCapacity is the process-wide backtest concurrency bound.
func (e *Engine) SemaphoreCapacity() int {
	return semaphoreCapacity
}

// WatchdogKillCount reports how many workers the watchdog has force-
// finished for exceeding watchdogMaxAge since process start.
func (e *Engine) WatchdogKillCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.watchdogKills
}

func (e *Engine) register(expID int64, bus *progress.Bus, cancel context.CancelFunc) {
	e.mu.Lock()
	e.active[expID] = &workerHandle{bus: bus, startedAt: time.Now(), cancel: cancel}
	e.mu.Unlock()
}

// markFinished flips a worker's handle to finished and starts its
// retention-window eviction timer.
func (e *Engine) markFinished(expID int64) {
	e.mu.Lock()
	h, ok := e.active[expID]
	if ok {
		h.finished = true
		h.finishedAt = time.Now()
	}
	e.mu.Unlock()

	time.AfterFunc(retentionWindow, func() {
		e.mu.Lock()
		if cur, ok := e.active[expID]; ok && cur.finished {
			delete(e.active, expID)
		}
		e.mu.Unlock()
	})
}
