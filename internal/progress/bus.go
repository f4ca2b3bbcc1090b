// Package progress implements the Experiment Runner's multi-consumer
// progress bus (spec §4.1, §5, §9): an append-only per-experiment event
// log guarded by one mutex and a condition variable, with offset-based
// replay so a late subscriber observes the identical sequence a
// subscriber attached from the start would have seen.
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// EventType discriminates the SSE payload shapes listed in spec §4.1/§4.4.
type EventType string

const (
	EventGenerating          EventType = "generating"
	EventStrategiesReady     EventType = "strategies_ready"
	EventDataIntegrity       EventType = "data_integrity"
	EventDataIntegrityDone   EventType = "data_integrity_done"
	EventDataIntegrityWarn   EventType = "data_integrity_warning"
	EventLoadingData         EventType = "loading_data"
	EventDataLoaded          EventType = "data_loaded"
	EventComputingRegimes    EventType = "computing_regimes"
	EventRegimeWarning       EventType = "regime_warning"
	EventBacktestStart       EventType = "backtest_start"
	EventBacktestDone        EventType = "backtest_done"
	EventBacktestSkip        EventType = "backtest_skip"
	EventBacktestError       EventType = "backtest_error"
	EventExperimentDone      EventType = "experiment_done"
	EventResumeStart         EventType = "resume_start"
	EventExperimentStatus    EventType = "experiment_status"
	EventError               EventType = "error"
	EventInfo                EventType = "info"
	EventStart               EventType = "start"
	EventProgress            EventType = "progress"
	EventSignal              EventType = "signal"
	EventDone                EventType = "done"
)

// keepaliveTimeout is the stream-consumer blocking read timeout (spec §5).
const keepaliveTimeout = 30 * time.Second

// Event is one entry in a bus's append-only log.
type Event struct {
	Seq  int             `json:"seq"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Bus is a single experiment's progress log: one producer (the worker),
// any number of consumers. Zero value is not usable; construct with New.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   []Event
	finished bool
}

// New constructs an empty, unfinished Bus.
func New() *Bus {
	b := &Bus{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Publish appends a JSON-serialized event and wakes blocked readers.
// Publishing after Finish/ForceFinish is a no-op — a finished bus's log
// is immutable, matching the "executed/expired plan is immutable" style
// of invariant elsewhere in this system.
func (b *Bus) Publish(eventType EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return nil
	}
	b.events = append(b.events, Event{Seq: len(b.events), Type: eventType, Data: data})
	b.cond.Broadcast()
	return nil
}

// Finish marks the bus complete: pending and future readers drain the
// remaining backlog, then see Finished=true at offset==len(events).
// Used at the end of a normal worker run (Phase 6, experiment_done).
func (b *Bus) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = true
	b.cond.Broadcast()
}

// ForceFinish is Finish's crash/watchdog-path counterpart: it marks the
// bus complete regardless of whether the worker delivered a terminal
// event, so every blocked or future consumer disconnects promptly.
// Mechanically identical to Finish; kept as a distinct name so call
// sites read the same as the worker/watchdog prose in spec §4.1.
func (b *Bus) ForceFinish() {
	b.Finish()
}

// Len reports the current log length, for callers that want to arm a
// fresh subscription at the current tail instead of offset 0.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Finished reports whether the bus has been finished.
func (b *Bus) Finished() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finished
}

// Read blocks until offset has new events, the bus finishes, or 30 s
// elapse, whichever comes first. A timeout with nothing new sets
// keepalive=true so the caller can emit an SSE comment and loop; ctx
// cancellation between calls is the caller's responsibility — Read
// itself returns at least once per keepaliveTimeout so a canceled
// context is never blocked on for long.
func (b *Bus) Read(ctx context.Context, offset int) (events []Event, nextOffset int, finished bool, keepalive bool) {
	deadline := time.Now().Add(keepaliveTimeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	for offset >= len(b.events) && !b.finished {
		if ctx.Err() != nil {
			return nil, offset, false, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, offset, false, true
		}
		b.waitTimeoutLocked(remaining)
	}

	out := append([]Event(nil), b.events[offset:]...)
	return out, len(b.events), b.finished, false
}

// waitTimeoutLocked blocks on the condition variable for at most d,
// relying on the standard sync.Cond timeout idiom: a timer goroutine
// reacquires the lock and broadcasts after d, waking this Wait() even
// absent a real Publish/Finish. Must be called with b.mu held.
func (b *Bus) waitTimeoutLocked(d time.Duration) {
	timer := time.AfterFunc(d, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()
	b.cond.Wait()
}
