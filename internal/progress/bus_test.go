package progress_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlas-desktop/trading-backend/internal/progress"
)

func TestRead_LateSubscriberSeesFullHistoryFromZero(t *testing.T) {
	b := progress.New()
	require.NoError(t, b.Publish(progress.EventGenerating, map[string]any{"n": 1}))
	require.NoError(t, b.Publish(progress.EventDataLoaded, map[string]any{"count": 42}))
	b.Finish()

	events, next, finished, keepalive := b.Read(context.Background(), 0)
	require.False(t, keepalive)
	require.True(t, finished)
	assert.Equal(t, 2, next)
	require.Len(t, events, 2)
	assert.Equal(t, progress.EventGenerating, events[0].Type)
	assert.Equal(t, progress.EventDataLoaded, events[1].Type)
}

func TestRead_ReturnsOnlyEventsAfterOffset(t *testing.T) {
	b := progress.New()
	require.NoError(t, b.Publish(progress.EventStart, nil))
	require.NoError(t, b.Publish(progress.EventProgress, nil))
	require.NoError(t, b.Publish(progress.EventDone, nil))
	b.Finish()

	events, next, _, _ := b.Read(context.Background(), 1)
	require.Len(t, events, 2)
	assert.Equal(t, progress.EventProgress, events[0].Type)
	assert.Equal(t, progress.EventDone, events[1].Type)
	assert.Equal(t, 3, next)
}

func TestRead_BlocksThenWakesOnPublish(t *testing.T) {
	b := progress.New()
	var wg sync.WaitGroup
	wg.Add(1)

	var got []progress.Event
	go func() {
		defer wg.Done()
		events, _, _, keepalive := b.Read(context.Background(), 0)
		assert.False(t, keepalive)
		got = events
	}()

	time.Sleep(20 * time.Millisecond) // give the reader time to block
	require.NoError(t, b.Publish(progress.EventBacktestStart, map[string]string{"code": "600519"}))

	wg.Wait()
	require.Len(t, got, 1)
	assert.Equal(t, progress.EventBacktestStart, got[0].Type)
}

func TestFinish_UnblocksWaitingReaderWithNoNewEvents(t *testing.T) {
	b := progress.New()
	done := make(chan struct{})

	go func() {
		_, _, finished, keepalive := b.Read(context.Background(), 0)
		assert.True(t, finished)
		assert.False(t, keepalive)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Finish()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Finish")
	}
}

func TestForceFinish_StopsFurtherPublish(t *testing.T) {
	b := progress.New()
	require.NoError(t, b.Publish(progress.EventGenerating, nil))
	b.ForceFinish()

	require.NoError(t, b.Publish(progress.EventError, map[string]string{"reason": "watchdog timeout: 60 min exceeded"}))
	assert.Equal(t, 1, b.Len(), "a finished bus's log must not grow")
}

func TestPublish_PayloadRoundTrips(t *testing.T) {
	b := progress.New()
	require.NoError(t, b.Publish(progress.EventBacktestDone, map[string]any{"code": "600519", "score": 0.87}))

	events, _, _, _ := b.Read(context.Background(), 0)
	require.Len(t, events, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(events[0].Data, &payload))
	assert.Equal(t, "600519", payload["code"])
}

func TestRegistry_CreateGetDelete(t *testing.T) {
	r := progress.NewRegistry()
	b := r.Create(1)
	require.NotNil(t, b)

	got, ok := r.Get(1)
	require.True(t, ok)
	assert.Same(t, b, got)

	r.Delete(1)
	_, ok = r.Get(1)
	assert.False(t, ok)
}
