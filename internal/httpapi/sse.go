package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/progress"
)

// sseWriter frames events per spec §6: `data: <json>\n\n`, keepalives as
// `: keepalive\n\n`, flushed after every write so a client sees each
// event as soon as it's produced.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) writeEvent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) writeKeepalive() {
	s.w.Write([]byte(": keepalive\n\n"))
	s.flusher.Flush()
}

// streamBus drains bus from offset 0 until it finishes or the request
// context is cancelled, framing every event as SSE and emitting a
// keepalive whenever Read times out without new events (spec §5's 30 s
// stream-consumer blocking read).
func streamBus(ctx context.Context, logger *zap.Logger, sw *sseWriter, bus *progress.Bus) {
	offset := 0
	for {
		if ctx.Err() != nil {
			return
		}
		events, next, finished, keepalive := bus.Read(ctx, offset)
		offset = next
		if keepalive {
			sw.writeKeepalive()
			continue
		}
		for _, e := range events {
			if err := sw.writeEvent(e); err != nil {
				logger.Warn("sse write failed, disconnecting", zap.Error(err))
				return
			}
		}
		if finished {
			return
		}
	}
}
