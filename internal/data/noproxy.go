package data

import (
	"net/http"
	"time"
)

// newDirectClient returns an http.Client whose Transport never honors
// process-wide proxy env vars — the per-call substitute the spec allows
// for the reentrant-refcounted no-proxy scope: every external fetch in
// this package gets its own client instead of mutating global state.
func newDirectClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: nil,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
