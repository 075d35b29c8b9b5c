package core

import (
	"net/http"
	"strconv"
	"time"
)

// Diagnostic outcome values, sent verbatim in the cache status header.
const (
	statusHit         = "hit"
	statusMiss        = "miss"
	statusExpired     = "expired"
	statusRevalidated = "revalidated"
	statusNoCache     = "no-cache"
	statusStale       = "stale"
)

// cacheStatus accumulates the diagnostic outcome of one request as it
// moves through the pipeline.
type cacheStatus struct {
	value  string
	waited time.Duration
	// didWait distinguishes "waited zero time" from "never waited";
	// the wait header is only sent for callers that actually queued.
	didWait bool
	// retried guards the abort-restart path against looping.
	retried bool
}

func (s *cacheStatus) set(value string) {
	s.value = value
}

func (s *cacheStatus) recordWait(d time.Duration) {
	s.waited = d
	s.didWait = true
}

// writeTo sets the diagnostic headers. Call before WriteHeader.
func (s *cacheStatus) writeTo(h http.Header, statusHeader, lockWaitHeader string) {
	if s.value != "" {
		h.Set(statusHeader, s.value)
	}
	if s.didWait {
		h.Set(lockWaitHeader, strconv.FormatInt(s.waited.Milliseconds(), 10))
	}
}
