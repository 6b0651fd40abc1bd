package platform

import (
	"net/http"
	"strconv"
	"time"
)

const (
	HeaderRateRemaining = "X-RateLimit-Remaining"
	HeaderRateReset     = "X-RateLimit-Reset"
	HeaderRetryAfter    = "Retry-After"
)

// resetEpochCutoff separates Unix timestamps from relative seconds in X-RateLimit-Reset.
const resetEpochCutoff = 1_000_000_000

// PauseFromHeaders returns how long a platform asked callers to back off.
// Retry-After wins on 429/503; otherwise an exhausted X-RateLimit-Remaining
// pauses until X-RateLimit-Reset.
func PauseFromHeaders(h http.Header, status int, now time.Time) (time.Time, bool) {
	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		if ra := h.Get(HeaderRetryAfter); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
				return now.Add(time.Duration(secs) * time.Second), true
			}
			if t, err := http.ParseTime(ra); err == nil {
				return t, true
			}
		}
	}

	remaining := h.Get(HeaderRateRemaining)
	if remaining == "" {
		return time.Time{}, false
	}
	if n, err := strconv.Atoi(remaining); err != nil || n > 0 {
		return time.Time{}, false
	}

	reset, err := strconv.ParseInt(h.Get(HeaderRateReset), 10, 64)
	if err != nil || reset <= 0 {
		return time.Time{}, false
	}
	if reset >= resetEpochCutoff {
		return time.Unix(reset, 0), true
	}
	return now.Add(time.Duration(reset) * time.Second), true
}
