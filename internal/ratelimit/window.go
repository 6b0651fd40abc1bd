package ratelimit

import "time"

// Limits caps admissions per window. Zero means the window is not enforced.
type Limits struct {
	PerSecond int
	PerMinute int
	PerHour   int
}

type window struct {
	limit   int
	period  time.Duration
	count   int
	resetAt time.Time
}

func (w *window) refresh(now time.Time) {
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(w.period)
	}
}

func (w *window) full() bool {
	return w.limit > 0 && w.count >= w.limit
}

// state holds the three fixed windows of one platform.
type state struct {
	windows     [3]window
	pausedUntil time.Time
}

func newState(l Limits) *state {
	s := &state{}
	s.windows[0].period = time.Second
	s.windows[1].period = time.Minute
	s.windows[2].period = time.Hour
	s.setLimits(l)
	return s
}

func (s *state) setLimits(l Limits) {
	s.windows[0].limit = l.PerSecond
	s.windows[1].limit = l.PerMinute
	s.windows[2].limit = l.PerHour
}

// admit increments every window and returns 0 when capacity is available,
// otherwise the shortest wait until a blocking window resets.
func (s *state) admit(now time.Time) time.Duration {
	if now.Before(s.pausedUntil) {
		return s.pausedUntil.Sub(now)
	}

	var wait time.Duration
	for i := range s.windows {
		w := &s.windows[i]
		w.refresh(now)
		if w.full() {
			if d := w.resetAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
		}
	}
	if wait > 0 {
		return wait
	}

	for i := range s.windows {
		s.windows[i].count++
	}
	return 0
}
