package endpoint

import "time"

// slidingWindow is a strict sliding-window rate limiter: at most
// limit events inside the trailing window. Over-budget calls are
// rejected outright, never queued. Callers must hold the owning
// endpoint's mutex; the trim-and-append sequence is one critical
// section.
type slidingWindow struct {
	limit  int
	window time.Duration
	events []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	return &slidingWindow{limit: limit, window: window}
}

// allow trims expired timestamps and, if capacity remains, records
// the event. A zero limit disables limiting.
func (w *slidingWindow) allow(now time.Time) bool {
	if w.limit <= 0 {
		return true
	}

	cutoff := now.Add(-w.window)
	kept := w.events[:0]
	for _, ts := range w.events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.events = kept

	if len(w.events) >= w.limit {
		return false
	}
	w.events = append(w.events, now)
	return true
}
