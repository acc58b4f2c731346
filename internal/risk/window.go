package risk

import "time"

// slidingWindow counts events within a trailing span. Not safe for
// concurrent use; the Manager serialises access.
type slidingWindow struct {
	span  time.Duration
	times []time.Time
}

func newSlidingWindow(span time.Duration) *slidingWindow {
	return &slidingWindow{span: span}
}

func (w *slidingWindow) add(t time.Time) {
	w.times = append(w.times, t)
}

// count prunes expired entries and returns how many remain at now.
func (w *slidingWindow) count(now time.Time) int {
	cutoff := now.Add(-w.span)
	kept := w.times[:0]
	for _, t := range w.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.times = kept
	return len(w.times)
}

func (w *slidingWindow) reset() {
	w.times = w.times[:0]
}
