package metrics

import (
	"time"

	"github.com/malbeclabs/shredrace/internal/clock"
)

// rateWindow is a two-bucket sliding-window counter: the classic technique
// used by rate limiters (e.g. the one golang.org/x/time/rate's token
// bucket is often paired with at the edge) to approximate a rate over the
// last `length` without retaining every individual event. It backs
// spec.md §4.7's "tumbling windows of length W ... with the previous
// window retained for rate smoothing."
type rateWindow struct {
	length   time.Duration
	curStart clock.MonoTime
	cur      uint64
	prev     uint64
}

func newRateWindow(length time.Duration, now clock.MonoTime) *rateWindow {
	return &rateWindow{length: length, curStart: now}
}

func (w *rateWindow) add(now clock.MonoTime, n uint64) {
	w.rotate(now)
	w.cur += n
}

func (w *rateWindow) rotate(now clock.MonoTime) {
	if now.Sub(w.curStart) >= w.length {
		w.prev = w.cur
		w.cur = 0
		w.curStart = now
	}
}

// perSec estimates the rate as of now, blending the in-progress window
// with a linearly-decaying contribution from the previous one so the
// reported rate does not saw-tooth at window boundaries.
func (w *rateWindow) perSec(now clock.MonoTime) float64 {
	w.rotate(now)
	lengthSecs := w.length.Seconds()
	if lengthSecs <= 0 {
		return 0
	}
	elapsed := now.Sub(w.curStart).Seconds()
	if elapsed <= 0 {
		return float64(w.prev) / lengthSecs
	}
	remaining := (lengthSecs - elapsed) / lengthSecs
	if remaining < 0 {
		remaining = 0
	}
	return (float64(w.cur) + float64(w.prev)*remaining) / lengthSecs
}

func (w *rateWindow) total(now clock.MonoTime) uint64 {
	w.rotate(now)
	return w.cur + w.prev
}
