package ratelimit

import "time"

// timeRing is a fixed-capacity ring buffer of send timestamps, sized to
// 2x the window limit so it never grows. Old entries are evicted lazily
// on each acquire.
type timeRing struct {
	buf  []time.Time
	head int
	n    int
}

func newTimeRing(capacity int) *timeRing {
	if capacity < 1 {
		capacity = 1
	}
	return &timeRing{buf: make([]time.Time, capacity)}
}

func (r *timeRing) len() int { return r.n }

func (r *timeRing) push(t time.Time) {
	if r.n == len(r.buf) {
		// Full: overwrite the oldest slot.
		r.buf[r.head] = t
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.n)%len(r.buf)] = t
	r.n++
}

func (r *timeRing) oldest() (time.Time, bool) {
	if r.n == 0 {
		return time.Time{}, false
	}
	return r.buf[r.head], true
}

// evictBefore drops entries strictly older than cutoff.
func (r *timeRing) evictBefore(cutoff time.Time) {
	for r.n > 0 && r.buf[r.head].Before(cutoff) {
		r.head = (r.head + 1) % len(r.buf)
		r.n--
	}
}
