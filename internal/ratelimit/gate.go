package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// gate bounds the number of in-flight requests. It is a fixed-size weighted
// semaphore whose effective capacity is adjusted in place by reserving
// permits, so callers holding a permit are never affected by a resize.
type gate struct {
	sem *semaphore.Weighted
	max int

	mu       sync.Mutex
	capacity int
	reserved int
}

func newGate(capacity, max int) *gate {
	if capacity > max {
		capacity = max
	}
	g := &gate{sem: semaphore.NewWeighted(int64(max)), max: max, capacity: capacity}
	g.reserved = max - capacity
	if g.reserved > 0 {
		// Cannot block: the semaphore is untouched at this point.
		g.sem.TryAcquire(int64(g.reserved))
	}
	return g
}

func (g *gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *gate) Release() {
	g.sem.Release(1)
}

// Resize sets the effective capacity. Shrinking reserves permits as they
// are released by in-flight requests; growing returns reserved permits
// immediately.
func (g *gate) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity > g.max {
		capacity = g.max
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if capacity == g.capacity {
		return
	}
	if capacity > g.capacity {
		release := capacity - g.capacity
		if release > g.reserved {
			release = g.reserved
		}
		if release > 0 {
			g.sem.Release(int64(release))
			g.reserved -= release
		}
		g.capacity = capacity
		return
	}
	// Shrink: grab what is free now, pick up the rest in the background so
	// a 429 report never blocks on in-flight requests draining.
	want := g.capacity - capacity
	got := 0
	for got < want && g.sem.TryAcquire(1) {
		got++
	}
	g.reserved += got
	g.capacity = capacity
	if rest := want - got; rest > 0 {
		go func() {
			if err := g.sem.Acquire(context.Background(), int64(rest)); err != nil {
				return
			}
			g.mu.Lock()
			// A grow may have landed meanwhile; return any excess.
			if excess := g.reserved + rest + g.capacity - g.max; excess > 0 {
				g.sem.Release(int64(excess))
				rest -= excess
			}
			g.reserved += rest
			g.mu.Unlock()
		}()
	}
}

// Capacity returns the current effective capacity.
func (g *gate) Capacity() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.capacity
}
