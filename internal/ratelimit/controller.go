// Package ratelimit implements the per-host adaptive rate controller that
// gates every upstream request: a small token bucket for sustained RPS, a
// sliding send-window for periodic ceilings, and a concurrency bound that
// adapts to observed latency and 429 signals using Little's Law.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/vibecoder-lab/game-seeker-vault/internal/logger"
	"golang.org/x/sync/semaphore"
)

const (
	maxConcurrency    = 10
	warmupConcurrency = 3
	tokenCapacity     = 3.0 // small on purpose, suppresses bursts
	increaseCooldown  = 30 * time.Second
	rttSampleKeep     = 100
)

// Config holds the per-host limits.
type Config struct {
	Host               string
	TargetRPS          float64
	Window             time.Duration
	WindowLimit        int
	InitialConcurrency int
	WarmupRequests     int
	EWMAAlpha          float64
}

func (c Config) withDefaults() Config {
	if c.InitialConcurrency <= 0 {
		c.InitialConcurrency = 5
	}
	if c.WarmupRequests <= 0 {
		c.WarmupRequests = 20
	}
	if c.EWMAAlpha <= 0 {
		c.EWMAAlpha = 0.2
	}
	return c
}

// Stats is a snapshot of controller state for end-of-run reporting.
type Stats struct {
	Host               string
	TotalRequests      int
	Success2Min        int
	Success5Min        int
	Errors2Min         int
	Errors5Min         int
	HTTP429Count       int
	HTTP403Count       int
	NetworkErrors      int
	CurrentConcurrency int
	WindowUsage        float64
	AvgRPS             float64
	EWMARTT            float64
	BaseRTT            float64
	WarmupCompleted    bool
}

// Controller gates outbound requests for a single upstream host.
type Controller struct {
	cfg Config

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	gate       *gate
	warmupGate *semaphore.Weighted

	mu           sync.Mutex
	tokens       float64
	lastRefill   time.Time
	sent         *timeRing
	successTimes []time.Time
	errorTimes   []time.Time
	h429Times    []time.Time
	rttSamples   []float64
	ewmaRTT      float64
	baseRTT      float64
	warmupDone   bool
	backoffMult  float64

	totalRequests int
	count429      int
	count403      int
	netErrors     int

	current      int
	lastIncrease time.Time
	lastBackoff  time.Time
}

// New creates a controller for one host.
func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:         cfg,
		now:         time.Now,
		sleep:       sleepCtx,
		gate:        newGate(cfg.InitialConcurrency, maxConcurrency),
		warmupGate:  semaphore.NewWeighted(warmupConcurrency),
		sent:        newTimeRing(2 * cfg.WindowLimit),
		ewmaRTT:     1.5,
		backoffMult: 1.0,
		current:     cfg.InitialConcurrency,
	}
	c.lastRefill = c.now()
	logger.Info(cfg.Host, fmt.Sprintf(
		"rate controller: target=%.2frps window=%s/%dreq concurrency=%d",
		cfg.TargetRPS, cfg.Window, cfg.WindowLimit, cfg.InitialConcurrency))
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Permit blocks until a request may be sent: first the concurrency gate
// (the fixed warmup gate until the RTT baseline is established), then the
// token bucket and sliding window. The returned release must be called
// exactly once when the request finishes; a nil error records the RTT, a
// non-nil error counts against the 5-minute error ratio.
func (c *Controller) Permit(ctx context.Context) (release func(error), err error) {
	c.mu.Lock()
	warm := !c.warmupDone
	c.mu.Unlock()

	if warm {
		if err := c.warmupGate.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	} else {
		if err := c.gate.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	free := func() {
		if warm {
			c.warmupGate.Release(1)
		} else {
			c.gate.Release()
		}
	}

	if err := c.acquire(ctx); err != nil {
		free()
		return nil, err
	}

	start := c.now()
	var once sync.Once
	return func(reqErr error) {
		once.Do(func() {
			if reqErr == nil {
				c.recordSuccess(c.now().Sub(start))
			} else {
				c.recordError()
			}
			free()
		})
	}, nil
}

// acquire enforces the token bucket and the sliding window, sleeping
// outside the mutex until both admit.
func (c *Controller) acquire(ctx context.Context) error {
	for {
		c.mu.Lock()
		now := c.now()

		elapsed := now.Sub(c.lastRefill).Seconds()
		effectiveRPS := c.cfg.TargetRPS / c.backoffMult
		c.tokens = math.Min(tokenCapacity, c.tokens+elapsed*effectiveRPS)
		c.lastRefill = now

		c.sent.evictBefore(now.Add(-c.cfg.Window))

		if c.tokens >= 1.0 && c.sent.len() < c.cfg.WindowLimit {
			c.tokens -= 1.0
			c.totalRequests++
			// Reserve the window slot before the request goes out.
			c.sent.push(now)
			c.mu.Unlock()
			return nil
		}

		var wait time.Duration
		if c.tokens < 1.0 {
			wait = time.Duration((1.0 - c.tokens) / effectiveRPS * float64(time.Second))
		}
		if c.sent.len() >= c.cfg.WindowLimit {
			if oldest, ok := c.sent.oldest(); ok {
				if w := oldest.Add(c.cfg.Window).Sub(now); w > wait {
					wait = w
				}
			}
		}
		c.mu.Unlock()

		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		logger.Debug(c.cfg.Host, fmt.Sprintf("waiting %s for rate slot", wait))
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Controller) recordSuccess(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	sec := rtt.Seconds()

	c.successTimes = pruneBefore(append(c.successTimes, now), now.Add(-5*time.Minute))
	c.rttSamples = append(c.rttSamples, sec)
	if len(c.rttSamples) > rttSampleKeep {
		c.rttSamples = c.rttSamples[len(c.rttSamples)-rttSampleKeep:]
	}
	c.ewmaRTT = c.cfg.EWMAAlpha*sec + (1-c.cfg.EWMAAlpha)*c.ewmaRTT

	if !c.warmupDone {
		if len(c.rttSamples) >= c.cfg.WarmupRequests {
			sorted := append([]float64(nil), c.rttSamples...)
			sort.Float64s(sorted)
			median := sorted[len(sorted)/2]
			c.baseRTT = clampFloat(median, 0.5, 3.0)
			c.warmupDone = true
			logger.Info(c.cfg.Host, fmt.Sprintf("warmup complete, base_rtt=%.2fs", c.baseRTT))
		}
		return
	}

	c.adjustConcurrency(now)
}

func (c *Controller) recordError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.errorTimes = pruneBefore(append(c.errorTimes, now), now.Add(-5*time.Minute))
	c.netErrors++
}

// ReportHTTPError applies the rate-limit policy for an upstream status.
// 429 halves concurrency, doubles the token backoff and sleeps either the
// Retry-After duration or a capped exponential backoff with jitter. 403 is
// counted and surfaced without touching concurrency.
func (c *Controller) ReportHTTPError(ctx context.Context, status int, retryAfter time.Duration) error {
	switch status {
	case 429:
		c.mu.Lock()
		now := c.now()
		c.count429++
		c.h429Times = pruneBefore(append(c.h429Times, now), now.Add(-5*time.Minute))
		old := c.current
		c.current = maxInt(1, c.current/2)
		c.gate.Resize(c.current)
		c.backoffMult = 2.0
		c.lastBackoff = now
		n := c.count429
		c.mu.Unlock()
		logger.Warn(c.cfg.Host, fmt.Sprintf("HTTP 429, concurrency %d -> %d", old, c.current))

		if retryAfter > 0 {
			logger.Warn(c.cfg.Host, fmt.Sprintf("honoring Retry-After %s", retryAfter))
			return c.sleep(ctx, retryAfter)
		}
		base := math.Min(60, 5*math.Pow(2, float64(minInt(n-1, 3))))
		backoff := time.Duration((base + rand.Float64()*base*0.1) * float64(time.Second))
		logger.Warn(c.cfg.Host, fmt.Sprintf("no Retry-After, backing off %s", backoff.Round(100*time.Millisecond)))
		return c.sleep(ctx, backoff)
	case 403:
		c.mu.Lock()
		c.count403++
		c.mu.Unlock()
		logger.Error(c.cfg.Host, "HTTP 403: access forbidden")
		return nil
	default:
		return nil
	}
}

// adjustConcurrency applies the Little's-Law model. Caller holds c.mu.
func (c *Controller) adjustConcurrency(now time.Time) {
	if !c.warmupDone || c.baseRTT == 0 {
		return
	}

	c.sent.evictBefore(now.Add(-c.cfg.Window))
	windowUsage := 0.0
	if c.cfg.WindowLimit > 0 {
		windowUsage = float64(c.sent.len()) / float64(c.cfg.WindowLimit)
	}

	p95 := c.ewmaRTT
	if len(c.rttSamples) >= 20 {
		sorted := append([]float64(nil), c.rttSamples...)
		sort.Float64s(sorted)
		p95 = sorted[int(float64(len(sorted))*0.95)]
	}

	var margin float64
	switch {
	case windowUsage <= 0.7 && p95 <= c.baseRTT*1.2:
		margin = 0
	case windowUsage > 0.9 || p95 > c.baseRTT*1.5:
		margin = 1
	default:
		margin = 0.5
	}

	recommended := int(math.Ceil(c.cfg.TargetRPS*c.ewmaRTT) + margin)
	recommended = clampInt(recommended, 1, maxConcurrency)

	twoMinAgo := now.Add(-2 * time.Minute)
	fiveMinAgo := now.Add(-5 * time.Minute)
	succ2 := countSince(c.successTimes, twoMinAgo)
	err2 := countSince(c.errorTimes, twoMinAgo)
	succ5 := countSince(c.successTimes, fiveMinAgo)
	err5 := countSince(c.errorTimes, fiveMinAgo)
	n429in2 := countSince(c.h429Times, twoMinAgo)

	errRatio5 := float64(err5) / math.Max(1, float64(succ5+err5))
	canIncrease := now.Sub(c.lastIncrease) >= increaseCooldown

	increase := (canIncrease && n429in2 == 0 && succ2 > 0 && err2 == 0 &&
		windowUsage <= 0.8 && p95 <= c.baseRTT*1.1) ||
		(canIncrease && succ5 > 0 && windowUsage <= 0.85 && errRatio5 < 0.005) ||
		(canIncrease && c.current < recommended-1)

	decrease := (windowUsage >= 0.95 && p95 >= c.baseRTT*1.3) ||
		(succ5 > 0 && errRatio5 >= 0.01)

	old := c.current
	switch {
	case increase:
		c.current = minInt(maxConcurrency, c.current+1)
		c.lastIncrease = now
		c.gate.Resize(c.current)
		logger.Info(c.cfg.Host, fmt.Sprintf(
			"concurrency %d -> %d (window=%.0f%%, p95=%.2fs)", old, c.current, windowUsage*100, p95))
	case decrease:
		c.current = maxInt(1, c.current-1)
		c.gate.Resize(c.current)
		logger.Info(c.cfg.Host, fmt.Sprintf(
			"concurrency %d -> %d (window=%.0f%%, errors=%.2f%%)", old, c.current, windowUsage*100, errRatio5*100))
	}
}

// Stats returns a snapshot of the controller state.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	twoMinAgo := now.Add(-2 * time.Minute)
	fiveMinAgo := now.Add(-5 * time.Minute)
	succ5 := countSince(c.successTimes, fiveMinAgo)

	windowUsage := 0.0
	if c.cfg.WindowLimit > 0 {
		c.sent.evictBefore(now.Add(-c.cfg.Window))
		windowUsage = float64(c.sent.len()) / float64(c.cfg.WindowLimit)
	}
	return Stats{
		Host:               c.cfg.Host,
		TotalRequests:      c.totalRequests,
		Success2Min:        countSince(c.successTimes, twoMinAgo),
		Success5Min:        succ5,
		Errors2Min:         countSince(c.errorTimes, twoMinAgo),
		Errors5Min:         countSince(c.errorTimes, fiveMinAgo),
		HTTP429Count:       c.count429,
		HTTP403Count:       c.count403,
		NetworkErrors:      c.netErrors,
		CurrentConcurrency: c.current,
		WindowUsage:        windowUsage,
		AvgRPS:             float64(succ5) / 300,
		EWMARTT:            c.ewmaRTT,
		BaseRTT:            c.baseRTT,
		WarmupCompleted:    c.warmupDone,
	}
}

// PrintStats writes a summary block through the logger.
func (c *Controller) PrintStats() {
	s := c.Stats()
	logger.Section(fmt.Sprintf("Rate Controller Stats: %s", s.Host))
	logger.Stats("Total requests", s.TotalRequests)
	logger.Stats("Success (2min/5min)", fmt.Sprintf("%d/%d", s.Success2Min, s.Success5Min))
	logger.Stats("Errors (2min/5min)", fmt.Sprintf("%d/%d", s.Errors2Min, s.Errors5Min))
	logger.Stats("HTTP 429 errors", s.HTTP429Count)
	logger.Stats("HTTP 403 errors", s.HTTP403Count)
	logger.Stats("Network errors", s.NetworkErrors)
	logger.Stats("Current concurrency", s.CurrentConcurrency)
	logger.Stats("Window usage", fmt.Sprintf("%.1f%%", s.WindowUsage*100))
	logger.Stats("Average RPS (5min)", fmt.Sprintf("%.3f", s.AvgRPS))
	logger.Stats("EWMA RTT", fmt.Sprintf("%.2fs", s.EWMARTT))
	if s.BaseRTT > 0 {
		logger.Stats("Base RTT", fmt.Sprintf("%.2fs", s.BaseRTT))
	} else {
		logger.Stats("Base RTT", "(warmup)")
	}
}

// CurrentConcurrency reports the adaptive bound.
func (c *Controller) CurrentConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if !t.Before(cutoff) {
			n++
		}
	}
	return n
}

func clampFloat(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

func clampInt(v, lo, hi int) int { return maxInt(lo, minInt(hi, v)) }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
