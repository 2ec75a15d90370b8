package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPLimiter tracks two sliding windows per key: a request-rate window and
// a failure-rate window, in the shape of the teacher's nameplate-era
// limiter. It is used both for per-IP limits (§5: "/register 10/min/IP")
// and per-client limits ("/signal* and /connection/* 60/s/client"), keyed
// by whichever identity the caller passes in.
type IPLimiter struct {
	mu         sync.Mutex
	reqs       map[string][]time.Time
	fails      map[string][]time.Time
	reqWindow  time.Duration
	maxReqs    int
	failWindow time.Duration
	maxFails   int
}

// NewIPLimiter constructs a limiter with the given request and failure
// windows. Passing maxFails <= 0 disables the failure window entirely.
func NewIPLimiter(reqWindow time.Duration, maxReqs int, failWindow time.Duration, maxFails int) *IPLimiter {
	return &IPLimiter{
		reqs:       make(map[string][]time.Time),
		fails:      make(map[string][]time.Time),
		reqWindow:  reqWindow,
		maxReqs:    maxReqs,
		failWindow: failWindow,
		maxFails:   maxFails,
	}
}

// pruneLocked drops every timestamp that has aged out of its window.
// Must be called with mu held.
func (l *IPLimiter) pruneLocked(now time.Time) {
	for key, arr := range l.reqs {
		j := 0
		for _, t := range arr {
			if now.Sub(t) <= l.reqWindow {
				arr[j] = t
				j++
			}
		}
		if j == 0 {
			delete(l.reqs, key)
		} else {
			l.reqs[key] = arr[:j]
		}
	}
	for key, arr := range l.fails {
		j := 0
		for _, t := range arr {
			if now.Sub(t) <= l.failWindow {
				arr[j] = t
				j++
			}
		}
		if j == 0 {
			delete(l.fails, key)
		} else {
			l.fails[key] = arr[:j]
		}
	}
}

// Allow records one request against key and reports whether it is within
// both windows. On rejection it also returns the suggested wait before
// retrying (used to set Retry-After).
func (l *IPLimiter) Allow(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	arr := append(l.reqs[key], now)
	l.reqs[key] = arr
	if len(arr) > l.maxReqs {
		wait := l.reqWindow - now.Sub(arr[0])
		if wait < time.Second {
			wait = time.Second
		}
		return false, wait
	}

	if l.maxFails > 0 {
		if fails := l.fails[key]; len(fails) > l.maxFails {
			wait := l.failWindow - now.Sub(fails[0])
			if wait < time.Second {
				wait = time.Second
			}
			return false, wait
		}
	}

	return true, 0
}

// RecordFail registers a failed operation against key for the failure
// window (§4.1 register handler: invalid bodies count as failures).
func (l *IPLimiter) RecordFail(key string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	l.fails[key] = append(l.fails[key], now)
}

// GlobalBucket is a single process-wide token bucket guarding absolute
// /register throughput regardless of how many distinct IPs are
// attempting it — a backstop the per-IP IPLimiter cannot provide on its
// own, since per-IP limiting has no effect against many distinct IPs
// registering at once.
type GlobalBucket struct {
	limiter *rate.Limiter
}

// NewGlobalBucket builds a bucket that allows ratePerSec sustained
// requests with a burst of burst.
func NewGlobalBucket(ratePerSec float64, burst int) *GlobalBucket {
	return &GlobalBucket{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether the global bucket currently has a token to spend.
func (g *GlobalBucket) Allow() bool {
	return g.limiter.Allow()
}
