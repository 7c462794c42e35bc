package security

import (
	"sync"
	"time"

	"github.com/cuemby/warren/pkg/types"
)

// RateLimiter enforces a rolling per-source-address window over
// authentication attempts: default 60s / 100 requests, blocking a source
// for the remainder of the window after maxFailedAttempts (default 3).
type RateLimiter struct {
	mu                sync.Mutex
	windows           map[string]*types.RateLimitWindow
	windowDuration    time.Duration
	maxRequests       int
	maxFailedAttempts int
}

// NewRateLimiter creates a RateLimiter with the given window parameters.
func NewRateLimiter(windowDuration time.Duration, maxRequests, maxFailedAttempts int) *RateLimiter {
	return &RateLimiter{
		windows:           make(map[string]*types.RateLimitWindow),
		windowDuration:    windowDuration,
		maxRequests:       maxRequests,
		maxFailedAttempts: maxFailedAttempts,
	}
}

// Allow reports whether an authentication attempt from sourceAddr may
// proceed at now, rolling the window over if it has expired.
func (r *RateLimiter) Allow(sourceAddr string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windowFor(sourceAddr, now)
	if w.Blocked(now) {
		return false
	}
	if w.RequestCount >= r.maxRequests {
		w.BlockedUntil = w.WindowStart.Add(r.windowDuration)
		return false
	}
	w.RequestCount++
	return true
}

// RecordFailure registers a failed authentication attempt, blocking the
// source address for the remainder of the window once maxFailedAttempts
// is reached.
func (r *RateLimiter) RecordFailure(sourceAddr string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windowFor(sourceAddr, now)
	w.FailureCount++
	if w.FailureCount >= r.maxFailedAttempts {
		w.BlockedUntil = w.WindowStart.Add(r.windowDuration)
	}
}

// RecordSuccess resets the failure counter for sourceAddr; a successful
// authentication does not reset the request counter.
func (r *RateLimiter) RecordSuccess(sourceAddr string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := r.windowFor(sourceAddr, now)
	w.FailureCount = 0
}

// Blocked reports whether sourceAddr is currently blocked.
func (r *RateLimiter) Blocked(sourceAddr string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windowFor(sourceAddr, now).Blocked(now)
}

// windowFor returns the current window for sourceAddr, starting a fresh
// one if none exists or the prior window has elapsed. Caller must hold r.mu.
func (r *RateLimiter) windowFor(sourceAddr string, now time.Time) *types.RateLimitWindow {
	w, ok := r.windows[sourceAddr]
	if !ok || now.Sub(w.WindowStart) >= r.windowDuration {
		w = &types.RateLimitWindow{SourceAddr: sourceAddr, WindowStart: now}
		r.windows[sourceAddr] = w
	}
	return w
}

// Snapshot returns a copy of the current window for sourceAddr, or nil if
// none exists, for persistence into pkg/localstore.
func (r *RateLimiter) Snapshot(sourceAddr string) *types.RateLimitWindow {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[sourceAddr]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// Restore seeds the limiter with a previously persisted window, used on
// startup to carry forward a rate limit across a restart.
func (r *RateLimiter) Restore(w *types.RateLimitWindow) {
	if w == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *w
	r.windows[w.SourceAddr] = &cp
}
