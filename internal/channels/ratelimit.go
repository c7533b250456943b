package channels

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Grounded on the teacher's internal/channels/ratelimit.go (bounded-map
// sliding-window rate limiter), rewritten to drive per-key decisions off
// golang.org/x/time/rate's token bucket instead of a hand-rolled counter —
// the teacher's go.mod already carries x/time but nothing used it.
const (
	// maxTrackedKeys caps the number of tracked rate-limit keys to bound
	// memory growth from keys that are rotated or never reused.
	maxTrackedKeys = 4096

	// perKeyRate and perKeyBurst bound outbound sends per sender/chat key
	// to roughly the same 30-per-minute shape as the teacher's window.
	perKeyRate  = rate.Limit(0.5) // ~30/minute
	perKeyBurst = 10
)

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// WebhookRateLimiter bounds the number of tracked rate-limit keys to
// prevent memory exhaustion from rotating source keys. Safe for concurrent
// use.
type WebhookRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewWebhookRateLimiter creates a bounded webhook rate limiter.
func NewWebhookRateLimiter() *WebhookRateLimiter {
	return &WebhookRateLimiter{entries: make(map[string]*rateLimitEntry)}
}

// Allow reports whether the key is currently within rate limits, evicting
// the least-recently-seen entries once the tracked-key cap is reached.
func (r *WebhookRateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	e, ok := r.entries[key]
	if !ok {
		if len(r.entries) >= maxTrackedKeys {
			r.evictOldestLocked()
		}
		e = &rateLimitEntry{limiter: rate.NewLimiter(perKeyRate, perKeyBurst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// evictOldestLocked drops the single least-recently-seen entry. Called with
// r.mu held.
func (r *WebhookRateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestSeen time.Time
	first := true
	for k, e := range r.entries {
		if first || e.lastSeen.Before(oldestSeen) {
			oldestKey, oldestSeen, first = k, e.lastSeen, false
		}
	}
	if !first {
		delete(r.entries, oldestKey)
	}
}
