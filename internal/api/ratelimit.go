package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a per-IP token bucket guarding the call-start endpoints
// against dial spam. Buckets refill in full once their window elapses.
type RateLimiter struct {
	mu           sync.Mutex
	requests     map[string]*bucket
	rate         int
	window       time.Duration
	maxCacheSize int
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter allows rate requests per window for each client IP.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests:     make(map[string]*bucket),
		rate:         rate,
		window:       window,
		maxCacheSize: 10000,
	}
	go rl.cleanup()
	return rl
}

// Allow reports whether a request from the given IP fits its budget.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, exists := rl.requests[ip]
	if !exists {
		if len(rl.requests) >= rl.maxCacheSize {
			rl.evictStale(now)
		}
		rl.requests[ip] = &bucket{tokens: rl.rate - 1, lastRefill: now}
		return true
	}

	if now.Sub(b.lastRefill) >= rl.window {
		b.tokens = rl.rate - 1
		b.lastRefill = now
		return true
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// evictStale drops idle buckets, and when that is not enough, a slice of
// whatever remains. Caller holds rl.mu.
func (rl *RateLimiter) evictStale(now time.Time) {
	for ip, b := range rl.requests {
		if now.Sub(b.lastRefill) > rl.window*2 {
			delete(rl.requests, ip)
		}
	}
	if len(rl.requests) >= rl.maxCacheSize {
		toRemove := len(rl.requests) / 10
		removed := 0
		for ip := range rl.requests {
			delete(rl.requests, ip)
			removed++
			if removed >= toRemove {
				break
			}
		}
	}
}

// Middleware wraps a handler with the per-IP budget.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests,
				map[string]string{"error": "rate limit exceeded, try again later"})
			return
		}
		next(w, r)
	}
}

// clientIP keys buckets on the TCP peer address. X-Forwarded-For is
// client-controlled and is deliberately not consulted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		rl.mu.Lock()
		now := time.Now()
		for ip, b := range rl.requests {
			if now.Sub(b.lastRefill) > rl.window*2 {
				delete(rl.requests, ip)
			}
		}
		rl.mu.Unlock()
	}
}
