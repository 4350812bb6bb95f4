package api

import (
	"net"
	"net/http"
	"sync"
	"time"
)

const maxTrackedClients = 10000

// bucket holds the remaining request allowance for one client IP within
// the current window.
type bucket struct {
	remaining int
	refilled  time.Time
}

// RateLimiter is a fixed-window token bucket keyed by client IP. It guards
// the control endpoints; read endpoints are not limited.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    int
	window  time.Duration
	stopCh  chan struct{}
}

// NewRateLimiter creates a limiter allowing rate requests per window per
// client IP. A background sweeper evicts idle clients until Close is called.
func NewRateLimiter(rate int, window time.Duration) *RateLimiter {
	if rate <= 0 {
		rate = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		clients: make(map[string]*bucket),
		rate:    rate,
		window:  window,
		stopCh:  make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether the client identified by ip may make a request now.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	b, ok := rl.clients[ip]
	if !ok {
		if len(rl.clients) >= maxTrackedClients {
			rl.evictStale(now)
		}
		rl.clients[ip] = &bucket{remaining: rl.rate - 1, refilled: now}
		return true
	}

	if now.Sub(b.refilled) >= rl.window {
		b.remaining = rl.rate - 1
		b.refilled = now
		return true
	}
	if b.remaining > 0 {
		b.remaining--
		return true
	}
	return false
}

// Middleware wraps next, answering 429 when the caller is over its
// allowance.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// Close stops the background sweeper.
func (rl *RateLimiter) Close() {
	select {
	case <-rl.stopCh:
	default:
		close(rl.stopCh)
	}
}

// evictStale drops clients idle for more than two windows, then if the
// table is still full removes a tenth of it. Caller holds the lock.
func (rl *RateLimiter) evictStale(now time.Time) {
	for ip, b := range rl.clients {
		if now.Sub(b.refilled) > rl.window*2 {
			delete(rl.clients, ip)
		}
	}
	if len(rl.clients) >= maxTrackedClients {
		toRemove := len(rl.clients) / 10
		for ip := range rl.clients {
			if toRemove <= 0 {
				break
			}
			delete(rl.clients, ip)
			toRemove--
		}
	}
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * rl.window)
			rl.mu.Lock()
			for ip, b := range rl.clients {
				if b.refilled.Before(cutoff) {
					delete(rl.clients, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// clientIP uses the TCP peer address, never forwarding headers, which a
// caller could spoof to dodge the limiter.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
