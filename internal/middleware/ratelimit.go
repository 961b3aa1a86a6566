package middleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// maxTrackedClients caps the bucket map so an address-spoofing flood
// cannot grow it without bound.
const maxTrackedClients = 65536

// RateLimiter applies a per-client token bucket. The webhook endpoint is
// the only unauthenticated write surface, and ticket-system edit storms
// arrive in bursts, so the bucket allows a burst and then throttles to the
// sustained rate.
type RateLimiter struct {
	rate  float64 // tokens added per second
	burst float64

	mu      sync.Mutex
	clients map[string]*tokenBucket
}

type tokenBucket struct {
	tokens   float64
	refilled time.Time
	seen     time.Time
}

// NewRateLimiter creates a limiter with the given sustained rate in
// requests per second and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:    rate,
		burst:   float64(burst),
		clients: make(map[string]*tokenBucket),
	}
}

// Handler enforces the limit per client IP. RemoteAddr is used directly;
// forwarding headers are spoofable and are not consulted.
func (l *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait, allowed := l.take(clientIP(r), time.Now())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take consumes one token for the client, reporting how long the caller
// must wait when the bucket is empty.
func (l *RateLimiter) take(client string, now time.Time) (wait time.Duration, allowed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[client]
	if !ok {
		if len(l.clients) >= maxTrackedClients {
			return time.Second, false
		}
		l.clients[client] = &tokenBucket{tokens: l.burst - 1, refilled: now, seen: now}
		return 0, true
	}

	b.tokens += now.Sub(b.refilled).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.refilled = now
	b.seen = now

	if b.tokens < 1 {
		return time.Duration((1 - b.tokens) / l.rate * float64(time.Second)), false
	}
	b.tokens--
	return 0, true
}

// StartCleanup evicts buckets idle longer than maxIdle on the given
// interval. The returned function stops the loop.
func (l *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evictIdle(maxIdle)
			}
		}
	}()
	return cancel
}

func (l *RateLimiter) evictIdle(maxIdle time.Duration) {
	cutoff := time.Now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for client, b := range l.clients {
		if b.seen.Before(cutoff) {
			delete(l.clients, client)
		}
	}
}

// Len reports the number of tracked clients.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
