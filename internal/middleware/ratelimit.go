package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/chatrelay/internal/api"
	"github.com/ashureev/chatrelay/internal/identity"
	"golang.org/x/time/rate"
)

type limiterEntry struct {
	l        *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per caller key.
type RateLimiter struct {
	mu       sync.Mutex
	m        map[string]*limiterEntry
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a limiter pool and starts its cleanup loop.
// Buckets idle for longer than ttl are dropped.
func NewRateLimiter(rps float64, burst int, ttl time.Duration) *RateLimiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	p := &RateLimiter{
		m:      make(map[string]*limiterEntry),
		rps:    rate.Limit(rps),
		burst:  burst,
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	go p.cleanupLoop(time.Minute)
	return p
}

func (p *RateLimiter) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.m[key]; ok {
		e.lastSeen = now
		return e.l
	}
	l := rate.NewLimiter(p.rps, p.burst)
	p.m[key] = &limiterEntry{l: l, lastSeen: now}
	return l
}

// Allow reports whether key may make another request now.
func (p *RateLimiter) Allow(key string) bool {
	return p.get(key, time.Now()).Allow()
}

// Stop ends the cleanup loop.
func (p *RateLimiter) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *RateLimiter) sweep(cutoff time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, e := range p.m {
		if e.lastSeen.Before(cutoff) {
			delete(p.m, k)
		}
	}
}

func (p *RateLimiter) cleanupLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep(time.Now().Add(-p.ttl))
		case <-p.stopCh:
			return
		}
	}
}

// Middleware rejects callers over their budget with 429. The caller key comes
// from identity.Middleware when present.
func (p *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := identity.ClientKeyFromContext(r.Context())
		if key == "" {
			key = identity.ClientKey(r)
		}
		if !p.Allow(key) {
			slog.Warn("Rate limit exceeded", "client", key, "path", r.URL.Path)
			retry := 1
			if p.rps > 0 {
				retry = int(1/float64(p.rps)) + 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
