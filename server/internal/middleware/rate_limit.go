package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"kafka-replicator/shared/httpx"
)

// RateLimitMiddleware answers 429 once a client address exhausts its bucket. Requests matching
// any Skip predicate are not counted.
type RateLimitMiddleware struct {
	Limiter *IPRateLimiter
	Skip    []func(*http.Request) bool
}

func (m RateLimitMiddleware) skip(r *http.Request) bool {
	for _, fn := range m.Skip {
		if fn(r) {
			return true
		}
	}
	return false
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Limiter == nil || m.skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		key := httpx.ClientIP(r)
		if key == "" {
			key = "unknown"
		}
		if !m.Limiter.Allow(key) {
			w.Header().Set("Retry-After", strconv.Itoa(m.Limiter.retryAfterSeconds()))
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "too many requests, please try again later", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPRateLimiter keeps one token bucket per client address. Buckets idle for longer than ttl
// are dropped.
type IPRateLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	now     func() time.Time
	clients map[string]*clientLimiter
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows burst requests at once, refilled at rps per second.
func NewIPRateLimiter(rps float64, burst int, ttl time.Duration) *IPRateLimiter {
	if rps <= 0 {
		rps = 100.0 / (15 * 60)
	}
	if burst <= 0 {
		burst = 100
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &IPRateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		now:     time.Now,
		clients: make(map[string]*clientLimiter),
	}
}

func (l *IPRateLimiter) Allow(key string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanup(now)

	client, ok := l.clients[key]
	if !ok {
		client = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = client
	}
	client.lastSeen = now
	return client.limiter.AllowN(now, 1)
}

func (l *IPRateLimiter) cleanup(now time.Time) {
	for key, client := range l.clients {
		if now.Sub(client.lastSeen) > l.ttl {
			delete(l.clients, key)
		}
	}
}

func (l *IPRateLimiter) retryAfterSeconds() int {
	s := int(1 / float64(l.limit))
	if s < 1 {
		return 1
	}
	return s
}
