package shield

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig is a fixed-window per-IP limit.
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultRateLimit allows 120 requests per minute per IP, generous enough
// for an interactive session hammering the gesture endpoints.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{MaxRequests: 120, Window: time.Minute}
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter provides in-memory per-IP rate limiting. Expired buckets are
// collected lazily on access and by Sweep.
type RateLimiter struct {
	cfg     RateLimitConfig
	exclude []string

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter. Paths with one of the excluded
// prefixes bypass the limit.
func NewRateLimiter(cfg RateLimitConfig, excludePrefixes ...string) *RateLimiter {
	if cfg.MaxRequests <= 0 {
		cfg = DefaultRateLimit()
	}
	return &RateLimiter{
		cfg:     cfg,
		exclude: excludePrefixes,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Middleware enforces the limit, answering 429 with a JSON body and a
// Retry-After header when exceeded.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, p) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := clientIP(r)
		if retryAfter, limited := rl.take(ip); limited {
			w.Header().Set("Retry-After", retryAfter.Round(time.Second).String())
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) take(ip string) (time.Duration, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b := rl.buckets[ip]
	if b == nil || now.After(b.resetAt) {
		rl.buckets[ip] = &bucket{count: 1, resetAt: now.Add(rl.cfg.Window)}
		return 0, false
	}
	if b.count >= rl.cfg.MaxRequests {
		return b.resetAt.Sub(now), true
	}
	b.count++
	return 0, false
}

// Sweep drops expired buckets. Call periodically on long-lived servers.
func (rl *RateLimiter) Sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for ip, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
