package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SecurityHeaders adds security headers suited to a JSON/SSE API.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		// An API serves no documents; nothing may be loaded on its behalf.
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig holds configuration for the rate limiter.
type RateLimitConfig struct {
	RequestsPerMin int      // 0 disables limiting
	BurstSize      int      // Maximum burst of requests allowed
	TrustedProxies []string // Proxy IPs whose X-Forwarded-For is honored

	// OnLimit writes the rejection. Defaults to a plain-text 429.
	OnLimit http.Handler
	// IdleTTL evicts clients not seen for this long. Defaults to 3m.
	IdleTTL time.Duration
}

// RateLimit implements token bucket rate limiting per client IP with no
// trusted proxies.
func RateLimit(ctx context.Context, requestsPerMin, burstSize int) func(http.Handler) http.Handler {
	return RateLimitWithConfig(ctx, RateLimitConfig{
		RequestsPerMin: requestsPerMin,
		BurstSize:      burstSize,
	})
}

type limiterClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimiters is the per-IP limiter table.
type clientLimiters struct {
	mu      sync.Mutex
	clients map[string]*limiterClient
	limit   rate.Limit
	burst   int
}

func (c *clientLimiters) allow(ip string, now time.Time) bool {
	c.mu.Lock()
	cl, ok := c.clients[ip]
	if !ok {
		cl = &limiterClient{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[ip] = cl
	}
	cl.lastSeen = now
	c.mu.Unlock()
	return cl.limiter.AllowN(now, 1)
}

func (c *clientLimiters) evict(olderThan time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ip, cl := range c.clients {
		if cl.lastSeen.Before(olderThan) {
			delete(c.clients, ip)
		}
	}
}

func (c *clientLimiters) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// RateLimitWithConfig implements token bucket rate limiting keyed by client IP.
// X-Forwarded-For and X-Real-IP are ignored unless the direct peer is listed
// in TrustedProxies. The eviction goroutine stops when ctx is done.
func RateLimitWithConfig(ctx context.Context, cfg RateLimitConfig) func(http.Handler) http.Handler {
	if cfg.RequestsPerMin <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	onLimit := cfg.OnLimit
	if onLimit == nil {
		onLimit = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		})
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}

	table := &clientLimiters{
		clients: make(map[string]*limiterClient),
		limit:   rate.Limit(cfg.RequestsPerMin) / 60.0,
		burst:   cfg.BurstSize,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				table.evict(now.Add(-ttl))
			case <-ctx.Done():
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !table.allow(getClientIP(r, cfg.TrustedProxies), time.Now()) {
				w.Header().Set("Retry-After", "60")
				onLimit.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// getClientIP extracts the client IP from the request. Proxy headers are only
// trusted when the direct connection comes from a trusted proxy.
func getClientIP(r *http.Request, trustedProxies []string) string {
	directIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(directIP); err == nil {
		directIP = host
	}

	trusted := false
	for _, p := range trustedProxies {
		if directIP == p {
			trusted = true
			break
		}
	}
	if !trusted {
		return directIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	return directIP
}
