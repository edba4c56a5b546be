package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/rpcguard/pkg/log"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// maxThrottleEntries bounds the per-IP limiter map.
const maxThrottleEntries = 10000

// Throttle limits admin API requests per client IP.
type Throttle struct {
	limit  rate.Limit
	burst  int
	logger zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle allows rps requests per second per IP with the given burst.
func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{
		limit:    rate.Limit(rps),
		burst:    burst,
		logger:   log.WithComponent("admin-api"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request from clientIP may proceed.
func (t *Throttle) Allow(clientIP string) bool {
	t.mu.Lock()
	limiter, exists := t.limiters[clientIP]
	if !exists {
		// Simple bound: clear everything rather than track last access.
		if len(t.limiters) >= maxThrottleEntries {
			t.logger.Info().Int("count", len(t.limiters)).Msg("Clearing admin rate limiters")
			t.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(t.limit, t.burst)
		t.limiters[clientIP] = limiter
	}
	t.mu.Unlock()

	allowed := limiter.Allow()
	if !allowed {
		t.logger.Warn().Str("client_ip", clientIP).Msg("Admin rate limit exceeded")
	}
	return allowed
}

// Middleware rejects throttled requests with 429 and a Retry-After header.
func (t *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !t.Allow(getClientIP(r)) {
			retryAfter := time.Second
			if t.limit > 0 {
				retryAfter = time.Duration(float64(time.Second) / float64(t.limit))
			}
			secs := int(retryAfter.Seconds() + 0.999)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_ERROR", "admin API rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request
func getClientIP(r *http.Request) string {
	// Try X-Forwarded-For first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take the first IP in the chain
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}

	// Try X-Real-IP
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	// Fall back to RemoteAddr
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
