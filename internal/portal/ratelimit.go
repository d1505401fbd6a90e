package portal

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/rcourtman/clinic-portal/internal/portal/auditlog"
)

// RateLimiter provides per-IP rate limiting for portal endpoints. Counters
// live in Redis when a client is supplied so every replica shares them.
type RateLimiter struct {
	name       string
	trusted    []netip.Prefix
	middleware *stdlib.Middleware
}

// RateLimiterOption customizes a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithTrustedProxies honors X-Forwarded-For only when the direct peer falls
// inside one of the prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.trusted = prefixes
	}
}

// NewRateLimiter creates a limiter allowing limit requests per window and
// client IP. client may be nil for a process-local store.
func NewRateLimiter(name string, limit int, window time.Duration, client *redis.Client, opts ...RateLimiterOption) (*RateLimiter, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("rate limit for %s must be positive", name)
	}
	if window <= 0 {
		window = time.Minute
	}

	storeOpts := limiter.StoreOptions{
		Prefix:          "portal-ratelimit-" + name,
		CleanUpInterval: limiter.DefaultCleanUpInterval,
		MaxRetry:        limiter.DefaultMaxRetry,
	}

	var store limiter.Store
	if client != nil {
		s, err := sredis.NewStoreWithOptions(client, storeOpts)
		if err != nil {
			return nil, fmt.Errorf("create redis rate limit store for %s: %w", name, err)
		}
		store = s
	} else {
		store = memory.NewStoreWithOptions(storeOpts)
	}

	instance := limiter.New(store, limiter.Rate{Period: window, Limit: int64(limit)})
	rl := &RateLimiter{name: name}
	for _, opt := range opts {
		opt(rl)
	}
	rl.middleware = stdlib.NewMiddleware(instance,
		stdlib.WithKeyGetter(rl.clientKey),
		stdlib.WithLimitReachedHandler(rl.limitReached),
		stdlib.WithErrorHandler(rl.storeError),
	)
	return rl, nil
}

// Middleware wraps an http.Handler with rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return rl.middleware.Handler(next)
}

// clientKey is the peer address, or the forwarded client address when the
// peer is a trusted proxy.
func (rl *RateLimiter) clientKey(r *http.Request) string {
	peer := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if len(rl.trusted) == 0 {
		return peer
	}
	addr, err := netip.ParseAddr(strings.Trim(peer, "[]"))
	if err != nil {
		return peer
	}
	addr = addr.Unmap()
	for _, p := range rl.trusted {
		if p.Contains(addr) {
			return auditlog.ClientIP(r)
		}
	}
	return peer
}

func (rl *RateLimiter) limitReached(w http.ResponseWriter, r *http.Request) {
	log.Warn().Str("limiter", rl.name).Str("client_ip", rl.clientKey(r)).Str("path", r.URL.Path).Msg("Rate limit exceeded")
	writeLimiterError(w, http.StatusTooManyRequests, "too many requests")
}

func (rl *RateLimiter) storeError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("limiter", rl.name).Msg("Rate limit store unavailable")
	writeLimiterError(w, http.StatusServiceUnavailable, "service unavailable")
}

func writeLimiterError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
