// Package gateway provides API gateway functionality including rate limiting
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatgraph/internal/observability"
)

// TierHeader selects the caller's tier; unknown or missing tiers get "free".
const TierHeader = "X-API-Tier"

// ClientHeader identifies the caller; the client address is used when absent.
const ClientHeader = "X-Client-ID"

// RateLimiter enforces per-minute request budgets in Redis.
type RateLimiter struct {
	counter counter
	logger  *zap.Logger
	metrics *observability.Metrics
	config  RateLimitConfig
}

// RateLimitConfig configures the rate limiter
type RateLimitConfig struct {
	Enabled                  bool                      `yaml:"enabled"`
	DefaultRequestsPerMinute int                       `yaml:"default_requests_per_minute"`
	Tiers                    map[string]TierLimits     `yaml:"tiers"`
	Endpoints                map[string]EndpointLimits `yaml:"endpoints"`
	IncludeHeaders           bool                      `yaml:"include_headers"`
}

// TierLimits defines rate limits per API tier
type TierLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// EndpointLimits tightens the tier budget for one route.
type EndpointLimits struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	CostMultiplier    int `yaml:"cost_multiplier"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
	Tier       string
}

// counter increments a fixed-window counter and reports its remaining TTL.
type counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int, time.Duration, error)
}

var incrScript = redis.NewScript(`
	local current = redis.call('INCR', KEYS[1])
	if current == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return {current, redis.call('PTTL', KEYS[1])}
`)

type redisCounter struct {
	client redis.UniversalClient
}

func (c redisCounter) Incr(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	vals, err := incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit script reply: %v", vals)
	}
	return int(vals[0]), time.Duration(vals[1]) * time.Millisecond, nil
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(client redis.UniversalClient, cfg RateLimitConfig, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	return newRateLimiter(redisCounter{client: client}, cfg, logger, metrics)
}

func newRateLimiter(c counter, cfg RateLimitConfig, logger *zap.Logger, metrics *observability.Metrics) *RateLimiter {
	if cfg.DefaultRequestsPerMinute == 0 {
		cfg.DefaultRequestsPerMinute = 100
	}
	if cfg.Tiers == nil {
		cfg.Tiers = DefaultTiers()
	}
	if cfg.Endpoints == nil {
		cfg.Endpoints = DefaultEndpointLimits()
	}
	return &RateLimiter{
		counter: c,
		logger:  logger.With(zap.String("component", "rate_limiter")),
		metrics: metrics,
		config:  cfg,
	}
}

// DefaultTiers returns the per-minute budget for each API tier.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		"free":         {RequestsPerMinute: 30},
		"basic":        {RequestsPerMinute: 100},
		"professional": {RequestsPerMinute: 300},
		"enterprise":   {RequestsPerMinute: 1000},
	}
}

// DefaultEndpointLimits returns limits for the expensive routes, keyed by
// "METHOD:path".
func DefaultEndpointLimits() map[string]EndpointLimits {
	return map[string]EndpointLimits{
		// Full graph export
		"GET:/api/v1/graph/export": {RequestsPerMinute: 10, CostMultiplier: 2},
		// Threat feed sync
		"POST:/api/v1/feeds/sync": {RequestsPerMinute: 5, CostMultiplier: 10},
		// Sample data load
		"POST:/api/v1/admin/ingest-sample-data": {RequestsPerMinute: 5},
	}
}

// Check counts one request against the caller's budget. A Redis failure
// allows the request.
func (rl *RateLimiter) Check(ctx context.Context, tier, clientID, endpoint, method string) *RateLimitResult {
	tier = rl.resolveTier(tier)
	limits := rl.calculateEffectiveLimits(rl.config.Tiers[tier], rl.getEndpointLimits(endpoint, method))

	key := fmt.Sprintf("threatgraph:ratelimit:%s:%s:%s:minute", tier, clientID, endpoint)
	now := time.Now()

	count, ttl, err := rl.counter.Incr(ctx, key, time.Minute)
	if err != nil {
		rl.logger.Warn("Rate limit check failed, allowing request", zap.Error(err))
		return &RateLimitResult{Allowed: true, Tier: tier, Limit: limits.RequestsPerMinute}
	}

	res := &RateLimitResult{
		Allowed:   count <= limits.RequestsPerMinute,
		Remaining: max(limits.RequestsPerMinute-count, 0),
		Limit:     limits.RequestsPerMinute,
		ResetAt:   now.Add(ttl),
		Tier:      tier,
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res
}

func (rl *RateLimiter) resolveTier(tier string) string {
	if _, ok := rl.config.Tiers[tier]; ok {
		return tier
	}
	if _, ok := rl.config.Tiers["free"]; ok {
		return "free"
	}
	return ""
}

func (rl *RateLimiter) getEndpointLimits(endpoint, method string) *EndpointLimits {
	if limits, ok := rl.config.Endpoints[method+":"+endpoint]; ok {
		return &limits
	}
	return nil
}

func (rl *RateLimiter) calculateEffectiveLimits(tier TierLimits, endpoint *EndpointLimits) TierLimits {
	effective := tier
	if effective.RequestsPerMinute <= 0 {
		effective.RequestsPerMinute = rl.config.DefaultRequestsPerMinute
	}
	if endpoint == nil {
		return effective
	}
	if endpoint.RequestsPerMinute > 0 && endpoint.RequestsPerMinute < effective.RequestsPerMinute {
		effective.RequestsPerMinute = endpoint.RequestsPerMinute
	}
	if endpoint.CostMultiplier > 1 {
		effective.RequestsPerMinute = max(effective.RequestsPerMinute/endpoint.CostMultiplier, 1)
	}
	return effective
}

// Middleware rejects over-budget requests with 429 and a rate_limit_exceeded
// error body.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.config.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		clientID := r.Header.Get(ClientHeader)
		if clientID == "" {
			clientID = getClientIP(r)
		}
		result := rl.Check(r.Context(), r.Header.Get(TierHeader), clientID, r.URL.Path, r.Method)

		if rl.config.IncludeHeaders {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
		}

		if !result.Allowed {
			rl.metrics.RateLimitRejected(result.Tier)
			retry := int(result.RetryAfter.Seconds())
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"kind":        "rate_limit_exceeded",
				"message":     "rate limit exceeded",
				"retry_after": retry,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
