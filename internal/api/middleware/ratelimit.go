package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jpmcglone/menofhunger-realtime/internal/metrics"
)

// Scope selects what a rate limit counts requests against.
type Scope string

const (
	// ScopeIP counts requests per client address.
	ScopeIP Scope = "ip"
	// ScopeViewer counts requests per authenticated user, across addresses.
	// Requests without a viewer skip viewer-scoped limits.
	ScopeViewer Scope = "viewer"
)

// RateLimit allows Requests per sliding Window for each key in its scope.
type RateLimit struct {
	Name     string
	Requests int
	Window   time.Duration
	Scope    Scope
}

// DefaultRateLimits returns the limits keyed by "METHOD /path-prefix". The
// viewer limit on /ws caps one user's reconnect storm however many addresses
// it comes from.
func DefaultRateLimits() map[string][]RateLimit {
	return map[string][]RateLimit{
		"GET /ws": {
			{Name: "ws_ip", Requests: 30, Window: time.Minute, Scope: ScopeIP},
			{Name: "ws_viewer", Requests: 12, Window: time.Minute, Scope: ScopeViewer},
		},
		"GET /presence/online": {{Name: "presence_online", Requests: 60, Window: time.Minute, Scope: ScopeIP}},
		"GET /presence/users/": {{Name: "presence_user", Requests: 120, Window: time.Minute, Scope: ScopeIP}},
		"GET /radio/lobby":     {{Name: "radio_lobby", Requests: 60, Window: time.Minute, Scope: ScopeIP}},
	}
}

// RateLimiterConfig holds configuration for the rate limiter.
type RateLimiterConfig struct {
	Whitelist        []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled bool     // Enable auto-blocking after repeated violations
	// Viewer resolves the authenticated user id of a request. Without it
	// viewer-scoped limits never apply.
	Viewer func(r *http.Request) (string, bool)
	// Limits replaces DefaultRateLimits when set.
	Limits map[string][]RateLimit
}

// RateLimiter applies sliding window limits stored in Redis, so every
// instance shares the same counters.
type RateLimiter struct {
	client           *redis.Client
	limits           map[string][]RateLimit
	viewer           func(r *http.Request) (string, bool)
	whitelist        *ipSet
	blocker          *IPBlocker
	autoBlockEnabled bool
	logger           zerolog.Logger
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(client *redis.Client, logger zerolog.Logger, cfg RateLimiterConfig) *RateLimiter {
	limits := cfg.Limits
	if limits == nil {
		limits = DefaultRateLimits()
	}
	rl := &RateLimiter{
		client:           client,
		limits:           limits,
		viewer:           cfg.Viewer,
		whitelist:        parseIPSet(cfg.Whitelist, logger),
		blocker:          NewIPBlocker(client),
		autoBlockEnabled: cfg.AutoBlockEnabled,
		logger:           logger,
	}
	if len(cfg.Whitelist) > 0 {
		logger.Info().
			Int("ips", len(rl.whitelist.ips)).
			Int("cidrs", len(rl.whitelist.nets)).
			Msg("rate limit whitelist configured")
	}
	return rl
}

// RealIP extracts the real client IP from headers or connection.
func RealIP(r *http.Request) string {
	// Check Fly.io header first
	if ip := r.Header.Get("Fly-Client-IP"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return strings.TrimSpace(strings.Split(ip, ",")[0])
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// slidingWindowScript records a request in KEYS[1] if fewer than ARGV[3] fall
// inside the window. It returns {allowed, remaining, resetAtMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window_start = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local window_ms = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local current = redis.call('ZCARD', key)

if current < limit then
	local counter = redis.call('INCR', key .. ':seq')
	redis.call('ZADD', key, now, now .. ':' .. counter)
	local ttl = math.ceil(window_ms / 1000)
	redis.call('EXPIRE', key, ttl)
	redis.call('EXPIRE', key .. ':seq', ttl)
	return {1, limit - current - 1, now + window_ms}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset_at = now + window_ms
if #oldest >= 2 then
	reset_at = tonumber(oldest[2]) + window_ms
end
return {0, 0, reset_at}
`)

// decision is the outcome of one limit check.
type decision struct {
	limit     RateLimit
	allowed   bool
	remaining int
	resetAt   time.Time
}

// allow records a request against key under limit.
func (rl *RateLimiter) allow(ctx context.Context, key string, limit RateLimit, now time.Time) (decision, error) {
	res, err := slidingWindowScript.Run(ctx, rl.client, []string{key},
		now.UnixMilli(), now.Add(-limit.Window).UnixMilli(), limit.Requests, limit.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return decision{}, fmt.Errorf("rate limit %s: %w", limit.Name, err)
	}
	if len(res) != 3 {
		return decision{}, fmt.Errorf("rate limit %s: unexpected reply length %d", limit.Name, len(res))
	}
	return decision{
		limit:     limit,
		allowed:   res[0] == 1,
		remaining: int(res[1]),
		resetAt:   time.UnixMilli(res[2]),
	}, nil
}

// Middleware returns the rate limiting middleware. Redis failures let the
// request through.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)

		if rl.whitelist.contains(ip) {
			next.ServeHTTP(w, r)
			return
		}

		if rl.blocker.IsBlocked(r.Context(), ip) {
			rl.logger.Warn().
				Str("type", "security").
				Str("event", "blocked_request").
				Str("ip", ip).
				Str("endpoint", r.URL.Path).
				Msg("blocked IP attempted request")
			metrics.BlockedRequests.WithLabelValues("ip_blocked").Inc()
			http.Error(w, `{"error":"temporarily blocked"}`, http.StatusForbidden)
			return
		}

		limits := rl.findLimits(r)
		if len(limits) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		var (
			viewerID string
			resolved bool
			hasView  bool
			tightest *decision
		)
		now := time.Now()
		for _, limit := range limits {
			var key string
			switch limit.Scope {
			case ScopeViewer:
				if !resolved {
					resolved = true
					if rl.viewer != nil {
						viewerID, hasView = rl.viewer(r)
					}
				}
				if !hasView || viewerID == "" {
					continue
				}
				key = "ratelimit:viewer:" + viewerID + ":" + limit.Name
			default:
				key = "ratelimit:ip:" + ip + ":" + limit.Name
			}

			d, err := rl.allow(r.Context(), key, limit, now)
			if err != nil {
				rl.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request")
				continue
			}
			if !d.allowed {
				rl.reject(w, r, ip, key, d)
				return
			}
			if tightest == nil || d.remaining < tightest.remaining {
				tightest = &d
			}
		}

		if tightest != nil {
			setLimitHeaders(w, *tightest)
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) reject(w http.ResponseWriter, r *http.Request, ip, key string, d decision) {
	setLimitHeaders(w, d)
	retry := int(math.Ceil(time.Until(d.resetAt).Seconds()))
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retry))

	metrics.RateLimitHits.WithLabelValues(d.limit.Name).Inc()
	rl.trackViolation(r.Context(), ip)

	rl.logger.Warn().
		Str("type", "security").
		Str("event", "rate_limit_exceeded").
		Str("ip", ip).
		Str("endpoint", r.URL.Path).
		Str("limit", d.limit.Name).
		Str("key", key).
		Msg("rate limit exceeded")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	w.Write([]byte(`{"error":"rate limit exceeded"}`))
}

func setLimitHeaders(w http.ResponseWriter, d decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.limit.Requests))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.resetAt.Unix(), 10))
}

// findLimits returns the limits of the longest pattern prefixing the request.
func (rl *RateLimiter) findLimits(r *http.Request) []RateLimit {
	key := r.Method + " " + r.URL.Path

	var (
		best    []RateLimit
		longest int
	)
	for pattern, limits := range rl.limits {
		if strings.HasPrefix(key, pattern) && len(pattern) > longest {
			best, longest = limits, len(pattern)
		}
	}
	return best
}

// trackViolation counts rejections per address and blocks repeat offenders.
func (rl *RateLimiter) trackViolation(ctx context.Context, ip string) {
	if !rl.autoBlockEnabled {
		return
	}

	key := "ratelimit:violations:" + ip
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return
	}
	rl.client.Expire(ctx, key, time.Hour)

	if count >= 10 {
		rl.blocker.Block(ctx, ip, 24*time.Hour, "repeated rate limit violations")
		rl.logger.Warn().
			Str("type", "security").
			Str("event", "ip_auto_blocked").
			Str("ip", ip).
			Int64("violations", count).
			Msg("IP auto-blocked for repeated violations")
	}
}
