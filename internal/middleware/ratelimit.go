// ratelimit.go provides Gin middleware that enforces per-client rate limits,
// returning 429 responses when the configured requests-per-minute threshold is
// exceeded. Limits are shared across replicas through Redis (redis_rate's GCRA
// implementation) when a Redis address is configured, and kept in process
// with a token bucket otherwise.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/prism-analytics/prism/internal/config"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the maximum number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often the in-process limiter drops idle entries
	CleanupInterval time.Duration
}

// DefaultRateLimitConfig returns the general API limits, taken from
// security.rate_limiting when set.
func DefaultRateLimitConfig(cfg *config.RateLimitingConfig) RateLimitConfig {
	out := RateLimitConfig{
		RequestsPerMinute: 120,
		BurstSize:         30,
		CleanupInterval:   5 * time.Minute,
	}
	if cfg != nil && cfg.RequestsPerMinute > 0 {
		out.RequestsPerMinute = cfg.RequestsPerMinute
	}
	if cfg != nil && cfg.Burst > 0 {
		out.BurstSize = cfg.Burst
	}
	return out
}

// AuthRateLimitConfig returns stricter limits for the login, callback and
// invitation-accept endpoints.
func AuthRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 10, // 10 login attempts per minute
		BurstSize:         5,
		CleanupInterval:   5 * time.Minute,
	}
}

// Decision is the result of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether one more request for key is allowed.
type Limiter interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// NewLimiter returns a Redis-backed limiter when client is non-nil and an
// in-process one otherwise. stop releases the in-process cleanup goroutine.
func NewLimiter(client *redis.Client, cfg RateLimitConfig) (limiter Limiter, stop func()) {
	if client != nil {
		return NewRedisLimiter(client, cfg), func() {}
	}
	rl := NewRateLimiter(cfg)
	return rl, rl.Stop
}

// RedisLimiter is a Limiter shared by every replica using the same Redis.
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a RedisLimiter.
func NewRedisLimiter(client *redis.Client, cfg RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(client),
		limit: redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Burst:  cfg.BurstSize,
			Period: time.Minute,
		},
	}
}

// Take implements Limiter.
func (l *RedisLimiter) Take(ctx context.Context, key string) (Decision, error) {
	res, err := l.limiter.Allow(ctx, "prism:ratelimit:"+key, l.limit)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Limit:      l.limit.Rate,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// rateLimitEntry tracks request counts for a single client
type rateLimitEntry struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter implements an in-process token bucket rate limiter
type RateLimiter struct {
	config  RateLimitConfig
	entries map[string]*rateLimitEntry
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
	now     func() time.Time
}

// NewRateLimiter creates a new rate limiter with the given config
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	rl := &RateLimiter{
		config:  config,
		entries: make(map[string]*rateLimitEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically removes entries idle for more than ten minutes
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, entry := range rl.entries {
				if now.Sub(entry.lastUpdate) > 10*time.Minute {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// Take implements Limiter.
func (rl *RateLimiter) Take(_ context.Context, key string) (Decision, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	perSecond := float64(rl.config.RequestsPerMinute) / 60.0
	d := Decision{Limit: rl.config.RequestsPerMinute}

	entry, exists := rl.entries[key]
	if !exists {
		// New client, give them full burst
		entry = &rateLimitEntry{tokens: float64(rl.config.BurstSize), lastUpdate: now}
		rl.entries[key] = entry
	} else {
		elapsed := now.Sub(entry.lastUpdate)
		entry.tokens = min(float64(rl.config.BurstSize), entry.tokens+elapsed.Seconds()*perSecond)
		entry.lastUpdate = now
	}

	if entry.tokens >= 1 {
		entry.tokens--
		d.Allowed = true
	} else if perSecond > 0 {
		d.RetryAfter = time.Duration((1 - entry.tokens) / perSecond * float64(time.Second))
	}
	d.Remaining = int(entry.tokens)
	return d, nil
}

// Allow reports whether a request for key is allowed.
func (rl *RateLimiter) Allow(key string) bool {
	d, _ := rl.Take(context.Background(), key)
	return d.Allowed
}

// RateLimitMiddleware rate limits requests per client within scope, so the
// auth endpoints and the general API draw from separate budgets. When the
// limiter itself fails (Redis unreachable) the request is let through and the
// failure logged.
func RateLimitMiddleware(limiter Limiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := scope + ":" + getRateLimitKey(c)

		d, err := limiter.Take(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "scope", scope, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retry := int(d.RetryAfter.Seconds() + 0.999)
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "rate_limited",
					"message": "too many requests, retry later",
				},
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting
// Priority: user_id > IP address
func getRateLimitKey(c *gin.Context) string {
	if userID, exists := c.Get(UserIDKey); exists {
		if id, ok := userID.(string); ok && id != "" {
			return "user:" + id
		}
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
