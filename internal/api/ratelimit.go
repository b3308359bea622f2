package api

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
)

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	RPS   int // requests per second
	Burst int
}

const staleBucketAge = 10 * time.Minute

type rateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*tokenBucket
	rps       int
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.tokens += now.Sub(b.lastRefill).Seconds() * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (rl *rateLimiter) allow(client string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	// stale buckets are swept inline, no background goroutine
	if now.Sub(rl.lastSweep) > staleBucketAge/2 {
		for k, v := range rl.clients {
			if now.Sub(v.lastRefill) > staleBucketAge {
				delete(rl.clients, k)
			}
		}
		rl.lastSweep = now
	}
	bucket, ok := rl.clients[client]
	if !ok {
		bucket = &tokenBucket{
			tokens:     float64(rl.burst),
			maxTokens:  float64(rl.burst),
			refillRate: float64(rl.rps),
			lastRefill: now,
		}
		rl.clients[client] = bucket
	}
	return bucket.allow(now)
}

// NewRateLimitMiddleware returns a per-client token-bucket rate limiter.
func NewRateLimitMiddleware(cfg RateLimitConfig) fiber.Handler {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RPS
	}
	rl := &rateLimiter{
		clients:   make(map[string]*tokenBucket),
		rps:       cfg.RPS,
		burst:     burst,
		now:       time.Now,
		lastSweep: time.Now(),
	}
	return func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		if !rl.allow(c.IP()) {
			return problemResponse(c, fiber.StatusTooManyRequests,
				"rate_limit_exceeded", "Too Many Requests", "Rate limit exceeded. Please try again later.")
		}
		return c.Next()
	}
}
