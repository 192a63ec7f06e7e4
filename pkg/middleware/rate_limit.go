package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jellydator/ttlcache/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type RateLimiterConfig struct {
	RequestsPerSecond int
	Burst             int
	// TTL is how long a client is remembered after its last request
	TTL time.Duration
}

// RateLimiter hands out one token bucket per client IP. Idle clients are
// forgotten after the configured TTL. Close stops the expiry goroutine.
type RateLimiter struct {
	visitors *ttlcache.Cache
	rps      rate.Limit
	burst    int
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.TTL <= 0 {
		config.TTL = 3 * time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = config.RequestsPerSecond
	}

	visitors := ttlcache.NewCache()
	visitors.SetTTL(config.TTL)
	// Every request pushes the expiry back
	visitors.SkipTTLExtensionOnHit(false)

	return &RateLimiter{
		visitors: visitors,
		rps:      rate.Limit(config.RequestsPerSecond),
		burst:    config.Burst,
	}
}

func (l *RateLimiter) limiter(ip string) (*rate.Limiter, error) {
	v, err := l.visitors.GetByLoader(ip, func(string) (any, time.Duration, error) {
		return rate.NewLimiter(l.rps, l.burst), 0, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*rate.Limiter), nil
}

// Visitors returns how many clients are currently tracked
func (l *RateLimiter) Visitors() int {
	return l.visitors.Count()
}

func (l *RateLimiter) Close() error {
	return l.visitors.Close()
}

func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter, err := l.limiter(c.ClientIP())
		if err != nil {
			// Only happens once the limiter is closed during shutdown
			zap.L().Debug("Rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}

		if !limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "Too many requests",
				"requestID": c.GetString("requestID"),
			})
			return
		}

		c.Next()
	}
}
