package main

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"storagegate/metrics"
)

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	ips      map[string]*rate.Limiter
	mu       sync.Mutex
	requests int
	duration time.Duration
}

func NewIPRateLimiter(r int, d time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		ips:      make(map[string]*rate.Limiter),
		requests: r,
		duration: d,
	}
}

// addIP allows 'requests' per 'duration' with a burst of 'requests'. The
// entry is forgotten after one duration so idle IPs don't accumulate.
func (i *IPRateLimiter) addIP(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	if limiter, ok := i.ips[ip]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(float64(i.requests)/i.duration.Seconds()), i.requests)
	i.ips[ip] = limiter

	time.AfterFunc(i.duration, func() {
		i.mu.Lock()
		delete(i.ips, ip)
		i.mu.Unlock()
	})

	return limiter
}

func (i *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	limiter, exists := i.ips[ip]
	i.mu.Unlock()

	if !exists {
		return i.addIP(ip)
	}
	return limiter
}

func (i *IPRateLimiter) RateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := i.getLimiter(c.ClientIP())
		if !limiter.Allow() {
			slog.Warn("rate limit hit", "clientIP", c.ClientIP(), "path", c.Request.URL.Path)
			metrics.RecordRateLimitHit()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": http.StatusTooManyRequests, "message": "too many requests, slow down"})
			return
		}
		c.Next()
	}
}
