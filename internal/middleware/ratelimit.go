package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"publisher-sync/internal/observability/metrics"

	"github.com/gin-gonic/gin"
)

// LimitResult reports the outcome of one fixed-window check.
type LimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per key over fixed windows. State lives in process
// memory only; multiple server instances do not share it.
type Limiter struct {
	windowSize time.Duration
	now        func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

func NewLimiter(windowSize time.Duration) *Limiter {
	return &Limiter{
		windowSize: windowSize,
		now:        time.Now,
		windows:    make(map[string]*window),
	}
}

// Check increments the counter for key and reports whether the request is
// within max for the current window.
func (l *Limiter) Check(key string, max int) LimitResult {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.windowSize)}
		l.windows[key] = w
	}
	w.count++

	remaining := max - w.count
	if remaining < 0 {
		remaining = 0
	}
	return LimitResult{
		Allowed:   w.count <= max,
		Limit:     max,
		Remaining: remaining,
		Reset:     w.resetAt,
	}
}

// Middleware applies the limiter per device and route. Every response carries
// the limit headers; rejections add Retry-After.
func (l *Limiter) Middleware(routeID string, max int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if dev := DeviceFromContext(c); dev != nil {
			key = dev.ID
		}
		res := l.Check(key+":"+routeID, max)

		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.Reset.Unix(), 10))

		if !res.Allowed {
			retryAfter := int(res.Reset.Sub(l.now()).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			metrics.RateLimitRejectionsTotal.WithLabelValues(routeID).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
