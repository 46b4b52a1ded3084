package app

import (
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const limiterIdle = 10 * time.Minute

// deviceLimiter keeps one token bucket per module so a misbehaving feeder
// cannot starve the others.
type deviceLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newDeviceLimiter(rps float64, burst int) *deviceLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &deviceLimiter{
		limit:   limit,
		burst:   burst,
		buckets: make(map[string]*bucket),
	}
}

// Allow consumes one token for key.
func (l *deviceLimiter) Allow(key string) bool {
	return l.allowAt(key, time.Now())
}

func (l *deviceLimiter) allowAt(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > limiterIdle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > limiterIdle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}

func (l *deviceLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// rateLimit applies the per-module bucket to firmware routes. Requests without
// a module id share a bucket per client address.
func (a *App) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key := strings.TrimSpace(c.FormValue("module_id"))
		if key == "" {
			key = "ip:" + c.RealIP()
		}
		if !a.limiter.Allow(key) {
			return errRateLimited
		}
		return next(c)
	}
}
