// Package ratelimit implements per-principal token-bucket rate limiting.
// Anonymous callers are bucketed by remote address.
package ratelimit

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/fableverse/gateway/internal/apierr"
	"github.com/fableverse/gateway/internal/auth"
	"github.com/fableverse/gateway/internal/metrics"
)

// staleAfter is how long an idle bucket survives before eviction.
const staleAfter = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Registry holds one token bucket per caller key.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*entry

	anonPerMinute int
	authPerMinute int
	metrics       *metrics.Metrics
}

// NewRegistry creates the limiter registry. Per-minute budgets of 0 disable
// limiting for that class of caller.
func NewRegistry(anonPerMinute, authPerMinute int, m *metrics.Metrics) *Registry {
	return &Registry{
		buckets:       make(map[string]*entry),
		anonPerMinute: anonPerMinute,
		authPerMinute: authPerMinute,
		metrics:       m,
	}
}

// Allow consumes one token for key. On denial it returns the wait until the
// next token.
func (r *Registry) Allow(key string, authenticated bool) (bool, time.Duration) {
	perMinute := r.anonPerMinute
	if authenticated {
		perMinute = r.authPerMinute
	}
	if perMinute <= 0 {
		return true, 0
	}

	r.mu.Lock()
	e, ok := r.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)}
		r.buckets[key] = e
	}
	e.lastSeen = time.Now()
	r.mu.Unlock()

	reservation := e.limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

// EvictStale drops buckets idle beyond the staleness window. Called from a
// background ticker.
func (r *Registry) EvictStale() int {
	cutoff := time.Now().Add(-staleAfter)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for key, e := range r.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Middleware enforces the rate limit after auth: authenticated callers are
// keyed by subject, anonymous callers by remote address. Denials carry a
// retry hint and never open a stream.
func (r *Registry) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, authenticated := callerKey(c)

		allowed, retryAfter := r.Allow(key, authenticated)
		if allowed {
			c.Next()
			return
		}

		class := "anonymous"
		if authenticated {
			class = "authenticated"
		}
		r.metrics.RateLimitRejects.WithLabelValues(class).Inc()

		seconds := int(retryAfter.Seconds()) + 1
		c.Header("Retry-After", strconv.Itoa(seconds))
		status, body := apierr.BodyOf(apierr.New(apierr.KindTooManyRequests,
			fmt.Sprintf("rate limit exceeded, retry in %ds", seconds)))
		c.AbortWithStatusJSON(status, body)
	}
}

func callerKey(c *gin.Context) (string, bool) {
	if principal, ok := auth.PrincipalFrom(c); ok && principal != nil {
		return "subject:" + principal.SubjectID, true
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	return "addr:" + host, false
}
