package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prismaqf/callblocker/internal/config"
)

// RouteClass groups endpoints that share a rate budget.
type RouteClass string

const (
	// ClassRead covers GET endpoints: listings, exports, stats.
	ClassRead RouteClass = "read"
	// ClassRecord covers POST /api/calls, fed by the phone as calls are screened.
	ClassRecord RouteClass = "record"
	// ClassWrite covers rule edits and admin actions.
	ClassWrite RouteClass = "write"
)

// Budget is a token bucket: PerSecond sustained, Burst capacity.
// A Burst of zero leaves the class unlimited.
type Budget struct {
	PerSecond float64
	Burst     int
}

// BudgetsFromConfig maps the rate_limit config section to per-class budgets.
func BudgetsFromConfig(c config.RateLimitConfig) map[RouteClass]Budget {
	return map[RouteClass]Budget{
		ClassRead:   {PerSecond: c.Read.PerSecond, Burst: c.Read.Burst},
		ClassRecord: {PerSecond: c.Record.PerSecond, Burst: c.Record.Burst},
		ClassWrite:  {PerSecond: c.Write.PerSecond, Burst: c.Write.Burst},
	}
}

// classify picks the budget a request is charged against.
func classify(r *http.Request) RouteClass {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/calls":
		return ClassRecord
	case r.Method == http.MethodGet, r.Method == http.MethodHead, r.Method == http.MethodOptions:
		return ClassRead
	default:
		return ClassWrite
	}
}

type bucketKey struct {
	class RouteClass
	ip    string
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// RateLimiter keeps one token bucket per client and route class, so a burst
// of recorded calls does not starve the dashboard reads and vice versa.
type RateLimiter struct {
	mu      sync.Mutex
	budgets map[RouteClass]Budget
	buckets map[bucketKey]*bucket
	now     func() time.Time

	idle     time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter starts a limiter with the given budgets. Classes missing
// from budgets are unlimited. Call Stop to end the idle-bucket sweep.
func NewRateLimiter(budgets map[RouteClass]Budget) *RateLimiter {
	return newRateLimiter(budgets, time.Now)
}

func newRateLimiter(budgets map[RouteClass]Budget, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{
		budgets: budgets,
		buckets: make(map[bucketKey]*bucket),
		now:     now,
		idle:    5 * time.Minute,
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow charges one token to ip's bucket for class. When the bucket is empty
// it returns false and how long until a token is available.
func (rl *RateLimiter) Allow(class RouteClass, ip string) (bool, time.Duration) {
	budget, ok := rl.budgets[class]
	if !ok || budget.Burst <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	key := bucketKey{class: class, ip: ip}
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(budget.Burst), seen: now}
		rl.buckets[key] = b
	}

	b.tokens = math.Min(float64(budget.Burst), b.tokens+now.Sub(b.seen).Seconds()*budget.PerSecond)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if budget.PerSecond <= 0 {
		return false, rl.idle
	}
	return false, time.Duration((1 - b.tokens) / budget.PerSecond * float64(time.Second))
}

// Stop ends the sweep goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// sweep drops buckets that have been idle long enough to be full again.
func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, b := range rl.buckets {
				if now.Sub(b.seen) > rl.idle {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Middleware rejects requests over their class budget with 429 and a
// Retry-After in whole seconds.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class := classify(r)
		ok, wait := rl.Allow(class, extractIP(r))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "Too Many Requests ("+string(class)+")", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractIP returns the host part of RemoteAddr. Forwarding headers are
// ignored: the API only listens locally and they are trivially spoofed.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
