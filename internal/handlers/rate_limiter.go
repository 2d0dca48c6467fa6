package handlers

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
)

// keyedLimiter keeps one token bucket per caller. A bucket refills fully
// within a minute, so buckets idle for longer are dropped.
type keyedLimiter struct {
	every rate.Limit
	burst int
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newKeyedLimiter(perMinute int, clock func() time.Time) *keyedLimiter {
	if perMinute <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &keyedLimiter{
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

// take spends one token for key. When the bucket is empty it reports how
// long until the next token.
func (l *keyedLimiter) take(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	if key = strings.TrimSpace(key); key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > time.Minute {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now

	res := b.lim.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func retryAfterSeconds(delay time.Duration) int {
	return int(math.Max(1, math.Ceil(delay.Seconds())))
}

// OwnerRateLimit throttles a route per owner. Requests without an owner are
// keyed by client address. A non-positive limit disables throttling.
func OwnerRateLimit(perMinute int, clock func() time.Time) func(http.Handler) http.Handler {
	limiter := newKeyedLimiter(perMinute, clock)
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientKey(r)
			if owner, ok := auth.OwnerFromContext(r.Context()); ok {
				key = owner.ID
			}
			if ok, delay := limiter.take(key); !ok {
				retry := retryAfterSeconds(delay)
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests).With("retry_after_seconds", retry))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
