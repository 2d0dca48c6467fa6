package idempotency

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
	// DefaultMaxStoredBody keeps replayable responses under the Firestore
	// document size limit.
	DefaultMaxStoredBody = 512 << 10
)

type options struct {
	header        string
	ttl           time.Duration
	methods       map[string]bool
	now           func() time.Time
	logger        *zap.Logger
	requireKey    bool
	maxStoredBody int
}

func defaultOptions() options {
	return options{
		header:        defaultHeaderName,
		ttl:           DefaultTTL,
		methods:       map[string]bool{http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true},
		now:           time.Now,
		logger:        zap.NewNop(),
		maxStoredBody: DefaultMaxStoredBody,
	}
}

// MiddlewareOption customises Middleware.
type MiddlewareOption func(*options)

func WithHeader(name string) MiddlewareOption {
	return func(o *options) {
		if name = strings.TrimSpace(name); name != "" {
			o.header = name
		}
	}
}

// WithTTL sets how long keys stay reserved or replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithMethods replaces the guarded methods (POST, PUT and PATCH by default).
func WithMethods(methods ...string) MiddlewareOption {
	return func(o *options) {
		set := make(map[string]bool, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				set[m] = true
			}
		}
		if len(set) > 0 {
			o.methods = set
		}
	}
}

func WithLogger(logger *zap.Logger) MiddlewareOption {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithClock(now func() time.Time) MiddlewareOption {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// RequireKey rejects guarded requests without a key instead of passing them
// through unprotected.
func RequireKey() MiddlewareOption {
	return func(o *options) { o.requireKey = true }
}

// WithMaxStoredBody caps the response size kept for replay. Larger responses
// are delivered but the key is released.
func WithMaxStoredBody(n int) MiddlewareOption {
	return func(o *options) {
		if n > 0 {
			o.maxStoredBody = n
		}
	}
}
