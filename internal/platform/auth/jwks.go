package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed marks transport and decoding failures. Callers map
	// it to 503 rather than 401.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

const (
	defaultJWKSValidity = 15 * time.Minute
	defaultJWKSTimeout  = 5 * time.Second
)

type keySet struct {
	keys    map[string]jose.JSONWebKey
	expires time.Time
}

func (s *keySet) fresh(now time.Time) bool {
	return s != nil && now.Before(s.expires)
}

func (s *keySet) key(kid string) (any, bool) {
	if s == nil {
		return nil, false
	}
	jwk, ok := s.keys[kid]
	return jwk.Key, ok
}

// JWKSCache holds Google's signing keys for as long as the certs response
// max-age allows. Concurrent refreshes share one request.
type JWKSCache struct {
	url        string
	client     *http.Client
	logger     *zap.Logger
	now        func() time.Time
	newBackOff func() backoff.BackOff

	current atomic.Pointer[keySet]
	fetches singleflight.Group
}

type JWKSOption func(*JWKSCache)

func WithJWKSHTTPClient(client *http.Client) JWKSOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

func WithJWKSLogger(logger *zap.Logger) JWKSOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithJWKSClock(now func() time.Time) JWKSOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithJWKSBackOff sets the retry policy for failed fetches.
func WithJWKSBackOff(factory func() backoff.BackOff) JWKSOption {
	return func(c *JWKSCache) {
		if factory != nil {
			c.newBackOff = factory
		}
	}
}

func NewJWKSCache(url string, opts ...JWKSOption) *JWKSCache {
	c := &JWKSCache{
		url:    strings.TrimSpace(url),
		client: &http.Client{Timeout: 10 * time.Second},
		logger: zap.NewNop(),
		now:    time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxElapsedTime = time.Second
			return b
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Keyfunc returns a jwt.Keyfunc that accepts only RS256 tokens with a kid.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodRS256.Alg() {
			return nil, fmt.Errorf("auth: unexpected signing method %v", token.Method)
		}
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token missing kid header")
		}
		return c.Key(ctx, kid)
	}
}

// Key resolves the public key for kid. A kid missing from a fresh set still
// triggers one refetch since Google publishes new keys before old ones expire.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	set := c.current.Load()
	if set.fresh(c.now()) {
		if key, ok := set.key(kid); ok {
			return key, nil
		}
	}
	set, err := c.reload(ctx)
	if err != nil {
		return nil, err
	}
	if key, ok := set.key(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) reload(ctx context.Context) (*keySet, error) {
	v, err, _ := c.fetches.Do("jwks", func() (any, error) {
		ctx, cancel := context.WithTimeout(ctx, defaultJWKSTimeout)
		defer cancel()

		var set *keySet
		err := backoff.Retry(func() error {
			var err error
			set, err = c.fetch(ctx)
			return err
		}, backoff.WithContext(c.newBackOff(), ctx))
		if err != nil {
			return nil, err
		}
		c.current.Store(set)
		c.logger.Debug("jwks refreshed", zap.Int("keys", len(set.keys)), zap.Time("expires", set.expires))
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}

// fetch downloads the key set once. Client errors and malformed documents
// are permanent.
func (c *JWKSCache) fetch(ctx context.Context) (*keySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
		if resp.StatusCode < http.StatusInternalServerError {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var doc jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err))
	}
	set := &keySet{keys: make(map[string]jose.JSONWebKey, len(doc.Keys))}
	for _, jwk := range doc.Keys {
		if jwk.KeyID != "" && jwk.Valid() {
			set.keys[jwk.KeyID] = jwk
		}
	}
	if len(set.keys) == 0 {
		return nil, backoff.Permanent(fmt.Errorf("%w: no usable keys", ErrJWKSFetchFailed))
	}

	validity := maxAge(resp.Header.Get("Cache-Control"))
	if validity <= 0 {
		validity = defaultJWKSValidity
	}
	set.expires = c.now().Add(validity)
	return set, nil
}

// maxAge extracts the max-age directive from a Cache-Control header.
func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		seconds, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	return 0
}
