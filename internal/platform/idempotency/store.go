package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Status is the lifecycle state of a stored key.
type Status string

const (
	// DefaultTTL is how long a key is remembered when the caller gives no TTL.
	DefaultTTL = 24 * time.Hour

	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState is the outcome of Reserve.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and should do the work.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response should be replayed.
	ReservationStateCompleted
	// ReservationStatePending means another caller holds the key.
	ReservationStatePending
)

// Reservation is the result of Reserve with the record it was decided on.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is what a store keeps per key. For reminder dedupe the body holds
// the published message id.
type Record struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          Status              `firestore:"status"`
	ResponseStatus  int                 `firestore:"response_status"`
	ResponseHeaders map[string][]string `firestore:"response_headers"`
	ResponseBody    []byte              `firestore:"response_body"`
	CreatedAt       time.Time           `firestore:"created_at"`
	UpdatedAt       time.Time           `firestore:"updated_at"`
	ExpiresAt       time.Time           `firestore:"expires_at"`
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is the outcome saved against a key.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations. The HTTP middleware and the reminder
// dispatcher share one implementation.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a live key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// reserve decides a reservation against the current record. write reports
// whether next must be persisted. Expired keys are free to reuse with any
// fingerprint.
func reserve(current Record, found bool, key, fingerprint string, now time.Time, ttl time.Duration) (next Record, res Reservation, write bool, err error) {
	if !found || current.expired(now) {
		next = Record{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		return next, Reservation{State: ReservationStateNew, Record: next}, true, nil
	}
	if current.Fingerprint != fingerprint {
		return Record{}, Reservation{}, false, ErrFingerprintMismatch
	}
	if current.Status == StatusCompleted {
		return current, Reservation{State: ReservationStateCompleted, Record: current}, false, nil
	}
	return current, Reservation{State: ReservationStatePending, Record: current}, false, nil
}

// complete folds resp into the current record, creating one when the
// reservation is gone.
func complete(current Record, found bool, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Record, error) {
	if found && current.Fingerprint != fingerprint {
		return Record{}, ErrFingerprintMismatch
	}
	if !found {
		current = Record{Key: key, Fingerprint: fingerprint}
	}
	if current.CreatedAt.IsZero() {
		current.CreatedAt = now
	}
	current.Status = StatusCompleted
	current.ResponseStatus = resp.Status
	current.ResponseHeaders = storableHeaders(resp.Headers)
	current.ResponseBody = nil
	if len(resp.Body) > 0 {
		current.ResponseBody = append([]byte(nil), resp.Body...)
	}
	current.UpdatedAt = now
	current.ExpiresAt = now.Add(ttl)
	return current, nil
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// documentID hashes the key so arbitrary client strings are safe as ids.
func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hop-by-hop and per-response headers are never replayed.
var unstoredHeaders = map[string]struct{}{
	"Content-Length":      {},
	"Date":                {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func storableHeaders(header http.Header) map[string][]string {
	out := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := unstoredHeaders[canonical]; skip {
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func headersFromRecord(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
