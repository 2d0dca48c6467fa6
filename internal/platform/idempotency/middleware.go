package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
)

// Middleware makes mutating requests safe to retry. The first request with a
// given key runs and its response is stored; repeats with the same key and
// payload get the stored response, repeats with a different payload get 409.
// Responses with a 5xx status are not stored so the client may retry.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return func(next http.Handler) http.Handler {
		return &guard{store: store, opts: o, next: next}
	}
}

type guard struct {
	store Store
	opts  options
	next  http.Handler
}

// attempt identifies one guarded request in the store.
type attempt struct {
	key         string
	scoped      string
	fingerprint string
}

func (g *guard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.opts.methods[r.Method] {
		g.next.ServeHTTP(w, r)
		return
	}
	key := strings.TrimSpace(r.Header.Get(g.opts.header))
	if key == "" {
		if g.opts.requireKey {
			fail(w, r, http.StatusBadRequest, "idempotency_key_required", "missing "+g.opts.header+" header")
			return
		}
		g.next.ServeHTTP(w, r)
		return
	}

	body, err := bufferBody(r)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "invalid_body", "unable to read request body")
		return
	}
	requester := requesterOf(r.Context())
	a := attempt{
		key:         key,
		scoped:      scope(key, requester),
		fingerprint: fingerprint(r, body, requester),
	}

	res, err := g.store.Reserve(r.Context(), a.scoped, a.fingerprint, g.opts.now().UTC(), g.opts.ttl)
	switch {
	case errors.Is(err, ErrFingerprintMismatch):
		fail(w, r, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		g.opts.logger.Error("idempotency reserve failed", zap.String("key", key), zap.Error(err))
		fail(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
		return
	}

	switch res.State {
	case ReservationStateCompleted:
		replay(w, res.Record)
	case ReservationStatePending:
		fail(w, r, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
	case ReservationStateNew:
		g.run(w, r, a)
	default:
		fail(w, r, http.StatusInternalServerError, "idempotency_store_error", "unexpected reservation state")
	}
}

func (g *guard) run(w http.ResponseWriter, r *http.Request, a attempt) {
	ctx := r.Context()
	rec := newRecorder()
	g.next.ServeHTTP(rec, r)

	if rec.code() >= http.StatusInternalServerError || rec.body.Len() > g.opts.maxStoredBody {
		g.release(ctx, a)
	} else if err := g.store.SaveResponse(ctx, a.scoped, a.fingerprint, rec.response(), g.opts.now().UTC(), g.opts.ttl); err != nil {
		g.opts.logger.Error("idempotency save failed", zap.String("key", a.key), zap.Error(err))
		g.release(ctx, a)
		fail(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}

	if err := rec.flushTo(w); err != nil {
		g.opts.logger.Debug("idempotency flush failed", zap.String("key", a.key), zap.Error(err))
	}
}

func (g *guard) release(ctx context.Context, a attempt) {
	if err := g.store.Release(ctx, a.scoped, a.fingerprint); err != nil {
		g.opts.logger.Warn("idempotency release failed", zap.String("key", a.key), zap.Error(err))
	}
}

// bufferBody reads the request body and puts a rewindable copy back.
func bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// fingerprint hashes everything that makes two requests "the same".
func fingerprint(r *http.Request, body []byte, requester string) string {
	h := sha256.New()
	for _, part := range []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Header.Get("Content-Type"),
		requester,
	} {
		io.WriteString(h, part)
		h.Write([]byte{0})
	}
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// requesterOf names the caller so keys from different owners never collide.
func requesterOf(ctx context.Context) string {
	if owner, ok := auth.OwnerFromContext(ctx); ok && owner.ID != "" {
		return owner.ID
	}
	if sched, ok := auth.SchedulerFromContext(ctx); ok && sched.Subject != "" {
		return "scheduler:" + sched.Subject
	}
	return "anonymous"
}

func scope(key, requester string) string {
	if requester = strings.TrimSpace(requester); requester == "" {
		requester = "anonymous"
	}
	return strings.TrimSpace(key) + "|" + requester
}

func replay(w http.ResponseWriter, record Record) {
	h := w.Header()
	for key := range h {
		h.Del(key)
	}
	for key, values := range headersFromRecord(record.ResponseHeaders) {
		h[key] = values
	}
	h.Set(replayHeaderName, "true")

	status := record.ResponseStatus
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}
