package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.March, 6, 12, 0, 0, 0, time.UTC)

func exportRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/01J0SESSION/export", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	owner := &auth.Owner{ID: "device:3f0c7a52-device", Source: auth.OwnerSourceDevice}
	return req.WithContext(auth.WithOwner(req.Context(), owner))
}

func TestMiddlewareWithoutKeyPassesThrough(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))

	calls := 0
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, exportRequest("", `{}`))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	}
	if calls != 2 {
		t.Fatalf("expected both requests to reach the handler, got %d", calls)
	}
}

func TestMiddlewareRequireKey(t *testing.T) {
	middleware := Middleware(NewMemoryStore(), RequireKey())
	rr := httptest.NewRecorder()
	middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not be invoked when header is missing")
	})).ServeHTTP(rr, exportRequest("", `{}`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_key_required")
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"exportId":"01J0EXPORT"}`))
		}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, exportRequest("abc-123", `{"format":"png"}`))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, exportRequest("abc-123", `{"format":"png"}`))

	if calls != 1 {
		t.Fatalf("expected handler to be called once, got %d", calls)
	}
	if rr2.Code != http.StatusCreated {
		t.Fatalf("expected replayed status 201, got %d", rr2.Code)
	}
	if rr2.Header().Get(replayHeaderName) != "true" {
		t.Fatalf("expected replay header to be present")
	}
	if got := rr2.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected content-type json, got %s", got)
	}
	if rr2.Body.String() != rr1.Body.String() {
		t.Fatalf("expected response body %s, got %s", rr1.Body.String(), rr2.Body.String())
	}
}

func TestMiddlewareSkipsOversizedResponses(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore(), WithMaxStoredBody(4))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("\x89PNG-large-body"))
		}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, exportRequest("png-key", `{}`))
		if rr.Code != http.StatusOK || rr.Body.Len() == 0 {
			t.Fatalf("expected streamed body, got %d (%d bytes)", rr.Code, rr.Body.Len())
		}
		if rr.Header().Get(replayHeaderName) != "" {
			t.Fatalf("oversized response must not be replayed")
		}
	}
	if calls != 2 {
		t.Fatalf("expected handler to run twice, got %d", calls)
	}
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	var calls int
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, exportRequest("retry-key", `{}`))
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, exportRequest("retry-key", `{}`))

	if rr1.Code != http.StatusBadGateway || rr2.Code != http.StatusCreated {
		t.Fatalf("unexpected statuses %d then %d", rr1.Code, rr2.Code)
	}
}

func TestMiddlewareRejectsReusedKey(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	rr1 := httptest.NewRecorder()
	handler.ServeHTTP(rr1, exportRequest("same-key", `{"ratio":2}`))
	if rr1.Code != http.StatusOK {
		t.Fatalf("expected first request success, got %d", rr1.Code)
	}

	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, exportRequest("same-key", `{"ratio":3}`))
	if rr2.Code != http.StatusConflict {
		t.Fatalf("expected conflict status, got %d", rr2.Code)
	}
	assertErrorResponse(t, rr2.Body.Bytes(), "idempotency_key_conflict")
}

func TestMiddlewareRejectsInFlightKey(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler should not be invoked when reservation pending")
		}))

	req := exportRequest("pending-key", `{}`)
	body, err := bufferBody(req)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	requester := requesterOf(req.Context())
	if requester != "device:3f0c7a52-device" {
		t.Fatalf("unexpected requester %s", requester)
	}
	fp := fingerprint(req, body, requester)
	if _, err := store.Reserve(req.Context(), scope("pending-key", requester), fp, fixedTime, time.Hour); err != nil {
		t.Fatalf("failed to seed reservation: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for pending reservation, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_in_progress")
}

func TestMiddlewareReleasesKeyWhenSaveFails(t *testing.T) {
	store := &stubStore{failSave: true}
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("ok"))
		}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, exportRequest("fail-key", `{}`))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 response, got %d", rr.Code)
	}
	assertErrorResponse(t, rr.Body.Bytes(), "idempotency_store_error")
	if !store.released {
		t.Fatalf("expected reservation to be released on failure")
	}
}

func TestFingerprintDistinguishesRequests(t *testing.T) {
	base := exportRequest("k", `{"ratio":2}`)
	body, _ := bufferBody(base)
	want := fingerprint(base, body, "device:a")

	if got := fingerprint(base, body, "device:a"); got != want {
		t.Fatalf("fingerprint not stable")
	}
	if fingerprint(base, body, "device:b") == want {
		t.Fatalf("requester must change the fingerprint")
	}
	if fingerprint(base, []byte(`{"ratio":3}`), "device:a") == want {
		t.Fatalf("body must change the fingerprint")
	}
	other := httptest.NewRequest(http.MethodPost, "/api/sessions/01J0OTHER/export", nil)
	other.Header.Set("Content-Type", "application/json")
	if fingerprint(other, body, "device:a") == want {
		t.Fatalf("path must change the fingerprint")
	}
}

func TestBufferBodyRewinds(t *testing.T) {
	req := exportRequest("k", `{"format":"png"}`)
	first, err := bufferBody(req)
	if err != nil {
		t.Fatalf("bufferBody: %v", err)
	}
	second, err := io.ReadAll(req.Body)
	if err != nil || !bytes.Equal(first, second) {
		t.Fatalf("body not rewound: %q vs %q (%v)", first, second, err)
	}
}

func TestGuardIgnoresSafeMethods(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), RequireKey())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/sessions/01J0SESSION", nil))
	if rr.Code != http.StatusOK || calls != 1 {
		t.Fatalf("GET should bypass the guard, got %d after %d calls", rr.Code, calls)
	}
}

type stubStore struct {
	failSave bool
	released bool
}

func (s *stubStore) Reserve(context.Context, string, string, time.Time, time.Duration) (Reservation, error) {
	return Reservation{State: ReservationStateNew, Record: Record{}}, nil
}

func (s *stubStore) SaveResponse(context.Context, string, string, Response, time.Time, time.Duration) error {
	if s.failSave {
		return errors.New("save failed")
	}
	return nil
}

func (s *stubStore) Release(context.Context, string, string) error {
	s.released = true
	return nil
}

func (s *stubStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func assertErrorResponse(t *testing.T, payload []byte, expected string) {
	t.Helper()

	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if body.Error != expected {
		t.Fatalf("expected error code %s, got %s", expected, body.Error)
	}
}
