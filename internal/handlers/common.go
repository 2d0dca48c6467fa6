package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
)

// Bodies above this are refused unless a handler sets its own cap.
const defaultJSONBodyLimit = 10 << 20

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

// readLimitedBody returns the whole body, or errBodyTooLarge when it holds
// more than limit bytes. Whitespace-only bodies count as empty.
func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultJSONBodyLimit
	}
	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(r.Body, limit+1))
	switch {
	case err != nil:
		return nil, err
	case n > limit:
		return nil, errBodyTooLarge
	case len(bytes.TrimSpace(buf.Bytes())) == 0:
		return nil, errEmptyBody
	}
	return buf.Bytes(), nil
}

// decodeJSONBody fills dst from the request and writes the error envelope
// when it cannot. optional lets an empty body through untouched.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, dst any, optional bool) bool {
	body, err := readLimitedBody(r, limit)
	if errors.Is(err, errEmptyBody) && optional {
		return true
	}
	var apiErr httpx.Error
	switch {
	case errors.Is(err, errBodyTooLarge):
		apiErr = httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge)
	case err != nil:
		apiErr = httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	default:
		if err := json.Unmarshal(body, dst); err != nil {
			apiErr = httpx.NewError("invalid_request", fmt.Sprintf("invalid JSON payload: %v", err), http.StatusBadRequest)
		}
	}
	if apiErr.Status != 0 {
		httpx.WriteError(r.Context(), w, apiErr)
		return false
	}
	return true
}

func requireOwnerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	if owner, ok := auth.OwnerFromContext(r.Context()); ok && owner != nil {
		if id := strings.TrimSpace(owner.ID); id != "" {
			return id, true
		}
	}
	httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "owner identity required", http.StatusUnauthorized))
	return "", false
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
