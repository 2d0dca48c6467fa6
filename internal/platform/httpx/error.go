// Package httpx holds the JSON response helpers shared by every handler.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/PerfectlyContent/cardmaker/internal/platform/requestctx"
)

// Error is the API error envelope:
//
//	{"error": code, "message": ..., "status": 4xx, "request_id": ..., "trace_id": ...}
//
// Extra fields set with With are merged into the top level.
type Error struct {
	Code    string
	Message string
	Status  int
	extra   map[string]any
}

// NewError trims code and message to loggable lengths. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, 80),
		Message: clean(message, 512),
		Status:  status,
	}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// With returns a copy of e carrying an extra top-level field.
func (e Error) With(key string, value any) Error {
	extra := make(map[string]any, len(e.extra)+1)
	for k, v := range e.extra {
		extra[k] = v
	}
	extra[key] = value
	e.extra = extra
	return e
}

// WriteError renders e with the request and trace ids found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, e Error) {
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	body := make(map[string]any, len(e.extra)+5)
	for k, v := range e.extra {
		body[k] = v
	}
	body["error"] = e.Code
	body["message"] = e.Message
	body["status"] = e.Status
	if id := clean(middleware.GetReqID(ctx), 80); id != "" {
		body["request_id"] = id
	}
	if id := clean(requestctx.TraceID(ctx), 64); id != "" {
		body["trace_id"] = id
	}
	WriteJSON(w, e.Status, body)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
