package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PerfectlyContent/cardmaker/internal/dates"
	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
	"github.com/PerfectlyContent/cardmaker/internal/services"
)

// ReminderHandlers serves the scheduler-only reminder dispatch endpoint.
type ReminderHandlers struct {
	dates services.DateService
	clock func() time.Time
}

// NewReminderHandlers constructs reminder handlers.
func NewReminderHandlers(dates services.DateService, clock func() time.Time) *ReminderHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &ReminderHandlers{dates: dates, clock: clock}
}

// Routes registers POST /reminders/dispatch under the internal group.
func (h *ReminderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/reminders/dispatch", h.dispatch)
}

type dispatchRequest struct {
	// Date overrides today, for replaying a missed run.
	Date string `json:"date"`
}

type dispatchResponse struct {
	// Date is the replayed day, or the UTC day of the run; owners' own days
	// follow their timezone.
	Date      string `json:"date"`
	Due       int    `json:"due"`
	Published int    `json:"published"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

func (h *ReminderHandlers) dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req dispatchRequest
	if !decodeJSONBody(w, r, maxDateRequestBody, &req, true) {
		return
	}
	now := h.clock()
	cmd := services.DispatchCommand{Now: now}
	day := now.UTC().Format(dates.Layout)
	if raw := strings.TrimSpace(req.Date); raw != "" {
		parsed, err := dates.ParseDate(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "date must be YYYY-MM-DD", http.StatusBadRequest))
			return
		}
		day = parsed.Format(dates.Layout)
		cmd.Day = day
	}
	result, err := h.dates.DispatchReminders(ctx, cmd)
	if err != nil {
		writeDateError(ctx, w, err)
		return
	}
	status := http.StatusOK
	if result.Failed > 0 {
		// Scheduler retries on 5xx; published reminders are deduplicated.
		status = http.StatusBadGateway
	}
	httpx.WriteJSON(w, status, dispatchResponse{
		Date:      day,
		Due:       result.Due,
		Published: result.Published,
		Skipped:   result.Skipped,
		Failed:    result.Failed,
	})
}
