package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
	"github.com/PerfectlyContent/cardmaker/internal/services"
)

const maxDateRequestBody = 16 * 1024

// DateHandlers exposes the important-dates list, calendar and onboarding flag.
type DateHandlers struct {
	dates services.DateService
	clock func() time.Time
}

// NewDateHandlers constructs date handlers.
func NewDateHandlers(dates services.DateService, clock func() time.Time) *DateHandlers {
	if clock == nil {
		clock = time.Now
	}
	return &DateHandlers{dates: dates, clock: clock}
}

// Routes registers the /dates endpoints.
func (h *DateHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/dates", func(dr chi.Router) {
		dr.Get("/", h.listDates)
		dr.Post("/", h.addDate)
		dr.Get("/upcoming", h.upcoming)
		dr.Get("/calendar", h.calendar)
		dr.Get("/onboarding", h.onboarding)
		dr.Post("/onboarding", h.markOnboarded)
		dr.Patch("/{dateID}", h.updateDate)
		dr.Delete("/{dateID}", h.removeDate)
		dr.Post("/{dateID}/card", h.startCard)
	})
}

type dateRequest struct {
	Name      *string `json:"name"`
	Date      *string `json:"date"`
	Type      *string `json:"type"`
	Phone     *string `json:"phone"`
	Recurring *bool   `json:"recurring"`
}

type dateResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Date      string `json:"date"`
	Type      string `json:"type"`
	Phone     string `json:"phone,omitempty"`
	Recurring bool   `json:"recurring"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

type reminderResponse struct {
	Text   string `json:"text"`
	SendOn string `json:"sendOn"`
}

type dateViewResponse struct {
	dateResponse
	NextOccurrence string            `json:"nextOccurrence"`
	DaysUntil      int               `json:"daysUntil"`
	Emoji          string            `json:"emoji"`
	Reminder       *reminderResponse `json:"reminder,omitempty"`
}

type dateListResponse struct {
	Items []dateViewResponse `json:"items"`
}

func (h *DateHandlers) listDates(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	views, err := h.dates.List(r.Context(), ownerID)
	if err != nil {
		writeDateError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDateListResponse(views))
}

func (h *DateHandlers) upcoming(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	views, err := h.dates.Upcoming(r.Context(), ownerID)
	if err != nil {
		writeDateError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDateListResponse(views))
}

func (h *DateHandlers) addDate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req dateRequest
	if !decodeJSONBody(w, r, maxDateRequestBody, &req, false) {
		return
	}
	cmd := services.AddDateCommand{
		OwnerID:   ownerID,
		Name:      derefString(req.Name),
		Date:      derefString(req.Date),
		Type:      domain.DateType(strings.TrimSpace(derefString(req.Type))),
		Phone:     derefString(req.Phone),
		Recurring: req.Recurring,
	}
	date, err := h.dates.Add(r.Context(), cmd)
	if err != nil {
		writeDateError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toDateResponse(date))
}

func (h *DateHandlers) updateDate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req dateRequest
	if !decodeJSONBody(w, r, maxDateRequestBody, &req, false) {
		return
	}
	cmd := services.UpdateDateCommand{
		OwnerID:   ownerID,
		DateID:    chi.URLParam(r, "dateID"),
		Name:      req.Name,
		Date:      req.Date,
		Phone:     req.Phone,
		Recurring: req.Recurring,
	}
	if req.Type != nil {
		t := domain.DateType(strings.TrimSpace(*req.Type))
		cmd.Type = &t
	}
	date, err := h.dates.Update(r.Context(), cmd)
	if err != nil {
		writeDateError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toDateResponse(date))
}

func (h *DateHandlers) removeDate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	if err := h.dates.Remove(r.Context(), ownerID, chi.URLParam(r, "dateID")); err != nil {
		writeDateError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type calendarResponse struct {
	Year      int   `json:"year"`
	Month     int   `json:"month"`
	EventDays []int `json:"eventDays"`
}

func (h *DateHandlers) calendar(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	now := h.clock()
	year, month := now.Year(), int(now.Month())
	var err error
	if raw := strings.TrimSpace(r.URL.Query().Get("year")); raw != "" {
		if year, err = strconv.Atoi(raw); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "year must be an integer", http.StatusBadRequest))
			return
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("month")); raw != "" {
		if month, err = strconv.Atoi(raw); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "month must be an integer", http.StatusBadRequest))
			return
		}
	}
	cal, err := h.dates.Calendar(ctx, ownerID, year, time.Month(month))
	if err != nil {
		writeDateError(ctx, w, err)
		return
	}
	days := cal.EventDays
	if days == nil {
		days = []int{}
	}
	httpx.WriteJSON(w, http.StatusOK, calendarResponse{Year: cal.Year, Month: int(cal.Month), EventDays: days})
}

type onboardingRequest struct {
	Timezone string `json:"timezone"`
}

type onboardingResponse struct {
	Onboarded   bool   `json:"onboarded"`
	OnboardedAt string `json:"onboardedAt,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

func (h *DateHandlers) onboarding(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	onboarded, err := h.dates.Onboarded(r.Context(), ownerID)
	if err != nil {
		writeDateError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, onboardingResponse{Onboarded: onboarded})
}

func (h *DateHandlers) markOnboarded(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req onboardingRequest
	if !decodeJSONBody(w, r, maxDateRequestBody, &req, true) {
		return
	}
	profile, err := h.dates.MarkOnboarded(r.Context(), services.OnboardCommand{
		OwnerID:  ownerID,
		Timezone: req.Timezone,
	})
	if err != nil {
		writeDateError(r.Context(), w, err)
		return
	}
	resp := onboardingResponse{Onboarded: profile.Onboarded, Timezone: profile.Timezone}
	if profile.OnboardedAt != nil {
		resp.OnboardedAt = formatTime(*profile.OnboardedAt)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *DateHandlers) startCard(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	session, err := h.dates.StartCardFromDate(r.Context(), ownerID, chi.URLParam(r, "dateID"))
	if err != nil {
		writeDateError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toSessionResponse(session))
}

func toDateListResponse(views []services.DateView) dateListResponse {
	items := make([]dateViewResponse, 0, len(views))
	for _, v := range views {
		item := dateViewResponse{
			dateResponse:   toDateResponse(v.Date),
			NextOccurrence: v.NextOccurrence.Format("2006-01-02"),
			DaysUntil:      v.DaysUntil,
			Emoji:          v.Emoji,
		}
		if v.Reminder != nil {
			item.Reminder = &reminderResponse{
				Text:   v.Reminder.Text,
				SendOn: v.Reminder.SendOn.Format("2006-01-02"),
			}
		}
		items = append(items, item)
	}
	return dateListResponse{Items: items}
}

func toDateResponse(d services.ImportantDate) dateResponse {
	return dateResponse{
		ID:        d.ID,
		Name:      d.Name,
		Date:      d.Date,
		Type:      string(d.Type),
		Phone:     d.Phone,
		Recurring: d.Recurring,
		CreatedAt: formatTime(d.CreatedAt),
		UpdatedAt: formatTime(d.UpdatedAt),
	}
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func writeDateError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrDateInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrDateNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("date_not_found", "date not found", http.StatusNotFound))
	case errors.Is(err, services.ErrDateRepositoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("dates_unavailable", "dates store unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrDateNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("reminders_not_configured", err.Error(), http.StatusServiceUnavailable))
	default:
		writeCardError(ctx, w, err)
	}
}
