package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
	"github.com/PerfectlyContent/cardmaker/internal/services"
)

type stubDateService struct {
	views     []services.DateView
	date      services.ImportantDate
	calendar  services.CalendarMonth
	onboarded bool
	profile   services.DatesProfile
	session   services.CardSession
	dispatch  services.DispatchResult
	err       error

	added       services.AddDateCommand
	updated     services.UpdateDateCommand
	removed     string
	calYear     int
	calMonth    time.Month
	onboard     services.OnboardCommand
	dispatchCmd services.DispatchCommand
}

func (s *stubDateService) List(context.Context, string) ([]services.DateView, error) {
	return s.views, s.err
}

func (s *stubDateService) Add(_ context.Context, cmd services.AddDateCommand) (services.ImportantDate, error) {
	s.added = cmd
	return s.date, s.err
}

func (s *stubDateService) Update(_ context.Context, cmd services.UpdateDateCommand) (services.ImportantDate, error) {
	s.updated = cmd
	return s.date, s.err
}

func (s *stubDateService) Remove(_ context.Context, _ string, dateID string) error {
	s.removed = dateID
	return s.err
}

func (s *stubDateService) Upcoming(context.Context, string) ([]services.DateView, error) {
	return s.views, s.err
}

func (s *stubDateService) Calendar(_ context.Context, _ string, year int, month time.Month) (services.CalendarMonth, error) {
	s.calYear, s.calMonth = year, month
	return s.calendar, s.err
}

func (s *stubDateService) Onboarded(context.Context, string) (bool, error) {
	return s.onboarded, s.err
}

func (s *stubDateService) MarkOnboarded(_ context.Context, cmd services.OnboardCommand) (services.DatesProfile, error) {
	s.onboard = cmd
	return s.profile, s.err
}

func (s *stubDateService) StartCardFromDate(context.Context, string, string) (services.CardSession, error) {
	return s.session, s.err
}

func (s *stubDateService) DispatchReminders(_ context.Context, cmd services.DispatchCommand) (services.DispatchResult, error) {
	s.dispatchCmd = cmd
	return s.dispatch, s.err
}

var _ services.DateService = (*stubDateService)(nil)

var datesNow = time.Date(2025, time.March, 6, 9, 30, 0, 0, time.UTC)

func newDateRouter(svc services.DateService) http.Handler {
	r := chi.NewRouter()
	r.Use(auth.NewOwnerResolver().RequireOwner())
	NewDateHandlers(svc, func() time.Time { return datesNow }).Routes(r)
	return r
}

func sampleDate() services.ImportantDate {
	return services.ImportantDate{
		ID:        "01J0DATE01",
		OwnerID:   "device:" + testDeviceID,
		Name:      "Maya",
		Date:      "1990-03-10",
		Type:      domain.DateTypeBirthday,
		Phone:     "+16502530000",
		Recurring: true,
		CreatedAt: datesNow,
		UpdatedAt: datesNow,
	}
}

func TestDateHandlersList(t *testing.T) {
	svc := &stubDateService{views: []services.DateView{{
		Date:           sampleDate(),
		NextOccurrence: time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC),
		DaysUntil:      4,
		Emoji:          "🎂",
		Reminder: &domain.ReminderMessage{
			Text:   "Hey! Maya's birthday is in 2 days 🎂 Don't forget to create a card for them!",
			SendOn: time.Date(2025, time.March, 8, 0, 0, 0, 0, time.UTC),
		},
	}}}
	router := newDateRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodGet, "/dates", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body dateListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Items) != 1 {
		t.Fatalf("expected one item, got %d", len(body.Items))
	}
	item := body.Items[0]
	if item.Name != "Maya" || item.NextOccurrence != "2025-03-10" || item.DaysUntil != 4 {
		t.Fatalf("unexpected item %+v", item)
	}
	if item.Reminder == nil || item.Reminder.SendOn != "2025-03-08" {
		t.Fatalf("expected reminder preview, got %+v", item.Reminder)
	}
}

func TestDateHandlersAdd(t *testing.T) {
	svc := &stubDateService{date: sampleDate()}
	router := newDateRouter(svc)

	body := `{"name":"Maya","date":"1990-03-10","type":"birthday","phone":"(650) 253-0000"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodPost, "/dates", body))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.added.OwnerID != "device:"+testDeviceID || svc.added.Type != domain.DateTypeBirthday {
		t.Fatalf("unexpected add command %+v", svc.added)
	}
	if svc.added.Recurring != nil {
		t.Fatalf("expected recurring to default in the service")
	}
	var resp dateResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Phone != "+16502530000" {
		t.Fatalf("expected canonical phone, got %q", resp.Phone)
	}
}

func TestDateHandlersUpdateAndRemove(t *testing.T) {
	svc := &stubDateService{date: sampleDate()}
	router := newDateRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodPatch, "/dates/01J0DATE01", `{"type":"anniversary","recurring":false}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.updated.DateID != "01J0DATE01" || svc.updated.Type == nil || *svc.updated.Type != domain.DateTypeAnniversary {
		t.Fatalf("unexpected update command %+v", svc.updated)
	}
	if svc.updated.Recurring == nil || *svc.updated.Recurring {
		t.Fatalf("expected recurring=false")
	}
	if svc.updated.Name != nil {
		t.Fatalf("expected name untouched")
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodDelete, "/dates/01J0DATE01", ""))
	if rr.Code != http.StatusNoContent || svc.removed != "01J0DATE01" {
		t.Fatalf("expected 204 and removal, got %d %q", rr.Code, svc.removed)
	}
}

func TestDateHandlersErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: phone", services.ErrDateInvalidInput), http.StatusBadRequest},
		{services.ErrDateNotFound, http.StatusNotFound},
		{services.ErrDateRepositoryUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		router := newDateRouter(&stubDateService{err: tc.err})
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, ownerRequest(http.MethodPost, "/dates", `{"name":"x"}`))
		if rr.Code != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, rr.Code)
		}
	}
}

func TestDateHandlersCalendar(t *testing.T) {
	svc := &stubDateService{calendar: services.CalendarMonth{Year: 2025, Month: time.March, EventDays: []int{10, 21}}}
	router := newDateRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodGet, "/dates/calendar", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if svc.calYear != 2025 || svc.calMonth != time.March {
		t.Fatalf("expected current month by default, got %d-%d", svc.calYear, svc.calMonth)
	}
	var body calendarResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.EventDays) != 2 || body.EventDays[0] != 10 {
		t.Fatalf("unexpected event days %v", body.EventDays)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodGet, "/dates/calendar?year=2026&month=2", ""))
	if svc.calYear != 2026 || svc.calMonth != time.February {
		t.Fatalf("expected explicit month, got %d-%d", svc.calYear, svc.calMonth)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodGet, "/dates/calendar?month=march", ""))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestDateHandlersOnboarding(t *testing.T) {
	at := datesNow
	svc := &stubDateService{profile: services.DatesProfile{Onboarded: true, OnboardedAt: &at}}
	router := newDateRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodGet, "/dates/onboarding", ""))
	var body onboardingResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Onboarded {
		t.Fatalf("expected not onboarded")
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodPost, "/dates/onboarding", ""))
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Onboarded || body.OnboardedAt == "" {
		t.Fatalf("expected onboarded with timestamp, got %+v", body)
	}
	if svc.onboard.Timezone != "" {
		t.Fatalf("expected no timezone without a body, got %q", svc.onboard.Timezone)
	}
}

func TestDateHandlersOnboardingTimezone(t *testing.T) {
	at := datesNow
	svc := &stubDateService{profile: services.DatesProfile{Onboarded: true, OnboardedAt: &at, Timezone: "Asia/Jerusalem"}}
	router := newDateRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodPost, "/dates/onboarding", `{"timezone":"Asia/Jerusalem"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if svc.onboard.OwnerID != "device:"+testDeviceID || svc.onboard.Timezone != "Asia/Jerusalem" {
		t.Fatalf("unexpected onboard command %+v", svc.onboard)
	}
	var body onboardingResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Timezone != "Asia/Jerusalem" {
		t.Fatalf("expected timezone echoed, got %+v", body)
	}

	svc.err = fmt.Errorf("%w: unknown timezone", services.ErrDateInvalidInput)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodPost, "/dates/onboarding", `{"timezone":"Mars/Olympus"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a rejected timezone, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodPost, "/dates/onboarding", `{"timezone":`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed JSON, got %d", rr.Code)
	}
}

func TestDateHandlersStartCard(t *testing.T) {
	svc := &stubDateService{session: sampleSession()}
	router := newDateRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, ownerRequest(http.MethodPost, "/dates/01J0DATE01/card", ""))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rr.Code)
	}
	var body sessionResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Card.RecipientName != "Maya" {
		t.Fatalf("expected seeded recipient, got %+v", body.Card)
	}
}

func TestReminderHandlersDispatch(t *testing.T) {
	svc := &stubDateService{dispatch: services.DispatchResult{Due: 2, Published: 1, Skipped: 1}}
	r := chi.NewRouter()
	NewReminderHandlers(svc, func() time.Time { return datesNow }).Routes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/reminders/dispatch", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body dispatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Date != "2025-03-06" || body.Published != 1 || body.Skipped != 1 {
		t.Fatalf("unexpected dispatch response %+v", body)
	}
	if !svc.dispatchCmd.Now.Equal(datesNow) || svc.dispatchCmd.Day != "" {
		t.Fatalf("expected a live run at the handler clock, got %+v", svc.dispatchCmd)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, ownerRequest(http.MethodPost, "/reminders/dispatch", `{"date":"2025-03-08"}`))
	if svc.dispatchCmd.Day != "2025-03-08" {
		t.Fatalf("expected replay date, got %+v", svc.dispatchCmd)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Date != "2025-03-08" {
		t.Fatalf("expected replay date in response, got %+v", body)
	}

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, ownerRequest(http.MethodPost, "/reminders/dispatch", `{"date":"03/08/2025"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed replay date, got %d", rr.Code)
	}

	svc.dispatch = services.DispatchResult{Due: 1, Failed: 1}
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/reminders/dispatch", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on failures so the scheduler retries, got %d", rr.Code)
	}

	svc.err = services.ErrDateNotConfigured
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/reminders/dispatch", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestCatalogHandlers(t *testing.T) {
	r := chi.NewRouter()
	NewCatalogHandlers(nil).Routes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/catalog?lang=he-IL", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body catalogResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Language != "he" || !body.RTL {
		t.Fatalf("expected hebrew rtl catalog, got %s rtl=%v", body.Language, body.RTL)
	}
	if len(body.Occasions) == 0 || body.Occasions[len(body.Occasions)-1].ID != "custom" {
		t.Fatalf("expected custom occasion last")
	}
	if len(body.Vibes) == 0 || body.Vibes[0].Font.Family == "" {
		t.Fatalf("expected vibe fonts")
	}
}
