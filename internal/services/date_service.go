package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/PerfectlyContent/cardmaker/internal/dates"
	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/platform/idempotency"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

const (
	defaultPhoneRegion = "US"
	maxDateNameLength  = 80
	reminderDedupeTTL  = 72 * time.Hour

	dateEventDispatched = "dates.reminders.dispatched"
	dateEventPublishErr = "dates.reminders.publish_failed"
)

var (
	// ErrDateInvalidInput indicates the caller provided an invalid argument.
	ErrDateInvalidInput = errors.New("dates: invalid input")
	// ErrDateNotFound indicates the date does not exist for the owner.
	ErrDateNotFound = errors.New("dates: not found")
	// ErrDateRepositoryUnavailable indicates the dates store is unavailable.
	ErrDateRepositoryUnavailable = errors.New("dates: repository unavailable")
	// ErrDateNotConfigured indicates reminder publishing is not configured.
	ErrDateNotConfigured = errors.New("dates: reminders not configured")
)

// DateServiceDeps wires dependencies for the dates service.
type DateServiceDeps struct {
	Dates     repositories.DateRepository
	Profiles  repositories.DatesProfileRepository
	Cards     CardService
	Publisher ReminderPublisher
	// Dedupe remembers reminders already published so a retried dispatch
	// does not send twice.
	Dedupe      idempotency.Store
	PhoneRegion string
	// Location is the default calendar zone for owners without a profile timezone.
	Location    *time.Location
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type dateService struct {
	dates     repositories.DateRepository
	profiles  repositories.DatesProfileRepository
	cards     CardService
	publisher ReminderPublisher
	dedupe    idempotency.Store
	region    string
	location  *time.Location
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

var _ DateService = (*dateService)(nil)

// NewDateService constructs a DateService.
func NewDateService(deps DateServiceDeps) (DateService, error) {
	if deps.Dates == nil {
		return nil, errors.New("date service: date repository is required")
	}
	if deps.Profiles == nil {
		return nil, errors.New("date service: profile repository is required")
	}
	region := strings.ToUpper(strings.TrimSpace(deps.PhoneRegion))
	if region == "" {
		region = defaultPhoneRegion
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &dateService{
		dates:     deps.Dates,
		profiles:  deps.Profiles,
		cards:     deps.Cards,
		publisher: deps.Publisher,
		dedupe:    deps.Dedupe,
		region:    region,
		location:  loc,
		clock:     clock,
		newID:     newID,
		logger:    logger,
	}, nil
}

func (s *dateService) List(ctx context.Context, ownerID string) ([]DateView, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return nil, err
	}
	list, err := s.dates.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, s.translateRepoErr(err)
	}
	today := s.today(ctx, ownerID)
	views := make([]DateView, 0, len(list))
	for _, d := range list {
		up, err := dates.Describe(d, today)
		if err != nil {
			continue
		}
		views = append(views, s.view(up, today))
	}
	return views, nil
}

func (s *dateService) Upcoming(ctx context.Context, ownerID string) ([]DateView, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return nil, err
	}
	list, err := s.dates.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, s.translateRepoErr(err)
	}
	today := s.today(ctx, ownerID)
	upcoming := dates.UpcomingDates(list, today, dates.UpcomingLimit)
	views := make([]DateView, 0, len(upcoming))
	for _, up := range upcoming {
		views = append(views, s.view(up, today))
	}
	return views, nil
}

// view attaches the reminder preview to dates inside the reminder window.
func (s *dateService) view(up dates.Upcoming, today time.Time) DateView {
	v := DateView{
		Date:           up.Date,
		NextOccurrence: up.NextOccurrence,
		DaysUntil:      up.DaysUntil,
		Emoji:          dates.Emoji(up.Date.Type),
	}
	if up.DaysUntil > 0 && up.DaysUntil <= dates.ReminderWindowDays {
		if msg, err := dates.Reminder(up.Date, today); err == nil {
			v.Reminder = &msg
		}
	}
	return v
}

func (s *dateService) Add(ctx context.Context, cmd AddDateCommand) (ImportantDate, error) {
	ownerID, err := requireOwner(cmd.OwnerID)
	if err != nil {
		return ImportantDate{}, err
	}
	recurring := dates.DefaultRecurring(cmd.Type)
	if cmd.Recurring != nil {
		recurring = *cmd.Recurring
	}
	now := s.clock().UTC()
	date := ImportantDate{
		ID:        s.newID(),
		OwnerID:   ownerID,
		Name:      cmd.Name,
		Date:      cmd.Date,
		Type:      cmd.Type,
		Phone:     cmd.Phone,
		Recurring: recurring,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.normalize(&date); err != nil {
		return ImportantDate{}, err
	}
	if err := s.dates.Insert(ctx, date); err != nil {
		return ImportantDate{}, s.translateRepoErr(err)
	}
	return date, nil
}

func (s *dateService) Update(ctx context.Context, cmd UpdateDateCommand) (ImportantDate, error) {
	ownerID, err := requireOwner(cmd.OwnerID)
	if err != nil {
		return ImportantDate{}, err
	}
	date, err := s.dates.Get(ctx, ownerID, strings.TrimSpace(cmd.DateID))
	if err != nil {
		return ImportantDate{}, s.translateRepoErr(err)
	}
	if cmd.Name != nil {
		date.Name = *cmd.Name
	}
	if cmd.Date != nil {
		date.Date = *cmd.Date
	}
	if cmd.Type != nil {
		date.Type = *cmd.Type
	}
	if cmd.Phone != nil {
		date.Phone = *cmd.Phone
	}
	if cmd.Recurring != nil {
		date.Recurring = *cmd.Recurring
	}
	if err := s.normalize(&date); err != nil {
		return ImportantDate{}, err
	}
	date.UpdatedAt = s.clock().UTC()
	if err := s.dates.Update(ctx, date); err != nil {
		return ImportantDate{}, s.translateRepoErr(err)
	}
	return date, nil
}

func (s *dateService) normalize(date *ImportantDate) error {
	date.Name = strings.TrimSpace(date.Name)
	if date.Name == "" {
		return fmt.Errorf("%w: name is required", ErrDateInvalidInput)
	}
	if len([]rune(date.Name)) > maxDateNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrDateInvalidInput, maxDateNameLength)
	}
	parsed, err := dates.ParseDate(date.Date)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDateInvalidInput, err)
	}
	date.Date = parsed.Format(dates.Layout)
	if !dates.ValidType(date.Type) {
		return fmt.Errorf("%w: unknown date type %q", ErrDateInvalidInput, date.Type)
	}
	phone, err := dates.CanonicalPhone(date.Phone, s.region)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDateInvalidInput, err)
	}
	date.Phone = phone
	return nil
}

func (s *dateService) Remove(ctx context.Context, ownerID, dateID string) error {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return err
	}
	if err := s.dates.Delete(ctx, ownerID, strings.TrimSpace(dateID)); err != nil {
		return s.translateRepoErr(err)
	}
	return nil
}

func (s *dateService) Calendar(ctx context.Context, ownerID string, year int, month time.Month) (CalendarMonth, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return CalendarMonth{}, err
	}
	if month < time.January || month > time.December {
		return CalendarMonth{}, fmt.Errorf("%w: month %d", ErrDateInvalidInput, month)
	}
	if year < 1 || year > 9999 {
		return CalendarMonth{}, fmt.Errorf("%w: year %d", ErrDateInvalidInput, year)
	}
	list, err := s.dates.ListByOwner(ctx, ownerID)
	if err != nil {
		return CalendarMonth{}, s.translateRepoErr(err)
	}
	return CalendarMonth{
		Year:      year,
		Month:     month,
		EventDays: dates.MonthEvents(list, year, month, s.today(ctx, ownerID)),
	}, nil
}

func (s *dateService) Onboarded(ctx context.Context, ownerID string) (bool, error) {
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return false, err
	}
	profile, err := s.profiles.Get(ctx, ownerID)
	if err != nil {
		if repositories.IsNotFound(err) {
			return false, nil
		}
		return false, s.translateRepoErr(err)
	}
	return profile.Onboarded, nil
}

// MarkOnboarded records the onboarding flag once. A timezone on a later call
// still replaces the stored one.
func (s *dateService) MarkOnboarded(ctx context.Context, cmd OnboardCommand) (DatesProfile, error) {
	ownerID, err := requireOwner(cmd.OwnerID)
	if err != nil {
		return DatesProfile{}, err
	}
	tz, err := validTimezone(cmd.Timezone)
	if err != nil {
		return DatesProfile{}, err
	}
	profile, err := s.profiles.Get(ctx, ownerID)
	if err != nil {
		if !repositories.IsNotFound(err) {
			return DatesProfile{}, s.translateRepoErr(err)
		}
		profile = DatesProfile{OwnerID: ownerID}
	}
	if profile.Onboarded && (tz == "" || tz == profile.Timezone) {
		return profile, nil
	}
	if !profile.Onboarded {
		now := s.clock().UTC()
		profile.Onboarded = true
		profile.OnboardedAt = &now
	}
	if tz != "" {
		profile.Timezone = tz
	}
	if err := s.profiles.Save(ctx, profile); err != nil {
		return DatesProfile{}, s.translateRepoErr(err)
	}
	return profile, nil
}

// validTimezone accepts IANA names only; "Local" would mean the server zone.
func validTimezone(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil
	}
	if name == "Local" {
		return "", fmt.Errorf("%w: timezone %q", ErrDateInvalidInput, name)
	}
	if _, err := time.LoadLocation(name); err != nil {
		return "", fmt.Errorf("%w: timezone %q", ErrDateInvalidInput, name)
	}
	return name, nil
}

func (s *dateService) StartCardFromDate(ctx context.Context, ownerID, dateID string) (CardSession, error) {
	if s.cards == nil {
		return CardSession{}, fmt.Errorf("%w: card service", ErrDateNotConfigured)
	}
	ownerID, err := requireOwner(ownerID)
	if err != nil {
		return CardSession{}, err
	}
	date, err := s.dates.Get(ctx, ownerID, strings.TrimSpace(dateID))
	if err != nil {
		return CardSession{}, s.translateRepoErr(err)
	}
	return s.cards.CreateSession(ctx, CreateSessionCommand{
		OwnerID: ownerID,
		Seed: &SessionSeed{
			Occasion:      dates.OccasionFor(date.Type),
			RecipientName: date.Name,
		},
	})
}

// DispatchReminders publishes every reminder whose send date is the owner's
// current day, or cmd.Day when replaying. Dates without a phone are skipped.
// A reminder is published at most once per send date when a dedupe store is
// configured.
func (s *dateService) DispatchReminders(ctx context.Context, cmd DispatchCommand) (DispatchResult, error) {
	if s.publisher == nil {
		return DispatchResult{}, ErrDateNotConfigured
	}
	now := cmd.Now
	if now.IsZero() {
		now = s.clock()
	}
	var replay time.Time
	if day := strings.TrimSpace(cmd.Day); day != "" {
		parsed, err := dates.ParseDate(day)
		if err != nil {
			return DispatchResult{}, fmt.Errorf("%w: %v", ErrDateInvalidInput, err)
		}
		replay = parsed
	}

	list, err := s.dates.ListAll(ctx)
	if err != nil {
		return DispatchResult{}, s.translateRepoErr(err)
	}
	byOwner := make(map[string][]ImportantDate)
	var owners []string
	for _, d := range list {
		if _, seen := byOwner[d.OwnerID]; !seen {
			owners = append(owners, d.OwnerID)
		}
		byOwner[d.OwnerID] = append(byOwner[d.OwnerID], d)
	}

	var due []domain.ReminderMessage
	for _, owner := range owners {
		day := replay
		if day.IsZero() {
			day = dates.Today(now, s.ownerLocation(ctx, owner))
		}
		due = append(due, dates.DueReminders(byOwner[owner], day)...)
	}

	result := DispatchResult{Due: len(due)}
	for _, reminder := range due {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if reminder.Phone == "" {
			result.Skipped++
			continue
		}
		published, err := s.publishOnce(ctx, reminder)
		switch {
		case err != nil:
			result.Failed++
			s.logger(ctx, dateEventPublishErr, map[string]any{
				"dateId":  reminder.DateID,
				"ownerId": reminder.OwnerID,
				"error":   err.Error(),
			})
		case published:
			result.Published++
		default:
			result.Skipped++
		}
	}
	fields := map[string]any{
		"at":        now.UTC().Format(time.RFC3339),
		"owners":    len(owners),
		"due":       result.Due,
		"published": result.Published,
		"skipped":   result.Skipped,
		"failed":    result.Failed,
	}
	if !replay.IsZero() {
		fields["replay"] = replay.Format(dates.Layout)
	}
	s.logger(ctx, dateEventDispatched, fields)
	return result, nil
}

func (s *dateService) publishOnce(ctx context.Context, reminder domain.ReminderMessage) (bool, error) {
	sendOn := reminder.SendOn.Format(dates.Layout)
	msg := ReminderJobMessage{
		OwnerID:  reminder.OwnerID,
		DateID:   reminder.DateID,
		Phone:    reminder.Phone,
		Text:     reminder.Text,
		SendOn:   sendOn,
		Occasion: string(reminder.Occasion),
	}
	if s.dedupe == nil {
		if _, err := s.publisher.PublishReminder(ctx, msg); err != nil {
			return false, err
		}
		return true, nil
	}

	key := "reminder:" + reminder.DateID + ":" + sendOn
	fingerprint := reminder.OwnerID
	now := s.clock().UTC()
	reservation, err := s.dedupe.Reserve(ctx, key, fingerprint, now, reminderDedupeTTL)
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", key, err)
	}
	if reservation.State != idempotency.ReservationStateNew {
		return false, nil
	}
	id, err := s.publisher.PublishReminder(ctx, msg)
	if err != nil {
		_ = s.dedupe.Release(context.WithoutCancel(ctx), key, fingerprint)
		return false, err
	}
	if err := s.dedupe.SaveResponse(ctx, key, fingerprint, idempotency.Response{Status: 200, Body: []byte(id)}, now, reminderDedupeTTL); err != nil {
		// Published already; a failed save only weakens the dedupe.
		s.logger(ctx, dateEventPublishErr, map[string]any{
			"dateId": reminder.DateID,
			"error":  err.Error(),
			"stage":  "dedupe",
		})
	}
	return true, nil
}

// today resolves the owner's calendar date.
func (s *dateService) today(ctx context.Context, ownerID string) time.Time {
	return dates.Today(s.clock(), s.ownerLocation(ctx, ownerID))
}

// ownerLocation is the profile timezone, or the service default when the
// owner has none or it no longer loads.
func (s *dateService) ownerLocation(ctx context.Context, ownerID string) *time.Location {
	profile, err := s.profiles.Get(ctx, ownerID)
	if err != nil || profile.Timezone == "" {
		return s.location
	}
	tz, err := time.LoadLocation(profile.Timezone)
	if err != nil {
		return s.location
	}
	return tz
}

func (s *dateService) translateRepoErr(err error) error {
	switch {
	case repositories.IsNotFound(err):
		return ErrDateNotFound
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrDateInvalidInput, err)
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrDateRepositoryUnavailable, err)
	default:
		return fmt.Errorf("dates: repository: %w", err)
	}
}

func requireOwner(ownerID string) (string, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner id is required", ErrDateInvalidInput)
	}
	return ownerID, nil
}
