package dates

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"

	"github.com/PerfectlyContent/cardmaker/internal/domain"
)

const (
	// Layout is the calendar date format stored on ImportantDate.
	Layout = "2006-01-02"
	// UpcomingLimit is the number of dates shown in the upcoming list.
	UpcomingLimit = 5
	// ReminderWindowDays bounds the dates that show a reminder preview.
	ReminderWindowDays = 7
	// ReminderLeadDays is how long before a date its reminder is sent.
	ReminderLeadDays = 2
)

var (
	// ErrInvalidDate is returned for a date string that is not YYYY-MM-DD.
	ErrInvalidDate = errors.New("dates: invalid date")
	// ErrInvalidPhone is returned when a phone number cannot be canonicalised.
	ErrInvalidPhone = errors.New("dates: invalid phone number")
)

var typeEmoji = map[domain.DateType]string{
	domain.DateTypeBirthday:    "🎂",
	domain.DateTypeAnniversary: "💍",
	domain.DateTypeHoliday:     "🎉",
	domain.DateTypeCustom:      "📅",
}

var typeOccasion = map[domain.DateType]domain.Occasion{
	domain.DateTypeBirthday:    domain.OccasionBirthday,
	domain.DateTypeAnniversary: domain.OccasionWedding,
	domain.DateTypeHoliday:     domain.OccasionHoliday,
	domain.DateTypeCustom:      domain.OccasionCustom,
}

// Upcoming pairs a date with its distance from today.
type Upcoming struct {
	Date           domain.ImportantDate
	DaysUntil      int
	NextOccurrence time.Time
}

// ValidType reports whether t is a known date type.
func ValidType(t domain.DateType) bool {
	_, ok := typeEmoji[t]
	return ok
}

// DefaultRecurring returns whether a new date of type t repeats every year.
func DefaultRecurring(t domain.DateType) bool {
	return t != domain.DateTypeCustom
}

// Emoji returns the icon shown for a date type.
func Emoji(t domain.DateType) string {
	if e, ok := typeEmoji[t]; ok {
		return e
	}
	return typeEmoji[domain.DateTypeCustom]
}

// OccasionFor maps a date type to the card occasion used by "create a card".
func OccasionFor(t domain.DateType) domain.Occasion {
	if occ, ok := typeOccasion[t]; ok {
		return occ
	}
	return domain.OccasionCustom
}

// ParseDate parses a YYYY-MM-DD string as a calendar date in UTC.
func ParseDate(value string) (time.Time, error) {
	parsed, err := time.Parse(Layout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, value)
	}
	return parsed, nil
}

// Today truncates now to its calendar date in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextOccurrence returns the next calendar date on which the date falls.
// Recurring dates use this year's anniversary if it has not passed yet, else
// next year's. time.Date normalises Feb 29 to Mar 1 in common years.
func NextOccurrence(date time.Time, recurring bool, today time.Time) time.Time {
	date = civil(date)
	today = civil(today)
	if !recurring {
		return date
	}
	thisYear := time.Date(today.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	if !thisYear.Before(today) {
		return thisYear
	}
	return time.Date(today.Year()+1, date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysUntil counts calendar days until the next occurrence. Non-recurring
// dates in the past yield a negative count.
func DaysUntil(date time.Time, recurring bool, today time.Time) int {
	next := NextOccurrence(date, recurring, today)
	return daysBetween(civil(today), next)
}

// Describe computes the upcoming view of a single stored date.
func Describe(d domain.ImportantDate, today time.Time) (Upcoming, error) {
	parsed, err := ParseDate(d.Date)
	if err != nil {
		return Upcoming{}, err
	}
	return Upcoming{
		Date:           d,
		DaysUntil:      DaysUntil(parsed, d.Recurring, today),
		NextOccurrence: NextOccurrence(parsed, d.Recurring, today),
	}, nil
}

// UpcomingDates keeps dates that are today or later, nearest first, capped at limit.
// Unparseable dates are skipped.
func UpcomingDates(list []domain.ImportantDate, today time.Time, limit int) []Upcoming {
	out := make([]Upcoming, 0, len(list))
	for _, d := range list {
		u, err := Describe(d, today)
		if err != nil || u.DaysUntil < 0 {
			continue
		}
		out = append(out, u)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DaysUntil != out[j].DaysUntil {
			return out[i].DaysUntil < out[j].DaysUntil
		}
		return out[i].Date.Name < out[j].Date.Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ReminderCandidates returns the dates between one and seven days away.
func ReminderCandidates(list []domain.ImportantDate, today time.Time) []Upcoming {
	all := UpcomingDates(list, today, 0)
	out := make([]Upcoming, 0, len(all))
	for _, u := range all {
		if u.DaysUntil > 0 && u.DaysUntil <= ReminderWindowDays {
			out = append(out, u)
		}
	}
	return out
}

// Reminder builds the SMS reminder for a date. It is sent two days before the
// next occurrence.
func Reminder(d domain.ImportantDate, today time.Time) (domain.ReminderMessage, error) {
	parsed, err := ParseDate(d.Date)
	if err != nil {
		return domain.ReminderMessage{}, err
	}
	next := NextOccurrence(parsed, d.Recurring, today)
	return domain.ReminderMessage{
		DateID:   d.ID,
		OwnerID:  d.OwnerID,
		Phone:    d.Phone,
		Text:     ReminderText(d),
		SendOn:   next.AddDate(0, 0, -ReminderLeadDays),
		Occasion: OccasionFor(d.Type),
	}, nil
}

// ReminderText renders the reminder body.
func ReminderText(d domain.ImportantDate) string {
	label := "special day"
	switch d.Type {
	case domain.DateTypeBirthday:
		label = "birthday"
	case domain.DateTypeAnniversary:
		label = "anniversary"
	}
	return fmt.Sprintf("Hey! %s's %s is in %d days %s Don't forget to create a card for them!", d.Name, label, ReminderLeadDays, Emoji(d.Type))
}

// DueReminders returns the reminders whose send date is today.
func DueReminders(list []domain.ImportantDate, today time.Time) []domain.ReminderMessage {
	today = civil(today)
	var out []domain.ReminderMessage
	for _, d := range list {
		msg, err := Reminder(d, today)
		if err != nil {
			continue
		}
		if msg.SendOn.Equal(today) {
			out = append(out, msg)
		}
	}
	return out
}

// MonthEvents returns the days of month that hold a next occurrence.
func MonthEvents(list []domain.ImportantDate, year int, month time.Month, today time.Time) []int {
	seen := make(map[int]struct{})
	for _, d := range list {
		parsed, err := ParseDate(d.Date)
		if err != nil {
			continue
		}
		next := NextOccurrence(parsed, d.Recurring, today)
		if next.Year() == year && next.Month() == month {
			seen[next.Day()] = struct{}{}
		}
	}
	days := make([]int, 0, len(seen))
	for day := range seen {
		days = append(days, day)
	}
	sort.Ints(days)
	return days
}

// CanonicalPhone validates a phone number and formats it as E.164.
func CanonicalPhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	parsed, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidPhone, raw, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
