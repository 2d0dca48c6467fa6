package services

import (
	"context"
	"image"
	"time"

	"github.com/PerfectlyContent/cardmaker/internal/compose"
	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/platform/storage"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	CardSession        = domain.CardSession
	CardExport         = domain.CardExport
	ImportantDate      = domain.ImportantDate
	DatesProfile       = domain.DatesProfile
	SystemHealthReport = domain.SystemHealthReport
)

// CardService drives server-side wizard sessions. Every call is scoped to the
// owner; another owner's session reads as not found.
type CardService interface {
	CreateSession(ctx context.Context, cmd CreateSessionCommand) (CardSession, error)
	GetSession(ctx context.Context, ownerID, sessionID string) (CardSession, error)
	UpdateSession(ctx context.Context, cmd UpdateSessionCommand) (CardSession, error)
	Navigate(ctx context.Context, ownerID, sessionID, action string) (CardSession, error)
	GenerateMessage(ctx context.Context, ownerID, sessionID string) (CardSession, error)
	Chat(ctx context.Context, ownerID, sessionID, message string) (ChatResult, error)
	SearchBackgrounds(ctx context.Context, ownerID, sessionID, rawQuery string) (CardSession, error)
	GenerateBackground(ctx context.Context, ownerID, sessionID, prompt string) (CardSession, error)
	SelectBackground(ctx context.Context, ownerID, sessionID string, index int) (CardSession, error)
	SwipeBackground(ctx context.Context, ownerID, sessionID string, delta int) (CardSession, error)
	Preview(ctx context.Context, ownerID, sessionID string, viewport compose.Viewport) (image.Image, error)
	Export(ctx context.Context, ownerID, sessionID string) (ExportResult, error)
	DeleteSession(ctx context.Context, ownerID, sessionID string) error
	PurgeExpired(ctx context.Context, limit int) (int, error)
}

// ExportService rasterizes cards and hands back either a signed URL or the PNG.
type ExportService interface {
	ExportCard(ctx context.Context, session CardSession) (ExportResult, error)
	GetExport(ctx context.Context, ownerID, exportID string) (ExportResult, error)
	StoreBackground(ctx context.Context, session CardSession, dataURL string) (string, error)
	SignBackground(ctx context.Context, session CardSession, ref string) (string, error)
}

// DateService manages the per-owner important dates list and reminders.
type DateService interface {
	List(ctx context.Context, ownerID string) ([]DateView, error)
	Add(ctx context.Context, cmd AddDateCommand) (ImportantDate, error)
	Update(ctx context.Context, cmd UpdateDateCommand) (ImportantDate, error)
	Remove(ctx context.Context, ownerID, dateID string) error
	Upcoming(ctx context.Context, ownerID string) ([]DateView, error)
	Calendar(ctx context.Context, ownerID string, year int, month time.Month) (CalendarMonth, error)
	Onboarded(ctx context.Context, ownerID string) (bool, error)
	MarkOnboarded(ctx context.Context, cmd OnboardCommand) (DatesProfile, error)
	StartCardFromDate(ctx context.Context, ownerID, dateID string) (CardSession, error)
	DispatchReminders(ctx context.Context, cmd DispatchCommand) (DispatchResult, error)
}

// SystemService exposes health information for probes.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// ReminderPublisher delivers reminder jobs to the SMS fan-out.
type ReminderPublisher interface {
	PublishReminder(ctx context.Context, message ReminderJobMessage) (string, error)
}

// CardRenderer rasterizes card data. compose.Renderer satisfies it.
type CardRenderer interface {
	Export(ctx context.Context, card domain.CardData) ([]byte, error)
	Preview(ctx context.Context, card domain.CardData, vp compose.Viewport) (image.Image, error)
}

// ObjectUploader writes export bytes to object storage.
type ObjectUploader interface {
	Upload(ctx context.Context, bucket, object string, data []byte, opts storage.UploadOptions) error
}

// DownloadURLSigner issues signed read URLs for stored exports.
type DownloadURLSigner interface {
	SignedDownloadURL(ctx context.Context, bucket, object string, opts storage.DownloadOptions) (storage.SignedURLResult, error)
}

// CreateSessionCommand starts a wizard run.
type CreateSessionCommand struct {
	OwnerID  string
	Language string
	Mode     domain.FlowMode
	// Seed pre-fills the card, used when a session starts from a saved date.
	Seed *SessionSeed
}

// SessionSeed pre-fills a guided session.
type SessionSeed struct {
	Occasion      domain.Occasion
	RecipientName string
}

// UpdateSessionCommand applies a partial card patch. Nil fields are left alone.
type UpdateSessionCommand struct {
	OwnerID          string
	SessionID        string
	Language         *string
	Occasion         *domain.Occasion
	RecipientType    *domain.RecipientType
	RecipientName    *string
	RecipientDetails *string
	Vibe             *domain.Vibe
	IncludeQuote     *bool
	FreeFormPrompt   *string
	EditedMessage    *string
	TextColor        *string
	FontSize         *int
	FontFamily       *string
	FontWeight       *int
	FontStyle        *domain.FontStyle
	TextPosition     *domain.TextPosition
}

// ChatResult is the outcome of one free-form chat turn.
type ChatResult struct {
	Reply   string
	Ready   bool
	Session CardSession
}

// ExportResult describes a rendered card. URL is set when the PNG was
// uploaded; otherwise PNG carries the bytes.
type ExportResult struct {
	Export    *CardExport
	URL       string
	ExpiresAt time.Time
	PNG       []byte
	Share     ShareInfo
}

// ShareInfo is the metadata used by the client share sheet and its fallbacks.
type ShareInfo struct {
	FileName    string
	Title       string
	Text        string
	WhatsAppURL string
	EmailURL    string
}

// AddDateCommand creates an important date.
type AddDateCommand struct {
	OwnerID   string
	Name      string
	Date      string
	Type      domain.DateType
	Phone     string
	Recurring *bool
}

// UpdateDateCommand patches an important date. Nil fields are left alone.
type UpdateDateCommand struct {
	OwnerID   string
	DateID    string
	Name      *string
	Date      *string
	Type      *domain.DateType
	Phone     *string
	Recurring *bool
}

// DateView pairs a date with its computed next occurrence.
type DateView struct {
	Date           ImportantDate
	NextOccurrence time.Time
	DaysUntil      int
	Emoji          string
	Reminder       *domain.ReminderMessage
}

// CalendarMonth is the mini-calendar payload.
type CalendarMonth struct {
	Year      int
	Month     time.Month
	EventDays []int
}

// OnboardCommand marks the dates feature seen. A non-empty Timezone is an
// IANA zone name and becomes the owner's calendar zone.
type OnboardCommand struct {
	OwnerID  string
	Timezone string
}

// DispatchCommand selects the day reminders are sent for. Without Day, each
// owner's day is Now in their profile zone; Day replays one calendar date
// for every owner.
type DispatchCommand struct {
	Now time.Time
	Day string
}

// DispatchResult summarises a reminder dispatch run.
type DispatchResult struct {
	Due       int
	Published int
	Skipped   int
	Failed    int
}

// ReminderJobMessage is the Pub/Sub payload consumed by the SMS sender.
type ReminderJobMessage struct {
	OwnerID  string `json:"ownerId"`
	DateID   string `json:"dateId"`
	Phone    string `json:"phone"`
	Text     string `json:"text"`
	SendOn   string `json:"sendOn"`
	Occasion string `json:"occasion"`
}
