package domain

import (
	"time"
)

// Occasion identifies the event a card is written for.
type Occasion string

const (
	OccasionBirthday       Occasion = "birthday"
	OccasionHoliday        Occasion = "holiday"
	OccasionThankYou       Occasion = "thank_you"
	OccasionCongratulation Occasion = "congratulations"
	OccasionGraduation     Occasion = "graduation"
	OccasionWedding        Occasion = "wedding"
	OccasionNewBaby        Occasion = "new_baby"
	OccasionGetWell        Occasion = "get_well"
	OccasionLove           Occasion = "love"
	OccasionJewishHoliday  Occasion = "jewish_holiday"
	OccasionRamadan        Occasion = "ramadan"
	OccasionChristmas      Occasion = "christmas"
	OccasionNewYear        Occasion = "new_year"
	OccasionMothersDay     Occasion = "mothers_day"
	OccasionFathersDay     Occasion = "fathers_day"
	OccasionFriendship     Occasion = "friendship"
	OccasionMissYou        Occasion = "miss_you"
	OccasionGoodLuck       Occasion = "good_luck"
	OccasionShabbatShalom  Occasion = "shabbat_shalom"
	OccasionCustom         Occasion = "custom"
)

// Vibe is the unified tone/style of a card. It drives the prompt tone, the
// background search and the default font.
type Vibe string

const (
	VibeFunny     Vibe = "funny"
	VibeCute      Vibe = "cute"
	VibeHeartfelt Vibe = "heartfelt"
	VibeFormal    Vibe = "formal"
	VibeInspiring Vibe = "inspiring"
	VibePoetic    Vibe = "poetic"
	VibeFestive   Vibe = "festive"
	VibePlayful   Vibe = "playful"
)

// RecipientType distinguishes a card for one person from a card for a group.
type RecipientType string

const (
	RecipientOne  RecipientType = "one"
	RecipientMany RecipientType = "many"
)

// TextPosition anchors the message block on the canvas.
type TextPosition string

const (
	TextPositionTop    TextPosition = "top"
	TextPositionCenter TextPosition = "center"
	TextPositionBottom TextPosition = "bottom"
)

// FontStyle is the CSS-like slant of the card font.
type FontStyle string

const (
	FontStyleNormal FontStyle = "normal"
	FontStyleItalic FontStyle = "italic"
)

// FlowMode selects the wizard step graph.
type FlowMode string

const (
	FlowModeGuided   FlowMode = "guided"
	FlowModeFreeform FlowMode = "freeform"
)

// WizardStep names a screen of the card wizard.
type WizardStep string

const (
	StepWelcome    WizardStep = "welcome"
	StepChat       WizardStep = "chat"
	StepCreate     WizardStep = "create"
	StepBackground WizardStep = "background"
	StepMessage    WizardStep = "message"
	StepPreview    WizardStep = "preview"
	StepShare      WizardStep = "share"
)

// FontConfig describes the face used for the card message.
type FontConfig struct {
	Family string
	Weight int
	Style  FontStyle
}

// ImageURLs lists the renditions of a background image.
type ImageURLs struct {
	Raw     string
	Full    string
	Regular string
	Small   string
	Thumb   string
}

// BackgroundImage is a candidate card background from stock search or image generation.
type BackgroundImage struct {
	ID              string
	URLs            ImageURLs
	AltDescription  *string
	Photographer    string
	PhotographerURL string
	Width           int
	Height          int
}

// ChatRole identifies the author of a chat turn.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleModel     ChatRole = "model"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatTurn is one message of the free-form conversation.
type ChatTurn struct {
	Role ChatRole
	Text string
}

// ChatMessage is a rendered bubble in the free-form flow.
type ChatMessage struct {
	ID        string
	Role      ChatRole
	Text      string
	CreatedAt time.Time
}

// CardReady is the structured payload the assistant emits once it has enough information.
type CardReady struct {
	Occasion  string
	Style     string
	Tone      string
	Recipient string
	Details   string
	Message   string
}

// CardData is the in-progress card held by the wizard.
type CardData struct {
	Mode             FlowMode
	Occasion         *Occasion
	RecipientType    RecipientType
	RecipientName    string
	RecipientDetails string
	Vibe             *Vibe
	IncludeQuote     bool
	FreeFormPrompt   string
	GeneratedMessage string
	EditedMessage    string
	BackgroundImage  *BackgroundImage
	BackgroundImages []BackgroundImage
	BackgroundIndex  int
	TextColor        string
	FontSize         int
	FontFamily       string
	FontWeight       int
	FontStyle        FontStyle
	TextPosition     TextPosition
}

// WizardState couples the card data with the navigation cursor.
type WizardState struct {
	Card        CardData
	CurrentStep WizardStep
	Direction   int
	// History is the raw transcript sent back to the model on each chat turn.
	History      []ChatTurn
	ChatMessages []ChatMessage
}

// CardSession is a persisted wizard run owned by a device or user.
type CardSession struct {
	ID           string
	OwnerID      string
	Language     string
	State        WizardState
	IsGenerating bool
	// GenerationStartedAt lets a stale generation flag be reclaimed after a crash.
	GenerationStartedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ExpiresAt           time.Time
}

// CardExport records a rendered card uploaded to storage.
type CardExport struct {
	ID          string
	SessionID   string
	OwnerID     string
	Bucket      string
	ObjectPath  string
	ContentType string
	Size        int64
	Width       int
	Height      int
	CreatedAt   time.Time
}

// DateType classifies an important date.
type DateType string

const (
	DateTypeBirthday    DateType = "birthday"
	DateTypeAnniversary DateType = "anniversary"
	DateTypeHoliday     DateType = "holiday"
	DateTypeCustom      DateType = "custom"
)

// ImportantDate is a reminder entry in the dates list.
type ImportantDate struct {
	ID      string
	OwnerID string
	Name    string
	// Date is a calendar date formatted as YYYY-MM-DD.
	Date      string
	Type      DateType
	Phone     string
	Recurring bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DatesProfile tracks per-owner flags for the dates feature.
type DatesProfile struct {
	OwnerID     string
	Onboarded   bool
	OnboardedAt *time.Time
	Timezone    string
}

// ReminderMessage is the SMS-style reminder sent ahead of a date.
type ReminderMessage struct {
	DateID   string
	OwnerID  string
	Phone    string
	Text     string
	SendOn   time.Time
	Occasion Occasion
}
