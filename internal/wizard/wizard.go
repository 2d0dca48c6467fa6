package wizard

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PerfectlyContent/cardmaker/internal/catalog"
	"github.com/PerfectlyContent/cardmaker/internal/domain"
)

const (
	DefaultTextColor  = "#FFFFFF"
	DefaultFontSize   = 32
	DefaultFontFamily = "Noto Sans"
	DefaultFontWeight = 400
	MinFontSize       = 12
	MaxFontSize       = 96
)

// ErrInvalidInput reports a setter value outside the wizard vocabulary.
var ErrInvalidInput = errors.New("wizard: invalid input")

var (
	guidedSteps   = []domain.WizardStep{domain.StepWelcome, domain.StepCreate, domain.StepBackground, domain.StepMessage, domain.StepShare}
	freeformSteps = []domain.WizardStep{domain.StepWelcome, domain.StepChat, domain.StepShare}

	hexColor = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// Wizard applies state transitions against a catalog. It holds no per-session
// state, so one value can serve every session.
type Wizard struct {
	catalog *catalog.Catalog
}

// New constructs a Wizard. A nil catalog selects the embedded one.
func New(cat *catalog.Catalog) *Wizard {
	if cat == nil {
		cat = catalog.Default()
	}
	return &Wizard{catalog: cat}
}

// Catalog exposes the vocabulary the wizard validates against.
func (w *Wizard) Catalog() *catalog.Catalog {
	return w.catalog
}

// InitialState returns the state of a fresh wizard run.
func InitialState() domain.WizardState {
	return domain.WizardState{
		Card: domain.CardData{
			Mode:          domain.FlowModeGuided,
			RecipientType: domain.RecipientOne,
			IncludeQuote:  true,
			TextColor:     DefaultTextColor,
			FontSize:      DefaultFontSize,
			FontFamily:    DefaultFontFamily,
			FontWeight:    DefaultFontWeight,
			FontStyle:     domain.FontStyleNormal,
			TextPosition:  domain.TextPositionCenter,
		},
		CurrentStep: domain.StepWelcome,
		Direction:   1,
	}
}

// Steps returns the ordered step graph of a mode.
func Steps(mode domain.FlowMode) []domain.WizardStep {
	src := guidedSteps
	if mode == domain.FlowModeFreeform {
		src = freeformSteps
	}
	out := make([]domain.WizardStep, len(src))
	copy(out, src)
	return out
}

// StepIndex locates the current step in the mode's graph, or -1.
func StepIndex(state domain.WizardState) int {
	for i, step := range Steps(state.Card.Mode) {
		if step == state.CurrentStep {
			return i
		}
	}
	return -1
}

// SetMode switches the step graph and jumps to its first working step.
func (w *Wizard) SetMode(state *domain.WizardState, mode domain.FlowMode) error {
	switch mode {
	case domain.FlowModeGuided:
		state.CurrentStep = domain.StepCreate
	case domain.FlowModeFreeform:
		state.CurrentStep = domain.StepChat
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, mode)
	}
	state.Card.Mode = mode
	state.Direction = 1
	return nil
}

// SetStep jumps to a step of the current mode.
func (w *Wizard) SetStep(state *domain.WizardState, step domain.WizardStep) error {
	for _, s := range Steps(state.Card.Mode) {
		if s == step {
			state.CurrentStep = step
			return nil
		}
	}
	return fmt.Errorf("%w: step %q not in %s mode", ErrInvalidInput, step, state.Card.Mode)
}

// Next advances one step. It is a no-op on the last step.
func (w *Wizard) Next(state *domain.WizardState) {
	steps := Steps(state.Card.Mode)
	idx := StepIndex(*state)
	if idx < len(steps)-1 {
		state.CurrentStep = steps[idx+1]
		state.Direction = 1
	}
}

// Prev goes back one step. It is a no-op on the first step.
func (w *Wizard) Prev(state *domain.WizardState) {
	steps := Steps(state.Card.Mode)
	idx := StepIndex(*state)
	if idx > 0 {
		state.CurrentStep = steps[idx-1]
		state.Direction = -1
	}
}

// Reset restores the initial state.
func (w *Wizard) Reset(state *domain.WizardState) {
	*state = InitialState()
}

func (w *Wizard) SetOccasion(state *domain.WizardState, occasion domain.Occasion) error {
	if _, ok := w.catalog.Occasion(occasion); !ok {
		return fmt.Errorf("%w: unknown occasion %q", ErrInvalidInput, occasion)
	}
	state.Card.Occasion = &occasion
	return nil
}

func (w *Wizard) SetRecipientType(state *domain.WizardState, rt domain.RecipientType) error {
	switch rt {
	case domain.RecipientOne, domain.RecipientMany:
		state.Card.RecipientType = rt
		return nil
	}
	return fmt.Errorf("%w: unknown recipient type %q", ErrInvalidInput, rt)
}

func (w *Wizard) SetRecipientName(state *domain.WizardState, name string) {
	state.Card.RecipientName = strings.TrimSpace(name)
}

func (w *Wizard) SetRecipientDetails(state *domain.WizardState, details string) {
	state.Card.RecipientDetails = details
}

// SetVibe records the vibe and applies its default font for lang.
func (w *Wizard) SetVibe(state *domain.WizardState, vibe domain.Vibe, lang string) error {
	font, ok := w.catalog.VibeFont(vibe, lang)
	if !ok {
		return fmt.Errorf("%w: unknown vibe %q", ErrInvalidInput, vibe)
	}
	state.Card.Vibe = &vibe
	state.Card.FontFamily = font.Family
	state.Card.FontWeight = font.Weight
	state.Card.FontStyle = font.Style
	return nil
}

func (w *Wizard) SetIncludeQuote(state *domain.WizardState, include bool) {
	state.Card.IncludeQuote = include
}

func (w *Wizard) SetFreeFormPrompt(state *domain.WizardState, prompt string) {
	state.Card.FreeFormPrompt = prompt
}

// SetGeneratedMessage stores a fresh message and resets the editable copy to it.
func (w *Wizard) SetGeneratedMessage(state *domain.WizardState, message string) {
	state.Card.GeneratedMessage = message
	state.Card.EditedMessage = message
}

func (w *Wizard) SetEditedMessage(state *domain.WizardState, message string) {
	state.Card.EditedMessage = message
}

func (w *Wizard) SetBackgroundImage(state *domain.WizardState, image *domain.BackgroundImage) {
	state.Card.BackgroundImage = image
}

// SetBackgroundImages replaces the candidates and selects the first one.
func (w *Wizard) SetBackgroundImages(state *domain.WizardState, images []domain.BackgroundImage) {
	state.Card.BackgroundImages = images
	state.Card.BackgroundIndex = 0
	if len(images) > 0 {
		first := images[0]
		state.Card.BackgroundImage = &first
		return
	}
	state.Card.BackgroundImage = nil
}

// SetBackgroundIndex selects a candidate, clamping to the list. With no
// candidates it does nothing.
func (w *Wizard) SetBackgroundIndex(state *domain.WizardState, index int) {
	images := state.Card.BackgroundImages
	if len(images) == 0 {
		return
	}
	clamped := max(0, min(index, len(images)-1))
	selected := images[clamped]
	state.Card.BackgroundIndex = clamped
	state.Card.BackgroundImage = &selected
}

// CanSwipeBackgrounds reports whether the live canvas accepts background swipes on step.
func CanSwipeBackgrounds(step domain.WizardStep) bool {
	switch step {
	case domain.StepBackground, domain.StepMessage, domain.StepShare:
		return true
	}
	return false
}

// Swipe moves through the background candidates. A positive delta means a
// swipe towards the next image in reading order, so RTL layouts invert it.
// It reports whether the gesture was accepted.
func (w *Wizard) Swipe(state *domain.WizardState, delta int, rtl bool) bool {
	if len(state.Card.BackgroundImages) <= 1 || !CanSwipeBackgrounds(state.CurrentStep) || delta == 0 {
		return false
	}
	if rtl {
		delta = -delta
	}
	step := 1
	if delta < 0 {
		step = -1
	}
	w.SetBackgroundIndex(state, state.Card.BackgroundIndex+step)
	return true
}

func (w *Wizard) SetTextColor(state *domain.WizardState, color string) error {
	if !hexColor.MatchString(color) {
		return fmt.Errorf("%w: text color %q must be #RRGGBB", ErrInvalidInput, color)
	}
	state.Card.TextColor = strings.ToUpper(color)
	return nil
}

func (w *Wizard) SetFontSize(state *domain.WizardState, size int) error {
	if size < MinFontSize || size > MaxFontSize {
		return fmt.Errorf("%w: font size %d out of range %d-%d", ErrInvalidInput, size, MinFontSize, MaxFontSize)
	}
	state.Card.FontSize = size
	return nil
}

func (w *Wizard) SetFontFamily(state *domain.WizardState, family string) error {
	family = strings.TrimSpace(family)
	if family == "" {
		return fmt.Errorf("%w: font family required", ErrInvalidInput)
	}
	state.Card.FontFamily = family
	return nil
}

func (w *Wizard) SetFontWeight(state *domain.WizardState, weight int) error {
	if weight < 100 || weight > 900 || weight%100 != 0 {
		return fmt.Errorf("%w: font weight %d", ErrInvalidInput, weight)
	}
	state.Card.FontWeight = weight
	return nil
}

func (w *Wizard) SetFontStyle(state *domain.WizardState, style domain.FontStyle) error {
	switch style {
	case domain.FontStyleNormal, domain.FontStyleItalic:
		state.Card.FontStyle = style
		return nil
	}
	return fmt.Errorf("%w: font style %q", ErrInvalidInput, style)
}

func (w *Wizard) SetTextPosition(state *domain.WizardState, position domain.TextPosition) error {
	switch position {
	case domain.TextPositionTop, domain.TextPositionCenter, domain.TextPositionBottom:
		state.Card.TextPosition = position
		return nil
	}
	return fmt.Errorf("%w: text position %q", ErrInvalidInput, position)
}

// AddChatMessage appends a rendered chat bubble.
func (w *Wizard) AddChatMessage(state *domain.WizardState, msg domain.ChatMessage) {
	state.ChatMessages = append(state.ChatMessages, msg)
}

// ApplyCardReady copies an assistant card block into the state and advances
// past the chat step. Unknown occasions become custom; the vibe prefers the
// tone, then the style, then heartfelt.
func (w *Wizard) ApplyCardReady(state *domain.WizardState, ready domain.CardReady, lang string) error {
	occasion := domain.Occasion(strings.ToLower(strings.TrimSpace(ready.Occasion)))
	if _, ok := w.catalog.Occasion(occasion); !ok {
		occasion = domain.OccasionCustom
	}

	vibe := domain.VibeHeartfelt
	if v, ok := w.validVibe(ready.Tone); ok {
		vibe = v
	} else if v, ok := w.validVibe(ready.Style); ok {
		vibe = v
	}

	if err := w.SetOccasion(state, occasion); err != nil {
		return err
	}
	if err := w.SetVibe(state, vibe, lang); err != nil {
		return err
	}
	w.SetRecipientName(state, ready.Recipient)
	w.SetRecipientDetails(state, ready.Details)
	w.SetGeneratedMessage(state, ready.Message)
	w.Next(state)
	return nil
}

func (w *Wizard) validVibe(raw string) (domain.Vibe, bool) {
	v := domain.Vibe(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := w.catalog.Vibe(v); !ok {
		return "", false
	}
	return v, true
}
