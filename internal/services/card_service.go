package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/PerfectlyContent/cardmaker/internal/compose"
	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/imagegen"
	"github.com/PerfectlyContent/cardmaker/internal/photos"
	"github.com/PerfectlyContent/cardmaker/internal/prompts"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
	"github.com/PerfectlyContent/cardmaker/internal/textgen"
	"github.com/PerfectlyContent/cardmaker/internal/wizard"
)

const (
	defaultSessionTTL       = 24 * time.Hour
	defaultGenerationWindow = 2 * time.Minute
	maxChatMessageLength    = 2000

	cardEventCreated     = "card.session.created"
	cardEventGenerated   = "card.message.generated"
	cardEventChatReady   = "card.chat.ready"
	cardEventSearchFail  = "card.backgrounds.search_failed"
	cardEventBackground  = "card.background.generated"
	cardEventPurged      = "card.sessions.purged"
	cardEventReleaseFail = "card.generation.release_failed"
)

var (
	// ErrCardInvalidInput indicates the caller provided an invalid argument.
	ErrCardInvalidInput = errors.New("card: invalid input")
	// ErrCardNotFound indicates the session does not exist, expired, or belongs to someone else.
	ErrCardNotFound = errors.New("card: session not found")
	// ErrCardGenerationBusy indicates a generation is already running for the session.
	ErrCardGenerationBusy = errors.New("card: generation in progress")
	// ErrCardUpstream wraps failures of the text, photo or image providers.
	ErrCardUpstream = errors.New("card: upstream failure")
	// ErrCardNotConfigured indicates the required provider is not configured.
	ErrCardNotConfigured = errors.New("card: provider not configured")
	// ErrCardRenderFailed indicates the card could not be rasterized.
	ErrCardRenderFailed = errors.New("card: render failed")
	// ErrCardRepositoryUnavailable indicates the session store is unavailable.
	ErrCardRepositoryUnavailable = errors.New("card: repository unavailable")
)

// BackgroundStore persists generated backgrounds. StoreBackground returns the
// reference kept in the session, which may be the input unchanged.
// SignBackground turns a kept reference into a URL the client and renderer
// can fetch, passing other URLs through.
type BackgroundStore interface {
	StoreBackground(ctx context.Context, session CardSession, dataURL string) (string, error)
	SignBackground(ctx context.Context, session CardSession, ref string) (string, error)
}

// CardServiceDeps wires dependencies for the card service implementation.
type CardServiceDeps struct {
	Sessions    repositories.CardSessionRepository
	Wizard      *wizard.Wizard
	Text        textgen.Provider
	Photos      photos.Provider
	Images      imagegen.Provider
	Renderer    CardRenderer
	Exports     ExportService
	Backgrounds BackgroundStore
	SessionTTL  time.Duration
	// GenerationWindow bounds how long a generation flag blocks others before
	// it is treated as abandoned.
	GenerationWindow time.Duration
	Clock            func() time.Time
	IDGenerator      func() string
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type cardService struct {
	sessions    repositories.CardSessionRepository
	wizard      *wizard.Wizard
	text        textgen.Provider
	photos      photos.Provider
	images      imagegen.Provider
	renderer    CardRenderer
	exports     ExportService
	backgrounds BackgroundStore
	ttl         time.Duration
	window      time.Duration
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

var _ CardService = (*cardService)(nil)

// NewCardService constructs a CardService backed by the provided dependencies.
// Providers may be nil; the operations needing them then fail with ErrCardNotConfigured.
func NewCardService(deps CardServiceDeps) (CardService, error) {
	if deps.Sessions == nil {
		return nil, errors.New("card service: session repository is required")
	}
	wz := deps.Wizard
	if wz == nil {
		wz = wizard.New(nil)
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
	ttl := deps.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	window := deps.GenerationWindow
	if window <= 0 {
		window = defaultGenerationWindow
	}
	return &cardService{
		sessions:    deps.Sessions,
		wizard:      wz,
		text:        deps.Text,
		photos:      deps.Photos,
		images:      deps.Images,
		renderer:    deps.Renderer,
		exports:     deps.Exports,
		backgrounds: deps.Backgrounds,
		ttl:         ttl,
		window:      window,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

func (s *cardService) CreateSession(ctx context.Context, cmd CreateSessionCommand) (CardSession, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return CardSession{}, fmt.Errorf("%w: owner id is required", ErrCardInvalidInput)
	}
	lang := s.wizard.Catalog().NormalizeLanguage(cmd.Language)

	state := wizard.InitialState()
	if cmd.Mode != "" {
		if err := s.wizard.SetMode(&state, cmd.Mode); err != nil {
			return CardSession{}, fmt.Errorf("%w: %v", ErrCardInvalidInput, err)
		}
		s.greet(&state, lang)
	}
	if seed := cmd.Seed; seed != nil {
		if err := s.wizard.SetMode(&state, domain.FlowModeGuided); err != nil {
			return CardSession{}, fmt.Errorf("%w: %v", ErrCardInvalidInput, err)
		}
		if err := s.wizard.SetOccasion(&state, seed.Occasion); err != nil {
			return CardSession{}, fmt.Errorf("%w: %v", ErrCardInvalidInput, err)
		}
		s.wizard.SetRecipientName(&state, seed.RecipientName)
	}

	now := s.clock()
	session := CardSession{
		ID:        s.newID(),
		OwnerID:   ownerID,
		Language:  lang,
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.sessions.Insert(ctx, session); err != nil {
		return CardSession{}, s.translateRepoErr(err)
	}
	s.logger(ctx, cardEventCreated, map[string]any{
		"sessionId": session.ID,
		"ownerId":   ownerID,
		"language":  lang,
		"seeded":    cmd.Seed != nil,
	})
	return session, nil
}

func (s *cardService) GetSession(ctx context.Context, ownerID, sessionID string) (CardSession, error) {
	session, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return CardSession{}, err
	}
	return s.present(ctx, session)
}

func (s *cardService) UpdateSession(ctx context.Context, cmd UpdateSessionCommand) (CardSession, error) {
	session, err := s.load(ctx, cmd.OwnerID, cmd.SessionID)
	if err != nil {
		return CardSession{}, err
	}
	if err := s.applyPatch(&session, cmd); err != nil {
		return CardSession{}, fmt.Errorf("%w: %v", ErrCardInvalidInput, err)
	}
	return s.save(ctx, session)
}

func (s *cardService) applyPatch(session *CardSession, cmd UpdateSessionCommand) error {
	state := &session.State
	if cmd.Language != nil {
		session.Language = s.wizard.Catalog().NormalizeLanguage(*cmd.Language)
	}
	if cmd.Occasion != nil {
		if err := s.wizard.SetOccasion(state, *cmd.Occasion); err != nil {
			return err
		}
	}
	if cmd.RecipientType != nil {
		if err := s.wizard.SetRecipientType(state, *cmd.RecipientType); err != nil {
			return err
		}
	}
	if cmd.RecipientName != nil {
		s.wizard.SetRecipientName(state, prompts.SanitizeUserText(*cmd.RecipientName))
	}
	if cmd.RecipientDetails != nil {
		s.wizard.SetRecipientDetails(state, prompts.SanitizeUserText(*cmd.RecipientDetails))
	}
	if cmd.Vibe != nil {
		if err := s.wizard.SetVibe(state, *cmd.Vibe, session.Language); err != nil {
			return err
		}
	}
	if cmd.IncludeQuote != nil {
		s.wizard.SetIncludeQuote(state, *cmd.IncludeQuote)
	}
	if cmd.FreeFormPrompt != nil {
		s.wizard.SetFreeFormPrompt(state, prompts.SanitizeUserText(*cmd.FreeFormPrompt))
	}
	if cmd.EditedMessage != nil {
		s.wizard.SetEditedMessage(state, prompts.SanitizeUserText(*cmd.EditedMessage))
	}
	if cmd.TextColor != nil {
		if err := s.wizard.SetTextColor(state, *cmd.TextColor); err != nil {
			return err
		}
	}
	if cmd.FontSize != nil {
		if err := s.wizard.SetFontSize(state, *cmd.FontSize); err != nil {
			return err
		}
	}
	if cmd.FontFamily != nil {
		if err := s.wizard.SetFontFamily(state, *cmd.FontFamily); err != nil {
			return err
		}
	}
	if cmd.FontWeight != nil {
		if err := s.wizard.SetFontWeight(state, *cmd.FontWeight); err != nil {
			return err
		}
	}
	if cmd.FontStyle != nil {
		if err := s.wizard.SetFontStyle(state, *cmd.FontStyle); err != nil {
			return err
		}
	}
	if cmd.TextPosition != nil {
		if err := s.wizard.SetTextPosition(state, *cmd.TextPosition); err != nil {
			return err
		}
	}
	return nil
}

// Navigate accepts next, prev, reset, mode:<mode> and step:<step>.
func (s *cardService) Navigate(ctx context.Context, ownerID, sessionID, action string) (CardSession, error) {
	session, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return CardSession{}, err
	}
	state := &session.State

	verb, arg, _ := strings.Cut(strings.TrimSpace(action), ":")
	switch strings.ToLower(verb) {
	case "next":
		s.wizard.Next(state)
	case "prev", "back":
		s.wizard.Prev(state)
	case "reset":
		s.wizard.Reset(state)
	case "mode":
		if err := s.wizard.SetMode(state, domain.FlowMode(strings.ToLower(arg))); err != nil {
			return CardSession{}, fmt.Errorf("%w: %v", ErrCardInvalidInput, err)
		}
		s.greet(state, session.Language)
	case "step":
		if err := s.wizard.SetStep(state, domain.WizardStep(strings.ToLower(arg))); err != nil {
			return CardSession{}, fmt.Errorf("%w: %v", ErrCardInvalidInput, err)
		}
	default:
		return CardSession{}, fmt.Errorf("%w: unknown action %q", ErrCardInvalidInput, action)
	}
	return s.save(ctx, session)
}

// greet opens an empty free-form transcript with the localized greeting bubble.
func (s *cardService) greet(state *domain.WizardState, lang string) {
	if state.Card.Mode != domain.FlowModeFreeform || len(state.ChatMessages) > 0 {
		return
	}
	s.wizard.AddChatMessage(state, domain.ChatMessage{
		ID:        "greeting",
		Role:      domain.ChatRoleAssistant,
		Text:      prompts.Greeting(s.wizard.Catalog(), lang),
		CreatedAt: s.clock(),
	})
}

func (s *cardService) GenerateMessage(ctx context.Context, ownerID, sessionID string) (CardSession, error) {
	if s.text == nil {
		return CardSession{}, fmt.Errorf("%w: text generation", ErrCardNotConfigured)
	}
	session, release, err := s.acquire(ctx, ownerID, sessionID)
	if err != nil {
		return CardSession{}, err
	}
	defer release()

	cat := s.wizard.Catalog()
	card := session.State.Card
	var prompt string
	if strings.TrimSpace(card.FreeFormPrompt) != "" {
		prompt = prompts.BuildFreeFormPrompt(cat, card.FreeFormPrompt, session.Language)
	} else {
		prompt = prompts.BuildCardPrompt(cat, prompts.InputFromCard(card), session.Language)
	}

	message, err := s.text.Generate(ctx, textgen.GenerateRequest{
		Contents: prompts.CardContents(prompt),
		Settings: prompts.CardGeneration,
	})
	if err != nil {
		return CardSession{}, fmt.Errorf("%w: generate message: %v", ErrCardUpstream, err)
	}
	if message == "" {
		return CardSession{}, fmt.Errorf("%w: empty message", ErrCardUpstream)
	}

	// Edits made while the model was running are kept.
	latest, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return CardSession{}, err
	}
	clearGeneration(&latest)
	s.wizard.SetGeneratedMessage(&latest.State, message)
	s.logger(ctx, cardEventGenerated, map[string]any{
		"sessionId": sessionID,
		"freeForm":  strings.TrimSpace(card.FreeFormPrompt) != "",
		"length":    len([]rune(message)),
	})
	return s.save(ctx, latest)
}

func (s *cardService) Chat(ctx context.Context, ownerID, sessionID, message string) (ChatResult, error) {
	message = prompts.SanitizeUserText(message)
	if message == "" {
		return ChatResult{}, fmt.Errorf("%w: message is required", ErrCardInvalidInput)
	}
	if len([]rune(message)) > maxChatMessageLength {
		return ChatResult{}, fmt.Errorf("%w: message exceeds %d characters", ErrCardInvalidInput, maxChatMessageLength)
	}
	if s.text == nil {
		return ChatResult{}, fmt.Errorf("%w: text generation", ErrCardNotConfigured)
	}

	session, release, err := s.acquire(ctx, ownerID, sessionID)
	if err != nil {
		return ChatResult{}, err
	}
	defer release()
	if session.State.Card.Mode != domain.FlowModeFreeform {
		return ChatResult{}, fmt.Errorf("%w: chat requires freeform mode", ErrCardInvalidInput)
	}

	cat := s.wizard.Catalog()
	reply, err := s.text.Generate(ctx, textgen.GenerateRequest{
		Contents: prompts.ChatContents(cat, session.State.History, message, session.Language),
		Settings: prompts.ChatGeneration,
	})
	if err != nil {
		return ChatResult{}, fmt.Errorf("%w: chat: %v", ErrCardUpstream, err)
	}

	latest, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return ChatResult{}, err
	}
	clearGeneration(&latest)
	state := &latest.State
	now := s.clock()
	state.History = append(state.History,
		domain.ChatTurn{Role: domain.ChatRoleUser, Text: message},
		domain.ChatTurn{Role: domain.ChatRoleModel, Text: reply},
	)
	s.wizard.AddChatMessage(state, domain.ChatMessage{ID: s.newID(), Role: domain.ChatRoleUser, Text: message, CreatedAt: now})

	result := ChatResult{}
	if ready := prompts.ParseCardReady(reply); ready != nil {
		if err := s.wizard.ApplyCardReady(state, *ready, latest.Language); err != nil {
			return ChatResult{}, fmt.Errorf("%w: card block: %v", ErrCardUpstream, err)
		}
		result.Ready = true
		result.Reply = cat.Language(latest.Language).Creating
		s.wizard.AddChatMessage(state, domain.ChatMessage{ID: s.newID(), Role: domain.ChatRoleAssistant, Text: result.Reply, CreatedAt: now})
		s.logger(ctx, cardEventChatReady, map[string]any{
			"sessionId": sessionID,
			"turns":     len(state.History) / 2,
		})
		s.searchInto(ctx, &latest, prompts.BuildImageSearchQuery(cat, state.Card.Occasion, state.Card.Vibe))
	} else {
		result.Reply = prompts.StripCardBlock(reply)
		s.wizard.AddChatMessage(state, domain.ChatMessage{ID: s.newID(), Role: domain.ChatRoleAssistant, Text: result.Reply, CreatedAt: now})
	}

	saved, err := s.save(ctx, latest)
	if err != nil {
		return ChatResult{}, err
	}
	result.Session = saved
	return result, nil
}

func (s *cardService) SearchBackgrounds(ctx context.Context, ownerID, sessionID, rawQuery string) (CardSession, error) {
	if s.photos == nil {
		return CardSession{}, fmt.Errorf("%w: photo search", ErrCardNotConfigured)
	}
	session, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return CardSession{}, err
	}
	query := ""
	if strings.TrimSpace(rawQuery) != "" {
		query = prompts.CleanRawQuery(rawQuery)
	} else {
		card := session.State.Card
		query = prompts.BuildImageSearchQuery(s.wizard.Catalog(), card.Occasion, card.Vibe)
	}

	searchErr := s.searchInto(ctx, &session, query)
	saved, err := s.save(ctx, session)
	if err != nil {
		return CardSession{}, err
	}
	if searchErr != nil {
		return saved, fmt.Errorf("%w: search backgrounds: %v", ErrCardUpstream, searchErr)
	}
	return saved, nil
}

// searchInto replaces the candidates with the results of query. A failed
// search leaves an empty list.
func (s *cardService) searchInto(ctx context.Context, session *CardSession, query string) error {
	if s.photos == nil {
		return ErrCardNotConfigured
	}
	images, err := s.photos.Search(ctx, photos.SearchQuery{Query: query})
	if err != nil {
		s.logger(ctx, cardEventSearchFail, map[string]any{
			"sessionId": session.ID,
			"query":     query,
			"error":     err.Error(),
		})
		s.wizard.SetBackgroundImages(&session.State, nil)
		return err
	}
	s.wizard.SetBackgroundImages(&session.State, images)
	return nil
}

func (s *cardService) GenerateBackground(ctx context.Context, ownerID, sessionID, prompt string) (CardSession, error) {
	if s.images == nil {
		return CardSession{}, fmt.Errorf("%w: image generation", ErrCardNotConfigured)
	}
	session, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return CardSession{}, err
	}
	prompt = prompts.SanitizeUserText(prompt)
	if prompt == "" {
		card := session.State.Card
		prompt = prompts.BuildImageSearchQuery(s.wizard.Catalog(), card.Occasion, card.Vibe)
	}

	dataURL, err := s.images.Generate(ctx, prompt)
	if err != nil {
		if errors.Is(err, imagegen.ErrContentViolation) {
			return CardSession{}, fmt.Errorf("%w: %v", ErrCardInvalidInput, err)
		}
		return CardSession{}, fmt.Errorf("%w: generate background: %v", ErrCardUpstream, err)
	}
	src := dataURL
	if s.backgrounds != nil {
		if src, err = s.backgrounds.StoreBackground(ctx, session, dataURL); err != nil {
			return CardSession{}, fmt.Errorf("%w: store background: %v", ErrCardUpstream, err)
		}
	}

	alt := prompt
	// One rendition only: an inline data URL must fit the session document.
	s.wizard.SetBackgroundImages(&session.State, []domain.BackgroundImage{{
		ID:             "reve-" + s.newID(),
		URLs:           domain.ImageURLs{Regular: src},
		AltDescription: &alt,
		Width:          int(compose.CanvasSize),
		Height:         int(compose.CanvasSize),
	}})
	s.logger(ctx, cardEventBackground, map[string]any{
		"sessionId": sessionID,
		"stored":    src != dataURL,
	})
	return s.save(ctx, session)
}

func (s *cardService) SelectBackground(ctx context.Context, ownerID, sessionID string, index int) (CardSession, error) {
	session, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return CardSession{}, err
	}
	if index < 0 || index >= len(session.State.Card.BackgroundImages) {
		return CardSession{}, fmt.Errorf("%w: background index %d out of range", ErrCardInvalidInput, index)
	}
	s.wizard.SetBackgroundIndex(&session.State, index)
	return s.save(ctx, session)
}

func (s *cardService) SwipeBackground(ctx context.Context, ownerID, sessionID string, delta int) (CardSession, error) {
	session, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return CardSession{}, err
	}
	rtl := s.wizard.Catalog().Language(session.Language).RTL
	if !s.wizard.Swipe(&session.State, delta, rtl) {
		return s.present(ctx, session)
	}
	return s.save(ctx, session)
}

func (s *cardService) Preview(ctx context.Context, ownerID, sessionID string, viewport compose.Viewport) (image.Image, error) {
	if s.renderer == nil {
		return nil, fmt.Errorf("%w: renderer", ErrCardNotConfigured)
	}
	session, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	if session, err = s.present(ctx, session); err != nil {
		return nil, err
	}
	img, err := s.renderer.Preview(ctx, session.State.Card, viewport)
	if err != nil {
		if errors.Is(err, compose.ErrInvalidViewport) {
			return nil, fmt.Errorf("%w: %v", ErrCardInvalidInput, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrCardRenderFailed, err)
	}
	return img, nil
}

func (s *cardService) Export(ctx context.Context, ownerID, sessionID string) (ExportResult, error) {
	if s.exports == nil {
		return ExportResult{}, fmt.Errorf("%w: exports", ErrCardNotConfigured)
	}
	session, err := s.load(ctx, ownerID, sessionID)
	if err != nil {
		return ExportResult{}, err
	}
	if session, err = s.present(ctx, session); err != nil {
		return ExportResult{}, err
	}
	return s.exports.ExportCard(ctx, session)
}

func (s *cardService) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	if _, err := s.load(ctx, ownerID, sessionID); err != nil {
		return err
	}
	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		return s.translateRepoErr(err)
	}
	return nil
}

func (s *cardService) PurgeExpired(ctx context.Context, limit int) (int, error) {
	removed, err := s.sessions.DeleteExpired(ctx, s.clock(), limit)
	if err != nil {
		return removed, s.translateRepoErr(err)
	}
	if removed > 0 {
		s.logger(ctx, cardEventPurged, map[string]any{"removed": removed})
	}
	return removed, nil
}

// load fetches a live session owned by ownerID.
func (s *cardService) load(ctx context.Context, ownerID, sessionID string) (CardSession, error) {
	ownerID = strings.TrimSpace(ownerID)
	sessionID = strings.TrimSpace(sessionID)
	if ownerID == "" || sessionID == "" {
		return CardSession{}, fmt.Errorf("%w: owner and session id are required", ErrCardInvalidInput)
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return CardSession{}, s.translateRepoErr(err)
	}
	if session.OwnerID != ownerID {
		return CardSession{}, ErrCardNotFound
	}
	if !session.ExpiresAt.IsZero() && !s.clock().Before(session.ExpiresAt) {
		return CardSession{}, fmt.Errorf("%w: session expired", ErrCardNotFound)
	}
	return session, nil
}

// save persists the session and slides its expiry.
func (s *cardService) save(ctx context.Context, session CardSession) (CardSession, error) {
	now := s.clock()
	session.UpdatedAt = now
	session.ExpiresAt = now.Add(s.ttl)
	if err := s.sessions.Update(ctx, session); err != nil {
		return CardSession{}, s.translateRepoErr(err)
	}
	return s.present(ctx, session)
}

// present signs stored background references on a copy of the session. The
// stored session keeps the references, so a link is always minted fresh no
// matter how long the session slides.
func (s *cardService) present(ctx context.Context, session CardSession) (CardSession, error) {
	if s.backgrounds == nil {
		return session, nil
	}
	card := &session.State.Card
	if card.BackgroundImage != nil {
		img := *card.BackgroundImage
		if err := s.signURLs(ctx, session, &img.URLs); err != nil {
			return CardSession{}, err
		}
		card.BackgroundImage = &img
	}
	if len(card.BackgroundImages) > 0 {
		images := make([]domain.BackgroundImage, len(card.BackgroundImages))
		copy(images, card.BackgroundImages)
		for i := range images {
			if err := s.signURLs(ctx, session, &images[i].URLs); err != nil {
				return CardSession{}, err
			}
		}
		card.BackgroundImages = images
	}
	return session, nil
}

func (s *cardService) signURLs(ctx context.Context, session CardSession, urls *domain.ImageURLs) error {
	for _, field := range []*string{&urls.Raw, &urls.Full, &urls.Regular, &urls.Small, &urls.Thumb} {
		if *field == "" || strings.HasPrefix(*field, "data:") {
			continue
		}
		signed, err := s.backgrounds.SignBackground(ctx, session, *field)
		if err != nil {
			return fmt.Errorf("%w: sign background: %v", ErrCardUpstream, err)
		}
		*field = signed
	}
	return nil
}

// acquire takes the per-session generation flag. The returned release must run
// even when the request context is cancelled.
func (s *cardService) acquire(ctx context.Context, ownerID, sessionID string) (CardSession, func(), error) {
	if _, err := s.load(ctx, ownerID, sessionID); err != nil {
		return CardSession{}, nil, err
	}
	now := s.clock()
	session, err := s.sessions.AcquireGeneration(ctx, sessionID, now, now.Add(-s.window))
	if err != nil {
		if repositories.IsConflict(err) {
			return CardSession{}, nil, ErrCardGenerationBusy
		}
		return CardSession{}, nil, s.translateRepoErr(err)
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.sessions.ReleaseGeneration(releaseCtx, sessionID); err != nil && !repositories.IsNotFound(err) {
			s.logger(ctx, cardEventReleaseFail, map[string]any{
				"sessionId": sessionID,
				"error":     err.Error(),
			})
		}
	}
	return session, release, nil
}

// clearGeneration reflects the release that follows on return. Update leaves
// the stored flag alone.
func clearGeneration(session *CardSession) {
	session.IsGenerating = false
	session.GenerationStartedAt = nil
}

func (s *cardService) translateRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case repositories.IsNotFound(err):
		return ErrCardNotFound
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrCardRepositoryUnavailable, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("card: repository: %w", err)
	}
}
