package services

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PerfectlyContent/cardmaker/internal/compose"
	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/imagegen"
	"github.com/PerfectlyContent/cardmaker/internal/photos"
	"github.com/PerfectlyContent/cardmaker/internal/repositories/memory"
	"github.com/PerfectlyContent/cardmaker/internal/textgen"
)

const testOwner = "device:3f0c7a52-device"

type stubText struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []textgen.GenerateRequest
}

func (s *stubText) Generate(_ context.Context, req textgen.GenerateRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", nil
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

type stubPhotos struct {
	images  []domain.BackgroundImage
	err     error
	queries []photos.SearchQuery
}

func (s *stubPhotos) Search(_ context.Context, q photos.SearchQuery) ([]domain.BackgroundImage, error) {
	s.queries = append(s.queries, q)
	if s.err != nil {
		return nil, s.err
	}
	return s.images, nil
}

type stubImages struct {
	dataURL string
	err     error
}

func (s *stubImages) Generate(context.Context, string) (string, error) {
	return s.dataURL, s.err
}

type stubRenderer struct {
	png  []byte
	err  error
	card domain.CardData
}

func (s *stubRenderer) Export(_ context.Context, card domain.CardData) ([]byte, error) {
	s.card = card
	return s.png, s.err
}

func (s *stubRenderer) Preview(_ context.Context, card domain.CardData, vp compose.Viewport) (image.Image, error) {
	s.card = card
	if vp.Width <= 0 || vp.Height <= 0 {
		return nil, compose.ErrInvalidViewport
	}
	if s.err != nil {
		return nil, s.err
	}
	return image.NewNRGBA(image.Rect(0, 0, vp.Width, vp.Width)), nil
}

type stubBackgrounds struct {
	ref   string
	calls int
	signs int
}

func (s *stubBackgrounds) StoreBackground(_ context.Context, _ CardSession, _ string) (string, error) {
	s.calls++
	return s.ref, nil
}

func (s *stubBackgrounds) SignBackground(_ context.Context, _ CardSession, ref string) (string, error) {
	if !strings.HasPrefix(ref, "gs://") {
		return ref, nil
	}
	s.signs++
	return fmt.Sprintf("https://storage.example/bg.png?sig=%d", s.signs), nil
}

type cardFixture struct {
	svc      CardService
	renderer *stubRenderer
	sessions *memory.CardSessionRepository
	text     *stubText
	photos   *stubPhotos
	images   *stubImages
	now      *time.Time
}

func newCardFixture(t *testing.T, mutate func(*CardServiceDeps)) *cardFixture {
	t.Helper()
	now := time.Date(2025, time.March, 6, 9, 30, 0, 0, time.UTC)
	f := &cardFixture{
		sessions: memory.NewCardSessionRepository(),
		text:     &stubText{},
		photos:   &stubPhotos{},
		images:   &stubImages{},
		now:      &now,
	}
	renderer := &stubRenderer{png: []byte("png-bytes")}
	f.renderer = renderer
	exports, err := NewExportService(ExportServiceDeps{Renderer: renderer})
	require.NoError(t, err)

	seq := 0
	deps := CardServiceDeps{
		Sessions: f.sessions,
		Text:     f.text,
		Photos:   f.photos,
		Images:   f.images,
		Renderer: renderer,
		Exports:  exports,
		Clock:    func() time.Time { return *f.now },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("01J0ID%04d", seq)
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	svc, err := NewCardService(deps)
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *cardFixture) create(t *testing.T, mode domain.FlowMode) CardSession {
	t.Helper()
	session, err := f.svc.CreateSession(context.Background(), CreateSessionCommand{OwnerID: testOwner, Language: "en-US", Mode: mode})
	require.NoError(t, err)
	return session
}

func TestNewCardServiceRequiresSessions(t *testing.T) {
	_, err := NewCardService(CardServiceDeps{})
	require.Error(t, err)
}

func TestCardServiceCreateSession(t *testing.T) {
	f := newCardFixture(t, nil)

	session := f.create(t, "")
	assert.Equal(t, "01J0ID0001", session.ID)
	assert.Equal(t, "en", session.Language)
	assert.Equal(t, domain.StepWelcome, session.State.CurrentStep)
	assert.Equal(t, f.now.Add(defaultSessionTTL), session.ExpiresAt)
	assert.Empty(t, session.State.ChatMessages)

	chat := f.create(t, domain.FlowModeFreeform)
	assert.Equal(t, domain.StepChat, chat.State.CurrentStep)
	require.Len(t, chat.State.ChatMessages, 1)
	assert.Equal(t, domain.ChatRoleAssistant, chat.State.ChatMessages[0].Role)
	assert.Contains(t, chat.State.ChatMessages[0].Text, "greeting card")

	_, err := f.svc.CreateSession(context.Background(), CreateSessionCommand{OwnerID: " "})
	assert.ErrorIs(t, err, ErrCardInvalidInput)

	_, err = f.svc.CreateSession(context.Background(), CreateSessionCommand{OwnerID: testOwner, Mode: "wizardless"})
	assert.ErrorIs(t, err, ErrCardInvalidInput)
}

func TestCardServiceCreateSessionWithSeed(t *testing.T) {
	f := newCardFixture(t, nil)

	session, err := f.svc.CreateSession(context.Background(), CreateSessionCommand{
		OwnerID: testOwner,
		Seed:    &SessionSeed{Occasion: domain.OccasionBirthday, RecipientName: " Maya "},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StepCreate, session.State.CurrentStep)
	require.NotNil(t, session.State.Card.Occasion)
	assert.Equal(t, domain.OccasionBirthday, *session.State.Card.Occasion)
	assert.Equal(t, "Maya", session.State.Card.RecipientName)
}

func TestCardServiceGetSessionScopesOwnerAndExpiry(t *testing.T) {
	f := newCardFixture(t, nil)
	session := f.create(t, "")
	ctx := context.Background()

	got, err := f.svc.GetSession(ctx, testOwner, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = f.svc.GetSession(ctx, "device:someone-else", session.ID)
	assert.ErrorIs(t, err, ErrCardNotFound)

	_, err = f.svc.GetSession(ctx, testOwner, "missing")
	assert.ErrorIs(t, err, ErrCardNotFound)

	*f.now = f.now.Add(defaultSessionTTL + time.Second)
	_, err = f.svc.GetSession(ctx, testOwner, session.ID)
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestCardServiceUpdateSessionSlidesExpiry(t *testing.T) {
	f := newCardFixture(t, nil)
	session := f.create(t, "")
	ctx := context.Background()

	*f.now = f.now.Add(time.Hour)
	occasion := domain.OccasionWedding
	vibe := domain.VibePoetic
	name := "  Dana & Ori "
	size := 40
	updated, err := f.svc.UpdateSession(ctx, UpdateSessionCommand{
		OwnerID:       testOwner,
		SessionID:     session.ID,
		Occasion:      &occasion,
		Vibe:          &vibe,
		RecipientName: &name,
		FontSize:      &size,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OccasionWedding, *updated.State.Card.Occasion)
	assert.Equal(t, domain.VibePoetic, *updated.State.Card.Vibe)
	assert.Equal(t, "Dana & Ori", updated.State.Card.RecipientName)
	assert.Equal(t, 40, updated.State.Card.FontSize)
	assert.Equal(t, f.now.Add(defaultSessionTTL), updated.ExpiresAt)

	bad := domain.Vibe("grumpy")
	_, err = f.svc.UpdateSession(ctx, UpdateSessionCommand{OwnerID: testOwner, SessionID: session.ID, Vibe: &bad})
	assert.ErrorIs(t, err, ErrCardInvalidInput)

	color := "red"
	_, err = f.svc.UpdateSession(ctx, UpdateSessionCommand{OwnerID: testOwner, SessionID: session.ID, TextColor: &color})
	assert.ErrorIs(t, err, ErrCardInvalidInput)
}

func TestCardServiceNavigate(t *testing.T) {
	f := newCardFixture(t, nil)
	session := f.create(t, "")
	ctx := context.Background()

	session, err := f.svc.Navigate(ctx, testOwner, session.ID, "mode:guided")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCreate, session.State.CurrentStep)

	session, err = f.svc.Navigate(ctx, testOwner, session.ID, "next")
	require.NoError(t, err)
	assert.Equal(t, domain.StepBackground, session.State.CurrentStep)

	session, err = f.svc.Navigate(ctx, testOwner, session.ID, "prev")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCreate, session.State.CurrentStep)
	assert.Equal(t, -1, session.State.Direction)

	session, err = f.svc.Navigate(ctx, testOwner, session.ID, "step:share")
	require.NoError(t, err)
	assert.Equal(t, domain.StepShare, session.State.CurrentStep)

	_, err = f.svc.Navigate(ctx, testOwner, session.ID, "step:chat")
	assert.ErrorIs(t, err, ErrCardInvalidInput)

	session, err = f.svc.Navigate(ctx, testOwner, session.ID, "mode:freeform")
	require.NoError(t, err)
	assert.Equal(t, domain.StepChat, session.State.CurrentStep)
	assert.Len(t, session.State.ChatMessages, 1)

	session, err = f.svc.Navigate(ctx, testOwner, session.ID, "reset")
	require.NoError(t, err)
	assert.Equal(t, domain.StepWelcome, session.State.CurrentStep)
	assert.Empty(t, session.State.ChatMessages)

	_, err = f.svc.Navigate(ctx, testOwner, session.ID, "jump")
	assert.ErrorIs(t, err, ErrCardInvalidInput)
}

func TestCardServiceGenerateMessage(t *testing.T) {
	f := newCardFixture(t, nil)
	f.text.replies = []string{"Happy birthday, Maya! May your year glow.", "Second take."}
	session := f.create(t, domain.FlowModeGuided)
	ctx := context.Background()

	occasion := domain.OccasionBirthday
	name := "Maya"
	_, err := f.svc.UpdateSession(ctx, UpdateSessionCommand{OwnerID: testOwner, SessionID: session.ID, Occasion: &occasion, RecipientName: &name})
	require.NoError(t, err)

	generated, err := f.svc.GenerateMessage(ctx, testOwner, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Happy birthday, Maya! May your year glow.", generated.State.Card.GeneratedMessage)
	assert.Equal(t, generated.State.Card.GeneratedMessage, generated.State.Card.EditedMessage)
	assert.False(t, generated.IsGenerating)

	require.Len(t, f.text.requests, 1)
	prompt := f.text.requests[0].Contents[0].Text
	assert.Contains(t, prompt, "for Maya")
	assert.Contains(t, prompt, "English")

	// The flag is released, so a second generation succeeds.
	_, err = f.svc.GenerateMessage(ctx, testOwner, session.ID)
	require.NoError(t, err)
}

func TestCardServiceGenerateMessageFreeFormPrompt(t *testing.T) {
	f := newCardFixture(t, nil)
	f.text.replies = []string{"Mazal tov on the new home!"}
	session := f.create(t, "")
	ctx := context.Background()

	desc := "housewarming for my sister"
	_, err := f.svc.UpdateSession(ctx, UpdateSessionCommand{OwnerID: testOwner, SessionID: session.ID, FreeFormPrompt: &desc})
	require.NoError(t, err)

	_, err = f.svc.GenerateMessage(ctx, testOwner, session.ID)
	require.NoError(t, err)
	require.Len(t, f.text.requests, 1)
	assert.Contains(t, f.text.requests[0].Contents[0].Text, `"housewarming for my sister"`)
}

func TestCardServiceGenerateMessageBusyAndErrors(t *testing.T) {
	f := newCardFixture(t, nil)
	session := f.create(t, "")
	ctx := context.Background()

	_, err := f.sessions.AcquireGeneration(ctx, session.ID, *f.now, f.now.Add(-time.Minute))
	require.NoError(t, err)

	_, err = f.svc.GenerateMessage(ctx, testOwner, session.ID)
	assert.ErrorIs(t, err, ErrCardGenerationBusy)

	// A flag older than the window is reclaimed.
	*f.now = f.now.Add(defaultGenerationWindow + time.Second)
	f.text.err = errors.New("quota exceeded")
	_, err = f.svc.GenerateMessage(ctx, testOwner, session.ID)
	assert.ErrorIs(t, err, ErrCardUpstream)

	f.text.err = nil
	_, err = f.svc.GenerateMessage(ctx, testOwner, session.ID)
	assert.ErrorIs(t, err, ErrCardUpstream, "empty replies are upstream failures")

	stored, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsGenerating)
}

func TestCardServiceGenerateMessageNotConfigured(t *testing.T) {
	f := newCardFixture(t, func(d *CardServiceDeps) { d.Text = nil })
	session := f.create(t, "")

	_, err := f.svc.GenerateMessage(context.Background(), testOwner, session.ID)
	assert.ErrorIs(t, err, ErrCardNotConfigured)
}

func TestCardServiceChatConversation(t *testing.T) {
	f := newCardFixture(t, nil)
	f.text.replies = []string{"Lovely! Who is the card for?"}
	session := f.create(t, domain.FlowModeFreeform)

	result, err := f.svc.Chat(context.Background(), testOwner, session.ID, "  I need a card  ")
	require.NoError(t, err)
	assert.False(t, result.Ready)
	assert.Equal(t, "Lovely! Who is the card for?", result.Reply)

	state := result.Session.State
	require.Len(t, state.History, 2)
	assert.Equal(t, domain.ChatTurn{Role: domain.ChatRoleUser, Text: "I need a card"}, state.History[0])
	assert.Equal(t, domain.ChatRoleModel, state.History[1].Role)
	require.Len(t, state.ChatMessages, 3)
	assert.Equal(t, domain.ChatRoleUser, state.ChatMessages[1].Role)
	assert.Equal(t, domain.ChatRoleAssistant, state.ChatMessages[2].Role)

	contents := f.text.requests[0].Contents
	assert.Equal(t, "I need a card", contents[len(contents)-1].Text)
}

func TestCardServiceChatCardReady(t *testing.T) {
	f := newCardFixture(t, nil)
	f.photos.images = []domain.BackgroundImage{{ID: "1"}, {ID: "2"}}
	reply := strings.Join([]string{
		"---CARD_READY---",
		"occasion: birthday",
		"style: elegant",
		"tone: funny",
		"recipient: Noa",
		"details: loves climbing",
		"message: Happy birthday Noa, keep reaching new heights!",
		"---END_CARD---",
	}, "\n")
	f.text.replies = []string{reply}
	session := f.create(t, domain.FlowModeFreeform)

	result, err := f.svc.Chat(context.Background(), testOwner, session.ID, "It's for Noa's birthday, make it funny")
	require.NoError(t, err)
	assert.True(t, result.Ready)
	assert.Equal(t, "Creating your card...", result.Reply)

	card := result.Session.State.Card
	assert.Equal(t, domain.OccasionBirthday, *card.Occasion)
	assert.Equal(t, domain.VibeFunny, *card.Vibe)
	assert.Equal(t, "Noa", card.RecipientName)
	assert.Equal(t, "Happy birthday Noa, keep reaching new heights!", card.GeneratedMessage)
	assert.Equal(t, domain.StepShare, result.Session.State.CurrentStep)
	assert.Len(t, card.BackgroundImages, 2)
	require.Len(t, f.photos.queries, 1)
	assert.Equal(t, reply, result.Session.State.History[1].Text)
}

func TestCardServiceChatValidation(t *testing.T) {
	f := newCardFixture(t, nil)
	guided := f.create(t, domain.FlowModeGuided)
	ctx := context.Background()

	_, err := f.svc.Chat(ctx, testOwner, guided.ID, " ")
	assert.ErrorIs(t, err, ErrCardInvalidInput)

	_, err = f.svc.Chat(ctx, testOwner, guided.ID, strings.Repeat("a", maxChatMessageLength+1))
	assert.ErrorIs(t, err, ErrCardInvalidInput)

	f.text.replies = []string{"hi"}
	_, err = f.svc.Chat(ctx, testOwner, guided.ID, "hello")
	assert.ErrorIs(t, err, ErrCardInvalidInput)
	assert.Empty(t, f.text.requests)
}

func TestCardServiceSearchBackgrounds(t *testing.T) {
	f := newCardFixture(t, nil)
	f.photos.images = []domain.BackgroundImage{{ID: "10"}, {ID: "11"}, {ID: "12"}}
	session := f.create(t, domain.FlowModeGuided)
	ctx := context.Background()

	session, err := f.svc.SearchBackgrounds(ctx, testOwner, session.ID, "  sunset!!  beach ")
	require.NoError(t, err)
	assert.Len(t, session.State.Card.BackgroundImages, 3)
	require.NotNil(t, session.State.Card.BackgroundImage)
	assert.Equal(t, "10", session.State.Card.BackgroundImage.ID)
	require.Len(t, f.photos.queries, 1)
	assert.NotEmpty(t, f.photos.queries[0].Query)

	f.photos.err = errors.New("pexels down")
	session, err = f.svc.SearchBackgrounds(ctx, testOwner, session.ID, "")
	assert.ErrorIs(t, err, ErrCardUpstream)
	assert.Empty(t, session.State.Card.BackgroundImages)

	stored, err := f.svc.GetSession(ctx, testOwner, session.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.State.Card.BackgroundImages)
	assert.Nil(t, stored.State.Card.BackgroundImage)
}

func TestCardServiceSelectAndSwipeBackground(t *testing.T) {
	f := newCardFixture(t, nil)
	f.photos.images = []domain.BackgroundImage{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	session := f.create(t, domain.FlowModeGuided)
	ctx := context.Background()

	_, err := f.svc.SearchBackgrounds(ctx, testOwner, session.ID, "flowers")
	require.NoError(t, err)

	selected, err := f.svc.SelectBackground(ctx, testOwner, session.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "c", selected.State.Card.BackgroundImage.ID)

	_, err = f.svc.SelectBackground(ctx, testOwner, session.ID, 3)
	assert.ErrorIs(t, err, ErrCardInvalidInput)

	// Swipes are ignored on the create step.
	swiped, err := f.svc.SwipeBackground(ctx, testOwner, session.ID, -1)
	require.NoError(t, err)
	assert.Equal(t, 2, swiped.State.Card.BackgroundIndex)

	_, err = f.svc.Navigate(ctx, testOwner, session.ID, "step:background")
	require.NoError(t, err)
	swiped, err = f.svc.SwipeBackground(ctx, testOwner, session.ID, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, swiped.State.Card.BackgroundIndex)
	assert.Equal(t, "b", swiped.State.Card.BackgroundImage.ID)
}

func TestCardServiceGenerateBackground(t *testing.T) {
	store := &stubBackgrounds{ref: "gs://cardmaker-exports/cards/01J0ID0001/backgrounds/bg.png"}
	f := newCardFixture(t, func(d *CardServiceDeps) { d.Backgrounds = store })
	f.images.dataURL = "data:image/png;base64,iVBORw0KGgo="
	session := f.create(t, domain.FlowModeGuided)
	ctx := context.Background()

	session, err := f.svc.GenerateBackground(ctx, testOwner, session.ID, "watercolor balloons")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
	require.Len(t, session.State.Card.BackgroundImages, 1)
	bg := session.State.Card.BackgroundImages[0]
	assert.True(t, strings.HasPrefix(bg.ID, "reve-"))
	assert.True(t, strings.HasPrefix(bg.URLs.Regular, "https://storage.example/bg.png?sig="))
	assert.Empty(t, bg.URLs.Thumb)
	require.NotNil(t, bg.AltDescription)
	assert.Equal(t, "watercolor balloons", *bg.AltDescription)

	stored, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ref, stored.State.Card.BackgroundImages[0].URLs.Regular)
	assert.Equal(t, store.ref, stored.State.Card.BackgroundImage.URLs.Regular)

	f.images.err = imagegen.ErrContentViolation
	_, err = f.svc.GenerateBackground(ctx, testOwner, session.ID, "something")
	assert.ErrorIs(t, err, ErrCardInvalidInput)

	f.images.err = errors.New("boom")
	_, err = f.svc.GenerateBackground(ctx, testOwner, session.ID, "something")
	assert.ErrorIs(t, err, ErrCardUpstream)
}

func TestCardServiceSignsStoredBackgroundsOnRead(t *testing.T) {
	store := &stubBackgrounds{ref: "gs://cardmaker-exports/cards/01J0ID0001/backgrounds/bg.png"}
	f := newCardFixture(t, func(d *CardServiceDeps) { d.Backgrounds = store })
	f.images.dataURL = "data:image/png;base64,iVBORw0KGgo="
	session := f.create(t, domain.FlowModeGuided)
	ctx := context.Background()

	generated, err := f.svc.GenerateBackground(ctx, testOwner, session.ID, "stars")
	require.NoError(t, err)
	first := generated.State.Card.BackgroundImage.URLs.Regular

	// Keep the session alive past the longest signature lifetime.
	for i := 0; i < 9; i++ {
		*f.now = f.now.Add(20 * time.Hour)
		_, err = f.svc.UpdateSession(ctx, UpdateSessionCommand{OwnerID: testOwner, SessionID: session.ID})
		require.NoError(t, err)
	}
	loaded, err := f.svc.GetSession(ctx, testOwner, session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first, loaded.State.Card.BackgroundImage.URLs.Regular)

	_, err = f.svc.Preview(ctx, testOwner, session.ID, compose.Viewport{Width: 320, Height: 640})
	require.NoError(t, err)
	require.NotNil(t, f.renderer.card.BackgroundImage)
	assert.True(t, strings.HasPrefix(f.renderer.card.BackgroundImage.URLs.Regular, "https://storage.example/"))

	_, err = f.svc.Export(ctx, testOwner, session.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(f.renderer.card.BackgroundImage.URLs.Regular, "https://storage.example/"))

	stored, err := f.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ref, stored.State.Card.BackgroundImage.URLs.Regular)
}

func TestCardServiceGenerateBackgroundKeepsDataURLWithoutStore(t *testing.T) {
	f := newCardFixture(t, nil)
	f.images.dataURL = "data:image/png;base64,iVBORw0KGgo="
	session := f.create(t, domain.FlowModeGuided)

	session, err := f.svc.GenerateBackground(context.Background(), testOwner, session.ID, "stars")
	require.NoError(t, err)
	urls := session.State.Card.BackgroundImage.URLs
	assert.Equal(t, f.images.dataURL, urls.Regular)
	assert.Empty(t, urls.Raw)
	assert.Empty(t, urls.Full)
	assert.Empty(t, urls.Small)
	assert.Empty(t, urls.Thumb)
}

func TestCardServicePreviewAndExport(t *testing.T) {
	f := newCardFixture(t, nil)
	session := f.create(t, domain.FlowModeGuided)
	ctx := context.Background()

	img, err := f.svc.Preview(ctx, testOwner, session.ID, compose.Viewport{Width: 320, Height: 640})
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())

	_, err = f.svc.Preview(ctx, testOwner, session.ID, compose.Viewport{})
	assert.ErrorIs(t, err, ErrCardInvalidInput)

	result, err := f.svc.Export(ctx, testOwner, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), result.PNG)
	assert.Empty(t, result.URL)
	assert.Equal(t, "card.png", result.Share.FileName)

	_, err = f.svc.Export(ctx, "device:intruder", session.ID)
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestCardServiceDeleteAndPurge(t *testing.T) {
	f := newCardFixture(t, nil)
	ctx := context.Background()
	first := f.create(t, "")
	second := f.create(t, "")

	require.NoError(t, f.svc.DeleteSession(ctx, testOwner, first.ID))
	_, err := f.svc.GetSession(ctx, testOwner, first.ID)
	assert.ErrorIs(t, err, ErrCardNotFound)

	assert.ErrorIs(t, f.svc.DeleteSession(ctx, "device:intruder", second.ID), ErrCardNotFound)

	*f.now = f.now.Add(defaultSessionTTL + time.Minute)
	removed, err := f.svc.PurgeExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
