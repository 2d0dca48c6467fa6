package handlers

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/PerfectlyContent/cardmaker/internal/compose"
	domain "github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
	"github.com/PerfectlyContent/cardmaker/internal/services"
	"github.com/PerfectlyContent/cardmaker/internal/wizard"
)

const maxSessionRequestBody = 64 * 1024

// SessionHandlers exposes the card wizard over HTTP. Every route is owner
// scoped; the owner middleware runs before them.
type SessionHandlers struct {
	cards   services.CardService
	exports services.ExportService
	// exportMiddlewares wrap only the export route (idempotency, rate limits).
	exportMiddlewares []func(http.Handler) http.Handler
}

// SessionOption customises SessionHandlers.
type SessionOption func(*SessionHandlers)

// WithExportMiddlewares wraps the export route with mw.
func WithExportMiddlewares(mw ...func(http.Handler) http.Handler) SessionOption {
	return func(h *SessionHandlers) {
		h.exportMiddlewares = append(h.exportMiddlewares, mw...)
	}
}

// NewSessionHandlers constructs the session handlers.
func NewSessionHandlers(cards services.CardService, exports services.ExportService, opts ...SessionOption) *SessionHandlers {
	h := &SessionHandlers{cards: cards, exports: exports}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers /sessions and /exports endpoints.
func (h *SessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Route("/sessions", func(sr chi.Router) {
		sr.Post("/", h.createSession)
		sr.Route("/{sessionID}", func(one chi.Router) {
			one.Get("/", h.getSession)
			one.Patch("/", h.updateSession)
			one.Delete("/", h.deleteSession)
			one.Post("/navigate", h.navigate)
			one.Post("/message", h.generateMessage)
			one.Post("/chat", h.chat)
			one.Post("/backgrounds/search", h.searchBackgrounds)
			one.Post("/backgrounds/generate", h.generateBackground)
			one.Post("/backgrounds/select", h.selectBackground)
			one.Post("/backgrounds/swipe", h.swipeBackground)
			one.Get("/preview", h.preview)
			one.With(h.exportMiddlewares...).Post("/export", h.export)
		})
	})
	r.Get("/exports/{exportID}", h.getExport)
}

type createSessionRequest struct {
	Language string `json:"language"`
	Mode     string `json:"mode"`
}

type updateSessionRequest struct {
	Language         *string `json:"language"`
	Occasion         *string `json:"occasion"`
	RecipientType    *string `json:"recipientType"`
	RecipientName    *string `json:"recipientName"`
	RecipientDetails *string `json:"recipientDetails"`
	Vibe             *string `json:"vibe"`
	IncludeQuote     *bool   `json:"includeQuote"`
	FreeFormPrompt   *string `json:"freeFormPrompt"`
	EditedMessage    *string `json:"editedMessage"`
	TextColor        *string `json:"textColor"`
	FontSize         *int    `json:"fontSize"`
	FontFamily       *string `json:"fontFamily"`
	FontWeight       *int    `json:"fontWeight"`
	FontStyle        *string `json:"fontStyle"`
	TextPosition     *string `json:"textPosition"`
}

type navigateRequest struct {
	Action string `json:"action"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type searchRequest struct {
	Query string `json:"query"`
}

type generateBackgroundRequest struct {
	Prompt string `json:"prompt"`
}

type selectBackgroundRequest struct {
	Index *int `json:"index"`
}

type swipeRequest struct {
	Delta int `json:"delta"`
}

func (h *SessionHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !decodeJSONBody(w, r, maxSessionRequestBody, &req, true) {
		return
	}
	lang := firstNonEmpty(req.Language, r.URL.Query().Get("lang"), r.Header.Get("Accept-Language"))
	session, err := h.cards.CreateSession(r.Context(), services.CreateSessionCommand{
		OwnerID:  ownerID,
		Language: strings.TrimSpace(lang),
		Mode:     domain.FlowMode(strings.TrimSpace(req.Mode)),
	})
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toSessionResponse(session))
}

func (h *SessionHandlers) getSession(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	session, err := h.cards.GetSession(r.Context(), ownerID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *SessionHandlers) updateSession(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req updateSessionRequest
	if !decodeJSONBody(w, r, maxSessionRequestBody, &req, false) {
		return
	}
	cmd := services.UpdateSessionCommand{
		OwnerID:          ownerID,
		SessionID:        chi.URLParam(r, "sessionID"),
		Language:         req.Language,
		RecipientName:    req.RecipientName,
		RecipientDetails: req.RecipientDetails,
		IncludeQuote:     req.IncludeQuote,
		FreeFormPrompt:   req.FreeFormPrompt,
		EditedMessage:    req.EditedMessage,
		TextColor:        req.TextColor,
		FontSize:         req.FontSize,
		FontFamily:       req.FontFamily,
		FontWeight:       req.FontWeight,
	}
	if req.Occasion != nil {
		v := domain.Occasion(strings.TrimSpace(*req.Occasion))
		cmd.Occasion = &v
	}
	if req.RecipientType != nil {
		v := domain.RecipientType(strings.TrimSpace(*req.RecipientType))
		cmd.RecipientType = &v
	}
	if req.Vibe != nil {
		v := domain.Vibe(strings.TrimSpace(*req.Vibe))
		cmd.Vibe = &v
	}
	if req.FontStyle != nil {
		v := domain.FontStyle(strings.TrimSpace(*req.FontStyle))
		cmd.FontStyle = &v
	}
	if req.TextPosition != nil {
		v := domain.TextPosition(strings.TrimSpace(*req.TextPosition))
		cmd.TextPosition = &v
	}

	session, err := h.cards.UpdateSession(r.Context(), cmd)
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *SessionHandlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	if err := h.cards.DeleteSession(r.Context(), ownerID, chi.URLParam(r, "sessionID")); err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionHandlers) navigate(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req navigateRequest
	if !decodeJSONBody(w, r, maxSessionRequestBody, &req, false) {
		return
	}
	session, err := h.cards.Navigate(r.Context(), ownerID, chi.URLParam(r, "sessionID"), req.Action)
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *SessionHandlers) generateMessage(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	session, err := h.cards.GenerateMessage(r.Context(), ownerID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

type chatResponse struct {
	Reply   string          `json:"reply"`
	Ready   bool            `json:"ready"`
	Session sessionResponse `json:"session"`
}

func (h *SessionHandlers) chat(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if !decodeJSONBody(w, r, maxSessionRequestBody, &req, false) {
		return
	}
	result, err := h.cards.Chat(r.Context(), ownerID, chi.URLParam(r, "sessionID"), req.Message)
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, chatResponse{
		Reply:   result.Reply,
		Ready:   result.Ready,
		Session: toSessionResponse(result.Session),
	})
}

func (h *SessionHandlers) searchBackgrounds(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if !decodeJSONBody(w, r, maxSessionRequestBody, &req, true) {
		return
	}
	query := firstNonEmpty(req.Query, r.URL.Query().Get("q"))
	session, err := h.cards.SearchBackgrounds(r.Context(), ownerID, chi.URLParam(r, "sessionID"), query)
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *SessionHandlers) generateBackground(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req generateBackgroundRequest
	if !decodeJSONBody(w, r, maxSessionRequestBody, &req, true) {
		return
	}
	session, err := h.cards.GenerateBackground(r.Context(), ownerID, chi.URLParam(r, "sessionID"), req.Prompt)
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *SessionHandlers) selectBackground(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req selectBackgroundRequest
	if !decodeJSONBody(w, r, maxSessionRequestBody, &req, false) {
		return
	}
	if req.Index == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "index is required", http.StatusBadRequest))
		return
	}
	session, err := h.cards.SelectBackground(r.Context(), ownerID, chi.URLParam(r, "sessionID"), *req.Index)
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *SessionHandlers) swipeBackground(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	var req swipeRequest
	if !decodeJSONBody(w, r, maxSessionRequestBody, &req, false) {
		return
	}
	session, err := h.cards.SwipeBackground(r.Context(), ownerID, chi.URLParam(r, "sessionID"), req.Delta)
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

func (h *SessionHandlers) preview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	viewport, err := parseViewport(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	img, err := h.cards.Preview(ctx, ownerID, chi.URLParam(r, "sessionID"), viewport)
	if err != nil {
		writeCardError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = png.Encode(w, img)
}

func parseViewport(r *http.Request) (compose.Viewport, error) {
	q := r.URL.Query()
	width, err := strconv.Atoi(strings.TrimSpace(q.Get("width")))
	if err != nil {
		return compose.Viewport{}, errors.New("width must be an integer")
	}
	height, err := strconv.Atoi(strings.TrimSpace(q.Get("height")))
	if err != nil {
		return compose.Viewport{}, errors.New("height must be an integer")
	}
	compact := false
	if raw := strings.TrimSpace(q.Get("compact")); raw != "" {
		compact, err = strconv.ParseBool(raw)
		if err != nil {
			return compose.Viewport{}, errors.New("compact must be a boolean")
		}
	}
	return compose.Viewport{Width: width, Height: height, Compact: compact}, nil
}

type shareResponse struct {
	FileName    string `json:"fileName"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	WhatsAppURL string `json:"whatsappUrl"`
	EmailURL    string `json:"emailUrl"`
}

type exportResponse struct {
	ExportID  string        `json:"exportId"`
	SessionID string        `json:"sessionId"`
	URL       string        `json:"url"`
	ExpiresAt string        `json:"expiresAt"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Size      int64         `json:"size"`
	Share     shareResponse `json:"share"`
}

func (h *SessionHandlers) export(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	result, err := h.cards.Export(r.Context(), ownerID, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	if result.Export == nil {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Share.FileName))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.PNG)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, toExportResponse(result))
}

func (h *SessionHandlers) getExport(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}
	if h.exports == nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("export_not_found", "export not found", http.StatusNotFound))
		return
	}
	result, err := h.exports.GetExport(r.Context(), ownerID, chi.URLParam(r, "exportID"))
	if err != nil {
		writeCardError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toExportResponse(result))
}

func toExportResponse(result services.ExportResult) exportResponse {
	resp := exportResponse{
		URL:       result.URL,
		ExpiresAt: formatTime(result.ExpiresAt),
		Share: shareResponse{
			FileName:    result.Share.FileName,
			Title:       result.Share.Title,
			Text:        result.Share.Text,
			WhatsAppURL: result.Share.WhatsAppURL,
			EmailURL:    result.Share.EmailURL,
		},
	}
	if exp := result.Export; exp != nil {
		resp.ExportID = exp.ID
		resp.SessionID = exp.SessionID
		resp.Width = exp.Width
		resp.Height = exp.Height
		resp.Size = exp.Size
	}
	return resp
}

type imageURLsResponse struct {
	Raw     string `json:"raw"`
	Full    string `json:"full"`
	Regular string `json:"regular"`
	Small   string `json:"small"`
	Thumb   string `json:"thumb"`
}

type backgroundImageResponse struct {
	ID              string            `json:"id"`
	URLs            imageURLsResponse `json:"urls"`
	AltDescription  *string           `json:"alt_description"`
	Photographer    string            `json:"photographer,omitempty"`
	PhotographerURL string            `json:"photographerUrl,omitempty"`
	Width           int               `json:"width"`
	Height          int               `json:"height"`
}

type cardResponse struct {
	Mode             string                    `json:"mode"`
	Occasion         *string                   `json:"occasion"`
	RecipientType    string                    `json:"recipientType"`
	RecipientName    string                    `json:"recipientName"`
	RecipientDetails string                    `json:"recipientDetails"`
	Vibe             *string                   `json:"vibe"`
	IncludeQuote     bool                      `json:"includeQuote"`
	FreeFormPrompt   string                    `json:"freeFormPrompt"`
	GeneratedMessage string                    `json:"generatedMessage"`
	EditedMessage    string                    `json:"editedMessage"`
	BackgroundImage  *backgroundImageResponse  `json:"backgroundImage"`
	BackgroundImages []backgroundImageResponse `json:"backgroundImages"`
	BackgroundIndex  int                       `json:"backgroundIndex"`
	TextColor        string                    `json:"textColor"`
	FontSize         int                       `json:"fontSize"`
	FontFamily       string                    `json:"fontFamily"`
	FontWeight       int                       `json:"fontWeight"`
	FontStyle        string                    `json:"fontStyle"`
	TextPosition     string                    `json:"textPosition"`
}

type chatMessageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

type sessionResponse struct {
	ID           string                `json:"id"`
	Language     string                `json:"language"`
	Step         string                `json:"step"`
	StepIndex    int                   `json:"stepIndex"`
	Steps        []string              `json:"steps"`
	Direction    int                   `json:"direction"`
	Card         cardResponse          `json:"card"`
	ChatMessages []chatMessageResponse `json:"chatMessages"`
	IsGenerating bool                  `json:"isGenerating"`
	CreatedAt    string                `json:"createdAt"`
	UpdatedAt    string                `json:"updatedAt"`
	ExpiresAt    string                `json:"expiresAt"`
}

func toSessionResponse(session services.CardSession) sessionResponse {
	state := session.State
	steps := wizard.Steps(state.Card.Mode)
	stepNames := make([]string, 0, len(steps))
	for _, step := range steps {
		stepNames = append(stepNames, string(step))
	}
	messages := make([]chatMessageResponse, 0, len(state.ChatMessages))
	for _, msg := range state.ChatMessages {
		messages = append(messages, chatMessageResponse{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Text:      msg.Text,
			CreatedAt: formatTime(msg.CreatedAt),
		})
	}
	return sessionResponse{
		ID:           session.ID,
		Language:     session.Language,
		Step:         string(state.CurrentStep),
		StepIndex:    wizard.StepIndex(state),
		Steps:        stepNames,
		Direction:    state.Direction,
		Card:         toCardResponse(state.Card),
		ChatMessages: messages,
		IsGenerating: session.IsGenerating,
		CreatedAt:    formatTime(session.CreatedAt),
		UpdatedAt:    formatTime(session.UpdatedAt),
		ExpiresAt:    formatTime(session.ExpiresAt),
	}
}

func toCardResponse(card domain.CardData) cardResponse {
	resp := cardResponse{
		Mode:             string(card.Mode),
		RecipientType:    string(card.RecipientType),
		RecipientName:    card.RecipientName,
		RecipientDetails: card.RecipientDetails,
		IncludeQuote:     card.IncludeQuote,
		FreeFormPrompt:   card.FreeFormPrompt,
		GeneratedMessage: card.GeneratedMessage,
		EditedMessage:    card.EditedMessage,
		BackgroundIndex:  card.BackgroundIndex,
		TextColor:        card.TextColor,
		FontSize:         card.FontSize,
		FontFamily:       card.FontFamily,
		FontWeight:       card.FontWeight,
		FontStyle:        string(card.FontStyle),
		TextPosition:     string(card.TextPosition),
		BackgroundImages: make([]backgroundImageResponse, 0, len(card.BackgroundImages)),
	}
	if card.Occasion != nil {
		v := string(*card.Occasion)
		resp.Occasion = &v
	}
	if card.Vibe != nil {
		v := string(*card.Vibe)
		resp.Vibe = &v
	}
	if card.BackgroundImage != nil {
		img := toBackgroundImageResponse(*card.BackgroundImage)
		resp.BackgroundImage = &img
	}
	for _, img := range card.BackgroundImages {
		resp.BackgroundImages = append(resp.BackgroundImages, toBackgroundImageResponse(img))
	}
	return resp
}

// toBackgroundImageResponse fills missing renditions from Regular; generated
// backgrounds only carry that one.
func toBackgroundImageResponse(img domain.BackgroundImage) backgroundImageResponse {
	regular := img.URLs.Regular
	return backgroundImageResponse{
		ID: img.ID,
		URLs: imageURLsResponse{
			Raw:     firstNonEmpty(img.URLs.Raw, regular),
			Full:    firstNonEmpty(img.URLs.Full, regular),
			Regular: regular,
			Small:   firstNonEmpty(img.URLs.Small, regular),
			Thumb:   firstNonEmpty(img.URLs.Thumb, regular),
		},
		AltDescription:  img.AltDescription,
		Photographer:    img.Photographer,
		PhotographerURL: img.PhotographerURL,
		Width:           img.Width,
		Height:          img.Height,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func writeCardError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCardInvalidInput), errors.Is(err, services.ErrExportInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCardNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("session_not_found", "session not found", http.StatusNotFound))
	case errors.Is(err, services.ErrExportNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("export_not_found", "export not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCardGenerationBusy):
		httpx.WriteError(ctx, w, httpx.NewError("generation_in_progress", "a generation is already running for this session", http.StatusConflict))
	case errors.Is(err, services.ErrCardNotConfigured):
		httpx.WriteError(ctx, w, httpx.NewError("provider_not_configured", err.Error(), http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrCardUpstream):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_error", err.Error(), http.StatusBadGateway))
	case errors.Is(err, services.ErrExportStorage):
		httpx.WriteError(ctx, w, httpx.NewError("export_storage_error", "unable to store export", http.StatusBadGateway))
	case errors.Is(err, services.ErrCardRepositoryUnavailable), errors.Is(err, services.ErrExportUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("session_store_unavailable", "session store unavailable", http.StatusServiceUnavailable))
	case errors.Is(err, services.ErrCardRenderFailed):
		httpx.WriteError(ctx, w, httpx.NewError("render_failed", "unable to render card", http.StatusInternalServerError))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("card_error", err.Error(), http.StatusInternalServerError))
	}
}
