package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
	"github.com/PerfectlyContent/cardmaker/internal/platform/observability"
)

const (
	defaultProxyBodyLimit   = 10 << 20
	defaultProxyTimeout     = 60 * time.Second
	defaultProxyRatePerMin  = 60
	maxUpstreamResponseSize = 32 << 20

	defaultGeminiProxyBase  = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiProxyModel = "gemini-2.0-flash"
	defaultPexelsProxyBase  = "https://api.pexels.com/v1"
	defaultReveProxyBase    = "https://api.reve.com/v1"
)

// ProxyUpstream is the credential and base URL of one relayed API.
type ProxyUpstream struct {
	APIKey  string
	BaseURL string
}

// ProxyConfig configures ProxyHandlers.
type ProxyConfig struct {
	Gemini      ProxyUpstream
	GeminiModel string
	Pexels      ProxyUpstream
	Reve        ProxyUpstream

	HTTPClient *http.Client
	Timeout    time.Duration
	// BodyLimit caps JSON request bodies. Larger bodies get 413.
	BodyLimit int64
	// RatePerMinute limits proxy calls per client address. Negative disables.
	RatePerMinute int
	Clock         func() time.Time
	Meter         metric.Meter
	Logger        *zap.Logger
}

// ProxyHandlers relay browser calls to Gemini, Pexels and Reve so API keys
// never reach the client. Responses keep the upstream status and body; local
// failures use a bare {"error": "..."} body.
type ProxyHandlers struct {
	gemini      ProxyUpstream
	geminiModel string
	pexels      ProxyUpstream
	reve        ProxyUpstream
	client      *http.Client
	bodyLimit   int64
	limiter     *keyedLimiter

	geminiRec *observability.UpstreamRecorder
	pexelsRec *observability.UpstreamRecorder
	reveRec   *observability.UpstreamRecorder
}

// NewProxyHandlers builds the relay handlers.
func NewProxyHandlers(cfg ProxyConfig) *ProxyHandlers {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultProxyTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := cfg.BodyLimit
	if limit <= 0 {
		limit = defaultProxyBodyLimit
	}
	rate := cfg.RatePerMinute
	if rate == 0 {
		rate = defaultProxyRatePerMin
	}
	model := strings.TrimSpace(cfg.GeminiModel)
	if model == "" {
		model = defaultGeminiProxyModel
	}
	return &ProxyHandlers{
		gemini:      withDefaultBase(cfg.Gemini, defaultGeminiProxyBase),
		geminiModel: model,
		pexels:      withDefaultBase(cfg.Pexels, defaultPexelsProxyBase),
		reve:        withDefaultBase(cfg.Reve, defaultReveProxyBase),
		client:      client,
		bodyLimit:   limit,
		limiter:     newKeyedLimiter(rate, cfg.Clock),
		geminiRec:   observability.NewUpstreamRecorder("gemini", cfg.Meter, cfg.Logger),
		pexelsRec:   observability.NewUpstreamRecorder("pexels", cfg.Meter, cfg.Logger),
		reveRec:     observability.NewUpstreamRecorder("reve", cfg.Meter, cfg.Logger),
	}
}

func withDefaultBase(u ProxyUpstream, base string) ProxyUpstream {
	u.APIKey = strings.TrimSpace(u.APIKey)
	u.BaseURL = strings.TrimSuffix(strings.TrimSpace(u.BaseURL), "/")
	if u.BaseURL == "" {
		u.BaseURL = base
	}
	return u
}

// Routes registers the relay endpoints under /api.
func (h *ProxyHandlers) Routes(r chi.Router) {
	if h == nil {
		return
	}
	r.Group(func(rr chi.Router) {
		rr.Use(h.rateLimit)
		rr.Post("/gemini/generate", h.geminiGenerate)
		rr.Get("/pexels/search", h.pexelsSearch)
		rr.Post("/reve/generate", h.reveGenerate)
	})
}

func (h *ProxyHandlers) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, delay := h.limiter.take(clientKey(r)); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(delay)))
			writeProxyError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type geminiProxyRequest struct {
	Contents         json.RawMessage `json:"contents"`
	GenerationConfig json.RawMessage `json:"generationConfig,omitempty"`
}

func (h *ProxyHandlers) geminiGenerate(w http.ResponseWriter, r *http.Request) {
	if h.gemini.APIKey == "" {
		writeProxyError(w, http.StatusInternalServerError, "Gemini API key not configured")
		return
	}
	body, ok := h.readJSONBody(w, r)
	if !ok {
		return
	}
	var req geminiProxyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeProxyError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	payload, err := json.Marshal(req)
	if err != nil {
		writeProxyError(w, http.StatusInternalServerError, "Gemini request failed")
		return
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		h.gemini.BaseURL, url.PathEscape(h.geminiModel), url.QueryEscape(h.gemini.APIKey))
	h.relay(r.Context(), w, h.geminiRec, "Gemini request failed", http.MethodPost, endpoint, payload, nil)
}

func (h *ProxyHandlers) pexelsSearch(w http.ResponseWriter, r *http.Request) {
	if h.pexels.APIKey == "" {
		writeProxyError(w, http.StatusInternalServerError, "Pexels API key not configured")
		return
	}
	endpoint := h.pexels.BaseURL + "/search"
	if raw := r.URL.Query().Encode(); raw != "" {
		endpoint += "?" + raw
	}
	headers := http.Header{}
	headers.Set("Authorization", h.pexels.APIKey)
	h.relay(r.Context(), w, h.pexelsRec, "Pexels request failed", http.MethodGet, endpoint, nil, headers)
}

func (h *ProxyHandlers) reveGenerate(w http.ResponseWriter, r *http.Request) {
	if h.reve.APIKey == "" {
		writeProxyError(w, http.StatusInternalServerError, "Reve API key not configured")
		return
	}
	body, ok := h.readJSONBody(w, r)
	if !ok {
		return
	}
	if !json.Valid(body) {
		writeProxyError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+h.reve.APIKey)
	h.relay(r.Context(), w, h.reveRec, "Reve request failed", http.MethodPost, h.reve.BaseURL+"/image/create", body, headers)
}

func (h *ProxyHandlers) readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := readLimitedBody(r, h.bodyLimit)
	switch {
	case err == nil:
		return body, true
	case errors.Is(err, errBodyTooLarge):
		writeProxyError(w, http.StatusRequestEntityTooLarge, "Request body too large")
	case errors.Is(err, errEmptyBody):
		writeProxyError(w, http.StatusBadRequest, "Request body is required")
	default:
		writeProxyError(w, http.StatusBadRequest, "Unable to read request body")
	}
	return nil, false
}

// relay performs the upstream call and copies its status and JSON body.
func (h *ProxyHandlers) relay(ctx context.Context, w http.ResponseWriter, rec *observability.UpstreamRecorder, failure, method, endpoint string, body []byte, headers http.Header) {
	started := time.Now()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		rec.Record(ctx, observability.OutcomeError, started, err)
		writeProxyError(w, http.StatusInternalServerError, failure)
		return
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		rec.Record(ctx, observability.OutcomeError, started, err)
		writeProxyError(w, http.StatusInternalServerError, failure)
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponseSize))
	if err != nil || !json.Valid(data) {
		if err == nil {
			err = fmt.Errorf("upstream returned non-JSON body with status %d", resp.StatusCode)
		}
		rec.Record(ctx, observability.OutcomeError, started, err)
		writeProxyError(w, http.StatusInternalServerError, failure)
		return
	}

	outcome := observability.OutcomeSuccess
	if resp.StatusCode >= 400 {
		outcome = observability.OutcomeRejected
	}
	rec.Record(ctx, outcome, started, nil)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(data)
}

func writeProxyError(w http.ResponseWriter, status int, message string) {
	httpx.WriteJSON(w, status, map[string]string{"error": message})
}

// clientKey identifies the caller for rate limiting. RealIP has already
// rewritten RemoteAddr when a proxy header is present.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
