// Package imagegen creates card backgrounds with a text-to-image model.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/PerfectlyContent/cardmaker/internal/platform/observability"
)

const (
	// DefaultBaseURL is the Reve v1 API root.
	DefaultBaseURL = "https://api.reve.com/v1"
	// AspectRatio is requested for every card background.
	AspectRatio  = "1:1"
	maxErrorBody = 4 << 10
	maxImageBody = 32 << 20
)

var (
	// ErrNotConfigured is returned when the provider has no API key.
	ErrNotConfigured = errors.New("imagegen: api key not configured")
	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("imagegen: empty prompt")
	// ErrContentViolation is returned when the model refuses the prompt.
	ErrContentViolation = errors.New("imagegen: content policy violation")
	// ErrNoImage is returned when the response carries no image.
	ErrNoImage = errors.New("imagegen: no image returned")
)

// Provider turns a prompt into an image reference usable as a background.
type Provider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("imagegen: upstream status %d", e.Status)
}

// ReveConfig configures ReveProvider.
type ReveConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Meter      metric.Meter
	Logger     *zap.Logger
}

// ReveProvider calls the Reve image creation endpoint.
type ReveProvider struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	recorder *observability.UpstreamRecorder
}

// NewReveProvider constructs the provider.
func NewReveProvider(cfg ReveConfig) (*ReveProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	base := strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &ReveProvider{
		apiKey:   cfg.APIKey,
		baseURL:  base,
		client:   client,
		recorder: observability.NewUpstreamRecorder("reve", cfg.Meter, cfg.Logger),
	}, nil
}

type createRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
}

type createResponse struct {
	Image            string `json:"image"`
	ContentViolation bool   `json:"content_violation"`
}

// Generate returns the created image as a base64 PNG data URL.
func (p *ReveProvider) Generate(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	body, err := json.Marshal(createRequest{Prompt: prompt, AspectRatio: AspectRatio})
	if err != nil {
		return "", fmt.Errorf("imagegen: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/image/create", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("imagegen: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	started := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.recorder.Record(ctx, observability.OutcomeError, started, err)
		return "", fmt.Errorf("imagegen: create image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{Status: resp.StatusCode, Body: string(raw)}
		p.recorder.Record(ctx, observability.OutcomeError, started, statusErr)
		return "", statusErr
	}

	var payload createResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxImageBody)).Decode(&payload); err != nil {
		p.recorder.Record(ctx, observability.OutcomeError, started, err)
		return "", fmt.Errorf("imagegen: decode response: %w", err)
	}
	if payload.ContentViolation {
		p.recorder.Record(ctx, observability.OutcomeRejected, started, ErrContentViolation)
		return "", ErrContentViolation
	}
	if payload.Image == "" {
		p.recorder.Record(ctx, observability.OutcomeEmpty, started, ErrNoImage)
		return "", ErrNoImage
	}
	p.recorder.Record(ctx, observability.OutcomeSuccess, started, nil)
	return "data:image/png;base64," + payload.Image, nil
}
