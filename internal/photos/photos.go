// Package photos searches stock photography for card backgrounds.
package photos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/platform/observability"
)

const (
	// DefaultBaseURL is the Pexels v1 API root.
	DefaultBaseURL = "https://api.pexels.com/v1"
	DefaultPerPage = 12
	maxPerPage     = 80
	maxErrorBody   = 4 << 10
)

var (
	// ErrNotConfigured is returned when the provider has no API key.
	ErrNotConfigured = errors.New("photos: api key not configured")
	// ErrEmptyQuery is returned for a blank search.
	ErrEmptyQuery = errors.New("photos: empty query")
)

// SearchQuery is a background search.
type SearchQuery struct {
	Query   string
	Page    int
	PerPage int
}

// Provider searches for background images.
type Provider interface {
	Search(ctx context.Context, q SearchQuery) ([]domain.BackgroundImage, error)
}

// StatusError reports a non-200 upstream response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("photos: upstream status %d", e.Status)
}

// PexelsConfig configures PexelsProvider.
type PexelsConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Meter      metric.Meter
	Logger     *zap.Logger
}

// PexelsProvider searches square photos on Pexels.
type PexelsProvider struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	recorder *observability.UpstreamRecorder
}

// NewPexelsProvider constructs the provider.
func NewPexelsProvider(cfg PexelsConfig) (*PexelsProvider, error) {
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
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &PexelsProvider{
		apiKey:   cfg.APIKey,
		baseURL:  base,
		client:   client,
		recorder: observability.NewUpstreamRecorder("pexels", cfg.Meter, cfg.Logger),
	}, nil
}

type pexelsResponse struct {
	Photos []pexelsPhoto `json:"photos"`
}

type pexelsPhoto struct {
	ID              int64     `json:"id"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	Photographer    string    `json:"photographer"`
	PhotographerURL string    `json:"photographer_url"`
	Alt             string    `json:"alt"`
	Src             pexelsSrc `json:"src"`
}

type pexelsSrc struct {
	Original string `json:"original"`
	Large2x  string `json:"large2x"`
	Large    string `json:"large"`
	Medium   string `json:"medium"`
	Small    string `json:"small"`
}

// Search runs a square-orientation search.
func (p *PexelsProvider) Search(ctx context.Context, q SearchQuery) ([]domain.BackgroundImage, error) {
	query := strings.TrimSpace(q.Query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	page := q.Page
	if page <= 0 {
		page = 1
	}
	perPage := q.PerPage
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("page", strconv.Itoa(page))
	params.Set("per_page", strconv.Itoa(perPage))
	params.Set("orientation", "square")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("photos: build request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)

	started := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.recorder.Record(ctx, observability.OutcomeError, started, err)
		return nil, fmt.Errorf("photos: search: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{Status: resp.StatusCode, Body: string(body)}
		p.recorder.Record(ctx, observability.OutcomeError, started, statusErr)
		return nil, statusErr
	}

	var payload pexelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		p.recorder.Record(ctx, observability.OutcomeError, started, err)
		return nil, fmt.Errorf("photos: decode response: %w", err)
	}

	images := make([]domain.BackgroundImage, 0, len(payload.Photos))
	for _, photo := range payload.Photos {
		images = append(images, toBackground(photo))
	}
	outcome := observability.OutcomeSuccess
	if len(images) == 0 {
		outcome = observability.OutcomeEmpty
	}
	p.recorder.Record(ctx, outcome, started, nil)
	return images, nil
}

func toBackground(photo pexelsPhoto) domain.BackgroundImage {
	regular := photo.Src.Large2x
	if regular == "" {
		regular = photo.Src.Large
	}
	var alt *string
	if photo.Alt != "" {
		value := photo.Alt
		alt = &value
	}
	return domain.BackgroundImage{
		ID: strconv.FormatInt(photo.ID, 10),
		URLs: domain.ImageURLs{
			Raw:     photo.Src.Original,
			Full:    photo.Src.Original,
			Regular: regular,
			Small:   photo.Src.Medium,
			Thumb:   photo.Src.Small,
		},
		AltDescription:  alt,
		Photographer:    photo.Photographer,
		PhotographerURL: photo.PhotographerURL,
		Width:           photo.Width,
		Height:          photo.Height,
	}
}
