// Package textgen generates card messages and chat replies with a hosted language model.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/platform/observability"
	"github.com/PerfectlyContent/cardmaker/internal/prompts"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.0-flash"

const defaultAPIVersion = "v1beta"

var (
	// ErrNotConfigured is returned when the provider has no API key.
	ErrNotConfigured = errors.New("textgen: api key not configured")
	// ErrEmptyRequest is returned for a request without contents.
	ErrEmptyRequest = errors.New("textgen: empty request")
)

// GenerateRequest is a multi-turn generation call.
type GenerateRequest struct {
	Contents []domain.ChatTurn
	Settings prompts.GenerationSettings
}

// Provider generates text from a transcript.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// GeminiConfig configures GeminiProvider.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	Meter   metric.Meter
	Logger  *zap.Logger
}

// GeminiProvider calls the Gemini API through the genai SDK.
type GeminiProvider struct {
	client   *genai.Client
	model    string
	timeout  time.Duration
	recorder *observability.UpstreamRecorder
}

// NewGeminiProvider constructs the provider. The SDK client is created eagerly
// so configuration errors surface at startup.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		root, version := splitAPIVersion(base)
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: root + "/", APIVersion: version}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("textgen: create genai client: %w", err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	return &GeminiProvider{
		client:   client,
		model:    model,
		timeout:  cfg.Timeout,
		recorder: observability.NewUpstreamRecorder("gemini", cfg.Meter, cfg.Logger),
	}, nil
}

// Generate returns the first text part of the first candidate, trimmed. An
// empty candidate set yields "".
func (p *GeminiProvider) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	if len(req.Contents) == 0 {
		return "", ErrEmptyRequest
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	started := time.Now()
	temperature := req.Settings.Temperature
	resp, err := p.client.Models.GenerateContent(ctx, p.model, toContents(req.Contents), &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: req.Settings.MaxOutputTokens,
	})
	if err != nil {
		p.recorder.Record(ctx, observability.OutcomeError, started, err)
		return "", fmt.Errorf("textgen: generate content: %w", err)
	}

	text := firstText(resp)
	outcome := observability.OutcomeSuccess
	if text == "" {
		outcome = observability.OutcomeEmpty
	}
	p.recorder.Record(ctx, outcome, started, nil)
	return text, nil
}

// splitAPIVersion separates a trailing version segment such as /v1beta from
// a configured base URL, since the SDK appends the version itself.
func splitAPIVersion(base string) (string, string) {
	base = strings.TrimSuffix(base, "/")
	idx := strings.LastIndex(base, "/")
	if idx > 0 {
		last := base[idx+1:]
		if len(last) > 1 && last[0] == 'v' && last[1] >= '0' && last[1] <= '9' {
			return base[:idx], last
		}
	}
	return base, defaultAPIVersion
}

func toContents(turns []domain.ChatTurn) []*genai.Content {
	out := make([]*genai.Content, 0, len(turns))
	for _, turn := range turns {
		content := &genai.Content{
			Role:  genai.RoleUser,
			Parts: []*genai.Part{{Text: turn.Text}},
		}
		if turn.Role == domain.ChatRoleModel || turn.Role == domain.ChatRoleAssistant {
			content.Role = genai.RoleModel
		}
		out = append(out, content)
	}
	return out
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	content := resp.Candidates[0].Content
	if content == nil || len(content.Parts) == 0 || content.Parts[0] == nil {
		return ""
	}
	return strings.TrimSpace(content.Parts[0].Text)
}
