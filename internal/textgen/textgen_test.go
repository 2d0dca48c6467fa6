package textgen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/PerfectlyContent/cardmaker/internal/domain"
	"github.com/PerfectlyContent/cardmaker/internal/prompts"
)

func TestNewGeminiProviderRequiresKey(t *testing.T) {
	_, err := NewGeminiProvider(context.Background(), GeminiConfig{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestGeminiProviderGenerate(t *testing.T) {
	var captured map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"  Happy birthday, Maya!  "}]}}]}`))
	}))
	defer srv.Close()

	provider, err := NewGeminiProvider(context.Background(), GeminiConfig{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	got, err := provider.Generate(context.Background(), GenerateRequest{
		Contents: prompts.CardContents("Write a birthday celebration message"),
		Settings: prompts.CardGeneration,
	})
	require.NoError(t, err)
	assert.Equal(t, "Happy birthday, Maya!", got)
	assert.True(t, strings.HasSuffix(path, "models/gemini-2.0-flash:generateContent"), path)

	cfg, ok := captured["generationConfig"].(map[string]any)
	require.True(t, ok, "generationConfig missing: %v", captured)
	assert.EqualValues(t, 150, cfg["maxOutputTokens"])
	assert.InDelta(t, 0.8, cfg["temperature"], 1e-6)
}

func TestGeminiProviderEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	provider, err := NewGeminiProvider(context.Background(), GeminiConfig{APIKey: "k", BaseURL: srv.URL, Model: "gemini-test"})
	require.NoError(t, err)

	got, err := provider.Generate(context.Background(), GenerateRequest{
		Contents: []domain.ChatTurn{{Role: domain.ChatRoleUser, Text: "hi"}},
		Settings: prompts.ChatGeneration,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGeminiProviderUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`))
	}))
	defer srv.Close()

	provider, err := NewGeminiProvider(context.Background(), GeminiConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = provider.Generate(context.Background(), GenerateRequest{Contents: []domain.ChatTurn{{Role: domain.ChatRoleUser, Text: "hi"}}})
	assert.Error(t, err)

	_, err = provider.Generate(context.Background(), GenerateRequest{})
	assert.ErrorIs(t, err, ErrEmptyRequest)
}

func TestSplitAPIVersion(t *testing.T) {
	root, version := splitAPIVersion("https://generativelanguage.googleapis.com/v1beta/")
	assert.Equal(t, "https://generativelanguage.googleapis.com", root)
	assert.Equal(t, "v1beta", version)

	root, version = splitAPIVersion("http://127.0.0.1:9999")
	assert.Equal(t, "http://127.0.0.1:9999", root)
	assert.Equal(t, "v1beta", version)
}

func TestToContentsMapsRoles(t *testing.T) {
	contents := toContents([]domain.ChatTurn{
		{Role: domain.ChatRoleUser, Text: "a"},
		{Role: domain.ChatRoleAssistant, Text: "b"},
		{Role: domain.ChatRoleModel, Text: "c"},
	})
	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, genai.RoleModel, contents[1].Role)
	assert.Equal(t, genai.RoleModel, contents[2].Role)
	assert.Equal(t, "b", contents[1].Parts[0].Text)
}
