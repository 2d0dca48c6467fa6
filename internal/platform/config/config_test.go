package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(map[string]string{}), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "3001" {
		t.Errorf("expected default port 3001, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("unexpected read timeout: %s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.BodyLimit != 10<<20 {
		t.Errorf("expected 10MiB body limit, got %d", cfg.Server.BodyLimit)
	}
	if cfg.Server.StaticDir != "dist" {
		t.Errorf("expected static dir dist, got %s", cfg.Server.StaticDir)
	}
	if cfg.Upstreams.Gemini.Model != "gemini-2.0-flash" {
		t.Errorf("unexpected default model %s", cfg.Upstreams.Gemini.Model)
	}
	if cfg.Upstreams.Gemini.BaseURL != defaultGeminiBaseURL {
		t.Errorf("unexpected gemini base url %s", cfg.Upstreams.Gemini.BaseURL)
	}
	if cfg.Upstreams.Pexels.Configured() || cfg.Upstreams.Reve.Configured() {
		t.Errorf("expected upstreams to be unconfigured without keys")
	}
	if cfg.Firestore.Enabled() {
		t.Errorf("expected firestore disabled without a project")
	}
	if cfg.RateLimits.ProxyPerMinute != 60 {
		t.Errorf("unexpected proxy rate limit: %d", cfg.RateLimits.ProxyPerMinute)
	}
	if len(cfg.Security.AllowedOrigins) != 1 || cfg.Security.AllowedOrigins[0] != "*" {
		t.Errorf("expected wildcard origins, got %v", cfg.Security.AllowedOrigins)
	}
	if cfg.Security.FirebaseAuth {
		t.Errorf("expected firebase auth disabled by default")
	}
	if cfg.Security.OIDC.JWKSURL != defaultOIDCJWKSURL {
		t.Errorf("expected default jwks url %s, got %s", defaultOIDCJWKSURL, cfg.Security.OIDC.JWKSURL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Errorf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
	if cfg.Sessions.TTL != 24*time.Hour {
		t.Errorf("unexpected session ttl: %s", cfg.Sessions.TTL)
	}
	if cfg.Dates.DefaultPhoneRegion != "US" {
		t.Errorf("unexpected phone region: %s", cfg.Dates.DefaultPhoneRegion)
	}
	if cfg.Storage.SignedURLTTL != 15*time.Minute {
		t.Errorf("unexpected signed url ttl: %s", cfg.Storage.SignedURLTTL)
	}
	if cfg.Idempotency.Header != defaultIdempotencyHeader {
		t.Errorf("expected default idempotency header, got %s", cfg.Idempotency.Header)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Errorf("unexpected default idempotency ttl: %s", cfg.Idempotency.TTL)
	}
}

func TestLoadWithOverridesAndSecrets(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":                  "9090",
		"API_SERVER_READ_TIMEOUT":          "20s",
		"API_SERVER_WRITE_TIMEOUT":         "25s",
		"API_SERVER_IDLE_TIMEOUT":          "2m",
		"API_SERVER_BODY_LIMIT":            "1048576",
		"API_SERVER_STATIC_DIR":            "/srv/web",
		"API_GEMINI_API_KEY":               "secret://gemini/key",
		"API_GEMINI_MODEL":                 "gemini-2.5-flash",
		"API_PEXELS_API_KEY":               "sm://pexels/key",
		"API_REVE_API_KEY":                 "plain-reve",
		"API_REVE_BASE_URL":                "https://reve.internal/v1",
		"API_UPSTREAM_TIMEOUT":             "45s",
		"API_FIREBASE_PROJECT_ID":          "cards-prod",
		"API_STORAGE_EXPORTS_BUCKET":       "cards-exports",
		"API_STORAGE_SIGNER_EMAIL":         "signer@cards-prod.iam.gserviceaccount.com",
		"API_STORAGE_SIGNED_URL_TTL":       "30m",
		"API_REMINDER_TOPIC":               "date-reminders",
		"API_RATE_LIMIT_PROXY_PER_MINUTE":  "90",
		"API_RATE_LIMIT_EXPORT_PER_MINUTE": "5",
		"API_SECURITY_ENVIRONMENT":         "prod",
		"API_SECURITY_ALLOWED_ORIGINS":     "https://cards.example.com, https://www.cards.example.com",
		"API_SECURITY_FIREBASE_AUTH":       "true",
		"API_SECURITY_OIDC_AUDIENCES":      "prod=https://api.cards.example.com,stg=https://stg.example.com",
		"API_SESSION_TTL":                  "6h",
		"API_DEFAULT_PHONE_REGION":         "il",
		"API_FONTS_DIR":                    "/fonts",
		"API_IDEMPOTENCY_HEADER":           "X-Idem-Key",
		"API_IDEMPOTENCY_TTL":              "48h",
	}

	secrets := map[string]string{
		"secret://gemini/key": "gemini-key",
		"secret://pexels/key": "pexels-key",
	}

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		if v, ok := secrets[ref]; ok {
			return v, nil
		}
		return "", &SecretError{Ref: ref, Err: errNoSecretResolver}
	})

	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""), WithSecretResolver(resolver))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "9090" || cfg.Server.IdleTimeout != 2*time.Minute {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Server.BodyLimit != 1<<20 || cfg.Server.StaticDir != "/srv/web" {
		t.Errorf("unexpected server limits: %+v", cfg.Server)
	}
	if cfg.Upstreams.Gemini.APIKey != "gemini-key" {
		t.Errorf("expected resolved gemini key, got %s", cfg.Upstreams.Gemini.APIKey)
	}
	if cfg.Upstreams.Gemini.Model != "gemini-2.5-flash" {
		t.Errorf("unexpected model %s", cfg.Upstreams.Gemini.Model)
	}
	if cfg.Upstreams.Pexels.APIKey != "pexels-key" {
		t.Errorf("expected resolved pexels key from sm:// reference, got %s", cfg.Upstreams.Pexels.APIKey)
	}
	if cfg.Upstreams.Reve.APIKey != "plain-reve" || cfg.Upstreams.Reve.BaseURL != "https://reve.internal/v1" {
		t.Errorf("unexpected reve config %+v", cfg.Upstreams.Reve)
	}
	if cfg.Upstreams.Timeout != 45*time.Second {
		t.Errorf("unexpected upstream timeout %s", cfg.Upstreams.Timeout)
	}
	if cfg.Firestore.ProjectID != "cards-prod" || !cfg.Firestore.Enabled() {
		t.Errorf("expected firestore project to default to firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.PubSub.ProjectID != "cards-prod" || cfg.PubSub.ReminderTopic != "date-reminders" {
		t.Errorf("unexpected pubsub config %+v", cfg.PubSub)
	}
	if cfg.Storage.SignedURLTTL != 30*time.Minute || cfg.Storage.SignerEmail == "" {
		t.Errorf("unexpected storage config %+v", cfg.Storage)
	}
	if cfg.RateLimits.ProxyPerMinute != 90 || cfg.RateLimits.ExportPerMinute != 5 {
		t.Errorf("unexpected rate limits %+v", cfg.RateLimits)
	}
	if len(cfg.Security.AllowedOrigins) != 2 || cfg.Security.AllowedOrigins[1] != "https://www.cards.example.com" {
		t.Errorf("unexpected origins %v", cfg.Security.AllowedOrigins)
	}
	if !cfg.Security.FirebaseAuth {
		t.Errorf("expected firebase auth enabled")
	}
	if cfg.Security.OIDC.Audience != "https://api.cards.example.com" {
		t.Errorf("expected audience from environment map, got %s", cfg.Security.OIDC.Audience)
	}
	if cfg.Sessions.TTL != 6*time.Hour {
		t.Errorf("unexpected session ttl %s", cfg.Sessions.TTL)
	}
	if cfg.Dates.DefaultPhoneRegion != "IL" {
		t.Errorf("expected upper-cased region, got %s", cfg.Dates.DefaultPhoneRegion)
	}
	if cfg.Render.FontsDir != "/fonts" {
		t.Errorf("unexpected fonts dir %s", cfg.Render.FontsDir)
	}
	if cfg.Idempotency.Header != "X-Idem-Key" || cfg.Idempotency.TTL != 48*time.Hour {
		t.Errorf("unexpected idempotency config %+v", cfg.Idempotency)
	}
}

func TestLoadPortOverride(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT": "9090",
		"PORT":            "8081",
	}
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "8081" {
		t.Fatalf("expected PORT to win, got %s", cfg.Server.Port)
	}
}

func TestLoadDotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_SERVER_PORT=7070\nexport API_FIREBASE_PROJECT_ID=\"cards-dot\"\n# comment\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write dotenv file: %v", err)
	}

	cfg, err := Load(context.Background(), WithEnvFile(envPath), WithoutSystemEnv())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Errorf("expected port from dotenv 7070, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "cards-dot" {
		t.Errorf("expected firebase project from dotenv, got %s", cfg.Firebase.ProjectID)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	env := map[string]string{
		"API_SERVER_PORT":            "not-a-port",
		"API_SECURITY_FIREBASE_AUTH": "true",
		"API_REMINDER_TOPIC":         "reminders",
		"API_DEFAULT_PHONE_REGION":   "USA",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	want := map[string]bool{
		"Server.Port":              true,
		"Firebase.ProjectID":       true,
		"PubSub.ProjectID":         true,
		"Security.OIDC.Audience":   true,
		"Dates.DefaultPhoneRegion": true,
	}
	fields := validationErr.Fields()
	if len(fields) != len(want) {
		t.Fatalf("unexpected fields %v", fields)
	}
	for _, field := range fields {
		if !want[field] {
			t.Errorf("unexpected field %s", field)
		}
	}
}

func TestLoadRequiresBucketForGeneratedBackgroundsInFirestore(t *testing.T) {
	env := map[string]string{
		"API_FIREBASE_PROJECT_ID": "cards-prod",
		"API_REVE_API_KEY":        "plain-reve",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if fields := validationErr.Fields(); len(fields) != 1 || fields[0] != "Storage.ExportsBucket" {
		t.Fatalf("unexpected fields %v", fields)
	}

	env["API_STORAGE_EXPORTS_BUCKET"] = "cards-exports"
	if _, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")); err != nil {
		t.Fatalf("expected config with a bucket to load, got %v", err)
	}

	delete(env, "API_FIREBASE_PROJECT_ID")
	delete(env, "API_STORAGE_EXPORTS_BUCKET")
	if _, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile("")); err != nil {
		t.Fatalf("expected in-memory sessions to accept data URLs, got %v", err)
	}
}

func TestLoadSecretResolverError(t *testing.T) {
	env := map[string]string{
		"API_GEMINI_API_KEY": "secret://missing",
	}

	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	if err == nil {
		t.Fatal("expected secret resolution error, got nil")
	}
	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T", err)
	}
	if secretErr.Ref != "secret://missing" {
		t.Errorf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestEnvironmentValuesMergesSources(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env.test")
	content := "API_FIREBASE_PROJECT_ID=dot-project\nAPI_SECRET_FALLBACK_FILE=.dot.local\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing env file: %v", err)
	}

	t.Setenv("API_FIREBASE_PROJECT_ID", "os-project")
	t.Setenv("API_SECRET_PROJECT_IDS", "prod=project-prod")

	overrides := map[string]string{
		"API_FIREBASE_PROJECT_ID": "override-project",
		"API_SECRET_VERSION_PINS": "secret://gemini/key=5",
	}

	values, err := EnvironmentValues(WithEnvFile(envPath), WithEnvMap(overrides))
	if err != nil {
		t.Fatalf("EnvironmentValues returned error: %v", err)
	}

	if got := values["API_FIREBASE_PROJECT_ID"]; got != "override-project" {
		t.Fatalf("expected override project, got %s", got)
	}
	if got := values["API_SECRET_FALLBACK_FILE"]; got != ".dot.local" {
		t.Fatalf("expected dotenv fallback file, got %s", got)
	}
	if got := values["API_SECRET_PROJECT_IDS"]; got != "prod=project-prod" {
		t.Fatalf("expected system env project map, got %s", got)
	}
	if got := values["API_SECRET_VERSION_PINS"]; got != "secret://gemini/key=5" {
		t.Fatalf("expected override version pin, got %s", got)
	}
}

func TestLoadMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvMap(map[string]string{}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Upstreams.Gemini.APIKey"),
	)
	if err == nil {
		t.Fatal("expected missing secrets error, got nil")
	}
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T", err)
	}
	expectedRedacted := redactSecretName("Upstreams.Gemini.APIKey")
	if got := missing.RedactedNames(); len(got) != 1 || got[0] != expectedRedacted {
		t.Fatalf("unexpected redacted names %v", got)
	}
}

func TestLoadMissingRequiredSecretsPanic(t *testing.T) {
	defer func() {
		rec := recover()
		if rec == nil {
			t.Fatal("expected panic when required secrets missing")
		}
		missing, ok := rec.(*MissingSecretsError)
		if !ok {
			t.Fatalf("expected MissingSecretsError panic, got %T", rec)
		}
		if len(missing.Names()) != 1 || missing.Names()[0] != "Upstreams.Reve.APIKey" {
			t.Fatalf("unexpected missing secrets %v", missing.Names())
		}
	}()

	Load(context.Background(),
		WithEnvMap(map[string]string{}),
		WithoutSystemEnv(),
		WithEnvFile(""),
		WithRequiredSecrets("Upstreams.Reve.APIKey"),
		WithPanicOnMissingSecrets(),
	)
}

func TestSourceParsesListsAndPairs(t *testing.T) {
	src, err := newSource(newLoaderOptions([]Option{
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"API_SECURITY_ALLOWED_ORIGINS": " https://a.example.com, ,https://b.example.com ",
			"API_SECURITY_OIDC_AUDIENCES":  "PROD=https://api.example.com, broken, stg= ,dev=https://dev.example.com",
			"API_SESSION_TTL":              "soon",
			"API_SECURITY_FIREBASE_AUTH":   "maybe",
		}),
	}))
	if err != nil {
		t.Fatalf("newSource: %v", err)
	}

	if got := src.list("API_SECURITY_ALLOWED_ORIGINS"); len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Fatalf("unexpected origins %v", got)
	}
	pairs := src.pairs("API_SECURITY_OIDC_AUDIENCES")
	if len(pairs) != 2 || pairs["prod"] != "https://api.example.com" || pairs["dev"] != "https://dev.example.com" {
		t.Fatalf("unexpected audiences %v", pairs)
	}
	if got := src.duration("API_SESSION_TTL", time.Hour); got != time.Hour {
		t.Fatalf("unparseable duration should fall back, got %s", got)
	}
	if src.boolean("API_SECURITY_FIREBASE_AUTH", true) != true {
		t.Fatal("unrecognised bool should fall back")
	}
	if got := src.list("API_SECURITY_OIDC_ISSUERS"); got != nil {
		t.Fatalf("expected no issuers, got %v", got)
	}
}

func TestSecretRefAcceptsAlias(t *testing.T) {
	cases := map[string]struct {
		ref string
		ok  bool
	}{
		"sm://gemini/key":    {"secret://gemini/key", true},
		" secret://reve/key": {"secret://reve/key", true},
		"plain-value":        {"plain-value", false},
	}
	for in, want := range cases {
		ref, ok := secretRef(in)
		if ref != want.ref || ok != want.ok {
			t.Errorf("secretRef(%q) = %q, %v", in, ref, ok)
		}
	}
}
