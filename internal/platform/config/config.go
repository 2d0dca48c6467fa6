package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "3001"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 60 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultBodyLimit            = 10 << 20
	defaultStaticDir            = "dist"
	defaultGeminiBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel          = "gemini-2.0-flash"
	defaultPexelsBaseURL        = "https://api.pexels.com/v1"
	defaultReveBaseURL          = "https://api.reve.com/v1"
	defaultUpstreamTimeout      = 60 * time.Second
	defaultSignedURLTTL         = 15 * time.Minute
	defaultRateLimitProxy       = 60
	defaultRateLimitExport      = 20
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultSessionTTL           = 24 * time.Hour
	defaultPhoneRegion          = "US"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
)

// Config is the API's runtime configuration. Every field is read from an
// API_-prefixed environment key; see Load.
type Config struct {
	Server      ServerConfig
	Upstreams   UpstreamConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	RateLimits  RateLimitConfig
	Security    SecurityConfig
	Sessions    SessionConfig
	Dates       DatesConfig
	Render      RenderConfig
	Idempotency IdempotencyConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	BodyLimit    int64
	// StaticDir holds the built single-page app.
	StaticDir string
}

// UpstreamConfig holds credentials for the proxied third-party APIs.
type UpstreamConfig struct {
	Gemini  GeminiConfig
	Pexels  EndpointConfig
	Reve    EndpointConfig
	Timeout time.Duration
}

type GeminiConfig struct {
	EndpointConfig
	Model string
}

// EndpointConfig is an API key plus base URL.
type EndpointConfig struct {
	APIKey  string
	BaseURL string
}

// Configured reports whether an API key is present.
func (e EndpointConfig) Configured() bool {
	return strings.TrimSpace(e.APIKey) != ""
}

type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// Enabled reports whether sessions and dates should be persisted in Firestore.
func (f FirestoreConfig) Enabled() bool {
	return strings.TrimSpace(f.ProjectID) != ""
}

// StorageConfig configures card export uploads. SignerKeyFile, when set,
// signs download URLs locally instead of through IAM.
type StorageConfig struct {
	ExportsBucket string
	SignerEmail   string
	SignerKeyFile string
	SignedURLTTL  time.Duration
}

// PubSubConfig configures reminder fan-out.
type PubSubConfig struct {
	ProjectID     string
	ReminderTopic string
}

type RateLimitConfig struct {
	ProxyPerMinute  int
	ExportPerMinute int
}

type SecurityConfig struct {
	Environment    string
	AllowedOrigins []string
	FirebaseAuth   bool
	// CheckRevoked also rejects Firebase tokens of signed-out users.
	CheckRevoked bool
	OIDC         OIDCConfig
}

// OIDCConfig verifies the Google-signed tokens Cloud Scheduler sends to
// internal routes. Audiences maps environment names to audiences and fills
// Audience when it is unset.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

type SessionConfig struct {
	TTL time.Duration
}

type DatesConfig struct {
	DefaultPhoneRegion string
}

type RenderConfig struct {
	FontsDir string
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ValidationError lists the config fields that are missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid fields %s", strings.Join(e.fields, ", "))
}

// Fields returns the offending field paths, e.g. "Server.Port".
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

func (c Config) validate() error {
	var bad []string
	check := func(ok bool, field string) {
		if !ok {
			bad = append(bad, field)
		}
	}

	port, err := strconv.Atoi(c.Server.Port)
	check(err == nil && port > 0 && port <= 65535, "Server.Port")
	check(c.Server.BodyLimit > 0, "Server.BodyLimit")
	check(c.Upstreams.Timeout > 0, "Upstreams.Timeout")
	check(!c.Security.FirebaseAuth || c.Firebase.ProjectID != "", "Firebase.ProjectID")
	check(c.Storage.ExportsBucket == "" || c.Storage.SignedURLTTL > 0, "Storage.SignedURLTTL")
	// Generated backgrounds are data URLs until uploaded, and a Firestore
	// session document cannot hold one.
	check(!c.Firestore.Enabled() || !c.Upstreams.Reve.Configured() || c.Storage.ExportsBucket != "", "Storage.ExportsBucket")
	if c.PubSub.ReminderTopic != "" {
		check(c.PubSub.ProjectID != "", "PubSub.ProjectID")
		check(c.Security.OIDC.Audience != "", "Security.OIDC.Audience")
	}
	check(c.RateLimits.ProxyPerMinute > 0, "RateLimits.ProxyPerMinute")
	check(c.RateLimits.ExportPerMinute > 0, "RateLimits.ExportPerMinute")
	check(c.Sessions.TTL > 0, "Sessions.TTL")
	check(len(c.Dates.DefaultPhoneRegion) == 2, "Dates.DefaultPhoneRegion")
	check(strings.TrimSpace(c.Idempotency.Header) != "", "Idempotency.Header")
	check(c.Idempotency.TTL > 0, "Idempotency.TTL")
	check(c.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	check(c.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")

	if len(bad) > 0 {
		return &ValidationError{fields: bad}
	}
	return nil
}
