package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Option customises Load and EnvironmentValues.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	systemEnv       bool
	resolver        SecretResolver
	requiredSecrets []string
	panicOnMissing  bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, systemEnv: true}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// WithEnvFile reads dotenv overrides from path instead of ./.env. An empty
// path disables the file.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap layers explicit values over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

// WithoutSystemEnv ignores the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.systemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.resolver = resolver }
}

// WithRequiredSecrets names secret-bearing fields (e.g.
// "Upstreams.Gemini.APIKey") that must be non-empty after resolution.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.requiredSecrets = append(o.requiredSecrets, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError
// instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicOnMissing = true }
}

// source layers the dotenv file, the process environment and explicit values,
// lowest precedence first.
type source struct {
	v *viper.Viper
}

func newSource(o loaderOptions) (source, error) {
	v := viper.New()
	if o.envFile != "" {
		v.SetConfigFile(o.envFile)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return source{}, fmt.Errorf("config: read %s: %w", o.envFile, err)
		}
	}
	if o.systemEnv {
		v.AutomaticEnv()
	}
	for key, value := range o.envMap {
		v.Set(key, value)
	}
	return source{v: v}, nil
}

func (s source) str(key, fallback string) string {
	if value := strings.TrimSpace(s.v.GetString(key)); value != "" {
		return value
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s.str(key, "")); err == nil {
		return d
	}
	return fallback
}

func (s source) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(s.str(key, "")); err == nil {
		return n
	}
	return fallback
}

func (s source) boolean(key string, fallback bool) bool {
	switch strings.ToLower(s.str(key, "")) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

// list splits a comma separated value, dropping blanks.
func (s source) list(key string) []string {
	var out []string
	for _, part := range strings.Split(s.str(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "name=value,name=value" with lower-cased names.
func (s source) pairs(key string) map[string]string {
	out := make(map[string]string)
	for _, entry := range s.list(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if ok && name != "" && value != "" {
			out[name] = value
		}
	}
	return out
}

// EnvironmentValues returns every key visible to Load with the same
// precedence, so callers can configure collaborators such as the secret
// fetcher before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	o := newLoaderOptions(opts)
	src, err := newSource(o)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for _, key := range src.v.AllKeys() {
		values[strings.ToUpper(key)] = src.v.GetString(key)
	}
	if o.systemEnv {
		for _, entry := range os.Environ() {
			if key, value, ok := strings.Cut(entry, "="); ok && strings.TrimSpace(key) != "" {
				values[key] = value
			}
		}
	}
	for key, value := range o.envMap {
		values[key] = value
	}
	return values, nil
}

// Load builds the Config from defaults, the dotenv file, the environment and
// explicit overrides, then resolves secret references and validates.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	src, err := newSource(o)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         src.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  src.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: src.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  src.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			BodyLimit:    int64(src.integer("API_SERVER_BODY_LIMIT", defaultBodyLimit)),
			StaticDir:    src.str("API_SERVER_STATIC_DIR", defaultStaticDir),
		},
		Upstreams: UpstreamConfig{
			Gemini: GeminiConfig{
				EndpointConfig: EndpointConfig{
					APIKey:  src.str("API_GEMINI_API_KEY", ""),
					BaseURL: src.str("API_GEMINI_BASE_URL", defaultGeminiBaseURL),
				},
				Model: src.str("API_GEMINI_MODEL", defaultGeminiModel),
			},
			Pexels: EndpointConfig{
				APIKey:  src.str("API_PEXELS_API_KEY", ""),
				BaseURL: src.str("API_PEXELS_BASE_URL", defaultPexelsBaseURL),
			},
			Reve: EndpointConfig{
				APIKey:  src.str("API_REVE_API_KEY", ""),
				BaseURL: src.str("API_REVE_BASE_URL", defaultReveBaseURL),
			},
			Timeout: src.duration("API_UPSTREAM_TIMEOUT", defaultUpstreamTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       src.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: src.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    src.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: src.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Storage: StorageConfig{
			ExportsBucket: src.str("API_STORAGE_EXPORTS_BUCKET", ""),
			SignerEmail:   src.str("API_STORAGE_SIGNER_EMAIL", ""),
			SignerKeyFile: src.str("API_STORAGE_SIGNER_KEY_FILE", ""),
			SignedURLTTL:  src.duration("API_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
		},
		PubSub: PubSubConfig{
			ProjectID:     src.str("API_PUBSUB_PROJECT_ID", ""),
			ReminderTopic: src.str("API_REMINDER_TOPIC", ""),
		},
		RateLimits: RateLimitConfig{
			ProxyPerMinute:  src.integer("API_RATE_LIMIT_PROXY_PER_MINUTE", defaultRateLimitProxy),
			ExportPerMinute: src.integer("API_RATE_LIMIT_EXPORT_PER_MINUTE", defaultRateLimitExport),
		},
		Security: SecurityConfig{
			Environment:    strings.ToLower(src.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			AllowedOrigins: src.list("API_SECURITY_ALLOWED_ORIGINS"),
			FirebaseAuth:   src.boolean("API_SECURITY_FIREBASE_AUTH", false),
			CheckRevoked:   src.boolean("API_SECURITY_FIREBASE_CHECK_REVOKED", false),
			OIDC: OIDCConfig{
				JWKSURL:   src.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  src.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: src.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   src.list("API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Sessions: SessionConfig{
			TTL: src.duration("API_SESSION_TTL", defaultSessionTTL),
		},
		Dates: DatesConfig{
			DefaultPhoneRegion: strings.ToUpper(src.str("API_DEFAULT_PHONE_REGION", defaultPhoneRegion)),
		},
		Render: RenderConfig{
			FontsDir: src.str("API_FONTS_DIR", ""),
		},
		Idempotency: IdempotencyConfig{
			Header:           src.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              src.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  src.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: src.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}
	cfg.applyDerivedDefaults(src)

	if err := cfg.resolveSecrets(ctx, o.resolver, o.requiredSecrets); err != nil {
		var missing *MissingSecretsError
		if o.panicOnMissing && errors.As(err, &missing) {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyDerivedDefaults fills values that default to other settings.
func (c *Config) applyDerivedDefaults(src source) {
	// Hosting platforms inject PORT; it wins over the prefixed key.
	if port := src.str("PORT", ""); port != "" {
		c.Server.Port = port
	}
	if c.Firestore.ProjectID == "" {
		c.Firestore.ProjectID = c.Firebase.ProjectID
	}
	if c.PubSub.ProjectID == "" {
		c.PubSub.ProjectID = c.Firestore.ProjectID
	}
	if len(c.Security.AllowedOrigins) == 0 {
		c.Security.AllowedOrigins = []string{"*"}
	}
	if len(c.Security.OIDC.Issuers) == 0 {
		c.Security.OIDC.Issuers = []string{defaultSecurityIssuer, strings.TrimPrefix(defaultSecurityIssuer, "https://")}
	}
	if c.Security.OIDC.Audience == "" {
		c.Security.OIDC.Audience = c.Security.OIDC.Audiences[c.Security.Environment]
	}
}
