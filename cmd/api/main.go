package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
	// Owner timezones must load in distroless images without zoneinfo.
	_ "time/tzdata"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PerfectlyContent/cardmaker/internal/di"
	"github.com/PerfectlyContent/cardmaker/internal/handlers"
	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
	"github.com/PerfectlyContent/cardmaker/internal/platform/config"
	pfirestore "github.com/PerfectlyContent/cardmaker/internal/platform/firestore"
	"github.com/PerfectlyContent/cardmaker/internal/platform/idempotency"
	"github.com/PerfectlyContent/cardmaker/internal/platform/jobs"
	"github.com/PerfectlyContent/cardmaker/internal/platform/observability"
	"github.com/PerfectlyContent/cardmaker/internal/platform/secrets"
	platformstorage "github.com/PerfectlyContent/cardmaker/internal/platform/storage"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
	firestoreRepo "github.com/PerfectlyContent/cardmaker/internal/repositories/firestore"
	"github.com/PerfectlyContent/cardmaker/internal/repositories/memory"
	"github.com/PerfectlyContent/cardmaker/internal/services"
)

const (
	sessionPurgeInterval = 15 * time.Minute
	sessionPurgeBatch    = 200
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger(os.Getenv("LOG_LEVEL"), zap.String("service", "cardmaker-api"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	var (
		storageClient  *cloudstorage.Client
		exportUploader *platformstorage.Uploader
		exportSigner   *platformstorage.Client
	)
	if bucket := strings.TrimSpace(cfg.Storage.ExportsBucket); bucket != "" {
		storageClient, err = cloudstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("failed to initialise storage client", zap.Error(err))
		}
		uploader, err := platformstorage.NewUploader(storageClient)
		if err != nil {
			logger.Fatal("failed to initialise storage uploader", zap.Error(err))
		}
		signer, err := newURLSigner(ctx, cfg.Storage)
		if err != nil {
			logger.Fatal("failed to initialise storage signer", zap.Error(err))
		}
		signedURLs, err := platformstorage.NewClient(signer)
		if err != nil {
			logger.Fatal("failed to initialise signed url client", zap.Error(err))
		}
		exportUploader = uploader
		exportSigner = signedURLs
	} else {
		logger.Info("exports bucket not configured; exports stream PNG bytes")
	}

	var (
		firestoreProvider *pfirestore.Provider
		registry          repositories.Registry
		idemStore         idempotency.Store
	)
	if cfg.Firestore.Enabled() {
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore)
		if _, err := firestoreProvider.Client(ctx); err != nil {
			logger.Fatal("failed to initialise firestore client", zap.Error(err))
		}
		health, err := newHealthRepository(firestoreProvider, fetcher, exportUploader, cfg.Storage.ExportsBucket)
		if err != nil {
			logger.Fatal("failed to initialise health checks", zap.Error(err))
		}
		reg, err := firestoreRepo.NewRegistry(firestoreProvider, health)
		if err != nil {
			logger.Fatal("failed to initialise firestore repositories", zap.Error(err))
		}
		registry = reg
		idemStore = idempotency.NewFirestoreStore(firestoreProvider, idempotency.FirestoreStoreConfig{})
	} else {
		logger.Warn("firestore not configured; sessions and dates are kept in memory")
		health, err := newHealthRepository(nil, fetcher, exportUploader, cfg.Storage.ExportsBucket)
		if err != nil {
			logger.Fatal("failed to initialise health checks", zap.Error(err))
		}
		registry = memory.NewRegistry(health)
		idemStore = idempotency.NewMemoryStore()
	}

	infra := di.Infrastructure{
		Dedupe: idemStore,
		Build:  buildInfo,
		Logger: logger,
		Clock:  time.Now,
	}
	if exportUploader != nil && exportSigner != nil {
		infra.Uploader = exportUploader
		infra.Signer = exportSigner
	}

	var (
		pubsubClient  *pubsub.Client
		reminderTopic *pubsub.Topic
	)
	if topic := strings.TrimSpace(cfg.PubSub.ReminderTopic); topic != "" {
		pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		reminderTopic = pubsubClient.Topic(topic)
		publisher, err := jobs.NewPubSubReminderPublisher(reminderTopic, jobs.WithOwnerOrdering())
		if err != nil {
			logger.Fatal("failed to initialise reminder publisher", zap.Error(err))
		}
		infra.Publisher = publisher
	}

	container, err := di.NewContainer(ctx, cfg, registry, infra)
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}

	ownerOpts := []auth.OwnerOption{}
	if cfg.Security.FirebaseAuth {
		verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase, cfg.Security.CheckRevoked)
		if err != nil {
			logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
		}
		ownerOpts = append(ownerOpts, auth.WithFirebaseVerifier(verifier))
	}
	ownerResolver := auth.NewOwnerResolver(ownerOpts...)
	scheduler := buildSchedulerAuth(logger.Named("auth"), cfg)

	idempotencyMiddleware := idempotency.Middleware(
		idemStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	svc := container.Services
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(svc.System),
	)
	catalogHandlers := handlers.NewCatalogHandlers(container.Catalog)
	proxyHandlers := handlers.NewProxyHandlers(handlers.ProxyConfig{
		Gemini:        handlers.ProxyUpstream{APIKey: cfg.Upstreams.Gemini.APIKey, BaseURL: cfg.Upstreams.Gemini.BaseURL},
		GeminiModel:   cfg.Upstreams.Gemini.Model,
		Pexels:        handlers.ProxyUpstream{APIKey: cfg.Upstreams.Pexels.APIKey, BaseURL: cfg.Upstreams.Pexels.BaseURL},
		Reve:          handlers.ProxyUpstream{APIKey: cfg.Upstreams.Reve.APIKey, BaseURL: cfg.Upstreams.Reve.BaseURL},
		Timeout:       cfg.Upstreams.Timeout,
		BodyLimit:     cfg.Server.BodyLimit,
		RatePerMinute: cfg.RateLimits.ProxyPerMinute,
		Logger:        logger.Named("proxy"),
	})
	sessionHandlers := handlers.NewSessionHandlers(svc.Cards, svc.Exports,
		handlers.WithExportMiddlewares(
			handlers.OwnerRateLimit(cfg.RateLimits.ExportPerMinute, time.Now),
			idempotencyMiddleware,
		),
	)
	dateHandlers := handlers.NewDateHandlers(svc.Dates, time.Now)
	reminderHandlers := handlers.NewReminderHandlers(svc.Dates, time.Now)

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.RecoveryMiddleware(logger.Named("http")),
			observability.RequestLoggerMiddleware(projectID),
		),
		handlers.WithCORS(cfg.Security.AllowedOrigins...),
		handlers.WithStaticDir(cfg.Server.StaticDir),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithPublicRoutes(catalogHandlers.Routes, proxyHandlers.Routes),
		handlers.WithOwnerMiddlewares(ownerResolver.RequireOwner()),
		handlers.WithOwnerRoutes(sessionHandlers.Routes, dateHandlers.Routes),
		handlers.WithInternalMiddlewares(scheduler.RequireScheduler()),
		handlers.WithInternalRoutes(reminderHandlers.Routes),
	)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bgWG sync.WaitGroup
	runPeriodic(bgCtx, &bgWG, cfg.Idempotency.CleanupInterval, func(runCtx context.Context) {
		removed, err := idemStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
		if err != nil {
			logger.Named("idempotency").Error("idempotency cleanup error", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Named("idempotency").Info("idempotency cleanup removed records", zap.Int("count", removed))
		}
	})
	runPeriodic(bgCtx, &bgWG, sessionPurgeInterval, func(runCtx context.Context) {
		removed, err := svc.Cards.PurgeExpired(runCtx, sessionPurgeBatch)
		if err != nil {
			logger.Named("sessions").Error("session purge error", zap.Error(err))
			return
		}
		if removed > 0 {
			logger.Named("sessions").Info("expired sessions purged", zap.Int("count", removed))
		}
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("cardmaker api listening", zap.String("environment", buildInfo.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	bgCancel()
	bgWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	if reminderTopic != nil {
		reminderTopic.Stop()
	}
	if pubsubClient != nil {
		if err := pubsubClient.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	if storageClient != nil {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Warn("repository close error", zap.Error(err))
	}
}

// runPeriodic calls fn every interval until ctx is cancelled. A non-positive
// interval disables the job.
func runPeriodic(ctx context.Context, wg *sync.WaitGroup, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				runCtx, cancel := context.WithTimeout(ctx, time.Minute)
				fn(runCtx)
				cancel()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newHealthRepository(provider *pfirestore.Provider, fetcher *secrets.Fetcher, uploader *platformstorage.Uploader, bucket string) (repositories.HealthRepository, error) {
	checks := make([]repositories.DependencyCheck, 0, 3)
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return provider.Ping(ctx, "health")
			},
		})
	} else {
		checks = append(checks, repositories.DependencyCheck{
			Name:  "sessions",
			Check: func(context.Context) error { return nil },
		})
	}
	if uploader != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "exportsBucket",
			Timeout:  1500 * time.Millisecond,
			Optional: true,
			Check: func(ctx context.Context) error {
				return uploader.Ping(ctx, bucket)
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	return repositories.NewDependencyHealthRepository(checks)
}

func buildSchedulerAuth(logger *zap.Logger, cfg config.Config) *auth.SchedulerAuth {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	keys := auth.NewJWKSCache(oidc.JWKSURL, auth.WithJWKSLogger(logger))
	return auth.NewSchedulerAuth(auth.SchedulerAuthConfig{
		Keys:     keys,
		Audience: oidc.Audience,
		Issuers:  oidc.Issuers,
		Logger:   logger,
	})
}

// newURLSigner prefers a local key file, which suits development; deployed
// services sign through IAM as their runtime account.
func newURLSigner(ctx context.Context, cfg config.StorageConfig) (platformstorage.Signer, error) {
	if path := strings.TrimSpace(cfg.SignerKeyFile); path != "" {
		return platformstorage.NewKeyFileSigner(path)
	}
	return platformstorage.NewIAMSigner(ctx, cfg.SignerEmail)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if projectMap := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS")); len(projectMap) > 0 {
		lowered := make(map[string]string, len(projectMap))
		for label, project := range projectMap {
			lowered[strings.ToLower(label)] = project
		}
		opts = append(opts, secrets.WithProjectMap(lowered))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if refresh, err := time.ParseDuration(lookup("API_SECRET_REFRESH_INTERVAL")); err == nil {
		opts = append(opts, secrets.WithRefreshInterval(refresh))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}

	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists the upstream keys configured as secret references.
// A plain value or an empty key is not required.
func requiredSecretNames(env map[string]string) []string {
	candidates := []struct {
		name string
		key  string
	}{
		{"Upstreams.Gemini.APIKey", "API_GEMINI_API_KEY"},
		{"Upstreams.Pexels.APIKey", "API_PEXELS_API_KEY"},
		{"Upstreams.Reve.APIKey", "API_REVE_API_KEY"},
	}
	var required []string
	for _, c := range candidates {
		value := strings.TrimSpace(env[c.key])
		if strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://") {
			required = append(required, c.name)
		}
	}
	return required
}

func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			schemeSplit := strings.Index(ref, "://")
			if schemeSplit == -1 || idx < schemeSplit {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
