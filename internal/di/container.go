package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/PerfectlyContent/cardmaker/internal/catalog"
	"github.com/PerfectlyContent/cardmaker/internal/compose"
	"github.com/PerfectlyContent/cardmaker/internal/imagegen"
	"github.com/PerfectlyContent/cardmaker/internal/photos"
	"github.com/PerfectlyContent/cardmaker/internal/platform/config"
	"github.com/PerfectlyContent/cardmaker/internal/platform/idempotency"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
	"github.com/PerfectlyContent/cardmaker/internal/services"
	"github.com/PerfectlyContent/cardmaker/internal/textgen"
	"github.com/PerfectlyContent/cardmaker/internal/wizard"
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Cards   services.CardService
	Exports services.ExportService
	Dates   services.DateService
	System  services.SystemService
}

// Infrastructure carries clients created by the caller. Every field is
// optional; a missing collaborator disables the feature that needs it.
type Infrastructure struct {
	Uploader  services.ObjectUploader
	Signer    services.DownloadURLSigner
	Publisher services.ReminderPublisher
	Dedupe    idempotency.Store
	Renderer  services.CardRenderer

	Text   textgen.Provider
	Photos photos.Provider
	Images imagegen.Provider

	Build  services.BuildInfo
	Meter  metric.Meter
	Logger *zap.Logger
	Clock  func() time.Time
}

// Container wires repositories and services for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Catalog      *catalog.Catalog
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply the
// in-memory registry and stub providers.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}
	if infra.Logger == nil {
		infra.Logger = zap.NewNop()
	}
	if infra.Clock == nil {
		infra.Clock = time.Now
	}

	cat := catalog.Default()
	if infra.Renderer == nil {
		renderer, err := buildRenderer(cfg, cat, infra.Logger)
		if err != nil {
			return nil, err
		}
		infra.Renderer = renderer
	}
	if err := buildProviders(ctx, cfg, &infra); err != nil {
		return nil, err
	}

	svc, err := buildServices(reg, cfg, cat, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Catalog:      cat,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// features reports which optional integrations are configured. The system
// service turns missing ones into degraded checks.
func features(cfg config.Config, infra Infrastructure) map[string]bool {
	up := cfg.Upstreams
	return map[string]bool{
		"gemini":    up.Gemini.Configured(),
		"pexels":    up.Pexels.Configured(),
		"reve":      up.Reve.Configured(),
		"exports":   infra.Uploader != nil && infra.Signer != nil && cfg.Storage.ExportsBucket != "",
		"reminders": infra.Publisher != nil,
	}
}

func buildRenderer(cfg config.Config, cat *catalog.Catalog, logger *zap.Logger) (*compose.Renderer, error) {
	fonts, err := compose.NewFontBook(cfg.Render.FontsDir)
	if err != nil {
		return nil, fmt.Errorf("build font book: %w", err)
	}
	if skipped := fonts.Skipped(); len(skipped) > 0 {
		logger.Warn("fonts without truetype outlines skipped", zap.Strings("files", skipped))
	}
	renderer, err := compose.NewRenderer(cat, fonts, compose.NewImageLoader())
	if err != nil {
		return nil, fmt.Errorf("build renderer: %w", err)
	}
	return renderer, nil
}

// buildProviders fills provider slots the caller left empty from the
// upstream keys. An absent key leaves the slot nil.
func buildProviders(ctx context.Context, cfg config.Config, infra *Infrastructure) error {
	up := cfg.Upstreams
	if infra.Text == nil && up.Gemini.Configured() {
		provider, err := textgen.NewGeminiProvider(ctx, textgen.GeminiConfig{
			APIKey:  up.Gemini.APIKey,
			Model:   up.Gemini.Model,
			BaseURL: up.Gemini.BaseURL,
			Timeout: up.Timeout,
			Meter:   infra.Meter,
			Logger:  infra.Logger.Named("gemini"),
		})
		if err != nil {
			return fmt.Errorf("build gemini provider: %w", err)
		}
		infra.Text = provider
	}
	if infra.Photos == nil && up.Pexels.Configured() {
		provider, err := photos.NewPexelsProvider(photos.PexelsConfig{
			APIKey:  up.Pexels.APIKey,
			BaseURL: up.Pexels.BaseURL,
			Timeout: up.Timeout,
			Meter:   infra.Meter,
			Logger:  infra.Logger.Named("pexels"),
		})
		if err != nil {
			return fmt.Errorf("build pexels provider: %w", err)
		}
		infra.Photos = provider
	}
	if infra.Images == nil && up.Reve.Configured() {
		provider, err := imagegen.NewReveProvider(imagegen.ReveConfig{
			APIKey:  up.Reve.APIKey,
			BaseURL: up.Reve.BaseURL,
			Timeout: up.Timeout,
			Meter:   infra.Meter,
			Logger:  infra.Logger.Named("reve"),
		})
		if err != nil {
			return fmt.Errorf("build reve provider: %w", err)
		}
		infra.Images = provider
	}
	return nil
}

func buildServices(reg repositories.Registry, cfg config.Config, cat *catalog.Catalog, infra Infrastructure) (Services, error) {
	var svc Services

	bucket := cfg.Storage.ExportsBucket
	if infra.Uploader == nil || infra.Signer == nil {
		bucket = ""
	}
	exportSvc, err := services.NewExportService(services.ExportServiceDeps{
		Renderer: infra.Renderer,
		Exports:  reg.Exports(),
		Uploader: infra.Uploader,
		Signer:   infra.Signer,
		Bucket:   bucket,
		URLTTL:   cfg.Storage.SignedURLTTL,
		Clock:    infra.Clock,
		Logger:   EventLogger(infra.Logger.Named("exports")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build export service: %w", err)
	}
	svc.Exports = exportSvc

	cardSvc, err := services.NewCardService(services.CardServiceDeps{
		Sessions:    reg.CardSessions(),
		Wizard:      wizard.New(cat),
		Text:        infra.Text,
		Photos:      infra.Photos,
		Images:      infra.Images,
		Renderer:    infra.Renderer,
		Exports:     exportSvc,
		Backgrounds: exportSvc,
		SessionTTL:  cfg.Sessions.TTL,
		Clock:       infra.Clock,
		Logger:      EventLogger(infra.Logger.Named("cards")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build card service: %w", err)
	}
	svc.Cards = cardSvc

	dateSvc, err := services.NewDateService(services.DateServiceDeps{
		Dates:       reg.Dates(),
		Profiles:    reg.DatesProfiles(),
		Cards:       cardSvc,
		Publisher:   infra.Publisher,
		Dedupe:      infra.Dedupe,
		PhoneRegion: cfg.Dates.DefaultPhoneRegion,
		Clock:       infra.Clock,
		Logger:      EventLogger(infra.Logger.Named("dates")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build date service: %w", err)
	}
	svc.Dates = dateSvc

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            infra.Clock,
			Build:            infra.Build,
			Features:         features(cfg, infra),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	return svc, nil
}

// EventLogger adapts a zap logger to the event callback the services accept.
func EventLogger(logger *zap.Logger) func(ctx context.Context, event string, fields map[string]any) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields)+1)
		zFields = append(zFields, zap.String("event", event))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Debug("service event", zFields...)
	}
}
