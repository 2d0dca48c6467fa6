package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
)

// RouteRegistrar registers a set of routes against the provided router.
type RouteRegistrar func(r chi.Router)

type routerConfig struct {
	basePath    string
	middlewares []func(http.Handler) http.Handler
	health      *HealthHandlers
	cors        *cors.Cors
	staticDir   string

	public   []RouteRegistrar
	owner    []RouteRegistrar
	internal RouteRegistrar

	ownerMiddlewares    []func(http.Handler) http.Handler
	internalMiddlewares []func(http.Handler) http.Handler
}

// Option customises the router configuration before construction.
type Option func(*routerConfig)

const (
	defaultAPIPrefix   = "/api"
	internalPrefix     = "/internal"
	defaultTimeout     = 60 * time.Second
	errorNotFoundCode  = "route_not_found"
	spaIndexFile       = "index.html"
	corsMaxAgeSeconds  = 600
	headerIdempotency  = "Idempotency-Key"
	headerRequestID    = "X-Request-ID"
	headerContentDispo = "Content-Disposition"
)

// NewRouter constructs the chi router with shared middleware and the API,
// internal and static route groups.
func NewRouter(opts ...Option) chi.Router {
	cfg := routerConfig{
		basePath: defaultAPIPrefix,
		middlewares: []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Timeout(defaultTimeout),
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	r := chi.NewRouter()

	if cfg.health == nil {
		cfg.health = NewHealthHandlers()
	}

	// Preflight requests never reach routing.
	if cfg.cors != nil {
		r.Use(cfg.cors.Handler)
	}
	for _, mw := range cfg.middlewares {
		if mw != nil {
			r.Use(mw)
		}
	}

	notFound := jsonNotFound
	if cfg.staticDir != "" {
		notFound = spaFallback(cfg.staticDir, cfg.basePath)
	}
	r.NotFound(notFound)

	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("method_not_allowed", fmt.Sprintf("method %s not allowed on %s", req.Method, req.URL.Path), http.StatusMethodNotAllowed))
	})

	r.Get("/healthz", cfg.health.Healthz)
	r.Get("/readyz", cfg.health.Readyz)

	r.Route(cfg.basePath, func(api chi.Router) {
		api.NotFound(jsonNotFound)
		if len(cfg.public) == 0 && len(cfg.owner) == 0 {
			registerNotImplemented(api, "api")
			return
		}
		for _, reg := range cfg.public {
			if reg != nil {
				reg(api)
			}
		}
		if len(cfg.owner) > 0 {
			api.Group(func(group chi.Router) {
				for _, mw := range cfg.ownerMiddlewares {
					if mw != nil {
						group.Use(mw)
					}
				}
				for _, reg := range cfg.owner {
					if reg != nil {
						reg(group)
					}
				}
			})
		}
	})

	r.Route(internalPrefix, func(group chi.Router) {
		for _, mw := range cfg.internalMiddlewares {
			if mw != nil {
				group.Use(mw)
			}
		}
		if cfg.internal != nil {
			group.NotFound(jsonNotFound)
			cfg.internal(group)
			return
		}
		registerNotImplemented(group, "internal")
	})

	return r
}

// WithMiddlewares appends additional global middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithHealthHandlers overrides the handlers used for /healthz and /readyz endpoints.
func WithHealthHandlers(h *HealthHandlers) Option {
	return func(cfg *routerConfig) {
		cfg.health = h
	}
}

// WithCORS enables cross-origin requests from origins. An empty list or "*"
// allows every origin.
func WithCORS(origins ...string) Option {
	return func(cfg *routerConfig) {
		allowed := make([]string, 0, len(origins))
		for _, origin := range origins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				allowed = append(allowed, trimmed)
			}
		}
		if len(allowed) == 0 {
			allowed = []string{"*"}
		}
		cfg.cors = cors.New(cors.Options{
			AllowedOrigins: allowed,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", auth.DeviceHeader, headerIdempotency},
			ExposedHeaders: []string{headerContentDispo, headerRequestID},
			MaxAge:         corsMaxAgeSeconds,
		})
	}
}

// WithStaticDir serves the single-page app from dir, falling back to
// index.html for unknown GET paths outside the API.
func WithStaticDir(dir string) Option {
	return func(cfg *routerConfig) {
		cfg.staticDir = strings.TrimSpace(dir)
	}
}

// WithPublicRoutes adds registrars mounted under /api without an owner.
func WithPublicRoutes(reg ...RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.public = append(cfg.public, reg...)
	}
}

// WithOwnerRoutes adds registrars mounted under /api behind the owner middlewares.
func WithOwnerRoutes(reg ...RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.owner = append(cfg.owner, reg...)
	}
}

// WithOwnerMiddlewares configures middlewares applied to owner scoped routes.
func WithOwnerMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.ownerMiddlewares = append(cfg.ownerMiddlewares, mw...)
	}
}

// WithInternalRoutes configures the registrar responsible for internal endpoints.
func WithInternalRoutes(reg RouteRegistrar) Option {
	return func(cfg *routerConfig) {
		cfg.internal = reg
	}
}

// WithInternalMiddlewares configures middlewares applied to the /internal group.
func WithInternalMiddlewares(mw ...func(http.Handler) http.Handler) Option {
	return func(cfg *routerConfig) {
		cfg.internalMiddlewares = append(cfg.internalMiddlewares, mw...)
	}
}

func jsonNotFound(w http.ResponseWriter, req *http.Request) {
	httpx.WriteError(req.Context(), w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", req.URL.Path), http.StatusNotFound))
}

// spaFallback serves files from dir and index.html for client-side routes.
// API and internal paths keep the JSON 404.
func spaFallback(dir, apiPrefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		p := req.URL.Path
		if (req.Method != http.MethodGet && req.Method != http.MethodHead) ||
			hasPathPrefix(p, apiPrefix) || hasPathPrefix(p, internalPrefix) {
			jsonNotFound(w, req)
			return
		}
		clean := path.Clean("/" + p)
		target := filepath.Join(dir, filepath.FromSlash(clean))
		if info, err := os.Stat(target); err == nil && !info.IsDir() {
			http.ServeFile(w, req, target)
			return
		}
		index := filepath.Join(dir, spaIndexFile)
		if _, err := os.Stat(index); err != nil {
			jsonNotFound(w, req)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, req, index)
	}
}

func hasPathPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func registerNotImplemented(r chi.Router, name string) {
	handler := func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteError(req.Context(), w, httpx.NewError("not_implemented", fmt.Sprintf("%s routes not implemented", name), http.StatusNotImplemented))
	}
	r.HandleFunc("/*", handler)
	r.HandleFunc("/", handler)
	r.NotFound(handler)
	r.MethodNotAllowed(handler)
}
