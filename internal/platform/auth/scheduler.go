package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// SchedulerIdentity describes the service account that invoked an internal endpoint.
type SchedulerIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type schedulerContextKey struct{}

// SchedulerFromContext retrieves the identity stored by RequireScheduler.
func SchedulerFromContext(ctx context.Context) (*SchedulerIdentity, bool) {
	identity, ok := ctx.Value(schedulerContextKey{}).(*SchedulerIdentity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

// SchedulerAuth validates Google-signed OIDC tokens sent by Cloud Scheduler.
type SchedulerAuth struct {
	keys     *JWKSCache
	audience string
	issuers  map[string]struct{}
	logger   *zap.Logger
	counter  metric.Int64Counter
}

// SchedulerAuthConfig configures SchedulerAuth.
type SchedulerAuthConfig struct {
	Keys     *JWKSCache
	Audience string
	Issuers  []string
	Logger   *zap.Logger
	Meter    metric.Meter
}

// NewSchedulerAuth constructs the validator.
func NewSchedulerAuth(cfg SchedulerAuthConfig) *SchedulerAuth {
	issuers := make(map[string]struct{}, len(cfg.Issuers))
	for _, issuer := range cfg.Issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			issuers[issuer] = struct{}{}
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("github.com/PerfectlyContent/cardmaker/internal/platform/auth")
	}
	counter, _ := meter.Int64Counter("cardmaker.auth.scheduler.verifications",
		metric.WithDescription("OIDC verifications on internal endpoints"))
	return &SchedulerAuth{
		keys:     cfg.Keys,
		audience: strings.TrimSpace(cfg.Audience),
		issuers:  issuers,
		logger:   logger,
		counter:  counter,
	}
}

// RequireScheduler rejects requests without a valid token for the configured audience.
func (s *SchedulerAuth) RequireScheduler() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			identity, reason, status := s.verify(ctx, r)
			s.record(ctx, reason)
			if identity == nil {
				code := "invalid_token"
				switch status {
				case http.StatusServiceUnavailable:
					code = "verification_unavailable"
				case http.StatusUnauthorized:
					if reason == "token_missing" {
						code = "unauthenticated"
					}
				}
				respondAuthError(w, r, status, code, "scheduler token rejected: "+reason)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, schedulerContextKey{}, identity)))
		})
	}
}

func (s *SchedulerAuth) verify(ctx context.Context, r *http.Request) (*SchedulerIdentity, string, int) {
	if s == nil || s.keys == nil || s.audience == "" {
		return nil, "not_configured", http.StatusServiceUnavailable
	}
	tokenStr, ok := bearerToken(r)
	if !ok {
		return nil, "token_missing", http.StatusUnauthorized
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(tokenStr, claims, s.keys.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			s.logger.Warn("scheduler jwks unavailable", zap.Error(err))
			return nil, "jwks_unavailable", http.StatusServiceUnavailable
		}
		s.logger.Info("scheduler token invalid", zap.Error(err))
		return nil, "token_invalid", http.StatusUnauthorized
	}

	issuer, _ := claims["iss"].(string)
	if len(s.issuers) > 0 {
		if _, ok := s.issuers[issuer]; !ok {
			s.logger.Info("scheduler token issuer mismatch", zap.String("issuer", issuer))
			return nil, "issuer_mismatch", http.StatusUnauthorized
		}
	}
	if !claims.VerifyAudience(s.audience, true) {
		s.logger.Info("scheduler token audience mismatch", zap.String("expected", s.audience))
		return nil, "audience_mismatch", http.StatusUnauthorized
	}

	email, _ := claims["email"].(string)
	subject, _ := claims["sub"].(string)
	return &SchedulerIdentity{Subject: subject, Email: email, Issuer: issuer}, "ok", http.StatusOK
}

func (s *SchedulerAuth) record(ctx context.Context, reason string) {
	if s == nil || s.counter == nil {
		return
	}
	s.counter.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", reason == "ok"),
		attribute.String("reason", reason),
	))
}
