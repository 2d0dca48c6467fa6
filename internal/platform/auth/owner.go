package auth

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/PerfectlyContent/cardmaker/internal/platform/httpx"
)

// DeviceHeader names the owner when Firebase authentication is disabled.
const DeviceHeader = "X-Device-ID"

const defaultVerifyTimeout = 5 * time.Second

// OwnerSource records how an owner was identified.
type OwnerSource string

const (
	OwnerSourceDevice   OwnerSource = "device"
	OwnerSourceFirebase OwnerSource = "firebase"
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")

	deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)
)

// Owner is the principal that card sessions and dates belong to.
type Owner struct {
	ID     string
	Source OwnerSource
	Email  string
}

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

type ownerContextKey struct{}

// WithOwner stores the owner within the context for downstream handlers.
func WithOwner(ctx context.Context, owner *Owner) context.Context {
	if owner == nil {
		return ctx
	}
	return context.WithValue(ctx, ownerContextKey{}, owner)
}

// OwnerFromContext retrieves the owner previously stored in context.
func OwnerFromContext(ctx context.Context) (*Owner, bool) {
	owner, ok := ctx.Value(ownerContextKey{}).(*Owner)
	if !ok || owner == nil {
		return nil, false
	}
	return owner, true
}

// OwnerResolver identifies the caller either by Firebase ID token or by device id.
type OwnerResolver struct {
	verifier TokenVerifier
	timeout  time.Duration
}

// OwnerOption customises OwnerResolver.
type OwnerOption func(*OwnerResolver)

// WithFirebaseVerifier requires a Firebase ID token on every owner-scoped request.
func WithFirebaseVerifier(verifier TokenVerifier) OwnerOption {
	return func(r *OwnerResolver) {
		r.verifier = verifier
	}
}

// WithVerificationTimeout bounds token verification.
func WithVerificationTimeout(d time.Duration) OwnerOption {
	return func(r *OwnerResolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewOwnerResolver constructs the resolver. Without a verifier the device header is trusted.
func NewOwnerResolver(opts ...OwnerOption) *OwnerResolver {
	resolver := &OwnerResolver{timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(resolver)
		}
	}
	return resolver
}

// RequireOwner rejects requests that carry no usable owner identity.
func (o *OwnerResolver) RequireOwner() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o != nil && o.verifier != nil {
				o.serveFirebase(w, r, next)
				return
			}
			deviceID := strings.TrimSpace(r.Header.Get(DeviceHeader))
			if deviceID == "" {
				respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "X-Device-ID header is required")
				return
			}
			if !deviceIDPattern.MatchString(deviceID) {
				respondAuthError(w, r, http.StatusBadRequest, "invalid_device_id", "X-Device-ID header is malformed")
				return
			}
			owner := &Owner{ID: "device:" + deviceID, Source: OwnerSourceDevice}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
		})
	}
}

func (o *OwnerResolver) serveFirebase(w http.ResponseWriter, r *http.Request, next http.Handler) {
	tokenStr, ok := bearerToken(r)
	if !ok {
		respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
		return
	}

	ctx := r.Context()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	token, err := o.verifier.VerifyIDToken(ctx, tokenStr)
	if err != nil {
		respondVerificationError(w, r, err)
		return
	}
	if token == nil || strings.TrimSpace(token.UID) == "" {
		respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "firebase id token has no subject")
		return
	}

	owner := &Owner{
		ID:     "uid:" + token.UID,
		Source: OwnerSourceFirebase,
		Email:  stringClaim(token.Claims, "email"),
	}
	next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
}

func stringClaim(claims map[string]any, key string) string {
	v, _ := claims[key].(string)
	return strings.TrimSpace(v)
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func respondAuthError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func respondVerificationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(w, r, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
		respondAuthError(w, r, http.StatusUnauthorized, "token_revoked", "firebase id token revoked")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	default:
		respondAuthError(w, r, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
