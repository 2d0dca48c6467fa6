package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/PerfectlyContent/cardmaker/internal/platform/config"
)

// firebaseVerifier checks ID tokens with the Admin SDK, optionally also
// rejecting tokens of signed-out or disabled users.
type firebaseVerifier struct {
	client       *firebaseauth.Client
	checkRevoked bool
}

// NewFirebaseVerifier returns a TokenVerifier for the configured project.
// Revocation checks cost a user lookup per request. The SDK honours
// FIREBASE_AUTH_EMULATOR_HOST.
func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, checkRevoked bool) (TokenVerifier, error) {
	project := strings.TrimSpace(cfg.ProjectID)
	if project == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: project}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client: %w", err)
	}
	return &firebaseVerifier{client: client, checkRevoked: checkRevoked}, nil
}

func (v *firebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	if v.checkRevoked {
		return v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	}
	return v.client.VerifyIDToken(ctx, idToken)
}
