package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"google.golang.org/api/iamcredentials/v1"
	"google.golang.org/api/option"
)

// Signer produces the signature for a V4 signed URL as a service account.
type Signer interface {
	Email() string
	SignBytes(ctx context.Context, payload []byte) ([]byte, error)
}

// IAMSigner signs through the IAM Credentials API, so a Cloud Run service
// without a key file can still hand out card download links.
type IAMSigner struct {
	email string
	blobs *iamcredentials.ProjectsServiceAccountsService
}

func NewIAMSigner(ctx context.Context, email string, opts ...option.ClientOption) (*IAMSigner, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, errors.New("storage: signer email is required")
	}
	svc, err := iamcredentials.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: iam credentials client: %w", err)
	}
	return &IAMSigner{email: email, blobs: svc.Projects.ServiceAccounts}, nil
}

func (s *IAMSigner) Email() string { return s.email }

func (s *IAMSigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	resp, err := s.blobs.SignBlob("projects/-/serviceAccounts/"+s.email, &iamcredentials.SignBlobRequest{
		Payload: base64.StdEncoding.EncodeToString(payload),
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("storage: sign blob: %w", err)
	}
	return base64.StdEncoding.DecodeString(resp.SignedBlob)
}

// KeySigner signs locally with a service account key.
type KeySigner struct {
	email string
	key   *rsa.PrivateKey
}

// NewKeySigner reads client_email and private_key from a service account
// JSON key. PKCS#1 and PKCS#8 keys are accepted.
func NewKeySigner(data []byte) (*KeySigner, error) {
	var file struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("storage: decode service account key: %w", err)
	}
	email := strings.TrimSpace(file.ClientEmail)
	if email == "" || strings.TrimSpace(file.PrivateKey) == "" {
		return nil, errors.New("storage: service account key needs client_email and private_key")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(file.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("storage: parse private key: %w", err)
	}
	return &KeySigner{email: email, key: key}, nil
}

func NewKeyFileSigner(path string) (*KeySigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("storage: read service account key: %w", err)
	}
	return NewKeySigner(data)
}

func (s *KeySigner) Email() string { return s.email }

// SignBytes is RSASSA-PKCS1-v1_5 over SHA-256, as V4 signing requires.
func (s *KeySigner) SignBytes(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
}
