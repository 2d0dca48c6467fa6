package storage

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
)

type fakeSigner struct {
	email    string
	payloads [][]byte
	err      error
}

func (f *fakeSigner) Email() string {
	return f.email
}

func (f *fakeSigner) SignBytes(_ context.Context, payload []byte) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, append([]byte(nil), payload...))
	return []byte("signed"), nil
}

var owner = &auth.Owner{ID: "device:3f0c7a52-device", Source: auth.OwnerSourceDevice}

func TestSignedDownloadURLForOwner(t *testing.T) {
	signer := &fakeSigner{email: "exports@cardmaker.iam.gserviceaccount.com"}
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	client, err := NewClient(signer, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}

	res, err := client.SignedDownloadURL(context.Background(), "cards-bucket", "cards/s1/e1.png", DownloadOptions{
		OwnerID:      owner.ID,
		Requester:    owner,
		Disposition:  `attachment; filename="card.png"`,
		ResponseType: "image/png",
	})
	if err != nil {
		t.Fatalf("SignedDownloadURL returned error: %v", err)
	}
	if res.Method != http.MethodGet {
		t.Fatalf("expected GET, got %s", res.Method)
	}
	if !res.ExpiresAt.Equal(now.Add(DefaultSignedURLTTL)) {
		t.Fatalf("unexpected expiry %v", res.ExpiresAt)
	}

	parsed, err := url.Parse(res.URL)
	if err != nil {
		t.Fatalf("failed to parse signed URL: %v", err)
	}
	if !strings.Contains(parsed.Path, "cards/s1/e1.png") {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("X-Goog-Signature") == "" {
		t.Fatalf("expected signature in query: %s", parsed.RawQuery)
	}
	if query.Get("response-content-type") != "image/png" {
		t.Fatalf("expected response content type, got %s", parsed.RawQuery)
	}
	if len(signer.payloads) == 0 {
		t.Fatalf("expected signer to be invoked")
	}
}

func TestSignedDownloadURLRejectsOtherOwner(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "exports@cardmaker.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	_, err = client.SignedDownloadURL(context.Background(), "bucket", "object", DownloadOptions{
		OwnerID:   "device:someone-else",
		Requester: owner,
	})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	_, err = client.SignedDownloadURL(context.Background(), "bucket", "object", DownloadOptions{OwnerID: owner.ID})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied without requester, got %v", err)
	}
}

func TestSignedDownloadURLValidation(t *testing.T) {
	client, err := NewClient(&fakeSigner{email: "exports@cardmaker.iam.gserviceaccount.com"})
	if err != nil {
		t.Fatalf("unexpected error creating client: %v", err)
	}
	base := DownloadOptions{OwnerID: owner.ID, Requester: owner}

	long := base
	long.ExpiresIn = 8 * 24 * time.Hour
	if _, err := client.SignedDownloadURL(context.Background(), "bucket", "object", long); !errors.Is(err, errExpiryTooLong) {
		t.Fatalf("expected errExpiryTooLong, got %v", err)
	}
	put := base
	put.Method = "PUT"
	if _, err := client.SignedDownloadURL(context.Background(), "bucket", "object", put); !errors.Is(err, errMethodNotAllowed) {
		t.Fatalf("expected errMethodNotAllowed, got %v", err)
	}
	if _, err := client.SignedDownloadURL(context.Background(), " ", "object", base); !errors.Is(err, errInvalidBucket) {
		t.Fatalf("expected errInvalidBucket, got %v", err)
	}
	if _, err := client.SignedDownloadURL(context.Background(), "bucket", "", base); !errors.Is(err, errInvalidObject) {
		t.Fatalf("expected errInvalidObject, got %v", err)
	}
}

func TestNewClientRequiresSigner(t *testing.T) {
	if _, err := NewClient(nil); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner, got %v", err)
	}
	if _, err := NewClient(&fakeSigner{}); !errors.Is(err, errNoSigner) {
		t.Fatalf("expected errNoSigner for empty email, got %v", err)
	}
}

func TestKeySignerSignsVerifiably(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	raw, _ := json.Marshal(map[string]string{
		"client_email": "exports@cardmaker.iam.gserviceaccount.com",
		"private_key":  string(pemKey),
	})
	path := filepath.Join(t.TempDir(), "key.json")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	signer, err := NewKeyFileSigner(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if signer.Email() != "exports@cardmaker.iam.gserviceaccount.com" {
		t.Fatalf("unexpected email %s", signer.Email())
	}
	sig, err := signer.SignBytes(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	digest := sha256.Sum256([]byte("payload"))
	if err := rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}

	if _, err := NewKeySigner([]byte(`{"client_email":"x"}`)); err == nil {
		t.Fatalf("expected error for missing private key")
	}
	if _, err := NewKeyFileSigner(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
