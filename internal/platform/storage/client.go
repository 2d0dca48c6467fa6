// Package storage keeps card exports and generated backgrounds in Cloud
// Storage and signs the download links handed to card owners.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
)

const (
	// DefaultSignedURLTTL applies when DownloadOptions.ExpiresIn is zero.
	DefaultSignedURLTTL = 15 * time.Minute
	// MaxSignedURLTTL is the V4 signing limit.
	MaxSignedURLTTL = 7 * 24 * time.Hour
)

var (
	errNoSigner         = errors.New("storage: signer is required")
	errInvalidBucket    = errors.New("storage: bucket name is required")
	errInvalidObject    = errors.New("storage: object name is required")
	errMethodNotAllowed = errors.New("storage: only GET and HEAD links can be signed")
	errExpiryTooLong    = errors.New("storage: expiry exceeds seven days")
)

// Client signs V4 download URLs.
type Client struct {
	signer Signer
	now    func() time.Time
}

type ClientOption func(*Client)

func WithClock(clock func() time.Time) ClientOption {
	return func(c *Client) {
		if clock != nil {
			c.now = clock
		}
	}
}

func NewClient(signer Signer, opts ...ClientOption) (*Client, error) {
	if signer == nil || strings.TrimSpace(signer.Email()) == "" {
		return nil, errNoSigner
	}
	c := &Client{signer: signer, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// DownloadOptions describe one signed link. OwnerID is the owner recorded on
// the object and Requester the caller asking for the link.
type DownloadOptions struct {
	Method       string
	ExpiresIn    time.Duration
	Disposition  string
	CacheControl string
	ResponseType string
	OwnerID      string
	Requester    *auth.Owner
}

type SignedURLResult struct {
	URL       string
	Method    string
	ExpiresAt time.Time
}

// SignedDownloadURL signs a read link for bucket/object once the requester
// is confirmed as the owner.
func (c *Client) SignedDownloadURL(ctx context.Context, bucket, object string, opts DownloadOptions) (SignedURLResult, error) {
	bucket, object = strings.TrimSpace(bucket), strings.TrimSpace(object)
	switch {
	case bucket == "":
		return SignedURLResult{}, errInvalidBucket
	case object == "":
		return SignedURLResult{}, errInvalidObject
	}

	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	switch method {
	case "":
		method = http.MethodGet
	case http.MethodGet, http.MethodHead:
	default:
		return SignedURLResult{}, errMethodNotAllowed
	}

	ttl := opts.ExpiresIn
	if ttl <= 0 {
		ttl = DefaultSignedURLTTL
	}
	if ttl > MaxSignedURLTTL {
		return SignedURLResult{}, errExpiryTooLong
	}
	if err := AuthorizeDownload(opts.Requester, opts.OwnerID); err != nil {
		return SignedURLResult{}, err
	}

	overrides := url.Values{}
	for param, value := range map[string]string{
		"response-content-disposition": opts.Disposition,
		"response-cache-control":       opts.CacheControl,
		"response-content-type":        opts.ResponseType,
	} {
		if value != "" {
			overrides.Set(param, value)
		}
	}

	expires := c.now().Add(ttl)
	signed, err := storage.SignedURL(bucket, object, &storage.SignedURLOptions{
		GoogleAccessID:  c.signer.Email(),
		Scheme:          storage.SigningSchemeV4,
		Method:          method,
		Expires:         expires,
		QueryParameters: overrides,
		SignBytes: func(payload []byte) ([]byte, error) {
			return c.signer.SignBytes(ctx, payload)
		},
	})
	if err != nil {
		return SignedURLResult{}, fmt.Errorf("storage: sign download url: %w", err)
	}
	return SignedURLResult{URL: signed, Method: method, ExpiresAt: expires}, nil
}
