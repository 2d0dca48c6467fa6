package compose

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "golang.org/x/image/webp"
)

const (
	defaultMaxImageBytes = 20 << 20
	defaultFetchRetries  = 3
	defaultFetchTimeout  = 20 * time.Second
)

var (
	// ErrUnsupportedSource is returned for image references that are neither http(s) nor data URLs.
	ErrUnsupportedSource = errors.New("compose: unsupported image source")
	// ErrImageTooLarge is returned when a background exceeds the byte limit.
	ErrImageTooLarge = errors.New("compose: image too large")
)

// ImageSource resolves a background reference to a decoded image.
type ImageSource interface {
	Load(ctx context.Context, src string) (image.Image, error)
}

// ImageLoader fetches backgrounds over HTTP with retries and decodes inline data URLs.
type ImageLoader struct {
	client     *http.Client
	maxBytes   int64
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// LoaderOption customises an ImageLoader.
type LoaderOption func(*ImageLoader)

// WithHTTPClient overrides the client used for remote images.
func WithHTTPClient(client *http.Client) LoaderOption {
	return func(l *ImageLoader) {
		if client != nil {
			l.client = client
		}
	}
}

// WithMaxBytes bounds the size of a fetched image.
func WithMaxBytes(n int64) LoaderOption {
	return func(l *ImageLoader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithRetries sets how many times a failed fetch is retried.
func WithRetries(n uint64) LoaderOption {
	return func(l *ImageLoader) {
		l.maxRetries = n
	}
}

// WithBackOff replaces the retry schedule, mainly for tests.
func WithBackOff(factory func() backoff.BackOff) LoaderOption {
	return func(l *ImageLoader) {
		if factory != nil {
			l.newBackOff = factory
		}
	}
}

// NewImageLoader constructs an ImageLoader.
func NewImageLoader(opts ...LoaderOption) *ImageLoader {
	l := &ImageLoader{
		client:     &http.Client{Timeout: defaultFetchTimeout},
		maxBytes:   defaultMaxImageBytes,
		maxRetries: defaultFetchRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load decodes src, which is an http(s) URL or a data:image URL.
func (l *ImageLoader) Load(ctx context.Context, src string) (image.Image, error) {
	src = strings.TrimSpace(src)
	switch {
	case strings.HasPrefix(src, "data:"):
		data, err := decodeDataURL(src)
		if err != nil {
			return nil, err
		}
		return decode(data)
	case strings.HasPrefix(src, "https://"), strings.HasPrefix(src, "http://"):
		data, err := l.fetch(ctx, src)
		if err != nil {
			return nil, err
		}
		return decode(data)
	default:
		return nil, fmt.Errorf("%w: %.32q", ErrUnsupportedSource, src)
	}
}

func (l *ImageLoader) fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("compose: fetch image: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("compose: fetch image: status %d", resp.StatusCode))
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes+1))
		if err != nil {
			return err
		}
		if int64(len(data)) > l.maxBytes {
			return backoff.Permanent(ErrImageTooLarge)
		}
		body = data
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(), l.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func decodeDataURL(src string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(src, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data url", ErrUnsupportedSource)
	}
	if !strings.HasPrefix(header, "image/") {
		return nil, fmt.Errorf("%w: data url is not an image", ErrUnsupportedSource)
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, fmt.Errorf("%w: data url must be base64", ErrUnsupportedSource)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("compose: decode data url: %w", err)
	}
	return data, nil
}

func decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("compose: decode image: %w", err)
	}
	return img, nil
}
