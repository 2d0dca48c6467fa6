package secrets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultRefreshInterval = 15 * time.Minute
	meterName              = "github.com/PerfectlyContent/cardmaker/internal/platform/secrets"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret:// references for the upstream API keys. Values come
// from Secret Manager when a project is known, otherwise from a local file.
// Resolved values are cached for the refresh interval so rotated keys are
// picked up without a restart.
type Fetcher struct {
	client     accessClient
	ownsClient bool
	logger     *zap.Logger
	now        func() time.Time

	env      string
	project  string
	projects map[string]string
	pins     map[string]string
	refresh  time.Duration

	localPath string
	localOnce sync.Once
	local     map[string]string

	mu    sync.Mutex
	cache map[string]cached

	latency metric.Float64Histogram
	hits    metric.Int64Counter
}

type cached struct {
	value     string
	expiresAt time.Time
}

type settings struct {
	logger     *zap.Logger
	env        string
	project    string
	projects   map[string]string
	pins       map[string]string
	localPath  string
	refresh    time.Duration
	meter      metric.Meter
	client     accessClient
	clientOpts []option.ClientOption
	now        func() time.Time
}

// Option customises NewFetcher.
type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithEnvironment selects the entry of the project map to use.
func WithEnvironment(env string) Option {
	return func(s *settings) { s.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject is used when the project map has no entry for the environment.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment labels to Secret Manager projects.
func WithProjectMap(m map[string]string) Option {
	return func(s *settings) { s.projects = cloneMap(m) }
}

// WithFallbackFile points at the local KEY=VALUE secrets file.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.localPath = strings.TrimSpace(path) }
}

// WithVersionPins fixes versions per canonical reference, optionally prefixed
// with "env:".
func WithVersionPins(pins map[string]string) Option {
	return func(s *settings) { s.pins = cloneMap(pins) }
}

// WithRefreshInterval bounds how long a resolved value is reused.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.refresh = d
		}
	}
}

func WithMeter(m metric.Meter) Option {
	return func(s *settings) { s.meter = m }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

func withClient(client accessClient) Option {
	return func(s *settings) { s.client = client }
}

func withClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// NewFetcher never fails on missing credentials; it logs and serves from the
// local file instead.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	s := settings{
		logger:    zap.NewNop(),
		env:       "local",
		localPath: ".secrets.local",
		refresh:   defaultRefreshInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.meter == nil {
		s.meter = otel.GetMeterProvider().Meter(meterName)
	}

	f := &Fetcher{
		client:    s.client,
		logger:    s.logger,
		now:       s.now,
		env:       s.env,
		project:   s.project,
		projects:  cloneMap(s.projects),
		pins:      cloneMap(s.pins),
		refresh:   s.refresh,
		localPath: s.localPath,
		cache:     make(map[string]cached),
	}

	var err error
	if f.latency, err = s.meter.Float64Histogram("secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"),
	); err != nil {
		s.logger.Warn("secrets: latency metric unavailable", zap.Error(err))
	}
	if f.hits, err = s.meter.Int64Counter("secrets.resolve.cache_hits",
		metric.WithDescription("Secret resolutions served from cache"),
	); err != nil {
		s.logger.Warn("secrets: cache hit metric unavailable", zap.Error(err))
	}

	if f.client == nil {
		client, err := newSecretManagerClient(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secrets: secret manager unavailable, using local file only", zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind ref. Secret Manager errors other than
// access or availability failures are returned as is; the local file is not
// consulted for them.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := f.now()
	ref, err := parseReference(raw)
	if err != nil {
		return "", err
	}
	version := f.version(ref)
	key := ref.versioned(version)

	if value, ok := f.cachedValue(key, start); ok {
		if f.hits != nil {
			f.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("secret", mask(key))))
		}
		f.observe(ctx, start, "cache")
		return value, nil
	}

	if project := f.projectFor(ref); project != "" && f.client != nil {
		value, err := f.access(ctx, project, ref.name, version)
		switch {
		case err == nil:
			f.store(key, value, start)
			f.observe(ctx, start, "remote")
			return value, nil
		case !useLocalFile(err):
			f.observe(ctx, start, "error")
			return "", fmt.Errorf("secrets: fetch %s: %w", ref.canonical(), err)
		default:
			f.logger.Debug("secrets: remote fetch failed, trying local file",
				zap.String("secret", ref.canonical()), zap.Error(err))
		}
	}

	value, ok := f.lookupLocal(ref)
	if !ok {
		f.observe(ctx, start, "error")
		return "", fmt.Errorf("secrets: no value for %s", ref.canonical())
	}
	f.store(key, value, start)
	f.observe(ctx, start, "local")
	return value, nil
}

func (f *Fetcher) access(ctx context.Context, project, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", errors.New("secrets: empty payload for " + resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) cachedValue(key string, now time.Time) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok {
		return "", false
	}
	if !now.Before(entry.expiresAt) {
		delete(f.cache, key)
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string, now time.Time) {
	f.mu.Lock()
	f.cache[key] = cached{value: value, expiresAt: now.Add(f.refresh)}
	f.mu.Unlock()
}

func (f *Fetcher) projectFor(ref reference) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projects[f.env]); id != "" {
		return id
	}
	return f.project
}

func (f *Fetcher) version(ref reference) string {
	if ref.version != "" {
		return ref.version
	}
	for _, key := range []string{f.env + ":" + ref.canonical(), ref.canonical()} {
		if pin := strings.TrimSpace(f.pins[key]); pin != "" {
			return pin
		}
	}
	return latestVersion
}

func (f *Fetcher) lookupLocal(ref reference) (string, bool) {
	f.localOnce.Do(func() {
		values, err := loadLocalFile(f.localPath)
		if err != nil {
			f.logger.Warn("secrets: local file unreadable", zap.Error(err))
		}
		f.local = values
	})
	value, ok := f.local[ref.canonical()]
	return value, ok
}

func (f *Fetcher) observe(ctx context.Context, start time.Time, source string) {
	if f.latency == nil {
		return
	}
	elapsed := f.now().Sub(start)
	f.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(attribute.String("source", source)))
}

func useLocalFile(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func mask(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
