package secrets

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
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
	defaultEnvironment  = "local"
	defaultFallbackPath = ".secrets.local"
	latestVersion       = "latest"
)

// accessClient is the slice of the Secret Manager client the fetcher uses.
type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

var newAccessClient = func(ctx context.Context, opts ...option.ClientOption) (accessClient, error) {
	return secretmanager.NewClient(ctx, opts...)
}

// Fetcher resolves secret:// references against Google Secret Manager.
// Resolution order is cache, then the remote API, then a local fallback file;
// auth-shaped and availability-shaped remote failures degrade to the fallback
// so local development works without credentials.
type Fetcher struct {
	logger *zap.Logger

	client     accessClient
	ownsClient bool

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string

	fallbackPath string
	fallbackOnce sync.Once
	fallback     map[string]string
	fallbackErr  error

	mu    sync.RWMutex
	cache map[string]string

	resolves        metric.Int64Counter
	resolvesEnabled bool
	latency         metric.Float64Histogram
	latencyEnabled  bool
}

type fetcherOptions struct {
	logger         *zap.Logger
	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string
	fallbackPath   string
	meter          metric.Meter
	client         accessClient
	clientOpts     []option.ClientOption
}

// Option customises Fetcher construction.
type Option func(*fetcherOptions)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *fetcherOptions) { o.logger = logger }
}

// WithEnvironment selects the environment label used for project mapping and
// environment-scoped version pins.
func WithEnvironment(env string) Option {
	return func(o *fetcherOptions) { o.env = strings.ToLower(strings.TrimSpace(env)) }
}

// WithDefaultProject sets the project used when no environment mapping matches.
func WithDefaultProject(projectID string) Option {
	return func(o *fetcherOptions) { o.defaultProject = strings.TrimSpace(projectID) }
}

// WithProjectMap maps environment labels to Secret Manager project ids.
func WithProjectMap(m map[string]string) Option {
	return func(o *fetcherOptions) { o.projects = cloneMap(m) }
}

// WithVersionPins overrides the resolved version per canonical reference.
// Keys may be scoped to an environment as "env:secret://name".
func WithVersionPins(pins map[string]string) Option {
	return func(o *fetcherOptions) { o.pins = cloneMap(pins) }
}

// WithFallbackFile sets the KEY=VALUE file consulted when the remote API is
// unreachable or unauthorised.
func WithFallbackFile(path string) Option {
	return func(o *fetcherOptions) { o.fallbackPath = strings.TrimSpace(path) }
}

// WithMeter injects the OpenTelemetry meter used for resolve metrics.
func WithMeter(m metric.Meter) Option {
	return func(o *fetcherOptions) { o.meter = m }
}

// WithAccessClient injects a preconfigured client, primarily for tests.
func WithAccessClient(client accessClient) Option {
	return func(o *fetcherOptions) { o.client = client }
}

// WithClientOptions forwards Cloud client options to the Secret Manager client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(o *fetcherOptions) { o.clientOpts = append(o.clientOpts, opts...) }
}

// NewFetcher builds a Fetcher. A missing Secret Manager client is not fatal;
// the fetcher then serves exclusively from the fallback file.
func NewFetcher(ctx context.Context, opts ...Option) (*Fetcher, error) {
	options := fetcherOptions{
		logger:       zap.NewNop(),
		env:          strings.ToLower(strings.TrimSpace(os.Getenv("API_SECURITY_ENVIRONMENT"))),
		fallbackPath: defaultFallbackPath,
	}
	if options.env == "" {
		options.env = defaultEnvironment
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.logger == nil {
		options.logger = zap.NewNop()
	}

	meter := options.meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("ivorythread/secrets")
	}
	resolves, resolvesErr := meter.Int64Counter(
		"secrets.resolve.total",
		metric.WithDescription("Count of secret resolutions by source"),
	)
	if resolvesErr != nil {
		options.logger.Warn("secrets: resolve counter unavailable", zap.Error(resolvesErr))
	}
	latency, latencyErr := meter.Float64Histogram(
		"secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency in milliseconds"),
	)
	if latencyErr != nil {
		options.logger.Warn("secrets: latency histogram unavailable", zap.Error(latencyErr))
	}

	f := &Fetcher{
		logger:          options.logger,
		env:             options.env,
		defaultProject:  options.defaultProject,
		projects:        cloneMap(options.projects),
		pins:            cloneMap(options.pins),
		fallbackPath:    options.fallbackPath,
		cache:           make(map[string]string),
		resolves:        resolves,
		resolvesEnabled: resolvesErr == nil,
		latency:         latency,
		latencyEnabled:  latencyErr == nil,
	}

	if options.client != nil {
		f.client = options.client
		return f, nil
	}
	client, err := newAccessClient(ctx, options.clientOpts...)
	if err != nil {
		options.logger.Warn("secrets: secret manager unavailable, using fallback file only", zap.Error(err))
		return f, nil
	}
	f.client = client
	f.ownsClient = true
	return f, nil
}

// Close releases the underlying client when the fetcher owns it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind a secret:// reference.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	started := time.Now()
	ref, err := parseRef(raw)
	if err != nil {
		return "", err
	}

	version := f.pinnedVersion(ref)
	key := ref.canonical + "#" + version

	f.mu.RLock()
	cached, hit := f.cache[key]
	f.mu.RUnlock()
	if hit {
		f.observe(ctx, started, "cache", ref)
		return cached, nil
	}

	if projectID := f.projectFor(ref); projectID != "" && f.client != nil {
		value, err := f.access(ctx, projectID, ref.name, version)
		switch {
		case err == nil:
			f.remember(key, value)
			f.observe(ctx, started, "remote", ref)
			return value, nil
		case degradesToFallback(err):
			f.logger.Debug("secrets: remote fetch degraded to fallback",
				zap.String("secret", maskRef(ref.canonical)), zap.Error(err))
		default:
			f.observe(ctx, started, "error", ref)
			return "", fmt.Errorf("secrets: fetch %s: %w", ref.canonical, err)
		}
	}

	value, ok := f.fromFallback(ref, version)
	if !ok {
		f.observe(ctx, started, "error", ref)
		return "", fmt.Errorf("secrets: no value for %s", ref.canonical)
	}
	f.remember(key, value)
	f.observe(ctx, started, "fallback", ref)
	return value, nil
}

func (f *Fetcher) access(ctx context.Context, projectID, name, version string) (string, error) {
	resource := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, name, version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", fmt.Errorf("empty payload for %s", resource)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) remember(key, value string) {
	f.mu.Lock()
	f.cache[key] = value
	f.mu.Unlock()
}

func (f *Fetcher) projectFor(ref secretRef) string {
	if ref.project != "" {
		return ref.project
	}
	if id := strings.TrimSpace(f.projects[f.env]); id != "" {
		return id
	}
	return f.defaultProject
}

func (f *Fetcher) pinnedVersion(ref secretRef) string {
	if ref.version != "" {
		return ref.version
	}
	if pin := strings.TrimSpace(f.pins[f.env+":"+ref.canonical]); pin != "" {
		return pin
	}
	if pin := strings.TrimSpace(f.pins[ref.canonical]); pin != "" {
		return pin
	}
	return latestVersion
}

func (f *Fetcher) fromFallback(ref secretRef, version string) (string, bool) {
	f.fallbackOnce.Do(f.loadFallbackFile)
	if f.fallbackErr != nil {
		f.logger.Debug("secrets: fallback file unavailable", zap.Error(f.fallbackErr))
		return "", false
	}
	if value, ok := f.fallback[ref.canonical+"#"+version]; ok {
		return value, true
	}
	value, ok := f.fallback[ref.canonical]
	return value, ok
}

// loadFallbackFile parses the KEY=VALUE fallback file once. Keys may be plain
// secret:// references or the sm:// shorthand; blank lines and # comments are
// skipped.
func (f *Fetcher) loadFallbackFile() {
	f.fallback = map[string]string{}
	path := strings.TrimSpace(f.fallbackPath)
	if path == "" {
		return
	}

	file, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.fallbackErr = fmt.Errorf("secrets: open fallback file %s: %w", path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		key = normalizeRefString(strings.TrimSpace(key))
		if !found || key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if ref, err := parseRef(key); err == nil {
			version := ref.version
			if version == "" {
				version = latestVersion
			}
			f.fallback[ref.canonical] = value
			f.fallback[ref.canonical+"#"+version] = value
			continue
		}
		f.fallback[key] = value
	}
	if err := scanner.Err(); err != nil {
		f.fallbackErr = fmt.Errorf("secrets: read fallback file %s: %w", path, err)
	}
}

func (f *Fetcher) observe(ctx context.Context, started time.Time, source string, ref secretRef) {
	attrs := metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("secret", maskRef(ref.canonical)),
	)
	if f.resolvesEnabled {
		f.resolves.Add(ctx, 1, attrs)
	}
	if f.latencyEnabled {
		f.latency.Record(ctx, float64(time.Since(started))/float64(time.Millisecond), attrs)
	}
}

// secretRef is a parsed secret://name?version=N&project=P reference.
type secretRef struct {
	canonical string
	name      string
	version   string
	project   string
}

func parseRef(raw string) (secretRef, error) {
	if strings.TrimSpace(raw) == "" {
		return secretRef{}, errors.New("secrets: empty reference")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return secretRef{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return secretRef{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return secretRef{}, fmt.Errorf("secrets: missing secret name in %q", raw)
	}

	canonical := *u
	canonical.RawQuery = ""
	canonical.Fragment = ""
	query := u.Query()

	return secretRef{
		canonical: canonical.String(),
		name:      name,
		version:   strings.TrimSpace(query.Get("version")),
		project:   strings.TrimSpace(query.Get("project")),
	}, nil
}

// degradesToFallback reports whether a remote failure should be served from
// the fallback file instead of failing the resolve outright.
func degradesToFallback(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}

func normalizeRefString(value string) string {
	if strings.HasPrefix(value, "sm://") {
		return "secret://" + strings.TrimPrefix(value, "sm://")
	}
	return value
}

func maskRef(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:8])
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for key, value := range src {
		dst[key] = value
	}
	return dst
}
