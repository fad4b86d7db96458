package posthog

import (
	"log/slog"
	"net/http"
	"time"
)

// Config is the Client's construction-time configuration, per
// spec.md §6. Construction fails unless at least one of APIKey or
// ProjectAPIKey is set — they are aliases for the same ingestion
// credential, kept distinct because the original SDKs accepted both
// names.
type Config struct {
	APIKey        string
	ProjectAPIKey string

	// Host is the ingestion/decide endpoint. Defaults to
	// https://app.posthog.com.
	Host string

	// PersonalAPIKey, when set, enables the local-evaluation Flag
	// Poller against the real HTTP local_evaluation endpoint. Without
	// it, feature flag evaluation always falls back to the remote
	// decide call unless YAMLFlagFixture, PostgresDSN or RedisURL
	// configures an alternative local-evaluation source (see below).
	PersonalAPIKey string

	// PostgresDSN, when set, points local flag evaluation directly at a
	// self-hosted PostHog Postgres database instead of the HTTP
	// local_evaluation endpoint, bypassing the need for a personal API
	// key entirely. ProjectID selects the team_id row to query.
	PostgresDSN string
	ProjectID   int64

	// Queue and batching.
	QueueCapacity int           // default 10000
	FlushAt       int           // default 100
	FlushInterval time.Duration // default 500ms
	MaxRetries    int           // default 3
	NumWorkers    int           // default 1
	Synchronous   bool          // bypass queue+workers, post directly

	// Flag evaluation.
	PollInterval         time.Duration // default 30s
	OnlyEvaluateLocally  bool
	FeatureFlagEventDedupWindow time.Duration // default 10m; see DESIGN.md open-question decision

	// Transport.
	Gzip               bool
	HTTPClient         *http.Client
	RequestTimeout     time.Duration // default 15s
	RateLimitPerSecond float64       // 0 disables client-side rate limiting
	RateLimitBurst     int

	// Optional flag-snapshot sources, wired in by the caller.
	//
	// When another local-evaluation source is configured, RedisURL
	// enables write-through publication of every snapshot the poller
	// fetches from it. When no PersonalAPIKey, PostgresDSN,
	// or YAMLFlagFixture is set but RedisURL is, the client instead
	// reads the shared snapshot another process already published there
	// (RedisCache.Load) rather than staying flag-blind.
	RedisURL        string
	YAMLFlagFixture string // local evaluation from a YAML file instead of HTTP

	OnError OnErrorFunc
	Logger  *slog.Logger
}

// OnErrorFunc is invoked once per batch a Consumer Worker gives up on,
// per spec.md §4.C. batchID correlates this call with the batch_id log
// field the worker stamped on every retry/drop line for the same
// batch, so a caller wiring up error reporting can tie a single
// failure across its own logs.
type OnErrorFunc func(err error, batchSize int, batchID string)

// Option mutates a Config during New. Functional options mirror the
// configuration idiom already used by the teacher's internal clients
// (e.g. shipper.Config, client.Config) generalized to the variadic
// form so callers only specify what they need to override.
type Option func(*Config)

func WithHost(host string) Option { return func(c *Config) { c.Host = host } }

func WithPersonalAPIKey(key string) Option {
	return func(c *Config) { c.PersonalAPIKey = key }
}

func WithProjectID(id int64) Option { return func(c *Config) { c.ProjectID = id } }

func WithPostgresDSN(dsn string) Option { return func(c *Config) { c.PostgresDSN = dsn } }

func WithQueueCapacity(n int) Option { return func(c *Config) { c.QueueCapacity = n } }

func WithFlushAt(n int) Option { return func(c *Config) { c.FlushAt = n } }

func WithFlushInterval(d time.Duration) Option {
	return func(c *Config) { c.FlushInterval = d }
}

func WithMaxRetries(n int) Option { return func(c *Config) { c.MaxRetries = n } }

func WithNumWorkers(n int) Option { return func(c *Config) { c.NumWorkers = n } }

func WithSynchronous(sync bool) Option { return func(c *Config) { c.Synchronous = sync } }

func WithPollInterval(d time.Duration) Option {
	return func(c *Config) { c.PollInterval = d }
}

func WithOnlyEvaluateLocally(only bool) Option {
	return func(c *Config) { c.OnlyEvaluateLocally = only }
}

func WithFeatureFlagEventDedupWindow(d time.Duration) Option {
	return func(c *Config) { c.FeatureFlagEventDedupWindow = d }
}

func WithGzip(enabled bool) Option { return func(c *Config) { c.Gzip = enabled } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Config) { c.HTTPClient = hc } }

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) { c.RequestTimeout = d }
}

func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Config) { c.RateLimitPerSecond = perSecond; c.RateLimitBurst = burst }
}

func WithRedisURL(url string) Option { return func(c *Config) { c.RedisURL = url } }

func WithYAMLFlagFixture(path string) Option {
	return func(c *Config) { c.YAMLFlagFixture = path }
}

func WithOnError(fn OnErrorFunc) Option { return func(c *Config) { c.OnError = fn } }

func WithLogger(l *slog.Logger) Option { return func(c *Config) { c.Logger = l } }

func defaultConfig() Config {
	return Config{
		QueueCapacity:               10000,
		FlushAt:                     100,
		FlushInterval:               500 * time.Millisecond,
		MaxRetries:                  3,
		NumWorkers:                  1,
		PollInterval:                30 * time.Second,
		FeatureFlagEventDedupWindow: 10 * time.Minute,
		Gzip:                        false,
		RequestTimeout:              15 * time.Second,
		Logger:                      slog.Default(),
	}
}

func (c Config) apiKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	return c.ProjectAPIKey
}
