// Package posthog is a client library for capturing analytics events,
// managing user/group identity, and evaluating feature flags against
// a PostHog-compatible ingestion API.
//
// # Lifecycle
//
//  1. Construct a Client with New.
//  2. Call Capture/Identify/Set/SetOnce/GroupIdentify/Alias/Page/Screen
//     from as many goroutines as needed.
//  3. Call FeatureEnabled/GetFeatureFlag/GetAllFlags to evaluate flags.
//  4. Call Shutdown before process exit to flush pending events and
//     stop background workers.
package posthog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/posthog-go/internal/consumer"
	"github.com/pilot-net/posthog-go/internal/decide"
	"github.com/pilot-net/posthog-go/internal/flags"
	"github.com/pilot-net/posthog-go/internal/flagstore"
	"github.com/pilot-net/posthog-go/internal/message"
	"github.com/pilot-net/posthog-go/internal/normalize"
	"github.com/pilot-net/posthog-go/internal/poller"
	"github.com/pilot-net/posthog-go/internal/queue"
	"github.com/pilot-net/posthog-go/internal/transport"
)

// Version is the library version stamped onto every outgoing record
// as $lib_version and sent as part of the User-Agent header.
const Version = "0.1.0"

func init() {
	normalize.LibraryVersion = Version
	transport.SetLibVersion(Version)
}

// Client is the public façade described by spec.md §4.H. It owns the
// bounded queue, consumer workers, optional flag poller, and the
// transport they all share.
type Client struct {
	cfg       Config
	transport *transport.Transport
	q         *queue.Queue
	workers   []*consumer.Worker
	poller    *poller.Poller
	decide    *decide.Client
	redisFlagCache *flagstore.RedisCache
	postgresPool   *pgxpool.Pool
	logger    *Logger

	dedup *dedupCache

	workerCtx    context.Context
	cancelWorkers context.CancelFunc
	workerWG     sync.WaitGroup

	closeOnce sync.Once
}

// Logger is an alias for slog.Logger, the logger type the client and
// its background components use.
type Logger = slog.Logger

// New constructs a Client. Construction fails with ErrMissingAPIKey
// unless at least one of Config.APIKey or Config.ProjectAPIKey is set,
// per spec.md §4.H.
func New(cfg Config, opts ...Option) (*Client, error) {
	merged := defaultConfig()
	merged.APIKey = cfg.APIKey
	merged.ProjectAPIKey = cfg.ProjectAPIKey
	merged.Host = cfg.Host
	merged.PersonalAPIKey = cfg.PersonalAPIKey
	merged.PostgresDSN = cfg.PostgresDSN
	merged.ProjectID = cfg.ProjectID
	if cfg.QueueCapacity != 0 {
		merged.QueueCapacity = cfg.QueueCapacity
	}
	if cfg.FlushAt != 0 {
		merged.FlushAt = cfg.FlushAt
	}
	if cfg.FlushInterval != 0 {
		merged.FlushInterval = cfg.FlushInterval
	}
	if cfg.MaxRetries != 0 {
		merged.MaxRetries = cfg.MaxRetries
	}
	if cfg.NumWorkers != 0 {
		merged.NumWorkers = cfg.NumWorkers
	}
	merged.Synchronous = cfg.Synchronous
	if cfg.PollInterval != 0 {
		merged.PollInterval = cfg.PollInterval
	}
	merged.OnlyEvaluateLocally = cfg.OnlyEvaluateLocally
	if cfg.FeatureFlagEventDedupWindow != 0 {
		merged.FeatureFlagEventDedupWindow = cfg.FeatureFlagEventDedupWindow
	}
	merged.Gzip = cfg.Gzip
	if cfg.HTTPClient != nil {
		merged.HTTPClient = cfg.HTTPClient
	}
	if cfg.RequestTimeout != 0 {
		merged.RequestTimeout = cfg.RequestTimeout
	}
	merged.RateLimitPerSecond = cfg.RateLimitPerSecond
	merged.RateLimitBurst = cfg.RateLimitBurst
	merged.RedisURL = cfg.RedisURL
	merged.YAMLFlagFixture = cfg.YAMLFlagFixture
	if cfg.OnError != nil {
		merged.OnError = cfg.OnError
	}
	if cfg.Logger != nil {
		merged.Logger = cfg.Logger
	}

	for _, opt := range opts {
		opt(&merged)
	}

	if merged.apiKey() == "" {
		return nil, ErrMissingAPIKey
	}

	limiter := transport.NewLimiter(merged.RateLimitPerSecond, merged.RateLimitBurst)
	tr := transport.New(transport.Config{
		Host:    merged.Host,
		Timeout: merged.RequestTimeout,
		Gzip:    merged.Gzip,
		Limiter: limiter,
	})
	if merged.HTTPClient != nil {
		tr.HTTPClient = merged.HTTPClient
	}

	c := &Client{
		cfg:       merged,
		transport: tr,
		q:         queue.New(merged.QueueCapacity),
		logger:    merged.Logger,
		dedup:     newDedupCache(merged.FeatureFlagEventDedupWindow),
		decide:    decide.New(tr, merged.apiKey(), merged.Logger),
	}

	if merged.RedisURL != "" {
		cache, err := flagstore.NewRedisCache(merged.RedisURL, merged.PollInterval*2, merged.Logger)
		if err != nil {
			return nil, fmt.Errorf("posthog: connecting redis flag cache: %w", err)
		}
		c.redisFlagCache = cache
	}

	if merged.PostgresDSN != "" {
		pool, err := pgxpool.New(context.Background(), merged.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("posthog: connecting postgres flag source: %w", err)
		}
		c.postgresPool = pool
	}

	switch selectFlagSourceKind(merged, c.redisFlagCache != nil) {
	case flagSourceYAML:
		c.startPoller(tr, merged, flagstore.NewYAMLFileSource(merged.YAMLFlagFixture), false)
	case flagSourcePostgres:
		c.startPoller(tr, merged, flagstore.NewPostgresSource(c.postgresPool, merged.ProjectID), false)
	case flagSourceHTTP:
		c.startPoller(tr, merged, flagstore.NewHTTPSource(tr, merged.apiKey(), merged.PersonalAPIKey), false)
	case flagSourceRedis:
		c.startPoller(tr, merged, c.redisFlagCache.AsSource(merged.apiKey()), true)
	}

	if !merged.Synchronous {
		c.workerCtx, c.cancelWorkers = context.WithCancel(context.Background())
		for i := 0; i < merged.NumWorkers; i++ {
			w := consumer.New(consumer.Config{
				APIKey:        merged.apiKey(),
				Queue:         c.q,
				Transport:     tr,
				FlushInterval: merged.FlushInterval,
				FlushAt:       merged.FlushAt,
				MaxRetries:    merged.MaxRetries,
				Logger:        merged.Logger,
				OnError: func(err error, batch []*message.Record, batchID string) {
					if merged.OnError != nil {
						merged.OnError(err, len(batch), batchID)
					}
				},
			})
			c.workers = append(c.workers, w)
			c.workerWG.Add(1)
			go func() {
				defer c.workerWG.Done()
				w.Run(c.workerCtx)
			}()
		}
	}

	return c, nil
}

// flagSourceKind names which poller.Source local flag evaluation uses.
type flagSourceKind int

const (
	flagSourceDisabled flagSourceKind = iota
	flagSourceYAML
	flagSourcePostgres
	flagSourceHTTP
	flagSourceRedis
)

// selectFlagSourceKind picks the local-evaluation source in priority
// order: an explicit YAML fixture (tests/offline dev) beats a
// direct-Postgres source (self-hosted, skips HTTP entirely) beats the
// real local_evaluation HTTP endpoint (requires PersonalAPIKey), and a
// bare RedisURL with none of the above reads whatever snapshot another
// process already published instead of leaving local evaluation
// disabled. hasRedisCache must reflect whether the Redis cache dialed
// successfully, not just whether RedisURL was set.
func selectFlagSourceKind(cfg Config, hasRedisCache bool) flagSourceKind {
	switch {
	case cfg.YAMLFlagFixture != "":
		return flagSourceYAML
	case cfg.PostgresDSN != "":
		return flagSourcePostgres
	case cfg.PersonalAPIKey != "":
		return flagSourceHTTP
	case cfg.RedisURL != "" && hasRedisCache:
		return flagSourceRedis
	default:
		return flagSourceDisabled
	}
}

// startPoller builds and starts the Poller against source. Writing a
// Redis-sourced snapshot straight back to the same cache it came from
// would be a no-op at best, so the write-through cache is only wired
// when sourceIsRedisRead is false.
func (c *Client) startPoller(tr *transport.Transport, merged Config, source poller.Source, sourceIsRedisRead bool) {
	pollerCfg := poller.Config{
		Source:       source,
		PollInterval: merged.PollInterval,
		Logger:       merged.Logger,
		ProjectKey:   merged.apiKey(),
	}
	if c.redisFlagCache != nil && !sourceIsRedisRead {
		pollerCfg.Cache = c.redisFlagCache
	}
	c.poller = poller.New(pollerCfg)
	c.poller.Start(context.Background())
}

// enqueue is the common tail of every capture-shaped public method: it
// builds a record via internal/normalize, then either posts it
// synchronously or enqueues it for the consumer workers.
func (c *Client) enqueue(kind normalize.Kind, fields normalize.Fields) (bool, error) {
	accepted, rec, err := normalize.Build(kind, fields)
	if err != nil {
		if ve, ok := err.(*normalize.ValidationError); ok {
			return false, &ValidationError{Reason: ve.Reason}
		}
		return false, err
	}
	if !accepted {
		return false, &ValidationError{Reason: "record rejected by normalizer"}
	}

	if c.cfg.Synchronous {
		err := c.transport.BatchPost(context.Background(), c.cfg.apiKey(), []*message.Record{rec})
		if err != nil {
			return false, err
		}
		return true, nil
	}

	if !c.q.Put(rec) {
		return false, &QueueFullError{}
	}
	return true, nil
}

// Capture records that an event occurred for distinctID.
func (c *Client) Capture(distinctID interface{}, event string, properties map[string]interface{}) (bool, error) {
	return c.enqueue(normalize.KindCapture, normalize.Fields{
		DistinctID: distinctID,
		Event:      event,
		Properties: properties,
	})
}

// CaptureWithGroups records an event attributed to one or more groups
// in addition to the person.
func (c *Client) CaptureWithGroups(distinctID interface{}, event string, properties map[string]interface{}, groups map[string]string) (bool, error) {
	return c.enqueue(normalize.KindCapture, normalize.Fields{
		DistinctID: distinctID,
		Event:      event,
		Properties: properties,
		Groups:     groups,
	})
}

// Identify attaches/overwrites person properties for distinctID.
func (c *Client) Identify(distinctID interface{}, properties map[string]interface{}) (bool, error) {
	return c.enqueue(normalize.KindIdentify, normalize.Fields{
		DistinctID: distinctID,
		Properties: properties,
	})
}

// Set is an alias for Identify, matching spec.md's separate `set`
// public operation (the SDKs distinguish identify/set only by intent,
// not by wire shape).
func (c *Client) Set(distinctID interface{}, properties map[string]interface{}) (bool, error) {
	return c.enqueue(normalize.KindSet, normalize.Fields{
		DistinctID: distinctID,
		Properties: properties,
	})
}

// SetOnce attaches person properties only if they are not already set
// server-side.
func (c *Client) SetOnce(distinctID interface{}, properties map[string]interface{}) (bool, error) {
	return c.enqueue(normalize.KindSetOnce, normalize.Fields{
		DistinctID: distinctID,
		Properties: properties,
	})
}

// GroupIdentify attaches properties to a (groupType, groupKey) entity.
func (c *Client) GroupIdentify(groupType string, groupKey interface{}, properties map[string]interface{}) (bool, error) {
	return c.enqueue(normalize.KindGroupIdentify, normalize.Fields{
		GroupType:  groupType,
		GroupKey:   groupKey,
		Properties: properties,
	})
}

// Alias declares that previousID and distinctID refer to the same
// user.
func (c *Client) Alias(previousID, distinctID interface{}) (bool, error) {
	return c.enqueue(normalize.KindAlias, normalize.Fields{
		PreviousID: previousID,
		DistinctID: distinctID,
	})
}

// Page records a $pageview event. It is a thin convenience over
// Capture, supplemented from the original Python SDK per SPEC_FULL.md
// §4 (spec.md itself only lists `page` as an operation name).
func (c *Client) Page(distinctID interface{}, properties map[string]interface{}) (bool, error) {
	return c.enqueue(normalize.KindCapture, normalize.Fields{
		DistinctID: distinctID,
		Event:      message.EventPageview,
		Properties: properties,
	})
}

// Screen records a $screen event, the mobile-app analogue of Page.
func (c *Client) Screen(distinctID interface{}, properties map[string]interface{}) (bool, error) {
	return c.enqueue(normalize.KindCapture, normalize.Fields{
		DistinctID: distinctID,
		Event:      message.EventScreen,
		Properties: properties,
	})
}

// FeatureEnabled reports whether flagKey is active for distinctID,
// coercing any truthy variant to true. It never returns an error to
// the caller: evaluation failures resolve to false, per spec.md §7.
func (c *Client) FeatureEnabled(ctx context.Context, flagKey string, distinctID string, opts FlagOptions) bool {
	result, _ := c.evaluate(ctx, flagKey, distinctID, opts)
	enabled := result.Bool()
	c.recordFlagCalled(distinctID, flagKey, result.Value(), opts)
	return enabled
}

// GetFeatureFlag returns the variant string, true, or false for
// flagKey. ok is false when local evaluation could not decide the flag
// and decide was skipped (OnlyEvaluateLocally), failed, or returned no
// value for flagKey.
func (c *Client) GetFeatureFlag(ctx context.Context, flagKey string, distinctID string, opts FlagOptions) (value interface{}, ok bool) {
	result, decided := c.evaluate(ctx, flagKey, distinctID, opts)
	if !decided {
		return nil, false
	}
	c.recordFlagCalled(distinctID, flagKey, result.Value(), opts)
	return result.Value(), true
}

// GetAllFlags evaluates every known flag for distinctID, falling back
// to a single decide call for any flag local evaluation could not
// resolve, unless OnlyEvaluateLocally is set. With no local flag
// source configured, the result is the decide response as a whole.
func (c *Client) GetAllFlags(ctx context.Context, distinctID string, opts FlagOptions) map[string]interface{} {
	out := map[string]interface{}{}

	defs := c.currentFlagDefs()
	decided, undecided := flags.EvaluateAll(defs, distinctID, opts.personProperties(), opts.Groups, opts.groupProperties())
	for key, r := range decided {
		out[key] = r.Value()
	}

	if (len(undecided) > 0 || c.poller == nil) && !c.cfg.OnlyEvaluateLocally {
		remote, err := c.decide.FeatureFlags(ctx, decide.Request{
			DistinctID:       distinctID,
			Groups:           opts.Groups,
			PersonProperties: opts.personProperties(),
			GroupProperties:  opts.groupProperties(),
		})
		if err == nil && c.poller == nil {
			for key, v := range remote {
				out[key] = v
			}
		} else if err == nil {
			for _, key := range undecided {
				if v, ok := remote[key]; ok {
					out[key] = v
				}
			}
		}
	}

	return out
}

// FlagOptions carries the optional person/group context a flag
// evaluation call may need.
type FlagOptions struct {
	PersonProperties map[string]interface{}
	Groups           map[string]string
	GroupProperties  map[string]map[string]interface{}
	SendFeatureFlagEvents bool
}

func (o FlagOptions) personProperties() flags.Properties {
	return flags.Properties(o.PersonProperties)
}

func (o FlagOptions) groupProperties() map[string]flags.Properties {
	out := make(map[string]flags.Properties, len(o.GroupProperties))
	for k, v := range o.GroupProperties {
		out[k] = flags.Properties(v)
	}
	return out
}

// evaluate resolves a single flag locally, falling back to decide
// when local evaluation is undecidable and allowed to.
func (c *Client) evaluate(ctx context.Context, flagKey, distinctID string, opts FlagOptions) (flags.Result, bool) {
	defs := c.currentFlagDefs()
	if def, ok := defs[flagKey]; ok {
		result := flags.Evaluate(def, distinctID, opts.personProperties(), opts.Groups, opts.groupProperties())
		if result.Decided {
			return result, true
		}
	}

	if c.cfg.OnlyEvaluateLocally {
		return flags.Result{}, false
	}

	remote, err := c.decide.FeatureFlags(ctx, decide.Request{
		DistinctID:       distinctID,
		Groups:           opts.Groups,
		PersonProperties: opts.personProperties(),
		GroupProperties:  opts.groupProperties(),
	})
	if err != nil {
		return flags.Result{}, false
	}
	value, ok := remote[flagKey]
	if !ok {
		return flags.Result{}, false
	}
	return valueToResult(value), true
}

func valueToResult(v interface{}) flags.Result {
	switch t := v.(type) {
	case bool:
		return flags.Result{Decided: true, Match: t}
	case string:
		return flags.Result{Decided: true, Match: t != "" && t != "false", Variant: t}
	default:
		return flags.Result{Decided: true, Match: v != nil}
	}
}

func (c *Client) currentFlagDefs() map[string]flags.Definition {
	if c.poller == nil {
		return map[string]flags.Definition{}
	}
	return c.poller.Current().Flags
}

// recordFlagCalled enqueues $feature_flag_called, deduplicated per
// spec.md §4.H within FeatureFlagEventDedupWindow.
func (c *Client) recordFlagCalled(distinctID, flagKey string, value interface{}, opts FlagOptions) {
	if !opts.SendFeatureFlagEvents {
		return
	}
	if !c.dedup.shouldSend(distinctID, flagKey, value) {
		return
	}
	c.enqueue(normalize.KindCapture, normalize.Fields{
		DistinctID: distinctID,
		Event:      message.EventFeatureFlagCalled,
		Properties: map[string]interface{}{
			"$feature_flag":          flagKey,
			"$feature_flag_response": value,
		},
	})
}

// Flush blocks until the queue is empty. It does not stop workers.
func (c *Client) Flush(ctx context.Context) error {
	for !c.q.Empty() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// Join cancels the worker context and waits for all consumer workers
// to terminate; each worker uploads the records still queued before it
// exits. Join does not stop the flag poller; Shutdown does.
func (c *Client) Join(ctx context.Context) error {
	if c.cancelWorkers != nil {
		c.cancelWorkers()
	}
	done := make(chan struct{})
	go func() {
		c.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes then joins, and stops the flag poller. It is safe
// to call more than once.
func (c *Client) Shutdown(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		if flushErr := c.Flush(ctx); flushErr != nil {
			err = flushErr
		}
		if joinErr := c.Join(ctx); joinErr != nil && err == nil {
			err = joinErr
		}
		if c.poller != nil {
			c.poller.Stop()
		}
		if c.redisFlagCache != nil {
			c.redisFlagCache.Close()
		}
		if c.postgresPool != nil {
			c.postgresPool.Close()
		}
	})
	return err
}

// dedupCache suppresses repeated $feature_flag_called events for the
// same (distinct_id, key, value) tuple within a configurable window.
type dedupCache struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupCache(window time.Duration) *dedupCache {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &dedupCache{window: window, seen: make(map[string]time.Time)}
}

func (d *dedupCache) shouldSend(distinctID, key string, value interface{}) bool {
	cacheKey := fmt.Sprintf("%s:%s:%v", distinctID, key, value)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.seen[cacheKey]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[cacheKey] = now

	if len(d.seen) > 100000 {
		for k, t := range d.seen {
			if now.Sub(t) >= d.window {
				delete(d.seen, k)
			}
		}
	}
	return true
}
