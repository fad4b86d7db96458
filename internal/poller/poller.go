// Package poller implements spec.md §4.F: a background timer that
// refreshes the locally-cached flag-definition snapshot and atomically
// publishes it for concurrent readers.
//
// It is grounded on control-plane/internal/buffer.Flusher's
// Start/Stop/run shape from the teacher repo (stopCh + sync.WaitGroup,
// ticker-driven loop), generalized to fetch-and-swap a snapshot
// instead of drain-and-write. Stop ends the loop without a final
// fetch.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-net/posthog-go/internal/flags"
)

// Snapshot is an immutable, versioned set of flag definitions.
type Snapshot struct {
	Version int64
	Flags   map[string]flags.Definition
}

// Source fetches the current flag-definition document. Implementations
// talk to the real /api/feature_flag/local_evaluation endpoint, a
// Postgres-backed store, or a local YAML fixture — see
// internal/flagstore.
type Source interface {
	Fetch(ctx context.Context) (map[string]flags.Definition, error)
}

// Poller owns the background refresh timer described by spec.md §4.F.
type Poller struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	snapshot atomic.Pointer[Snapshot]
	failures atomic.Int64
	version  atomic.Int64

	cache      WriteThroughCache // optional, may be nil
	projectKey string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// WriteThroughCache lets the poller publish each successful snapshot
// to a shared out-of-process cache (see internal/flagstore.RedisCache)
// under its project key, so other processes using the same project key
// can read it (RedisCache.AsSource) instead of polling independently.
type WriteThroughCache interface {
	Store(ctx context.Context, projectKey string, snapshot map[string]flags.Definition) error
}

// Config configures a Poller.
type Config struct {
	Source       Source
	PollInterval time.Duration // default 30s
	Logger       *slog.Logger
	Cache        WriteThroughCache
	ProjectKey   string // forwarded to Cache.Store
}

// New builds a Poller. It does not start fetching until Start is
// called.
func New(cfg Config) *Poller {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		source:     cfg.Source,
		interval:   interval,
		logger:     logger.With("component", "flag_poller"),
		cache:      cfg.Cache,
		projectKey: cfg.ProjectKey,
		stopCh:     make(chan struct{}),
	}
	p.snapshot.Store(&Snapshot{Version: 0, Flags: map[string]flags.Definition{}})
	return p
}

// Start fetches an initial snapshot synchronously (so callers racing
// the first evaluation see data as soon as Start returns whenever
// possible) and then begins the background refresh loop. Whether a
// poller runs at all is decided by the caller, not this type: the
// client facade starts one whenever a local flag source (YAML fixture,
// Postgres DSN, personal API key, or Redis snapshot) is configured.
func (p *Poller) Start(ctx context.Context) {
	p.refresh(ctx)
	p.wg.Add(1)
	go p.run()
	p.logger.Info("flag poller started", "interval", p.interval)
}

// Stop halts the background loop and waits for it to exit.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
	p.logger.Info("flag poller stopped")
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.refresh(context.Background())
		}
	}
}

// refresh fetches a fresh flag document and, on success, atomically
// swaps the published snapshot and bumps its version. On failure it
// logs, keeps serving the previous snapshot, and increments the
// failure counter — it never crashes the poller, per spec.md §4.F.
func (p *Poller) refresh(ctx context.Context) {
	defs, err := p.source.Fetch(ctx)
	if err != nil {
		n := p.failures.Add(1)
		p.logger.Error("flag refresh failed, keeping previous snapshot", "error", err, "consecutive_failures", n)
		return
	}
	p.failures.Store(0)

	version := p.version.Add(1)
	p.snapshot.Store(&Snapshot{Version: version, Flags: defs})

	if p.cache != nil {
		if err := p.cache.Store(ctx, p.projectKey, defs); err != nil {
			p.logger.Warn("writing flag snapshot to shared cache failed", "error", err)
		}
	}
}

// Current returns the most recently published snapshot. Safe for
// concurrent use by many readers while the poller writes.
func (p *Poller) Current() *Snapshot {
	return p.snapshot.Load()
}

// Failures returns the number of consecutive fetch failures since the
// last success.
func (p *Poller) Failures() int64 {
	return p.failures.Load()
}
