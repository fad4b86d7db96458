package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilot-net/posthog-go/internal/flags"
)

type fakeSource struct {
	mu      sync.Mutex
	results []map[string]flags.Definition
	errs    []error
	calls   int
}

func (f *fakeSource) Fetch(ctx context.Context) (map[string]flags.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	if len(f.results) > 0 {
		return f.results[len(f.results)-1], nil
	}
	return map[string]flags.Definition{}, nil
}

func TestPoller_StartPublishesInitialSnapshot(t *testing.T) {
	src := &fakeSource{results: []map[string]flags.Definition{
		{"beta": {Key: "beta", Active: true}},
	}}
	p := New(Config{Source: src, PollInterval: time.Hour})
	p.Start(context.Background())
	defer p.Stop()

	snap := p.Current()
	if snap.Version != 1 {
		t.Fatalf("expected version 1 after initial fetch, got %d", snap.Version)
	}
	if _, ok := snap.Flags["beta"]; !ok {
		t.Fatalf("expected beta flag in snapshot: %+v", snap.Flags)
	}
}

func TestPoller_FailureKeepsPreviousSnapshotAndIncrementsCounter(t *testing.T) {
	src := &fakeSource{
		results: []map[string]flags.Definition{{"a": {Key: "a", Active: true}}, nil},
		errs:    []error{nil, errors.New("boom")},
	}
	p := New(Config{Source: src, PollInterval: 15 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for p.Failures() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if p.Failures() == 0 {
		t.Fatal("expected failure counter to increment after a failed poll")
	}
	if _, ok := p.Current().Flags["a"]; !ok {
		t.Fatal("expected previous snapshot to survive a failed refresh")
	}
}

func TestPoller_SuccessResetsFailureCounter(t *testing.T) {
	src := &fakeSource{
		results: []map[string]flags.Definition{nil, {"a": {Key: "a", Active: true}}},
		errs:    []error{errors.New("boom"), nil},
	}
	p := New(Config{Source: src, PollInterval: 15 * time.Millisecond})
	p.Start(context.Background())
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for p.Current().Version < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if p.Failures() != 0 {
		t.Fatalf("expected failure counter reset after a later success, got %d", p.Failures())
	}
}

func TestPoller_WriteThroughCacheIsCalledOnSuccess(t *testing.T) {
	src := &fakeSource{results: []map[string]flags.Definition{{"a": {Key: "a", Active: true}}}}
	var storeCalls int64
	cache := cacheFunc(func(ctx context.Context, projectKey string, snapshot map[string]flags.Definition) error {
		atomic.AddInt64(&storeCalls, 1)
		return nil
	})
	p := New(Config{Source: src, PollInterval: time.Hour, Cache: cache, ProjectKey: "proj"})
	p.Start(context.Background())
	defer p.Stop()

	if atomic.LoadInt64(&storeCalls) != 1 {
		t.Fatalf("expected write-through cache to be called once, got %d", storeCalls)
	}
}

type cacheFunc func(ctx context.Context, projectKey string, snapshot map[string]flags.Definition) error

func (f cacheFunc) Store(ctx context.Context, projectKey string, snapshot map[string]flags.Definition) error {
	return f(ctx, projectKey, snapshot)
}
