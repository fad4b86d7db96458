package posthog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err != ErrMissingAPIKey {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
}

type capturedBatch struct {
	APIKey string                   `json:"api_key"`
	Batch  []map[string]interface{} `json:"batch"`
}

func newBatchRecordingServer(t *testing.T) (*httptest.Server, *sync.Mutex, *[]capturedBatch) {
	t.Helper()
	var mu sync.Mutex
	var batches []capturedBatch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b capturedBatch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		batches = append(batches, b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	return srv, &mu, &batches
}

func TestClient_CaptureDeliversBatchAsynchronously(t *testing.T) {
	srv, mu, batches := newBatchRecordingServer(t)
	defer srv.Close()

	client, err := New(Config{
		APIKey:        "phc_test",
		Host:          srv.URL,
		FlushInterval: 20 * time.Millisecond,
		FlushAt:       10,
		Gzip:          false,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Shutdown(context.Background())

	ok, err := client.Capture("u1", "movie played", map[string]interface{}{"id": "7"})
	if !ok || err != nil {
		t.Fatalf("expected capture accepted, got ok=%v err=%v", ok, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(*batches)
		mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*batches) == 0 {
		t.Fatal("expected at least one batch delivered")
	}
	rec := (*batches)[0].Batch[0]
	if rec["event"] != "movie played" || rec["distinct_id"] != "u1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestClient_SynchronousModePostsImmediately(t *testing.T) {
	srv, mu, batches := newBatchRecordingServer(t)
	defer srv.Close()

	client, err := New(Config{
		APIKey:      "phc_test",
		Host:        srv.URL,
		Synchronous: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := client.Identify("u1", map[string]interface{}{"plan": "pro"})
	if !ok || err != nil {
		t.Fatalf("expected identify accepted, got ok=%v err=%v", ok, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*batches) != 1 {
		t.Fatalf("expected exactly one synchronous post, got %d", len(*batches))
	}
}

func TestClient_QueueFullReturnsFalse(t *testing.T) {
	client, err := New(Config{
		APIKey:        "phc_test",
		QueueCapacity: 1,
		FlushInterval: time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Stop the consumer worker before enqueueing anything so it cannot
	// race to drain the queue between the two Identify calls below.
	client.cancelWorkers()
	client.workerWG.Wait()

	ok1, _ := client.Identify("u1", nil)
	ok2, err2 := client.Identify("u2", nil)

	if !ok1 {
		t.Fatal("expected first identify to succeed")
	}
	if ok2 {
		t.Fatal("expected second identify to fail when queue is full")
	}
	if _, isQueueFull := err2.(*QueueFullError); !isQueueFull {
		t.Fatalf("expected QueueFullError, got %T: %v", err2, err2)
	}
}

func TestClient_FeatureEnabledUsesLocalYAMLFixture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	os.WriteFile(path, []byte(`
flags:
  - key: beta
    active: true
    filter_groups:
      - properties:
          - key: email
            operator: icontains
            value: "@acme.com"
            type: person
        rollout_percentage: 100
`), 0o600)

	client, err := New(Config{
		APIKey:          "phc_test",
		YAMLFlagFixture: path,
		PollInterval:    time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Shutdown(context.Background())

	enabled := client.FeatureEnabled(context.Background(), "beta", "u1", FlagOptions{
		PersonProperties: map[string]interface{}{"email": "x@acme.com"},
	})
	if !enabled {
		t.Fatal("expected beta flag enabled for matching email")
	}

	disabled := client.FeatureEnabled(context.Background(), "beta", "u2", FlagOptions{
		PersonProperties: map[string]interface{}{"email": "x@other.com"},
	})
	if disabled {
		t.Fatal("expected beta flag disabled for non-matching email")
	}
}

func TestSelectFlagSourceKind_PriorityOrder(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		hasRedis bool
		want     flagSourceKind
	}{
		{"nothing configured", Config{}, false, flagSourceDisabled},
		{"redis url without a dialed cache stays disabled", Config{RedisURL: "redis://x"}, false, flagSourceDisabled},
		{"bare redis reads the shared snapshot", Config{RedisURL: "redis://x"}, true, flagSourceRedis},
		{"personal api key beats redis", Config{RedisURL: "redis://x", PersonalAPIKey: "phx_x"}, true, flagSourceHTTP},
		{"postgres dsn beats personal api key", Config{PersonalAPIKey: "phx_x", PostgresDSN: "postgres://x"}, false, flagSourcePostgres},
		{"yaml fixture beats everything", Config{PersonalAPIKey: "phx_x", PostgresDSN: "postgres://x", YAMLFlagFixture: "f.yaml"}, true, flagSourceYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := selectFlagSourceKind(tt.cfg, tt.hasRedis); got != tt.want {
				t.Fatalf("selectFlagSourceKind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDedupCache_SuppressesRepeatsWithinWindow(t *testing.T) {
	d := newDedupCache(time.Hour)
	if !d.shouldSend("u1", "beta", "on") {
		t.Fatal("expected first send to be allowed")
	}
	if d.shouldSend("u1", "beta", "on") {
		t.Fatal("expected repeat within window to be suppressed")
	}
	if !d.shouldSend("u1", "beta", "off") {
		t.Fatal("expected a different value to be allowed")
	}
}

func TestDedupCache_AllowsAfterWindowExpires(t *testing.T) {
	d := newDedupCache(20 * time.Millisecond)
	d.shouldSend("u1", "beta", "on")
	time.Sleep(30 * time.Millisecond)
	if !d.shouldSend("u1", "beta", "on") {
		t.Fatal("expected send to be allowed again after window expiry")
	}
}
