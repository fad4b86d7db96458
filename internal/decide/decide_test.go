package decide

import (
	"context"
	"errors"
	"testing"

	"github.com/pilot-net/posthog-go/internal/transport"
)

type fakeCaller struct {
	resp *transport.DecideResponse
	err  error
	got  transport.DecideRequest
}

func (f *fakeCaller) Decide(ctx context.Context, req transport.DecideRequest) (*transport.DecideResponse, error) {
	f.got = req
	return f.resp, f.err
}

func TestClient_FeatureFlags_Success(t *testing.T) {
	fc := &fakeCaller{resp: &transport.DecideResponse{FeatureFlags: map[string]interface{}{"beta": "on"}}}
	c := New(fc, "key", nil)

	flags, err := c.FeatureFlags(context.Background(), Request{DistinctID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if flags["beta"] != "on" {
		t.Fatalf("unexpected flags: %+v", flags)
	}
	if fc.got.DistinctID != "u1" || fc.got.APIKey != "key" {
		t.Fatalf("unexpected request forwarded: %+v", fc.got)
	}
}

func TestClient_FeatureFlags_TransportErrorPropagates(t *testing.T) {
	fc := &fakeCaller{err: errors.New("boom")}
	c := New(fc, "key", nil)

	flags, err := c.FeatureFlags(context.Background(), Request{DistinctID: "u1"})
	if err == nil {
		t.Fatal("expected error to propagate")
	}
	if flags != nil {
		t.Fatalf("expected nil flags on error, got %+v", flags)
	}
}
