package transport

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pilot-net/posthog-go/internal/message"
)

func TestBatchPost_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["api_key"] != "key" {
			t.Fatalf("unexpected api_key: %v", body["api_key"])
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(Config{Host: srv.URL})
	err := tr.BatchPost(context.Background(), "key", []*message.Record{
		{Event: "e", DistinctID: "u", Properties: map[string]interface{}{}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBatchPost_GzipsWhenEnabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "gzip" {
			t.Fatalf("expected gzip content-encoding, got %q", r.Header.Get("Content-Encoding"))
		}
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			t.Fatal(err)
		}
		data, err := io.ReadAll(gz)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(data, &body); err != nil {
			t.Fatal(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tr := New(Config{Host: srv.URL, Gzip: true})
	err := tr.BatchPost(context.Background(), "key", []*message.Record{
		{Event: "e", DistinctID: "u", Properties: map[string]interface{}{}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBatchPost_5xxIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := New(Config{Host: srv.URL})
	err := tr.BatchPost(context.Background(), "key", []*message.Record{{Event: "e", DistinctID: "u"}})

	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("expected *RetryableError, got %T: %v", err, err)
	}
}

func TestBatchPost_4xxIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad payload"))
	}))
	defer srv.Close()

	tr := New(Config{Host: srv.URL})
	err := tr.BatchPost(context.Background(), "key", []*message.Record{{Event: "e", DistinctID: "u"}})

	var permanent *PermanentError
	if !errors.As(err, &permanent) {
		t.Fatalf("expected *PermanentError, got %T: %v", err, err)
	}
	if permanent.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", permanent.StatusCode)
	}
}

func TestBatchPost_413IsPayloadTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	tr := New(Config{Host: srv.URL})
	err := tr.BatchPost(context.Background(), "key", []*message.Record{{Event: "e", DistinctID: "u"}})

	var permanent *PermanentError
	if !errors.As(err, &permanent) || !permanent.IsPayloadTooLarge() {
		t.Fatalf("expected a 413 PermanentError, got %T: %v", err, err)
	}
}

func TestDecide_ParsesFeatureFlags(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"featureFlags": map[string]interface{}{"beta": "on", "gamma": true},
		})
	}))
	defer srv.Close()

	tr := New(Config{Host: srv.URL})
	resp, err := tr.Decide(context.Background(), DecideRequest{APIKey: "key", DistinctID: "u"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.FeatureFlags["beta"] != "on" || resp.FeatureFlags["gamma"] != true {
		t.Fatalf("unexpected flags: %+v", resp.FeatureFlags)
	}
}

func TestGetLocalEvaluation_SetsAuthHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer personal-key" {
			t.Fatalf("unexpected auth header: %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"flags": []interface{}{}})
	}))
	defer srv.Close()

	tr := New(Config{Host: srv.URL})
	_, err := tr.GetLocalEvaluation(context.Background(), "proj", "personal-key")
	if err != nil {
		t.Fatal(err)
	}
}
