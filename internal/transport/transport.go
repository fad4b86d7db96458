// Package transport implements spec.md §4.D: the HTTP contract the
// rest of the library consumes to deliver batches, call the decide
// endpoint, and fetch local-evaluation flag definitions.
//
// It is grounded on agent/internal/client.Client's request-building
// idiom (doRequest/readError with a capped error body) and
// agent/internal/shipper.Shipper's gzip-then-POST sequence from the
// teacher repo.
package transport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pilot-net/posthog-go/internal/message"
)

// DefaultHost is used when no host is configured, per spec.md §6.
const DefaultHost = "https://app.posthog.com"

// RetryableError wraps a network error or 5xx response: the consumer
// worker retries these with backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError wraps a 4xx response: the consumer worker drops the
// batch after invoking on_error, per spec.md §4.C.
type PermanentError struct {
	StatusCode int
	Body       string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("posthog: request rejected with status %d: %s", e.StatusCode, e.Body)
}

// IsPayloadTooLarge reports a 413 response, which the consumer worker
// uses to halve flush_at per spec.md §4.C.
func (e *PermanentError) IsPayloadTooLarge() bool {
	return e.StatusCode == http.StatusRequestEntityTooLarge
}

// Transport performs the three outbound calls this SDK needs.
type Transport struct {
	Host       string
	HTTPClient *http.Client
	Gzip       bool
	Limiter    RateLimiter
}

// RateLimiter is satisfied by *rate.Limiter (golang.org/x/time/rate);
// kept as an interface here so tests can substitute a no-op.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

// Config configures a Transport.
type Config struct {
	Host    string
	Timeout time.Duration
	Gzip    bool
	Limiter RateLimiter
}

// New builds a Transport with the given configuration, defaulting the
// host and per-request timeout per spec.md §6.
func New(cfg Config) *Transport {
	host := cfg.Host
	if host == "" {
		host = DefaultHost
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Transport{
		Host:       host,
		HTTPClient: &http.Client{Timeout: timeout},
		Gzip:       cfg.Gzip,
		Limiter:    cfg.Limiter,
	}
}

// BatchPost POSTs a batch envelope to <host>/batch/. It returns a
// *RetryableError for network failures and 5xx responses, and a
// *PermanentError for 4xx responses, per spec.md §4.D.
func (t *Transport) BatchPost(ctx context.Context, apiKey string, records []*message.Record) error {
	if err := t.await(ctx); err != nil {
		return err
	}

	batch := message.NewBatch(apiKey, records, time.Now())
	data, err := json.Marshal(batch)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("marshaling batch: %w", err)}
	}

	req, err := t.newRequest(ctx, http.MethodPost, "/batch/", data)
	if err != nil {
		return &RetryableError{Err: err}
	}

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return &RetryableError{Err: fmt.Errorf("posting batch: %w", err)}
	}
	defer resp.Body.Close()

	return classify(resp)
}

// DecideRequest is the body sent to /decide/.
type DecideRequest struct {
	APIKey           string                             `json:"api_key"`
	DistinctID       string                             `json:"distinct_id"`
	Groups           map[string]string                  `json:"groups,omitempty"`
	PersonProperties map[string]interface{}              `json:"person_properties,omitempty"`
	GroupProperties  map[string]map[string]interface{}  `json:"group_properties,omitempty"`
}

// DecideResponse is the body returned by /decide/.
type DecideResponse struct {
	FeatureFlags map[string]interface{} `json:"featureFlags"`
}

// Decide calls the remote decision endpoint (spec.md §4.D, §4.G).
func (t *Transport) Decide(ctx context.Context, req DecideRequest) (*DecideResponse, error) {
	if err := t.await(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("marshaling decide request: %w", err)}
	}

	httpReq, err := t.newRequest(ctx, http.MethodPost, "/decide/?v=2", data)
	if err != nil {
		return nil, &RetryableError{Err: err}
	}

	resp, err := t.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("calling decide: %w", err)}
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return nil, err
	}

	var out DecideResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("decoding decide response: %w", err)}
	}
	return &out, nil
}

// LocalEvaluationResponse is the body returned by
// /api/feature_flag/local_evaluation.
type LocalEvaluationResponse struct {
	Flags []json.RawMessage `json:"flags"`
}

// GetLocalEvaluation fetches the flag-definition document used by the
// Flag Poller (spec.md §4.D, §4.F).
func (t *Transport) GetLocalEvaluation(ctx context.Context, projectKey, personalAPIKey string) (*LocalEvaluationResponse, error) {
	if err := t.await(ctx); err != nil {
		return nil, err
	}

	path := "/api/feature_flag/local_evaluation?token=" + projectKey
	req, err := t.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, &RetryableError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+personalAPIKey)

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("fetching local evaluation flags: %w", err)}
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return nil, err
	}

	var out LocalEvaluationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &RetryableError{Err: fmt.Errorf("decoding local evaluation response: %w", err)}
	}
	return &out, nil
}

func (t *Transport) await(ctx context.Context) error {
	if t.Limiter == nil {
		return nil
	}
	if err := t.Limiter.Wait(ctx); err != nil {
		return &RetryableError{Err: fmt.Errorf("rate limiter: %w", err)}
	}
	return nil
}

func (t *Transport) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var reader io.Reader
	encoding := ""
	if body != nil {
		if t.Gzip {
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			if _, err := gz.Write(body); err != nil {
				return nil, fmt.Errorf("compressing request body: %w", err)
			}
			if err := gz.Close(); err != nil {
				return nil, fmt.Errorf("closing gzip writer: %w", err)
			}
			reader = &buf
			encoding = "gzip"
		} else {
			reader = bytes.NewReader(body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, t.Host+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "posthog-go/"+libVersion())
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	return req, nil
}

func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 500 {
		return &RetryableError{Err: fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))}
	}
	return &PermanentError{StatusCode: resp.StatusCode, Body: string(body)}
}

// libVersion is overridden by the root package at init time so the
// transport's User-Agent carries the real library version without
// this package importing the root package (which would cycle).
var libVersionOverride string

func libVersion() string {
	if libVersionOverride != "" {
		return libVersionOverride
	}
	return "dev"
}

// SetLibVersion lets the root package stamp the real version string.
func SetLibVersion(v string) { libVersionOverride = v }
