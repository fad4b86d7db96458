// Package message defines the outgoing wire record shared by every
// stage of the ingestion pipeline: built by internal/normalize,
// queued by internal/queue, batched by internal/consumer, and
// serialized by internal/transport.
package message

import (
	"encoding/json"
	"time"
)

// Fixed event names for the conventional record kinds (spec.md §3).
const (
	EventIdentify     = "$identify"
	EventGroupIdentify = "$groupidentify"
	EventCreateAlias  = "$create_alias"
	EventPageview     = "$pageview"
	EventScreen       = "$screen"
	EventFeatureFlagCalled = "$feature_flag_called"
)

// Library tag stamped on every outgoing record.
const (
	LibraryName = "posthog-go"
)

// Record is a single outgoing event, fully built and validated. Once
// constructed by internal/normalize it is treated as immutable by
// every downstream stage.
type Record struct {
	Event      string
	DistinctID string
	Properties map[string]interface{}
	Context    map[string]interface{}
	Timestamp  time.Time
	UUID       string
}

// wireRecord is the exact JSON shape POSTed to /batch/.
type wireRecord struct {
	Event      string                 `json:"event"`
	DistinctID string                 `json:"distinct_id"`
	Properties map[string]interface{} `json:"properties"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Timestamp  string                 `json:"timestamp"`
	UUID       string                 `json:"uuid,omitempty"`
}

// MarshalJSON renders the timestamp as ISO-8601 with an explicit UTC
// offset, per spec.md §4.A (Go's default time.Time encoding uses a
// trailing "Z" instead, which the wire contract does not want).
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRecord{
		Event:      r.Event,
		DistinctID: r.DistinctID,
		Properties: r.Properties,
		Context:    r.Context,
		Timestamp:  FormatTimestamp(r.Timestamp),
		UUID:       r.UUID,
	})
}

// FormatTimestamp renders t as ISO-8601 with an explicit "+00:00"
// UTC offset, the form spec.md's Testable Property 4 requires.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000") + "+00:00"
}

// EncodedSize returns the on-wire JSON size of the record in bytes,
// used to enforce the 32 KiB per-record cap and the 500 KiB
// per-batch cap.
func (r Record) EncodedSize() (int, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Batch is the envelope POSTed to /batch/.
type Batch struct {
	APIKey string    `json:"api_key"`
	Events []*Record `json:"batch"`
	SentAt string    `json:"sent_at"`
}

// NewBatch wraps records into the wire envelope, stamping sent_at
// with the current time.
func NewBatch(apiKey string, records []*Record, sentAt time.Time) Batch {
	return Batch{
		APIKey: apiKey,
		Events: records,
		SentAt: FormatTimestamp(sentAt),
	}
}

// EncodedSize returns the approximate JSON-encoded size of the whole
// batch, used by the consumer to respect the 500 KiB batch cap.
func (b Batch) EncodedSize() (int, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
