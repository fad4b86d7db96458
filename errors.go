package posthog

import "fmt"

// ConfigError is returned by New when construction-time requirements
// (spec.md §4.H) are not met.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return fmt.Sprintf("posthog: configuration error: %s", e.Reason) }

// ErrMissingAPIKey is returned when neither APIKey nor ProjectAPIKey
// is configured.
var ErrMissingAPIKey = &ConfigError{Reason: "one of APIKey or ProjectAPIKey is required"}

// QueueFullError is returned by Capture (and friends) when the
// bounded queue is at capacity and the event could not be enqueued.
type QueueFullError struct{}

func (e *QueueFullError) Error() string { return "posthog: event queue is full, event dropped" }

// ValidationError is re-exported from internal/normalize so callers
// can type-assert against it without importing an internal package.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("posthog: validation failed: %s", e.Reason) }
