package posthog

import (
	"sync"
	"sync/atomic"
)

// defaultClient is the process-wide handle described by spec.md §9:
// most applications want one shared Client rather than threading one
// through every call site. Configure constructs it eagerly and stores
// it under defaultClientMu; Default checks the atomic pointer before
// and after acquiring the mutex, so the common case — already
// configured — never pays lock overhead. Nothing constructs it lazily.
var (
	defaultClient   atomic.Pointer[Client]
	defaultClientMu sync.Mutex
)

// Configure initializes the process-wide default client. It must be
// called once before any package-level Capture/Identify/... call; a
// second call replaces the previous default (the old client is not
// shut down automatically — callers that want a clean handoff should
// Shutdown it themselves first).
func Configure(cfg Config, opts ...Option) error {
	c, err := New(cfg, opts...)
	if err != nil {
		return err
	}
	defaultClientMu.Lock()
	defer defaultClientMu.Unlock()
	defaultClient.Store(c)
	return nil
}

// Default returns the process-wide client configured by Configure, or
// nil if Configure has not been called yet.
func Default() *Client {
	if c := defaultClient.Load(); c != nil {
		return c
	}
	defaultClientMu.Lock()
	defer defaultClientMu.Unlock()
	return defaultClient.Load()
}

// Capture records an event using the default client. It panics if
// Configure has not been called, mirroring the original SDKs'
// module-level functions that assume a configured singleton.
func Capture(distinctID interface{}, event string, properties map[string]interface{}) (bool, error) {
	return mustDefault().Capture(distinctID, event, properties)
}

// Identify attaches person properties using the default client.
func Identify(distinctID interface{}, properties map[string]interface{}) (bool, error) {
	return mustDefault().Identify(distinctID, properties)
}

func mustDefault() *Client {
	c := Default()
	if c == nil {
		panic("posthog: Default() called before Configure()")
	}
	return c
}
