// Package decide implements spec.md §4.G: a thin, uncached wrapper
// around the remote /decide/ call used when local evaluation cannot
// resolve a flag.
package decide

import (
	"context"
	"log/slog"

	"github.com/pilot-net/posthog-go/internal/flags"
	"github.com/pilot-net/posthog-go/internal/transport"
)

// Caller is the subset of *transport.Transport this package depends
// on.
type Caller interface {
	Decide(ctx context.Context, req transport.DecideRequest) (*transport.DecideResponse, error)
}

// Client wraps the remote decide call. It holds no cache: callers who
// want caching wrap Client themselves, per spec.md §4.G.
type Client struct {
	transport Caller
	apiKey    string
	logger    *slog.Logger
}

// New builds a Client.
func New(t Caller, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: t, apiKey: apiKey, logger: logger}
}

// Request describes a single remote decision call.
type Request struct {
	DistinctID       string
	Groups           map[string]string
	PersonProperties flags.Properties
	GroupProperties  map[string]flags.Properties
}

// FeatureFlags calls /decide/ and returns the raw flag→value map. On
// transport failure it returns a nil map and the error; per spec.md
// §4.G, callers surface false/missing for any queried flag and
// feature_enabled specifically returns false on any error.
func (c *Client) FeatureFlags(ctx context.Context, req Request) (map[string]interface{}, error) {
	groupProps := make(map[string]map[string]interface{}, len(req.GroupProperties))
	for k, v := range req.GroupProperties {
		groupProps[k] = v
	}

	resp, err := c.transport.Decide(ctx, transport.DecideRequest{
		APIKey:           c.apiKey,
		DistinctID:       req.DistinctID,
		Groups:           req.Groups,
		PersonProperties: req.PersonProperties,
		GroupProperties:  groupProps,
	})
	if err != nil {
		c.logger.Warn("decide call failed", "error", err)
		return nil, err
	}
	return resp.FeatureFlags, nil
}
