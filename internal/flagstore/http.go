package flagstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pilot-net/posthog-go/internal/flags"
	"github.com/pilot-net/posthog-go/internal/transport"
)

// HTTPSource is the default poller.Source: it fetches the
// local-evaluation document over the real HTTP transport, per
// spec.md §4.D/§4.F.
type HTTPSource struct {
	transport      *transport.Transport
	projectKey     string
	personalAPIKey string
}

// NewHTTPSource builds an HTTPSource against an already-configured
// transport.
func NewHTTPSource(t *transport.Transport, projectKey, personalAPIKey string) *HTTPSource {
	return &HTTPSource{transport: t, projectKey: projectKey, personalAPIKey: personalAPIKey}
}

// wireDefinition mirrors the raw JSON shape returned by
// /api/feature_flag/local_evaluation, which nests filter data one
// level deeper than flags.Definition's flattened Go shape.
type wireDefinition struct {
	Key      string `json:"key"`
	Active   bool   `json:"active"`
	Filters  struct {
		Groups                    []flags.Condition `json:"groups"`
		RolloutPercentage         *float64          `json:"rollout_percentage,omitempty"`
		AggregationGroupTypeIndex *string           `json:"aggregation_group_type_index,omitempty"`
		Multivariate              *struct {
			Variants []flags.Variant `json:"variants"`
		} `json:"multivariate,omitempty"`
	} `json:"filters"`
}

// Fetch satisfies poller.Source.
func (s *HTTPSource) Fetch(ctx context.Context) (map[string]flags.Definition, error) {
	resp, err := s.transport.GetLocalEvaluation(ctx, s.projectKey, s.personalAPIKey)
	if err != nil {
		return nil, fmt.Errorf("fetching local evaluation flags: %w", err)
	}

	out := make(map[string]flags.Definition, len(resp.Flags))
	for _, raw := range resp.Flags {
		var wd wireDefinition
		if err := json.Unmarshal(raw, &wd); err != nil {
			return nil, fmt.Errorf("decoding flag definition: %w", err)
		}
		def := flags.Definition{
			Key:                  wd.Key,
			Active:               wd.Active,
			RolloutPercentage:    wd.Filters.RolloutPercentage,
			FilterGroups:         wd.Filters.Groups,
			AggregationGroupType: wd.Filters.AggregationGroupTypeIndex,
		}
		if wd.Filters.Multivariate != nil {
			def.Variants = wd.Filters.Multivariate.Variants
		}
		out[wd.Key] = def
	}
	return out, nil
}
