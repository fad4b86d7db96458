package flagstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/posthog-go/internal/flags"
)

// PostgresSource reads flag definitions directly from a self-hosted
// PostHog Postgres database, for deployments that prefer skipping the
// local-evaluation HTTP endpoint entirely. Grounded on
// control-plane/internal/buffer.Flusher's pgxpool usage from the
// teacher repo (pool injected at construction, one query per refresh
// cycle) rather than its COPY/temp-table bulk-write machinery, which
// has no read-side analogue here.
type PostgresSource struct {
	pool      *pgxpool.Pool
	projectID int64
}

// NewPostgresSource wraps an already-connected pool. The caller owns
// the pool's lifecycle.
func NewPostgresSource(pool *pgxpool.Pool, projectID int64) *PostgresSource {
	return &PostgresSource{pool: pool, projectID: projectID}
}

// Fetch satisfies poller.Source, querying the feature flag table for
// this project's active and inactive flags alike (inactive ones are
// still needed locally so Evaluate can report Decided(false) for them
// without a remote call).
func (s *PostgresSource) Fetch(ctx context.Context) (map[string]flags.Definition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT key, active, filters
		FROM posthog_featureflag
		WHERE team_id = $1 AND deleted = false
	`, s.projectID)
	if err != nil {
		return nil, fmt.Errorf("querying feature flags: %w", err)
	}
	defer rows.Close()

	out := make(map[string]flags.Definition)
	for rows.Next() {
		var (
			key     string
			active  bool
			filters []byte
		)
		if err := rows.Scan(&key, &active, &filters); err != nil {
			return nil, fmt.Errorf("scanning feature flag row: %w", err)
		}

		def := flags.Definition{Key: key, Active: active}
		if len(filters) > 0 {
			var wire wireFilters
			if err := json.Unmarshal(filters, &wire); err != nil {
				return nil, fmt.Errorf("decoding filters for flag %q: %w", key, err)
			}
			def.RolloutPercentage = wire.RolloutPercentage
			def.Variants = wire.Multivariate.Variants
			def.FilterGroups = wire.Groups
			def.AggregationGroupType = wire.AggregationGroupTypeIndex
		}
		out[key] = def
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feature flag rows: %w", err)
	}
	return out, nil
}

// wireFilters mirrors the JSONB "filters" column shape used by
// PostHog's feature flag table.
type wireFilters struct {
	Groups                    []flags.Condition `json:"groups"`
	RolloutPercentage         *float64          `json:"rollout_percentage,omitempty"`
	AggregationGroupTypeIndex *string           `json:"aggregation_group_type_index,omitempty"`
	Multivariate              struct {
		Variants []flags.Variant `json:"variants"`
	} `json:"multivariate"`
}
