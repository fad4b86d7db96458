package flagstore

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/posthog-go/internal/flags"
)

// yamlDefinition is the YAML-friendly mirror of flags.Definition,
// needed because flags.Definition carries json tags only; the wire
// format for local evaluation is JSON, but fixture authors write
// YAML, so this type gives both structural shapes without tagging one
// Go type for two encodings inconsistently.
type yamlDefinition struct {
	Key                  string          `yaml:"key"`
	Active               bool            `yaml:"active"`
	RolloutPercentage    *float64        `yaml:"rollout_percentage,omitempty"`
	Variants             []yamlVariant   `yaml:"variants,omitempty"`
	FilterGroups         []yamlCondition `yaml:"filter_groups,omitempty"`
	AggregationGroupType *string         `yaml:"aggregation_group_type,omitempty"`
}

type yamlVariant struct {
	Key               string  `yaml:"key"`
	RolloutPercentage float64 `yaml:"rollout_percentage"`
}

type yamlCondition struct {
	Properties        []yamlMatcher `yaml:"properties,omitempty"`
	RolloutPercentage *float64      `yaml:"rollout_percentage,omitempty"`
	Variant           *string       `yaml:"variant,omitempty"`
}

type yamlMatcher struct {
	Key      string      `yaml:"key"`
	Operator string      `yaml:"operator"`
	Value    interface{} `yaml:"value"`
	Type     string      `yaml:"type,omitempty"`
}

type yamlFixture struct {
	Flags []yamlDefinition `yaml:"flags"`
}

// YAMLFileSource serves flag definitions from a local YAML fixture
// file, grounded on agent/internal/config.LoadFromFile's
// read-then-yaml.Unmarshal shape from the teacher repo. It exists for
// offline development and tests, per spec.md §4.F's supplemented
// scope: a way to exercise local evaluation without a live personal
// API key.
type YAMLFileSource struct {
	path string
}

// NewYAMLFileSource points at a fixture file. The file is re-read on
// every Fetch so edits take effect on the poller's next tick.
func NewYAMLFileSource(path string) *YAMLFileSource {
	return &YAMLFileSource{path: path}
}

// Fetch satisfies poller.Source.
func (s *YAMLFileSource) Fetch(ctx context.Context) (map[string]flags.Definition, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading flag fixture %q: %w", s.path, err)
	}

	var fixture yamlFixture
	if err := yaml.Unmarshal(data, &fixture); err != nil {
		return nil, fmt.Errorf("parsing flag fixture %q: %w", s.path, err)
	}

	out := make(map[string]flags.Definition, len(fixture.Flags))
	for _, d := range fixture.Flags {
		out[d.Key] = flags.Definition{
			Key:                  d.Key,
			Active:               d.Active,
			RolloutPercentage:    d.RolloutPercentage,
			Variants:             convertVariants(d.Variants),
			FilterGroups:         convertConditions(d.FilterGroups),
			AggregationGroupType: d.AggregationGroupType,
		}
	}
	return out, nil
}

func convertVariants(in []yamlVariant) []flags.Variant {
	if len(in) == 0 {
		return nil
	}
	out := make([]flags.Variant, len(in))
	for i, v := range in {
		out[i] = flags.Variant{Key: v.Key, RolloutPercentage: v.RolloutPercentage}
	}
	return out
}

func convertConditions(in []yamlCondition) []flags.Condition {
	if len(in) == 0 {
		return nil
	}
	out := make([]flags.Condition, len(in))
	for i, c := range in {
		matchers := make([]flags.PropertyMatcher, len(c.Properties))
		for j, m := range c.Properties {
			matchers[j] = flags.PropertyMatcher{
				Key:      m.Key,
				Operator: flags.Operator(m.Operator),
				Value:    m.Value,
				Type:     m.Type,
			}
		}
		out[i] = flags.Condition{
			Properties:        matchers,
			RolloutPercentage: c.RolloutPercentage,
			Variant:           c.Variant,
		}
	}
	return out
}
