// Package flags implements local evaluation of PostHog-style feature
// flag definitions: property matching, cohort rollout via stable
// hashing, and multivariate variant selection.
//
// # Design
//
// Evaluate and EvaluateAll are pure functions of their inputs. They
// never perform I/O; the caller (internal/poller, and ultimately the
// client facade) is responsible for supplying the current flag
// definition snapshot and the person/group properties to match
// against.
package flags

// Definition is a single feature flag's rule set, as published by the
// local-evaluation endpoint.
type Definition struct {
	Key                string      `json:"key"`
	Active             bool        `json:"active"`
	RolloutPercentage  *float64    `json:"rollout_percentage,omitempty"`
	Variants           []Variant   `json:"variants,omitempty"`
	FilterGroups       []Condition `json:"filter_groups"`
	AggregationGroupType *string   `json:"aggregation_group_type_index_key,omitempty"`
}

// Variant is one labeled outcome of a multivariate flag.
type Variant struct {
	Key               string  `json:"key"`
	RolloutPercentage float64 `json:"rollout_percentage"`
}

// Condition is one filter group: an AND of PropertyMatchers, combined
// with its own rollout percentage and an optional variant override.
// Filter groups within a Definition are OR'd.
type Condition struct {
	Properties        []PropertyMatcher `json:"properties"`
	RolloutPercentage *float64          `json:"rollout_percentage,omitempty"`
	Variant           *string           `json:"variant,omitempty"`
}

// Operator is a property-matcher comparison.
type Operator string

const (
	OpExact        Operator = "exact"
	OpIsNot        Operator = "is_not"
	OpIContains    Operator = "icontains"
	OpNotIContains Operator = "not_icontains"
	OpRegex        Operator = "regex"
	OpNotRegex     Operator = "not_regex"
	OpGT           Operator = "gt"
	OpGTE          Operator = "gte"
	OpLT           Operator = "lt"
	OpLTE          Operator = "lte"
	OpIsSet        Operator = "is_set"
	OpIsNotSet     Operator = "is_not_set"
)

// MatcherType distinguishes which property bag a matcher applies to.
type MatcherType string

const (
	MatcherPerson MatcherType = "person"
	MatcherCohort MatcherType = "cohort"
	// group:<type> matchers are represented with Type == MatcherGroupPrefix+<type>
)

const MatcherGroupPrefix = "group:"

// PropertyMatcher is a single condition against a person, group, or
// cohort property bag.
type PropertyMatcher struct {
	Key      string      `json:"key"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value"`
	Type     string      `json:"type"`
}

// IsGroupType reports whether this matcher targets a group property
// bag, returning the group type name when it does.
func (m PropertyMatcher) IsGroupType() (string, bool) {
	if len(m.Type) > len(MatcherGroupPrefix) && m.Type[:len(MatcherGroupPrefix)] == MatcherGroupPrefix {
		return m.Type[len(MatcherGroupPrefix):], true
	}
	return "", false
}

// Properties is a generic, string-keyed property bag.
type Properties map[string]interface{}

// Result is the outcome of evaluating a single flag.
type Result struct {
	// Decided is true when the flag could be resolved locally.
	Decided bool
	// Match is the boolean outcome when there are no variants.
	Match bool
	// Variant is the selected variant key, if the flag is multivariate
	// and Match is true.
	Variant string
}

// Bool coerces a Result the way spec.md's feature_enabled does: any
// non-empty, non-"false" variant is truthy.
func (r Result) Bool() bool {
	if !r.Decided {
		return false
	}
	if r.Variant != "" {
		return r.Variant != "false"
	}
	return r.Match
}

// Value returns the wire-equivalent value of a decided result: the
// variant string if present, else the boolean match.
func (r Result) Value() interface{} {
	if r.Variant != "" {
		return r.Variant
	}
	return r.Match
}
