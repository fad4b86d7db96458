package flags

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Evaluate implements spec.md §4.E: given a flag definition, a
// distinct id, and the person/group property bags available to the
// caller, return a Decided(variant|bool) result or report that the
// flag cannot be resolved locally (Result.Decided == false).
//
// groupKeys maps group type -> group key (the caller's "groups"
// argument); groupProperties maps group type -> that group's property
// bag. Both may be nil for person-only evaluation.
func Evaluate(def Definition, distinctID string, personProperties Properties, groupKeys map[string]string, groupProperties map[string]Properties) Result {
	if !def.Active {
		return Result{Decided: true, Match: false}
	}

	hashID := distinctID
	if def.AggregationGroupType != nil {
		gk, ok := groupKeys[*def.AggregationGroupType]
		if !ok || gk == "" {
			// We weren't given the group key this flag is scoped to;
			// nothing in the filter groups can be meaningfully
			// evaluated against the wrong identifier space.
			return Result{Decided: false}
		}
		hashID = gk
	}

	groups := def.FilterGroups
	if len(groups) == 0 {
		// Legacy simple-rollout flags express their rule as the
		// top-level rollout_percentage with no explicit conditions,
		// equivalent to a single always-matching group.
		groups = []Condition{{RolloutPercentage: def.RolloutPercentage}}
	}

	anyUndecidable := false
	for _, cond := range groups {
		passed, undecidable := evaluateCondition(cond, personProperties, groupProperties)
		if undecidable {
			anyUndecidable = true
			continue
		}
		if !passed {
			continue
		}

		pct := 100.0
		if cond.RolloutPercentage != nil {
			pct = *cond.RolloutPercentage
		}
		r := rolloutHash(def.Key, hashID)
		if r > pct/100 {
			continue
		}

		variant := ""
		switch {
		case cond.Variant != nil:
			variant = *cond.Variant
		case len(def.Variants) > 0:
			vr := variantHash(def.Key, hashID)
			variant = selectVariant(def.Variants, vr)
		}
		return Result{Decided: true, Match: true, Variant: variant}
	}

	if anyUndecidable {
		return Result{Decided: false}
	}
	return Result{Decided: true, Match: false}
}

// EvaluateAll evaluates every definition in defs against the same
// identifier/properties, returning decided results and the set of
// keys that could not be resolved locally.
func EvaluateAll(defs map[string]Definition, distinctID string, personProperties Properties, groupKeys map[string]string, groupProperties map[string]Properties) (decided map[string]Result, undecided []string) {
	decided = make(map[string]Result, len(defs))
	for key, def := range defs {
		res := Evaluate(def, distinctID, personProperties, groupKeys, groupProperties)
		if res.Decided {
			decided[key] = res
		} else {
			undecided = append(undecided, key)
		}
	}
	return decided, undecided
}

// evaluateCondition evaluates every matcher in a filter group (AND
// semantics). It returns passed=false immediately if any matcher is
// decidably false; it only reports undecidable when no matcher
// definitively failed but at least one lacked the data to resolve.
func evaluateCondition(cond Condition, personProperties Properties, groupProperties map[string]Properties) (passed bool, undecidable bool) {
	sawUndecidable := false
	for _, m := range cond.Properties {
		ok, matcherUndecidable := evaluateMatcher(m, personProperties, groupProperties)
		if matcherUndecidable {
			sawUndecidable = true
			continue
		}
		if !ok {
			return false, false
		}
	}
	if sawUndecidable {
		return false, true
	}
	return true, false
}

func evaluateMatcher(m PropertyMatcher, personProperties Properties, groupProperties map[string]Properties) (passed bool, undecidable bool) {
	if m.Type == string(MatcherCohort) {
		// Cohort references require server-side membership data this
		// library never fetches.
		return false, true
	}

	bag := personProperties
	if gt, isGroup := m.IsGroupType(); isGroup {
		bag = groupProperties[gt]
	}
	if bag == nil {
		bag = Properties{}
	}

	if m.Operator == OpIsSet {
		_, present := bag[m.Key]
		return present, false
	}
	if m.Operator == OpIsNotSet {
		_, present := bag[m.Key]
		return !present, false
	}

	val, present := bag[m.Key]
	if !present {
		return false, true
	}

	switch m.Operator {
	case OpExact:
		return matchesAny(val, m.Value), false
	case OpIsNot:
		return !matchesAny(val, m.Value), false
	case OpIContains:
		return strings.Contains(strings.ToLower(toComparable(val)), strings.ToLower(toComparable(m.Value))), false
	case OpNotIContains:
		return !strings.Contains(strings.ToLower(toComparable(val)), strings.ToLower(toComparable(m.Value))), false
	case OpRegex:
		return matchesRegex(toComparable(val), toComparable(m.Value)), false
	case OpNotRegex:
		return !matchesRegex(toComparable(val), toComparable(m.Value)), false
	case OpGT, OpGTE, OpLT, OpLTE:
		propF, err1 := toFloat(val)
		targetF, err2 := toFloat(m.Value)
		if err1 != nil || err2 != nil {
			return false, false
		}
		switch m.Operator {
		case OpGT:
			return propF > targetF, false
		case OpGTE:
			return propF >= targetF, false
		case OpLT:
			return propF < targetF, false
		case OpLTE:
			return propF <= targetF, false
		}
	}
	return false, false
}

// matchesAny implements "exact"/"is_not" semantics: target may be a
// scalar or a list, meaning any-of.
func matchesAny(val, target interface{}) bool {
	valStr := toComparable(val)
	if list, ok := target.([]interface{}); ok {
		for _, item := range list {
			if toComparable(item) == valStr {
				return true
			}
		}
		return false
	}
	return toComparable(target) == valStr
}

func matchesRegex(value, pattern string) bool {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	loc := re.FindStringIndex(value)
	return loc != nil && loc[0] == 0 && loc[1] == len(value)
}

// toComparable renders a JSON-decoded value as its canonical string
// form for exact/icontains comparisons.
func toComparable(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return strconv.ParseFloat(fmt.Sprintf("%v", t), 64)
	}
}
