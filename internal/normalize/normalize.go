// Package normalize builds, stamps, and validates outgoing records
// before they are handed to the queue. It is spec.md §4.A's Message
// Normalizer.
package normalize

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pilot-net/posthog-go/internal/message"
)

// MaxRecordSize is the serialized-size cap a single record must not
// exceed (spec.md §4.A).
const MaxRecordSize = 32 * 1024

// LibraryVersion is stamped onto every record as $lib_version. It is
// set by the root package at init time (the normalizer itself has no
// opinion on version numbers — spec.md treats "version constants" as
// an external concern).
var LibraryVersion = "0.0.0-dev"

// ValidationError is returned when a Build call's inputs cannot
// produce a valid outgoing record. It is never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("posthog: validation failed: %s", e.Reason)
}

// Fields are the caller-supplied inputs to Build. Exactly the fields
// relevant to a given Kind are read; the rest are ignored.
type Fields struct {
	DistinctID  interface{}
	Event       string
	Properties  map[string]interface{}
	Context     map[string]interface{}
	Timestamp   time.Time
	UUID        string
	Groups      map[string]string
	PreviousID  interface{}
	GroupType   string
	GroupKey    interface{}

	// FeatureFlags, when non-nil, is merged into Properties as
	// $feature/<key> = variant plus $active_feature_flags. Build only
	// encodes the map it is given and evaluates no flags itself; the
	// client facade's capture methods do not set this field.
	FeatureFlags map[string]interface{}
}

// Kind selects which conventional record shape Build produces.
type Kind int

const (
	KindCapture Kind = iota
	KindIdentify
	KindSet
	KindSetOnce
	KindGroupIdentify
	KindAlias
)

// Build constructs an immutable Record from fields, stamping
// timestamp/library tags and validating size and required fields.
// Accepted records are safe to enqueue; rejected ones (accepted ==
// false) must never be enqueued, per spec.md §4.A.
func Build(kind Kind, fields Fields) (accepted bool, record *message.Record, err error) {
	props := fields.Properties
	if props == nil {
		props = map[string]interface{}{}
	} else {
		// Never mutate the caller's map.
		cloned := make(map[string]interface{}, len(props)+4)
		for k, v := range props {
			cloned[k] = v
		}
		props = cloned
	}

	ctx := fields.Context
	if ctx == nil {
		ctx = map[string]interface{}{}
	}

	ts := fields.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	event := fields.Event
	distinctID := fields.DistinctID

	switch kind {
	case KindIdentify, KindSet:
		event = message.EventIdentify
		props["$set"] = nonNilMap(fields.Properties)
	case KindSetOnce:
		event = message.EventIdentify
		props["$set_once"] = nonNilMap(fields.Properties)
	case KindGroupIdentify:
		event = message.EventGroupIdentify
		groupKeyStr, gkErr := coerceDistinctID(fields.GroupKey)
		if gkErr != nil {
			return false, nil, &ValidationError{Reason: "group_identify requires a group key: " + gkErr.Error()}
		}
		if fields.GroupType == "" {
			return false, nil, &ValidationError{Reason: "group_identify requires a non-empty group_type"}
		}
		distinctID = "$" + fields.GroupType + "_" + groupKeyStr
		props = map[string]interface{}{
			"$group_type": fields.GroupType,
			"$group_key":  groupKeyStr,
			"$group_set":  nonNilMap(fields.Properties),
		}
	case KindAlias:
		event = message.EventCreateAlias
		previous, pErr := coerceDistinctID(fields.PreviousID)
		if pErr != nil {
			return false, nil, &ValidationError{Reason: "alias requires previous_id: " + pErr.Error()}
		}
		current, cErr := coerceDistinctID(fields.DistinctID)
		if cErr != nil {
			return false, nil, &ValidationError{Reason: "alias requires distinct_id: " + cErr.Error()}
		}
		distinctID = previous
		props["distinct_id"] = previous
		props["alias"] = current
	case KindCapture:
		if event == "" {
			return false, nil, &ValidationError{Reason: "capture requires a non-empty event name"}
		}
	}

	finalDistinctID, idErr := coerceDistinctID(distinctID)
	if idErr != nil {
		return false, nil, &ValidationError{Reason: idErr.Error()}
	}

	props["$lib"] = message.LibraryName
	props["$lib_version"] = LibraryVersion
	if len(fields.Groups) > 0 {
		props["$groups"] = fields.Groups
	}

	if fields.FeatureFlags != nil {
		active := make([]string, 0, len(fields.FeatureFlags))
		for key, variant := range fields.FeatureFlags {
			props["$feature/"+key] = variant
			if isTruthy(variant) {
				active = append(active, key)
			}
		}
		props["$active_feature_flags"] = active
	}

	rec := &message.Record{
		Event:      event,
		DistinctID: finalDistinctID,
		Properties: props,
		Context:    ctx,
		Timestamp:  ts,
		UUID:       fields.UUID,
	}

	size, sizeErr := rec.EncodedSize()
	if sizeErr != nil {
		return false, nil, &ValidationError{Reason: "record could not be serialized: " + sizeErr.Error()}
	}
	if size > MaxRecordSize {
		return false, nil, &ValidationError{Reason: fmt.Sprintf("record size %d exceeds %d byte limit", size, MaxRecordSize)}
	}

	return true, rec, nil
}

func nonNilMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// isTruthy mirrors spec.md §9's resolution of the open question on
// $active_feature_flags: the empty string and false are not active.
func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "false"
	default:
		return true
	}
}

// coerceDistinctID implements spec.md §4.A's distinct_id coercion:
// strings pass through, scalars render as decimal text with no
// precision loss, and nil/empty is rejected.
func coerceDistinctID(v interface{}) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", fmt.Errorf("distinct_id must not be empty")
	case string:
		if t == "" {
			return "", fmt.Errorf("distinct_id must not be empty")
		}
		return t, nil
	case int:
		return strconv.FormatInt(int64(t), 10), nil
	case int32:
		return strconv.FormatInt(int64(t), 10), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint:
		return strconv.FormatUint(uint64(t), 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e18 {
			return strconv.FormatInt(int64(t), 10), nil
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case fmt.Stringer:
		s := t.String()
		if s == "" {
			return "", fmt.Errorf("distinct_id must not be empty")
		}
		return s, nil
	default:
		return "", fmt.Errorf("distinct_id of type %T is not a supported scalar", v)
	}
}
