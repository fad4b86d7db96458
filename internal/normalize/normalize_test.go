package normalize

import (
	"strings"
	"testing"
	"time"
)

func TestBuild_BasicCapture(t *testing.T) {
	accepted, rec, err := Build(KindCapture, Fields{
		DistinctID: "u",
		Event:      "movie played",
		Properties: map[string]interface{}{"id": "7"},
	})
	if err != nil || !accepted {
		t.Fatalf("expected accepted, got err=%v", err)
	}
	if rec.Event != "movie played" || rec.DistinctID != "u" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Properties["$lib"] != "posthog-go" {
		t.Fatalf("missing $lib stamp: %+v", rec.Properties)
	}
	if rec.Properties["id"] != "7" {
		t.Fatalf("missing caller property: %+v", rec.Properties)
	}
}

func TestBuild_NumericDistinctIDNoPrecisionLoss(t *testing.T) {
	accepted, rec, err := Build(KindCapture, Fields{
		DistinctID: int64(157963456373623802),
		Event:      "e",
	})
	if err != nil || !accepted {
		t.Fatalf("expected accepted, got err=%v", err)
	}
	if rec.DistinctID != "157963456373623802" {
		t.Fatalf("expected exact decimal form, got %q", rec.DistinctID)
	}
}

func TestBuild_EmptyDistinctIDRejected(t *testing.T) {
	accepted, _, err := Build(KindCapture, Fields{DistinctID: "", Event: "e"})
	if accepted || err == nil {
		t.Fatalf("expected rejection for empty distinct_id")
	}
}

func TestBuild_TimestampDefaultsToNow(t *testing.T) {
	before := time.Now()
	_, rec, err := Build(KindCapture, Fields{DistinctID: "u", Event: "e"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Timestamp.Sub(before) > time.Second {
		t.Fatalf("timestamp too far from now: %v vs %v", rec.Timestamp, before)
	}
}

func TestBuild_TimestampWireFormatHasUTCOffset(t *testing.T) {
	ts := time.Date(2014, 9, 3, 0, 0, 0, 0, time.UTC)
	_, rec, err := Build(KindIdentify, Fields{
		DistinctID: "distinct_id",
		Properties: map[string]interface{}{"trait": "value"},
		Timestamp:  ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	data, err := rec.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"2014-09-03T00:00:00.000000+00:00"`) {
		t.Fatalf("unexpected wire timestamp: %s", data)
	}
}

func TestBuild_GroupIdentify(t *testing.T) {
	accepted, rec, err := Build(KindGroupIdentify, Fields{
		GroupType:  "organization",
		GroupKey:   "id:5",
		Properties: map[string]interface{}{"employees": 11},
	})
	if err != nil || !accepted {
		t.Fatalf("expected accepted, got err=%v", err)
	}
	if rec.Event != "$groupidentify" {
		t.Fatalf("unexpected event: %s", rec.Event)
	}
	if rec.DistinctID != "$organization_id:5" {
		t.Fatalf("unexpected distinct_id: %s", rec.DistinctID)
	}
	if rec.Properties["$group_type"] != "organization" || rec.Properties["$group_key"] != "id:5" {
		t.Fatalf("unexpected properties: %+v", rec.Properties)
	}
	set, ok := rec.Properties["$group_set"].(map[string]interface{})
	if !ok || set["employees"] != 11 {
		t.Fatalf("unexpected $group_set: %+v", rec.Properties["$group_set"])
	}
}

func TestBuild_Alias(t *testing.T) {
	accepted, rec, err := Build(KindAlias, Fields{
		PreviousID: "anon",
		DistinctID: "u",
	})
	if err != nil || !accepted {
		t.Fatalf("expected accepted, got err=%v", err)
	}
	if rec.Event != "$create_alias" {
		t.Fatalf("unexpected event: %s", rec.Event)
	}
	if rec.DistinctID != "anon" {
		t.Fatalf("unexpected distinct_id: %s", rec.DistinctID)
	}
	if rec.Properties["distinct_id"] != "anon" || rec.Properties["alias"] != "u" {
		t.Fatalf("unexpected properties: %+v", rec.Properties)
	}
}

func TestBuild_SizeLimitRejected(t *testing.T) {
	big := strings.Repeat("x", MaxRecordSize+1)
	accepted, _, err := Build(KindCapture, Fields{
		DistinctID: "u",
		Event:      "e",
		Properties: map[string]interface{}{"blob": big},
	})
	if accepted || err == nil {
		t.Fatalf("expected rejection for oversized record")
	}
}

func TestBuild_GroupsStamped(t *testing.T) {
	_, rec, err := Build(KindCapture, Fields{
		DistinctID: "u",
		Event:      "purchase",
		Groups:     map[string]string{"company": "id:5"},
	})
	if err != nil {
		t.Fatal(err)
	}
	groups, ok := rec.Properties["$groups"].(map[string]string)
	if !ok || groups["company"] != "id:5" {
		t.Fatalf("unexpected $groups: %+v", rec.Properties["$groups"])
	}
}

func TestBuild_FeatureFlagStamping(t *testing.T) {
	_, rec, err := Build(KindCapture, Fields{
		DistinctID: "u",
		Event:      "e",
		FeatureFlags: map[string]interface{}{
			"beta":    "test-variant",
			"off-one": false,
			"off-two": "",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Properties["$feature/beta"] != "test-variant" {
		t.Fatalf("missing flag property: %+v", rec.Properties)
	}
	active, ok := rec.Properties["$active_feature_flags"].([]string)
	if !ok || len(active) != 1 || active[0] != "beta" {
		t.Fatalf("unexpected active flags: %+v", rec.Properties["$active_feature_flags"])
	}
}
