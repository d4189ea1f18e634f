package domain

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"
)

func sampleDelta(n int, ts time.Time) GroupDelta {
	return GroupDelta{
		GroupID:             "gid",
		Signature:           "timeout for case [CASE_ID]",
		Type:                GroupTypeException,
		Count:               int64(n),
		FirstSeen:           ts,
		LastSeen:            ts.Add(time.Minute),
		RawLogIDs:           []string{fmt.Sprintf("raw-%d-a", n), fmt.Sprintf("raw-%d-b", n)},
		ExceptionSignatures: []string{fmt.Sprintf("exc-%d", n)},
		MessageSignatures:   []string{fmt.Sprintf("msg-%d", n)},
		Representative: RepresentativeLog{
			Message:     fmt.Sprintf("message %d", n),
			SampleLogID: fmt.Sprintf("raw-%d-a", n),
		},
	}
}

func TestNewGroupRecordStartsPending(t *testing.T) {
	base := time.Date(2025, 12, 4, 11, 0, 0, 0, time.UTC)
	g := NewGroupRecord(sampleDelta(3, base))

	if g.ID != "gid" || g.Count != 3 {
		t.Errorf("unexpected record: id=%q count=%d", g.ID, g.Count)
	}
	if string(g.Diagnosis) != `{"status":"PENDING"}` {
		t.Errorf("diagnosis = %s", g.Diagnosis)
	}
	if g.Comments != "" || g.AuditHistory != nil {
		t.Error("new record must not carry analyst state")
	}
}

func TestMergeCommutative(t *testing.T) {
	base := time.Date(2025, 12, 4, 11, 0, 0, 0, time.UTC)
	d1 := sampleDelta(2, base)
	d2 := sampleDelta(5, base.Add(time.Hour))

	ab := NewGroupRecord(d1)
	ab.Merge(d2)

	ba := NewGroupRecord(d2)
	ba.Merge(d1)

	if ab.Count != ba.Count || ab.Count != 7 {
		t.Errorf("counts diverged: %d vs %d", ab.Count, ba.Count)
	}
	if !ab.FirstSeen.Equal(ba.FirstSeen) || !ab.FirstSeen.Equal(base) {
		t.Errorf("first seen diverged: %v vs %v", ab.FirstSeen, ba.FirstSeen)
	}
	if !ab.LastSeen.Equal(ba.LastSeen) || !ab.LastSeen.Equal(base.Add(time.Hour + time.Minute)) {
		t.Errorf("last seen diverged: %v vs %v", ab.LastSeen, ba.LastSeen)
	}
	if ab.Representative != ba.Representative || ab.Representative.Message != "message 5" {
		t.Errorf("representative diverged: %+v vs %+v", ab.Representative, ba.Representative)
	}

	// Reservoirs converge as sets even if insertion order differs.
	if !sameSet(ab.RawLogIDs, ba.RawLogIDs) {
		t.Errorf("raw log ids diverged: %v vs %v", ab.RawLogIDs, ba.RawLogIDs)
	}
	if !sameSet(ab.ExceptionSignatures, ba.ExceptionSignatures) {
		t.Errorf("exception signatures diverged: %v vs %v", ab.ExceptionSignatures, ba.ExceptionSignatures)
	}
}

func TestMergeDuplicateDeltaOnlyGrowsCount(t *testing.T) {
	base := time.Date(2025, 12, 4, 11, 0, 0, 0, time.UTC)
	d := sampleDelta(2, base)

	g := NewGroupRecord(d)
	before := append([]string(nil), g.RawLogIDs...)

	g.Merge(d)

	if g.Count != 4 {
		t.Errorf("count = %d, want 4", g.Count)
	}
	if !reflect.DeepEqual(g.RawLogIDs, before) {
		t.Errorf("raw log ids changed on duplicate merge: %v", g.RawLogIDs)
	}
	if len(g.ExceptionSignatures) != 1 || len(g.MessageSignatures) != 1 {
		t.Errorf("signature reservoirs grew on duplicate merge: %v %v", g.ExceptionSignatures, g.MessageSignatures)
	}
}

func TestMergeRepresentativeFollowsNewest(t *testing.T) {
	base := time.Date(2025, 12, 4, 11, 0, 0, 0, time.UTC)
	newer := sampleDelta(1, base.Add(2*time.Hour))
	older := sampleDelta(9, base)

	g := NewGroupRecord(newer)
	g.Merge(older)

	if g.Representative.Message != "message 1" {
		t.Errorf("older delta overwrote representative: %+v", g.Representative)
	}
	if !g.FirstSeen.Equal(base) {
		t.Errorf("first seen = %v, want %v", g.FirstSeen, base)
	}
}

func TestMergeRulesSetOnce(t *testing.T) {
	base := time.Date(2025, 12, 4, 11, 0, 0, 0, time.UTC)
	first := sampleDelta(1, base)
	first.Rules = []Rule{{Type: "activity", Class: "NA", Name: "opencase"}}
	first.RuleCount = 1

	second := sampleDelta(1, base.Add(time.Hour))
	second.Rules = []Rule{{Type: "activity", Class: "NA", Name: "other"}}
	second.RuleCount = 5

	g := NewGroupRecord(first)
	g.Merge(second)

	if len(g.Rules) != 1 || g.Rules[0].Name != "opencase" {
		t.Errorf("rules were overwritten: %+v", g.Rules)
	}
	if g.RuleCount != 1 {
		t.Errorf("rule count = %d, want 1", g.RuleCount)
	}

	// A group created without rules adopts the first delta that carries any.
	empty := NewGroupRecord(sampleDelta(1, base))
	empty.Merge(second)
	if len(empty.Rules) != 1 || empty.Rules[0].Name != "other" {
		t.Errorf("late rules not adopted: %+v", empty.Rules)
	}
	if empty.RuleCount != 5 {
		t.Errorf("late rule count = %d, want 5", empty.RuleCount)
	}
}

func TestMergeReservoirsBounded(t *testing.T) {
	base := time.Date(2025, 12, 4, 11, 0, 0, 0, time.UTC)
	g := NewGroupRecord(sampleDelta(1, base))

	for i := 0; i < 40; i++ {
		d := sampleDelta(1, base.Add(time.Duration(i)*time.Minute))
		d.RawLogIDs = []string{fmt.Sprintf("flood-%d-a", i), fmt.Sprintf("flood-%d-b", i)}
		d.ExceptionSignatures = []string{fmt.Sprintf("flood-exc-%d", i)}
		d.MessageSignatures = []string{fmt.Sprintf("flood-msg-%d", i)}
		g.Merge(d)
	}

	if len(g.RawLogIDs) != MaxRawLogIDs {
		t.Errorf("raw log ids = %d, want %d", len(g.RawLogIDs), MaxRawLogIDs)
	}
	if len(g.ExceptionSignatures) != MaxSignatures {
		t.Errorf("exception signatures = %d, want %d", len(g.ExceptionSignatures), MaxSignatures)
	}
	if len(g.MessageSignatures) != MaxSignatures {
		t.Errorf("message signatures = %d, want %d", len(g.MessageSignatures), MaxSignatures)
	}

	// Earliest entries are kept; the reservoir is first-come, not sliding.
	if g.RawLogIDs[0] != "raw-1-a" {
		t.Errorf("earliest id evicted: %v", g.RawLogIDs[:3])
	}
	if g.Count != 41 {
		t.Errorf("count = %d, want 41", g.Count)
	}
}

func TestMergeNeverTouchesAnalystState(t *testing.T) {
	base := time.Date(2025, 12, 4, 11, 0, 0, 0, time.UTC)
	g := NewGroupRecord(sampleDelta(1, base))
	g.Diagnosis = []byte(`{"status":"RESOLVED","by":"analyst"}`)
	g.Comments = "known issue, fix shipped in 8.7"
	g.AuditHistory = []byte(`[{"action":"resolve"}]`)

	g.Merge(sampleDelta(4, base.Add(time.Hour)))

	if string(g.Diagnosis) != `{"status":"RESOLVED","by":"analyst"}` {
		t.Errorf("diagnosis modified: %s", g.Diagnosis)
	}
	if !strings.Contains(g.Comments, "known issue") || string(g.AuditHistory) != `[{"action":"resolve"}]` {
		t.Error("merge modified analyst-owned fields")
	}
}

func TestCapDedup(t *testing.T) {
	got := capDedup([]string{"a", "b"}, []string{"b", "c", "a", "d"}, 3)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("capDedup = %v, want %v", got, want)
	}

	if got := capDedup(nil, nil, 5); len(got) != 0 {
		t.Errorf("expected empty result, got %v", got)
	}

	full := capDedup([]string{"a", "b", "c"}, []string{"d"}, 3)
	if !reflect.DeepEqual(full, []string{"a", "b", "c"}) {
		t.Errorf("full reservoir accepted new items: %v", full)
	}
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := set[v]; !ok {
			return false
		}
	}
	return true
}
