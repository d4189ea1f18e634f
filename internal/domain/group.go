package domain

import (
	"encoding/json"
	"time"
)

// Group types produced by the classifier waterfall.
const (
	GroupTypeRuleSequence = "RuleSequence"
	GroupTypeException    = "Exception"
	GroupTypeMessage      = "Message"
	GroupTypeCSP          = "CSP Violation"
	GroupTypeLogger       = "Logger"
	GroupTypeUnanalyzed   = "Unanalyzed"

	// CustomGroupPrefix prefixes the rule name when a custom rule declares the
	// literal type "Custom".
	CustomGroupPrefix = "Custom: "
)

// Diagnosis statuses. The aggregator only ever writes StatusPending, and only
// when a group is first created; everything else belongs to the analysis layer.
const (
	StatusPending            = "PENDING"
	StatusInProcess          = "IN_PROCESS"
	StatusResolved           = "RESOLVED"
	StatusIgnore             = "IGNORE"
	StatusDiagnosisCompleted = "DIAGNOSIS_COMPLETED"
)

// Bounds on the evidence reservoirs kept per group.
const (
	MaxRawLogIDs  = 50
	MaxSignatures = 10
)

// Rule is one structural execution step extracted from a stack sequence.
type Rule struct {
	Type  string `json:"type"`
	Class string `json:"class"`
	Name  string `json:"name"`
}

// RepresentativeLog is an advisory snapshot of the most recently seen record
// contributing to a group. Last writer wins; it is display data, never used
// for correctness.
type RepresentativeLog struct {
	Message          string `json:"message"`
	ExceptionMessage string `json:"exception_message"`
	LoggerName       string `json:"logger_name"`
	SampleLogID      string `json:"sample_log_id"`
}

// GroupDelta is the in-memory aggregate for one group within one batch slice
// of the scan. It is the unit of flush: applying the same delta twice, or two
// deltas in either order, must converge (see Merge).
type GroupDelta struct {
	GroupID   string `json:"group_id"`
	Signature string `json:"group_signature"`
	Type      string `json:"group_type"`

	// Count is the number of distinct raw-log ids observed for this group in
	// this batch, not the number of scanned lines. Content-derived ids make
	// that the double-counting guard for replayed input.
	Count int64 `json:"count"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	RawLogIDs           []string `json:"raw_log_ids"`
	ExceptionSignatures []string `json:"exception_signatures"`
	MessageSignatures   []string `json:"message_signatures"`

	Representative RepresentativeLog `json:"representative_log"`
	Rules          []Rule            `json:"rules,omitempty"`
	RuleCount      int               `json:"rule_count"`
}

// GroupRecord is the persistent aggregate for one recurring problem.
// Comments, audit history and (after creation) diagnosis are owned by external
// collaborators; the merge below never touches them.
type GroupRecord struct {
	ID        string `json:"id"`
	Signature string `json:"group_signature"`
	Type      string `json:"group_type"`

	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`

	RawLogIDs           []string `json:"raw_log_ids"`
	ExceptionSignatures []string `json:"exception_signatures"`
	MessageSignatures   []string `json:"message_signatures"`

	Representative RepresentativeLog `json:"representative_log"`
	Rules          []Rule            `json:"rules,omitempty"`
	RuleCount      int               `json:"rule_count"`

	Diagnosis    json.RawMessage `json:"diagnosis,omitempty"`
	Comments     string          `json:"comments,omitempty"`
	AuditHistory json.RawMessage `json:"audit_history,omitempty"`
}

// AnalystState is the operator-owned slice of a group, captured before a
// destructive reset and restored after recomputation, keyed by signature.
type AnalystState struct {
	Signature    string          `json:"group_signature"`
	Diagnosis    json.RawMessage `json:"diagnosis,omitempty"`
	Comments     string          `json:"comments,omitempty"`
	AuditHistory json.RawMessage `json:"audit_history,omitempty"`
}

// NewGroupRecord materializes a fresh group from a delta. Diagnosis starts
// PENDING; that is the only time the aggregator writes it.
func NewGroupRecord(d GroupDelta) GroupRecord {
	return GroupRecord{
		ID:                  d.GroupID,
		Signature:           d.Signature,
		Type:                d.Type,
		Count:               d.Count,
		FirstSeen:           d.FirstSeen,
		LastSeen:            d.LastSeen,
		RawLogIDs:           capDedup(nil, d.RawLogIDs, MaxRawLogIDs),
		ExceptionSignatures: capDedup(nil, d.ExceptionSignatures, MaxSignatures),
		MessageSignatures:   capDedup(nil, d.MessageSignatures, MaxSignatures),
		Representative:      d.Representative,
		Rules:               d.Rules,
		RuleCount:           d.RuleCount,
		Diagnosis:           json.RawMessage(`{"status":"` + StatusPending + `"}`),
	}
}

// Merge folds a delta into an existing group. The operation is commutative and
// idempotent at the delta level: count is additive, timestamps are min/max,
// reservoirs are union-capped, rules are set-once, and the representative log
// follows the newest timestamp. Concurrent workers flushing the same group in
// any order converge to the same state.
func (g *GroupRecord) Merge(d GroupDelta) {
	g.Count += d.Count

	if g.FirstSeen.IsZero() || (!d.FirstSeen.IsZero() && d.FirstSeen.Before(g.FirstSeen)) {
		g.FirstSeen = d.FirstSeen
	}
	if !d.LastSeen.Before(g.LastSeen) {
		g.LastSeen = d.LastSeen
		g.Representative = d.Representative
	}

	g.RawLogIDs = capDedup(g.RawLogIDs, d.RawLogIDs, MaxRawLogIDs)
	g.ExceptionSignatures = capDedup(g.ExceptionSignatures, d.ExceptionSignatures, MaxSignatures)
	g.MessageSignatures = capDedup(g.MessageSignatures, d.MessageSignatures, MaxSignatures)

	if len(g.Rules) == 0 && len(d.Rules) > 0 {
		g.Rules = d.Rules
	}
	if g.RuleCount == 0 && d.RuleCount > 0 {
		g.RuleCount = d.RuleCount
	}
}

// capDedup appends items not already present, up to cap limit, preserving the
// existing order.
func capDedup(existing, incoming []string, limit int) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	out := existing
	for _, v := range incoming {
		if len(out) >= limit {
			break
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
