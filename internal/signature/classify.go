package signature

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/V4T54L/logsmith/internal/domain"
)

// cspMarker is the fixed phrase the platform writes into every content
// security policy violation report.
const cspMarker = "A browser has reported a violation of your application's Content Security Policy"

var (
	cspBlockedRe   = regexp.MustCompile(`Blocked Content Source:\s*(.+)`)
	cspViolatedRe  = regexp.MustCompile(`Violated Directive:\s*(.+)`)
	cspEffectiveRe = regexp.MustCompile(`Effective Directive:\s*(.+)`)
)

// CompiledRule is a custom pattern rule ready for matching. Rules are compiled
// once per run and consulted in load order before every built-in classifier.
type CompiledRule struct {
	Rule domain.CustomPatternRule
	re   *regexp.Regexp
}

// CompileRules compiles the custom pattern rules, case-insensitively.
// Unparseable patterns are skipped and reported; a broken rule must not take
// classification down.
func CompileRules(rules []domain.CustomPatternRule) ([]CompiledRule, []error) {
	compiled := make([]CompiledRule, 0, len(rules))
	var errs []error
	for _, r := range rules {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("custom rule %q: %w", r.Name, err))
			continue
		}
		compiled = append(compiled, CompiledRule{Rule: r, re: re})
	}
	return compiled, errs
}

// Classification assigns a record to exactly one group.
type Classification struct {
	Type      string
	Signature string
}

// Classify maps one scanned record to its (groupType, groupSignature) pair.
// The waterfall is first-match-wins: custom rule, CSP violation, stack
// sequence, normalized exception, normalized message, then logger name.
func Classify(rec domain.ScannedRecord, rules []CompiledRule) Classification {
	normExc := rec.NormalizedException
	if normExc == "" {
		normExc = Normalize(rec.ExceptionMessage)
	}
	normMsg := rec.NormalizedMessage
	if normMsg == "" {
		normMsg = Normalize(rec.Message)
	}

	if rule, ok := matchCustomRule(rec.Message, rules); ok {
		groupType := rule.GroupType
		if groupType == "" || groupType == "Custom" {
			groupType = domain.CustomGroupPrefix + rule.Name
		}
		return Classification{Type: groupType, Signature: rule.Name}
	}

	if sig, ok := ExtractCSPSignature(rec.Message); ok {
		return Classification{Type: domain.GroupTypeCSP, Signature: sig}
	}

	if rec.SequenceSummary != "" {
		return Classification{Type: domain.GroupTypeRuleSequence, Signature: rec.SequenceSummary}
	}

	if normExc != "" {
		return Classification{Type: domain.GroupTypeException, Signature: normExc}
	}

	if normMsg != "" {
		return Classification{Type: domain.GroupTypeMessage, Signature: normMsg}
	}

	sig := rec.LoggerName
	if sig == "" {
		sig = "Unknown"
	}
	return Classification{Type: domain.GroupTypeLogger, Signature: sig}
}

func matchCustomRule(message string, rules []CompiledRule) (domain.CustomPatternRule, bool) {
	for _, r := range rules {
		if r.re.MatchString(message) {
			return r.Rule, true
		}
	}
	return domain.CustomPatternRule{}, false
}

// ExtractCSPSignature builds the fixed-template signature for a CSP violation
// report. The blocked source is truncated to scheme://host so reports that
// differ only in path or query group together. Missing fields read "Unknown".
func ExtractCSPSignature(message string) (string, bool) {
	if !strings.Contains(message, cspMarker) {
		return "", false
	}

	blocked := captureOrUnknown(cspBlockedRe, message)
	if strings.Contains(blocked, "://") {
		if parts := strings.Split(blocked, "/"); len(parts) >= 3 {
			blocked = strings.Join(parts[:3], "/")
		}
	}
	violated := captureOrUnknown(cspViolatedRe, message)
	effective := captureOrUnknown(cspEffectiveRe, message)

	return fmt.Sprintf("CSP Violation | Blocked: %s | Violated: %s | Effective: %s", blocked, violated, effective), true
}

func captureOrUnknown(re *regexp.Regexp, message string) string {
	if m := re.FindStringSubmatch(message); m != nil {
		return strings.TrimSpace(m[1])
	}
	return "Unknown"
}

// GroupID derives the deterministic group identifier from a signature string:
// lowercase hex MD5 of its UTF-8 bytes. Every process and tool touching the
// group store must produce the same id for the same signature text.
func GroupID(sig string) string {
	sum := md5.Sum([]byte(sig))
	return hex.EncodeToString(sum[:])
}

// RecordID derives the idempotent raw-log document id from the ingestion
// source name, the 1-based line number, and the raw line text. Same contract
// as GroupID: content-derived, stable across runs.
func RecordID(fileName string, lineNumber int, line string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s_%d_%s", fileName, lineNumber, line)))
	return hex.EncodeToString(sum[:])
}
