package signature

import (
	"regexp"
	"strings"

	"github.com/V4T54L/logsmith/internal/domain"
)

// Frame extraction patterns, tried in order per line; first match wins. The
// generated naming convention shows up in at least four shapes in the wild:
// dotted action frames, arrow-notation traces, container-qualified rules, and
// bare generated classes with only a numeric suffix.
var (
	frameDottedRe    = regexp.MustCompile(`com\.pegarules\.generated\.(\w+)\.ra_action_(\w+)(?:_[a-f0-9]+)?\.`)
	frameArrowRe     = regexp.MustCompile(`com\.pegarules\.generated\.(\w+)->ra_action_(\w+)->`)
	frameContainerRe = regexp.MustCompile(`com\.pegarules\.generated\.([\w]+)\.ra_[a-z]+_(.+?)\.`)
	frameBareRe      = regexp.MustCompile(`com\.pegarules\.generated\.([A-Za-z]\w+?)(?:_[0-9_]+)\.`)

	ruleHashSuffixRe    = regexp.MustCompile(`_[a-f0-9]{32,}.*$`)
	ruleNumericSuffixRe = regexp.MustCompile(`_\d{10,}$`)
	bareNumericTailRe   = regexp.MustCompile(`_\d+.*$`)
)

// actionSuffixes are verb endings that mark the token before a short trailing
// fragment as part of the rule name rather than the class.
var actionSuffixes = []string{
	"update", "create", "delete", "save", "process", "validate", "check",
	"load", "fetch", "retrieve", "send", "calc", "calculate", "notify",
	"execute", "perform", "run", "open", "close", "add", "remove", "get", "set",
}

// ignoreClasses are prefixes that are never a class on their own; when the
// split lands on one the whole identifier is the rule name.
var ignoreClasses = map[string]struct{}{
	"get": {}, "set": {}, "py": {}, "px": {}, "pz": {}, "step": {}, "my": {},
	"test": {}, "ra": {}, "action": {}, "stream": {}, "model": {}, "do": {},
	"call": {}, "invoke": {}, "create": {}, "update": {}, "delete": {},
	"save": {}, "validate": {}, "check": {}, "na": {},
}

// cleanRuleName strips generated hash and numeric suffixes from a rule
// identifier: fetchproviderinfo_71213544b84138fe... -> fetchproviderinfo.
func cleanRuleName(name string) string {
	name = ruleHashSuffixRe.ReplaceAllString(name, "")
	name = ruleNumericSuffixRe.ReplaceAllString(name, "")
	return name
}

// splitClassAndName splits a cleaned rule identifier into (class, name) at the
// last underscore. Two heuristics refine the split: a trailing fragment of at
// most 4 chars whose preceding token ends in an action verb gets re-merged
// into the name (processmodupdate_cdt stays one rule name), and a class
// candidate on the ignore list means there is no class at all ("NA").
func splitClassAndName(full string) (string, string) {
	idx := strings.LastIndex(full, "_")
	if idx < 0 {
		return "NA", full
	}

	classCandidate := full[:idx]
	nameCandidate := full[idx+1:]

	if len(nameCandidate) <= 4 && strings.Contains(classCandidate, "_") {
		inner := strings.LastIndex(classCandidate, "_")
		verbToken := classCandidate[inner+1:]
		remaining := classCandidate[:inner]

		if hasActionSuffix(strings.ToLower(verbToken)) {
			classCandidate = remaining
			nameCandidate = verbToken + "_" + nameCandidate
		}
	}

	if _, ok := ignoreClasses[strings.ToLower(classCandidate)]; ok {
		return "NA", full
	}
	return classCandidate, nameCandidate
}

func hasActionSuffix(token string) bool {
	for _, s := range actionSuffixes {
		if strings.HasSuffix(token, s) {
			return true
		}
	}
	return false
}

// ExtractRules parses a stack trace, or the pipe-delimited sequence summary
// derived from one, into the ordered list of structural rule steps it
// exercises. Steps are deduplicated by (type, class, name) in first-seen
// order. The output feeds display and the RuleSequence group record; a missed
// frame degrades grouping quality, never pipeline safety.
func ExtractRules(trace string) []domain.Rule {
	var frames []string
	if strings.Contains(trace, "|") && !strings.Contains(trace, "\n") {
		frames = strings.Split(trace, "|")
	} else {
		frames = strings.Split(trace, "\n")
	}

	var rules []domain.Rule
	seen := make(map[string]struct{})

	for _, frame := range frames {
		frame = strings.TrimSpace(frame)

		var ruleType, cleaned string

		if m := frameDottedRe.FindStringSubmatch(frame); m != nil {
			ruleType, cleaned = m[1], cleanRuleName(m[2])
		} else if m := frameArrowRe.FindStringSubmatch(frame); m != nil {
			ruleType, cleaned = m[1], cleanRuleName(m[2])
		} else if m := frameContainerRe.FindStringSubmatch(frame); m != nil {
			ruleType, cleaned = m[1], cleanRuleName(m[2])
		} else if m := frameBareRe.FindStringSubmatch(frame); m != nil {
			ruleType, cleaned = "NA", bareNumericTailRe.ReplaceAllString(m[1], "")
		}

		if ruleType == "" || cleaned == "" {
			continue
		}

		class, name := splitClassAndName(cleaned)
		key := ruleType + "_" + class + "_" + name
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rules = append(rules, domain.Rule{Type: ruleType, Class: class, Name: name})
	}

	return rules
}
