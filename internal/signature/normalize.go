// Package signature turns raw, highly variable log text into canonical
// grouping signatures: pattern normalization, stack sequence extraction, and
// the classifier waterfall that assigns every record to exactly one group.
package signature

import (
	"regexp"
	"strings"
)

// A subRule is one ordered substitution step. Most steps are plain regex
// replacements; a few need post-match checks that RE2's syntax cannot express
// (lookaheads in the conventions being matched), so they carry a replace
// function instead.
type subRule struct {
	re      *regexp.Regexp
	repl    string
	replFns func(src string, re *regexp.Regexp) string
}

// Ordered substitution rules. Order is load-bearing: specific patterns (HTTP
// dates, UUIDs, JSON ids, case ids) must run before the generic catch-alls
// (long numbers, bare paths, query-value collapse), and no later rule may
// re-match a placeholder inserted by an earlier one.
var normalizeRules = []subRule{
	// Array/list indices: .agreement(9) -> .agreement(*), [9] -> [*]
	{re: regexp.MustCompile(`\((\d+)\)`), repl: `(*)`},
	{re: regexp.MustCompile(`\[(\d+)\]`), repl: `[*]`},

	// RFC 7231 HTTP dates: "Thu, 04 Dec 2025 11:34:44 GMT"
	{re: regexp.MustCompile(`(?:Mon|Tue|Wed|Thu|Fri|Sat|Sun),\s+\d{1,2}\s+(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d{4}\s+\d{2}:\d{2}:\d{2}\s+(?:GMT|UTC|EST|EDT|PST|PDT|[A-Z]{2,4})\b`), repl: `[DATE]`},
	// ISO 8601 timestamps, then bare dates
	{re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?`), repl: `[DATE]`},
	{re: regexp.MustCompile(`\d{4}-\d{2}-\d{2}`), repl: `[DATE]`},
	{re: regexp.MustCompile(`\d{2}/\d{2}/\d{4}`), repl: `[DATE]`},

	// UUIDs / GUIDs
	{re: regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`), repl: `[UUID]`},

	// Quoted JSON id values of 10+ alphanumerics: "id":"a5ZPY000000XXOb2AO"
	{re: regexp.MustCompile(`"id"\s*:\s*"[A-Za-z0-9]{10,}"`), repl: `"id":"[JSON_ID]"`},

	// Case-style identifiers: CO-19577, T-12345
	{re: regexp.MustCompile(`[A-Z]+-\d+`), repl: `[CASE_ID]`},

	// Long bare numbers are ids, shorter ones are probably counts
	{re: regexp.MustCompile(`\b\d{6,}\b`), repl: `[ID]`},

	// Emails and IPv4 addresses
	{re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`), repl: `[EMAIL]`},
	{re: regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), repl: `[IP]`},

	// File paths, Windows then Unix (min 2 chars after the slash)
	{re: regexp.MustCompile(`[A-Za-z]:\\[^\s<>"|?*]+`), repl: `[FILE_PATH]`},
	{re: regexp.MustCompile(`/[^\s<>"|?*]{2,}`), repl: `[FILE_PATH]`},

	// URL pieces, in a fixed sub-order: long session-like path segments,
	// hex-valued params, long alphanumeric params, numeric params,
	// percent-encoded params, then any leftover non-boolean value, then full
	// query-string collapse for URLs.
	{re: regexp.MustCompile(`/[A-Za-z0-9_-]{15,}\*/`), repl: `/[SESSION_ID]*/`},
	{re: regexp.MustCompile(`([?&])([a-zA-Z_]+)=[A-Fa-f0-9]{20,}`), repl: `${1}${2}=[HEX_ID]`},
	{re: regexp.MustCompile(`([?&])([a-zA-Z_]+)=[A-Za-z0-9]{15,}`), repl: `${1}${2}=[LONG_ID]`},
	{re: regexp.MustCompile(`([?&])([a-zA-Z_]+)=\d{5,}`), repl: `${1}${2}=[NUM_PARAM]`},
	{re: regexp.MustCompile(`([?&])([a-zA-Z_]+)=%[0-9A-Fa-f]{2,}[^\s&]*`), repl: `${1}${2}=[ENCODED_PARAM]`},
	{re: regexp.MustCompile(`([?&])([a-zA-Z_]+)=([A-Za-z0-9_-]+)`), replFns: replaceQueryValues},
	{re: regexp.MustCompile(`(https?://[^\s?]+)\?[^\s]+`), repl: `${1}?[QUERY_PARAMS]`},

	// Object references: StackTraceElement@2554965d. Requires 4+ hex digits
	// after the @ so emails (already replaced anyway) cannot collide.
	{re: regexp.MustCompile(`[A-Za-z0-9_$\[\];.]+@[0-9a-fA-F]{4,}\b`), repl: `[OBJECT_REF]`},

	// Bare hex literals
	{re: regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`), repl: `[HEX]`},
}

// queryConstants are query-parameter values kept verbatim by the generic
// query-value rule.
var queryConstants = map[string]struct{}{
	"true": {}, "false": {}, "1": {}, "0": {}, "yes": {}, "no": {},
}

// replaceQueryValues rewrites ?param=value pairs to ?param=[QUERY_VALUE],
// preserving common boolean-ish constants. The source convention requires the
// value to end at '&', whitespace, or end of string, which RE2 cannot state as
// a lookahead, so the boundary is checked here.
func replaceQueryValues(src string, re *regexp.Regexp) string {
	matches := re.FindAllStringSubmatchIndex(src, -1)
	if matches == nil {
		return src
	}

	var b strings.Builder
	b.Grow(len(src))
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		value := src[m[6]:m[7]]

		boundaryOK := end == len(src) || src[end] == '&' || src[end] == ' ' || src[end] == '\t' || src[end] == '\n' || src[end] == '\r'
		_, isConst := queryConstants[strings.ToLower(value)]
		if !boundaryOK || isConst {
			continue
		}

		b.WriteString(src[last:start])
		b.WriteString(src[m[2]:m[3]]) // '?' or '&'
		b.WriteString(src[m[4]:m[5]]) // param name
		b.WriteString("=[QUERY_VALUE]")
		last = end
	}
	b.WriteString(src[last:])
	return b.String()
}

// Normalize replaces the variable parts of an error message (indices, dates,
// ids, addresses, paths, query values) with fixed placeholders so records that
// differ only in values share a signature. It is deterministic and total:
// empty input comes back unchanged, and normalized output is a fixed point.
// Output length is not capped here; capping is the caller's concern.
func Normalize(message string) string {
	if message == "" {
		return message
	}

	normalized := message
	for _, rule := range normalizeRules {
		if rule.replFns != nil {
			normalized = rule.replFns(normalized, rule.re)
			continue
		}
		normalized = rule.re.ReplaceAllString(normalized, rule.repl)
	}
	return normalized
}

// Truncate caps s at max bytes; non-positive max means no cap.
func Truncate(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
