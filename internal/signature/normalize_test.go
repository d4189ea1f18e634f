package signature

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "list index and iso date and uuid",
			input:    "Error at .agreement(9) on 2025-04-18T14:23:09Z for id 123e4567-e89b-12d3-a456-426614174000",
			expected: "Error at .agreement(*) on [DATE] for id [UUID]",
		},
		{
			name:     "bracketed index",
			input:    "row[17] is invalid",
			expected: "row[*] is invalid",
		},
		{
			name:     "http date",
			input:    "Date: Thu, 04 Dec 2025 11:34:44 GMT expired",
			expected: "Date: [DATE] expired",
		},
		{
			name:     "case id",
			input:    "Lock obtained on CO-19577 failed",
			expected: "Lock obtained on [CASE_ID] failed",
		},
		{
			name:     "long numeric id",
			input:    "record 1024929017 missing",
			expected: "record [ID] missing",
		},
		{
			name:     "short number untouched",
			input:    "retried 42 times",
			expected: "retried 42 times",
		},
		{
			name:     "json id value",
			input:    `response {"id":"a5ZPY000000XXOb2AO"} rejected`,
			expected: `response {"id":"[JSON_ID]"} rejected`,
		},
		{
			name:     "email and ip",
			input:    "notify ops@example.com from 10.12.0.7",
			expected: "notify [EMAIL] from [IP]",
		},
		{
			name:     "windows path",
			input:    `open C:\temp\out.log denied`,
			expected: "open [FILE_PATH] denied",
		},
		{
			name:     "unix path",
			input:    "open /var/log/app.log denied",
			expected: "open [FILE_PATH] denied",
		},
		{
			name:     "url with query parameters",
			input:    "GET https://example.com/path?foo=bar&time=60000 failed",
			expected: "GET https:[FILE_PATH]?foo=[QUERY_VALUE]&time=[NUM_PARAM] failed",
		},
		{
			name:     "boolean query value preserved",
			input:    "flag set ?debug=true&mode=strict",
			expected: "flag set ?debug=true&mode=[QUERY_VALUE]",
		},
		{
			name:     "object reference",
			input:    "holding [Ljava.lang.StackTraceElement;@2554965d here",
			expected: "holding [OBJECT_REF] here",
		},
		{
			name:     "hex literal",
			input:    "wrote to 0x7ffee3b4 block",
			expected: "wrote to [HEX] block",
		},
		{
			name:     "empty input",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.input)
			if got != tt.expected {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

// Normalized output must be a fixed point: placeholders may never be
// re-matched by a later rule.
func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"Error at .agreement(9) on 2025-04-18T14:23:09Z for id 123e4567-e89b-12d3-a456-426614174000",
		"Lock obtained on CO-19577 owned by ops@example.com at 10.0.0.1",
		"GET https://example.com/path?foo=bar&time=60000&pzHarnessID=HIDCE08144977FF8F248E9AAF845609F6DF failed",
		`open C:\temp\out.log and /var/log/app.log`,
		"holding StackTraceElement@2554965d near 0xdeadbeef",
		"record 1024929017 for Thu, 04 Dec 2025 11:34:44 GMT",
		`payload {"id":"a5ZPY000000XXOb2AO"} row[3] step(12)`,
	}

	for _, input := range inputs {
		once := Normalize(input)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("not idempotent:\n input: %q\n  once: %q\n twice: %q", input, once, twice)
		}
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	input := "Error at .agreement(9) on 2025-04-18T14:23:09Z for id 123e4567-e89b-12d3-a456-426614174000"
	got := Normalize(input)

	for _, want := range []string{".agreement(*)", "[DATE]", "[UUID]", "Error at"} {
		if !strings.Contains(got, want) {
			t.Errorf("Normalize(%q) = %q, missing %q", input, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("abcdef", 4); got != "abcd" {
		t.Errorf("Truncate = %q, want %q", got, "abcd")
	}
	if got := Truncate("abc", 10); got != "abc" {
		t.Errorf("Truncate = %q, want %q", got, "abc")
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Errorf("Truncate with no cap = %q, want %q", got, "abc")
	}
}
