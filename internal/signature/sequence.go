package signature

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// generatedPrefix is the package prefix the platform's code generator stamps
// on every rule-derived class. Frames outside it are plain engine internals
// and carry no grouping signal.
const generatedPrefix = "com.pegarules.generated"

// SequenceStep is one generated-rule call site found in a stack trace, in
// invocation order.
type SequenceStep struct {
	Order           int
	LineNumber      int
	TypeOfRule      string
	RuleGenerated   string
	FunctionInvoked string
	ClassGenerated  string
	ClassInParens   string
}

var (
	callSiteRe     = regexp.MustCompile(`com\.pegarules\.generated[^\s(]+\.\w+\s*\([^)]*\)`)
	callSiteBareRe = regexp.MustCompile(`com\.pegarules\.generated[^\s]+\.\w+`)
	hashSuffixRe   = regexp.MustCompile(`_[0-9a-fA-F]{32}$`)
)

// ExtractSequence finds the ordered sequence of generated-rule call sites in a
// raw stack trace. Call sites with argument lists are preferred; bare
// references are added only when they are not within 50 bytes of one already
// found, which filters the duplicated text the logger emits for chained
// causes. When the regex pass finds nothing, each line is parsed directly.
func ExtractSequence(stackTrace string) []SequenceStep {
	type hit struct {
		lineNum int
		pos     int
		text    string
	}

	var found []hit
	for _, m := range callSiteRe.FindAllStringIndex(stackTrace, -1) {
		found = append(found, hit{
			lineNum: strings.Count(stackTrace[:m[0]], "\n") + 1,
			pos:     m[0],
			text:    stackTrace[m[0]:m[1]],
		})
	}
	for _, m := range callSiteBareRe.FindAllStringIndex(stackTrace, -1) {
		near := false
		for _, h := range found {
			if abs(m[0]-h.pos) < 50 {
				near = true
				break
			}
		}
		if !near {
			found = append(found, hit{
				lineNum: strings.Count(stackTrace[:m[0]], "\n") + 1,
				pos:     m[0],
				text:    stackTrace[m[0]:m[1]],
			})
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i].pos < found[j].pos })

	var sequence []SequenceStep
	for _, h := range found {
		line := strings.TrimSpace(h.text)
		line = strings.TrimSpace(strings.TrimPrefix(line, "at "))

		step, ok := parseGeneratedRuleLine(line)
		if !ok {
			continue
		}
		step.Order = len(sequence) + 1
		step.LineNumber = h.lineNum
		sequence = append(sequence, step)
	}

	if len(sequence) == 0 {
		for i, rawLine := range strings.Split(stackTrace, "\n") {
			line := strings.TrimSpace(rawLine)
			if line == "" {
				continue
			}
			line = strings.TrimSpace(strings.TrimPrefix(line, "at "))

			step, ok := parseGeneratedRuleLine(line)
			if !ok {
				continue
			}
			step.Order = len(sequence) + 1
			step.LineNumber = i + 1
			sequence = append(sequence, step)
		}
	}

	return sequence
}

// parseGeneratedRuleLine splits one stack frame mentioning a generated class
// into its rule type, generated rule, invoked method, and source reference.
func parseGeneratedRuleLine(line string) (SequenceStep, bool) {
	line = strings.TrimSpace(line)
	start := strings.Index(line, generatedPrefix)
	if start < 0 {
		return SequenceStep{}, false
	}

	relevant := line[start:]
	parenIdx := strings.Index(relevant, "(")

	var classGenerated, functionInvoked string
	if parenIdx < 0 {
		lastDot := strings.LastIndex(relevant, ".")
		if lastDot < 0 {
			return SequenceStep{}, false
		}
		method := strings.TrimSpace(relevant[lastDot+1:])
		if fields := strings.Fields(method); len(fields) > 0 {
			method = fields[0]
		} else {
			method = ""
		}
		classGenerated = relevant[:lastDot]
		functionInvoked = method
	} else {
		beforeParen := strings.TrimSpace(relevant[:parenIdx])
		lastDot := strings.LastIndex(beforeParen, ".")
		if lastDot < 0 {
			return SequenceStep{}, false
		}
		classGenerated = beforeParen[:lastDot]
		functionInvoked = strings.TrimSpace(beforeParen[lastDot+1:])
	}

	var typeOfRule, ruleGenerated string
	if lastDot := strings.LastIndex(classGenerated, "."); lastDot < 0 {
		ruleGenerated = classGenerated
	} else {
		typeOfRule = classGenerated[:lastDot]
		ruleGenerated = classGenerated[lastDot+1:]
	}

	ruleGenerated = hashSuffixRe.ReplaceAllString(ruleGenerated, "")
	classGenerated = hashSuffixRe.ReplaceAllString(classGenerated, "")

	var classInParens string
	if parenIdx >= 0 && parenIdx < len(relevant)-1 {
		if close := strings.Index(relevant[parenIdx+1:], ")"); close > 0 {
			content := strings.TrimSpace(relevant[parenIdx+1 : parenIdx+1+close])
			switch {
			case content == "":
			case strings.Contains(content, ".java:"):
				classInParens = strings.TrimSpace(strings.SplitN(content, ".java:", 2)[0])
			case strings.Contains(content, ":"):
				classInParens = strings.TrimSpace(strings.SplitN(content, ":", 2)[0])
			default:
				classInParens = content
			}
		}
	}

	return SequenceStep{
		TypeOfRule:      typeOfRule,
		RuleGenerated:   ruleGenerated,
		FunctionInvoked: functionInvoked,
		ClassGenerated:  classGenerated,
		ClassInParens:   classInParens,
	}, true
}

// RenderSequenceSummary flattens a sequence into the stored summary string:
// "<order>:<type>-><rule>-><function>-><class>" frames joined by " | ". The
// format is shared with the grouping side and must not change shape.
func RenderSequenceSummary(steps []SequenceStep) string {
	if len(steps) == 0 {
		return ""
	}
	parts := make([]string, 0, len(steps))
	for _, s := range steps {
		parts = append(parts, fmt.Sprintf("%d:%s->%s->%s->%s", s.Order, s.TypeOfRule, s.RuleGenerated, s.FunctionInvoked, s.ClassGenerated))
	}
	return strings.Join(parts, " | ")
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
