package segment

import (
	"regexp"
	"strings"
)

// ---------------------------------------------------------------------------
// Heading and enumerator detection
// ---------------------------------------------------------------------------

// numberingPattern matches hierarchical outline numbers at the start of a
// line: "3", "3.2", "3.2.1", with or without a trailing dot, followed by
// whitespace and at least one non-space character.
var numberingPattern = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+\S`)

// enumeratorPattern matches common legal enumerators at the start of a line:
// "(a)", "a)", "a.", "(iv)", "(1)", "1)" — but not bare outline numbers,
// which numberingPattern claims first.
var enumeratorPattern = regexp.MustCompile(`^\(?([a-z]|[ivx]{1,5}|\d{1,3})[.)]\s+\S`)

// bulletPattern matches bullet list items.
var bulletPattern = regexp.MustCompile(`^[-•*]\s+\S`)

// headingPatterns are additional heading styles without outline numbers.
var headingPatterns = []*regexp.Regexp{
	// Uppercase line (e.g. "INSTRUCTIONS TO BIDDERS")
	regexp.MustCompile(`^[A-Z][A-Z\s]{4,}$`),
	// Appendix / Annex / Schedule: "Appendix A", "Annex 1"
	regexp.MustCompile(`(?i)^(appendix|annex|schedule|exhibit)\s+[A-Z0-9]`),
	// Article: "Article 1", "Article IV"
	regexp.MustCompile(`(?i)^article\s+[IVXLCDM\d]+`),
}

// DetectNumbering extracts the hierarchical number prefix from a line.
// It returns the matched number string (e.g. "3.2.1") and true, or an
// empty string and false when the line carries no outline number.
func DetectNumbering(line string) (string, bool) {
	line = strings.TrimSpace(line)
	m := numberingPattern.FindStringSubmatch(line)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// NumberingLevel returns the depth implied by an outline number.
// "3" is level 1, "3.2" is level 2, "3.2.1" is level 3.
func NumberingLevel(numbering string) int {
	if numbering == "" {
		return 0
	}
	return strings.Count(numbering, ".") + 1
}

// DetectEnumerator extracts a legal enumerator marker from a line.
// "(a) The bidder shall..." yields "a" and true.
func DetectEnumerator(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if _, ok := DetectNumbering(line); ok {
		return "", false
	}
	m := enumeratorPattern.FindStringSubmatch(line)
	if len(m) < 2 {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// IsHeading reports whether a line looks like a section heading: either a
// numbered outline line or one of the unnumbered heading styles.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if _, ok := DetectNumbering(line); ok {
		return true
	}
	for _, re := range headingPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// isBullet reports whether a line is a bullet list item.
func isBullet(line string) bool {
	return bulletPattern.MatchString(strings.TrimSpace(line))
}

// firstLine returns the first non-empty line of a block.
func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// splitBlocks splits text into clause blocks. Blank lines separate blocks,
// and a heading line inside a block starts a new one: PDF extraction often
// yields consecutive numbered clauses with no blank line between them, and
// each must stay individually addressable.
func splitBlocks(text string) []string {
	var out []string
	flush := func(lines []string) []string {
		b := strings.TrimRight(strings.Join(lines, "\n"), "\n \t")
		if strings.TrimSpace(b) != "" {
			out = append(out, b)
		}
		return lines[:0]
	}

	var cur []string
	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.TrimSpace(line) == "":
			cur = flush(cur)
		case len(cur) > 0 && IsHeading(line):
			cur = flush(cur)
			cur = append(cur, line)
		default:
			cur = append(cur, line)
		}
	}
	flush(cur)
	return out
}
