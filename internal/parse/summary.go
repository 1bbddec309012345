package parse

import "strings"

const (
	tagBackendSummary  = "backend_summary"
	tagPoint           = "point"
	tagMarkdownSummary = "markdown_summary"
)

// StepSummary is the summary block that follows a step's code changes.
type StepSummary struct {
	Points   []string
	Markdown string
}

// Condensed renders the points as a bullet list.
func (s StepSummary) Condensed() string {
	lines := make([]string, len(s.Points))
	for i, p := range s.Points {
		lines[i] = "- " + p
	}
	return strings.Join(lines, "\n")
}

// ParseStepSummary reads <backend_summary> points and <markdown_summary>
// from a response. ok is false when no points were found.
func ParseStepSummary(raw string) (StepSummary, bool) {
	toks := scan(raw)

	var s StepSummary
	if md, ok := field(raw, toks, tagMarkdownSummary, 0, len(toks)); ok {
		s.Markdown = md
	}

	from, to, ok := section(toks, tagBackendSummary)
	if !ok {
		return s, false
	}
	for k := from; k < to; {
		open := findOpen(toks, tagPoint, k, to)
		if open < 0 {
			break
		}
		closeIdx := findClose(toks, tagPoint, open+1, to)
		if closeIdx < 0 {
			break
		}
		if p := strings.TrimSpace(raw[toks[open].end:toks[closeIdx].start]); p != "" {
			s.Points = append(s.Points, p)
		}
		k = closeIdx + 1
	}
	return s, len(s.Points) > 0
}
