// Package prompt fills bracketed placeholders in prompt templates.
package prompt

import (
	"regexp"
	"strings"

	"github.com/youruser/patchwork/internal/types"
)

// Reserved placeholders.
const (
	FilesPlaceholder = "[[EXISTINGCODEFILES]]"
	TaskPlaceholder  = "[[TASKDESCRIPTION]]"
)

// filesSlot stands in for the template's own files marker once Build has
// run, so a task or param that quotes the marker is left as text.
const filesSlot = "\x00EXISTINGCODEFILES\x00"

var markerRe = regexp.MustCompile(`\[\[[A-Z0-9_]+\]\]`)

// Marker returns the placeholder for a caller parameter key.
func Marker(key string) string {
	return "[[" + strings.ToUpper(key) + "]]"
}

// Build substitutes the task description and caller params into template.
// The template's files placeholder is kept for WithFiles. Markers with no
// value stay verbatim.
func Build(template, task string, params map[string]string) string {
	pairs := make([]string, 0, 4+2*len(params))
	pairs = append(pairs, FilesPlaceholder, filesSlot, TaskPlaceholder, clean(task))
	for k, v := range params {
		m := Marker(k)
		if m == FilesPlaceholder || m == TaskPlaceholder {
			continue
		}
		pairs = append(pairs, m, clean(v))
	}
	// A single pass keeps substituted values from being rescanned for markers.
	return strings.NewReplacer(pairs...).Replace(template)
}

func clean(v string) string {
	return strings.ReplaceAll(v, filesSlot, "")
}

// slot returns the files marker used by prompt: the one Build left, or the
// plain placeholder in a template that never went through Build.
func slot(prompt string) string {
	if strings.Contains(prompt, filesSlot) {
		return filesSlot
	}
	return FilesPlaceholder
}

// WithFiles injects the formatted files at the files placeholder.
func WithFiles(prompt string, files []types.File) string {
	return strings.Replace(prompt, slot(prompt), FormatFiles(files), 1)
}

// Skeleton returns the prompt without the files placeholder, for budgeting.
func Skeleton(prompt string) string {
	return strings.Replace(prompt, slot(prompt), "", 1)
}

// Frame is the fixed text of a call: the system prompt and the user prompt
// without files. Budgets are computed against it.
func Frame(system, prompt string) string {
	if system == "" {
		return Skeleton(prompt)
	}
	return system + "\n" + Skeleton(prompt)
}

// Unresolved lists placeholders still present in prompt, excluding the files
// placeholder.
func Unresolved(prompt string) []string {
	var out []string
	for _, m := range markerRe.FindAllString(prompt, -1) {
		if m != FilesPlaceholder {
			out = append(out, m)
		}
	}
	return out
}

// FormatFile renders one file block.
func FormatFile(f types.File) string {
	var b strings.Builder
	b.WriteString("<file>\n<file_path>")
	b.WriteString(f.Path)
	b.WriteString("</file_path>\n<file_contents>\n")
	b.WriteString(f.Content)
	b.WriteString("\n</file_contents>\n</file>")
	return b.String()
}

// FormatFiles renders file blocks separated by blank lines.
func FormatFiles(files []types.File) string {
	blocks := make([]string, len(files))
	for i, f := range files {
		blocks[i] = FormatFile(f)
	}
	return strings.Join(blocks, "\n\n")
}
