package parse

import (
	"fmt"
	"strings"

	"github.com/youruser/patchwork/internal/types"
)

// Grammar tags of a code change response.
const (
	tagCodeChanges   = "code_changes"
	tagTitle         = "title"
	tagNewFiles      = "new_files"
	tagModifiedFiles = "modified_files"
	tagDeletedFiles  = "deleted_files"
	tagFile          = "file"
	tagPath          = "path"
	tagThoughts      = "thoughts"
	tagContent       = "content"
)

var sectionTags = []string{tagNewFiles, tagModifiedFiles, tagDeletedFiles}

// Report is the outcome of truncation detection.
type Report struct {
	Truncated bool     `json:"truncated"`
	Reasons   []string `json:"reasons,omitempty"`
}

type tagCount struct{ open, close int }

// Detect scans raw once and reports every structural sign of a cut-off
// response. Any single sign marks it truncated.
func Detect(raw string) Report {
	toks := scan(raw)

	counts := map[string]*tagCount{}
	var cdata tagCount
	closes := 0
	for _, t := range toks {
		switch t.kind {
		case tokCDATAOpen:
			cdata.open++
		case tokCDATAClose:
			cdata.close++
		case tokOpen, tokClose:
			c := counts[t.name]
			if c == nil {
				c = &tagCount{}
				counts[t.name] = c
			}
			if t.kind == tokOpen {
				c.open++
			} else {
				c.close++
				closes++
			}
		}
	}
	count := func(name string) tagCount {
		if c := counts[name]; c != nil {
			return *c
		}
		return tagCount{}
	}

	var r Report
	flag := func(format string, args ...any) {
		r.Reasons = append(r.Reasons, fmt.Sprintf(format, args...))
	}

	if c := count(tagCodeChanges); c.open > c.close {
		flag("unclosed <%s>", tagCodeChanges)
	}
	for _, s := range sectionTags {
		if c := count(s); c.open > c.close {
			flag("unclosed <%s>", s)
		}
	}
	if c := count(tagFile); c.open != c.close {
		flag("<%s> opened %d times, closed %d times", tagFile, c.open, c.close)
	}
	if cdata.open != cdata.close {
		flag("CDATA opened %d times, closed %d times", cdata.open, cdata.close)
	}
	for _, f := range []string{tagContent, tagThoughts} {
		if c := count(f); c.open > c.close {
			flag("unclosed <%s>", f)
		}
	}
	if closes == 0 {
		flag("no closing tag")
	}

	r.Truncated = len(r.Reasons) > 0
	return r
}

// IsTruncated reports whether Detect finds any sign of truncation.
func IsTruncated(raw string) bool {
	return Detect(raw).Truncated
}

// Partial titles for recovered change sets.
const (
	partialSuffix  = " (Partial Results - Response Truncated)"
	partialDefault = "Partial Results (Response Truncated)"
)

// PartialTitle marks title as belonging to a truncated response. Titles
// already marked are returned unchanged.
func PartialTitle(title string) string {
	switch {
	case title == "":
		return partialDefault
	case title == partialDefault, strings.HasSuffix(title, partialSuffix):
		return title
	default:
		return title + partialSuffix
	}
}

// Recover salvages every complete file entry from a truncated response.
// Entries cut off anywhere before their closing </file> are discarded, as
// are new or modified entries missing their path, thoughts or content.
func Recover(raw string) (*types.ChangeSet, error) {
	toks := scan(raw)

	title, _ := field(raw, toks, tagTitle, 0, len(toks))
	cs := &types.ChangeSet{Title: PartialTitle(title), Partial: true}

	anySection := false
	for _, s := range sectionTags {
		from, to, ok := section(toks, s)
		if !ok {
			continue
		}
		anySection = true
		switch s {
		case tagNewFiles:
			cs.NewFiles = fileEntries(raw, toks, from, to, true)
		case tagModifiedFiles:
			cs.ModifiedFiles = fileEntries(raw, toks, from, to, true)
		case tagDeletedFiles:
			cs.DeletedFiles = deletedEntries(raw, toks, from, to)
		}
	}
	if !anySection {
		cs.NewFiles = fileEntries(raw, toks, 0, len(toks), true)
	}

	if cs.Len() == 0 {
		return nil, &types.UnrecoverableTruncationError{Reasons: Detect(raw).Reasons}
	}
	log.Info("Recovered %d new, %d modified, %d deleted files from truncated response",
		len(cs.NewFiles), len(cs.ModifiedFiles), len(cs.DeletedFiles))
	return cs, nil
}

// section returns the token range inside the first <name> element. A
// missing close extends the range to the end of the response.
func section(toks []token, name string) (from, to int, ok bool) {
	open := findOpen(toks, name, 0, len(toks))
	if open < 0 {
		return 0, 0, false
	}
	closeIdx := findClose(toks, name, open+1, len(toks))
	if closeIdx < 0 {
		closeIdx = len(toks)
	}
	return open + 1, closeIdx, true
}

// entries yields the token range of each complete <file> element in
// toks[from:to], stopping at the first one without a close.
func entries(toks []token, from, to int, yield func(from, to int)) {
	k := from
	for {
		open := findOpen(toks, tagFile, k, to)
		if open < 0 {
			return
		}
		closeIdx := findClose(toks, tagFile, open+1, to)
		if closeIdx < 0 {
			return
		}
		yield(open+1, closeIdx)
		k = closeIdx + 1
	}
}

// fileEntries reads the complete <file> elements in toks[from:to]. With
// needThoughts set, an entry without a closed <thoughts> is skipped.
func fileEntries(raw string, toks []token, from, to int, needThoughts bool) []types.FileEntry {
	var out []types.FileEntry
	entries(toks, from, to, func(ef, et int) {
		path, ok := field(raw, toks, tagPath, ef, et)
		if !ok || path == "" {
			return
		}
		content, ok := field(raw, toks, tagContent, ef, et)
		if !ok {
			return
		}
		thoughts, hasThoughts := field(raw, toks, tagThoughts, ef, et)
		if !hasThoughts && (needThoughts || opened(toks, tagThoughts, ef, et)) {
			return
		}
		out = append(out, types.FileEntry{Path: path, Thoughts: thoughts, Content: content})
	})
	return out
}

func deletedEntries(raw string, toks []token, from, to int) []types.DeletedEntry {
	var out []types.DeletedEntry
	entries(toks, from, to, func(ef, et int) {
		if path, ok := field(raw, toks, tagPath, ef, et); ok && path != "" {
			out = append(out, types.DeletedEntry{Path: path})
		}
	})
	return out
}
