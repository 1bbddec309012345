// Package parse reads the structured blocks models are asked to produce:
// code change sets, implementation plans, step summaries and JSON payloads.
package parse

import (
	"encoding/xml"
	"errors"
	"strings"

	"github.com/youruser/patchwork/internal/logging"
	"github.com/youruser/patchwork/internal/types"
)

var log = logging.Get()

type xmlChangeSet struct {
	XMLName       xml.Name  `xml:"code_changes"`
	Title         string    `xml:"title"`
	NewFiles      []xmlFile `xml:"new_files>file"`
	ModifiedFiles []xmlFile `xml:"modified_files>file"`
	DeletedFiles  []xmlFile `xml:"deleted_files>file"`
}

type xmlFile struct {
	Path     string `xml:"path"`
	Thoughts string `xml:"thoughts"`
	Content  string `xml:"content"`
}

// block returns the outermost <name>...</name> span of raw, or false.
func block(raw, name string) (string, bool) {
	start := strings.Index(raw, "<"+name+">")
	if start < 0 {
		start = strings.Index(raw, "<"+name+" ")
	}
	closeTag := "</" + name + ">"
	end := strings.LastIndex(raw, closeTag)
	if start < 0 || end < start {
		return "", false
	}
	return raw[start : end+len(closeTag)], true
}

// ParseCodeChanges parses the <code_changes> block of a complete response.
// XML decoding is tried first; when the model's text is not well-formed XML
// (an unescaped '<' or '&' outside CDATA, say) the tag scanner takes over and
// must account for every <file> element.
func ParseCodeChanges(raw string) (*types.ChangeSet, error) {
	blk, ok := block(raw, tagCodeChanges)
	if !ok {
		return nil, &types.ParseError{Block: tagCodeChanges}
	}

	var doc xmlChangeSet
	dec := xml.NewDecoder(strings.NewReader(blk))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	if err := dec.Decode(&doc); err != nil {
		log.Debug("XML decode of code_changes failed, scanning tags: %v", err)
		cs, scanErr := scanCodeChanges(blk)
		if scanErr != nil {
			return nil, &types.ParseError{Block: tagCodeChanges, Err: errors.Join(err, scanErr)}
		}
		return cs, nil
	}

	cs := &types.ChangeSet{Title: strings.TrimSpace(doc.Title)}
	for _, f := range doc.NewFiles {
		if e, ok := entry(f); ok {
			cs.NewFiles = append(cs.NewFiles, e)
		}
	}
	for _, f := range doc.ModifiedFiles {
		if e, ok := entry(f); ok {
			cs.ModifiedFiles = append(cs.ModifiedFiles, e)
		}
	}
	for _, f := range doc.DeletedFiles {
		if p := strings.TrimSpace(f.Path); p != "" {
			cs.DeletedFiles = append(cs.DeletedFiles, types.DeletedEntry{Path: p})
		}
	}
	return cs, nil
}

func entry(f xmlFile) (types.FileEntry, bool) {
	p := strings.TrimSpace(f.Path)
	if p == "" {
		return types.FileEntry{}, false
	}
	return types.FileEntry{
		Path:     p,
		Thoughts: strings.TrimSpace(f.Thoughts),
		Content:  strings.TrimSpace(f.Content),
	}, true
}

var errIncompleteEntries = errors.New("file entries could not all be read")

// scanCodeChanges reads a complete block with the tag scanner.
func scanCodeChanges(blk string) (*types.ChangeSet, error) {
	toks := scan(blk)

	want := 0
	for _, t := range toks {
		if t.kind == tokOpen && t.name == tagFile {
			want++
		}
	}

	cs := &types.ChangeSet{}
	if title, ok := field(blk, toks, tagTitle, 0, len(toks)); ok {
		cs.Title = title
	}
	if from, to, ok := section(toks, tagNewFiles); ok {
		cs.NewFiles = fileEntries(blk, toks, from, to, false)
	}
	if from, to, ok := section(toks, tagModifiedFiles); ok {
		cs.ModifiedFiles = fileEntries(blk, toks, from, to, false)
	}
	if from, to, ok := section(toks, tagDeletedFiles); ok {
		cs.DeletedFiles = deletedEntries(blk, toks, from, to)
	}

	if cs.Len() != want {
		return nil, errIncompleteEntries
	}
	return cs, nil
}

// ParseOrRecover parses a whole-codebase response. When the strict parse
// fails and the response shows signs of truncation, complete entries are
// salvaged and the result is marked partial.
func ParseOrRecover(raw string) (*types.ChangeSet, error) {
	cs, err := ParseCodeChanges(raw)
	if err == nil {
		return cs, nil
	}

	report := Detect(raw)
	if !report.Truncated {
		return nil, err
	}
	log.Warn("Response looks truncated: %s", strings.Join(report.Reasons, "; "))
	return Recover(raw)
}
