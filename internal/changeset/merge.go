// Package changeset folds, renders and applies code change sets.
package changeset

import "github.com/youruser/patchwork/internal/types"

type list int

const (
	listNew list = iota
	listModified
	listDeleted
)

// Merge returns acc with next folded in. Every path in next replaces any
// earlier entry for that path, in whichever list it was, so a path is never
// listed twice. Entries replaced within the same list keep their position;
// others move to the end. Neither argument is modified.
func Merge(acc, next *types.ChangeSet) *types.ChangeSet {
	out := mergeable{Clone(acc)}
	if next == nil {
		return out.ChangeSet
	}
	if out.Title == "" {
		out.Title = next.Title
	}
	out.Partial = out.Partial || next.Partial

	for _, f := range next.NewFiles {
		out.upsert(listNew, f)
	}
	for _, f := range next.ModifiedFiles {
		out.upsert(listModified, f)
	}
	for _, d := range next.DeletedFiles {
		out.upsert(listDeleted, types.FileEntry{Path: d.Path})
	}
	return out.ChangeSet
}

// Clone returns a copy of cs that shares no slices with it. A nil cs yields
// an empty set.
func Clone(cs *types.ChangeSet) *types.ChangeSet {
	out := &types.ChangeSet{}
	if cs == nil {
		return out
	}
	out.Title = cs.Title
	out.Partial = cs.Partial
	out.NewFiles = append([]types.FileEntry(nil), cs.NewFiles...)
	out.ModifiedFiles = append([]types.FileEntry(nil), cs.ModifiedFiles...)
	out.DeletedFiles = append([]types.DeletedEntry(nil), cs.DeletedFiles...)
	return out
}

// mergeable adds upsert-by-path to a change set it owns.
type mergeable struct {
	*types.ChangeSet
}

func (m mergeable) upsert(l list, f types.FileEntry) {
	if f.Path == "" {
		return
	}
	if m.replaceIn(l, f) {
		return
	}
	m.remove(f.Path)
	switch l {
	case listNew:
		m.NewFiles = append(m.NewFiles, f)
	case listModified:
		m.ModifiedFiles = append(m.ModifiedFiles, f)
	case listDeleted:
		m.DeletedFiles = append(m.DeletedFiles, types.DeletedEntry{Path: f.Path})
	}
}

func (m mergeable) replaceIn(l list, f types.FileEntry) bool {
	switch l {
	case listNew:
		for i := range m.NewFiles {
			if m.NewFiles[i].Path == f.Path {
				m.NewFiles[i] = f
				return true
			}
		}
	case listModified:
		for i := range m.ModifiedFiles {
			if m.ModifiedFiles[i].Path == f.Path {
				m.ModifiedFiles[i] = f
				return true
			}
		}
	case listDeleted:
		for i := range m.DeletedFiles {
			if m.DeletedFiles[i].Path == f.Path {
				return true
			}
		}
	}
	return false
}

func (m mergeable) remove(path string) {
	m.NewFiles = dropEntry(m.NewFiles, path)
	m.ModifiedFiles = dropEntry(m.ModifiedFiles, path)
	kept := m.DeletedFiles[:0]
	for _, d := range m.DeletedFiles {
		if d.Path != path {
			kept = append(kept, d)
		}
	}
	m.DeletedFiles = kept
}

func dropEntry(files []types.FileEntry, path string) []types.FileEntry {
	kept := files[:0]
	for _, f := range files {
		if f.Path != path {
			kept = append(kept, f)
		}
	}
	return kept
}
