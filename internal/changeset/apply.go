package changeset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/youruser/patchwork/internal/logging"
	"github.com/youruser/patchwork/internal/types"
	"github.com/youruser/patchwork/internal/workspace"
)

var log = logging.Get()

// Applied lists what Apply changed on disk, as change set paths.
type Applied struct {
	Written []string `json:"written"`
	Deleted []string `json:"deleted"`
}

// Apply writes the new and modified files of cs under root and removes its
// deleted files. Every path is resolved and checked before anything is
// written, so an escaping path fails the whole set. The workspace lock is
// held while writing.
func Apply(root string, cs *types.ChangeSet) (*Applied, error) {
	if cs.Len() == 0 {
		return &Applied{}, nil
	}

	type write struct{ rel, abs, content string }
	var writes []write
	for _, f := range append(append([]types.FileEntry(nil), cs.NewFiles...), cs.ModifiedFiles...) {
		abs, err := workspace.Resolve(root, f.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Path, err)
		}
		writes = append(writes, write{f.Path, abs, f.Content})
	}
	type removal struct{ rel, abs string }
	var removals []removal
	for _, d := range cs.DeletedFiles {
		abs, err := workspace.Resolve(root, d.Path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.Path, err)
		}
		removals = append(removals, removal{d.Path, abs})
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	if err := workspace.Lock(root); err != nil {
		return nil, err
	}
	defer workspace.Unlock(root)

	out := &Applied{}
	for _, w := range writes {
		if err := os.MkdirAll(filepath.Dir(w.abs), 0755); err != nil {
			return out, err
		}
		if err := os.WriteFile(w.abs, []byte(w.content), 0644); err != nil {
			return out, err
		}
		out.Written = append(out.Written, w.rel)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return out, err
	}
	for _, r := range removals {
		if err := os.Remove(r.abs); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Debug("Delete of missing file skipped: %s", r.rel)
				continue
			}
			return out, err
		}
		cleanEmptyDirs(absRoot, filepath.Dir(r.abs))
		out.Deleted = append(out.Deleted, r.rel)
	}

	log.Info("Applied change set to %s: %d written, %d deleted", root, len(out.Written), len(out.Deleted))
	return out, nil
}

// cleanEmptyDirs removes empty directories from dir up to, not including, root.
func cleanEmptyDirs(root, dir string) {
	for dir != root && dir != "." && dir != string(filepath.Separator) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		os.Remove(dir)
		dir = filepath.Dir(dir)
	}
}
