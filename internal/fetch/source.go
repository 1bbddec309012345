package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/charlievieth/fastwalk"

	"github.com/youruser/patchwork/internal/types"
	"github.com/youruser/patchwork/internal/workspace"
)

// MaxFileSize bounds the files a source will read.
const MaxFileSize = 1 << 20

// Errors for files a source declines to read. They are never retried.
var (
	ErrTooLarge = errors.New("file too large")
	ErrBinary   = errors.New("binary file")
)

// Source lists and reads the files of one repository snapshot.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, path string) (types.File, error)
}

// DirSource reads a local working tree.
type DirSource struct {
	root   string
	filter *Filter
}

// NewDirSource returns a source rooted at root. A nil filter uses
// NewFilter(root).
func NewDirSource(root string, filter *Filter) *DirSource {
	if filter == nil {
		filter = NewFilter(root)
	}
	return &DirSource{root: filepath.Clean(root), filter: filter}
}

// Root returns the source's directory.
func (s *DirSource) Root() string {
	return s.root
}

// List returns every non-excluded regular file, as sorted slash paths
// relative to the root.
func (s *DirSource) List(ctx context.Context) ([]string, error) {
	var mu sync.Mutex
	var paths []string

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p == s.root {
			return nil
		}
		rel, err := workspace.Rel(s.root, p)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if s.filter.Exclude(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.filter.Exclude(rel, false) {
			return nil
		}
		mu.Lock()
		paths = append(paths, rel)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Read returns the file at the slash path rel.
func (s *DirSource) Read(ctx context.Context, rel string) (types.File, error) {
	if err := ctx.Err(); err != nil {
		return types.File{}, err
	}
	abs, err := workspace.SafeJoin(s.root, filepath.FromSlash(rel))
	if err != nil {
		return types.File{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return types.File{}, err
	}
	if info.Size() > MaxFileSize {
		return types.File{}, fmt.Errorf("%s: %w (%d bytes)", rel, ErrTooLarge, info.Size())
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return types.File{}, err
	}
	if bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0 {
		return types.File{}, fmt.Errorf("%s: %w", rel, ErrBinary)
	}
	return types.File{Path: rel, Content: string(data)}, nil
}
