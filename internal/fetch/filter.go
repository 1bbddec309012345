// Package fetch lists and reads repository files: exclusion rules, a local
// working tree source, and a bounded, retrying fetcher with a breaker.
package fetch

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/youruser/patchwork/internal/logging"
)

var log = logging.Get()

// DefaultExcludes are paths never worth sending to a model: dependencies,
// build output, lock files, binaries and media.
var DefaultExcludes = []string{
	"**/node_modules/**",
	"**/build/**",
	"**/dist/**",
	"**/out/**",
	"**/coverage/**",
	"**/storybook-static/**",
	"**/__pycache__/**",
	"**/venv/**",
	"**/*.{log,tmp,bak,lock,map,min.js,tar.gz,zip,7z,rar}",
	"**/*.{class,o,so,dll,exe,bin,dylib,pyc,pyo,pyd,wasm}",
	"**/*.{sqlite,db,coverage}",
	"**/*.{mp3,mp4,avi,mkv,mov,flv,wmv,wav}",
	"**/*.{jpg,jpeg,png,gif,bmp,ico,svg,tif,tiff,webp,psd,ai,eps}",
	"**/*.{pdf,doc,docx,ppt,pptx,xls,xlsx}",
	"**/*.{woff,woff2,ttf,otf,eot}",
	"**/package-lock.json",
	"**/pnpm-lock.yaml",
	"**/go.sum",
	"**/.gitignore",
	"**/.gitmodules",
	"**/.gitkeep",
}

// Filter decides which repository paths are excluded.
type Filter struct {
	patterns []string
	gitignore *ignore.GitIgnore
}

// NewFilter returns a filter with DefaultExcludes plus extra patterns. When
// root has a .gitignore its rules apply too.
func NewFilter(root string, extra ...string) *Filter {
	f := &Filter{patterns: append(append([]string(nil), DefaultExcludes...), extra...)}
	for _, p := range f.patterns {
		if !doublestar.ValidatePattern(p) {
			log.Warn("Ignoring invalid exclude pattern: %s", p)
		}
	}
	if root == "" {
		return f
	}
	gi := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(gi); err == nil {
		compiled, err := ignore.CompileIgnoreFile(gi)
		if err != nil {
			log.Warn("Failed to read %s: %v", gi, err)
		} else {
			f.gitignore = compiled
		}
	}
	return f
}

// Exclude reports whether the slash-separated relative path rel should be
// skipped. Any hidden directory on the way excludes it.
func (f *Filter) Exclude(rel string, isDir bool) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	if rel == "." {
		return false
	}

	segments := strings.Split(rel, "/")
	dirs := segments[:len(segments)-1]
	if isDir {
		dirs = segments
	}
	for _, s := range dirs {
		if strings.HasPrefix(s, ".") {
			return true
		}
	}

	if f.gitignore != nil {
		candidate := rel
		if isDir {
			candidate += "/"
		}
		if f.gitignore.MatchesPath(candidate) {
			return true
		}
	}

	candidate := rel
	if isDir {
		// Directory patterns end in /**; a child path lets them match the
		// directory itself so the walk can skip it.
		candidate = rel + "/x"
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, candidate); ok {
			if isDir && !strings.HasSuffix(p, "/**") {
				continue
			}
			return true
		}
	}
	return false
}
