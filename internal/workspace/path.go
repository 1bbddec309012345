// Package workspace guards reads and writes against a repository checkout:
// path containment, a PID lock for writers, and content hashing.
package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Path validation errors.
var (
	ErrPathEscape   = errors.New("path escapes workspace")
	ErrAbsolutePath = errors.New("absolute paths not allowed in change sets")
	ErrInvalidPath  = errors.New("invalid path")
)

// escapes reports whether a filepath.Rel result climbs out of its base.
// "..." and "..foo" are file names, not traversals.
func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ValidateRelative checks that a change set path is usable under a root:
// non-empty, relative and free of NUL bytes.
func ValidateRelative(path string) error {
	if path == "" || strings.ContainsRune(path, '\x00') {
		return ErrInvalidPath
	}
	if filepath.IsAbs(path) {
		return ErrAbsolutePath
	}
	return nil
}

// SafeJoin joins root and a relative path and returns the absolute result,
// or ErrPathEscape if the lexical result leaves root.
func SafeJoin(root, rel string) (string, error) {
	if err := ValidateRelative(rel); err != nil {
		return "", err
	}

	absJoined, err := filepath.Abs(filepath.Join(root, rel))
	if err != nil {
		return "", err
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}

	r, err := filepath.Rel(absRoot, absJoined)
	if err != nil {
		return "", err
	}
	if escapes(r) {
		return "", ErrPathEscape
	}
	return absJoined, nil
}

// Rel returns target relative to root in slash form, or ErrPathEscape.
func Rel(root, target string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	r, err := filepath.Rel(absRoot, absTarget)
	if err != nil {
		return "", err
	}
	if escapes(r) {
		return "", ErrPathEscape
	}
	return filepath.ToSlash(r), nil
}

// resolve follows symlinks for containment checks. For paths that do not
// exist yet, the nearest existing ancestor is resolved and the missing
// suffix re-attached.
func resolve(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	current := abs
	var missing []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		missing = append(missing, filepath.Base(current))
		current = parent
	}
}

// IsWithinReal reports whether target resolves inside root after following
// symlinks. Use it before any write.
func IsWithinReal(root, target string) (bool, error) {
	rootResolved, err := resolve(root)
	if err != nil {
		return false, err
	}
	targetResolved, err := resolve(target)
	if err != nil {
		return false, err
	}

	r, err := filepath.Rel(rootResolved, targetResolved)
	if err != nil {
		return false, err
	}
	return !escapes(r), nil
}

// Resolve is SafeJoin followed by IsWithinReal: the returned path is safe to
// write.
func Resolve(root, rel string) (string, error) {
	abs, err := SafeJoin(root, rel)
	if err != nil {
		return "", err
	}
	ok, err := IsWithinReal(root, abs)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrPathEscape
	}
	return abs, nil
}
