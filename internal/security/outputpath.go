// Package security guards the files the CLI writes.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideAllowed is returned for output paths that resolve outside
// every allowed directory.
var ErrOutsideAllowed = errors.New("security: output path outside allowed directories")

// ValidateOutputPath accepts path when it resolves, after symlinks, inside
// the working directory or the system temp directory.
func ValidateOutputPath(path string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	return ValidateWithin(path, cwd, os.TempDir())
}

// ValidateWithin accepts path when it resolves inside one of dirs.
func ValidateWithin(path string, dirs ...string) error {
	if len(dirs) == 0 {
		return errors.New("security: no allowed directories")
	}
	target, err := canonical(path)
	if err != nil {
		return err
	}
	for _, d := range dirs {
		root, err := canonical(d)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, target)
		if err != nil || filepath.IsAbs(rel) {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrOutsideAllowed, path)
}

// canonical resolves symlinks in the deepest existing ancestor of path, so
// a not-yet-created file under a symlinked directory resolves to where it
// will actually be written.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rel), nil
		}
		if filepath.Dir(dir) == dir {
			return abs, nil
		}
	}
}
