// Package pathguard keeps file operations inside a root directory, following
// symlinks before deciding.
package pathguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path resolves outside its root.
var ErrOutsideRoot = errors.New("path escapes root")

// Root is a canonical directory.
type Root struct {
	dir string
}

// New creates dir if needed and canonicalizes it.
func New(dir string) (*Root, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(canonical)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %q is not a directory", dir)
	}
	return &Root{dir: canonical}, nil
}

// Dir returns the canonical root.
func (r *Root) Dir() string {
	return r.dir
}

// Resolve joins rel onto the root and returns the canonical absolute path.
// Existing symlinks along the way are followed; a missing final component is
// allowed so callers can create it.
func (r *Root) Resolve(rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is absolute", ErrOutsideRoot, rel)
	}
	joined := filepath.Join(r.dir, rel)

	canonical, err := filepath.EvalSymlinks(joined)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		parent, perr := filepath.EvalSymlinks(filepath.Dir(joined))
		if perr != nil {
			return "", fmt.Errorf("resolve %q: %w", rel, perr)
		}
		canonical = filepath.Join(parent, filepath.Base(joined))
	default:
		return "", fmt.Errorf("resolve %q: %w", rel, err)
	}

	if !r.contains(canonical) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return canonical, nil
}

// contains reports whether p is strictly below the root.
func (r *Root) contains(p string) bool {
	rel, err := filepath.Rel(r.dir, p)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
