package paths

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Layout describes the on-disk state of one host installation.
type Layout struct {
	Root string
}

// ExtensionsDir contains unpacked extension install directories
func (l Layout) ExtensionsDir() string {
	return filepath.Join(l.Root, "extensions")
}

// IndexFile is the persisted extension index
func (l Layout) IndexFile() string {
	return filepath.Join(l.Root, "extensions.json")
}

// StorageDir holds per-extension state bags
func (l Layout) StorageDir() string {
	return filepath.Join(l.Root, "storage")
}

// SecretKeyFile holds the symmetric key sealing secret storage
func (l Layout) SecretKeyFile() string {
	return filepath.Join(l.Root, "storage", ".secret.key")
}

// StandardDirectories returns the directories that must exist before the
// host starts.
func (l Layout) StandardDirectories() []string {
	return []string{l.Root, l.ExtensionsDir(), l.StorageDir()}
}

// Ensure creates the standard directories.
func (l Layout) Ensure() error {
	for _, dir := range l.StandardDirectories() {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Canonical returns an absolute, cleaned path with symlinks resolved. Paths
// that do not exist yet are resolved through their deepest existing
// ancestor, so a file about to be created is judged by where it would land.
func Canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	var rest []string
	cur := abs
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			parts := append([]string{resolved}, rest...)
			return filepath.Join(parts...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}

// Within reports whether p is root or a descendant of root. Both paths must
// already be canonical.
func Within(root, p string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// WithinAny returns the first root containing p.
func WithinAny(roots []string, p string) (string, bool) {
	for _, root := range roots {
		if Within(root, p) {
			return root, true
		}
	}
	return "", false
}

// CanonicalRoots canonicalizes a list of roots, dropping empty entries.
func CanonicalRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if r == "" {
			continue
		}
		c, err := Canonical(r)
		if err != nil {
			return nil, fmt.Errorf("invalid root %s: %w", r, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// ValidateExtensionID checks that an extension id (publisher.name) is safe
// to use as a single path component.
func ValidateExtensionID(extID string) error {
	if extID == "" {
		return fmt.Errorf("extension ID cannot be empty")
	}
	if filepath.IsAbs(extID) || strings.ContainsAny(extID, `/\`) {
		return fmt.Errorf("extension ID cannot contain path separators")
	}
	if filepath.Clean(extID) != extID || extID == "." || extID == ".." {
		return fmt.Errorf("extension ID contains invalid path components")
	}
	return nil
}
