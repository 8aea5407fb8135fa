package safety

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for paths that are empty, absolute, or that would
// resolve outside of the directory they are meant to live in.
var ErrUnsafePath = errors.New("unsafe path")

// CleanRelativePath validates a slash- or OS-separated relative path and
// returns it in OS form.
func CleanRelativePath(p string) (string, error) {
	key, err := ManifestKey(p)
	if err != nil {
		return "", err
	}
	return filepath.FromSlash(key), nil
}

// ManifestKey normalizes p into the canonical forward-slash form used to key
// manifest entries and archive members. Backslashes are treated as separators
// so manifests produced on Windows resolve to the same key.
func ManifestKey(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("%w: path is empty", ErrUnsafePath)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: NUL byte in %q", ErrUnsafePath, p)
	}

	slashed := strings.ReplaceAll(p, `\`, "/")
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(p) || hasDriveLetter(slashed) {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafePath, p)
	}

	clean := path.Clean(slashed)
	switch {
	case clean == ".":
		return "", fmt.Errorf("%w: %q resolves to the root itself", ErrUnsafePath, p)
	case clean == ".." || strings.HasPrefix(clean, "../"):
		return "", fmt.Errorf("%w: parent traversal in %q", ErrUnsafePath, p)
	}
	return clean, nil
}

func hasDriveLetter(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// SafeJoinUnder joins rel under root and returns the absolute result, failing
// when rel is not a safe relative path.
func SafeJoinUnder(root, rel string) (string, error) {
	cleanRel, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, cleanRel))
}

// EnsureUnderRoot returns the absolute form of candidate if it lies inside root.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsafePath, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes %q", ErrUnsafePath, candidate, root)
	}
	return candAbs, nil
}
