package store

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// safeNameRe strips anything outside a conservative filename alphabet.
var safeNameRe = regexp.MustCompile(`[^a-z0-9._-]+`)

// SafeName converts an arbitrary label into a filesystem-safe name:
// lowercased, spaces collapsed to hyphens, everything else dropped.
func SafeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = safeNameRe.ReplaceAllString(s, "")
	s = strings.Trim(s, "-.")
	if s == "" {
		s = "unnamed"
	}
	return s
}

// ResolveUnder joins rel onto root and verifies the result stays inside
// root. Absolute paths and any form of ".." traversal are rejected. The
// comparison is done on the cleaned, symlink-resolved form of root.
func ResolveUnder(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path not allowed: %s", rel)
	}
	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(cleanRoot); err == nil {
		cleanRoot = resolved
	}

	joined := filepath.Clean(filepath.Join(cleanRoot, rel))
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return joined, nil
}
