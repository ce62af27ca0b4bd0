package utils

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscapesRoot is returned when a relative path climbs out of its root.
var ErrPathEscapesRoot = errors.New("path escapes root")

// SecureJoin joins root and a relative path taken from configuration. The
// result always stays under root; an empty path yields root itself.
func SecureJoin(root, rel string) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", errors.New("root required")
	}
	root = filepath.Clean(root)
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return root, nil
	}
	local := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(local) {
		local = strings.TrimLeft(local, string(filepath.Separator))
	}
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, rel)
	}
	return filepath.Join(root, local), nil
}
