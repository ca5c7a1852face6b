package static

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"syscall"
)

var errOutsideRoot = errors.New("path escapes document root")

// cleanRequestPath maps a decoded URL path onto a name inside the document
// root. ".." segments can never climb above "/": "/../../etc/passwd" becomes
// "/etc/passwd", which is then looked up below the root.
func cleanRequestPath(urlPath string) string {
	if urlPath == "" || urlPath[0] != '/' {
		urlPath = "/" + urlPath
	}
	// Backslashes are separators on Windows, never part of a name here
	urlPath = strings.ReplaceAll(urlPath, "\\", "/")
	return path.Clean(urlPath)
}

// validatePath ensures that the OS path behind name, after following
// symlinks, still lives inside root. Entries that do not exist are
// reported as such so the caller can answer 404.
func validatePath(root, name string) (string, error) {
	absBase, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absBase); err == nil {
		absBase = resolved
	}

	full := filepath.Join(absBase, filepath.FromSlash(name))
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, resolved)
	if err != nil {
		return "", fmt.Errorf("path validation error: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", errOutsideRoot
	}
	return resolved, nil
}

// isNotFound reports errors that mean "nothing to serve at this path"
func isNotFound(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOTDIR) ||
		errors.Is(err, errOutsideRoot)
}
