package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ValidatePath rejects empty paths, paths with ".." segments and, unless
// allowAbsolute is set, absolute paths.
//
//	if err := ValidatePath(query, true); err != nil {
//		return types.Invalid(query, "%v", err)
//	}
func ValidatePath(p string, allowAbsolute bool) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if hasDotDot(filepath.ToSlash(p)) {
		return fmt.Errorf("path contains directory traversal: %s", p)
	}
	if !allowAbsolute && (filepath.IsAbs(p) || strings.HasPrefix(p, "/")) {
		return fmt.Errorf("absolute paths not allowed: %s", p)
	}
	return nil
}

func hasDotDot(slashed string) bool {
	for _, seg := range strings.Split(slashed, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// LocalSuffix joins elements into a clean, slash separated relative path
// suitable as the local location of a remote object, e.g.
// LocalSuffix("bucket", "/a//b.txt") is "bucket/a/b.txt". Leading slashes
// are dropped; ".." segments and empty results are rejected.
func LocalSuffix(elements ...string) (string, error) {
	var parts []string
	for _, e := range elements {
		slashed := filepath.ToSlash(e)
		if hasDotDot(slashed) {
			return "", fmt.Errorf("path contains directory traversal: %s", e)
		}
		if s := strings.Trim(slashed, "/"); s != "" {
			parts = append(parts, s)
		}
	}
	suffix := path.Clean(strings.Join(parts, "/"))
	if suffix == "." || suffix == "" {
		return "", fmt.Errorf("empty local path")
	}
	// Windows drive letters are not valid inside a suffix.
	return strings.ReplaceAll(suffix, ":", "_"), nil
}

// SecureJoin joins elements below base and fails if the result escapes base.
//
//	localPath, err := SecureJoin(prefix, suffix)
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	full := filepath.Join(append([]string{cleanBase}, elements...)...)

	rel, err := filepath.Rel(cleanBase, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes base directory %s", base)
	}
	return full, nil
}
