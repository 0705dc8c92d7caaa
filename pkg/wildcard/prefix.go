package wildcard

import "strings"

// Separator is the path separator used for prefix extraction
const Separator = "/"

// FirstWildcard returns the byte offset of the first wildcard in pattern, or -1.
func FirstWildcard(pattern string) int {
	for _, tok := range scan(pattern) {
		if tok.wildcard {
			return tok.start
		}
	}
	return -1
}

// ConstantPrefix returns the literal text before the first wildcard, or the
// whole pattern when it has none.
//
// With stripIncompleteParts the prefix is cut back to its last separator so
// that it names a complete directory. A prefix without separator is dropped
// when the pattern's first separator comes after the wildcard.
func ConstantPrefix(pattern string, stripIncompleteParts bool) string {
	first := FirstWildcard(pattern)
	if first < 0 {
		return pattern
	}
	prefix := pattern[:first]
	if !stripIncompleteParts {
		return prefix
	}
	if i := strings.LastIndex(prefix, Separator); i >= 0 {
		return prefix[:i+len(Separator)]
	}
	if sep := strings.Index(pattern, Separator); sep > first {
		return ""
	}
	return prefix
}
