package coordtypes

import "strings"

// Key is a non-empty opaque path string. The coordination engine treats
// keys as opaque byte strings; the "/"-separated hierarchy is only
// meaningful to the optional recursive-delete traversal.
type Key = string

// ValidateKey reports whether k is an acceptable key.
func ValidateKey(k Key) bool {
	return len(k) > 0
}

// IsPrefixOf reports whether child lies under the parent prefix, treating
// keys as "/"-delimited paths. A key is never its own child.
func IsPrefixOf(parent, child Key) bool {
	if parent == child {
		return false
	}
	p := strings.TrimSuffix(parent, "/") + "/"
	return strings.HasPrefix(child, p)
}
