package match

import "strings"

// Route reports whether name matches pattern. The only wildcard is `*`,
// which matches zero or more characters including segment separators.
// Matching is case-sensitive; a pattern without `*` requires equality.
func Route(pattern, name string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}
	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	last := len(parts) - 1
	for i := 1; i <= last; i++ {
		part := parts[i]
		if part == "" {
			if i == last {
				return true
			}
			continue
		}
		if i == last {
			return strings.HasSuffix(name, part)
		}
		idx := strings.Index(name, part)
		if idx < 0 {
			return false
		}
		name = name[idx+len(part):]
	}
	return name == ""
}

// Any reports whether name matches at least one pattern.
func Any(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if Route(pattern, name) {
			return true
		}
	}
	return false
}
