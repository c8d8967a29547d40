package eventbus

import (
	"fmt"
	"strings"
)

// Wildcard and separator constants for pattern matching.
const (
	// Delimiter separates name segments.
	Delimiter = "."

	// WildcardSingle matches exactly one segment.
	WildcardSingle = "*"

	// WildcardMulti matches zero or more segments.
	WildcardMulti = "**"
)

// Join joins segments into an event name.
func Join(segments ...string) string {
	return strings.Join(segments, Delimiter)
}

// parsePattern splits and validates a subscription pattern.
func parsePattern(pattern string) ([]string, error) {
	segments, err := split(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}
	return segments, nil
}

// parseName splits and validates an emitted event name. Names are concrete:
// wildcards are only meaningful in patterns.
func parseName(name string) ([]string, error) {
	segments, err := split(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, seg := range segments {
		if seg == WildcardSingle || seg == WildcardMulti {
			return nil, fmt.Errorf("%w: %q contains a wildcard", ErrInvalidName, name)
		}
	}
	return segments, nil
}

func split(s string) ([]string, error) {
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	segments := strings.Split(s, Delimiter)
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("empty segment")
		}
	}
	return segments, nil
}

// matchSegments reports whether name matches pattern segment-wise.
func matchSegments(name, pattern []string) bool {
	ni, pi := 0, 0

	for pi < len(pattern) {
		if pattern[pi] == WildcardMulti {
			// ** matches zero or more segments
			for ni <= len(name) {
				if matchSegments(name[ni:], pattern[pi+1:]) {
					return true
				}
				ni++
			}
			return false
		}

		if ni >= len(name) {
			return false
		}

		if pattern[pi] != WildcardSingle && pattern[pi] != name[ni] {
			return false
		}
		ni++
		pi++
	}

	return ni == len(name)
}

// Matches reports whether the event name matches the pattern.
// Invalid input never matches.
func Matches(name, pattern string) bool {
	n, err := parseName(name)
	if err != nil {
		return false
	}
	p, err := parsePattern(pattern)
	if err != nil {
		return false
	}
	return matchSegments(n, p)
}
