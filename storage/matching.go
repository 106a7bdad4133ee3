package storage

import (
	"path/filepath"
	"strings"
)

// MatchPattern reports whether key matches a glob-style pattern as used by
// the KEYS command. Supported syntax: '*' for any run of characters, '?'
// for a single character, '[...]' character classes and '\' escapes.
func MatchPattern(key, pattern string) bool {
	if pattern == "" {
		return key == ""
	}
	if pattern == "*" {
		return key != ""
	}

	matched, err := filepath.Match(pattern, key)
	if err != nil {
		return matchSimple(key, pattern)
	}
	return matched
}

// matchSimple handles single-wildcard patterns when the glob syntax is
// malformed, for example an unterminated character class.
func matchSimple(key, pattern string) bool {
	if key == pattern {
		return true
	}

	star := strings.IndexByte(pattern, '*')
	if star == -1 || strings.LastIndexByte(pattern, '*') != star {
		return false
	}
	return strings.HasPrefix(key, pattern[:star]) && strings.HasSuffix(key, pattern[star+1:])
}
