package util

import (
	"slices"
	"strings"
	"unicode/utf8"
)

func SanitizePostgresText(value string) string {
	if value == "" {
		return value
	}

	sanitized := strings.ToValidUTF8(value, "")
	return strings.ReplaceAll(sanitized, "\x00", "")
}

// Truncate cuts s to at most limit characters (runes). A limit <= 0 disables truncation.
func Truncate(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}

// NormalizeWhitespace trims s and collapses every whitespace run into one space.
func NormalizeWhitespace(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// JoinCapped joins the distinct non-empty parts with sep and truncates the
// result to limit characters.
func JoinCapped(parts []string, sep string, limit int) string {
	seen := make(map[string]struct{}, len(parts))
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		kept = append(kept, p)
	}
	return Truncate(strings.Join(kept, sep), limit)
}

// SortedUnion returns the sorted set union of the given string slices.
func SortedUnion(sets ...[]string) []string {
	total := 0
	for _, s := range sets {
		total += len(s)
	}
	out := make([]string, 0, total)
	for _, s := range sets {
		for _, v := range s {
			if v != "" {
				out = append(out, v)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// IsSubset reports whether every element of sub is contained in set.
func IsSubset(sub, set []string) bool {
	if len(sub) == 0 {
		return true
	}
	lookup := make(map[string]struct{}, len(set))
	for _, v := range set {
		lookup[v] = struct{}{}
	}
	for _, v := range sub {
		if _, ok := lookup[v]; !ok {
			return false
		}
	}
	return true
}
