package policy

import "strings"

// MatchPattern reports whether a base command name matches a glob pattern.
// '*' matches any run of bytes, '?' matches exactly one byte, and the
// comparison is case-insensitive. Narrower than path.Match: no character
// classes, no escaping, no error cases, so a malformed pattern can never
// make evaluation fail.
func MatchPattern(pattern, name string) bool {
	return globMatch(strings.ToLower(pattern), strings.ToLower(name))
}

// globMatch runs an iterative glob match with single-star backtracking.
func globMatch(p, s string) bool {
	pi, si := 0, 0
	starP, starS := -1, 0

	for si < len(s) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == s[si]):
			pi++
			si++
		case pi < len(p) && p[pi] == '*':
			starP = pi
			starS = si
			pi++
		case starP >= 0:
			pi = starP + 1
			starS++
			si = starS
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

func matchesAny(patterns []string, name string) (string, bool) {
	for _, p := range patterns {
		if MatchPattern(p, name) {
			return p, true
		}
	}
	return "", false
}
