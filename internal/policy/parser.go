// Package policy implements the command parser and allow/deny evaluator that
// guard interactive shell submissions.
//
// The parser is a policy-matcher's approximation of shell syntax, not a shell
// grammar: it splits on pipeline and chain separators, strips environment
// assignments and a leading sudo, and extracts command basenames. Quoting is
// NOT interpreted; patterns match literal bytes. An operator with shell
// access can always construct input this parser will not decompose the way a
// real shell does, so the filter is a guardrail, not a boundary.
package policy

import (
	"regexp"
	"strings"
)

// separatorRe splits a submitted line on the pipeline/chain separators
// |, ||, && and ;, with surrounding whitespace tolerated. The || and &&
// alternatives come first so they are not consumed as two single tokens.
var separatorRe = regexp.MustCompile(`\s*(?:\|\||&&|\||;)\s*`)

// envAssignRe matches one leading NAME=VALUE environment assignment
// followed by whitespace.
var envAssignRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=\S*\s+`)

// bareAssignRe matches a segment that is nothing but an assignment.
var bareAssignRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=\S*$`)

// ParseCommands extracts the ordered base command names from one submitted
// line. Whitespace-only input yields an empty list.
func ParseCommands(line string) []string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	segments := separatorRe.Split(trimmed, -1)
	commands := make([]string, 0, len(segments))
	for _, seg := range segments {
		if name := baseCommand(seg); name != "" {
			commands = append(commands, name)
		}
	}
	return commands
}

// baseCommand reduces one pipeline segment to its base command name:
// environment assignment prefixes and a single leading "sudo " are stripped,
// then the first token's basename is taken.
func baseCommand(segment string) string {
	s := strings.TrimSpace(segment)

	for {
		loc := envAssignRe.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = strings.TrimSpace(s[loc[1]:])
	}
	if bareAssignRe.MatchString(s) {
		// Pure assignment, no command to evaluate.
		return ""
	}

	if strings.HasPrefix(s, "sudo ") || strings.HasPrefix(s, "sudo\t") {
		s = strings.TrimSpace(s[len("sudo"):])
	}
	if s == "" {
		return ""
	}

	token := s
	if i := strings.IndexAny(token, " \t"); i >= 0 {
		token = token[:i]
	}
	if i := strings.LastIndex(token, "/"); i >= 0 {
		token = token[i+1:]
	}
	return token
}
