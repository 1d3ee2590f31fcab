package policy

import (
	"fmt"
	"log"
)

// Mode selects how a rule set decides.
type Mode string

const (
	ModeAllowlist Mode = "allowlist"
	ModeDenylist  Mode = "denylist"
)

// RuleSet is the policy in force for a host: either a host override or the
// tenant's global default, with the engine denylist merged in by the Store.
type RuleSet struct {
	Mode          Mode
	AllowPatterns []string
	DenyPatterns  []string
	Active        bool
}

// Decision is the outcome of evaluating one submission.
type Decision struct {
	Allowed bool
	// Command is the first base command that caused the denial.
	Command string
	// Pattern is the deny pattern that matched, when applicable.
	Pattern string
	Reason  string
}

var allowed = Decision{Allowed: true}

// parseFn is indirected so tests can exercise the fail-open path.
var parseFn = ParseCommands

// Evaluate classifies one submitted line against a rule set.
//
// Allowlist mode with a non-empty allow list admits a submission only when
// every base command matches at least one allow pattern. Denylist mode (and
// allowlist mode with no allow patterns) admits a submission only when no
// base command matches any deny pattern. A nil or inactive rule set admits
// everything.
//
// Evaluation fails open: an internal parser error logs at error level and
// admits the submission. The audit trail still records what ran.
func Evaluate(rs *RuleSet, line string) (dec Decision) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[policy] ERROR: evaluator panic, failing open: %v", r)
			dec = allowed
		}
	}()

	if rs == nil || !rs.Active {
		return allowed
	}

	commands := parseFn(line)
	if len(commands) == 0 {
		return allowed
	}

	if rs.Mode == ModeAllowlist && len(rs.AllowPatterns) > 0 {
		for _, cmd := range commands {
			if _, ok := matchesAny(rs.AllowPatterns, cmd); !ok {
				return Decision{
					Command: cmd,
					Reason:  fmt.Sprintf("command '%s' not in allowlist", cmd),
				}
			}
		}
		return allowed
	}

	for _, cmd := range commands {
		if p, ok := matchesAny(rs.DenyPatterns, cmd); ok {
			return Decision{
				Command: cmd,
				Pattern: p,
				Reason:  fmt.Sprintf("command '%s' matched deny rule '%s'", cmd, p),
			}
		}
	}
	return allowed
}
