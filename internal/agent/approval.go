package agent

import (
	"strings"

	"github.com/duraloop/duraloop/pkg/models"
)

// PolicyChecker evaluates a models.ToolPolicy against a tool invocation.
// It is adapted from ApprovalChecker precedence chain:
// the most specific matching rule wins, and an invocation matching no
// rule falls back to the policy's Default.
type PolicyChecker struct {
	policy models.ToolPolicy
}

func NewPolicyChecker(policy models.ToolPolicy) *PolicyChecker {
	return &PolicyChecker{policy: policy}
}

// Check returns the decision for a tool named name invoked with the
// given invocation string (the bash command line for the builtin bash
// tool, or the tool name itself otherwise, step 2).
func (c *PolicyChecker) Check(name, invocation string) models.PolicyRule {
	var best *models.PolicyRule
	bestLen := -1
	for i := range c.policy.Rules {
		r := &c.policy.Rules[i]
		if r.Match == "" {
			continue
		}
		if !ruleMatches(r.Match, name, invocation) {
			continue
		}
		if len(r.Match) > bestLen {
			best = r
			bestLen = len(r.Match)
		}
	}
	if best != nil {
		return *best
	}
	if c.policy.Default.Decision == "" {
		return models.PolicyRule{Decision: models.DecisionAllow}
	}
	return c.policy.Default
}

// ShouldNotify reports whether a notification should be emitted for
// this invocation, per the matching rule's Notify flag.
func (c *PolicyChecker) ShouldNotify(name, invocation string) bool {
	return c.Check(name, invocation).Notify
}

// ruleMatches matches either a bare tool name (exact match) or, for
// bash-style invocations, a command-line prefix.
func ruleMatches(match, name, invocation string) bool {
	if match == name {
		return true
	}
	return strings.HasPrefix(invocation, match)
}
