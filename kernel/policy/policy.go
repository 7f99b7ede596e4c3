// Package policy implements the §4.6 policy gate: matching a candidate
// effect invocation's (effect_kind, cap_name, origin_kind, origin_name)
// against a DefPolicy's ordered rule set to decide allow/deny/require_approval.
// Narrowed from agents/runtime/policy.Engine.Decide's per-turn tool
// allowlist/Decision contract down to a single per-effect verdict — the
// kernel has no notion of a "turn", only one authorization decision per
// candidate effect.
package policy

import (
	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/schema"
)

// Origin identifies who is attempting to invoke the effect: a reducer or a
// plan instance, both named.
type Origin struct {
	Kind string // "plan" or "reducer"
	Name schema.Name
}

// Decide evaluates rules in order against the candidate invocation,
// returning the first matching rule's PolicyDecision, or def.Default if no
// rule matches.
func Decide(def air.DefPolicy, effectKind schema.Name, capName string, origin Origin) air.PolicyDecision {
	for _, rule := range def.Rules {
		if Matches(rule, effectKind, capName, origin) {
			return rule.Decision
		}
	}
	return def.Default
}

// Matches reports whether rule applies to the given candidate invocation.
// Exported so callers consulting more than one DefPolicy (e.g. the effect
// authorizer, which concatenates every declared policy's rule list) can
// find the first matching rule across policies without reimplementing this
// check.
func Matches(rule air.PolicyRule, effectKind schema.Name, capName string, origin Origin) bool {
	if rule.EffectKind != (schema.Name{}) && rule.EffectKind != effectKind {
		return false
	}
	if rule.CapName != "" && rule.CapName != capName {
		return false
	}
	if rule.OriginKind != "" && rule.OriginKind != origin.Kind {
		return false
	}
	if rule.OriginName != (schema.Name{}) && rule.OriginName != origin.Name {
		return false
	}
	return true
}
