package catalog

import (
	"fmt"

	"github.com/p-blackswan/agentforge/internal/profile"
)

// RuleKind is the closed set of eligibility predicates.
type RuleKind string

const (
	RuleLanguageIn        RuleKind = "language_in"
	RuleFrameworkIn       RuleKind = "framework_in"
	RuleArchitectureIs    RuleKind = "architecture_is"
	RuleDependencyPresent RuleKind = "dependency_present"
	RuleComplexityAtLeast RuleKind = "complexity_at_least"
	RuleComplexityAtMost  RuleKind = "complexity_at_most"
	RuleMinFiles          RuleKind = "min_files"
)

// Rule is a tagged predicate over a profile. Values is used by the set
// kinds, Threshold by the numeric ones.
type Rule struct {
	Kind      RuleKind `yaml:"kind" json:"kind"`
	Values    []string `yaml:"values,omitempty" json:"values,omitempty"`
	Threshold float64  `yaml:"threshold,omitempty" json:"threshold,omitempty"`
}

// Holds evaluates the rule against p.
func (r Rule) Holds(p *profile.Profile) bool {
	switch r.Kind {
	case RuleLanguageIn:
		return anyOf(r.Values, p.HasLanguage)
	case RuleFrameworkIn:
		return anyOf(r.Values, p.HasFramework)
	case RuleArchitectureIs:
		return anyOf(r.Values, func(v string) bool { return profile.Architecture(v) == p.Architecture })
	case RuleDependencyPresent:
		return anyOf(r.Values, p.HasDependency)
	case RuleComplexityAtLeast:
		return p.Complexity >= r.Threshold
	case RuleComplexityAtMost:
		return p.Complexity <= r.Threshold
	case RuleMinFiles:
		return float64(p.FileCount) >= r.Threshold
	}
	return false
}

func (r Rule) validate() error {
	switch r.Kind {
	case RuleLanguageIn, RuleFrameworkIn, RuleDependencyPresent:
		if len(r.Values) == 0 {
			return fmt.Errorf("rule %s requires values", r.Kind)
		}
	case RuleArchitectureIs:
		if len(r.Values) == 0 {
			return fmt.Errorf("rule %s requires values", r.Kind)
		}
		for _, v := range r.Values {
			if !profile.Architecture(v).Valid() {
				return fmt.Errorf("rule %s: unknown architecture %q", r.Kind, v)
			}
		}
	case RuleComplexityAtLeast, RuleComplexityAtMost:
		if r.Threshold < 0 || r.Threshold > 1 {
			return fmt.Errorf("rule %s: threshold %v outside [0,1]", r.Kind, r.Threshold)
		}
	case RuleMinFiles:
		if r.Threshold < 0 {
			return fmt.Errorf("rule %s: threshold must not be negative", r.Kind)
		}
	default:
		return fmt.Errorf("unknown rule kind %q", r.Kind)
	}
	return nil
}

func anyOf(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if pred(v) {
			return true
		}
	}
	return false
}
