package catalog

import (
	"fmt"
	"regexp"

	"github.com/p-blackswan/agentforge/internal/profile"
)

// idPattern is narrower than the bus participant allow-list so that the
// composed "<run>.<template>" participant ID always validates.
var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Resources bounds what a generated artifact may consume.
type Resources struct {
	MaxArtifactBytes int      `yaml:"max_artifact_bytes" json:"max_artifact_bytes"`
	TokenBudget      int      `yaml:"token_budget" json:"token_budget"`
	Tools            []string `yaml:"tools,omitempty" json:"tools,omitempty"`
}

// Descriptor is a catalog entry. Descriptors are shared read-only across
// concurrent runs; never mutate one returned by a Catalog.
type Descriptor struct {
	ID               string          `yaml:"id" json:"id"`
	Name             string          `yaml:"name" json:"name"`
	Description      string          `yaml:"description" json:"description"`
	Variant          Variant         `yaml:"variant" json:"variant"`
	CapabilityTags   []string        `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Languages        []string        `yaml:"languages,omitempty" json:"languages,omitempty"`
	Frameworks       []string        `yaml:"frameworks,omitempty" json:"frameworks,omitempty"`
	Rules            []Rule          `yaml:"rules,omitempty" json:"rules,omitempty"`
	BasePriority     int             `yaml:"base_priority" json:"base_priority"`
	TargetComplexity *float64        `yaml:"target_complexity,omitempty" json:"target_complexity,omitempty"`
	Scales           []profile.Scale `yaml:"scales,omitempty" json:"scales,omitempty"`
	SuccessRate      *float64        `yaml:"success_rate,omitempty" json:"success_rate,omitempty"`
	Resources        Resources       `yaml:"resources" json:"resources"`
	Permissions      []string        `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	DependsOn        []string        `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Optional         bool            `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// Eligible reports whether every rule holds for p.
func (d *Descriptor) Eligible(p *profile.Profile) bool {
	for _, r := range d.Rules {
		if !r.Holds(p) {
			return false
		}
	}
	return true
}

// Capabilities returns the variant defaults merged with the declared tags,
// in declaration order without duplicates.
func (d *Descriptor) Capabilities() []string {
	seen := map[string]bool{}
	var out []string
	for _, tag := range append(d.Variant.DefaultTags(), d.CapabilityTags...) {
		if !seen[tag] {
			seen[tag] = true
			out = append(out, tag)
		}
	}
	return out
}

// HasTool reports whether tool is in the descriptor's resource list.
func (d *Descriptor) HasTool(tool string) bool {
	for _, t := range d.Resources.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// Required is the negation of Optional: a required artifact must pass all
// blocking validators for its run to commit.
func (d *Descriptor) Required() bool { return !d.Optional }

func (d *Descriptor) validate() error {
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("invalid template id %q", d.ID)
	}
	if d.Name == "" {
		return fmt.Errorf("template %s: name is required", d.ID)
	}
	if !d.Variant.Valid() {
		return fmt.Errorf("template %s: unknown variant %q", d.ID, d.Variant)
	}
	for i, r := range d.Rules {
		if err := r.validate(); err != nil {
			return fmt.Errorf("template %s: rule %d: %w", d.ID, i, err)
		}
	}
	if d.TargetComplexity != nil && (*d.TargetComplexity < 0 || *d.TargetComplexity > 1) {
		return fmt.Errorf("template %s: target_complexity outside [0,1]", d.ID)
	}
	if d.SuccessRate != nil && (*d.SuccessRate < 0 || *d.SuccessRate > 1) {
		return fmt.Errorf("template %s: success_rate outside [0,1]", d.ID)
	}
	for _, s := range d.Scales {
		if s.Rank() < 0 {
			return fmt.Errorf("template %s: unknown scale %q", d.ID, s)
		}
	}
	if d.Resources.MaxArtifactBytes < 0 || d.Resources.TokenBudget < 0 {
		return fmt.Errorf("template %s: resource limits must not be negative", d.ID)
	}
	for _, dep := range d.DependsOn {
		if dep == d.ID {
			return fmt.Errorf("template %s: depends on itself", d.ID)
		}
	}
	return nil
}
