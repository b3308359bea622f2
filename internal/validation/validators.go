package validation

import (
	"context"
	"fmt"
	"sort"

	"github.com/p-blackswan/agentforge/internal/catalog"
	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/generation"
)

// Target is one artifact under validation. Artifact is nil when Data did
// not decode; DecodeErr then holds the reason.
type Target struct {
	TemplateID string
	Descriptor *catalog.Descriptor
	Required   bool
	Data       []byte
	Artifact   *generation.Artifact
	DecodeErr  error
}

// Set is the whole batch, for validators that look across artifacts.
type Set struct {
	Targets     []*Target
	TokenBudget int

	ids          map[string]bool
	capabilities map[string][]string
	totalTokens  int
}

func newSet(targets []*Target, tokenBudget int) *Set {
	s := &Set{
		Targets:      targets,
		TokenBudget:  tokenBudget,
		ids:          make(map[string]bool, len(targets)),
		capabilities: make(map[string][]string),
	}
	for _, t := range targets {
		s.ids[t.TemplateID] = true
		if t.Artifact == nil {
			continue
		}
		s.totalTokens += t.Artifact.Budget.Tokens
		for _, c := range t.Artifact.Capabilities {
			s.capabilities[c] = append(s.capabilities[c], t.TemplateID)
		}
	}
	for c := range s.capabilities {
		sort.Strings(s.capabilities[c])
	}
	return s
}

// Has reports whether templateID is part of the set.
func (s *Set) Has(templateID string) bool { return s.ids[templateID] }

// Validator checks one artifact. Validators must be safe for concurrent
// use and must not mutate the target or the set.
type Validator interface {
	Name() string
	Severity() Severity
	Validate(ctx context.Context, t *Target, set *Set) []string
}

// artifactValidator is implemented by validators that can only run on a
// decoded artifact; they are skipped for malformed documents.
type artifactValidator interface {
	RequiresArtifact() bool
}

// Syntax checks that the document decodes strictly and carries the
// required fields for the right template.
type Syntax struct{}

func (Syntax) Name() string       { return "syntax" }
func (Syntax) Severity() Severity { return SeverityBlocking }

func (Syntax) Validate(_ context.Context, t *Target, _ *Set) []string {
	if t.DecodeErr != nil {
		return []string{fmt.Sprintf("malformed document: %v", t.DecodeErr)}
	}
	var out []string
	if err := t.Artifact.Check(); err != nil {
		out = append(out, err.Error())
	}
	if t.Artifact.TemplateID != t.TemplateID {
		out = append(out, fmt.Sprintf("template_id %q does not match %q", t.Artifact.TemplateID, t.TemplateID))
	}
	if t.Descriptor != nil && t.Artifact.Variant != t.Descriptor.Variant {
		out = append(out, fmt.Sprintf("variant %q does not match catalog variant %q", t.Artifact.Variant, t.Descriptor.Variant))
	}
	return out
}

// Semantic checks that references resolve within the set.
type Semantic struct{}

func (Semantic) Name() string           { return "semantic" }
func (Semantic) Severity() Severity     { return SeverityBlocking }
func (Semantic) RequiresArtifact() bool { return true }

func (Semantic) Validate(_ context.Context, t *Target, set *Set) []string {
	if t.Artifact == nil {
		return nil
	}
	var out []string
	for _, ref := range t.Artifact.References {
		switch {
		case ref == t.TemplateID:
			out = append(out, "artifact references itself")
		case !set.Has(ref):
			out = append(out, fmt.Sprintf("reference %q does not resolve to an artifact in this run", ref))
		}
	}
	if len(t.Artifact.Capabilities) == 0 {
		out = append(out, "no capabilities declared")
	}
	return out
}

// Permission checks requested permissions against the variant scope and
// the descriptor's own request.
type Permission struct{}

func (Permission) Name() string           { return "permission" }
func (Permission) Severity() Severity     { return SeverityBlocking }
func (Permission) RequiresArtifact() bool { return true }

func (Permission) Validate(_ context.Context, t *Target, _ *Set) []string {
	if t.Artifact == nil {
		return nil
	}
	var out []string
	for _, perm := range t.Artifact.Permissions {
		if !t.Artifact.Variant.Allows(perm) {
			out = append(out, fmt.Sprintf("permission %q is outside the %s scope", perm, t.Artifact.Variant))
			continue
		}
		if t.Descriptor != nil && !contains(t.Descriptor.Permissions, perm) {
			out = append(out, fmt.Sprintf("permission %q was not requested by the template", perm))
		}
	}
	return out
}

// Compatibility flags capability conflicts and undeclared tools.
type Compatibility struct{}

func (Compatibility) Name() string           { return "compatibility" }
func (Compatibility) Severity() Severity     { return SeverityAdvisory }
func (Compatibility) RequiresArtifact() bool { return true }

func (Compatibility) Validate(_ context.Context, t *Target, set *Set) []string {
	if t.Artifact == nil {
		return nil
	}
	var out []string
	for _, c := range t.Artifact.Capabilities {
		if claimants := set.capabilities[c]; catalog.IsExclusive(c) && len(claimants) > 1 {
			out = append(out, fmt.Sprintf("exclusive capability %q is claimed by %v", c, claimants))
		}
	}
	if t.Descriptor != nil {
		for _, tool := range t.Artifact.Tools {
			if !t.Descriptor.HasTool(tool) {
				out = append(out, fmt.Sprintf("tool %q is not in the template's resource list", tool))
			}
		}
	}
	return out
}

// Resources flags artifacts that exceed their size or token budgets.
type Resources struct{}

func (Resources) Name() string       { return "resources" }
func (Resources) Severity() Severity { return SeverityAdvisory }

func (Resources) Validate(_ context.Context, t *Target, set *Set) []string {
	var out []string
	if t.Descriptor != nil {
		if limit := t.Descriptor.Resources.MaxArtifactBytes; limit > 0 && len(t.Data) > limit {
			out = append(out, fmt.Sprintf("artifact is %d bytes, limit %d", len(t.Data), limit))
		}
		if t.Artifact != nil {
			if limit := t.Descriptor.Resources.TokenBudget; limit > 0 && t.Artifact.Budget.Tokens > limit {
				out = append(out, fmt.Sprintf("token budget %d exceeds template limit %d", t.Artifact.Budget.Tokens, limit))
			}
		}
	}
	if set.TokenBudget > 0 && set.totalTokens > set.TokenBudget {
		out = append(out, fmt.Sprintf("run token budget exceeded: %d > %d", set.totalTokens, set.TokenBudget))
	}
	return out
}

// findingKind maps a validator to the error kind its findings carry.
func findingKind(v Validator) ferrors.Kind {
	if _, ok := v.(Permission); ok {
		return ferrors.KindPermission
	}
	return ferrors.KindValidation
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
