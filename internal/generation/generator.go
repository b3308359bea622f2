package generation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/catalog"
	"github.com/p-blackswan/agentforge/internal/fsutil"
	"github.com/p-blackswan/agentforge/internal/profile"
)

// Request is everything a generator may read. Generators must not retain
// or mutate any of it.
type Request struct {
	RunID      string
	Profile    *profile.Profile
	Descriptor *catalog.Descriptor
	// References are the depends_on templates that are part of the batch.
	References []string
	// Handoffs are the messages consumed from upstream templates.
	Handoffs []bus.Handoff
}

// Generator produces one artifact from a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Artifact, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request) (*Artifact, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*Artifact, error) {
	return f(ctx, req)
}

// GeneratorName is recorded in generated_by by VariantGenerator.
const GeneratorName = "agentforge/variant"

// VariantGenerator is the built-in deterministic generator. Output depends
// only on the profile, the descriptor and the consumed handoffs.
type VariantGenerator struct{}

// Generate implements Generator.
func (VariantGenerator) Generate(ctx context.Context, req Request) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, p := req.Descriptor, req.Profile
	if d == nil || p == nil {
		return nil, fmt.Errorf("descriptor and profile are required")
	}

	instructions, err := variantInstructions(d, p)
	if err != nil {
		return nil, err
	}
	for _, ref := range req.References {
		instructions = append(instructions, fmt.Sprintf("Coordinate with %s and honor its published capabilities.", ref))
	}

	a := &Artifact{
		TemplateID:   d.ID,
		Name:         d.Name,
		Variant:      d.Variant,
		Description:  d.Description,
		Capabilities: d.Capabilities(),
		Permissions:  append([]string(nil), d.Permissions...),
		Tools:        append([]string(nil), d.Resources.Tools...),
		References:   append([]string(nil), req.References...),
		Instructions: instructions,
		Context: map[string]string{
			"languages":    joinOrNone(p.Languages),
			"frameworks":   joinOrNone(p.Frameworks),
			"architecture": string(p.Architecture),
			"scale":        string(p.Scale()),
			"complexity":   fmt.Sprintf("%.2f", p.Complexity),
		},
		Budget:      Budget{Tokens: d.Resources.TokenBudget},
		GeneratedBy: GeneratorName,
	}

	for _, h := range req.Handoffs {
		a.Inputs = append(a.Inputs, Input{From: strings.TrimPrefix(h.FromID, req.RunID+"."), Digest: fsutil.SHA256Hex(h.Payload)})
	}
	sort.Slice(a.Inputs, func(i, j int) bool { return a.Inputs[i].From < a.Inputs[j].From })
	return a, nil
}

func variantInstructions(d *catalog.Descriptor, p *profile.Profile) ([]string, error) {
	langs := joinOrNone(intersect(d.Languages, p.Languages))
	fws := joinOrNone(intersect(d.Frameworks, p.Frameworks))

	switch d.Variant {
	case catalog.VariantBackend:
		return []string{
			fmt.Sprintf("Implement server-side changes in %s.", langs),
			fmt.Sprintf("Follow the conventions of %s.", fws),
			"Keep handlers thin and push logic into testable packages.",
		}, nil
	case catalog.VariantFrontend:
		return []string{
			fmt.Sprintf("Build UI components with %s.", fws),
			"Keep components small and colocate their styles and tests.",
		}, nil
	case catalog.VariantTesting:
		return []string{
			fmt.Sprintf("Write tests in %s for every public behavior.", langs),
			"Prefer table-driven cases and cover error paths.",
		}, nil
	case catalog.VariantSecurity:
		return []string{
			fmt.Sprintf("Audit the %d declared dependencies for known vulnerabilities.", len(p.Dependencies)),
			"Flag secrets, unsafe deserialization and missing input validation.",
		}, nil
	case catalog.VariantDevOps:
		return []string{
			fmt.Sprintf("Maintain build and release pipelines for a %s %s codebase.", p.Scale(), p.Architecture),
			"Make every pipeline step reproducible locally.",
		}, nil
	case catalog.VariantDocs:
		return []string{
			"Keep the README and architecture notes in sync with the code.",
			fmt.Sprintf("Document setup for %s.", joinOrNone(p.Languages)),
		}, nil
	case catalog.VariantData:
		return []string{
			"Own schema definitions and write forward-only migrations.",
			"Review every query change for index usage.",
		}, nil
	case catalog.VariantArchitecture:
		return []string{
			fmt.Sprintf("Review boundaries of the %s architecture.", p.Architecture),
			"Record decisions with their context and consequences.",
		}, nil
	}
	return nil, fmt.Errorf("no generator for variant %q", d.Variant)
}

func intersect(declared, present []string) []string {
	if len(declared) == 0 {
		return append([]string(nil), present...)
	}
	var out []string
	for _, d := range declared {
		for _, p := range present {
			if strings.EqualFold(d, p) {
				out = append(out, p)
			}
		}
	}
	if len(out) == 0 {
		return append([]string(nil), declared...)
	}
	return out
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
