// Package profile describes the analyzed shape of a target project.
//
// A Profile is produced once per workflow run by an Analyzer and is treated
// as immutable afterwards: consumers receive clones, never the original.
package profile

import (
	"context"
	"sort"
	"strings"
	"time"
)

// Architecture is the coarse structural pattern detected for a project.
type Architecture string

const (
	ArchMonolith      Architecture = "monolith"
	ArchMicroservices Architecture = "microservices"
	ArchModular       Architecture = "modular"
	ArchUnknown       Architecture = "unknown"
)

// Valid reports whether a is one of the known architectures.
func (a Architecture) Valid() bool {
	switch a {
	case ArchMonolith, ArchMicroservices, ArchModular, ArchUnknown:
		return true
	}
	return false
}

// Scale buckets a project by size.
type Scale string

const (
	ScaleSmall  Scale = "small"
	ScaleMedium Scale = "medium"
	ScaleLarge  Scale = "large"
)

// Rank orders scales so adjacency can be computed.
func (s Scale) Rank() int {
	switch s {
	case ScaleSmall:
		return 0
	case ScaleMedium:
		return 1
	case ScaleLarge:
		return 2
	}
	return -1
}

// Profile is an immutable snapshot of a project's technology and scale.
type Profile struct {
	Root         string            `json:"root"`
	Languages    []string          `json:"languages"`
	Frameworks   []string          `json:"frameworks"`
	Architecture Architecture      `json:"architecture"`
	Complexity   float64           `json:"complexity_score"`
	FileCount    int               `json:"file_count"`
	LOC          int               `json:"loc"`
	Dependencies map[string]string `json:"dependency_graph"`
	AnalyzedAt   time.Time         `json:"analyzed_at"`
}

// New builds a normalized profile: language and framework sets are
// lower-cased, de-duplicated and sorted, complexity is clipped to [0,1].
func New(p Profile) *Profile {
	out := p
	out.Languages = normalizeSet(p.Languages)
	out.Frameworks = normalizeSet(p.Frameworks)
	if !out.Architecture.Valid() {
		out.Architecture = ArchUnknown
	}
	out.Complexity = clamp01(p.Complexity)
	out.Dependencies = make(map[string]string, len(p.Dependencies))
	for name, version := range p.Dependencies {
		out.Dependencies[name] = version
	}
	if out.AnalyzedAt.IsZero() {
		out.AnalyzedAt = time.Now().UTC()
	}
	return &out
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.Languages = append([]string(nil), p.Languages...)
	out.Frameworks = append([]string(nil), p.Frameworks...)
	out.Dependencies = make(map[string]string, len(p.Dependencies))
	for name, version := range p.Dependencies {
		out.Dependencies[name] = version
	}
	return &out
}

// HasLanguage reports whether lang was detected (case-insensitive).
func (p *Profile) HasLanguage(lang string) bool {
	return containsFold(p.Languages, lang)
}

// HasFramework reports whether framework was detected (case-insensitive).
func (p *Profile) HasFramework(framework string) bool {
	return containsFold(p.Frameworks, framework)
}

// HasDependency reports whether the dependency graph names dep.
func (p *Profile) HasDependency(dep string) bool {
	_, ok := p.Dependencies[dep]
	return ok
}

// Scale derives the size bucket from lines of code.
func (p *Profile) Scale() Scale {
	switch {
	case p.LOC < 5_000:
		return ScaleSmall
	case p.LOC < 50_000:
		return ScaleMedium
	default:
		return ScaleLarge
	}
}

// IsEmpty is true when analysis found nothing to profile.
func (p *Profile) IsEmpty() bool {
	return p == nil || (p.FileCount == 0 && len(p.Languages) == 0)
}

// Analyzer inspects a project directory and produces its profile.
type Analyzer interface {
	Analyze(ctx context.Context, root string) (*Profile, error)
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, root string) (*Profile, error)

// Analyze calls f.
func (f AnalyzerFunc) Analyze(ctx context.Context, root string) (*Profile, error) {
	return f(ctx, root)
}

func normalizeSet(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
