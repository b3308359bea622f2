// Package selector ranks catalog templates against a project profile.
//
// Select is a pure function: the same profile, catalog and config always
// produce the same ordered matches.
package selector

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/p-blackswan/agentforge/internal/catalog"
	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/profile"
)

// Criterion weights. They sum to 1 so the score stays within [0,1].
const (
	WeightCompatibility = 0.40
	WeightComplexity    = 0.25
	WeightScale         = 0.20
	WeightHistory       = 0.15
)

// Breakdown keys.
const (
	CriterionCompatibility = "compatibility"
	CriterionComplexity    = "complexity"
	CriterionScale         = "scale"
	CriterionHistory       = "history"
)

const (
	defaultTargetComplexity = 0.5
	defaultSuccessRate      = 0.5
)

// Config controls the inclusion cutoff.
type Config struct {
	Threshold float64 // minimum score, inclusive
	TopK      int     // 0 = unbounded
}

// DefaultConfig returns the standard cutoff.
func DefaultConfig() Config {
	return Config{Threshold: 0.5}
}

// Match is one selected template with its score.
type Match struct {
	TemplateID   string             `json:"template_id"`
	Score        float64            `json:"score"`
	Breakdown    map[string]float64 `json:"breakdown"`
	Confidence   float64            `json:"confidence"`
	BasePriority int                `json:"base_priority"`
}

// Clone returns a deep copy.
func (m Match) Clone() Match {
	out := m
	out.Breakdown = make(map[string]float64, len(m.Breakdown))
	for k, v := range m.Breakdown {
		out.Breakdown[k] = v
	}
	return out
}

// Select scores every eligible template, applies the threshold and top-K
// cutoffs, and rejects dependency cycles among the survivors.
func Select(p *profile.Profile, c *catalog.Catalog, cfg Config) ([]Match, error) {
	if p == nil || c == nil {
		return nil, ferrors.Selection("select", fmt.Errorf("profile and catalog are required"))
	}

	var scored []Match
	for _, d := range c.Templates() {
		if !d.Eligible(p) {
			continue
		}
		scored = append(scored, Score(p, d))
	}

	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.BasePriority != b.BasePriority {
			return a.BasePriority > b.BasePriority
		}
		return a.TemplateID < b.TemplateID
	})

	var out []Match
	for _, m := range scored {
		if m.Score < cfg.Threshold {
			continue
		}
		out = append(out, m)
		if cfg.TopK > 0 && len(out) == cfg.TopK {
			break
		}
	}
	if len(out) == 0 {
		return nil, ferrors.Selection("select", ferrors.ErrNoViableTemplates)
	}

	if cycle := findCycle(out, c); len(cycle) > 0 {
		return nil, ferrors.Selection("select",
			fmt.Errorf("%w: %s", ferrors.ErrDependencyCycle, strings.Join(cycle, " -> ")))
	}
	return out, nil
}

// Score computes the weighted criteria for one descriptor. Rules are not
// evaluated here.
func Score(p *profile.Profile, d *catalog.Descriptor) Match {
	compat := 0.6*dimension(d.Languages, p.HasLanguage) + 0.4*dimension(d.Frameworks, p.HasFramework)

	target := defaultTargetComplexity
	if d.TargetComplexity != nil {
		target = *d.TargetComplexity
	}
	complexity := 1 - math.Abs(target-p.Complexity)

	history := defaultSuccessRate
	if d.SuccessRate != nil {
		history = *d.SuccessRate
	}

	breakdown := map[string]float64{
		CriterionCompatibility: WeightCompatibility * clamp01(compat),
		CriterionComplexity:    WeightComplexity * clamp01(complexity),
		CriterionScale:         WeightScale * scaleFit(d.Scales, p.Scale()),
		CriterionHistory:       WeightHistory * clamp01(history),
	}
	score := 0.0
	for _, k := range []string{CriterionCompatibility, CriterionComplexity, CriterionScale, CriterionHistory} {
		score += breakdown[k]
	}

	return Match{
		TemplateID:   d.ID,
		Score:        clamp01(score),
		Breakdown:    breakdown,
		Confidence:   confidence(p, d),
		BasePriority: d.BasePriority,
	}
}

// dimension is 1 when nothing is declared or any declared value is present.
func dimension(declared []string, has func(string) bool) float64 {
	if len(declared) == 0 {
		return 1
	}
	for _, v := range declared {
		if has(v) {
			return 1
		}
	}
	return 0
}

func scaleFit(declared []profile.Scale, actual profile.Scale) float64 {
	if len(declared) == 0 {
		return 1
	}
	best := 0.0
	for _, s := range declared {
		switch diff := s.Rank() - actual.Rank(); {
		case diff == 0:
			return 1
		case diff == 1 || diff == -1:
			best = 0.5
		}
	}
	return best
}

// confidence grows with the number of explicit criteria the descriptor
// declares and shrinks when the profile carries little evidence.
func confidence(p *profile.Profile, d *catalog.Descriptor) float64 {
	explicit := 0
	if len(d.Languages) > 0 {
		explicit++
	}
	if len(d.Frameworks) > 0 {
		explicit++
	}
	if d.TargetComplexity != nil {
		explicit++
	}
	if len(d.Scales) > 0 {
		explicit++
	}
	evidence := 0.6
	if len(p.Languages) > 0 {
		evidence = 1.0
	}
	return clamp01((0.4 + 0.15*float64(explicit)) * evidence)
}

// findCycle walks depends_on edges restricted to the selected set and
// returns the first cycle found, in ID order.
func findCycle(selected []Match, c *catalog.Catalog) []string {
	in := make(map[string]bool, len(selected))
	ids := make([]string, 0, len(selected))
	for _, m := range selected {
		in[m.TemplateID] = true
		ids = append(ids, m.TemplateID)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		d, _ := c.Get(id)
		deps := append([]string(nil), d.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if !in[dep] {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, id := range ids {
		if state[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
