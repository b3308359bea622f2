package validation

import (
	"fmt"
	"sort"
	"time"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
)

// Severity decides whether a finding blocks commit.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// Finding is one validator result against one artifact.
type Finding struct {
	Validator  string       `json:"validator"`
	Severity   Severity     `json:"severity"`
	TemplateID string       `json:"template_id"`
	Kind       ferrors.Kind `json:"kind,omitempty"`
	Message    string       `json:"message"`
}

func (f Finding) String() string {
	return fmt.Sprintf("%s/%s: %s", f.TemplateID, f.Validator, f.Message)
}

// ArtifactReport collects the outcome of the chain for one artifact.
type ArtifactReport struct {
	TemplateID       string    `json:"template_id"`
	Required         bool      `json:"required"`
	Passed           []string  `json:"passed,omitempty"`
	BlockingFailures []Finding `json:"blocking_failures,omitempty"`
	Warnings         []Finding `json:"warnings,omitempty"`
}

// Failed reports whether any blocking validator failed.
func (a ArtifactReport) Failed() bool { return len(a.BlockingFailures) > 0 }

// Report is the outcome of validating a set of artifacts.
type Report struct {
	Artifacts   []ArtifactReport `json:"artifacts"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

// Get returns the report for one template.
func (r *Report) Get(templateID string) (ArtifactReport, bool) {
	if r == nil {
		return ArtifactReport{}, false
	}
	i := sort.Search(len(r.Artifacts), func(i int) bool { return r.Artifacts[i].TemplateID >= templateID })
	if i < len(r.Artifacts) && r.Artifacts[i].TemplateID == templateID {
		return r.Artifacts[i], true
	}
	return ArtifactReport{}, false
}

// BlockingFailed reports whether templateID failed a blocking validator.
func (r *Report) BlockingFailed(templateID string) bool {
	a, ok := r.Get(templateID)
	return ok && a.Failed()
}

// RequiredFailures lists required templates that failed blocking validation.
func (r *Report) RequiredFailures() []string {
	var out []string
	for _, a := range r.Artifacts {
		if a.Required && a.Failed() {
			out = append(out, a.TemplateID)
		}
	}
	return out
}

// Passing lists templates with no blocking failure.
func (r *Report) Passing() []string {
	var out []string
	for _, a := range r.Artifacts {
		if !a.Failed() {
			out = append(out, a.TemplateID)
		}
	}
	return out
}

// Warnings flattens every advisory finding.
func (r *Report) Warnings() []Finding {
	var out []Finding
	for _, a := range r.Artifacts {
		out = append(out, a.Warnings...)
	}
	return out
}

// Summary renders a one-line overview.
func (r *Report) Summary() string {
	passed, failed, warnings := 0, 0, 0
	for _, a := range r.Artifacts {
		if a.Failed() {
			failed++
		} else {
			passed++
		}
		warnings += len(a.Warnings)
	}
	return fmt.Sprintf("%d artifacts: %d passed, %d blocking-failed, %d warnings", len(r.Artifacts), passed, failed, warnings)
}

// Clone returns a deep copy.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	out := *r
	out.Artifacts = make([]ArtifactReport, len(r.Artifacts))
	for i, a := range r.Artifacts {
		a.Passed = append([]string(nil), a.Passed...)
		a.BlockingFailures = append([]Finding(nil), a.BlockingFailures...)
		a.Warnings = append([]Finding(nil), a.Warnings...)
		out.Artifacts[i] = a
	}
	return &out
}
