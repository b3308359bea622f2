package orchestrator

import (
	"fmt"
	"time"

	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/generation"
	"github.com/p-blackswan/agentforge/internal/profile"
	"github.com/p-blackswan/agentforge/internal/selector"
	"github.com/p-blackswan/agentforge/internal/validation"
)

// Phase is a WorkflowRun lifecycle state.
type Phase string

const (
	PhaseAnalysis   Phase = "ANALYSIS"
	PhaseSelection  Phase = "SELECTION"
	PhaseGeneration Phase = "GENERATION"
	PhaseValidation Phase = "VALIDATION"
	PhaseCommitted  Phase = "COMMITTED"
	PhaseFailed     Phase = "FAILED"
)

// transitions lists the legal successors of each phase. FAILED is
// reachable from every non-terminal phase.
var transitions = map[Phase][]Phase{
	PhaseAnalysis:   {PhaseSelection, PhaseFailed},
	PhaseSelection:  {PhaseGeneration, PhaseFailed},
	PhaseGeneration: {PhaseValidation, PhaseFailed},
	PhaseValidation: {PhaseCommitted, PhaseFailed},
}

// Terminal reports whether no transition leaves p.
func (p Phase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseFailed
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to Phase) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PhaseTransition is one entry of a run's history. The first entry has an
// empty From.
type PhaseTransition struct {
	From Phase     `json:"from,omitempty"`
	To   Phase     `json:"to"`
	At   time.Time `json:"at"`
}

// CommittedArtifact is one file written into the configuration tree.
type CommittedArtifact struct {
	TemplateID  string `json:"template_id"`
	Path        string `json:"path"`
	ContentHash string `json:"content_hash"`
	// Unchanged is set when the file already held identical content.
	Unchanged bool `json:"unchanged,omitempty"`
}

// Failure describes why a run ended FAILED.
type Failure struct {
	Kind   ferrors.Kind `json:"kind"`
	Reason string       `json:"reason"`
	Cause  string       `json:"cause,omitempty"`
}

// Failure reasons recorded on runs.
const (
	ReasonCancelled = "cancelled"
)

// WorkflowRun is the aggregate the orchestrator drives through its phases.
// Values handed out by the orchestrator are deep copies.
type WorkflowRun struct {
	RunID       string                    `json:"run_id"`
	ProjectPath string                    `json:"project_path"`
	Phase       Phase                     `json:"phase"`
	Profile     *profile.Profile          `json:"profile,omitempty"`
	Matches     []selector.Match          `json:"matches,omitempty"`
	Tasks       []generation.TaskSnapshot `json:"tasks,omitempty"`
	Report      *validation.Report        `json:"report,omitempty"`
	Committed   []CommittedArtifact       `json:"committed,omitempty"`
	Warnings    []string                  `json:"warnings,omitempty"`
	Failure     *Failure                  `json:"failure,omitempty"`
	History     []PhaseTransition         `json:"history"`
	CreatedAt   time.Time                 `json:"created_at"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (r WorkflowRun) Clone() WorkflowRun {
	out := r
	out.Profile = r.Profile.Clone()
	if r.Matches != nil {
		out.Matches = make([]selector.Match, len(r.Matches))
		for i, m := range r.Matches {
			out.Matches[i] = m.Clone()
		}
	}
	if r.Tasks != nil {
		out.Tasks = make([]generation.TaskSnapshot, len(r.Tasks))
		for i, t := range r.Tasks {
			out.Tasks[i] = t.Clone()
		}
	}
	out.Report = r.Report.Clone()
	out.Committed = append([]CommittedArtifact(nil), r.Committed...)
	out.Warnings = append([]string(nil), r.Warnings...)
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	out.History = append([]PhaseTransition(nil), r.History...)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// Succeeded is true for COMMITTED runs.
func (r WorkflowRun) Succeeded() bool { return r.Phase == PhaseCommitted }

// EnteredAt returns when the run entered phase, if it did.
func (r WorkflowRun) EnteredAt(phase Phase) (time.Time, bool) {
	for _, h := range r.History {
		if h.To == phase {
			return h.At, true
		}
	}
	return time.Time{}, false
}

// Task returns the generation task of one template.
func (r WorkflowRun) Task(templateID string) (generation.TaskSnapshot, bool) {
	for _, t := range r.Tasks {
		if t.TemplateID == templateID {
			return t, true
		}
	}
	return generation.TaskSnapshot{}, false
}

// advance moves the run to the next phase.
func (r *WorkflowRun) advance(to Phase, at time.Time) error {
	if !CanTransition(r.Phase, to) {
		return fmt.Errorf("%w: %s -> %s", ferrors.ErrInvalidTransition, r.Phase, to)
	}
	r.History = append(r.History, PhaseTransition{From: r.Phase, To: to, At: at})
	r.Phase = to
	if to.Terminal() {
		done := at
		r.CompletedAt = &done
	}
	return nil
}

// fail moves the run to FAILED with err's classification.
func (r *WorkflowRun) fail(err error, reason string, at time.Time) error {
	if reason == "" {
		reason = err.Error()
	}
	f := &Failure{Kind: ferrors.KindOf(err), Reason: reason}
	if cause := ferrors.Cause(err); cause != nil && cause.Error() != err.Error() {
		f.Cause = cause.Error()
	}
	if err := r.advance(PhaseFailed, at); err != nil {
		return err
	}
	r.Failure = f
	return nil
}
