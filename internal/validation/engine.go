// Package validation runs the validator chain over a batch of artifacts and
// produces a report that decides what may be committed.
package validation

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/agentforge/internal/catalog"
	"github.com/p-blackswan/agentforge/internal/generation"
	"github.com/p-blackswan/agentforge/internal/metrics"
)

// Input is one artifact handed to the engine.
type Input struct {
	TemplateID string
	Descriptor *catalog.Descriptor
	Required   bool
	Data       []byte
}

// Engine validates artifacts concurrently with an ordered validator chain.
type Engine struct {
	validators  []Validator
	workers     int
	tokenBudget int
	now         func() time.Time
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithValidators replaces the validator chain.
func WithValidators(v ...Validator) Option {
	return func(e *Engine) { e.validators = v }
}

// WithWorkers bounds per-artifact concurrency.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithTokenBudget sets the per-run token budget checked by Resources.
func WithTokenBudget(n int) Option {
	return func(e *Engine) { e.tokenBudget = n }
}

// WithClock overrides the clock used for report timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l.With().Str("component", "validation").Logger() }
}

// WithMetrics records findings.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// DefaultValidators is the standard chain in evaluation order.
func DefaultValidators() []Validator {
	return []Validator{Syntax{}, Semantic{}, Permission{}, Compatibility{}, Resources{}}
}

// New builds an engine with the default chain unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{
		validators: DefaultValidators(),
		workers:    4,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate runs every validator against every artifact; no validator
// short-circuits another. Artifacts are validated concurrently.
func (e *Engine) Validate(ctx context.Context, inputs []Input) (*Report, error) {
	started := e.now()

	targets := make([]*Target, len(inputs))
	for i, in := range inputs {
		t := &Target{
			TemplateID: in.TemplateID,
			Descriptor: in.Descriptor,
			Required:   in.Required,
			Data:       in.Data,
		}
		t.Artifact, t.DecodeErr = generation.DecodeArtifact(in.Data)
		if t.DecodeErr != nil {
			t.Artifact = nil
		}
		targets[i] = t
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].TemplateID < targets[j].TemplateID })
	set := newSet(targets, e.tokenBudget)

	results := make([]ArtifactReport, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, t := range targets {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.validateOne(gctx, t, set)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Artifacts: results, StartedAt: started, CompletedAt: e.now()}
	e.logger.Info().Str("summary", report.Summary()).Msg("validation complete")
	return report, nil
}

func (e *Engine) validateOne(ctx context.Context, t *Target, set *Set) ArtifactReport {
	r := ArtifactReport{TemplateID: t.TemplateID, Required: t.Required}
	for _, v := range e.validators {
		if av, ok := v.(artifactValidator); ok && av.RequiresArtifact() && t.Artifact == nil {
			continue
		}
		msgs := v.Validate(ctx, t, set)
		if len(msgs) == 0 {
			r.Passed = append(r.Passed, v.Name())
			continue
		}
		for _, msg := range msgs {
			f := Finding{
				Validator:  v.Name(),
				Severity:   v.Severity(),
				TemplateID: t.TemplateID,
				Kind:       findingKind(v),
				Message:    msg,
			}
			if v.Severity() == SeverityBlocking {
				r.BlockingFailures = append(r.BlockingFailures, f)
			} else {
				r.Warnings = append(r.Warnings, f)
			}
			e.metrics.RecordFinding(v.Name(), string(v.Severity()))
		}
	}
	return r
}
