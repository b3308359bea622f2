// Package orchestrator drives a WorkflowRun through analysis, selection,
// generation and validation, then commits or rolls back its artifacts.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/catalog"
	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/fsutil"
	"github.com/p-blackswan/agentforge/internal/generation"
	"github.com/p-blackswan/agentforge/internal/metrics"
	"github.com/p-blackswan/agentforge/internal/profile"
	"github.com/p-blackswan/agentforge/internal/selector"
	"github.com/p-blackswan/agentforge/internal/store"
	"github.com/p-blackswan/agentforge/internal/validation"
)

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("orchestrator is closed")
	// ErrRunActive is returned when deleting a run that has not finished.
	ErrRunActive = errors.New("run is still active")
)

const persistTimeout = 5 * time.Second

// RunStore persists run snapshots. *store.Store implements it.
type RunStore interface {
	SaveRun(ctx context.Context, rec *store.Record) error
	GetRun(ctx context.Context, runID string) (*store.Record, error)
	ListRuns(ctx context.Context, opts store.ListOptions) ([]*store.Record, error)
	DeleteRun(ctx context.Context, runID string) error
}

// QueueCleaner removes a participant's handoff queue. *bus.Bus implements it.
type QueueCleaner interface {
	RemoveQueue(to string) error
}

// Config tunes the pipeline.
type Config struct {
	// ConfigDir is where artifacts land, relative to the project root.
	ConfigDir         string
	Selection         selector.Config
	PhaseTimeout      time.Duration
	ValidationWorkers int
	TokenBudget       int
	EmitterBuffer     int
}

// Deps are the orchestrator's collaborators. Store, Publisher, Queues and
// Metrics are optional.
type Deps struct {
	Analyzer  profile.Analyzer
	Catalog   *catalog.Catalog
	Pool      *generation.Pool
	Staging   *generation.Staging
	Store     RunStore
	Publisher bus.Publisher
	Queues    QueueCleaner
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
	Clock     func() time.Time
}

// Orchestrator owns the live runs of one process.
type Orchestrator struct {
	cfg       Config
	analyzer  profile.Analyzer
	catalog   *catalog.Catalog
	pool      *generation.Pool
	staging   *generation.Staging
	store     RunStore
	queues    QueueCleaner
	validator *validation.Engine
	emitter   *emitter
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	base   context.Context
	stop   context.CancelFunc
	mu     sync.RWMutex
	live   map[string]*liveRun
	wg     sync.WaitGroup
	closed atomic.Bool
}

type liveRun struct {
	mu     sync.RWMutex
	run    WorkflowRun
	cancel context.CancelFunc
	done   chan struct{}
	// entered is when the current phase began.
	entered time.Time
}

func (l *liveRun) snapshot() WorkflowRun {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.run.Clone()
}

func (l *liveRun) update(fn func(r *WorkflowRun)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.run)
}

// New wires an orchestrator. The pool must be started by the caller.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("orchestrator: analyzer is required")
	case deps.Catalog == nil:
		return nil, fmt.Errorf("orchestrator: catalog is required")
	case deps.Pool == nil || deps.Staging == nil:
		return nil, fmt.Errorf("orchestrator: generation pool and staging are required")
	}
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = ".agents"
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 5 * time.Minute
	}
	if cfg.Selection == (selector.Config{}) {
		cfg.Selection = selector.DefaultConfig()
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	pub := deps.Publisher
	if pub == nil {
		pub = nopPublisher{}
	}
	logger := deps.Logger.With().Str("component", "orchestrator").Logger()

	base, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		analyzer: deps.Analyzer,
		catalog:  deps.Catalog,
		pool:     deps.Pool,
		staging:  deps.Staging,
		store:    deps.Store,
		queues:   deps.Queues,
		metrics:  deps.Metrics,
		logger:   logger,
		now:      now,
		base:     base,
		stop:     stop,
		live:     make(map[string]*liveRun),
	}
	o.validator = o.newEngine()
	o.emitter = newEmitter(pub, cfg.EmitterBuffer, deps.Logger, deps.Metrics)
	return o, nil
}

func (o *Orchestrator) newEngine(extra ...validation.Validator) *validation.Engine {
	return validation.New(
		validation.WithValidators(append(validation.DefaultValidators(), extra...)...),
		validation.WithWorkers(o.cfg.ValidationWorkers),
		validation.WithTokenBudget(o.cfg.TokenBudget),
		validation.WithClock(o.now),
		validation.WithLogger(o.logger),
		validation.WithMetrics(o.metrics),
	)
}

// Catalog returns the template catalog in use.
func (o *Orchestrator) Catalog() *catalog.Catalog { return o.catalog }

// Start registers a run in ANALYSIS and drives it asynchronously. The run
// outlives ctx; use Cancel to stop it.
func (o *Orchestrator) Start(ctx context.Context, projectPath string) (string, error) {
	if o.closed.Load() {
		return "", ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return "", ferrors.Analysis("resolve project path", err)
	}

	now := o.now()
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(o.base)
	lr := &liveRun{
		run: WorkflowRun{
			RunID:       runID,
			ProjectPath: abs,
			Phase:       PhaseAnalysis,
			History:     []PhaseTransition{{To: PhaseAnalysis, At: now}},
			CreatedAt:   now,
		},
		cancel:  cancel,
		done:    make(chan struct{}),
		entered: now,
	}

	o.mu.Lock()
	o.live[runID] = lr
	o.mu.Unlock()

	o.metrics.RunStarted()
	snap := lr.snapshot()
	o.persist(snap)
	o.emit(snap, "run started for "+abs)
	o.logger.Info().Str("run_id", runID).Str("project", abs).Msg("run started")

	o.wg.Add(1)
	go o.execute(runCtx, lr)
	return runID, nil
}

// Run starts a run and waits for it. A FAILED run is returned with a nil
// error; the error reports only that the run could not be driven. If ctx
// ends first the run is cancelled and its final state returned.
func (o *Orchestrator) Run(ctx context.Context, projectPath string) (WorkflowRun, error) {
	runID, err := o.Start(ctx, projectPath)
	if err != nil {
		return WorkflowRun{}, err
	}
	run, err := o.Wait(ctx, runID)
	if err == nil {
		return run, nil
	}
	_ = o.Cancel(context.WithoutCancel(ctx), runID)
	return o.Wait(context.WithoutCancel(ctx), runID)
}

// Wait blocks until the run is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (WorkflowRun, error) {
	lr, ok := o.lookup(runID)
	if !ok {
		return o.GetStatus(ctx, runID)
	}
	select {
	case <-lr.done:
		return lr.snapshot(), nil
	case <-ctx.Done():
		return lr.snapshot(), ctx.Err()
	}
}

// GetStatus returns a snapshot of a live run, falling back to the store.
func (o *Orchestrator) GetStatus(ctx context.Context, runID string) (WorkflowRun, error) {
	if lr, ok := o.lookup(runID); ok {
		return lr.snapshot(), nil
	}
	if o.store == nil {
		return WorkflowRun{}, fmt.Errorf("run %s: %w", runID, ferrors.ErrRunNotFound)
	}
	rec, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return WorkflowRun{}, err
	}
	return decodeRun(rec)
}

// List returns known runs, newest first. limit <= 0 means all.
func (o *Orchestrator) List(ctx context.Context, limit int) ([]WorkflowRun, error) {
	byID := make(map[string]WorkflowRun)
	if o.store != nil {
		recs, err := o.store.ListRuns(ctx, store.ListOptions{Limit: limit})
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			run, err := decodeRun(rec)
			if err != nil {
				o.logger.Warn().Err(err).Str("run_id", rec.RunID).Msg("skipping undecodable run")
				continue
			}
			byID[run.RunID] = run
		}
	}
	o.mu.RLock()
	for id, lr := range o.live {
		byID[id] = lr.snapshot()
	}
	o.mu.RUnlock()

	out := make([]WorkflowRun, 0, len(byID))
	for _, run := range byID {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Cancel asks a live run to stop. The run ends FAILED with reason
// "cancelled" once its current phase observes the request. A finished run,
// live or persisted, yields ErrInvalidTransition.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	lr, ok := o.lookup(runID)
	if !ok {
		run, err := o.GetStatus(ctx, runID)
		if err != nil {
			return fmt.Errorf("cancel %s: %w", runID, err)
		}
		return fmt.Errorf("cancel %s: %w: run is %s", runID, ferrors.ErrInvalidTransition, run.Phase)
	}
	if phase := lr.snapshot().Phase; phase.Terminal() {
		return fmt.Errorf("cancel %s: %w: run is %s", runID, ferrors.ErrInvalidTransition, phase)
	}
	lr.cancel()
	o.logger.Info().Str("run_id", runID).Msg("run cancellation requested")
	return nil
}

// Delete forgets a finished run.
func (o *Orchestrator) Delete(ctx context.Context, runID string) error {
	lr, live := o.lookup(runID)
	if live && !lr.snapshot().Phase.Terminal() {
		return fmt.Errorf("delete %s: %w", runID, ErrRunActive)
	}
	if live {
		o.mu.Lock()
		delete(o.live, runID)
		o.mu.Unlock()
	}
	if o.store == nil {
		if !live {
			return fmt.Errorf("delete %s: %w", runID, ferrors.ErrRunNotFound)
		}
		return nil
	}
	err := o.store.DeleteRun(ctx, runID)
	if live && errors.Is(err, ferrors.ErrRunNotFound) {
		return nil
	}
	return err
}

// Close cancels in-flight runs, waits for them to reach a terminal phase
// and drains pending events.
func (o *Orchestrator) Close() error {
	if o.closed.Swap(true) {
		return nil
	}
	o.stop()
	o.wg.Wait()
	o.emitter.close()
	return nil
}

func (o *Orchestrator) lookup(runID string) (*liveRun, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	lr, ok := o.live[runID]
	return lr, ok
}

func (o *Orchestrator) execute(ctx context.Context, lr *liveRun) {
	defer o.wg.Done()
	defer close(lr.done)
	defer lr.cancel()

	runID := lr.snapshot().RunID
	log := o.logger.With().Str("run_id", runID).Logger()

	if err := o.pipeline(ctx, lr, log); err != nil {
		o.failRun(lr, err, log)
	}
	o.cleanup(lr, log)

	final := lr.snapshot()
	o.metrics.RunFinished()
	o.metrics.RecordRun(strings.ToLower(string(final.Phase)))
	if o.persist(final) {
		// the store now serves this run
		o.mu.Lock()
		delete(o.live, runID)
		o.mu.Unlock()
	}
	log.Info().Str("phase", string(final.Phase)).Msg("run finished")
}

func (o *Orchestrator) pipeline(ctx context.Context, lr *liveRun, log zerolog.Logger) error {
	// ANALYSIS
	if err := ctx.Err(); err != nil {
		return cancelled(PhaseAnalysis)
	}
	prof, err := o.analyzer.Analyze(ctx, lr.snapshot().ProjectPath)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(PhaseAnalysis)
		}
		if !ferrors.IsKind(err, ferrors.KindAnalysis) {
			err = ferrors.Analysis("analyze", err)
		}
		return err
	}
	if prof.IsEmpty() {
		return ferrors.Analysis("analyze", ferrors.ErrEmptyProfile)
	}
	lr.update(func(r *WorkflowRun) { r.Profile = prof.Clone() })
	if err := o.transition(lr, PhaseSelection, profileSummary(prof)); err != nil {
		return err
	}

	// SELECTION
	if ctx.Err() != nil {
		return cancelled(PhaseSelection)
	}
	matches, err := selector.Select(prof, o.catalog, o.cfg.Selection)
	if err != nil {
		return err
	}
	lr.update(func(r *WorkflowRun) {
		r.Matches = make([]selector.Match, len(matches))
		for i, m := range matches {
			r.Matches[i] = m.Clone()
		}
	})
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.TemplateID
	}
	if err := o.transition(lr, PhaseGeneration, fmt.Sprintf("selected %d templates: %s", len(ids), strings.Join(ids, ", "))); err != nil {
		return err
	}

	// GENERATION
	if ctx.Err() != nil {
		return cancelled(PhaseGeneration)
	}
	runID := lr.snapshot().RunID
	tasks, err := o.generate(ctx, runID, prof, matches, log)
	lr.update(func(r *WorkflowRun) {
		r.Tasks = tasks
		r.Warnings = append(r.Warnings, taskWarnings(tasks)...)
	})
	if err != nil {
		return err
	}
	succeeded := 0
	for _, t := range tasks {
		if t.Status == generation.StatusSucceeded {
			succeeded++
		}
	}
	if err := o.transition(lr, PhaseValidation, fmt.Sprintf("generated %d of %d artifacts", succeeded, len(tasks))); err != nil {
		return err
	}

	// VALIDATION
	report, err := o.validate(ctx, runID, tasks)
	if err != nil {
		return err
	}
	lr.update(func(r *WorkflowRun) {
		r.Report = report.Clone()
		for _, f := range report.Warnings() {
			r.Warnings = append(r.Warnings, f.String())
		}
	})
	if err := requiredFailures(tasks, report); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return cancelled(PhaseValidation)
	}

	items, warnings, err := o.commitSet(runID, tasks, report)
	lr.update(func(r *WorkflowRun) { r.Warnings = append(r.Warnings, warnings...) })
	if err != nil {
		return err
	}

	dir := filepath.Join(lr.snapshot().ProjectPath, o.cfg.ConfigDir)
	committed, err := commit(dir, runID, items, o.now())
	if err != nil {
		return ferrors.New(ferrors.KindInternal, "commit", err)
	}
	unchanged := 0
	for _, c := range committed {
		if c.Unchanged {
			unchanged++
		}
	}
	lr.update(func(r *WorkflowRun) { r.Committed = committed })
	return o.transition(lr, PhaseCommitted, fmt.Sprintf("committed %d artifacts (%d unchanged)", len(committed), unchanged))
}

// generate runs the GENERATION barrier. Tasks are returned even on error.
func (o *Orchestrator) generate(ctx context.Context, runID string, prof *profile.Profile, matches []selector.Match, log zerolog.Logger) ([]generation.TaskSnapshot, error) {
	templates := make([]*catalog.Descriptor, 0, len(matches))
	for _, m := range matches {
		d, ok := o.catalog.Get(m.TemplateID)
		if !ok {
			return nil, ferrors.Generation("resolve template", fmt.Errorf("template %q is not in the catalog", m.TemplateID))
		}
		templates = append(templates, d)
	}

	batch, err := o.pool.Submit(ctx, generation.BatchRequest{RunID: runID, Profile: prof, Templates: templates})
	if err != nil {
		return nil, ferrors.Generation("submit", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
	defer cancel()
	if err := batch.Wait(waitCtx); err != nil {
		batch.Cancel()
		<-batch.Done()
		tasks := batch.Snapshots()
		if ctx.Err() != nil {
			return tasks, cancelled(PhaseGeneration)
		}
		pending := 0
		for _, t := range tasks {
			if t.Status == generation.StatusFailed && hasCode(t, generation.CodeCancelled) {
				pending++
			}
		}
		log.Warn().Dur("timeout", o.cfg.PhaseTimeout).Int("cancelled", pending).Msg("generation barrier timed out")
		return tasks, ferrors.GenerationTimeout("barrier", fmt.Errorf("%w: %d tasks cancelled after %s", ferrors.ErrTimeout, pending, o.cfg.PhaseTimeout))
	}

	tasks := batch.Snapshots()
	if ctx.Err() != nil {
		return tasks, cancelled(PhaseGeneration)
	}
	for _, t := range tasks {
		if t.Status == generation.StatusSucceeded {
			return tasks, nil
		}
	}
	return tasks, ferrors.Generation("generate", fmt.Errorf("%w (%d tasks)", ferrors.ErrAllTasksFailed, len(tasks)))
}

func (o *Orchestrator) validate(ctx context.Context, runID string, tasks []generation.TaskSnapshot) (*validation.Report, error) {
	var inputs []validation.Input
	for _, t := range tasks {
		if t.Status != generation.StatusSucceeded {
			continue
		}
		d, ok := o.catalog.Get(t.TemplateID)
		if !ok {
			return nil, ferrors.New(ferrors.KindInternal, "resolve template",
				fmt.Errorf("template %q is not in the catalog", t.TemplateID))
		}
		data, err := o.staging.Read(runID, t.TemplateID)
		if err != nil {
			o.logger.Warn().Err(err).Str("run_id", runID).Str("template_id", t.TemplateID).Msg("staged artifact unreadable")
		}
		inputs = append(inputs, validation.Input{
			TemplateID: t.TemplateID,
			Descriptor: d,
			Required:   !t.Optional,
			Data:       data,
		})
	}

	vctx, cancel := context.WithTimeout(ctx, o.cfg.PhaseTimeout)
	defer cancel()
	report, err := o.validator.Validate(vctx, inputs)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(PhaseValidation)
		}
		return nil, ferrors.Validation("validate", err)
	}
	return report, nil
}

// commitSet picks the artifacts to commit: succeeded, free of blocking
// failures, and referencing only artifacts that are committed too.
// Exclusion cascades to optional dependents; a required dependent of an
// excluded artifact fails the run.
func (o *Orchestrator) commitSet(runID string, tasks []generation.TaskSnapshot, report *validation.Report) ([]staged, []string, error) {
	var (
		warnings   []string
		candidates []generation.TaskSnapshot
		data       = make(map[string][]byte)
		refs       = make(map[string][]string)
		keep       = make(map[string]bool)
	)
	for _, t := range tasks {
		if t.Status != generation.StatusSucceeded {
			continue
		}
		a, ok := report.Get(t.TemplateID)
		if !ok {
			continue
		}
		if a.Failed() {
			warnings = append(warnings, fmt.Sprintf("optional artifact %s excluded: %s", t.TemplateID, a.BlockingFailures[0].Message))
			continue
		}
		body, err := o.staging.Read(runID, t.TemplateID)
		if err != nil {
			return nil, warnings, ferrors.New(ferrors.KindInternal, "read staged artifact", err)
		}
		art := t.Artifact
		if art == nil {
			if art, err = generation.DecodeArtifact(body); err != nil {
				return nil, warnings, ferrors.New(ferrors.KindInternal, "decode staged artifact", err)
			}
		}
		candidates = append(candidates, t)
		data[t.TemplateID] = body
		refs[t.TemplateID] = art.References
		keep[t.TemplateID] = true
	}

	for changed := true; changed; {
		changed = false
		for _, t := range candidates {
			if !keep[t.TemplateID] {
				continue
			}
			for _, ref := range refs[t.TemplateID] {
				if keep[ref] {
					continue
				}
				if !t.Optional {
					return nil, warnings, ferrors.Validation("commit set",
						fmt.Errorf("%w: %s references excluded artifact %s", ferrors.ErrRequiredArtifact, t.TemplateID, ref))
				}
				keep[t.TemplateID] = false
				changed = true
				warnings = append(warnings, fmt.Sprintf("optional artifact %s excluded: references excluded artifact %s", t.TemplateID, ref))
				break
			}
		}
	}

	var items []staged
	for _, t := range candidates {
		if keep[t.TemplateID] {
			body := data[t.TemplateID]
			items = append(items, staged{templateID: t.TemplateID, data: body, hash: fsutil.SHA256Hex(body)})
		}
	}
	return items, warnings, nil
}

// requiredFailures fails the run when a required template produced no
// artifact or its artifact failed a blocking validator.
func requiredFailures(tasks []generation.TaskSnapshot, report *validation.Report) error {
	var failed []string
	for _, t := range tasks {
		if t.Optional {
			continue
		}
		if t.Status != generation.StatusSucceeded || report.BlockingFailed(t.TemplateID) {
			failed = append(failed, t.TemplateID)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return ferrors.Validation("validate", fmt.Errorf("%w: %s", ferrors.ErrRequiredArtifact, strings.Join(failed, ", ")))
}

// transition advances the run, persists it and emits its event.
func (o *Orchestrator) transition(lr *liveRun, to Phase, summary string) error {
	var (
		from    Phase
		elapsed time.Duration
		err     error
	)
	now := o.now()
	lr.update(func(r *WorkflowRun) {
		from = r.Phase
		if err = r.advance(to, now); err == nil {
			elapsed = now.Sub(lr.entered)
			lr.entered = now
		}
	})
	if err != nil {
		o.logger.Error().Err(err).Str("run_id", lr.snapshot().RunID).Msg("illegal phase transition")
		return ferrors.New(ferrors.KindInternal, "transition", err)
	}
	o.metrics.ObservePhase(string(from), elapsed.Seconds())

	snap := lr.snapshot()
	o.persist(snap)
	o.emit(snap, summary)
	o.logger.Debug().Str("run_id", snap.RunID).Str("from", string(from)).Str("phase", string(to)).Msg("phase transition")
	return nil
}

func (o *Orchestrator) failRun(lr *liveRun, cause error, log zerolog.Logger) {
	reason := ""
	if errors.Is(cause, ferrors.ErrCancelled) {
		reason = ReasonCancelled
	}
	now := o.now()
	var (
		from    Phase
		elapsed time.Duration
		err     error
	)
	lr.update(func(r *WorkflowRun) {
		from = r.Phase
		if err = r.fail(cause, reason, now); err == nil {
			elapsed = now.Sub(lr.entered)
			lr.entered = now
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("could not mark run failed")
		return
	}
	o.metrics.ObservePhase(string(from), elapsed.Seconds())
	o.metrics.RecordError("orchestrator", string(ferrors.KindOf(cause)))

	snap := lr.snapshot()
	log.Warn().Err(cause).Str("phase", string(from)).Str("kind", string(snap.Failure.Kind)).Msg("run failed")
	o.persist(snap)
	o.emit(snap, fmt.Sprintf("%s: %s", snap.Failure.Kind, snap.Failure.Reason))
}

// cleanup removes staging and the run's handoff queues.
func (o *Orchestrator) cleanup(lr *liveRun, log zerolog.Logger) {
	snap := lr.snapshot()
	if err := o.staging.Remove(snap.RunID); err != nil {
		log.Warn().Err(err).Msg("staging cleanup failed")
	}
	if o.queues == nil {
		return
	}
	for _, m := range snap.Matches {
		if err := o.queues.RemoveQueue(bus.ParticipantID(snap.RunID, m.TemplateID)); err != nil {
			log.Warn().Err(err).Str("template_id", m.TemplateID).Msg("handoff queue cleanup failed")
		}
	}
}

// persist saves a snapshot and reports whether it was stored. Store
// failures degrade to in-memory only.
func (o *Orchestrator) persist(run WorkflowRun) bool {
	if o.store == nil {
		return false
	}
	rec, err := encodeRun(run)
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = o.store.SaveRun(ctx, rec)
		cancel()
	}
	if err != nil {
		o.metrics.RecordError("store", "save")
		o.logger.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to persist run")
		return false
	}
	return true
}

func (o *Orchestrator) emit(run WorkflowRun, summary string) {
	o.emitter.emit(bus.Event{
		RunID:     run.RunID,
		Phase:     string(run.Phase),
		Timestamp: o.now(),
		Summary:   summary,
	})
}

func encodeRun(run WorkflowRun) (*store.Record, error) {
	doc, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encode run %s: %w", run.RunID, err)
	}
	updated := run.CreatedAt
	if n := len(run.History); n > 0 {
		updated = run.History[n-1].At
	}
	return &store.Record{
		RunID:       run.RunID,
		Phase:       string(run.Phase),
		ProjectPath: run.ProjectPath,
		Document:    doc,
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   updated,
		CompletedAt: run.CompletedAt,
	}, nil
}

func decodeRun(rec *store.Record) (WorkflowRun, error) {
	var run WorkflowRun
	if err := json.Unmarshal(rec.Document, &run); err != nil {
		return WorkflowRun{}, fmt.Errorf("decode run %s: %w", rec.RunID, err)
	}
	return run, nil
}

// cancelled is the failure recorded when a phase observes cancellation.
func cancelled(phase Phase) error {
	return ferrors.New(phaseKind(phase), "cancel", ferrors.ErrCancelled)
}

func phaseKind(phase Phase) ferrors.Kind {
	switch phase {
	case PhaseAnalysis:
		return ferrors.KindAnalysis
	case PhaseSelection:
		return ferrors.KindSelection
	case PhaseGeneration:
		return ferrors.KindGeneration
	case PhaseValidation:
		return ferrors.KindValidation
	}
	return ferrors.KindInternal
}

func profileSummary(p *profile.Profile) string {
	return fmt.Sprintf("profile: languages=%s frameworks=%s architecture=%s files=%d complexity=%.2f",
		strings.Join(p.Languages, ","), strings.Join(p.Frameworks, ","), p.Architecture, p.FileCount, p.Complexity)
}

func taskWarnings(tasks []generation.TaskSnapshot) []string {
	var out []string
	for _, t := range tasks {
		if t.Status == generation.StatusFailed && len(t.Errors) > 0 {
			last := t.Errors[len(t.Errors)-1]
			out = append(out, fmt.Sprintf("generation of %s failed: %s: %s", t.TemplateID, last.Code, last.Message))
		}
		if len(t.HandoffsMissing) > 0 {
			out = append(out, fmt.Sprintf("%s proceeded without handoffs from %s", t.TemplateID, strings.Join(t.HandoffsMissing, ", ")))
		}
	}
	return out
}

func hasCode(t generation.TaskSnapshot, code string) bool {
	for _, e := range t.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}
