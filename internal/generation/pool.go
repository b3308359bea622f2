// Package generation runs one generation task per selected template on a
// bounded worker pool and stages the resulting artifacts.
package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/catalog"
	"github.com/p-blackswan/agentforge/internal/fsutil"
	"github.com/p-blackswan/agentforge/internal/metrics"
	"github.com/p-blackswan/agentforge/internal/profile"
)

// ErrPoolStopped is returned by Submit when the pool is not running.
var ErrPoolStopped = errors.New("generation pool is not running")

// Messenger is the slice of the bus a task uses to exchange handoffs.
type Messenger interface {
	CreateHandoff(from, to string, payload []byte) (string, error)
	Await(ctx context.Context, to string, froms []string, timeout time.Duration) ([]bus.Handoff, []string)
}

// PoolConfig holds configuration for the pool.
type PoolConfig struct {
	Workers     int           // 0 = runtime.NumCPU()
	QueueSize   int           // buffered jobs
	TaskTimeout time.Duration // per task, 0 = none
	HandoffWait time.Duration // how long a task waits for upstream handoffs
}

// Pool is a fixed set of workers draining a shared job queue.
type Pool struct {
	queue       chan *job
	workers     int
	taskTimeout time.Duration
	handoffWait time.Duration
	gen         Generator
	messenger   Messenger
	staging     *Staging
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	stopped chan struct{}
}

type job struct {
	batch *Batch
	task  *Task
	desc  *catalog.Descriptor
}

// NewPool creates a pool. messenger may be nil, in which case tasks skip
// handoff exchange.
func NewPool(cfg PoolConfig, gen Generator, messenger Messenger, staging *Staging, logger zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if gen == nil {
		gen = VariantGenerator{}
	}
	return &Pool{
		queue:       make(chan *job, cfg.QueueSize),
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
		handoffWait: cfg.HandoffWait,
		gen:         gen,
		messenger:   messenger,
		staging:     staging,
		logger:      logger.With().Str("component", "generation_pool").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		stopped:     make(chan struct{}),
	}
}

// SetMetrics attaches optional instrumentation.
func (p *Pool) SetMetrics(m *metrics.Metrics) { p.metrics = m }

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// Start launches worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	if p.running.Swap(true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Info().Int("workers", p.workers).Msg("generation pool started")
}

// Stop shuts the workers down. Jobs still queued are failed as cancelled
// so every outstanding batch reaches its barrier.
func (p *Pool) Stop() {
	if !p.running.Swap(false) {
		return
	}
	close(p.stopped)
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	for {
		select {
		case j := <-p.queue:
			p.finishFailed(j, CodeCancelled, "generation pool stopped")
		default:
			p.logger.Info().Msg("generation pool stopped")
			return
		}
	}
}

// BatchRequest is one run's generation phase.
type BatchRequest struct {
	RunID     string
	Profile   *profile.Profile
	Templates []*catalog.Descriptor
}

// Batch tracks the tasks of one submission. Wait is the barrier.
type Batch struct {
	runID     string
	profile   *profile.Profile
	tasks     []*Task
	byID      map[string]*catalog.Descriptor
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	pending   sync.WaitGroup
	done      chan struct{}
}

// Submit creates one task per template and enqueues them. It blocks while
// the queue is full.
func (p *Pool) Submit(ctx context.Context, req BatchRequest) (*Batch, error) {
	if !p.running.Load() {
		return nil, ErrPoolStopped
	}
	if req.RunID == "" || req.Profile == nil {
		return nil, fmt.Errorf("submit batch: run id and profile are required")
	}

	templates := append([]*catalog.Descriptor(nil), req.Templates...)
	sort.Slice(templates, func(i, j int) bool { return templates[i].ID < templates[j].ID })

	bctx, cancel := context.WithCancel(ctx)
	b := &Batch{
		runID:   req.RunID,
		profile: req.Profile,
		byID:    make(map[string]*catalog.Descriptor, len(templates)),
		ctx:     bctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for _, d := range templates {
		b.byID[d.ID] = d
		b.pending.Add(1)
		b.tasks = append(b.tasks, newTask(d.ID, d.Optional, b.pending.Done))
	}
	go func() {
		b.pending.Wait()
		cancel()
		close(b.done)
	}()

	for i, t := range b.tasks {
		j := &job{batch: b, task: t, desc: templates[i]}
		select {
		case p.queue <- j:
		case <-ctx.Done():
			p.failRemaining(b, i, CodeCancelled, ctx.Err().Error())
			return b, nil
		case <-p.stopped:
			p.failRemaining(b, i, CodeCancelled, ErrPoolStopped.Error())
			return b, nil
		}
	}

	p.logger.Info().
		Str("run_id", req.RunID).
		Int("tasks", len(b.tasks)).
		Msg("generation batch enqueued")
	return b, nil
}

func (p *Pool) failRemaining(b *Batch, from int, code, msg string) {
	for _, t := range b.tasks[from:] {
		if t.fail(code, msg, p.now()) {
			p.metrics.RecordTask(string(StatusFailed))
		}
	}
}

// Wait blocks until every task is terminal or ctx is done.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once every task is terminal.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Cancel asks every task to stop at its next cancellation point.
func (b *Batch) Cancel() {
	b.cancelled.Store(true)
	b.cancel()
}

// Snapshots returns every task's state sorted by template ID.
func (b *Batch) Snapshots() []TaskSnapshot {
	out := make([]TaskSnapshot, len(b.tasks))
	for i, t := range b.tasks {
		out[i] = t.Snapshot()
	}
	return out
}

// dependents returns the batch templates that declare id in depends_on.
func (b *Batch) dependents(id string) []string {
	var out []string
	for _, t := range b.tasks {
		d := b.byID[t.TemplateID()]
		for _, dep := range d.DependsOn {
			if dep == id {
				out = append(out, d.ID)
				break
			}
		}
	}
	return out
}

// upstream returns the depends_on templates that are part of the batch.
func (b *Batch) upstream(d *catalog.Descriptor) []string {
	var out []string
	for _, dep := range d.DependsOn {
		if _, ok := b.byID[dep]; ok {
			out = append(out, dep)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.logger.With().Int("worker", id).Logger()
	log.Debug().Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("worker stopping")
			return
		case j, ok := <-p.queue:
			if !ok {
				return
			}
			p.execute(ctx, j, log)
		}
	}
}

// handoffPayload is what an upstream template tells its dependents.
type handoffPayload struct {
	TemplateID   string   `json:"template_id"`
	Capabilities []string `json:"capabilities"`
	ContentHash  string   `json:"content_hash"`
}

func (p *Pool) execute(poolCtx context.Context, j *job, log zerolog.Logger) {
	b, t, d := j.batch, j.task, j.desc
	log = log.With().Str("run_id", b.runID).Str("template_id", d.ID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("generation task panicked")
			p.finishFailed(j, CodePanic, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := b.ctx.Err(); err != nil || b.cancelled.Load() {
		p.finishFailed(j, CodeCancelled, "cancelled before start")
		return
	}
	if !t.start(p.now()) {
		return
	}

	ctx, cancel := mergeContext(b.ctx, poolCtx)
	defer cancel()
	if p.taskTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, p.taskTimeout)
		defer tcancel()
	}

	self := bus.ParticipantID(b.runID, d.ID)
	refs := b.upstream(d)
	var handoffs []bus.Handoff
	if p.messenger != nil && len(refs) > 0 {
		froms := make([]string, len(refs))
		for i, ref := range refs {
			froms[i] = bus.ParticipantID(b.runID, ref)
		}
		received, missing := p.messenger.Await(ctx, self, froms, p.handoffWait)
		handoffs = received
		t.setHandoffs(trimRun(b.runID, fromIDs(received)), trimRun(b.runID, missing))
		if len(missing) > 0 {
			log.Warn().Strs("missing", missing).Msg("proceeding without upstream handoffs")
		}
	}

	if p.cancelledOrTimedOut(ctx, j) {
		return
	}

	art, err := p.gen.Generate(ctx, Request{
		RunID:      b.runID,
		Profile:    b.profile.Clone(),
		Descriptor: d,
		References: refs,
		Handoffs:   handoffs,
	})
	if err != nil {
		if p.cancelledOrTimedOut(ctx, j) {
			return
		}
		p.finishFailed(j, CodeGenerateFailed, err.Error())
		return
	}
	if err := art.Check(); err != nil {
		p.finishFailed(j, CodePrecheck, err.Error())
		return
	}
	data, err := art.Encode()
	if err != nil {
		p.finishFailed(j, CodePrecheck, err.Error())
		return
	}
	if limit := d.Resources.MaxArtifactBytes; limit > 0 && len(data) > limit {
		p.finishFailed(j, CodeTooLarge, fmt.Sprintf("artifact is %d bytes, limit %d", len(data), limit))
		return
	}
	if p.cancelledOrTimedOut(ctx, j) {
		return
	}

	hash := fsutil.SHA256Hex(data)
	path, err := p.staging.Write(b.runID, d.ID, data)
	if err != nil {
		p.finishFailed(j, CodeStaging, err.Error())
		return
	}

	if p.messenger != nil {
		payload, _ := json.Marshal(handoffPayload{TemplateID: d.ID, Capabilities: art.Capabilities, ContentHash: hash})
		for _, dep := range b.dependents(d.ID) {
			if _, err := p.messenger.CreateHandoff(self, bus.ParticipantID(b.runID, dep), payload); err != nil {
				t.addError(CodeHandoff, err.Error(), p.now())
				log.Warn().Err(err).Str("to", dep).Msg("handoff to dependent failed")
			}
		}
	}

	if t.succeed(art, hash, path, p.now()) {
		p.metrics.RecordTask(string(StatusSucceeded))
		log.Info().Str("content_hash", hash).Int("bytes", len(data)).Msg("artifact staged")
	}
}

// cancelledOrTimedOut fails the task if its context ended and reports
// whether it did.
func (p *Pool) cancelledOrTimedOut(ctx context.Context, j *job) bool {
	switch {
	case j.batch.cancelled.Load() || errors.Is(j.batch.ctx.Err(), context.Canceled):
		p.finishFailed(j, CodeCancelled, "cancelled")
		return true
	case ctx.Err() != nil:
		code := CodeCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = CodeTimeout
		}
		p.finishFailed(j, code, ctx.Err().Error())
		return true
	}
	return false
}

func (p *Pool) finishFailed(j *job, code, msg string) {
	if j.task.fail(code, msg, p.now()) {
		p.metrics.RecordTask(string(StatusFailed))
		p.logger.Warn().
			Str("run_id", j.batch.runID).
			Str("template_id", j.desc.ID).
			Str("code", code).
			Str("error", msg).
			Msg("generation task failed")
	}
}

// mergeContext returns a context cancelled when either parent is.
func mergeContext(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func fromIDs(hs []bus.Handoff) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.FromID
	}
	sort.Strings(out)
	return out
}

func trimRun(runID string, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strings.TrimPrefix(id, runID+".")
	}
	return out
}
