package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/catalog"
	"github.com/p-blackswan/agentforge/internal/config"
	"github.com/p-blackswan/agentforge/internal/fsutil"
	"github.com/p-blackswan/agentforge/internal/generation"
	"github.com/p-blackswan/agentforge/internal/metrics"
	"github.com/p-blackswan/agentforge/internal/orchestrator"
	"github.com/p-blackswan/agentforge/internal/profile"
	"github.com/p-blackswan/agentforge/internal/selector"
	"github.com/p-blackswan/agentforge/internal/slack"
	"github.com/p-blackswan/agentforge/internal/store"
)

// globalFlags override the FORGE_* environment.
type globalFlags struct {
	json         bool
	workspace    string
	catalogPath  string
	logLevel     string
	workers      int
	threshold    float64
	topK         int
	phaseTimeout time.Duration
}

func (g *globalFlags) register(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.BoolVar(&g.json, "json", false, "print raw JSON instead of rendered output")
	f.StringVar(&g.workspace, "workspace", "", "workspace directory (FORGE_WORKSPACE)")
	f.StringVar(&g.catalogPath, "catalog", "", "template catalog file (FORGE_CATALOG_PATH)")
	f.StringVar(&g.logLevel, "log-level", "", "log level (FORGE_LOG_LEVEL)")
	f.IntVar(&g.workers, "workers", 0, "generation workers (FORGE_WORKERS)")
	f.Float64Var(&g.threshold, "threshold", 0, "selection threshold in [0,1] (FORGE_SELECTION_THRESHOLD)")
	f.IntVar(&g.topK, "top-k", 0, "keep at most K templates, 0 = unbounded (FORGE_SELECTION_TOP_K)")
	f.DurationVar(&g.phaseTimeout, "phase-timeout", 0, "per-phase timeout (FORGE_PHASE_TIMEOUT)")
}

// app is the per-invocation context shared by every command.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	out    io.Writer
	json   bool
}

func loadApp(cmd *cobra.Command, g *globalFlags) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("workspace") {
		cfg.Workspace = g.workspace
	}
	if flags.Changed("catalog") {
		cfg.CatalogPath = g.catalogPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if flags.Changed("workers") {
		cfg.Workers = g.workers
	}
	if flags.Changed("threshold") {
		cfg.SelectionThreshold = g.threshold
	}
	if flags.Changed("top-k") {
		cfg.SelectionTopK = g.topK
	}
	if flags.Changed("phase-timeout") {
		cfg.PhaseTimeout = g.phaseTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, &exitError{code: exitUsage, err: fmt.Errorf("invalid flags: %w", err)}
	}

	return &app{
		cfg:    cfg,
		logger: newLogger(cfg, cmd.ErrOrStderr()),
		out:    cmd.OutOrStdout(),
		json:   g.json,
	}, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	if cfg.Environment == "development" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	logger := zerolog.New(w).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func (a *app) selection() selector.Config {
	return selector.Config{Threshold: a.cfg.SelectionThreshold, TopK: a.cfg.SelectionTopK}
}

func (a *app) loadCatalog() (*catalog.Catalog, error) {
	if a.cfg.CatalogPath == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(a.cfg.CatalogPath)
}

// stack is the wired pipeline behind the run-oriented commands.
type stack struct {
	catalog  *catalog.Catalog
	analyzer profile.Analyzer
	store    *store.Store
	bus      *bus.Bus
	pool     *generation.Pool
	orch     *orchestrator.Orchestrator
	metrics  *metrics.Metrics
	nats     *bus.NATSForwarder
}

// open wires store, bus, pool and orchestrator under the workspace.
func (a *app) open(ctx context.Context) (*stack, error) {
	cfg := a.cfg
	if err := fsutil.EnsureDir(cfg.Workspace); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	cat, err := a.loadCatalog()
	if err != nil {
		return nil, err
	}

	s := &stack{
		catalog:  cat,
		analyzer: profile.NewFileSystemAnalyzer(a.logger),
		metrics:  metrics.New(),
	}
	s.store, err = store.New(cfg.DatabasePath(), a.logger)
	if err != nil {
		return nil, err
	}
	s.bus, err = bus.New(filepath.Join(cfg.Workspace, "bus"), bus.Options{
		MaxPayloadBytes: cfg.HandoffMaxPayload,
		TTL:             cfg.HandoffTTL,
		Logger:          a.logger,
		Metrics:         s.metrics,
	})
	if err != nil {
		s.store.Close()
		return nil, err
	}

	publishers := bus.MultiPublisher{s.bus}
	if cfg.NATSEnabled() {
		fwd, err := bus.NewNATSForwarder(cfg.NATSURL, cfg.NATSSubject, a.logger)
		if err != nil {
			a.logger.Warn().Err(err).Str("url", cfg.NATSURL).Msg("NATS unavailable, events stay local")
		} else {
			s.nats = fwd
			publishers = append(publishers, fwd)
		}
	}
	if cfg.SlackWebhookURL != "" {
		publishers = append(publishers, slack.NewNotifier(cfg.SlackWebhookURL, a.logger))
	}
	var publisher bus.Publisher = s.bus
	if len(publishers) > 1 {
		publisher = publishers
	}

	staging := generation.NewStaging(cfg.Workspace)
	s.pool = generation.NewPool(generation.PoolConfig{
		Workers:     cfg.WorkerCount(),
		QueueSize:   cfg.QueueSize,
		TaskTimeout: cfg.TaskTimeout,
		HandoffWait: cfg.HandoffWait,
	}, generation.VariantGenerator{}, s.bus, staging, a.logger)
	s.pool.SetMetrics(s.metrics)
	s.pool.Start(ctx)

	s.orch, err = orchestrator.New(orchestrator.Config{
		ConfigDir:         cfg.ConfigDir,
		Selection:         a.selection(),
		PhaseTimeout:      cfg.PhaseTimeout,
		ValidationWorkers: cfg.ValidationWorkers,
		TokenBudget:       cfg.TokenBudget,
	}, orchestrator.Deps{
		Analyzer:  s.analyzer,
		Catalog:   cat,
		Pool:      s.pool,
		Staging:   staging,
		Store:     s.store,
		Publisher: publisher,
		Queues:    s.bus,
		Metrics:   s.metrics,
		Logger:    a.logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close stops the orchestrator before the pool it submits to.
func (s *stack) Close() error {
	var errs []error
	if s.orch != nil {
		errs = append(errs, s.orch.Close())
	}
	if s.pool != nil {
		s.pool.Stop()
	}
	if s.nats != nil {
		errs = append(errs, s.nats.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}

// maintain runs retention and the handoff sweep until ctx ends.
func (s *stack) maintain(ctx context.Context, retention, every time.Duration, logger zerolog.Logger) {
	pass := func() {
		if n, err := s.store.RunRetention(ctx, retention); err != nil {
			logger.Warn().Err(err).Msg("retention pass failed")
		} else if n > 0 {
			logger.Info().Int64("removed", n).Msg("expired runs removed")
		}
		if n, err := s.bus.Sweep(); err != nil {
			logger.Warn().Err(err).Msg("handoff sweep failed")
		} else if n > 0 {
			logger.Info().Int("removed", n).Msg("expired handoffs swept")
		}
	}
	pass()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass()
		}
	}
}
