package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/agentforge/internal/api"
	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/health"
	"github.com/p-blackswan/agentforge/internal/orchestrator"
	"github.com/p-blackswan/agentforge/internal/profile"
	"github.com/p-blackswan/agentforge/internal/selector"
)

const (
	shutdownTimeout  = 10 * time.Second
	maintenanceEvery = time.Hour
	minFreeBytes     = 64 << 20
)

func exactArgs(n int, names ...string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError("%s expects %d argument(s): %s", cmd.Name(), n, strings.Join(names, " "))
		}
		return nil
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "forge",
		Short:         "Generate agent configuration for a software project",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError("unknown command %q for %q", args[0], cmd.CommandPath())
			}
			return cmd.Help()
		},
	}
	g.register(root)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &exitError{code: exitUsage, err: err}
	})

	root.AddCommand(
		newAnalyzeCmd(g),
		newForgeCmd(g),
		newStatusCmd(g),
		newValidateCmd(g),
		newRunsCmd(g),
		newEventsCmd(g),
		newTemplatesCmd(g),
		newServeCmd(g),
		newTokenCmd(g),
	)
	return root
}

// withStack loads config, wires the pipeline and closes it after fn.
func withStack(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, a *app, s *stack) error) error {
	a, err := loadApp(cmd, g)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	err = fn(ctx, a, s)
	if cerr := s.Close(); cerr != nil {
		a.logger.Warn().Err(cerr).Msg("shutdown reported errors")
	}
	return err
}

func newAnalyzeCmd(g *globalFlags) *cobra.Command {
	var withSelection bool
	cmd := &cobra.Command{
		Use:   "analyze <path>",
		Short: "Print the project profile as JSON",
		Args:  exactArgs(1, "<path>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, g)
			if err != nil {
				return err
			}
			prof, err := profile.NewFileSystemAnalyzer(a.logger).Analyze(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !withSelection {
				return writeJSON(a.out, prof)
			}
			cat, err := a.loadCatalog()
			if err != nil {
				return err
			}
			out := api.AnalyzeResponse{Profile: prof, Matches: []selector.Match{}}
			if matches, err := selector.Select(prof, cat, a.selection()); err != nil {
				out.SelectionError = err.Error()
			} else {
				out.Matches = matches
			}
			return writeJSON(a.out, out)
		},
	}
	cmd.Flags().BoolVar(&withSelection, "select", false, "include the templates that would be selected")
	return cmd
}

func newForgeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "forge <path>",
		Short: "Run the full pipeline and commit artifacts",
		Args:  exactArgs(1, "<path>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, g, func(ctx context.Context, a *app, s *stack) error {
				run, err := s.orch.Run(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(a, run)
			})
		},
	}
}

func printRun(a *app, run orchestrator.WorkflowRun) error {
	if a.json {
		if err := writeJSON(a.out, run); err != nil {
			return err
		}
	} else {
		renderRun(a.out, run)
	}
	if run.Phase == orchestrator.PhaseFailed {
		return errRunFailed
	}
	return nil
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Show a run's phase, tasks and artifacts",
		Args:  exactArgs(1, "<run_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, g, func(ctx context.Context, a *app, s *stack) error {
				run, err := s.orch.GetStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printRun(a, run)
			})
		},
	}
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <run_id>",
		Short: "Re-run validation against a run's committed artifacts",
		Args:  exactArgs(1, "<run_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, g, func(ctx context.Context, a *app, s *stack) error {
				report, err := s.orch.Revalidate(ctx, args[0])
				if err != nil {
					return err
				}
				if a.json {
					if err := writeJSON(a.out, report); err != nil {
						return err
					}
				} else {
					renderReport(a.out, report)
				}
				if len(report.RequiredFailures()) > 0 {
					return errRunFailed
				}
				return nil
			})
		},
	}
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var (
		limit int
		phase string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List persisted runs, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit < 0 {
				return usageError("--limit must not be negative")
			}
			want := orchestrator.Phase(strings.ToUpper(phase))
			return withStack(cmd, g, func(ctx context.Context, a *app, s *stack) error {
				all, err := s.orch.List(ctx, 0)
				if err != nil {
					return err
				}
				runs := make([]orchestrator.WorkflowRun, 0, len(all))
				for _, run := range all {
					if want != "" && run.Phase != want {
						continue
					}
					runs = append(runs, run)
					if limit > 0 && len(runs) == limit {
						break
					}
				}
				if a.json {
					return writeJSON(a.out, runs)
				}
				renderRuns(a.out, runs)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list, 0 = all")
	cmd.Flags().StringVar(&phase, "phase", "", "only runs in this phase")
	return cmd
}

func newEventsCmd(g *globalFlags) *cobra.Command {
	var (
		follow bool
		offset int64
		runID  string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the broadcast event log",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if offset < 0 {
				return usageError("--offset must not be negative")
			}
			a, err := loadApp(cmd, g)
			if err != nil {
				return err
			}
			b, err := bus.New(filepath.Join(a.cfg.Workspace, "bus"), bus.Options{Logger: a.logger})
			if err != nil {
				return err
			}
			emit := func(ev bus.Event) error {
				if runID != "" && ev.RunID != runID {
					return nil
				}
				if a.json {
					return writeJSON(a.out, ev)
				}
				renderEvent(a.out, ev)
				return nil
			}

			if follow {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				err := b.Subscribe(ctx, offset, emit)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			events, _, err := b.ReadEvents(offset)
			if err != nil {
				return err
			}
			for _, ev := range events {
				if err := emit(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new events")
	cmd.Flags().Int64Var(&offset, "offset", 0, "byte offset to start from")
	cmd.Flags().StringVar(&runID, "run", "", "only events of this run")
	return cmd
}

func newTemplatesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List the template catalog",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, g)
			if err != nil {
				return err
			}
			cat, err := a.loadCatalog()
			if err != nil {
				return err
			}
			if a.json {
				return writeJSON(a.out, api.TemplatesResponse{Version: cat.Version(), Templates: cat.Templates()})
			}
			renderTemplates(a.out, cat)
			return nil
		},
	}
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, g, func(ctx context.Context, a *app, s *stack) error {
				cfg := a.cfg
				if cmd.Flags().Changed("addr") {
					cfg.ListenAddr = addr
				}
				checker := health.NewChecker(a.logger)
				checker.Register("store", health.PingCheck(s.store.Ping))
				checker.Register("workspace", health.WritableDirCheck(cfg.Workspace, minFreeBytes))

				srv, err := api.NewServer(api.ServerConfig{
					ListenAddr: cfg.ListenAddr,
					Auth: api.AuthConfig{
						Mode:      cfg.AuthMode,
						APIKey:    cfg.APIKey,
						JWTSecret: cfg.JWTSecret,
					},
					RateLimit:   api.RateLimitConfig{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst},
					CORSOrigins: cfg.CORSOrigins,
					ProjectRoot: cfg.ProjectRoot,
					Selection:   a.selection(),
				}, api.Deps{
					Runs:     s.orch,
					Analyzer: s.analyzer,
					Events:   s.bus,
					Checker:  checker,
					Metrics:  s.metrics,
				}, a.logger)
				if err != nil {
					return err
				}

				a.logger.Info().
					Str("environment", cfg.Environment).
					Str("addr", cfg.ListenAddr).
					Str("auth_mode", cfg.AuthMode).
					Str("catalog", s.catalog.Version()).
					Bool("nats", s.nats != nil).
					Msg("starting forge server")

				grp, gctx := errgroup.WithContext(ctx)
				grp.Go(srv.Start)
				grp.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				grp.Go(func() error {
					s.maintain(gctx, cfg.Retention, maintenanceEvery, a.logger)
					return nil
				})
				err = grp.Wait()
				a.logger.Info().Msg("forge server stopped")
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (FORGE_LISTEN_ADDR)")
	return cmd
}

func newTokenCmd(g *globalFlags) *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a JWT for the HTTP API (requires FORGE_JWT_SECRET)",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd, g)
			if err != nil {
				return err
			}
			if a.cfg.JWTSecret == "" {
				return usageError("FORGE_JWT_SECRET is not set")
			}
			if ttl <= 0 {
				return usageError("--ttl must be positive")
			}
			token, err := api.IssueToken(a.cfg.JWTSecret, subject, api.Role(role), ttl)
			if err != nil {
				return usageError("%v", err)
			}
			fmt.Fprintln(a.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(api.RoleReadOnly), "readonly, operator or admin")
	cmd.Flags().StringVar(&subject, "subject", "forge-cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
