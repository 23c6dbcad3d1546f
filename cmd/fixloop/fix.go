package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/fyrsmithlabs/fixloop/internal/commit"
	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/config"
	"github.com/fyrsmithlabs/fixloop/internal/diagnostics"
	httpserver "github.com/fyrsmithlabs/fixloop/internal/http"
	"github.com/fyrsmithlabs/fixloop/internal/orchestrator"
	"github.com/fyrsmithlabs/fixloop/internal/project"
	"github.com/fyrsmithlabs/fixloop/internal/validation"
	"github.com/fyrsmithlabs/fixloop/internal/workcopy"
	"github.com/fyrsmithlabs/fixloop/pkg/git"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	fixBranch    string
	fixBatch     int
	fixSeed      uint64
	fixMaxIssues int
	fixServe     bool
	fixQuiet     bool
)

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Resolve open issues and commit the fixes",
	Long: `Resolve open issues one at a time until none is left.

Every fix is committed to the run branch, created from HEAD when missing.
The working copy must be clean. Build and test must pass before the first
change is made.`,
	RunE: runFix,
}

func init() {
	fixCmd.Flags().StringVarP(&fixBranch, "branch", "b", "", "branch receiving the fixes (overrides run.branch)")
	fixCmd.Flags().IntVar(&fixBatch, "batch", 0, "candidates generated per issue (overrides run.batch_size)")
	fixCmd.Flags().Uint64Var(&fixSeed, "seed", 0, "issue selection seed (overrides run.seed)")
	fixCmd.Flags().IntVar(&fixMaxIssues, "max-issues", 0, "stop after this many issues (overrides run.max_issues)")
	fixCmd.Flags().BoolVar(&fixServe, "serve", false, "start the status server (overrides server.enabled)")
	fixCmd.Flags().BoolVarP(&fixQuiet, "quiet", "q", false, "do not print progress")
}

func runFix(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := loadApp(ctx, fixOverrides(cmd), true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(ctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "telemetry shutdown: %v\n", err)
		}
	}()

	o, engine, err := buildOrchestrator(a)
	if err != nil {
		return err
	}
	if !fixQuiet {
		o.OnProgress(progressPrinter(cmd.OutOrStdout()))
	}

	if a.cfg.Server.Enabled {
		stop, err := startServer(ctx, a, o, engine)
		if err != nil {
			return err
		}
		defer stop()
	}

	snap, err := o.Run(ctx)
	fmt.Fprintln(cmd.OutOrStdout(), renderSummary(snap, engine.Usage()))
	return err
}

// fixOverrides applies the flags the user set on top of the configuration.
func fixOverrides(cmd *cobra.Command) func(*config.Config) {
	flags := cmd.Flags()
	return func(cfg *config.Config) {
		if flags.Changed("branch") {
			cfg.Run.Branch = fixBranch
		}
		if flags.Changed("batch") {
			cfg.Run.BatchSize = fixBatch
		}
		if flags.Changed("seed") {
			cfg.Run.Seed = fixSeed
		}
		if flags.Changed("max-issues") {
			cfg.Run.MaxIssues = fixMaxIssues
		}
		if fixServe {
			cfg.Server.Enabled = true
		}
	}
}

// buildOrchestrator wires every component of a run.
func buildOrchestrator(a *app) (*orchestrator.Orchestrator, *completion.Engine, error) {
	cfg := a.cfg
	if cfg.Run.BatchSize < 1 {
		return nil, nil, fmt.Errorf("batch size must be >= 1, got %d", cfg.Run.BatchSize)
	}

	source, err := a.sonarClient()
	if err != nil {
		return nil, nil, err
	}

	proj, err := project.New(a.name(), a.dir, cfg.Commands)
	if err != nil {
		return nil, nil, err
	}

	repo, err := git.Open(a.dir, cfg.Diagnostics.Dir)
	if err != nil {
		return nil, nil, err
	}
	wc := workcopy.New(a.dir, repo, a.logger)

	backend, err := completion.NewBackend(cfg.Backend)
	if err != nil {
		return nil, nil, err
	}
	engine := completion.NewEngine(backend, completion.FromSettings(cfg.Backend), a.logger)

	runner := validation.NewRunner(proj, a.logger, validation.WithFormatOnApply(proj.HasFormatter()))
	committer := commit.NewManager(repo, proj, git.Author{Name: cfg.Run.AuthorName, Email: cfg.Run.AuthorEmail}, a.logger)

	deps := orchestrator.Deps{
		Issues:      source,
		Analyzer:    proj,
		Generator:   engine,
		Validator:   runner,
		Committer:   committer,
		WorkingCopy: wc,
	}
	if cfg.Diagnostics.Enabled {
		scrubber, err := a.scrubber()
		if err != nil {
			return nil, nil, err
		}
		deps.Recorder = diagnostics.NewRecorder(filepath.Join(a.dir, cfg.Diagnostics.Dir), scrubber, a.logger)
	}

	o, err := orchestrator.New(deps, orchestrator.Options{
		Project:   a.name(),
		Branch:    cfg.Run.Branch,
		BatchSize: cfg.Run.BatchSize,
		Seed:      cfg.Run.Seed,
		MaxIssues: cfg.Run.MaxIssues,
		Logger:    a.logger,
		Tracer:    a.tel.Tracer(orchestrator.InstrumentationName),
		Meter:     a.tel.Meter(orchestrator.InstrumentationName),
	})
	if err != nil {
		return nil, nil, err
	}
	return o, engine, nil
}

// startServer runs the status server in the background. The returned
// function shuts it down.
func startServer(ctx context.Context, a *app, o *orchestrator.Orchestrator, engine *completion.Engine) (func(), error) {
	scrubber, err := a.scrubber()
	if err != nil {
		return nil, err
	}
	srv, err := httpserver.NewServer(scrubber, a.logger, &httpserver.Config{
		Host:    a.cfg.Server.Host,
		Port:    a.cfg.Server.Port,
		Metrics: a.tel.MetricsHandler(),
	}, httpserver.WithSession(o.Session()), httpserver.WithUsage(engine))
	if err != nil {
		return nil, err
	}

	go func() {
		if err := srv.Start(); err != nil {
			a.logger.Error(ctx, "status server stopped", zap.Error(err))
		}
	}()
	a.logger.Info(ctx, "status server listening",
		zap.String("host", a.cfg.Server.Host), zap.Int("port", a.cfg.Server.Port))

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			a.logger.Warn(ctx, "status server shutdown", zap.Error(err))
		}
	}, nil
}

// progressPrinter prints one line per state change.
func progressPrinter(w io.Writer) orchestrator.ProgressCallback {
	return func(p orchestrator.Progress) {
		fmt.Fprintln(w, formatProgress(p))
	}
}
