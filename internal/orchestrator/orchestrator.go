package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/diagnostics"
	"github.com/fyrsmithlabs/fixloop/internal/issue"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/internal/validation"
	"github.com/fyrsmithlabs/fixloop/internal/workcopy"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const defaultBatchSize = 16

// Skip reason classes, used as metric attributes.
const (
	skipNoFile      = "file_unreadable"
	skipNoRange     = "no_text_range"
	skipTooLarge    = "prompt_too_large"
	skipGeneration  = "generation_failed"
	skipRejected    = "generation_rejected"
	skipNoCandidate = "no_valid_candidate"
	skipNoPass      = "no_candidate_passed"
)

// Deps are the collaborators of a run. Analyzer and Recorder are optional.
type Deps struct {
	Issues      IssueSource
	Analyzer    Analyzer
	Generator   Generator
	Validator   Validator
	Committer   Committer
	WorkingCopy WorkingCopy
	Recorder    Recorder
}

// Options tune a run.
type Options struct {
	// Project names the project in logs and the session.
	Project string
	// Branch receives every commit of the run.
	Branch string
	// BatchSize is the number of candidates per issue (default 16).
	BatchSize int
	// Seed makes selection reproducible; zero picks one at random.
	Seed uint64
	// MaxIssues stops the run after that many selections (0 = unlimited).
	MaxIssues int

	Logger *logging.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Orchestrator drives the fix loop. It is single use: call Run once.
type Orchestrator struct {
	deps     Deps
	opts     Options
	session  *Session
	rng      *rand.Rand
	logger   *logging.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	progress ProgressCallback

	// analyze before the next refresh
	stale bool
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Issues == nil:
		return nil, fmt.Errorf("%w: issue source", ErrMissingDependency)
	case deps.Generator == nil:
		return nil, fmt.Errorf("%w: generator", ErrMissingDependency)
	case deps.Validator == nil:
		return nil, fmt.Errorf("%w: validator", ErrMissingDependency)
	case deps.Committer == nil:
		return nil, fmt.Errorf("%w: committer", ErrMissingDependency)
	case deps.WorkingCopy == nil:
		return nil, fmt.Errorf("%w: working copy", ErrMissingDependency)
	}
	if opts.Branch == "" {
		return nil, errors.New("branch is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Seed == 0 {
		opts.Seed = rand.Uint64()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(InstrumentationName)
	}
	metrics, err := NewMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating metrics: %w", err)
	}

	id := uuid.NewString()
	return &Orchestrator{
		deps:    deps,
		opts:    opts,
		session: newSession(id, opts.Project, opts.Branch, opts.Seed),
		rng:     rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
		logger:  opts.Logger.Named("orchestrator").With(zap.String("run.id", id)),
		tracer:  opts.Tracer,
		metrics: metrics,
		stale:   true,
	}, nil
}

// OnProgress sets the progress callback. Call it before Run.
func (o *Orchestrator) OnProgress(cb ProgressCallback) {
	o.progress = cb
}

// Session returns the live session.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// Run executes the loop until no eligible issue remains, MaxIssues is
// reached, or a fatal error occurs. The snapshot is returned in every case;
// the error is a *RunError.
func (o *Orchestrator) Run(ctx context.Context) (SessionSnapshot, error) {
	ctx = logging.WithRunID(ctx, o.session.ID())
	if o.opts.Project != "" {
		ctx = logging.WithProject(ctx, o.opts.Project)
	}

	o.logger.Info(ctx, "starting run",
		zap.String("branch", o.opts.Branch),
		zap.Int("batch", o.opts.BatchSize),
		zap.Uint64("seed", o.opts.Seed))

	if err := o.prepare(ctx); err != nil {
		return o.abort(ctx, err)
	}

	for {
		if o.opts.MaxIssues > 0 && o.session.Selected() >= o.opts.MaxIssues {
			o.logger.Info(ctx, "issue limit reached", zap.Int("max_issues", o.opts.MaxIssues))
			break
		}
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, fatal(o.session.State(), "", err))
		}

		iss, ok, err := o.selectIssue(ctx)
		if err != nil {
			return o.abort(ctx, err)
		}
		if !ok {
			break
		}
		if err := o.resolve(ctx, iss); err != nil {
			return o.abort(ctx, err)
		}
	}

	o.session.setState(StateDone)
	snap := o.session.Snapshot()
	o.report(Progress{State: StateDone, Candidate: -1,
		Message: fmt.Sprintf("%d committed, %d skipped", len(snap.Committed), len(snap.Skipped))})
	o.logger.Info(ctx, "run finished",
		zap.Int("committed", len(snap.Committed)),
		zap.Int("skipped", len(snap.Skipped)),
		zap.Duration("duration", snap.Duration))
	return snap, nil
}

// prepare passes the gates, checks out the run branch and commits the
// initial formatting.
func (o *Orchestrator) prepare(ctx context.Context) error {
	o.session.setState(StatePreparing)
	o.report(Progress{State: StatePreparing, Candidate: -1, Message: "checking working copy"})

	if err := o.check(ctx, NewCleanGate(o.deps.WorkingCopy)); err != nil {
		return err
	}
	if err := o.deps.Committer.EnsureBranch(ctx, o.opts.Branch); err != nil {
		return fatal(StatePreparing, "", fmt.Errorf("checking out %s: %w", o.opts.Branch, err))
	}
	hash, err := o.deps.Committer.FormatOnce(ctx)
	if err != nil {
		return fatal(StatePreparing, "", err)
	}
	if hash != "" {
		o.session.setFormatted(hash)
		o.report(Progress{State: StatePreparing, Candidate: -1, Message: "committed initial formatting " + hash})
	}
	o.deps.WorkingCopy.Refresh()
	o.session.setMarker(o.deps.WorkingCopy.Marker())

	o.report(Progress{State: StatePreparing, Candidate: -1, Message: "checking baseline build and tests"})
	return o.check(ctx, NewBaselineGate(o.deps.Validator))
}

func (o *Orchestrator) check(ctx context.Context, g Gate) error {
	if err := g.Check(ctx); err != nil {
		return fatal(StatePreparing, "", fmt.Errorf("gate %s: %w", g.Name(), err))
	}
	o.logger.Debug(ctx, "gate passed", zap.String("gate", g.Name()))
	return nil
}

// selectIssue refreshes the open issues and picks an eligible one.
func (o *Orchestrator) selectIssue(ctx context.Context) (issue.Issue, bool, error) {
	o.session.setState(StateSelecting)

	if o.stale && o.deps.Analyzer != nil && o.deps.Analyzer.HasAnalyzer() {
		o.report(Progress{State: StateSelecting, Candidate: -1, Message: "running analysis"})
		if res := o.deps.Analyzer.Analyze(ctx); !res.OK() {
			o.logger.Warn(ctx, "analysis failed, using the analyzer's previous results",
				zap.String("result", res.Summary()),
				logging.Tail("output", res.Output, 2048))
		}
	}
	o.stale = false

	open, err := o.deps.Issues.OpenIssues(ctx)
	if err != nil {
		return issue.Issue{}, false, fatal(StateSelecting, "", err)
	}
	eligible := o.session.eligible(open)
	o.logger.Debug(ctx, "refreshed issues", zap.Int("open", len(open)), zap.Int("eligible", len(eligible)))
	if len(eligible) == 0 {
		return issue.Issue{}, false, nil
	}
	return eligible[o.rng.IntN(len(eligible))], true, nil
}

// resolve works on one issue until it is committed or skipped. Only fatal
// errors are returned.
func (o *Orchestrator) resolve(ctx context.Context, iss issue.Issue) (err error) {
	ctx = logging.WithIssueKey(ctx, iss.Key)
	ctx, span := o.tracer.Start(ctx, "orchestrator.issue", trace.WithAttributes(
		attribute.String("issue.key", iss.Key),
		attribute.String("issue.rule", iss.Rule),
		attribute.String("issue.path", iss.Path()),
	))
	defer span.End()

	start := time.Now()
	log := o.logger.With(zap.String("issue.key", iss.Key), zap.String("path", iss.Path()))
	o.session.begin(iss.Key)
	o.metrics.recordSelected(ctx)
	o.report(Progress{State: StateSelecting, IssueKey: iss.Key, Candidate: -1, Message: iss.Message})
	log.Info(ctx, "selected issue", zap.String("rule", iss.Rule), zap.String("message", iss.Message))

	attempt := diagnostics.Attempt{
		RunID:     o.session.ID(),
		Issue:     iss,
		Chosen:    -1,
		Timestamp: start,
	}
	defer func() {
		if err != nil {
			attempt.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, "aborted")
		}
		o.record(ctx, attempt)
	}()

	skip := func(class, reason string) error {
		attempt.Error = reason
		o.session.skip(iss.Key, reason)
		o.metrics.recordSkipped(ctx, class, time.Since(start))
		span.SetAttributes(attribute.String("outcome", "skipped"), attribute.String("skip.reason", class))
		o.report(Progress{State: StateIdle, IssueKey: iss.Key, Candidate: -1, Message: "skipped: " + reason})
		log.Info(ctx, "skipped issue", zap.String("reason", reason))
		return nil
	}

	if iss.TextRange == nil {
		return skip(skipNoRange, "issue has no text range")
	}
	content, rerr := o.deps.WorkingCopy.ReadFile(iss.Path())
	if rerr != nil {
		return skip(skipNoFile, fmt.Sprintf("reading %s: %v", iss.Path(), rerr))
	}

	// generating
	o.session.setState(StateGenerating)
	o.report(Progress{State: StateGenerating, IssueKey: iss.Key, Candidate: -1,
		Message: fmt.Sprintf("requesting %d candidates", o.opts.BatchSize)})
	genStart := time.Now()
	cands, gerr := o.deps.Generator.Generate(ctx, iss, string(content), o.opts.BatchSize)
	attempt.Candidates = cands
	switch {
	case gerr == nil:
	case errors.Is(gerr, completion.ErrPromptTooLarge):
		return skip(skipTooLarge, gerr.Error())
	case errors.Is(gerr, completion.ErrGenerationRejected):
		// the backend is up but refuses this prompt
		return skip(skipRejected, gerr.Error())
	case errors.Is(gerr, completion.ErrGenerationUnavailable),
		errors.Is(gerr, context.Canceled),
		errors.Is(gerr, context.DeadlineExceeded):
		return fatal(StateGenerating, iss.Key, gerr)
	default:
		return skip(skipGeneration, gerr.Error())
	}
	valid := 0
	for _, c := range cands {
		if c.Valid() {
			valid++
		}
	}
	o.metrics.recordGenerated(ctx, len(cands), valid, time.Since(genStart))
	span.SetAttributes(attribute.Int("candidates.total", len(cands)), attribute.Int("candidates.valid", valid))
	if valid == 0 {
		// still validated, so every candidate gets an INVALID outcome
		log.Info(ctx, "no usable candidate in batch", zap.Int("candidates", len(cands)))
	}

	// validating
	o.session.setState(StateValidating)
	lease, aerr := o.deps.WorkingCopy.Acquire(ctx)
	if aerr != nil {
		return fatal(StateValidating, iss.Key, aerr)
	}
	winner, outcomes, verr := o.validate(ctx, lease, iss, cands)
	attempt.Outcomes = outcomes
	if verr != nil {
		return fatal(StateValidating, iss.Key, errors.Join(verr, lease.Release(ctx)))
	}
	if winner < 0 {
		if rerr := lease.Release(ctx); rerr != nil {
			return fatal(StateValidating, iss.Key, rerr)
		}
		if valid == 0 {
			return skip(skipNoCandidate, "no candidate could be applied")
		}
		return skip(skipNoPass, "no candidate passed build and tests")
	}

	// committing
	o.session.setState(StateCommitting)
	o.report(Progress{State: StateCommitting, IssueKey: iss.Key, Candidate: winner, Message: "committing"})
	hash, cerr := o.deps.Committer.CommitFix(ctx, lease, iss)
	if cerr != nil {
		return fatal(StateCommitting, iss.Key, errors.Join(cerr, lease.Release(ctx)))
	}
	if rerr := lease.Release(ctx); rerr != nil {
		return fatal(StateCommitting, iss.Key, rerr)
	}

	attempt.Chosen = winner
	attempt.Commit = hash
	o.session.commit(iss.Key, hash, o.deps.WorkingCopy.Marker())
	o.stale = true
	o.metrics.recordCommitted(ctx, time.Since(start))
	span.SetAttributes(attribute.String("outcome", "committed"), attribute.Int("candidate", winner))
	o.report(Progress{State: StateIdle, IssueKey: iss.Key, Candidate: winner, Message: "committed " + hash})
	log.Info(ctx, "committed fix", zap.Int("candidate", winner), zap.String("commit", hash),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// validate tries candidates in index order and returns the index of the
// first that passed, still applied, or -1. Candidates after the winner are
// never applied.
func (o *Orchestrator) validate(ctx context.Context, lease *workcopy.Lease, iss issue.Issue, cands []completion.Candidate) (int, []validation.Outcome, error) {
	var outcomes []validation.Outcome
	for _, c := range cands {
		if err := ctx.Err(); err != nil {
			return -1, outcomes, err
		}
		if c.Valid() {
			o.report(Progress{State: StateValidating, IssueKey: iss.Key, Candidate: c.Index, Message: "building"})
		}
		out, err := o.deps.Validator.Validate(ctx, lease, c)
		if err != nil {
			return -1, outcomes, err
		}
		outcomes = append(outcomes, out)
		o.metrics.recordVerdict(ctx, out)
		o.report(Progress{State: StateValidating, IssueKey: iss.Key, Candidate: c.Index, Verdict: out.Verdict,
			Message: string(out.Verdict)})
		if out.Verdict == validation.Passed {
			return c.Index, outcomes, nil
		}
	}
	return -1, outcomes, nil
}

func (o *Orchestrator) record(ctx context.Context, a diagnostics.Attempt) {
	if o.deps.Recorder == nil {
		return
	}
	o.deps.Recorder.Record(ctx, a)
}

func (o *Orchestrator) abort(ctx context.Context, err error) (SessionSnapshot, error) {
	var re *RunError
	if !errors.As(err, &re) {
		re = fatal(o.session.State(), "", err)
	}
	o.session.abort(re)
	o.metrics.recordAborted(ctx, re.State)
	o.report(Progress{State: StateAborted, IssueKey: re.IssueKey, Candidate: -1, Message: re.Error()})
	o.logger.Error(ctx, "run aborted", zap.String("state", string(re.State)), zap.Error(re.Err))
	return o.session.Snapshot(), re
}

func (o *Orchestrator) report(p Progress) {
	if o.progress != nil {
		o.progress(p)
	}
}
