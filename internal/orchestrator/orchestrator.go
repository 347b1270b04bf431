// Package orchestrator runs the purchase pipeline: it acquires a remote
// browser session, drives the storefront step by step through the locator
// and the captcha engine, and always hands back one AutomationResult.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/captcha"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/evidence"
	"github.com/cpauline9999-sketch/Ff5/internal/humanoid"
	"github.com/cpauline9999-sketch/Ff5/internal/locator"
)

const closeTimeout = 15 * time.Second

// SinkFactory returns the evidence sink for one run.
type SinkFactory func(runID string) (evidence.Sink, error)

// Runner executes purchase runs. It is safe for concurrent use; every run
// gets its own session, locator and RunContext.
type Runner struct {
	cfg      *config.Config
	provider browser.Provider
	solver   captcha.RemoteSolver
	sinks    SinkFactory
	timing   *humanoid.Timing
	logger   *zap.Logger
	steps    func(*flow) []Step
}

// Option customizes a Runner.
type Option func(*Runner)

// WithSolver enables the remote captcha tier.
func WithSolver(s captcha.RemoteSolver) Option {
	return func(r *Runner) { r.solver = s }
}

// WithEvidence stores screenshots in a per-run subdirectory of root.
func WithEvidence(root *evidence.DirSink) Option {
	return func(r *Runner) {
		r.sinks = func(runID string) (evidence.Sink, error) { return root.ForRun(runID) }
	}
}

// WithSinkFactory sets how per-run sinks are created.
func WithSinkFactory(f SinkFactory) Option {
	return func(r *Runner) { r.sinks = f }
}

// WithTiming shares a delay source between runs, typically a seeded one.
func WithTiming(t *humanoid.Timing) Option {
	return func(r *Runner) { r.timing = t }
}

// NewRunner creates a Runner. Without WithEvidence or WithSinkFactory the
// configured evidence directory is used.
func NewRunner(cfg *config.Config, provider browser.Provider, logger *zap.Logger, opts ...Option) (*Runner, error) {
	if cfg == nil || provider == nil {
		return nil, fmt.Errorf("cannot initialize runner with nil dependencies")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		cfg:      cfg,
		provider: provider,
		logger:   logger.Named("orchestrator"),
		steps:    (*flow).steps,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.sinks == nil {
		root, err := evidence.NewDirSink(cfg.Evidence.Dir, logger)
		if err != nil {
			return nil, err
		}
		r.sinks = func(runID string) (evidence.Sink, error) { return root.ForRun(runID) }
	}
	if r.timing == nil {
		r.timing = humanoid.NewTiming()
	}
	return r, nil
}

// Run executes one purchase attempt. It never panics and never returns
// without a result; the session is closed on every path.
func (r *Runner) Run(ctx context.Context, req schemas.PurchaseRequest) (res schemas.AutomationResult) {
	runID := uuid.NewString()
	logger := r.logger.With(zap.String("run_id", runID), zap.String("buyer", req.BuyerID), zap.Int("quantity", req.Quantity))
	res = schemas.AutomationResult{RunID: runID, Screenshots: []string{}}

	if err := req.Validate(); err != nil {
		return failed(res, schemas.ErrKindConfigurationInvalid, "", err.Error())
	}
	sink, err := r.sinks(runID)
	if err != nil {
		return failed(res, schemas.ErrKindConfigurationInvalid, "", err.Error())
	}

	// The hosting service kills sessions past their lifetime; the run must
	// end on its own before that.
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Browser.SessionLifetime)
	defer cancel()

	logger.Info("Run starting.")
	session, err := r.provider.Acquire(runCtx)
	if err != nil {
		kind := schemas.ErrKindBrowserConnection
		if errors.Is(err, browser.ErrSessionUnavailable) {
			kind = schemas.ErrKindSessionUnavailable
		}
		logger.Error("Could not acquire a browser session.", zap.String("error_kind", string(kind)), zap.Error(err))
		return failed(res, kind, StepConnect, fmt.Sprintf("could not connect to the remote browser: %v", err))
	}

	rc := newRunContext(runID, req, session, sink, logger)
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Step panicked.", zap.String("step", rc.Step()), zap.Any("panic", p), zap.Stack("stack"))
			res = failed(res, schemas.ErrKindInfrastructureTimeout, rc.Step(), fmt.Sprintf("internal failure: %v", p))
		}
		closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancelClose()
		if err := session.Close(closeCtx); err != nil {
			logger.Warn("Closing the browser session failed.", zap.Error(err))
		}
		res.Screenshots = rc.Screenshots()
		logger.Info("Run finished.",
			zap.Bool("success", res.Success),
			zap.String("error_kind", string(res.ErrorKind)),
			zap.String("failed_step", res.FailedStep),
			zap.Int("screenshots", len(res.Screenshots)))
	}()

	return r.execute(ctx, runCtx, rc, res)
}

func (r *Runner) execute(parent, ctx context.Context, rc *RunContext, res schemas.AutomationResult) schemas.AutomationResult {
	loc := locator.New(r.cfg.Locator, r.cfg.Humanoid, rc.logger, locator.WithTiming(r.timing))
	f := &flow{
		cfg: r.cfg,
		loc: loc,
		engine: captcha.NewEngine(r.cfg.Captcha, rc.logger,
			captcha.WithSolver(r.solver),
			captcha.WithPointer(loc.Human)),
	}

	for i, step := range r.steps(f) {
		out := r.runStep(ctx, rc, i+1, step)
		switch out.Kind {
		case Continue:
		case SoftFail:
			rc.Logger().Warn("Step soft-failed, continuing.", zap.String("reason", out.Message))
		case ManualIntervention:
			res = failed(res, out.ErrorKind, step.Name, out.Message)
			res.ManualIntervention = true
			return res
		case HardFail:
			kind := out.ErrorKind
			if kind == schemas.ErrKindNone {
				kind = classify(parent, ctx, out.Err)
			}
			rc.Logger().Error("Step failed, aborting run.", zap.String("error_kind", string(kind)), zap.String("reason", out.Message))
			return failed(res, kind, step.Name, out.Message)
		}
	}

	res.Success = true
	res.Message = fmt.Sprintf("Successfully topped up %d for buyer %s", rc.Request.Quantity, rc.Request.BuyerID)
	return res
}

// runStep brackets one step with before and after screenshots, plus an
// error screenshot when it ends the run.
func (r *Runner) runStep(ctx context.Context, rc *RunContext, n int, step Step) StepOutcome {
	rc.step = step.Name
	rc.Logger().Info("Step starting.", zap.Int("index", n))
	start := time.Now()

	rc.Capture(ctx, fmt.Sprintf("%02d_%s_before", n, step.Name))
	out := step.Run(ctx, rc)
	rc.Capture(ctx, fmt.Sprintf("%02d_%s_after", n, step.Name))
	if out.Kind == HardFail {
		rc.Capture(ctx, "error_"+step.Name)
	}

	rc.Logger().Debug("Step finished.", zap.String("outcome", out.Kind.String()), zap.Duration("duration", time.Since(start)))
	return out
}

// classify maps an infrastructure error to the reported kind. A run that hit
// its own lifetime deadline, rather than the caller's, is a session expiry.
func classify(parent, ctx context.Context, err error) schemas.ErrorKind {
	switch {
	case errors.Is(err, browser.ErrSessionUnavailable):
		return schemas.ErrKindSessionUnavailable
	case errors.Is(err, browser.ErrSessionExpired):
		return schemas.ErrKindSessionExpired
	case parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return schemas.ErrKindSessionExpired
	case errors.Is(err, browser.ErrConnection):
		return schemas.ErrKindBrowserConnection
	default:
		return schemas.ErrKindInfrastructureTimeout
	}
}

func failed(res schemas.AutomationResult, kind schemas.ErrorKind, step, msg string) schemas.AutomationResult {
	res.Success = false
	res.ErrorKind = kind
	res.FailedStep = step
	res.Message = msg
	res.Retriable = kind.Retriable()
	return res
}
