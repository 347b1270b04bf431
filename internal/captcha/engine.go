// Package captcha detects slider challenges and resolves them through three
// capped tiers: local geometric drags, a remote image-solving service and a
// blind guess.
package captcha

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/humanoid"
	"github.com/cpauline9999-sketch/Ff5/internal/retry"
)

// Status is the engine's verdict.
type Status string

const (
	StatusNotPresent Status = "not_present"
	StatusSolved     Status = "solved"
	StatusUnsolved   Status = "unsolved"
)

// Tier names the stage that produced the verdict.
type Tier string

const (
	TierNone   Tier = "none"
	TierLocal  Tier = "local"
	TierRemote Tier = "remote"
	TierBlind  Tier = "blind"
)

// regionPadding widens the remote screenshot around the located parts.
const regionPadding = 20

// Outcome is the result of Resolve. Attempts counts every drag performed.
type Outcome struct {
	Status    Status
	Tier      Tier
	Attempts  int
	Challenge Challenge
}

// Cleared reports whether the page is free of a challenge.
func (o Outcome) Cleared() bool {
	return o.Status == StatusNotPresent || o.Status == StatusSolved
}

// Engine resolves slider challenges on a page.
type Engine struct {
	cfg      config.CaptchaConfig
	detector *Detector
	solver   RemoteSolver
	logger   *zap.Logger
	pointer  func(browser.Page) *humanoid.Humanoid
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSolver enables the remote tier. A nil solver disables it.
func WithSolver(s RemoteSolver) Option {
	return func(e *Engine) { e.solver = s }
}

// WithDetector replaces the default detector.
func WithDetector(d *Detector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithPointer supplies the pointer model for a page, so the cursor position
// is shared with the rest of the run.
func WithPointer(fn func(browser.Page) *humanoid.Humanoid) Option {
	return func(e *Engine) { e.pointer = fn }
}

// NewEngine creates an engine. Without WithSolver the remote tier is skipped.
func NewEngine(cfg config.CaptchaConfig, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{cfg: cfg, logger: logger.Named("captcha")}
	for _, opt := range opts {
		opt(e)
	}
	if e.detector == nil {
		e.detector = NewDetector(e.logger)
	}
	if e.pointer == nil {
		e.pointer = func(p browser.Page) *humanoid.Humanoid {
			return humanoid.New(humanoid.DefaultConfig(), e.logger, humanoid.Adapt(p), humanoid.NewTiming())
		}
	}
	return e
}

// Detector returns the engine's detector.
func (e *Engine) Detector() *Detector {
	return e.detector
}

// Resolve detects a challenge and, if one is present, works through the
// local, remote and blind tiers until it is gone. A failed solve is reported
// as StatusUnsolved with a nil error; only session failures, cancellation and
// ErrRemoteUnavailable are returned as errors.
func (e *Engine) Resolve(ctx context.Context, page browser.Page) (Outcome, error) {
	ch, found, err := e.detector.Detect(ctx, page)
	if err != nil {
		return Outcome{}, fmt.Errorf("detecting challenge: %w", err)
	}
	if !found {
		return Outcome{Status: StatusNotPresent, Tier: TierNone}, nil
	}
	e.logger.Info("Slider challenge detected.",
		zap.Int("frame", ch.Frame),
		zap.String("signal", ch.Signal),
		zap.String("source", string(ch.Source)),
		zap.Bool("handle_known", ch.Handle != nil))

	out := Outcome{Status: StatusUnsolved, Challenge: ch}
	h := e.pointer(page)

	// Local tier.
	if ch.Handle != nil {
		for i := 0; i < e.cfg.LocalAttempts; i++ {
			start, distance := perturb(i, ch.Handle.Center(), DragDistance(ch, e.cfg), e.cfg)
			out.Attempts++
			solved, next, err := e.attempt(ctx, page, h, start, distance)
			if err != nil {
				return out, err
			}
			if solved {
				return e.finish(out, TierLocal), nil
			}
			e.logger.Info("Local drag did not clear the challenge.", zap.Int("attempt", i+1), zap.Float64("distance", distance))
			if next.Handle != nil {
				ch = next
				out.Challenge = ch
			}
		}
	} else {
		e.logger.Info("Handle not located, skipping local drags.")
	}

	// Remote tier.
	if e.solver != nil {
		start, err := e.remote(ctx, page, ch)
		switch {
		case err == nil:
			handle := schemas.Box{X: start.X - 1, Y: start.Y - 1, Width: 2, Height: 2}
			if ch.Handle != nil {
				handle = schemas.Box{X: start.X - ch.Handle.Width/2, Y: start.Y - ch.Handle.Height/2, Width: ch.Handle.Width, Height: ch.Handle.Height}
			}
			ch.Handle = &handle
			ch.Source = SourceRemote
			out.Challenge = ch
			out.Attempts++
			solved, _, err := e.attempt(ctx, page, h, start, DragDistance(ch, e.cfg))
			if err != nil {
				return out, err
			}
			if solved {
				return e.finish(out, TierRemote), nil
			}
			e.logger.Info("Remote coordinates did not clear the challenge.")
		case e.fatal(ctx, err):
			return out, err
		default:
			e.logger.Warn("Remote solve failed, falling back to blind guess.", zap.Error(err))
		}
	}

	// Blind tier.
	vp, err := page.Viewport(ctx)
	if err != nil {
		return out, fmt.Errorf("reading viewport: %w", err)
	}
	start := schemas.Point{X: vp.X + vp.Width*0.4, Y: vp.Y + vp.Height/2}
	out.Attempts++
	solved, _, err := e.attempt(ctx, page, h, start, clamp(e.cfg.BlindDistance, e.cfg.MinDistance, e.cfg.MaxDistance))
	if err != nil {
		return out, err
	}
	if solved {
		return e.finish(out, TierBlind), nil
	}

	out.Tier = TierBlind
	e.logger.Warn("Slider challenge unsolved after all tiers.", zap.Int("attempts", out.Attempts))
	return out, nil
}

func (e *Engine) finish(out Outcome, tier Tier) Outcome {
	out.Status = StatusSolved
	out.Tier = tier
	e.logger.Info("Slider challenge solved.", zap.String("tier", string(tier)), zap.Int("attempts", out.Attempts))
	return out
}

// attempt performs one drag and checks whether the challenge is gone. The
// re-detected challenge is returned for the next attempt.
func (e *Engine) attempt(ctx context.Context, page browser.Page, h *humanoid.Humanoid, start schemas.Point, distance float64) (bool, Challenge, error) {
	plan := humanoid.PlanDrag(start, distance, e.cfg.Steps, e.cfg.JitterAmplitude)
	e.logger.Debug("Dragging slider.",
		zap.Float64("x", start.X), zap.Float64("y", start.Y),
		zap.Float64("distance", distance), zap.Int("steps", plan.Steps))

	if err := h.Drag(ctx, plan, e.cfg.StepDelay); err != nil {
		if e.fatal(ctx, err) {
			return false, Challenge{}, err
		}
		// A rejected input event is a failed attempt, not a broken session.
		e.logger.Warn("Drag failed.", zap.Error(err))
	}
	if err := humanoid.SleepContext(ctx, e.cfg.VerifyDelay); err != nil {
		return false, Challenge{}, err
	}
	next, present, err := e.detector.Detect(ctx, page)
	if err != nil {
		return false, Challenge{}, fmt.Errorf("verifying challenge: %w", err)
	}
	return !present, next, nil
}

// remote captures the challenge, runs a solve job and returns the answer in
// viewport coordinates.
func (e *Engine) remote(ctx context.Context, page browser.Page, ch Challenge) (schemas.Point, error) {
	var (
		png    []byte
		origin schemas.Point
		err    error
	)
	if box, ok := region(ch, regionPadding); ok {
		origin = schemas.Point{X: box.X, Y: box.Y}
		png, err = page.ScreenshotRegion(ctx, box)
	} else {
		png, err = page.Screenshot(ctx)
	}
	if err != nil {
		return schemas.Point{}, fmt.Errorf("capturing challenge: %w", err)
	}

	id, err := e.solver.Submit(ctx, png, e.cfg.Remote.Instructions)
	if err != nil {
		return schemas.Point{}, err
	}
	e.logger.Info("Challenge submitted to remote solver.", zap.String("job_id", id))

	var payload string
	err = retry.Do(ctx, retry.Policy{Interval: e.cfg.Remote.PollInterval, MaxAttempts: e.cfg.Remote.MaxPolls},
		func(ctx context.Context) (bool, error) {
			res, err := e.solver.Poll(ctx, id)
			if err != nil {
				return false, err
			}
			switch res.State {
			case JobSolved:
				payload = res.Payload
				return true, nil
			case JobFailed:
				return false, fmt.Errorf("%w: job %s: %s", errRemoteFailed, id, res.Payload)
			default:
				return false, nil
			}
		})
	if err != nil {
		return schemas.Point{}, err
	}

	pt, err := ParseCoordinates(payload)
	if err != nil {
		return schemas.Point{}, err
	}
	return schemas.Point{X: origin.X + pt.X, Y: origin.Y + pt.Y}, nil
}

// fatal errors abort the run instead of moving to the next tier.
func (e *Engine) fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrRemoteUnavailable) ||
		browser.IsInfrastructure(err)
}
