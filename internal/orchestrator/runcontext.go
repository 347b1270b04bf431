package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/evidence"
)

const captureTimeout = 10 * time.Second

// RunContext is the private state of one purchase attempt: the session, the
// page currently driven and the screenshot trail. It is not shared between
// runs and is only touched by the goroutine executing the run.
type RunContext struct {
	ID      string
	Request schemas.PurchaseRequest

	session browser.Session
	page    browser.Page
	sink    evidence.Sink
	logger  *zap.Logger

	step  string
	shots []string
}

func newRunContext(id string, req schemas.PurchaseRequest, session browser.Session, sink evidence.Sink, logger *zap.Logger) *RunContext {
	return &RunContext{
		ID:      id,
		Request: req,
		session: session,
		page:    session.Page(),
		sink:    sink,
		logger:  logger,
	}
}

// Page is the active page.
func (rc *RunContext) Page() browser.Page {
	return rc.page
}

// Logger is the run logger, tagged with the current step.
func (rc *RunContext) Logger() *zap.Logger {
	if rc.step == "" {
		return rc.logger
	}
	return rc.logger.With(zap.String("step", rc.step))
}

// Step is the name of the step being executed.
func (rc *RunContext) Step() string {
	return rc.step
}

// SwitchToNewest makes the most recently opened tab the active page.
func (rc *RunContext) SwitchToNewest(ctx context.Context) (bool, error) {
	switched, err := rc.session.AdoptNewestTarget(ctx)
	if err != nil {
		return false, fmt.Errorf("switching to new tab: %w", err)
	}
	if switched {
		rc.page = rc.session.Page()
		rc.Logger().Info("Active page switched to a new tab.")
	}
	return switched, nil
}

// Capture screenshots the active page into the evidence trail. Failures are
// logged and otherwise ignored so the trail never aborts a run. A cancelled
// ctx still gets a short grace period so error evidence is kept.
func (rc *RunContext) Capture(ctx context.Context, name string) {
	if rc.sink == nil {
		return
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), captureTimeout)
		defer cancel()
	}
	png, err := rc.page.Screenshot(ctx)
	if err != nil {
		rc.Logger().Warn("Screenshot failed.", zap.String("name", name), zap.Error(err))
		return
	}
	path, err := rc.sink.Save(ctx, name, png)
	if err != nil {
		rc.Logger().Warn("Saving screenshot failed.", zap.String("name", name), zap.Error(err))
		return
	}
	rc.shots = append(rc.shots, path)
}

// Screenshots returns a copy of the trail, oldest first.
func (rc *RunContext) Screenshots() []string {
	return append([]string{}, rc.shots...)
}
