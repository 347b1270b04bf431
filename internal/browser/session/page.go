package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/retry"
)

const (
	inputTimeout      = 10 * time.Second
	screenshotTimeout = 20 * time.Second
	pollInterval      = 100 * time.Millisecond
)

// cdpPage drives one tab through chromedp.
type cdpPage struct {
	// ctx is the chromedp tab context and carries the CDP target.
	ctx context.Context
	// life ends when the session's allowed lifetime runs out.
	life              context.Context
	logger            *zap.Logger
	navigationTimeout time.Duration
	defaultTimeout    time.Duration
}

var _ browser.Page = (*cdpPage)(nil)

// run executes actions under both the tab lifetime and the caller's context,
// bounded by timeout, and maps session level failures onto the browser
// error kinds.
func (p *cdpPage) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	runCtx, stop := CombineContext(p.ctx, opCtx)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(p.life.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", browser.ErrSessionExpired, err)
	case p.ctx.Err() != nil:
		return fmt.Errorf("%w: %w", browser.ErrConnection, err)
	case opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil:
		return fmt.Errorf("operation timed out after %v: %w", timeout, context.DeadlineExceeded)
	}
	return err
}

// eval evaluates script and decodes its JSON result into out.
func (p *cdpPage) eval(ctx context.Context, timeout time.Duration, script string, out interface{}) error {
	var raw []byte
	err := p.run(ctx, timeout, chromedp.Evaluate(script, &raw, func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
		return params.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode evaluation result: %w (payload: %.200s)", err, raw)
	}
	return nil
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	p.logger.Debug("Navigating.", zap.String("url", url))
	if err := p.run(ctx, p.navigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

func (p *cdpPage) poll(ctx context.Context, fn retry.Func) error {
	attempts := int(p.defaultTimeout/pollInterval) + 1
	return retry.Do(ctx, retry.Policy{Interval: pollInterval, MaxAttempts: attempts}, fn)
}

func (p *cdpPage) WaitReady(ctx context.Context, state browser.ReadyState) error {
	err := p.poll(ctx, func(ctx context.Context) (bool, error) {
		var got string
		if err := p.eval(ctx, inputTimeout, readyStateScript, &got); err != nil {
			return false, err
		}
		return got == string(browser.ReadyComplete) || got == string(state), nil
	})
	if err != nil {
		return fmt.Errorf("document never reached %q: %w", state, err)
	}
	return nil
}

func (p *cdpPage) WaitVisible(ctx context.Context, ref browser.ElementRef) error {
	err := p.poll(ctx, func(ctx context.Context) (bool, error) {
		_, ok, err := p.Geometry(ctx, ref)
		return ok, err
	})
	if err != nil {
		return fmt.Errorf("element %s never became visible: %w", ref, err)
	}
	return nil
}

func (p *cdpPage) Count(ctx context.Context, ref browser.ElementRef) (int, error) {
	var n int
	if err := p.eval(ctx, inputTimeout, countScript(ref), &n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", ref, err)
	}
	return n, nil
}

func (p *cdpPage) Geometry(ctx context.Context, ref browser.ElementRef) (schemas.Box, bool, error) {
	var box *schemas.Box
	if err := p.eval(ctx, inputTimeout, geometryScript(ref), &box); err != nil {
		return schemas.Box{}, false, fmt.Errorf("failed to read geometry of %s: %w", ref, err)
	}
	if box == nil || !box.Valid() {
		return schemas.Box{}, false, nil
	}
	return *box, true, nil
}

func (p *cdpPage) Snapshot(ctx context.Context) (string, error) {
	var html string
	if err := p.eval(ctx, p.defaultTimeout, `document.documentElement.outerHTML`, &html); err != nil {
		return "", fmt.Errorf("failed to snapshot document: %w", err)
	}
	return html, nil
}

type jsFrame struct {
	Index int     `json:"index"`
	URL   string  `json:"url"`
	HTML  string  `json:"html"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
}

func (p *cdpPage) FrameSnapshots(ctx context.Context) ([]browser.FrameSnapshot, error) {
	var frames []jsFrame
	if err := p.eval(ctx, p.defaultTimeout, framesScript, &frames); err != nil {
		return nil, fmt.Errorf("failed to snapshot frames: %w", err)
	}
	out := make([]browser.FrameSnapshot, 0, len(frames))
	for _, f := range frames {
		out = append(out, browser.FrameSnapshot{
			Index:  f.Index,
			URL:    f.URL,
			HTML:   f.HTML,
			Offset: schemas.Point{X: f.X, Y: f.Y},
		})
	}
	return out, nil
}

func (p *cdpPage) Evaluate(ctx context.Context, script string, out interface{}) error {
	return p.eval(ctx, p.defaultTimeout, script, out)
}

func (p *cdpPage) SetValue(ctx context.Context, ref browser.ElementRef, value string) error {
	var ok bool
	if err := p.eval(ctx, inputTimeout, setValueScript(ref, value), &ok); err != nil {
		return fmt.Errorf("failed to set value of %s: %w", ref, err)
	}
	if !ok {
		return fmt.Errorf("cannot set value: element %s not found", ref)
	}
	return nil
}

func (p *cdpPage) DispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error {
	button := data.Button
	if button == "" {
		button = schemas.ButtonNone
	}
	ev := input.DispatchMouseEvent(input.MouseType(data.Type), data.X, data.Y).
		WithButton(input.MouseButton(button)).
		WithButtons(data.Buttons).
		WithClickCount(int64(data.ClickCount))
	return p.run(ctx, inputTimeout, ev)
}

func (p *cdpPage) InsertText(ctx context.Context, text string) error {
	return p.run(ctx, inputTimeout, input.InsertText(text))
}

func (p *cdpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, screenshotTimeout, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}
	return buf, nil
}

type jsViewport struct {
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	ScrollX float64 `json:"scrollX"`
	ScrollY float64 `json:"scrollY"`
}

func (p *cdpPage) ScreenshotRegion(ctx context.Context, region schemas.Box) ([]byte, error) {
	if !region.Valid() {
		return nil, fmt.Errorf("invalid screenshot region %+v", region)
	}
	var vp jsViewport
	if err := p.eval(ctx, inputTimeout, viewportScript, &vp); err != nil {
		return nil, err
	}
	// Clip coordinates are document relative.
	clip := &page.Viewport{
		X:      region.X + vp.ScrollX,
		Y:      region.Y + vp.ScrollY,
		Width:  region.Width,
		Height: region.Height,
		Scale:  1,
	}
	var buf []byte
	err := p.run(ctx, screenshotTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).WithClip(clip).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("region screenshot failed: %w", err)
	}
	return buf, nil
}

func (p *cdpPage) Viewport(ctx context.Context) (schemas.Box, error) {
	var vp jsViewport
	if err := p.eval(ctx, inputTimeout, viewportScript, &vp); err != nil {
		return schemas.Box{}, fmt.Errorf("failed to read viewport: %w", err)
	}
	return schemas.Box{Width: vp.Width, Height: vp.Height}, nil
}

func (p *cdpPage) URL(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, inputTimeout, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}
