package locator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
)

// target re-reads the element's geometry since the page may have scrolled
// or reflowed since Locate. The located box is used if the read fails.
func (l *Locator) target(ctx context.Context, page browser.Page, res Result) (schemas.Point, error) {
	if !res.Found {
		return schemas.Point{}, fmt.Errorf("%s: %w", res.Query, ErrNotFound)
	}
	box, ok, err := page.Geometry(ctx, res.Ref)
	if err != nil {
		if fatal(err) || ctx.Err() != nil {
			return schemas.Point{}, err
		}
		l.logger.Debug("Geometry refresh failed, using located box.", zap.String("query", res.Query), zap.Error(err))
	}
	if !ok {
		box = res.Box
	}
	return box.Center(), nil
}

// Click moves to the element and clicks it, pausing before and after.
func (l *Locator) Click(ctx context.Context, page browser.Page, res Result) error {
	h := l.Human(page)
	if err := h.ActionPause(ctx); err != nil {
		return err
	}
	at, err := l.target(ctx, page, res)
	if err != nil {
		return err
	}
	if err := h.Click(ctx, at); err != nil {
		return fmt.Errorf("clicking %s: %w", res.Query, err)
	}
	return h.ActionPause(ctx)
}

// Type focuses the element, types text with inter-key delays and then also
// assigns the value directly with input and change notifications. Some page
// frameworks ignore raw key events and others ignore direct assignment, so
// both are always done.
func (l *Locator) Type(ctx context.Context, page browser.Page, res Result, text string) error {
	if err := l.Click(ctx, page, res); err != nil {
		return err
	}
	if err := l.Human(page).Type(ctx, text); err != nil {
		return fmt.Errorf("typing into %s: %w", res.Query, err)
	}
	if err := l.SetValue(ctx, page, res, text); err != nil {
		return err
	}
	return l.Human(page).ActionPause(ctx)
}

// SetValue assigns the value directly and fires input and change events.
func (l *Locator) SetValue(ctx context.Context, page browser.Page, res Result, text string) error {
	if !res.Found {
		return fmt.Errorf("%s: %w", res.Query, ErrNotFound)
	}
	if err := page.SetValue(ctx, res.Ref, text); err != nil {
		return fmt.Errorf("setting value of %s: %w", res.Query, err)
	}
	return nil
}

// ClickQuery locates q and clicks the match. A miss returns found=false and
// no error.
func (l *Locator) ClickQuery(ctx context.Context, page browser.Page, q Query) (bool, error) {
	res, err := l.Locate(ctx, page, q)
	if err != nil || !res.Found {
		return false, err
	}
	return true, l.Click(ctx, page, res)
}

// TypeQuery locates q and types text into the match. A miss returns
// found=false and no error.
func (l *Locator) TypeQuery(ctx context.Context, page browser.Page, q Query, text string) (bool, error) {
	res, err := l.Locate(ctx, page, q)
	if err != nil || !res.Found {
		return false, err
	}
	return true, l.Type(ctx, page, res, text)
}
