package browser

import (
	"context"
	"fmt"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
)

// SelectorKind tells the page how to interpret ElementRef.Query.
type SelectorKind string

const (
	KindCSS   SelectorKind = "css"
	KindXPath SelectorKind = "xpath"
)

// ElementRef addresses one element inside one document of the page.
type ElementRef struct {
	Query string
	Kind  SelectorKind
	// Index picks among several matches, zero based.
	Index int
	// Frame is 0 for the main document, otherwise the 1-based index of an
	// accessible child frame as reported by FrameSnapshots.
	Frame int
}

// CSS builds a CSS selector reference into the main document.
func CSS(query string) ElementRef {
	return ElementRef{Query: query, Kind: KindCSS}
}

// XPath builds an XPath reference into the main document.
func XPath(query string) ElementRef {
	return ElementRef{Query: query, Kind: KindXPath}
}

// Nth returns a copy addressing the i-th match.
func (r ElementRef) Nth(i int) ElementRef {
	r.Index = i
	return r
}

// InFrame returns a copy scoped to the given frame.
func (r ElementRef) InFrame(frame int) ElementRef {
	r.Frame = frame
	return r
}

func (r ElementRef) String() string {
	s := fmt.Sprintf("%s(%s)", r.Kind, r.Query)
	if r.Index > 0 {
		s += fmt.Sprintf("[%d]", r.Index)
	}
	if r.Frame > 0 {
		s += fmt.Sprintf("@frame%d", r.Frame)
	}
	return s
}

// FrameSnapshot is the serialized HTML of one document in the page.
type FrameSnapshot struct {
	// Index is 0 for the main document.
	Index int
	URL   string
	HTML  string
	// Offset is the frame's top-left corner in viewport coordinates.
	Offset schemas.Point
}

// ReadyState is a document.readyState value to wait for.
type ReadyState string

const (
	ReadyInteractive ReadyState = "interactive"
	ReadyComplete    ReadyState = "complete"
)

// Page is the active logical page of a remote browser session.
type Page interface {
	Navigate(ctx context.Context, url string) error
	WaitReady(ctx context.Context, state ReadyState) error
	WaitVisible(ctx context.Context, ref ElementRef) error
	Count(ctx context.Context, ref ElementRef) (int, error)
	// Geometry returns the viewport box of a visible element. A missing or
	// hidden element reports ok=false with a nil error.
	Geometry(ctx context.Context, ref ElementRef) (box schemas.Box, ok bool, err error)
	Snapshot(ctx context.Context) (string, error)
	FrameSnapshots(ctx context.Context) ([]FrameSnapshot, error)
	Evaluate(ctx context.Context, script string, out interface{}) error
	// SetValue assigns the value directly and fires input and change events.
	SetValue(ctx context.Context, ref ElementRef, value string) error
	DispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error
	InsertText(ctx context.Context, text string) error
	Screenshot(ctx context.Context) ([]byte, error)
	ScreenshotRegion(ctx context.Context, region schemas.Box) ([]byte, error)
	Viewport(ctx context.Context) (schemas.Box, error)
	URL(ctx context.Context) (string, error)
}

// Session owns one connection to the remote browser.
type Session interface {
	ID() string
	// Page returns the currently active page.
	Page() Page
	// AdoptNewestTarget switches the active page to the most recently opened
	// tab, reporting whether a switch happened.
	AdoptNewestTarget(ctx context.Context) (bool, error)
	Close(ctx context.Context) error
}

// Provider hands out sessions against a bounded pool of remote slots.
type Provider interface {
	Acquire(ctx context.Context) (Session, error)
	// Active is the number of sessions acquired and not yet closed.
	Active() int
}
