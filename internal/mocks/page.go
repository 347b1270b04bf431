// Package mocks provides fixture-backed fakes of the browser contracts.
package mocks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
)

// BoxAttr marks an element as rendered at "x,y,width,height". Elements
// without it are treated as not visible.
const BoxAttr = "data-box"

// Frame is one document of a FixturePage.
type Frame struct {
	HTML   string
	URL    string
	Offset schemas.Point
}

// FixturePage implements browser.Page over static HTML documents. XPath
// references are evaluated with htmlquery; CSS references must be mapped to
// XPath through CSS.
type FixturePage struct {
	mu     sync.Mutex
	frames []Frame
	docs   []*html.Node
	url    string

	// CSS maps CSS selectors used by the code under test to XPath.
	CSS      map[string]string
	viewport schemas.Box

	events      []schemas.MouseEventData
	typed       []string
	values      map[string]string
	navigations []string
	shots       int
	regions     []schemas.Box

	// OnMouse runs after every mouse event is recorded.
	OnMouse func(p *FixturePage, ev schemas.MouseEventData)
	// OnNavigate runs for every Navigate call; a returned error fails it.
	OnNavigate func(p *FixturePage, url string) error
	// OnSetValue runs after a value is assigned.
	OnSetValue func(p *FixturePage, ref browser.ElementRef, value string)
	// EvaluateFunc answers Evaluate calls. Without it Evaluate is a no-op.
	EvaluateFunc func(script string, out interface{}) error
	// Fail forces the named method to return the error.
	Fail map[string]error
}

var _ browser.Page = (*FixturePage)(nil)

// NewFixturePage creates a page showing main.
func NewFixturePage(main string) *FixturePage {
	p := &FixturePage{
		CSS:      map[string]string{},
		viewport: schemas.Box{Width: 1366, Height: 768},
		values:   map[string]string{},
		url:      "about:blank",
		Fail:     map[string]error{},
	}
	p.SetDocuments(Frame{HTML: main})
	return p
}

// SetHTML replaces the main document and drops all frames.
func (p *FixturePage) SetHTML(main string) {
	p.SetDocuments(Frame{HTML: main, URL: p.URL0()})
}

// SetDocuments replaces every document. The first one is the main document.
func (p *FixturePage) SetDocuments(frames ...Frame) {
	docs := make([]*html.Node, len(frames))
	for i, f := range frames {
		doc, err := htmlquery.Parse(strings.NewReader(f.HTML))
		if err != nil {
			panic(fmt.Sprintf("mocks: invalid fixture html: %v", err))
		}
		docs[i] = doc
	}
	p.mu.Lock()
	p.frames = frames
	p.docs = docs
	p.mu.Unlock()
}

// AddFrame appends a child frame document.
func (p *FixturePage) AddFrame(f Frame) {
	p.mu.Lock()
	frames := append(append([]Frame(nil), p.frames...), f)
	p.mu.Unlock()
	p.SetDocuments(frames...)
}

// URL0 returns the current URL without a context.
func (p *FixturePage) URL0() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *FixturePage) failure(method string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Fail[method]
}

// resolve must be called with mu held.
func (p *FixturePage) resolve(ref browser.ElementRef) ([]*html.Node, error) {
	if ref.Frame < 0 || ref.Frame >= len(p.docs) {
		return nil, nil
	}
	query := ref.Query
	if ref.Kind != browser.KindXPath {
		xp, ok := p.CSS[ref.Query]
		if !ok {
			return nil, nil
		}
		query = xp
	}
	nodes, err := htmlquery.QueryAll(p.docs[ref.Frame], query)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", query, err)
	}
	return nodes, nil
}

func parseBox(v string) (schemas.Box, bool) {
	parts := strings.Split(v, ",")
	if len(parts) != 4 {
		return schemas.Box{}, false
	}
	var f [4]float64
	for i, s := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return schemas.Box{}, false
		}
		f[i] = n
	}
	b := schemas.Box{X: f[0], Y: f[1], Width: f[2], Height: f[3]}
	return b, b.Valid()
}

func (p *FixturePage) Navigate(ctx context.Context, url string) error {
	if err := p.failure("Navigate"); err != nil {
		return err
	}
	p.mu.Lock()
	p.navigations = append(p.navigations, url)
	p.url = url
	hook := p.OnNavigate
	p.mu.Unlock()
	if hook != nil {
		return hook(p, url)
	}
	return ctx.Err()
}

func (p *FixturePage) WaitReady(ctx context.Context, state browser.ReadyState) error {
	if err := p.failure("WaitReady"); err != nil {
		return err
	}
	return ctx.Err()
}

// WaitVisible answers immediately instead of polling.
func (p *FixturePage) WaitVisible(ctx context.Context, ref browser.ElementRef) error {
	if err := p.failure("WaitVisible"); err != nil {
		return err
	}
	_, ok, err := p.Geometry(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("element %s never became visible: %w", ref, context.DeadlineExceeded)
	}
	return nil
}

func (p *FixturePage) Count(ctx context.Context, ref browser.ElementRef) (int, error) {
	if err := p.failure("Count"); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes, err := p.resolve(ref)
	return len(nodes), err
}

func (p *FixturePage) Geometry(ctx context.Context, ref browser.ElementRef) (schemas.Box, bool, error) {
	if err := p.failure("Geometry"); err != nil {
		return schemas.Box{}, false, err
	}
	if err := ctx.Err(); err != nil {
		return schemas.Box{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	nodes, err := p.resolve(ref)
	if err != nil || ref.Index >= len(nodes) {
		return schemas.Box{}, false, err
	}
	box, ok := parseBox(htmlquery.SelectAttr(nodes[ref.Index], BoxAttr))
	if !ok {
		return schemas.Box{}, false, nil
	}
	off := p.frames[ref.Frame].Offset
	return box.Offset(off.X, off.Y), true, nil
}

func (p *FixturePage) Snapshot(ctx context.Context) (string, error) {
	if err := p.failure("Snapshot"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames[0].HTML, nil
}

func (p *FixturePage) FrameSnapshots(ctx context.Context) ([]browser.FrameSnapshot, error) {
	if err := p.failure("FrameSnapshots"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]browser.FrameSnapshot, len(p.frames))
	for i, f := range p.frames {
		out[i] = browser.FrameSnapshot{Index: i, URL: f.URL, HTML: f.HTML, Offset: f.Offset}
	}
	return out, nil
}

func (p *FixturePage) Evaluate(ctx context.Context, script string, out interface{}) error {
	if err := p.failure("Evaluate"); err != nil {
		return err
	}
	p.mu.Lock()
	fn := p.EvaluateFunc
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(script, out)
}

func (p *FixturePage) SetValue(ctx context.Context, ref browser.ElementRef, value string) error {
	if err := p.failure("SetValue"); err != nil {
		return err
	}
	p.mu.Lock()
	nodes, err := p.resolve(ref)
	if err == nil && ref.Index >= len(nodes) {
		err = fmt.Errorf("cannot set value: element %s not found", ref)
	}
	if err == nil {
		p.values[ref.String()] = value
	}
	hook := p.OnSetValue
	p.mu.Unlock()
	if err == nil && hook != nil {
		hook(p, ref, value)
	}
	return err
}

func (p *FixturePage) DispatchMouseEvent(ctx context.Context, data schemas.MouseEventData) error {
	if err := p.failure("DispatchMouseEvent"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, data)
	hook := p.OnMouse
	p.mu.Unlock()
	if hook != nil {
		hook(p, data)
	}
	return nil
}

func (p *FixturePage) InsertText(ctx context.Context, text string) error {
	if err := p.failure("InsertText"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed = append(p.typed, text)
	return nil
}

func (p *FixturePage) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.failure("Screenshot"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shots++
	return []byte(fmt.Sprintf("png-%d", p.shots)), nil
}

func (p *FixturePage) ScreenshotRegion(ctx context.Context, region schemas.Box) ([]byte, error) {
	if err := p.failure("ScreenshotRegion"); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regions = append(p.regions, region)
	return []byte("region-png"), nil
}

func (p *FixturePage) Viewport(ctx context.Context) (schemas.Box, error) {
	if err := p.failure("Viewport"); err != nil {
		return schemas.Box{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport, nil
}

func (p *FixturePage) URL(ctx context.Context) (string, error) {
	return p.URL0(), p.failure("URL")
}

// Events returns a copy of the recorded mouse events.
func (p *FixturePage) Events() []schemas.MouseEventData {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schemas.MouseEventData(nil), p.events...)
}

// Typed returns the inserted text fragments in order.
func (p *FixturePage) Typed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.typed, "")
}

// ResetTyped clears the inserted text record.
func (p *FixturePage) ResetTyped() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typed = nil
}

// Value returns what SetValue assigned to ref.
func (p *FixturePage) Value(ref browser.ElementRef) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[ref.String()]
	return v, ok
}

// Values returns a copy of every assigned value keyed by reference.
func (p *FixturePage) Values() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// Navigations returns the URLs passed to Navigate.
func (p *FixturePage) Navigations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.navigations...)
}

// Regions returns the requested screenshot regions.
func (p *FixturePage) Regions() []schemas.Box {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]schemas.Box(nil), p.regions...)
}

// Releases counts mouseReleased events.
func (p *FixturePage) Releases() int {
	n := 0
	for _, ev := range p.Events() {
		if ev.Type == schemas.MouseRelease {
			n++
		}
	}
	return n
}
