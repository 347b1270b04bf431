package locator

import (
	"context"
	"fmt"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/browser/dom"
)

// Strategy is one technique for resolving a target to a visible element.
// The set is closed: AttributeSelector, TextScan and NearestOfType.
type Strategy interface {
	Describe() string
	attempt(ctx context.Context, page browser.Page) (hit, bool, error)
}

type hit struct {
	ref browser.ElementRef
	box schemas.Box
}

// firstVisible returns the first candidate with usable geometry.
func firstVisible(ctx context.Context, page browser.Page, refs []browser.ElementRef) (hit, bool, error) {
	for _, ref := range refs {
		box, ok, err := page.Geometry(ctx, ref)
		if err != nil {
			return hit{}, false, err
		}
		if ok {
			return hit{ref: ref, box: box}, true, nil
		}
	}
	return hit{}, false, nil
}

// AttributeSelector matches a CSS or XPath selector and takes the first
// visible match.
type AttributeSelector struct {
	Ref browser.ElementRef
}

// CSS is shorthand for an AttributeSelector over a CSS selector.
func CSS(selector string) AttributeSelector {
	return AttributeSelector{Ref: browser.CSS(selector)}
}

// XPath is shorthand for an AttributeSelector over an XPath expression.
func XPath(expr string) AttributeSelector {
	return AttributeSelector{Ref: browser.XPath(expr)}
}

func (s AttributeSelector) Describe() string {
	return "selector " + s.Ref.String()
}

func (s AttributeSelector) attempt(ctx context.Context, page browser.Page) (hit, bool, error) {
	n, err := page.Count(ctx, s.Ref)
	if err != nil {
		return hit{}, false, err
	}
	refs := make([]browser.ElementRef, 0, n)
	for i := s.Ref.Index; i < n; i++ {
		refs = append(refs, s.Ref.Nth(i))
	}
	return firstVisible(ctx, page, refs)
}

// TextScan finds elements by their rendered text in every reachable
// document, main document first.
type TextScan struct {
	Text string
	Mode dom.TextMatch
}

// Text matches elements whose whole text equals text, ignoring case.
func Text(text string) TextScan {
	return TextScan{Text: text, Mode: dom.MatchExact}
}

// TextContains matches elements whose text contains text, ignoring case.
func TextContains(text string) TextScan {
	return TextScan{Text: text, Mode: dom.MatchContains}
}

func (s TextScan) Describe() string {
	if s.Mode == dom.MatchContains {
		return fmt.Sprintf("text containing %q", s.Text)
	}
	return fmt.Sprintf("text %q", s.Text)
}

func (s TextScan) attempt(ctx context.Context, page browser.Page) (hit, bool, error) {
	return scanFrames(ctx, page, func(doc *dom.Node) []*dom.Node {
		return dom.FindByText(doc, s.Text, s.Mode)
	})
}

// NearestOfType finds the element of a given type closest in the tree to an
// anchor identified by its text, e.g. the input next to a "Player ID" label.
type NearestOfType struct {
	AnchorText string
	Type       dom.ElementType
}

// Near is shorthand for a NearestOfType strategy.
func Near(anchorText, tag, typ string) NearestOfType {
	return NearestOfType{AnchorText: anchorText, Type: dom.ElementType{Tag: tag, Type: typ}}
}

func (s NearestOfType) Describe() string {
	desc := fmt.Sprintf("nearest <%s", s.Type.Tag)
	if s.Type.Type != "" {
		desc += fmt.Sprintf(" type=%s", s.Type.Type)
	}
	return desc + fmt.Sprintf("> to %q", s.AnchorText)
}

func (s NearestOfType) attempt(ctx context.Context, page browser.Page) (hit, bool, error) {
	return scanFrames(ctx, page, func(doc *dom.Node) []*dom.Node {
		var out []*dom.Node
		for _, anchor := range dom.FindByText(doc, s.AnchorText, dom.MatchContains) {
			if n := dom.NearestOfType(anchor, s.Type); n != nil {
				out = append(out, n)
			}
		}
		return out
	})
}

// scanFrames runs find over each document snapshot and checks the candidates
// against live geometry through a generated XPath.
func scanFrames(ctx context.Context, page browser.Page, find func(*dom.Node) []*dom.Node) (hit, bool, error) {
	frames, err := page.FrameSnapshots(ctx)
	if err != nil {
		return hit{}, false, err
	}
	for _, f := range frames {
		doc, err := dom.Parse(f.HTML)
		if err != nil {
			continue
		}
		var refs []browser.ElementRef
		seen := map[string]bool{}
		for _, n := range find(doc) {
			xp := dom.GenerateUniqueXPath(n)
			if seen[xp] {
				continue
			}
			seen[xp] = true
			refs = append(refs, browser.XPath(xp).InFrame(f.Index))
		}
		h, ok, err := firstVisible(ctx, page, refs)
		if err != nil || ok {
			return h, ok, err
		}
	}
	return hit{}, false, nil
}
