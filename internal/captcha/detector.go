package captcha

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/browser/dom"
)

//go:embed probe.js
var probeScript string

// Source records how the challenge geometry was obtained.
type Source string

const (
	SourceDOM       Source = "dom"
	SourceScript    Source = "script"
	SourceEstimated Source = "estimated"
	SourceRemote    Source = "remote"
)

// Challenge is a detected slider challenge. Handle and Track are viewport
// boxes and either may be nil.
type Challenge struct {
	// Frame is 0 for the main document, otherwise the frame snapshot index.
	Frame  int
	Handle *schemas.Box
	Track  *schemas.Box
	Source Source
	// Signal names the marker that fired, for logs.
	Signal string
}

// Detector looks for slider challenges in every reachable document.
//
// Slider phrases are enough on their own. Every other marker (a generic
// verification phrase, a container class, an indicator element) only counts
// when the same document also shows a slider handle or track.
type Detector struct {
	// Phrases are visible-text markers specific to slider challenges.
	Phrases []string
	// VerificationPhrases are generic challenge wording.
	VerificationPhrases []string
	// ClassPatterns match challenge container class tokens.
	ClassPatterns []string
	// Indicators is an XPath matching challenge elements by id or frame src.
	Indicators string
	// HandlePatterns and TrackPatterns match the slider parts by class token.
	HandlePatterns []string
	TrackPatterns  []string
	// Exclude drops elements whose class mentions another challenge vendor.
	Exclude []string
	// SuccessPhrases mark a challenge that has just been passed.
	SuccessPhrases []string

	logger *zap.Logger
}

// NewDetector returns a detector with the default marker lists.
func NewDetector(logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		Phrases: []string{
			"slide to verify",
			"drag the slider",
			"slide to complete the puzzle",
			"drag the puzzle",
			"complete the puzzle",
		},
		VerificationPhrases: []string{"security verification", "verify you are human"},
		ClassPatterns:       []string{"slider-captcha", "captcha", "geetest", "puzzle-verify"},
		Indicators: `//*[@id='captcha'] | //iframe[contains(@src,'captcha') and not(contains(@src,'recaptcha')) and not(contains(@src,'hcaptcha'))]`,
		HandlePatterns: []string{"slider-btn", "slider-handle", "slider-button", "drag"},
		TrackPatterns:  []string{"slider-track", "slider-bar", "slide-track"},
		Exclude:        []string{"recaptcha", "hcaptcha", "turnstile"},
		SuccessPhrases: []string{"verification successful", "verified successfully", "verification passed"},
		logger:         logger.Named("detector"),
	}
}

// Detect scans the main document first, then each frame, and returns the
// first one showing a challenge. Handle and track geometry is collected in
// the same pass. A frame that also shows a success marker does not count.
func (d *Detector) Detect(ctx context.Context, page browser.Page) (Challenge, bool, error) {
	frames, err := page.FrameSnapshots(ctx)
	if err != nil {
		return Challenge{}, false, fmt.Errorf("reading documents: %w", err)
	}

	for _, f := range frames {
		doc, err := dom.Parse(f.HTML)
		if err != nil {
			d.logger.Debug("Skipping unparseable document.", zap.Int("frame", f.Index), zap.Error(err))
			continue
		}
		signal := d.signal(doc)
		if signal == "" {
			continue
		}
		if phrase, ok := dom.ContainsPhrase(doc, d.SuccessPhrases); ok {
			d.logger.Debug("Challenge markers present alongside success marker.",
				zap.Int("frame", f.Index), zap.String("success", phrase))
			continue
		}

		ch := Challenge{Frame: f.Index, Signal: signal, Source: SourceDOM}
		if err := d.geometry(ctx, page, f.Index, doc, &ch); err != nil {
			return Challenge{}, false, err
		}
		if ch.Handle == nil {
			if err := d.probe(ctx, page, &ch); err != nil {
				return Challenge{}, false, err
			}
		}
		if ch.Handle == nil && ch.Track != nil {
			// Sliders rest at the left end of their track.
			est := schemas.Box{X: ch.Track.X, Y: ch.Track.Y, Width: ch.Track.Height, Height: ch.Track.Height}
			ch.Handle = &est
			ch.Source = SourceEstimated
		}
		if ch.Handle == nil {
			ch.Source = SourceEstimated
		}
		return ch, true, nil
	}
	return Challenge{}, false, nil
}

// signal returns a description of the first challenge marker in doc.
func (d *Detector) signal(doc *dom.Node) string {
	if phrase, ok := dom.ContainsPhrase(doc, d.Phrases); ok {
		return "text:" + phrase
	}
	marker := d.marker(doc)
	if marker == "" {
		return ""
	}
	if !d.hasSliderParts(doc) {
		d.logger.Debug("Ignoring challenge marker without slider parts.", zap.String("marker", marker))
		return ""
	}
	return marker
}

func (d *Detector) hasSliderParts(doc *dom.Node) bool {
	return len(dom.FindByClassToken(doc, d.HandlePatterns, d.Exclude)) > 0 ||
		len(dom.FindByClassToken(doc, d.TrackPatterns, d.Exclude)) > 0
}

func (d *Detector) marker(doc *dom.Node) string {
	if phrase, ok := dom.ContainsPhrase(doc, d.VerificationPhrases); ok {
		return "text:" + phrase
	}
	if nodes := dom.FindByClassToken(doc, d.ClassPatterns, d.Exclude); len(nodes) > 0 {
		return "class:" + htmlquery.SelectAttr(nodes[0], "class")
	}
	if d.Indicators != "" {
		nodes, err := htmlquery.QueryAll(doc, d.Indicators)
		if err == nil {
			for _, n := range nodes {
				if !dom.IsHidden(n) {
					return "element:" + n.Data
				}
			}
		}
	}
	return ""
}

func (d *Detector) geometry(ctx context.Context, page browser.Page, frame int, doc *dom.Node, ch *Challenge) error {
	var err error
	if ch.Handle, err = d.firstBox(ctx, page, frame, doc, d.HandlePatterns, nil); err != nil {
		return err
	}
	ch.Track, err = d.firstBox(ctx, page, frame, doc, d.TrackPatterns, d.HandlePatterns)
	return err
}

// firstBox returns the live box of the first visible element whose class
// matches patterns and none of exclude.
func (d *Detector) firstBox(ctx context.Context, page browser.Page, frame int, doc *dom.Node, patterns, exclude []string) (*schemas.Box, error) {
	for _, n := range dom.FindByClassToken(doc, patterns, d.Exclude) {
		if len(exclude) > 0 && dom.ClassHasToken(htmlquery.SelectAttr(n, "class"), exclude) {
			continue
		}
		ref := browser.XPath(dom.GenerateUniqueXPath(n)).InFrame(frame)
		box, ok, err := page.Geometry(ctx, ref)
		if err != nil {
			if browser.IsInfrastructure(err) || ctx.Err() != nil {
				return nil, err
			}
			d.logger.Debug("Geometry read failed.", zap.String("ref", ref.String()), zap.Error(err))
			continue
		}
		if ok && box.Valid() {
			b := box
			return &b, nil
		}
	}
	return nil, nil
}

type probeResult struct {
	Frame  int          `json:"frame"`
	Handle *schemas.Box `json:"handle"`
	Track  *schemas.Box `json:"track"`
}

// probe asks the page itself, which sees computed styles the snapshot lacks.
func (d *Detector) probe(ctx context.Context, page browser.Page, ch *Challenge) error {
	var res probeResult
	if err := page.Evaluate(ctx, probeScript, &res); err != nil {
		if browser.IsInfrastructure(err) || ctx.Err() != nil {
			return err
		}
		d.logger.Debug("Geometry probe failed.", zap.Error(err))
		return nil
	}
	if res.Handle != nil && res.Handle.Valid() {
		ch.Handle = res.Handle
		ch.Source = SourceScript
		if ch.Track == nil && res.Track != nil && res.Track.Valid() {
			ch.Track = res.Track
		}
	}
	return nil
}
