package captcha

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/mocks"
)

func TestDetectNoFalsePositives(t *testing.T) {
	clean := []string{
		cleanPage,
		`<html><body><form><input name="uid" placeholder="Please enter player ID here"><button>Login</button></form></body></html>`,
		`<html><body><p>Purchase successful</p><div class="slider">Banner carousel</div></body></html>`,
		// Markers hidden by markup do not count.
		`<html><body><div class="slider-captcha" hidden><p>Slide to verify</p></div></body></html>`,
		`<html><body><script>var t = "drag the slider";</script></body></html>`,
		// Other vendors' widgets are not slider challenges.
		`<html><body><h2>Enter PIN</h2><input maxlength="1">
			<div class="grecaptcha-badge" data-style="bottomright"><div class="grecaptcha-logo">
			<iframe title="reCAPTCHA" src="https://www.google.com/recaptcha/api2/anchor?k=abc&size=invisible"></iframe></div></div></body></html>`,
		`<html><body><iframe src="https://newassets.hcaptcha.com/captcha/v1/static/hcaptcha.html#frame=checkbox"></iframe></body></html>`,
		`<html><body><div class="cf-turnstile"><p>Verify you are human</p></div></body></html>`,
		// A captcha container without a handle or track is not a slider.
		`<html><body><div class="captcha"><img src="/captcha.png"><input name="code"></div></body></html>`,
		`<html><body><ul class="draggable-list"><li>Diamonds</li></ul><p>Security verification complete</p></body></html>`,
	}
	d := NewDetector(zaptest.NewLogger(t))
	for _, html := range clean {
		page := mocks.NewFixturePage(html)
		page.AddFrame(mocks.Frame{HTML: `<html><body><p>Wallet</p></body></html>`})
		_, found, err := d.Detect(context.Background(), page)
		require.NoError(t, err)
		assert.False(t, found, html)
	}
}

func TestDetectMainDocument(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)
	ch, found, err := NewDetector(zaptest.NewLogger(t)).Detect(context.Background(), page)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 0, ch.Frame)
	assert.Equal(t, SourceDOM, ch.Source)
	assert.Equal(t, "text:drag the slider", ch.Signal)
	require.NotNil(t, ch.Handle)
	require.NotNil(t, ch.Track)
	assert.Equal(t, schemas.Box{X: 100, Y: 400, Width: 40, Height: 40}, *ch.Handle)
	assert.Equal(t, schemas.Box{X: 100, Y: 400, Width: 340, Height: 40}, *ch.Track)
}

func TestDetectInFrame(t *testing.T) {
	page := mocks.NewFixturePage(`<html><body><iframe></iframe><p>Checkout</p></body></html>`)
	page.AddFrame(mocks.Frame{
		URL: "https://verify.example/challenge",
		HTML: `<html><body><div class="captcha-box">
			<div class="slider-track" data-box="0,50,300,36"><span class="slider-handle" data-box="0,50,36,36"></span></div>
		</div></body></html>`,
		Offset: schemas.Point{X: 200, Y: 100},
	})

	ch, found, err := NewDetector(zaptest.NewLogger(t)).Detect(context.Background(), page)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, ch.Frame)
	assert.Contains(t, ch.Signal, "class:")
	require.NotNil(t, ch.Handle)
	assert.Equal(t, schemas.Box{X: 200, Y: 150, Width: 36, Height: 36}, *ch.Handle, "frame offset applied")
}

func TestDetectIndicatorElement(t *testing.T) {
	page := mocks.NewFixturePage(`<html><body><div id="captcha"><div class="slide-track"></div></div></body></html>`)
	ch, found, err := NewDetector(zaptest.NewLogger(t)).Detect(context.Background(), page)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "element:div", ch.Signal)
	assert.Nil(t, ch.Handle, "the track has no geometry to estimate from")
	assert.Equal(t, SourceEstimated, ch.Source)
}

func TestDetectMarkerNeedsSliderParts(t *testing.T) {
	d := NewDetector(zaptest.NewLogger(t))

	page := mocks.NewFixturePage(`<html><body><div class="captcha-box"><p>Please wait</p></div></body></html>`)
	_, found, err := d.Detect(context.Background(), page)
	require.NoError(t, err)
	assert.False(t, found)

	page.SetHTML(`<html><body><div class="captcha-box"><p>Please wait</p>
		<div class="slider-track" data-box="0,50,300,36"><span class="slider-handle" data-box="0,50,36,36"></span></div></div></body></html>`)
	ch, found, err := d.Detect(context.Background(), page)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "class:captcha-box", ch.Signal)
}

func TestDetectSuccessMarkerClears(t *testing.T) {
	page := mocks.NewFixturePage(`<html><body><div class="slider-captcha"><p>Verification successful</p></div></body></html>`)
	_, found, err := NewDetector(zaptest.NewLogger(t)).Detect(context.Background(), page)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDetectEstimatesHandleFromTrack(t *testing.T) {
	page := mocks.NewFixturePage(`<html><body><p>Slide to verify</p><div class="slider-track" data-box="50,300,320,44"></div></body></html>`)
	ch, found, err := NewDetector(zaptest.NewLogger(t)).Detect(context.Background(), page)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceEstimated, ch.Source)
	require.NotNil(t, ch.Handle)
	assert.Equal(t, schemas.Box{X: 50, Y: 300, Width: 44, Height: 44}, *ch.Handle)
}

func TestDetectFallsBackToProbe(t *testing.T) {
	page := mocks.NewFixturePage(`<html><body><p>Complete the puzzle</p><canvas></canvas></body></html>`)
	page.EvaluateFunc = func(script string, out interface{}) error {
		assert.Equal(t, probeScript, script)
		return json.Unmarshal([]byte(`{"frame":0,"handle":{"x":10,"y":500,"width":42,"height":42},"track":{"x":10,"y":500,"width":320,"height":42}}`), out)
	}

	ch, found, err := NewDetector(zaptest.NewLogger(t)).Detect(context.Background(), page)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, SourceScript, ch.Source)
	require.NotNil(t, ch.Handle)
	assert.Equal(t, 42.0, ch.Handle.Width)
	require.NotNil(t, ch.Track)
	assert.Equal(t, 320.0, ch.Track.Width)
}

func TestDetectPropagatesInfrastructureErrors(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)
	page.Fail["Geometry"] = browser.ErrSessionExpired
	_, _, err := NewDetector(zaptest.NewLogger(t)).Detect(context.Background(), page)
	assert.ErrorIs(t, err, browser.ErrSessionExpired)
}
