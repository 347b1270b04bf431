package captcha

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/humanoid"
	"github.com/cpauline9999-sketch/Ff5/internal/mocks"
)

const challengePage = `<html><body>
<div class="slider-captcha">
  <p>Drag the slider to complete the puzzle</p>
  <div class="slider-track" data-box="100,400,340,40">
    <div class="slider-btn" data-box="100,400,40,40"></div>
  </div>
</div>
</body></html>`

const cleanPage = `<html><body><h1>Select amount</h1><button data-box="10,10,80,30">25 Diamonds</button></body></html>`

// MockSolver is a testify mock of RemoteSolver.
type MockSolver struct {
	mock.Mock
}

func (m *MockSolver) Submit(ctx context.Context, image []byte, hint string) (string, error) {
	args := m.Called(ctx, image, hint)
	return args.String(0), args.Error(1)
}

func (m *MockSolver) Poll(ctx context.Context, jobID string) (PollResult, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(PollResult), args.Error(1)
}

func testConfig() config.CaptchaConfig {
	return config.CaptchaConfig{
		LocalAttempts:   3,
		MinDistance:     100,
		MaxDistance:     500,
		DefaultDistance: 260,
		Margin:          10,
		Steps:           5,
		JitterAmplitude: 2,
		PerturbDistance: 12,
		PerturbOffsetY:  3,
		BlindDistance:   260,
		Remote: config.RemoteSolverConfig{
			Provider:     config.ProviderSolveCaptcha,
			Instructions: "Click the slider handle",
			PollInterval: 5 * time.Millisecond,
			MaxPolls:     5,
		},
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	hcfg := humanoid.DefaultConfig()
	hcfg.Enabled = false
	opts = append([]Option{WithPointer(func(p browser.Page) *humanoid.Humanoid {
		return humanoid.New(hcfg, zap.NewNop(), humanoid.Adapt(p), humanoid.NewSeededTiming(1))
	})}, opts...)
	return NewEngine(testConfig(), zaptest.NewLogger(t), opts...)
}

// clearOnRelease swaps in a clean page when the n-th drag is released.
func clearOnRelease(page *mocks.FixturePage, n int32) {
	var releases atomic.Int32
	page.OnMouse = func(p *mocks.FixturePage, ev schemas.MouseEventData) {
		if ev.Type == schemas.MouseRelease && releases.Add(1) == n {
			p.SetHTML(cleanPage)
		}
	}
}

func presses(page *mocks.FixturePage) []schemas.MouseEventData {
	var out []schemas.MouseEventData
	for _, ev := range page.Events() {
		if ev.Type == schemas.MousePress {
			out = append(out, ev)
		}
	}
	return out
}

func releases(page *mocks.FixturePage) []schemas.MouseEventData {
	var out []schemas.MouseEventData
	for _, ev := range page.Events() {
		if ev.Type == schemas.MouseRelease {
			out = append(out, ev)
		}
	}
	return out
}

func TestResolveNotPresent(t *testing.T) {
	page := mocks.NewFixturePage(cleanPage)
	page.AddFrame(mocks.Frame{HTML: `<html><body><p>Payment options</p></body></html>`})

	solver := &MockSolver{}
	out, err := newTestEngine(t, WithSolver(solver)).Resolve(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, StatusNotPresent, out.Status)
	assert.True(t, out.Cleared())
	assert.Empty(t, page.Events())
	solver.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolveSolvedOnFirstLocalDrag(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)
	clearOnRelease(page, 1)

	out, err := newTestEngine(t).Resolve(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, StatusSolved, out.Status)
	assert.Equal(t, TierLocal, out.Tier)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, SourceDOM, out.Challenge.Source)

	p := presses(page)
	require.Len(t, p, 1)
	assert.Equal(t, 120.0, p[0].X, "press at the handle center")
	assert.Equal(t, 420.0, p[0].Y)
	r := releases(page)
	require.Len(t, r, 1)
	assert.Equal(t, 410.0, r[0].X, "track 340 - handle 40 - margin 10")
}

func TestResolveLocalExhaustedThenRemoteSolves(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)
	clearOnRelease(page, 4)

	solver := &MockSolver{}
	solver.On("Submit", mock.Anything, []byte("region-png"), "Click the slider handle").Return("job-1", nil).Once()
	solver.On("Poll", mock.Anything, "job-1").Return(PollResult{State: JobPending}, nil).Once()
	solver.On("Poll", mock.Anything, "job-1").Return(PollResult{State: JobSolved, Payload: "x=30,y=25"}, nil).Once()

	out, err := newTestEngine(t, WithSolver(solver)).Resolve(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, StatusSolved, out.Status)
	assert.Equal(t, TierRemote, out.Tier)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, SourceRemote, out.Challenge.Source)
	solver.AssertExpectations(t)

	p := presses(page)
	require.Len(t, p, 4)
	// Local retries shift the start vertically and the distance.
	assert.Equal(t, []float64{420, 423, 417}, []float64{p[0].Y, p[1].Y, p[2].Y})
	r := releases(page)
	require.Len(t, r, 4)
	assert.Equal(t, []float64{410, 398, 422}, []float64{r[0].X, r[1].X, r[2].X})

	// The screenshot covers track and handle with 20px padding, and the
	// answer is relative to it.
	assert.Equal(t, []schemas.Box{{X: 80, Y: 380, Width: 380, Height: 80}}, page.Regions())
	assert.Equal(t, 110.0, p[3].X)
	assert.Equal(t, 405.0, p[3].Y)
}

func TestResolveRemoteFailureFallsToBlind(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)
	clearOnRelease(page, 4)

	solver := &MockSolver{}
	solver.On("Submit", mock.Anything, mock.Anything, mock.Anything).Return("job-2", nil)
	solver.On("Poll", mock.Anything, "job-2").Return(PollResult{State: JobFailed, Payload: "ERROR_CAPTCHA_UNSOLVABLE"}, nil)

	out, err := newTestEngine(t, WithSolver(solver)).Resolve(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, StatusSolved, out.Status)
	assert.Equal(t, TierBlind, out.Tier)
	assert.Equal(t, 4, out.Attempts)

	p := presses(page)
	require.Len(t, p, 4)
	assert.InDelta(t, 1366*0.4, p[3].X, 0.001, "blind guess starts center-left")
	assert.Equal(t, 384.0, p[3].Y)
}

func TestResolveMalformedRemoteAnswerFallsToBlind(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)

	solver := &MockSolver{}
	solver.On("Submit", mock.Anything, mock.Anything, mock.Anything).Return("job-3", nil)
	solver.On("Poll", mock.Anything, "job-3").Return(PollResult{State: JobSolved, Payload: "no idea"}, nil)

	out, err := newTestEngine(t, WithSolver(solver)).Resolve(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsolved, out.Status)
	assert.Equal(t, TierBlind, out.Tier)
	assert.Equal(t, 4, out.Attempts, "three local drags and the blind one")
}

func TestResolvePollExhaustionFallsToBlind(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)

	solver := &MockSolver{}
	solver.On("Submit", mock.Anything, mock.Anything, mock.Anything).Return("job-4", nil)
	solver.On("Poll", mock.Anything, "job-4").Return(PollResult{State: JobPending}, nil)

	out, err := newTestEngine(t, WithSolver(solver)).Resolve(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsolved, out.Status)
	solver.AssertNumberOfCalls(t, "Poll", testConfig().Remote.MaxPolls)
}

func TestResolveUnsolvedWithoutSolver(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)

	out, err := newTestEngine(t).Resolve(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsolved, out.Status)
	assert.False(t, out.Cleared())
	assert.Equal(t, 4, out.Attempts)
	assert.Len(t, releases(page), 4)
}

func TestResolveRemoteUnavailablePropagates(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)

	solver := &MockSolver{}
	solver.On("Submit", mock.Anything, mock.Anything, mock.Anything).
		Return("", fmt.Errorf("%w: connection refused", ErrRemoteUnavailable))

	_, err := newTestEngine(t, WithSolver(solver)).Resolve(context.Background(), page)
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestResolveWithoutGeometryUsesFullScreenshot(t *testing.T) {
	page := mocks.NewFixturePage(`<html><body><p>Security verification</p><p>Slide to verify</p></body></html>`)
	clearOnRelease(page, 1)

	solver := &MockSolver{}
	solver.On("Submit", mock.Anything, []byte("png-1"), mock.Anything).Return("job-5", nil)
	solver.On("Poll", mock.Anything, "job-5").Return(PollResult{State: JobSolved, Payload: "[{\"x\":\"200\",\"y\":\"300\"}]"}, nil)

	out, err := newTestEngine(t, WithSolver(solver)).Resolve(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, StatusSolved, out.Status)
	assert.Equal(t, TierRemote, out.Tier)
	assert.Equal(t, 1, out.Attempts, "no local drags without a handle")
	assert.Empty(t, page.Regions())

	p := presses(page)
	require.Len(t, p, 1)
	assert.Equal(t, schemas.Point{X: 200, Y: 300}, schemas.Point{X: p[0].X, Y: p[0].Y})
	r := releases(page)
	assert.Equal(t, 200+testConfig().DefaultDistance, r[0].X)
}

func TestResolvePropagatesSessionFailure(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)
	page.Fail["FrameSnapshots"] = browser.ErrConnection

	_, err := newTestEngine(t).Resolve(context.Background(), page)
	assert.ErrorIs(t, err, browser.ErrConnection)
}

func TestResolveDragRejectedCountsAsFailedAttempt(t *testing.T) {
	page := mocks.NewFixturePage(challengePage)
	page.Fail["DispatchMouseEvent"] = fmt.Errorf("input domain disabled")

	out, err := newTestEngine(t).Resolve(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsolved, out.Status)
	assert.Equal(t, 4, out.Attempts)
}

func TestResolveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	page := mocks.NewFixturePage(challengePage)
	page.OnMouse = func(p *mocks.FixturePage, ev schemas.MouseEventData) {
		if ev.Type == schemas.MousePress {
			cancel()
		}
	}

	_, err := newTestEngine(t).Resolve(ctx, page)
	assert.ErrorIs(t, err, context.Canceled)
}
