package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/captcha"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/evidence"
	"github.com/cpauline9999-sketch/Ff5/internal/humanoid"
	"github.com/cpauline9999-sketch/Ff5/internal/mocks"
)

const buyer = "301372144"

// Screens of the fake storefront. Clicking an element with data-next shows
// that screen on the same page; data-tab opens a provider tab.
var mainScreens = map[string]string{
	"shop": `<html><body><h1>Select game</h1>
		<div role="radio" data-box="100,100,120,40" data-next="game">Free Fire</div>
		<div role="radio" data-box="240,100,120,40">Other Game</div></body></html>`,
	"game": `<html><body><h2>Free Fire</h2>
		<button data-box="100,200,100,40" data-next="redeem">Redeem</button></body></html>`,
	"redeem": `<html><body><div class="header"><button data-box="900,10,80,30" data-next="modal">Login</button></div>
		<p>Redeem with your player account</p></body></html>`,
	"modal": `<html><body><div class="modal"><form>
		<label>Player ID</label>
		<input type="text" placeholder="Please enter player ID here" data-box="400,300,300,40">
		<button type="submit" data-box="400,360,300,40" data-next="account">Login</button>
		</form></div></body></html>`,
	"account": `<html><body><span class="player-name" data-box="900,10,80,30">Tester</span>
		<button data-box="500,600,200,50" data-next="amounts">Proceed to Payment</button></body></html>`,
	"amounts": `<html><body><h2>Select Amount</h2>
		<div data-box="100,200,80,40">5</div>
		<div data-box="200,200,80,40" data-next="channels">25</div>
		<div data-box="300,200,80,40">50</div></body></html>`,
	"channels": `<html><body><h2>Select Payment Channel</h2>
		<button data-box="100,300,150,50" data-next="options">Wallet</button></body></html>`,
	"options": `<html><body><div data-box="100,400,150,50" data-tab="provider">UP Points</div></body></html>`,
	"invalid": `<html><body><p>Invalid Player ID</p></body></html>`,
}

var providerScreens = map[string]string{
	"signin": `<html><body><h1>Sign in to UniPin</h1><form>
		<input type="email" placeholder="Email" data-box="400,200,300,40">
		<input type="password" placeholder="Password" data-box="400,260,300,40">
		<button type="submit" data-box="400,320,300,40" data-next="pin">Sign in</button>
		</form></body></html>`,
	"pin": `<html><body><p>Security PIN</p>
		<input type="password" maxlength="1" data-box="400,300,40,40">
		<input type="password" maxlength="1" data-box="450,300,40,40">
		<input type="password" maxlength="1" data-box="500,300,40,40">
		<input type="password" maxlength="1" data-box="550,300,40,40">
		<input type="password" maxlength="1" data-box="600,300,40,40">
		<input type="password" maxlength="1" data-box="650,300,40,40">
		<button data-box="400,380,290,40" data-next="done">Confirm</button></body></html>`,
	"otp": `<html><body><h2>Enter OTP code</h2><p>We sent a One-Time Password to your phone.</p>
		<input type="text" data-box="400,300,300,40"></body></html>`,
	"challenge": `<html><body><div class="slider-captcha"><p>Drag the slider to complete the puzzle</p>
		<div class="slider-track" data-box="100,400,340,40"><span class="slider-btn" data-box="100,400,40,40"></span></div>
		</div></body></html>`,
	"done":    `<html><body><p>Transaction successful</p></body></html>`,
	"failed":  `<html><body><p>Payment failed: insufficient UP Points balance</p></body></html>`,
	"pending": `<html><body><p>Your order is being processed</p></body></html>`,
}

// storefront wires fixture pages into a clickable site.
type storefront struct {
	t        *testing.T
	screens  map[string]string
	main     *mocks.FixturePage
	provider *mocks.FixturePage
	session  *mocks.Session

	mu      sync.Mutex
	current map[*mocks.FixturePage]string
	// challengeClears is the release on the challenge screen that clears it.
	challengeClears int
	challengeDrags  int
}

func newStorefront(t *testing.T, overrides map[string]string) *storefront {
	s := &storefront{t: t, screens: map[string]string{}, current: map[*mocks.FixturePage]string{}}
	for _, set := range []map[string]string{mainScreens, providerScreens, overrides} {
		for k, v := range set {
			s.screens[k] = v
		}
	}
	s.main = mocks.NewFixturePage("")
	s.provider = mocks.NewFixturePage("")
	s.show(s.main, "shop")
	s.show(s.provider, "signin")
	s.main.OnMouse = s.follow
	s.provider.OnMouse = s.follow
	return s
}

func (s *storefront) show(p *mocks.FixturePage, screen string) {
	html, ok := s.screens[screen]
	require.True(s.t, ok, "unknown screen %s", screen)
	p.SetHTML(html)
	s.mu.Lock()
	s.current[p] = screen
	s.mu.Unlock()
}

func (s *storefront) screen(p *mocks.FixturePage) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current[p]
}

func (s *storefront) follow(p *mocks.FixturePage, ev schemas.MouseEventData) {
	if ev.Type != schemas.MouseRelease {
		return
	}
	if s.screen(p) == "challenge" {
		s.mu.Lock()
		s.challengeDrags++
		clear := s.challengeClears > 0 && s.challengeDrags >= s.challengeClears
		s.mu.Unlock()
		if clear {
			s.show(p, "pin")
		}
		return
	}

	html, err := p.Snapshot(context.Background())
	require.NoError(s.t, err)
	doc, err := htmlquery.Parse(strings.NewReader(html))
	require.NoError(s.t, err)
	for _, n := range htmlquery.Find(doc, "//*[@data-next or @data-tab]") {
		var b schemas.Box
		_, err := fmt.Sscanf(htmlquery.SelectAttr(n, mocks.BoxAttr), "%g,%g,%g,%g", &b.X, &b.Y, &b.Width, &b.Height)
		if err != nil || ev.X < b.X || ev.X > b.X+b.Width || ev.Y < b.Y || ev.Y > b.Y+b.Height {
			continue
		}
		if next := htmlquery.SelectAttr(n, "data-next"); next != "" {
			s.show(p, next)
		}
		if htmlquery.SelectAttr(n, "data-tab") != "" {
			s.session.OpenTab(s.provider)
		}
		return
	}
}

// mockSolver is a testify mock of captcha.RemoteSolver.
type mockSolver struct {
	mock.Mock
}

func (m *mockSolver) Submit(ctx context.Context, image []byte, hint string) (string, error) {
	args := m.Called(ctx, image, hint)
	return args.String(0), args.Error(1)
}

func (m *mockSolver) Poll(ctx context.Context, jobID string) (captcha.PollResult, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(captcha.PollResult), args.Error(1)
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Browser.NavigationTimeout = time.Second
	cfg.Browser.SessionLifetime = 30 * time.Second
	cfg.Humanoid.Enabled = false
	cfg.Locator.AttemptTimeout = 40 * time.Millisecond
	cfg.Locator.PollInterval = 10 * time.Millisecond
	cfg.Storefront.OTPWait = 0
	cfg.Storefront.VerifyTimeout = 50 * time.Millisecond
	cfg.Account = config.AccountConfig{Email: "buyer@example.com", Password: "correct-horse", PIN: "121212"}
	cfg.Captcha.Steps = 5
	cfg.Captcha.StepDelay = 0
	cfg.Captcha.VerifyDelay = 0
	cfg.Captcha.Remote.PollInterval = 5 * time.Millisecond
	cfg.Captcha.Remote.MaxPolls = 5
	cfg.Captcha.Remote.Instructions = "Click the slider handle"
	return cfg
}

type harness struct {
	site     *storefront
	provider *mocks.Provider
	runner   *Runner
	dir      string
}

func newHarness(t *testing.T, cfg *config.Config, overrides map[string]string, opts ...Option) *harness {
	t.Helper()
	site := newStorefront(t, overrides)
	provider := mocks.NewProvider(site.main)
	site.session = provider.Session(0)

	dir := t.TempDir()
	root, err := evidence.NewDirSink(dir, nil)
	require.NoError(t, err)

	opts = append([]Option{WithEvidence(root), WithTiming(humanoid.NewSeededTiming(7))}, opts...)
	runner, err := NewRunner(cfg, provider, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return &harness{site: site, provider: provider, runner: runner, dir: dir}
}

func (h *harness) run(t *testing.T) schemas.AutomationResult {
	t.Helper()
	res := h.runner.Run(context.Background(), schemas.PurchaseRequest{BuyerID: buyer, Quantity: 25})
	assert.Zero(t, h.provider.Active(), "session must be released")
	assert.NotEmpty(t, res.RunID)
	return res
}

func shotNames(res schemas.AutomationResult) []string {
	names := make([]string, len(res.Screenshots))
	for i, p := range res.Screenshots {
		names[i] = filepath.Base(p)
	}
	return names
}

func TestRunSucceeds(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	res := h.run(t)

	require.True(t, res.Success, res.Message)
	assert.Equal(t, schemas.ErrKindNone, res.ErrorKind)
	assert.Empty(t, res.FailedStep)
	assert.Contains(t, res.Message, buyer)
	assert.Equal(t, 0, res.ExitCode())

	assert.Equal(t, []string{"https://shop.garena.my/"}, h.site.main.Navigations())
	assert.Equal(t, buyer, h.site.main.Typed())
	assert.Equal(t, "buyer@example.com"+"correct-horse"+"121212", h.site.provider.Typed())
	assert.Equal(t, "done", h.site.screen(h.site.provider))
	assert.Equal(t, 1, h.provider.Session(0).Closed())

	names := shotNames(res)
	require.Len(t, names, 32, "before and after every step")
	assert.True(t, strings.HasPrefix(names[0], "01_navigate_storefront_before_"), names[0])
	assert.True(t, strings.HasPrefix(names[31], "16_verify_result_after_"), names[31])
	for _, p := range res.Screenshots {
		assert.FileExists(t, p)
		assert.True(t, strings.HasPrefix(p, h.dir), "evidence stays under the configured directory")
	}
}

func TestRunIgnoresRecaptchaBadge(t *testing.T) {
	badge := `<div class="grecaptcha-badge" data-box="1200,700,256,60"><div class="grecaptcha-logo">
		<iframe title="reCAPTCHA" src="https://www.google.com/recaptcha/api2/anchor?k=site&size=invisible"></iframe></div></div></body>`
	h := newHarness(t, testConfig(), map[string]string{
		"pin": strings.Replace(providerScreens["pin"], "</body>", badge, 1),
	})

	res := h.run(t)

	require.True(t, res.Success, res.Message)
	assert.Equal(t, "done", h.site.screen(h.site.provider))
	for _, ev := range h.site.provider.Events() {
		assert.False(t, ev.Type == schemas.MousePress && ev.X >= 1200, "nothing is pressed on the badge")
	}
}

func TestRunOTPRequiresManualIntervention(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]string{
		"signin": strings.Replace(providerScreens["signin"], `data-next="pin"`, `data-next="otp"`, 1),
	})
	res := h.run(t)

	assert.False(t, res.Success)
	assert.Equal(t, schemas.ErrKindOTPRequired, res.ErrorKind)
	assert.Equal(t, StepCheckOTP, res.FailedStep)
	assert.True(t, res.ManualIntervention)
	assert.False(t, res.Retriable)
	assert.Equal(t, schemas.OrderManualPending, schemas.StatusForResult(res))

	names := shotNames(res)
	require.NotEmpty(t, names)
	assert.True(t, strings.HasPrefix(names[len(names)-1], "13_check_otp_after_"), names[len(names)-1])
	assert.Empty(t, h.site.provider.Regions(), "later steps never ran")
}

func TestRunSolvesChallengeRemotelyAfterLocalFailures(t *testing.T) {
	solver := new(mockSolver)
	solver.On("Submit", mock.Anything, []byte("region-png"), "Click the slider handle").Return("job-1", nil).Once()
	solver.On("Poll", mock.Anything, "job-1").Return(captcha.PollResult{State: captcha.JobSolved, Payload: "x=30,y=25"}, nil).Once()

	h := newHarness(t, testConfig(), map[string]string{
		"signin": strings.Replace(providerScreens["signin"], `data-next="pin"`, `data-next="challenge"`, 1),
	}, WithSolver(solver))
	h.site.challengeClears = 4

	res := h.run(t)

	require.True(t, res.Success, res.Message)
	solver.AssertExpectations(t)
	assert.Equal(t, 4, h.site.challengeDrags, "three local drags and one remote drag")
	assert.Len(t, h.site.provider.Regions(), 1)

	var presses []schemas.Point
	for _, ev := range h.site.provider.Events() {
		if ev.Type == schemas.MousePress {
			presses = append(presses, schemas.Point{X: ev.X, Y: ev.Y})
		}
	}
	assert.Contains(t, presses, schemas.Point{X: 110, Y: 405}, "remote coordinates are mapped back into the viewport")
}

func TestRunChallengeUnsolved(t *testing.T) {
	cfg := testConfig()
	cfg.Captcha.Remote.Provider = config.ProviderNone
	h := newHarness(t, cfg, map[string]string{
		"signin": strings.Replace(providerScreens["signin"], `data-next="pin"`, `data-next="challenge"`, 1),
	})

	res := h.run(t)

	assert.False(t, res.Success)
	assert.Equal(t, schemas.ErrKindCaptchaUnsolved, res.ErrorKind)
	assert.Equal(t, StepChallenge, res.FailedStep)
	assert.Equal(t, 4, h.site.challengeDrags, "three local drags and one blind guess")
	assert.True(t, strings.HasPrefix(shotNames(res)[len(res.Screenshots)-1], "error_resolve_challenge_"))
}

func TestRunConnectionFailure(t *testing.T) {
	for _, err := range []error{
		errors.New("websocket: bad handshake"),
		fmt.Errorf("%w: dial tcp: connection refused", browser.ErrConnection),
	} {
		t.Run(err.Error(), func(t *testing.T) {
			h := newHarness(t, testConfig(), nil)
			h.provider.Err = err

			res := h.run(t)

			assert.False(t, res.Success)
			assert.Equal(t, schemas.ErrKindBrowserConnection, res.ErrorKind)
			assert.Equal(t, StepConnect, res.FailedStep)
			assert.True(t, res.Retriable)
			assert.Empty(t, res.Screenshots)
			assert.Zero(t, h.provider.Acquired())
		})
	}
}

func TestRunNoSessionAvailable(t *testing.T) {
	dir := t.TempDir()
	root, err := evidence.NewDirSink(dir, nil)
	require.NoError(t, err)
	provider := mocks.NewProvider()
	runner, err := NewRunner(testConfig(), provider, zaptest.NewLogger(t), WithEvidence(root))
	require.NoError(t, err)

	res := runner.Run(context.Background(), schemas.PurchaseRequest{BuyerID: buyer, Quantity: 25})

	assert.Equal(t, schemas.ErrKindSessionUnavailable, res.ErrorKind)
	assert.True(t, res.Retriable)
	assert.Zero(t, provider.Active())
}

func TestRunConnectionDropsMidRun(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.site.main.OnNavigate = func(*mocks.FixturePage, string) error {
		return fmt.Errorf("%w: websocket closed", browser.ErrConnection)
	}

	res := h.run(t)

	assert.Equal(t, schemas.ErrKindBrowserConnection, res.ErrorKind)
	assert.Equal(t, StepNavigate, res.FailedStep)
	assert.Len(t, h.site.main.Navigations(), 1, "infrastructure errors are not retried")
	assert.Equal(t, 1, h.provider.Session(0).Closed())
}

func TestRunNavigationRetriesOnce(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.site.main.OnNavigate = func(*mocks.FixturePage, string) error {
		return errors.New("net::ERR_NAME_NOT_RESOLVED")
	}

	res := h.run(t)

	assert.Equal(t, schemas.ErrKindNavigation, res.ErrorKind)
	assert.Contains(t, res.Message, "ERR_NAME_NOT_RESOLVED")
	assert.Len(t, h.site.main.Navigations(), 2)
	assert.False(t, res.Retriable)
}

func TestRunInvalidBuyer(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]string{
		"modal": strings.Replace(mainScreens["modal"], `data-next="account"`, `data-next="invalid"`, 1),
	})

	res := h.run(t)

	assert.Equal(t, schemas.ErrKindElementNotFound, res.ErrorKind)
	assert.Equal(t, StepVerifyIdentity, res.FailedStep)
	assert.Contains(t, res.Message, "invalid buyer id")
	assert.Contains(t, res.Message, StepVerifyIdentity)
}

func TestRunMissingRequiredElement(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]string{
		"amounts": `<html><body><h2>Select Amount</h2><div data-box="100,200,80,40">5</div></body></html>`,
	})

	res := h.run(t)

	assert.Equal(t, schemas.ErrKindElementNotFound, res.ErrorKind)
	assert.Equal(t, StepSelectQuantity, res.FailedStep)
	assert.Contains(t, res.Message, "amount 25")
	names := shotNames(res)
	assert.True(t, strings.HasPrefix(names[len(names)-1], "error_select_quantity_"))
}

func TestRunTransactionOutcomes(t *testing.T) {
	for _, tc := range []struct {
		screen, message string
	}{
		{"failed", "transaction failed: page reports"},
		{"pending", "could not verify"},
		{"unsuccessful", `page reports "unsuccessful"`},
		{"error_page", `page reports "error"`},
	} {
		t.Run(tc.screen, func(t *testing.T) {
			h := newHarness(t, testConfig(), map[string]string{
				"pin":          strings.Replace(providerScreens["pin"], `data-next="done"`, `data-next="`+tc.screen+`"`, 1),
				"unsuccessful": `<html><body><p>Transaction unsuccessful. Please try again.</p></body></html>`,
				"error_page":   `<html><body><h3>Something went wrong</h3><p>Payment error, no errors were retried.</p></body></html>`,
			})

			res := h.run(t)

			assert.Equal(t, schemas.ErrKindTransactionFailed, res.ErrorKind)
			assert.Equal(t, StepVerifyResult, res.FailedStep)
			assert.Contains(t, res.Message, tc.message)
		})
	}
}

func TestRunSessionLifetimeExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.Browser.SessionLifetime = 50 * time.Millisecond
	h := newHarness(t, cfg, nil)
	h.site.main.OnNavigate = func(*mocks.FixturePage, string) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}

	res := h.run(t)

	assert.Equal(t, schemas.ErrKindSessionExpired, res.ErrorKind)
	assert.True(t, res.Retriable)
	assert.NotEmpty(t, res.Screenshots, "evidence is still captured after the deadline")
}

func TestRunRecoversFromPanickingStep(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.runner.steps = func(*flow) []Step {
		return []Step{{Name: "explode", Run: func(context.Context, *RunContext) StepOutcome { panic("boom") }}}
	}

	res := h.run(t)

	assert.False(t, res.Success)
	assert.Equal(t, schemas.ErrKindInfrastructureTimeout, res.ErrorKind)
	assert.Equal(t, "explode", res.FailedStep)
	assert.Contains(t, res.Message, "boom")
	assert.Equal(t, []string{"01_explode_before"}, trimStamps(shotNames(res)))
	assert.Equal(t, 1, h.provider.Session(0).Closed())
}

func TestRunSoftFailContinues(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	var ran []string
	h.runner.steps = func(*flow) []Step {
		step := func(name string, out StepOutcome) Step {
			return Step{Name: name, Run: func(context.Context, *RunContext) StepOutcome {
				ran = append(ran, name)
				return out
			}}
		}
		return []Step{
			step("optional", Warn("not shown")),
			step("required", Fail(schemas.ErrKindElementNotFound, "gone")),
			step("never", Proceed()),
		}
	}

	res := h.run(t)

	assert.Equal(t, []string{"optional", "required"}, ran)
	assert.Equal(t, "required", res.FailedStep)
	assert.Equal(t, []string{
		"01_optional_before", "01_optional_after",
		"02_required_before", "02_required_after", "error_required",
	}, trimStamps(shotNames(res)))
}

func TestRunRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	res := h.runner.Run(context.Background(), schemas.PurchaseRequest{BuyerID: buyer})

	assert.Equal(t, schemas.ErrKindConfigurationInvalid, res.ErrorKind)
	assert.Zero(t, h.provider.Acquired())
}

func TestClassify(t *testing.T) {
	live := context.Background()
	expired, cancel := context.WithTimeout(live, -time.Second)
	defer cancel()

	assert.Equal(t, schemas.ErrKindSessionUnavailable, classify(live, live, browser.ErrSessionUnavailable))
	assert.Equal(t, schemas.ErrKindSessionExpired, classify(live, live, browser.ErrSessionExpired))
	assert.Equal(t, schemas.ErrKindSessionExpired, classify(live, expired, context.DeadlineExceeded))
	assert.Equal(t, schemas.ErrKindInfrastructureTimeout, classify(expired, expired, context.DeadlineExceeded),
		"the caller's own deadline is not a session expiry")
	assert.Equal(t, schemas.ErrKindBrowserConnection, classify(live, live, browser.ErrConnection))
	assert.Equal(t, schemas.ErrKindInfrastructureTimeout, classify(live, live, captcha.ErrRemoteUnavailable))
}

// trimStamps drops the `_<unixMillis>.png` suffix.
func trimStamps(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = n[:strings.LastIndex(n, "_")]
	}
	return out
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
