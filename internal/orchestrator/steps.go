package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/browser/dom"
	"github.com/cpauline9999-sketch/Ff5/internal/captcha"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/locator"
	"github.com/cpauline9999-sketch/Ff5/internal/retry"
)

// Step names. They appear in screenshot names and in FailedStep.
const (
	StepConnect          = "connect_session"
	StepNavigate         = "navigate_storefront"
	StepSelectGame       = "select_game"
	StepOpenRedeem       = "open_redeem"
	StepLogoutPrevious   = "logout_previous"
	StepAuthenticate     = "authenticate"
	StepLoginChallenge   = "resolve_login_challenge"
	StepVerifyIdentity   = "verify_identity"
	StepProceed          = "proceed_to_payment"
	StepSelectQuantity   = "select_quantity"
	StepSelectChannel    = "select_payment_channel"
	StepSelectSubChannel = "select_sub_channel"
	StepProviderSignIn   = "provider_sign_in"
	StepCheckOTP         = "check_otp"
	StepChallenge        = "resolve_challenge"
	StepEnterPIN         = "enter_pin"
	StepVerifyResult     = "verify_result"
)

const minPINBoxes = 6

var invalidPhrases = []string{"invalid"}

// Step is one named stage of the purchase pipeline.
type Step struct {
	Name string
	Run  func(ctx context.Context, rc *RunContext) StepOutcome
}

// flow holds what the purchase steps share within one run.
type flow struct {
	cfg    *config.Config
	loc    *locator.Locator
	engine *captcha.Engine
}

// steps returns the purchase pipeline in execution order.
func (f *flow) steps() []Step {
	sf := f.cfg.Storefront
	return []Step{
		{StepNavigate, f.navigate},
		{StepSelectGame, f.clickStep(func(*RunContext) locator.Query { return gameQuery(sf.GameName) }, true)},
		{StepOpenRedeem, f.clickStep(func(*RunContext) locator.Query { return redeemQuery }, false)},
		{StepLogoutPrevious, f.logoutPrevious},
		{StepAuthenticate, f.authenticate},
		{StepLoginChallenge, f.resolveChallenge},
		{StepVerifyIdentity, f.verifyIdentity},
		{StepProceed, f.clickStep(func(*RunContext) locator.Query { return proceedQuery }, false)},
		{StepSelectQuantity, f.clickStep(func(rc *RunContext) locator.Query { return amountQuery(rc.Request.Quantity) }, true)},
		{StepSelectChannel, f.clickStep(func(*RunContext) locator.Query { return channelQuery(sf.PaymentChannel) }, true)},
		{StepSelectSubChannel, f.clickStep(func(*RunContext) locator.Query { return subChannelQuery(sf.SubChannel) }, false)},
		{StepProviderSignIn, f.providerSignIn},
		{StepCheckOTP, f.checkOTP},
		{StepChallenge, f.resolveChallenge},
		{StepEnterPIN, f.enterPIN},
		{StepVerifyResult, f.verifyResult},
	}
}

// interrupted maps an error raised while operating the page. Infrastructure
// faults and cancellation abort the run as such; anything else means the
// target could not be operated.
func interrupted(ctx context.Context, rc *RunContext, target string, err error) StepOutcome {
	if ctx.Err() != nil || browser.IsInfrastructure(err) ||
		errors.Is(err, context.Canceled) || errors.Is(err, captcha.ErrRemoteUnavailable) {
		return Errored(err)
	}
	rc.Logger().Warn("Interaction failed.", zap.String("target", target), zap.Error(err))
	return Fail(schemas.ErrKindElementNotFound, "element not found in step %s: %s could not be operated: %v", rc.Step(), target, err)
}

// clickStep clicks the query's target. A missing target fails the run when
// required and is only a warning otherwise.
func (f *flow) clickStep(query func(*RunContext) locator.Query, required bool) func(context.Context, *RunContext) StepOutcome {
	return func(ctx context.Context, rc *RunContext) StepOutcome {
		q := query(rc)
		found, err := f.loc.ClickQuery(ctx, rc.Page(), q)
		switch {
		case err != nil:
			return interrupted(ctx, rc, q.Name, err)
		case found:
			return Proceed()
		case required:
			return NotFound(rc.Step(), q.Name)
		default:
			return Warn("%s not shown", q.Name)
		}
	}
}

// navigate opens the storefront waiting for DOM readiness, then retries once
// waiting for the full load event.
func (f *flow) navigate(ctx context.Context, rc *RunContext) StepOutcome {
	url := f.cfg.Storefront.ShopURL
	var lastErr error
	for _, state := range []browser.ReadyState{browser.ReadyInteractive, browser.ReadyComplete} {
		err := f.load(ctx, rc.Page(), url, state)
		if err == nil {
			return Proceed()
		}
		if ctx.Err() != nil || errors.Is(err, browser.ErrConnection) || errors.Is(err, browser.ErrSessionExpired) {
			return Errored(err)
		}
		rc.Logger().Warn("Navigation attempt failed.", zap.String("wait_for", string(state)), zap.Error(err))
		lastErr = err
	}
	return Fail(schemas.ErrKindNavigation, "navigation to %s failed: %v", url, lastErr)
}

func (f *flow) load(ctx context.Context, page browser.Page, url string, state browser.ReadyState) error {
	if d := f.cfg.Browser.NavigationTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if err := page.Navigate(ctx, url); err != nil {
		return err
	}
	return page.WaitReady(ctx, state)
}

func (f *flow) logoutPrevious(ctx context.Context, rc *RunContext) StepOutcome {
	found, err := f.loc.ClickQuery(ctx, rc.Page(), logoutQuery)
	if err != nil {
		return interrupted(ctx, rc, logoutQuery.Name, err)
	}
	if !found {
		return Warn("no previous identity logged in")
	}
	rc.Logger().Info("Logged out the previous identity.")
	return Proceed()
}

// authenticate enters the buyer identifier into the login form, opening the
// form first when it is not shown yet.
func (f *flow) authenticate(ctx context.Context, rc *RunContext) StepOutcome {
	page := rc.Page()
	field, err := f.loc.Locate(ctx, page, playerIDQuery)
	if err != nil {
		return interrupted(ctx, rc, playerIDQuery.Name, err)
	}
	if !field.Found {
		if _, err := f.loc.ClickQuery(ctx, page, loginButtonQuery); err != nil {
			return interrupted(ctx, rc, loginButtonQuery.Name, err)
		}
		if field, err = f.loc.Locate(ctx, page, playerIDQuery); err != nil {
			return interrupted(ctx, rc, playerIDQuery.Name, err)
		}
		if !field.Found {
			return NotFound(rc.Step(), playerIDQuery.Name)
		}
	}
	if err := f.loc.Type(ctx, page, field, rc.Request.BuyerID); err != nil {
		return interrupted(ctx, rc, playerIDQuery.Name, err)
	}
	found, err := f.loc.ClickQuery(ctx, page, loginSubmitQuery)
	if err != nil {
		return interrupted(ctx, rc, loginSubmitQuery.Name, err)
	}
	if !found {
		return NotFound(rc.Step(), loginSubmitQuery.Name)
	}
	return Proceed()
}

func (f *flow) verifyIdentity(ctx context.Context, rc *RunContext) StepOutcome {
	phrase, err := pageContains(ctx, rc.Page(), invalidPhrases)
	if err != nil {
		return interrupted(ctx, rc, "identity", err)
	}
	if phrase != "" {
		return NotFound(rc.Step(), "invalid buyer id")
	}
	name, err := f.loc.Locate(ctx, rc.Page(), playerNameQuery)
	if err != nil {
		return interrupted(ctx, rc, playerNameQuery.Name, err)
	}
	if !name.Found {
		return Warn("player name not shown")
	}
	return Proceed()
}

// providerSignIn signs in on the payment provider's page, which may have
// opened in a new tab.
func (f *flow) providerSignIn(ctx context.Context, rc *RunContext) StepOutcome {
	if _, err := rc.SwitchToNewest(ctx); err != nil {
		return interrupted(ctx, rc, "provider tab", err)
	}
	page := rc.Page()
	for _, input := range []struct {
		q     locator.Query
		value string
	}{
		{emailQuery, f.cfg.Account.Email},
		{passwordQuery, f.cfg.Account.Password},
	} {
		res, err := f.loc.Locate(ctx, page, input.q)
		if err != nil {
			return interrupted(ctx, rc, input.q.Name, err)
		}
		if !res.Found {
			return NotFound(rc.Step(), input.q.Name)
		}
		if err := f.loc.Type(ctx, page, res, input.value); err != nil {
			return interrupted(ctx, rc, input.q.Name, err)
		}
	}
	found, err := f.loc.ClickQuery(ctx, page, signInQuery)
	if err != nil {
		return interrupted(ctx, rc, signInQuery.Name, err)
	}
	if !found {
		return NotFound(rc.Step(), signInQuery.Name)
	}
	return Proceed()
}

// checkOTP ends the run for a human when the provider asks for a one-time
// code delivered out of band.
func (f *flow) checkOTP(ctx context.Context, rc *RunContext) StepOutcome {
	phrase, err := f.waitForPhrase(ctx, rc.Page(), f.cfg.Storefront.OTPPhrases, f.cfg.Storefront.OTPWait)
	if err != nil {
		return interrupted(ctx, rc, "one-time code prompt", err)
	}
	if phrase != "" {
		rc.Logger().Warn("One-time code requested, manual intervention required.", zap.String("marker", phrase))
		return Manual(fmt.Sprintf("one-time code required (%q shown): a human must complete the payment", phrase))
	}
	return Proceed()
}

func (f *flow) resolveChallenge(ctx context.Context, rc *RunContext) StepOutcome {
	out, err := f.engine.Resolve(ctx, rc.Page())
	if err != nil {
		return Errored(err)
	}
	switch out.Status {
	case captcha.StatusNotPresent:
		return Proceed()
	case captcha.StatusSolved:
		rc.Logger().Info("Slider challenge solved.", zap.String("tier", string(out.Tier)), zap.Int("attempts", out.Attempts))
		return Proceed()
	default:
		return Fail(schemas.ErrKindCaptchaUnsolved, "slider challenge unsolved after %d attempts", out.Attempts)
	}
}

// enterPIN types the PIN either one digit per box or into a single field,
// then confirms.
func (f *flow) enterPIN(ctx context.Context, rc *RunContext) StepOutcome {
	page := rc.Page()
	if _, err := f.loc.Locate(ctx, page, pinAnchorQuery); err != nil {
		return interrupted(ctx, rc, pinAnchorQuery.Name, err)
	}

	pin := []rune(f.cfg.Account.PIN)
	boxes := browser.XPath("//input[@type='password']")
	n, err := page.Count(ctx, boxes)
	if err != nil {
		return interrupted(ctx, rc, "pin boxes", err)
	}

	if n >= minPINBoxes && len(pin) <= n {
		for i, digit := range pin {
			q := locator.Q(fmt.Sprintf("pin digit %d", i+1), locator.AttributeSelector{Ref: boxes.Nth(i)})
			res, err := f.loc.Locate(ctx, page, q)
			if err != nil {
				return interrupted(ctx, rc, q.Name, err)
			}
			if !res.Found {
				return NotFound(rc.Step(), q.Name)
			}
			if err := f.loc.Type(ctx, page, res, string(digit)); err != nil {
				return interrupted(ctx, rc, q.Name, err)
			}
		}
	} else {
		res, err := f.loc.Locate(ctx, page, pinFieldQuery)
		if err != nil {
			return interrupted(ctx, rc, pinFieldQuery.Name, err)
		}
		if !res.Found {
			return NotFound(rc.Step(), pinFieldQuery.Name)
		}
		if err := f.loc.Type(ctx, page, res, string(pin)); err != nil {
			return interrupted(ctx, rc, pinFieldQuery.Name, err)
		}
	}

	found, err := f.loc.ClickQuery(ctx, page, confirmQuery)
	if err != nil {
		return interrupted(ctx, rc, confirmQuery.Name, err)
	}
	if !found {
		return NotFound(rc.Step(), confirmQuery.Name)
	}
	return Proceed()
}

// verifyResult waits for an explicit success or failure message. Success
// phrases take precedence; silence until the timeout counts as a failure.
func (f *flow) verifyResult(ctx context.Context, rc *RunContext) StepOutcome {
	sf := f.cfg.Storefront
	var outcome StepOutcome
	err := retry.Do(ctx, f.pollPolicy(sf.VerifyTimeout), func(ctx context.Context) (bool, error) {
		text, err := pageText(ctx, rc.Page())
		if err != nil {
			return false, err
		}
		if phrase, ok := containsAny(text, sf.SuccessPhrases); ok {
			rc.Logger().Info("Transaction confirmed.", zap.String("marker", phrase))
			outcome = Proceed()
			return true, nil
		}
		if phrase, ok := containsAny(text, sf.FailurePhrases); ok {
			outcome = Fail(schemas.ErrKindTransactionFailed, "transaction failed: page reports %q", phrase)
			return true, nil
		}
		return false, nil
	})
	switch {
	case err == nil:
		return outcome
	case errors.Is(err, retry.ErrExhausted):
		return Fail(schemas.ErrKindTransactionFailed, "could not verify the transaction state")
	default:
		return interrupted(ctx, rc, "transaction result", err)
	}
}

// waitForPhrase polls the page text for up to window and returns the first
// phrase seen, or "" when none appeared.
func (f *flow) waitForPhrase(ctx context.Context, page browser.Page, phrases []string, window time.Duration) (string, error) {
	var found string
	err := retry.Do(ctx, f.pollPolicy(window), func(ctx context.Context) (bool, error) {
		p, err := pageContains(ctx, page, phrases)
		found = p
		return p != "", err
	})
	if errors.Is(err, retry.ErrExhausted) {
		return "", nil
	}
	return found, err
}

func (f *flow) pollPolicy(window time.Duration) retry.Policy {
	interval := f.cfg.Locator.PollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return retry.Policy{Interval: interval, MaxAttempts: int(window/interval) + 1}
}

// pageText joins the visible text of every reachable document.
func pageText(ctx context.Context, page browser.Page) ([]string, error) {
	frames, err := page.FrameSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(frames))
	for _, fr := range frames {
		doc, err := dom.Parse(fr.HTML)
		if err != nil {
			continue
		}
		out = append(out, dom.VisibleText(doc))
	}
	return out, nil
}

func pageContains(ctx context.Context, page browser.Page, phrases []string) (string, error) {
	text, err := pageText(ctx, page)
	if err != nil {
		return "", err
	}
	phrase, _ := containsAny(text, phrases)
	return phrase, nil
}

func containsAny(texts []string, phrases []string) (string, bool) {
	for _, t := range texts {
		if p, ok := dom.ContainsText(t, phrases); ok {
			return p, true
		}
	}
	return "", false
}
