package orchestrator

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cpauline9999-sketch/Ff5/internal/browser/dom"
	"github.com/cpauline9999-sketch/Ff5/internal/locator"
)

// The storefront markup changes between deployments, so every target lists
// several guesses, most specific first.

// lower is an XPath 1.0 lower-casing of expr.
func lower(expr string) string {
	return fmt.Sprintf("translate(%s,'ABCDEFGHIJKLMNOPQRSTUVWXYZ','abcdefghijklmnopqrstuvwxyz')", expr)
}

// attrContains matches tag elements whose attribute contains needle, ignoring case.
func attrContains(tag, attr, needle string) locator.Strategy {
	return locator.XPath(fmt.Sprintf("//%s[contains(%s,%s)]", tag, lower("@"+attr), dom.XPathLiteral(strings.ToLower(needle))))
}

// buttonWithText matches buttons whose normalized text contains text.
func buttonWithText(text string) locator.Strategy {
	return locator.XPath(fmt.Sprintf("//button[contains(normalize-space(.),%s)]", dom.XPathLiteral(text)))
}

func gameQuery(game string) locator.Query {
	return locator.Q("game "+game,
		locator.XPath(fmt.Sprintf("//*[@role='radio' and normalize-space(.)=%s]", dom.XPathLiteral(game))),
		locator.Text(game),
		buttonWithText(game),
		locator.TextContains(game),
	)
}

var redeemQuery = locator.Q("redeem button",
	locator.CSS(`[data-testid="redeem-button"]`),
	locator.Text("Redeem"),
	buttonWithText("Redeem"),
)

var logoutQuery = locator.Q("logout control",
	locator.CSS(`[data-testid="logout-button"]`),
	locator.Text("Logout"),
	locator.Text("Log out"),
)

var loginButtonQuery = locator.Q("login button",
	locator.CSS(`[data-testid="login-button"]`),
	locator.Text("Login"),
	buttonWithText("Login"),
)

var playerIDQuery = locator.Q("player id field",
	attrContains("input", "placeholder", "player id"),
	locator.Near("Player ID", "input", "text"),
	locator.XPath("//form//input[@type='text']"),
)

var loginSubmitQuery = locator.Q("login submit",
	locator.XPath("//form//button[@type='submit']"),
	locator.XPath("//*[contains(@class,'modal')]//button[normalize-space(.)='Login']"),
	locator.Text("Login"),
)

var playerNameQuery = locator.Q("player name",
	locator.XPath("//*[contains(@class,'player-name') or contains(@class,'username') or @data-username]"),
)

var proceedQuery = locator.Q("proceed to payment",
	buttonWithText("Proceed to Payment"),
	locator.Text("Proceed to Payment"),
)

func amountQuery(quantity int) locator.Query {
	n := strconv.Itoa(quantity)
	return locator.Q("amount "+n,
		locator.Text(n),
		locator.Text(n+" Diamond"),
		locator.Text(n+" Diamonds"),
		locator.XPath(fmt.Sprintf("//button[normalize-space(.)=%s]", dom.XPathLiteral(n))),
	)
}

func channelQuery(channel string) locator.Query {
	return locator.Q("payment channel "+channel,
		locator.Text(channel),
		buttonWithText(channel),
		locator.TextContains(channel),
	)
}

func subChannelQuery(sub string) locator.Query {
	return locator.Q("payment option "+sub,
		locator.Text(sub),
		locator.TextContains(sub),
	)
}

var emailQuery = locator.Q("provider email field",
	attrContains("input", "placeholder", "email"),
	locator.XPath("//input[@type='email']"),
	locator.XPath("//input[@name='email']"),
	locator.Near("Email", "input", ""),
)

var passwordQuery = locator.Q("provider password field",
	attrContains("input", "placeholder", "password"),
	locator.XPath("//input[@type='password']"),
	locator.XPath("//input[@name='password']"),
)

var signInQuery = locator.Q("provider sign in",
	locator.Text("Sign in"),
	buttonWithText("Sign in"),
	locator.XPath("//button[@type='submit']"),
)

var pinAnchorQuery = locator.Q("pin entry",
	locator.TextContains("Security PIN"),
	locator.XPath("//input[@type='password']"),
)

var pinFieldQuery = locator.Q("pin field",
	attrContains("input", "placeholder", "pin"),
	locator.XPath("//input[@type='password']"),
	attrContains("input", "name", "pin"),
)

var confirmQuery = locator.Q("confirm button",
	locator.Text("Confirm"),
	buttonWithText("CONFIRM"),
	locator.XPath("//button[@type='submit']"),
)
