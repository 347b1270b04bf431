package dom_test

import (
	"strings"
	"testing"

	"github.com/antchfx/htmlquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpauline9999-sketch/Ff5/internal/browser/dom"
)

const xpathHTML = `
	<html>
	<body>
		<div id="header">
			<h1>Select Game</h1>
		</div>
		<div class="games">
			<p>Free Fire</p><p>Other</p>
			<ul>
				<li>10 Diamonds</li>
				<li>25 Diamonds</li>
				<li id="special">100 Diamonds</li>
			</ul>
		</div>
		<div class="games"><p>Third</p></div>
		<span id="dup">a</span><span id="dup">b</span>
		<i id="it's">quoted</i>
	</body>
	</html>
	`

func TestGenerateUniqueXPath(t *testing.T) {
	doc, err := htmlquery.Parse(strings.NewReader(xpathHTML))
	require.NoError(t, err)

	tests := []struct {
		name          string
		targetXPath   string
		expectedXPath string
	}{
		{"Body", "//body", "/html[1]/body[1]"},
		{"Element with ID", "//div[@id='header']", `//*[@id='header']`},
		{"Child of ID element", "//h1", `//*[@id='header']/h1[1]`},
		{"Specific index", "(//p)[2]", "/html[1]/body[1]/div[2]/p[2]"},
		{"Repeated classes", "(//div[@class='games'])[2]/p", "/html[1]/body[1]/div[3]/p[1]"},
		{"List item", "//ul/li[2]", "/html[1]/body[1]/div[2]/ul[1]/li[2]"},
		{"List item with ID", "//li[@id='special']", `//*[@id='special']`},
		{"Duplicate ids are not used as anchors", "(//span)[2]", "/html[1]/body[1]/span[2]"},
		{"Apostrophe in id", "//i", `//*[@id="it's"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := htmlquery.FindOne(doc, tt.targetXPath)
			require.NotNil(t, target, "fixture error: %s matched nothing", tt.targetXPath)

			generated := dom.GenerateUniqueXPath(target)
			assert.Equal(t, tt.expectedXPath, generated)
			assert.Equal(t, target, htmlquery.FindOne(doc, generated), "generated XPath must select the original node")
		})
	}

	assert.Equal(t, "", dom.GenerateUniqueXPath(nil))
}
