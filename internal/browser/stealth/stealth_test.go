package stealth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cpauline9999-sketch/Ff5/internal/config"
)

func testPersona() Persona {
	return Persona{
		UserAgent: "Mozilla/5.0 (TopupTest/1.0)",
		Platform:  "Win32",
		Languages: []string{"en-US", "en", "ms"},
		Timezone:  "Asia/Kuala_Lumpur",
		Locale:    "en-US",
		Width:     1366,
		Height:    768,
	}
}

func TestAcceptLanguage(t *testing.T) {
	assert.Equal(t, "en-US,en;q=0.9,ms;q=0.8", AcceptLanguage([]string{"en-US", "en", "ms"}))
	assert.Equal(t, "en-US", AcceptLanguage([]string{"en-US"}))
	assert.Equal(t, "en-US,en;q=0.9", AcceptLanguage([]string{" en-US ", "", "en"}))
	assert.Empty(t, AcceptLanguage(nil))
}

func TestPersonaFromConfig(t *testing.T) {
	cfg := config.PersonaConfig{
		Enabled:   true,
		UserAgent: "ua",
		Platform:  "Linux x86_64",
		Languages: []string{"ms-MY"},
		Timezone:  "UTC",
		Locale:    "ms-MY",
		Width:     800,
		Height:    600,
	}
	p := PersonaFromConfig(cfg)
	assert.Equal(t, "ua", p.UserAgent)
	assert.Equal(t, []string{"ms-MY"}, p.Languages)
	assert.Equal(t, int64(800), p.Width)

	cfg.Languages[0] = "changed"
	assert.Equal(t, "ms-MY", p.Languages[0], "languages must be copied")
}

func TestScriptEmbedsPersona(t *testing.T) {
	require.NotEmpty(t, evasionsScript)

	s, err := script(testPersona())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(s, `({"languages":["en-US","en","ms"],"platform":"Win32"});`), s)
	assert.Contains(t, s, "webdriver")
}

func TestApply(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	tasks, err := Apply(testPersona(), zap.New(core))
	require.NoError(t, err)
	// UA, script, timezone, locale, headers, metrics.
	assert.Len(t, tasks, 6)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Applying browser stealth persona", logs.All()[0].Message)

	t.Run("minimal persona skips optional overrides", func(t *testing.T) {
		tasks, err := Apply(Persona{UserAgent: "ua"}, nil)
		require.NoError(t, err)
		assert.Len(t, tasks, 2)
	})
}
