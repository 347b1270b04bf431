package stealth

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/internal/config"
)

//go:embed evasions.js
var evasionsScript string

// Persona defines the browser characteristics to emulate.
type Persona struct {
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
	Width     int64
	Height    int64
}

// PersonaFromConfig copies the configured identity.
func PersonaFromConfig(cfg config.PersonaConfig) Persona {
	return Persona{
		UserAgent: cfg.UserAgent,
		Platform:  cfg.Platform,
		Languages: append([]string(nil), cfg.Languages...),
		Timezone:  cfg.Timezone,
		Locale:    cfg.Locale,
		Width:     cfg.Width,
		Height:    cfg.Height,
	}
}

// AcceptLanguage renders the languages as an Accept-Language header value
// with descending quality weights.
func AcceptLanguage(langs []string) string {
	parts := make([]string, 0, len(langs))
	q := 10
	for _, l := range langs {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if len(parts) == 0 {
			parts = append(parts, l)
		} else {
			parts = append(parts, fmt.Sprintf("%s;q=0.%d", l, q))
		}
		if q > 1 {
			q--
		}
	}
	return strings.Join(parts, ",")
}

// script binds the persona into the embedded evasions function.
func script(p Persona) (string, error) {
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(map[string]interface{}{
		"platform":  p.Platform,
		"languages": p.Languages,
	})
	if err != nil {
		return "", fmt.Errorf("stealth: failed to encode persona: %w", err)
	}
	return fmt.Sprintf("%s(%s);", strings.TrimSpace(evasionsScript), payload), nil
}

// Apply constructs the CDP actions that make a remote tab present the
// persona instead of automation defaults.
func Apply(p Persona, logger *zap.Logger) (chromedp.Tasks, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Applying browser stealth persona",
		zap.String("userAgent", p.UserAgent),
		zap.String("platform", p.Platform),
		zap.String("timezone", p.Timezone),
	)

	evasions, err := script(p)
	if err != nil {
		return nil, err
	}

	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(p.UserAgent).
			WithPlatform(p.Platform).
			WithAcceptLanguage(AcceptLanguage(p.Languages)),

		// AddScriptToEvaluateOnNewDocument returns an identifier as well, so it
		// needs wrapping to satisfy chromedp.Action.
		chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := page.AddScriptToEvaluateOnNewDocument(evasions).Do(ctx); err != nil {
				return fmt.Errorf("failed to inject evasions script: %w", err)
			}
			return nil
		}),
	}

	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if lang := AcceptLanguage(p.Languages); lang != "" {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": lang}))
	}
	if p.Width > 0 && p.Height > 0 {
		tasks = append(tasks, emulation.SetDeviceMetricsOverride(p.Width, p.Height, 1, false))
	}
	return tasks, nil
}
