package captcha

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/network"
)

const geminiPrompt = `You are looking at a screenshot of a slider puzzle. %s.
Answer with the pixel coordinates in the screenshot, in the form x=<number>,y=<number>, and nothing else.`

// GeminiSolver answers the challenge with a single vision model call. The
// job is solved by the time Submit returns, so Poll never reports pending.
type GeminiSolver struct {
	client *genai.Client
	model  string
	logger *zap.Logger

	mu   sync.Mutex
	jobs map[string]PollResult
}

// NewGeminiSolver creates the solver. The API key has no default and must
// come from configuration.
func NewGeminiSolver(ctx context.Context, cfg config.RemoteSolverConfig, logger *zap.Logger) (*GeminiSolver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("captcha.remote.api_key is required for provider %q", config.ProviderGemini)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("captcha.remote.model is required for provider %q", config.ProviderGemini)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: network.NewClient(network.ClientConfigForSolver(cfg, logger)).Client,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiSolver{
		client: client,
		model:  cfg.Model,
		logger: logger.Named("gemini"),
		jobs:   make(map[string]PollResult),
	}, nil
}

// Submit sends the image and records the model's answer under a new job id.
func (g *GeminiSolver) Submit(ctx context.Context, image []byte, hint string) (string, error) {
	if hint == "" {
		hint = "Locate the slider handle"
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: fmt.Sprintf(geminiPrompt, strings.TrimSuffix(hint, "."))},
			{InlineData: &genai.Blob{MIMEType: "image/png", Data: image}},
		},
	}}
	temperature := float32(0)
	gc := &genai.GenerateContentConfig{Temperature: &temperature}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 20 * time.Second

	var answer string
	op := func() error {
		start := time.Now()
		resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, gc)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var ue *url.Error
			if errors.As(err, &ue) {
				g.logger.Warn("Network error calling model, retrying.", zap.Error(ue.Err))
				return fmt.Errorf("%w: %w", ErrRemoteUnavailable, ue.Err)
			}
			return backoff.Permanent(fmt.Errorf("%w: %w", errRemoteFailed, err))
		}
		answer = strings.TrimSpace(resp.Text())
		g.logger.Debug("Model answered.", zap.Duration("duration", time.Since(start)), zap.String("answer", truncate(answer, 80)))
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)); err != nil {
		return "", err
	}

	result := PollResult{State: JobSolved, Payload: answer}
	if answer == "" {
		result = PollResult{State: JobFailed, Payload: "empty answer"}
	}
	id := uuid.NewString()
	g.mu.Lock()
	g.jobs[id] = result
	g.mu.Unlock()
	return id, nil
}

// Poll returns and forgets the recorded answer.
func (g *GeminiSolver) Poll(ctx context.Context, jobID string) (PollResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	res, ok := g.jobs[jobID]
	if !ok {
		return PollResult{State: JobFailed, Payload: "unknown job " + jobID}, nil
	}
	delete(g.jobs, jobID)
	return res, nil
}
