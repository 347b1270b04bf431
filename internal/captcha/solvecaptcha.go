package captcha

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/network"
)

// DefaultSolveCaptchaURL is used when captcha.remote.base_url is empty.
const DefaultSolveCaptchaURL = "https://api.solvecaptcha.com"

const notReady = "CAPCHA_NOT_READY"

// Service answers that mean the account, not the image, is the problem.
var accountErrors = map[string]bool{
	"ERROR_WRONG_USER_KEY":     true,
	"ERROR_KEY_DOES_NOT_EXIST": true,
	"ERROR_ZERO_BALANCE":       true,
	"ERROR_IP_NOT_ALLOWED":     true,
	"IP_BANNED":                true,
}

// SolveCaptchaClient talks to a 2captcha-compatible in.php/res.php API using
// coordinate captchas.
type SolveCaptchaClient struct {
	baseURL string
	apiKey  string
	client  *network.Client
	logger  *zap.Logger
}

// NewSolveCaptchaClient creates a client. The API key has no default and
// must come from configuration.
func NewSolveCaptchaClient(cfg config.RemoteSolverConfig, logger *zap.Logger) (*SolveCaptchaClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("captcha.remote.api_key is required for provider %q", config.ProviderSolveCaptcha)
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultSolveCaptchaURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SolveCaptchaClient{
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		client:  network.NewClient(network.ClientConfigForSolver(cfg, logger)),
		logger:  logger.Named("solvecaptcha"),
	}, nil
}

// apiResponse is the json=1 envelope. Request is a string for ids and
// errors but a list of points for solved coordinate jobs.
type apiResponse struct {
	Status  int                 `json:"status"`
	Request jsoniter.RawMessage `json:"request"`
}

func (r apiResponse) text() string {
	var s string
	if err := json.Unmarshal(r.Request, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.Request))
}

// Submit uploads the image as a coordinates job.
func (c *SolveCaptchaClient) Submit(ctx context.Context, image []byte, hint string) (string, error) {
	form := url.Values{
		"key":                {c.apiKey},
		"method":             {"base64"},
		"body":               {base64.StdEncoding.EncodeToString(image)},
		"coordinatescaptcha": {"1"},
		"json":               {"1"},
	}
	if hint != "" {
		form.Set("textinstructions", hint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/in.php", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	if resp.Status != 1 {
		return "", c.classify("submit", resp.text())
	}
	id := resp.text()
	c.logger.Debug("Challenge submitted.", zap.String("job_id", id), zap.Int("bytes", len(image)))
	return id, nil
}

// Poll asks for the job result once.
func (c *SolveCaptchaClient) Poll(ctx context.Context, jobID string) (PollResult, error) {
	q := url.Values{
		"key":    {c.apiKey},
		"action": {"get"},
		"id":     {jobID},
		"json":   {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/res.php?"+q.Encode(), nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("building poll request: %w", err)
	}

	resp, err := c.do(req)
	if err != nil {
		return PollResult{}, err
	}
	text := resp.text()
	switch {
	case resp.Status == 1:
		return PollResult{State: JobSolved, Payload: text}, nil
	case text == notReady:
		return PollResult{State: JobPending}, nil
	case accountErrors[text]:
		return PollResult{}, c.classify("poll", text)
	default:
		return PollResult{State: JobFailed, Payload: text}, nil
	}
}

func (c *SolveCaptchaClient) do(req *http.Request) (apiResponse, error) {
	httpResp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return apiResponse{}, ctxErr
		}
		// url.Error repeats the request URL, which carries the key.
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return apiResponse{}, fmt.Errorf("%w: %w", ErrRemoteUnavailable, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return apiResponse{}, fmt.Errorf("%w: reading response: %w", ErrRemoteUnavailable, err)
	}
	if httpResp.StatusCode >= 500 {
		return apiResponse{}, fmt.Errorf("%w: %s returned status %d", ErrRemoteUnavailable, req.URL.Path, httpResp.StatusCode)
	}
	if httpResp.StatusCode != http.StatusOK {
		return apiResponse{}, fmt.Errorf("%w: %s returned status %d", errRemoteFailed, req.URL.Path, httpResp.StatusCode)
	}

	var out apiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return apiResponse{}, fmt.Errorf("%w: undecodable response: %w", errRemoteFailed, err)
	}
	return out, nil
}

func (c *SolveCaptchaClient) classify(op, answer string) error {
	if accountErrors[answer] {
		return fmt.Errorf("%w: %s rejected: %s", ErrRemoteUnavailable, op, answer)
	}
	return fmt.Errorf("%w: %s rejected: %s", errRemoteFailed, op, answer)
}
