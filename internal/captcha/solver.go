package captcha

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrRemoteUnavailable means the solving service could not be used at all:
// unreachable, refusing the credentials or out of funds. It aborts the run.
var ErrRemoteUnavailable = errors.New("captcha: remote solver unavailable")

// errRemoteFailed covers a reachable service that did not produce an answer.
// The engine falls through to the next tier.
var errRemoteFailed = errors.New("captcha: remote solve failed")

// JobState is the state of a submitted solve job.
type JobState string

const (
	JobPending JobState = "pending"
	JobSolved  JobState = "solved"
	JobFailed  JobState = "failed"
)

// PollResult is one poll answer. Payload holds the raw solution text when
// solved, or the service's reason when failed.
type PollResult struct {
	State   JobState
	Payload string
}

// RemoteSolver is an image-solving service with a submit-then-poll protocol.
type RemoteSolver interface {
	// Submit uploads a PNG with a textual hint and returns a job id.
	Submit(ctx context.Context, image []byte, hint string) (string, error)
	Poll(ctx context.Context, jobID string) (PollResult, error)
}

// NewSolver builds the solver named by cfg.Provider. ProviderNone returns
// nil, which disables the remote tier.
func NewSolver(ctx context.Context, cfg config.RemoteSolverConfig, logger *zap.Logger) (RemoteSolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Provider {
	case config.ProviderNone, "":
		return nil, nil
	case config.ProviderSolveCaptcha:
		c, err := NewSolveCaptchaClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.ProviderGemini:
		g, err := NewGeminiSolver(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unknown remote solver provider %q", cfg.Provider)
	}
}
