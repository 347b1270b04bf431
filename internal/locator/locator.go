// Package locator resolves semantic UI targets to concrete elements through
// ordered fallback strategies and operates them with human pacing.
package locator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpauline9999-sketch/Ff5/api/schemas"
	"github.com/cpauline9999-sketch/Ff5/internal/browser"
	"github.com/cpauline9999-sketch/Ff5/internal/config"
	"github.com/cpauline9999-sketch/Ff5/internal/humanoid"
	"github.com/cpauline9999-sketch/Ff5/internal/retry"
)

// ErrNotFound is returned by the interaction helpers when handed a Result
// that did not find anything.
var ErrNotFound = errors.New("element not found")

const defaultPollInterval = 250 * time.Millisecond

// Query names a target and lists the strategies to try, in order.
type Query struct {
	Name       string
	Strategies []Strategy
}

// Q builds a Query.
func Q(name string, strategies ...Strategy) Query {
	return Query{Name: name, Strategies: strategies}
}

// Result is the outcome of Locate. Found=false is a normal answer.
type Result struct {
	Query    string
	Found    bool
	Ref      browser.ElementRef
	Box      schemas.Box
	Strategy int
	// Described is the winning strategy's description.
	Described string
}

// Locator resolves queries against a page. One Locator serves one run.
type Locator struct {
	cfg    config.LocatorConfig
	hcfg   config.HumanoidConfig
	logger *zap.Logger
	timing *humanoid.Timing

	mu     sync.Mutex
	humans map[browser.Page]*humanoid.Humanoid
}

// Option customizes a Locator.
type Option func(*Locator)

// WithTiming shares a delay source, typically a seeded one in tests.
func WithTiming(t *humanoid.Timing) Option {
	return func(l *Locator) { l.timing = t }
}

// New creates a Locator.
func New(cfg config.LocatorConfig, hcfg config.HumanoidConfig, logger *zap.Logger, opts ...Option) *Locator {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Locator{
		cfg:    cfg,
		hcfg:   hcfg,
		logger: logger.Named("locator"),
		humans: make(map[browser.Page]*humanoid.Humanoid),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.timing == nil {
		l.timing = humanoid.NewTiming()
	}
	return l
}

// Human returns the pointer model bound to page, creating it on first use so
// the cursor position carries over between interactions on the same page.
func (l *Locator) Human(page browser.Page) *humanoid.Humanoid {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.humans[page]
	if !ok {
		h = humanoid.New(l.hcfg, l.logger, humanoid.Adapt(page), l.timing)
		l.humans[page] = h
	}
	return h
}

// fatal errors end the lookup instead of counting as a miss.
func fatal(err error) bool {
	return errors.Is(err, browser.ErrConnection) ||
		errors.Is(err, browser.ErrSessionExpired) ||
		errors.Is(err, browser.ErrSessionUnavailable)
}

// Locate tries each strategy in order, each bounded by the per-attempt
// timeout, and returns the first hit. Exhausting the strategies yields a
// Result with Found=false and a nil error. Only session failures and
// cancellation of ctx are errors.
func (l *Locator) Locate(ctx context.Context, page browser.Page, q Query) (Result, error) {
	for i, s := range q.Strategies {
		h, ok, err := l.try(ctx, page, s)
		if err != nil {
			return Result{Query: q.Name}, fmt.Errorf("locating %s: %w", q.Name, err)
		}
		if ok {
			l.logger.Debug("Element located.",
				zap.String("query", q.Name),
				zap.Int("strategy", i),
				zap.String("via", s.Describe()),
				zap.String("ref", h.ref.String()))
			return Result{Query: q.Name, Found: true, Ref: h.ref, Box: h.box, Strategy: i, Described: s.Describe()}, nil
		}
		l.logger.Debug("Strategy missed.", zap.String("query", q.Name), zap.String("via", s.Describe()))
	}
	l.logger.Info("Element not found.", zap.String("query", q.Name), zap.Int("strategies", len(q.Strategies)))
	return Result{Query: q.Name}, nil
}

func (l *Locator) try(ctx context.Context, page browser.Page, s Strategy) (hit, bool, error) {
	interval := l.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	attemptCtx, cancel := context.WithTimeout(ctx, l.cfg.AttemptTimeout)
	defer cancel()

	var found hit
	err := retry.Do(attemptCtx, retry.Policy{
		Interval:    interval,
		MaxAttempts: int(l.cfg.AttemptTimeout/interval) + 1,
	}, func(c context.Context) (bool, error) {
		h, ok, err := s.attempt(c, page)
		if err != nil {
			if fatal(err) {
				return false, err
			}
			l.logger.Debug("Strategy attempt failed.", zap.String("via", s.Describe()), zap.Error(err))
			return false, nil
		}
		found = h
		return ok, nil
	})

	switch {
	case err == nil:
		return found, true, nil
	case ctx.Err() != nil:
		return hit{}, false, ctx.Err()
	case fatal(err):
		return hit{}, false, err
	default:
		return hit{}, false, nil
	}
}

// Exists reports whether any strategy finds a visible element.
func (l *Locator) Exists(ctx context.Context, page browser.Page, q Query) (bool, error) {
	res, err := l.Locate(ctx, page, q)
	return res.Found, err
}
