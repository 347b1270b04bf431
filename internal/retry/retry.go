// Package retry provides the bounded wait-for-condition loop shared by the
// remote solver poll and page waits.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted is returned when the condition never held within MaxAttempts.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy is a fixed interval between at most MaxAttempts evaluations.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Func evaluates the condition once. done=true ends the loop successfully;
// a non-nil error ends it immediately with that error.
type Func func(ctx context.Context) (done bool, err error)

var errNotDone = errors.New("condition not met")

// Do evaluates fn until it reports done, returns an error, the attempts run
// out or ctx is cancelled. The first evaluation happens without waiting.
func Do(ctx context.Context, p Policy, fn Func) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(attempts-1)),
		ctx,
	)

	made := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		made++
		done, err := fn(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !done {
			return errNotDone
		}
		return nil
	}

	err := backoff.Retry(op, b)
	if errors.Is(err, errNotDone) {
		return fmt.Errorf("%w after %d attempts", ErrExhausted, made)
	}
	return err
}
