package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds exponential backoff. Attempts counts the first call.
type RetryPolicy struct {
	Attempts int           `koanf:"attempts" yaml:"attempts"`
	Initial  time.Duration `koanf:"initial" yaml:"initial"`
	Max      time.Duration `koanf:"max" yaml:"max"`
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(b, uint64(attempts-1))
}

// retry runs op until it succeeds, returns an error retryable rejects, the
// attempts run out, or ctx is done. The last error is returned.
func retry(ctx context.Context, p RetryPolicy, op func(context.Context) error, retryable func(error) bool, notify func(error, time.Duration)) error {
	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(p.newBackOff(), ctx), notify)
}

// withTimeout runs one call bounded by d; d <= 0 means no bound.
func withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	if d <= 0 {
		return fn(ctx)
	}
	cctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(cctx)
}
