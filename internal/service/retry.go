package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/iliyamo/event-access/internal/apperr"
	"github.com/iliyamo/event-access/internal/observability"
)

// RetryPolicy bounds the retries of transient store failures (lock wait
// timeouts, deadlocks, dropped connections).  Terminal outcomes are never
// retried.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration // per-attempt store deadline; 0 disables
}

// DefaultRetryPolicy is four retries starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     4,
		BaseDelay:      50 * time.Millisecond,
		MaxDelay:       time.Second,
		AttemptTimeout: 5 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// do runs fn until it succeeds, fails terminally, or the retry budget is
// spent.  Errors are classified with storeErr first; only Unavailable is
// retried.
func (p RetryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		actx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		err := storeErr(fn(actx))
		if err == nil {
			return nil
		}
		if apperr.Retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(error, time.Duration) { observability.RecordStoreRetry(op) }
	return backoff.RetryNotify(attempt, p.backOff(ctx), notify)
}
