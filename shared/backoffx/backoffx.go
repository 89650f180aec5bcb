// Package backoffx holds the connection-establishment retry policy shared by the
// relay server and client. It is not used for per-message or per-publish failures.
package backoffx

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultInitial    = 100 * time.Millisecond
	DefaultMax        = time.Second
	DefaultMultiplier = 1.5
	DefaultFactor     = 0.2
	DefaultRetries    = 10
)

// Policy is an exponential backoff: the n-th wait is Initial*Multiplier^n, capped at Max,
// randomized by +/- Factor, for at most Retries retries after the first attempt.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Factor     float64
	Retries    int
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Factor < 0 || p.Factor > 1 {
		p.Factor = DefaultFactor
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	return p
}

// BackOff builds the cenkalti backoff for p, bound to ctx.
func (p Policy) BackOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Factor
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.Retries)), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry runs op until it succeeds, returns a Permanent error, ctx is done, or the retry cap
// is reached. notify, when set, is called before every wait.
func Retry(ctx context.Context, p Policy, op func(context.Context) error, notify func(err error, wait time.Duration)) error {
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op(ctx)
	}
	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	return backoff.RetryNotify(attempt, p.BackOff(ctx), n)
}
