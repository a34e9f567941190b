package common

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Reconnector runs a dial-and-serve loop with exponential backoff between
// attempts, until ctx is cancelled. Dial should block for the life of one
// connection and return when it drops (read error, normal close, etc).
type Reconnector struct {
	Dial       func(ctx context.Context) error
	MinBackoff time.Duration
	MaxBackoff time.Duration
	OnErr      func(error)
}

// Run blocks, redialing whenever Dial returns (reporting a non-nil error to
// OnErr first), until ctx is cancelled. A connection that runs for longer
// than the maximum backoff resets the backoff so a long-lived stream doesn't
// inherit stale delay from an earlier flaky period.
func (r *Reconnector) Run(ctx context.Context) {
	b := &backoff.Backoff{Min: r.MinBackoff, Max: r.MaxBackoff, Factor: 2, Jitter: true}
	if b.Min == 0 {
		b.Min = 500 * time.Millisecond
	}
	if b.Max == 0 {
		b.Max = 30 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		started := time.Now()
		err := r.Dial(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && r.OnErr != nil {
			r.OnErr(err)
		}
		if time.Since(started) > b.Max {
			b.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}
