// Package retry runs an operation under a fixed-delay attempt budget.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy describes one external call's retry budget. A nil Retryable retries
// every error except context cancellation.
type Policy struct {
	Name        string
	MaxAttempts int
	Delay       time.Duration
	Retryable   func(error) bool
}

// Do calls op until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. attempt starts at 1. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	var err error
	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
			log.Debug().Str("op", p.Name).Int("attempt", attempt).Msg("retrying")
		}
		err = op(ctx, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		log.Warn().Err(err).Str("op", p.Name).Int("attempt", attempt).Int("max", limit).Msg("attempt failed")
	}
	return err
}
