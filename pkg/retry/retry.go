// Copyright 2025 Certen Protocol
//
// Package retry applies the bounded exponential backoff to transient
// upstream failures: attempts and delays come from config, never hardcoded
// at call sites.
package retry

import (
	"context"
	"time"

	"github.com/certen/mpc-orderflow/pkg/config"
)

// Permanent wraps an error that must not be retried (a definitive upstream
// verdict rather than a transient fault).
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do invokes fn up to cfg.MaxAttempts times, sleeping base*2^n capped at
// cfg.MaxDelay between attempts. A *Permanent error or context cancellation
// stops immediately; the last error is returned on exhaustion.
func Do(ctx context.Context, cfg config.RetrySettings, fn func(ctx context.Context) error) error {
	delay := cfg.BaseDelay.Duration()
	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if max := cfg.MaxDelay.Duration(); delay > max {
				delay = max
			}
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if p, ok := err.(*Permanent); ok {
			return p.Err
		}
	}
	return err
}
