// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           // Retries after the first attempt
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	Multiplier     float64       // Backoff multiplier (exponential)
	Jitter         float64       // Randomization factor, 0 disables
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// NewBackOff builds an unbounded exponential backoff from config.
// MaxRetries is ignored; wrap with backoff.WithMaxRetries to cap it.
func NewBackOff(config Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if config.InitialBackoff > 0 {
		b.InitialInterval = config.InitialBackoff
	}
	if config.MaxBackoff > 0 {
		b.MaxInterval = config.MaxBackoff
	}
	if config.Multiplier > 0 {
		b.Multiplier = config.Multiplier
	}
	b.RandomizationFactor = config.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do executes fn with exponential backoff retries
func Do(ctx context.Context, config Config, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}

	var b backoff.BackOff = NewBackOff(config)
	if config.MaxRetries >= 0 {
		b = backoff.WithMaxRetries(b, uint64(config.MaxRetries))
	}

	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = fn()
		return lastErr
	}, backoff.WithContext(b, ctx))
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(lastErr, &perm) {
		return perm.Err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("retry cancelled: %w", ctx.Err())
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, lastErr)
}
