package policy

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"
)

// A ReconnectionPolicy produces the wait schedule used between attempts to
// bring a downed host or control connection back.
type ReconnectionPolicy interface {
	NewBackoff(ctx context.Context) *backoff.Backoff
}

// ExponentialReconnection doubles the delay between attempts, with jitter,
// up to MaxDelay. MaxRetries 0 retries forever.
type ExponentialReconnection struct {
	MinDelay   time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultReconnection is the schedule used when none is configured.
func DefaultReconnection() ExponentialReconnection {
	return ExponentialReconnection{
		MinDelay: time.Second,
		MaxDelay: 10 * time.Minute,
	}
}

func (p ExponentialReconnection) NewBackoff(ctx context.Context) *backoff.Backoff {
	return backoff.New(ctx, backoff.Config{
		MinBackoff: p.MinDelay,
		MaxBackoff: p.MaxDelay,
		MaxRetries: p.MaxRetries,
	})
}

// ConstantReconnection waits the same delay between every attempt.
type ConstantReconnection struct {
	Delay      time.Duration
	MaxRetries int
}

func (p ConstantReconnection) NewBackoff(ctx context.Context) *backoff.Backoff {
	return backoff.New(ctx, backoff.Config{
		MinBackoff: p.Delay,
		MaxBackoff: p.Delay,
		MaxRetries: p.MaxRetries,
	})
}
