package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/igorsilveira/switchboard/pkg/a2a"
	"github.com/igorsilveira/switchboard/pkg/telemetry"
)

// ErrResourceExhausted marks a failure caused by an upstream quota. It is the
// only error Retry tries again on.
var ErrResourceExhausted = errors.New("agent: resource exhausted")

type RetryPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        3,
		InitialInterval: 4 * time.Second,
		MaxInterval:     60 * time.Second,
		MaxElapsedTime:  5 * time.Minute,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Retry runs op until it succeeds, fails with an error other than
// ErrResourceExhausted, or the policy gives up. The last error is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, op func(context.Context) (T, error)) (T, error) {
	logger := telemetry.Component(ctx, "agent")
	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy.backOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("resource exhausted, retrying",
				slog.String("error", err.Error()),
				slog.Duration("backoff", next),
			)
		}),
	}
	if policy.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxTries))
	}
	if policy.MaxElapsedTime > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(policy.MaxElapsedTime))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !errors.Is(err, ErrResourceExhausted) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}

// Retrying wraps an agent so that quota failures are retried under a policy.
type Retrying struct {
	a2a.Agent
	policy RetryPolicy
}

func WithRetry(agent a2a.Agent, policy RetryPolicy) *Retrying {
	return &Retrying{Agent: agent, policy: policy}
}

func (r *Retrying) Invoke(ctx context.Context, query, sessionID string) (*a2a.AgentResult, error) {
	return Retry(ctx, r.policy, func(ctx context.Context) (*a2a.AgentResult, error) {
		return r.Agent.Invoke(ctx, query, sessionID)
	})
}
