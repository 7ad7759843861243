// SPDX-License-Identifier: Apache-2.0
// Package resilience bounds blocking calls made by flowllm pipelines.
//
// flowllm never retries provider calls; retry policy belongs to the host or the
// provider SDK. This package only closes the "hung provider" gap with timeouts.
package resilience

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jllopis/flowllm/pkg/errors"
)

// TimeoutConfig controls timeout behavior.
type TimeoutConfig struct {
	// Duration is the maximum time allowed for the operation. Zero disables the bound.
	Duration time.Duration

	// Operation names the bounded call in the resulting error context.
	Operation string
}

// WithTimeout executes fn with a timeout boundary.
// Returns errors.CodeTimeout if the deadline is exceeded.
func WithTimeout(ctx context.Context, config TimeoutConfig, fn func(ctx context.Context) error) error {
	_, err := WithTimeoutResult(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// WithTimeoutResult executes fn with a timeout boundary, returning both result and error.
// fn receives the bounded context so well-behaved callees stop when the deadline passes.
func WithTimeoutResult[T any](ctx context.Context, config TimeoutConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if config.Duration <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, config.Duration)
	defer cancel()

	type result struct {
		value T
		err   error
	}

	done := make(chan result, 1)
	go func() {
		value, err := fn(ctx)
		done <- result{value, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, timeoutError(ctx.Err(), config)
	case res := <-done:
		if res.err != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res.value, timeoutError(res.err, config)
		}
		return res.value, res.err
	}
}

func timeoutError(cause error, config TimeoutConfig) *errors.FlowError {
	fe := errors.New(errors.CodeTimeout, "operation exceeded timeout", cause).
		WithContext("timeout", config.Duration.String()).
		WithRecoverable(true)
	if config.Operation != "" {
		fe.WithContext("operation", config.Operation)
	}
	return fe
}
