package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/zombor/fleet-receipts/internal/resilience"
)

// Executor runs a remote call under a retry and circuit breaker policy
type Executor interface {
	Execute(ctx context.Context, operation string, fn func(context.Context) error, classify resilience.Classifier) error
}

// RetryingClassifier retries transient failures of a remote Classifier and
// stops calling it while its breaker is open.
type RetryingClassifier struct {
	next      Classifier
	executor  Executor
	operation string
}

// NewRetryingClassifier wraps next; operation names the breaker, e.g. "classify.anthropic"
func NewRetryingClassifier(next Classifier, executor Executor, operation string) *RetryingClassifier {
	return &RetryingClassifier{next: next, executor: executor, operation: operation}
}

// Classify returns the first successful result. Every failure is reported as ErrClassificationFailed.
func (r *RetryingClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	var result *Classification
	err := r.executor.Execute(ctx, r.operation, func(ctx context.Context) error {
		c, err := r.next.Classify(ctx, text)
		if err != nil {
			return err
		}
		result = c
		return nil
	}, classifyRemoteError)
	if err != nil {
		switch {
		case resilience.IsCircuitOpen(err):
			return nil, fmt.Errorf("%w: %s unavailable: %w", ErrClassificationFailed, r.operation, err)
		case errors.Is(err, ErrClassificationFailed):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %w", ErrClassificationFailed, err)
		}
	}
	return result, nil
}

// Close closes the wrapped classifier
func (r *RetryingClassifier) Close() error {
	return r.next.Close()
}
