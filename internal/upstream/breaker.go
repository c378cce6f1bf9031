package upstream

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// NewBreaker creates a circuit breaker for one provider.
// It opens when at least 60% of 5 or more requests in a 10s window failed.
func NewBreaker(name string, log *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if log != nil {
				log.Warn("circuit breaker state changed",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			}
		},
	})
}

// Guard runs fn through cb. Only retryable failures count against the breaker;
// classified provider answers (auth, bad input, not found) pass through untouched.
func Guard[T any](cb *gobreaker.CircuitBreaker, provider string, fn func() (T, error)) (T, error) {
	var (
		result T
		passed error
	)
	_, err := cb.Execute(func() (interface{}, error) {
		v, err := fn()
		if err != nil && !IsRetryable(err) {
			passed = err
			return nil, nil
		}
		result = v
		return nil, err
	})
	switch {
	case passed != nil:
		return result, passed
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return result, Transient(provider, err)
	case err != nil:
		return result, err
	}
	return result, nil
}
