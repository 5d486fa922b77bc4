// Package retry - повтор операций с ограниченной экспоненциальной задержкой.
// Повторяются только ошибки, признанные временными.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ruslano69/featurestore/pkg/feature"
)

// RetryableFunc - функция которую можно повторить
type RetryableFunc func(ctx context.Context) error

// Retryer выполняет retry логику
type Retryer struct {
	config Config
}

// NewRetryer создает новый Retryer
func NewRetryer(config Config) (*Retryer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	if config.Retryable == nil {
		config.Retryable = feature.IsTransient
	}
	return &Retryer{config: config}, nil
}

// Config возвращает действующую конфигурацию
func (r *Retryer) Config() Config { return r.config }

// Do выполняет функцию с повторами. Неповторяемая ошибка возвращается
// без обертки; после исчерпания попыток - последняя ошибка с %w.
func (r *Retryer) Do(ctx context.Context, fn RetryableFunc) error {
	_, err := Value(ctx, r, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value - Do для функций, возвращающих результат
func Value[T any](ctx context.Context, r *Retryer, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil || !r.config.Retryable(err) {
			return zero, err
		}
		if attempt >= r.config.MaxAttempts {
			if r.config.MaxAttempts == 1 {
				return zero, err
			}
			return zero, fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, err)
		}

		delay := r.Delay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}

// Delay вычисляет задержку после неудачной попытки attempt (с 1)
func (r *Retryer) Delay(attempt int) time.Duration {
	var delay time.Duration

	switch r.config.BackoffStrategy {
	case BackoffConstant:
		delay = r.config.InitialDelay
	case BackoffLinear:
		delay = r.config.InitialDelay * time.Duration(attempt)
	default:
		multiplier := math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
		delay = time.Duration(float64(r.config.InitialDelay) * multiplier)
	}

	if r.config.Jitter > 0 {
		delay += time.Duration(float64(delay) * r.config.Jitter * (rand.Float64()*2 - 1))
		if delay < 0 {
			delay = r.config.InitialDelay
		}
	}

	// потолок применяется после jitter
	if delay > r.config.MaxDelay || delay < 0 {
		delay = r.config.MaxDelay
	}
	return delay
}
