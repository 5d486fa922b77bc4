package retry

import (
	"fmt"
	"time"

	"github.com/ruslano69/featurestore/pkg/feature"
)

// BackoffStrategy определяет стратегию задержки между повторами
type BackoffStrategy string

const (
	// BackoffConstant - постоянная задержка
	BackoffConstant BackoffStrategy = "constant"
	// BackoffLinear - линейное увеличение задержки
	BackoffLinear BackoffStrategy = "linear"
	// BackoffExponential - задержка перед попыткой N равна initial * multiplier^(N-1)
	BackoffExponential BackoffStrategy = "exponential"
)

// Config содержит конфигурацию политики повторов
type Config struct {
	// MaxAttempts - максимальное количество попыток (включая первую), >= 1
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay - задержка перед первым повтором
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay - потолок задержки
	MaxDelay time.Duration `yaml:"max_delay"`

	BackoffStrategy BackoffStrategy `yaml:"backoff"`

	// BackoffMultiplier - множитель для exponential backoff (обычно 2.0)
	BackoffMultiplier float64 `yaml:"multiplier"`

	// Jitter - доля случайного отклонения задержки (0.0 - 1.0)
	Jitter float64 `yaml:"jitter"`

	// Retryable решает, повторять ли ошибку. По умолчанию feature.IsTransient:
	// PermanentError, ConcurrencyConflict и ошибки компиляции не повторяются.
	Retryable func(err error) bool `yaml:"-"`

	// OnRetry вызывается перед каждым повтором
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-"`
}

// Validate проверяет корректность конфигурации и подставляет множитель
func (c *Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.InitialDelay < 0 {
		return fmt.Errorf("initial_delay must be >= 0")
	}
	if c.MaxDelay < c.InitialDelay {
		return fmt.Errorf("max_delay (%v) must be >= initial_delay (%v)", c.MaxDelay, c.InitialDelay)
	}
	switch c.BackoffStrategy {
	case BackoffConstant, BackoffLinear, BackoffExponential:
	case "":
		c.BackoffStrategy = BackoffExponential
	default:
		return fmt.Errorf("invalid backoff strategy: %s", c.BackoffStrategy)
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter > 1.0 {
		return fmt.Errorf("jitter must be between 0.0 and 1.0, got %f", c.Jitter)
	}
	return nil
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffStrategy:   BackoffExponential,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		Retryable:         feature.IsTransient,
	}
}

// NoRetry - одна попытка без повторов
func NoRetry() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 1
	return cfg
}
