// Package resilience защищает внешние приемники от лавины повторов:
// после серии сбоев вызовы отклоняются сразу, пока не истечет пауза.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen - breaker разомкнут, вызов не выполнялся
var ErrOpen = errors.New("circuit breaker is open")

// State - состояние breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Config - параметры breaker
type Config struct {
	// MaxFailures - подряд идущих сбоев до размыкания
	MaxFailures uint32 `yaml:"max_failures"`
	// Cooldown - пауза в Open до пробного вызова
	Cooldown time.Duration `yaml:"cooldown"`
	// SuccessThreshold - успешных пробных вызовов до замыкания
	SuccessThreshold uint32 `yaml:"success_threshold"`

	// OnStateChange вызывается синхронно под блокировкой breaker
	// и не должен обращаться к нему.
	OnStateChange func(name string, from, to State) `yaml:"-"`
}

// DefaultConfig - 5 сбоев, минута паузы, 2 пробных успеха
func DefaultConfig() Config {
	return Config{MaxFailures: 5, Cooldown: time.Minute, SuccessThreshold: 2}
}

// Validate дополняет нулевые поля значениями по умолчанию
func (c *Config) Validate() error {
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown must not be negative")
	}
	d := DefaultConfig()
	if c.MaxFailures == 0 {
		c.MaxFailures = d.MaxFailures
	}
	if c.Cooldown == 0 {
		c.Cooldown = d.Cooldown
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	return nil
}

// Counts - счетчики текущего поколения
type Counts struct {
	Requests             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker - автомат Closed -> Open -> HalfOpen -> Closed.
// Результат вызова из устаревшего поколения не учитывается.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// New создает замкнутый breaker
func New(name string, config Config) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("circuit breaker %s: %w", name, err)
	}
	return &Breaker{name: name, config: config, now: time.Now}, nil
}

// Name - имя для журнала
func (b *Breaker) Name() string { return b.name }

// Execute выполняет fn, если breaker пропускает вызов.
// Отмена контекста вызывающим не считается сбоем приемника.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.after(gen, err == nil || (ctx.Err() != nil && errors.Is(err, ctx.Err())))
	return err
}

// State - текущее состояние с учетом истекшей паузы
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	return b.state
}

// Counts - счетчики текущего поколения
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset принудительно замыкает breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tick()
	if b.state == StateOpen {
		return b.generation, fmt.Errorf("%w: %s", ErrOpen, b.name)
	}
	b.counts.Requests++
	return b.generation, nil
}

func (b *Breaker) after(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.generation {
		return
	}
	if ok {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		}
		return
	}
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch b.state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.MaxFailures {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

// tick переводит Open в HalfOpen по истечении паузы
func (b *Breaker) tick() {
	if b.state == StateOpen && !b.now().Before(b.expiry) {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.counts = Counts{}
	if to == StateOpen {
		b.expiry = b.now().Add(b.config.Cooldown)
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, from, to)
	}
}
