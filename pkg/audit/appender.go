package audit

import (
	"context"
	"errors"

	"github.com/ruslano69/featurestore/pkg/resilience"
)

// Appender - получатель копий записей журнала (зеркало).
// Основная запись журнала делается в БД в той же транзакции, что и удаление,
// appender получает ее уже после фиксации.
type Appender interface {
	Append(ctx context.Context, rec Record) error
	Close() error
}

// MultiAppender - запись в несколько appenders
type MultiAppender struct {
	appenders []Appender
}

// NewMultiAppender - создать multi appender
func NewMultiAppender(appenders ...Appender) *MultiAppender {
	return &MultiAppender{appenders: appenders}
}

// Append пишет во все appenders; сбой одного не останавливает остальные
func (ma *MultiAppender) Append(ctx context.Context, rec Record) error {
	var errs []error
	for _, a := range ma.appenders {
		if err := a.Append(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close - закрыть все appenders
func (ma *MultiAppender) Close() error {
	var errs []error
	for _, a := range ma.appenders {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Add - добавить appender
func (ma *MultiAppender) Add(a Appender) {
	ma.appenders = append(ma.appenders, a)
}

// Len - число appenders
func (ma *MultiAppender) Len() int {
	return len(ma.appenders)
}

// NullAppender ничего не делает
type NullAppender struct{}

func (NullAppender) Append(context.Context, Record) error { return nil }

func (NullAppender) Close() error { return nil }

type namedAppender struct {
	Appender
	name string
}

func (n namedAppender) Name() string { return n.name }

// Named задает appender имя для SinkName
func Named(name string, a Appender) Appender {
	return namedAppender{Appender: a, name: name}
}

// GuardedAppender пропускает записи через circuit breaker. Пока breaker
// разомкнут, Append сразу возвращает resilience.ErrOpen, и запись уходит
// в OnError зеркала без ожидания таймаута приемника.
type GuardedAppender struct {
	Appender
	breaker *resilience.Breaker
}

// Guard оборачивает appender в breaker
func Guard(a Appender, b *resilience.Breaker) *GuardedAppender {
	return &GuardedAppender{Appender: a, breaker: b}
}

func (g *GuardedAppender) Append(ctx context.Context, rec Record) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.Appender.Append(ctx, rec)
	})
}

// Name - имя приемника, совпадает с именем breaker
func (g *GuardedAppender) Name() string { return g.breaker.Name() }

// Breaker - состояние для диагностики
func (g *GuardedAppender) Breaker() *resilience.Breaker { return g.breaker }
