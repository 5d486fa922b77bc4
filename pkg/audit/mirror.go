package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrMirrorClosed - зеркало уже закрыто
	ErrMirrorClosed = errors.New("audit mirror is closed")
	// ErrUnknownSink - в зеркале нет appender с таким именем
	ErrUnknownSink = errors.New("unknown audit sink")
)

// MirrorConfig - конфигурация зеркала
type MirrorConfig struct {
	// AsyncMode - отправка в appenders из фоновой горутины
	AsyncMode bool

	// BufferSize - размер очереди асинхронного режима
	BufferSize int

	// Timeout - предел на одну отправку в appenders (0 = без предела)
	Timeout time.Duration

	// OnError вызывается при сбое appender; sink - его SinkName
	OnError func(rec Record, sink string, err error)
}

// SinkName - имя appender для адресной повторной отправки.
// Appender с методом Name() string называет себя сам.
func SinkName(a Appender) string {
	if n, ok := a.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", a)
}

// Mirror рассылает зафиксированные записи журнала во внешние appenders.
// Сбой зеркала не влияет на исход операции удаления.
type Mirror struct {
	appenders []Appender
	config    MirrorConfig
	queue     chan Record
	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewMirror - создать зеркало
func NewMirror(config MirrorConfig, appenders ...Appender) *Mirror {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	m := &Mirror{
		appenders: appenders,
		config:    config,
		done:      make(chan struct{}),
	}
	if config.AsyncMode {
		m.queue = make(chan Record, config.BufferSize)
		m.wg.Add(1)
		go m.process()
	}
	return m
}

// Publish передает запись в appenders. В асинхронном режиме при
// переполненной очереди запись отправляется синхронно.
func (m *Mirror) Publish(ctx context.Context, rec Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMirrorClosed
	}
	if m.queue != nil {
		select {
		case m.queue <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return m.write(ctx, rec)
}

// PublishTo синхронно отправляет запись только в appenders с именем
// sink. Остальные приемники запись не получают.
func (m *Mirror) PublishTo(ctx context.Context, sink string, rec Record) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMirrorClosed
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var errs []error
	found := false
	for _, a := range m.appenders {
		if SinkName(a) != sink {
			continue
		}
		found = true
		if err := m.deliver(ctx, a, rec); err != nil {
			errs = append(errs, err)
		}
	}
	if !found {
		return fmt.Errorf("%w: %q", ErrUnknownSink, sink)
	}
	return errors.Join(errs...)
}

func (m *Mirror) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.config.Timeout > 0 {
		return context.WithTimeout(ctx, m.config.Timeout)
	}
	return ctx, func() {}
}

func (m *Mirror) write(ctx context.Context, rec Record) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var errs []error
	for _, a := range m.appenders {
		if err := m.deliver(ctx, a, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Mirror) deliver(ctx context.Context, a Appender, rec Record) error {
	err := a.Append(ctx, rec)
	if err == nil {
		return nil
	}
	sink := SinkName(a)
	err = fmt.Errorf("audit mirror %s: %w", sink, err)
	if m.config.OnError != nil {
		m.config.OnError(rec, sink, err)
	}
	return err
}

// process - обработка очереди в асинхронном режиме
func (m *Mirror) process() {
	defer m.wg.Done()
	for {
		select {
		case rec := <-m.queue:
			m.write(context.Background(), rec)
		case <-m.done:
			m.drain()
			return
		}
	}
}

func (m *Mirror) drain() {
	for {
		select {
		case rec := <-m.queue:
			m.write(context.Background(), rec)
		default:
			return
		}
	}
}

// Flush - сбросить буферы appenders, поддерживающих Flush
func (m *Mirror) Flush() error {
	var errs []error
	for _, a := range m.appenders {
		if f, ok := a.(interface{ Flush() error }); ok {
			if err := f.Flush(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Close дожидается отправки очереди и закрывает appenders
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	m.Flush()

	var errs []error
	for _, a := range m.appenders {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
