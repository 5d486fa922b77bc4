package feature

import (
	"errors"
	"fmt"
)

// Sentinel ошибки для errors.Is. Типизированные ошибки ниже
// сопоставляются с ними через метод Is.
var (
	ErrNotFound             = errors.New("feature not found")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrPreconditionRequired = errors.New("version precondition required")
	ErrInvalidVersionToken  = errors.New("invalid version token")
	ErrUnknownProperty      = errors.New("unknown property")
	ErrUnknownLayer         = errors.New("unknown layer")
	ErrFilterTooComplex     = errors.New("filter too complex")
	ErrInvalidQuery         = errors.New("invalid query")
	ErrTransient            = errors.New("transient error")
	ErrPermanent            = errors.New("permanent error")
	ErrUnsupported          = errors.New("unsupported operation")
)

// UnknownPropertyError - ссылка на атрибут, которого нет в схеме слоя
type UnknownPropertyError struct {
	Layer    string
	Property string
	Context  string // filter, sort, properties, write
}

func (e *UnknownPropertyError) Error() string {
	return fmt.Sprintf("unknown property %q in %s of layer %q", e.Property, e.Context, e.Layer)
}

func (e *UnknownPropertyError) Is(target error) bool { return target == ErrUnknownProperty }

// UnknownLayerError - слой не зарегистрирован
type UnknownLayerError struct {
	Layer string
}

func (e *UnknownLayerError) Error() string {
	return fmt.Sprintf("unknown layer %q", e.Layer)
}

func (e *UnknownLayerError) Is(target error) bool { return target == ErrUnknownLayer }

// FilterTooComplexError - превышены лимиты глубины или числа узлов
type FilterTooComplexError struct {
	Layer    string
	Depth    int
	Nodes    int
	MaxDepth int
	MaxNodes int
}

func (e *FilterTooComplexError) Error() string {
	return fmt.Sprintf("filter too complex for layer %q: depth %d (max %d), nodes %d (max %d)",
		e.Layer, e.Depth, e.MaxDepth, e.Nodes, e.MaxNodes)
}

func (e *FilterTooComplexError) Is(target error) bool { return target == ErrFilterTooComplex }

// InvalidQueryError - некорректные параметры запроса (не фильтр)
type InvalidQueryError struct {
	Layer  string
	Field  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query on layer %q: %s: %s", e.Layer, e.Field, e.Reason)
}

func (e *InvalidQueryError) Is(target error) bool { return target == ErrInvalidQuery }

// TransientError - временный сбой, операция может быть повторена
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// PermanentError - синтаксис, несоответствие схемы, нарушение ограничений.
// Никогда не повторяется.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) Is(target error) bool { return target == ErrPermanent }

// ConcurrencyConflict - запись по устаревшей версии.
// Actual - текущая версия строки, пригодная для повторной попытки.
type ConcurrencyConflict struct {
	EntityType string
	EntityID   any
	Expected   VersionToken
	Actual     VersionToken
}

func (e *ConcurrencyConflict) Error() string {
	return fmt.Sprintf("concurrency conflict on %s %v: expected version %s, actual %s",
		e.EntityType, e.EntityID, e.Expected.describe(), e.Actual.describe())
}

func (e *ConcurrencyConflict) Is(target error) bool { return target == ErrConcurrencyConflict }

// NotFoundError - сущность не существует (или скрыта мягким удалением)
type NotFoundError struct {
	EntityType string
	EntityID   any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.EntityType, e.EntityID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PreconditionRequiredError - строгий режим: запись без версии отклонена
type PreconditionRequiredError struct {
	EntityType string
	EntityID   any
	Op         string
}

func (e *PreconditionRequiredError) Error() string {
	return fmt.Sprintf("%s of %s %v requires a version token", e.Op, e.EntityType, e.EntityID)
}

func (e *PreconditionRequiredError) Is(target error) bool { return target == ErrPreconditionRequired }

// InvalidVersionTokenError - токен не был выдан движком для этой сущности
type InvalidVersionTokenError struct {
	EntityType string
	EntityID   any
	Reason     string
}

func (e *InvalidVersionTokenError) Error() string {
	return fmt.Sprintf("invalid version token for %s %v: %s", e.EntityType, e.EntityID, e.Reason)
}

func (e *InvalidVersionTokenError) Is(target error) bool { return target == ErrInvalidVersionToken }

// UnsupportedOperationError - диалект или конфигурация не поддерживает операцию
type UnsupportedOperationError struct {
	Dialect string
	Op      string
	Reason  string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s: %s is not supported: %s", e.Dialect, e.Op, e.Reason)
}

func (e *UnsupportedOperationError) Is(target error) bool { return target == ErrUnsupported }

// IsTransient сообщает, можно ли повторить операцию
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
