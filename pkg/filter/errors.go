package filter

import (
	"errors"
	"fmt"
)

// ErrInvalidFilter - sentinel для errors.Is
var ErrInvalidFilter = errors.New("invalid filter")

// InvalidFilterError - структурная ошибка построения фильтра.
// Возникает до любого I/O: при построении дерева или при компиляции.
type InvalidFilterError struct {
	Node     Kind   // вариант узла, в котором найдена ошибка
	Property string // атрибут, если применимо
	Reason   string
}

func (e *InvalidFilterError) Error() string {
	if e.Property != "" {
		return fmt.Sprintf("invalid filter: %s on %q: %s", e.Node, e.Property, e.Reason)
	}
	return fmt.Sprintf("invalid filter: %s: %s", e.Node, e.Reason)
}

// Is поддерживает errors.Is(err, ErrInvalidFilter)
func (e *InvalidFilterError) Is(target error) bool {
	return target == ErrInvalidFilter
}

func invalid(kind Kind, property, format string, args ...any) error {
	return &InvalidFilterError{Node: kind, Property: property, Reason: fmt.Sprintf(format, args...)}
}
