package dialect

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/ruslano69/featurestore/pkg/feature"
)

// Classify - общая часть ClassifyError. transient решает по ошибке
// конкретного драйвера.
//
// Отмена и дедлайн возвращаются как есть и не повторяются.
func Classify(op string, err error, transient func(error) bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *feature.TransientError
	var pe *feature.PermanentError
	if errors.As(err, &te) || errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || (transient != nil && transient(err)) {
		return &feature.TransientError{Op: op, Err: err}
	}
	return &feature.PermanentError{Op: op, Err: err}
}
