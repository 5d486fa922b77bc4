package engine

import (
	"context"
	"errors"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
	"github.com/ruslano69/featurestore/pkg/retry"
)

// domainErrors - ошибки движка, которые проходят мимо классификации драйвера
var domainErrors = []error{
	feature.ErrNotFound,
	feature.ErrConcurrencyConflict,
	feature.ErrPreconditionRequired,
	feature.ErrInvalidVersionToken,
	feature.ErrUnknownProperty,
	feature.ErrUnknownLayer,
	feature.ErrFilterTooComplex,
	feature.ErrInvalidQuery,
	feature.ErrUnsupported,
	filter.ErrInvalidFilter,
}

// classify относит ошибку драйвера к TransientError или PermanentError
func (e *Engine) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return err
		}
	}
	return e.dialect.ClassifyError(op, err)
}

// attempt оборачивает fn подсчетом попыток для метрик и журнала
func attempt[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	n := 0
	v, err := retry.Value(ctx, e.retry, func(ctx context.Context) (T, error) {
		n++
		v, err := fn(ctx)
		if err != nil && e.retry.Config().Retryable(err) && n < e.retry.Config().MaxAttempts {
			e.log.Debug().Err(err).Str("op", op).Int("attempt", n).Msg("transient failure, retrying")
		}
		return v, err
	})
	if n > 1 {
		e.metrics.retries.WithLabelValues(op).Add(float64(n - 1))
	}
	return v, err
}

// run выполняет fn на соединении из пула с повторами временных сбоев
func run[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context, conn dialect.Conn) (T, error)) (T, error) {
	return attempt(ctx, e, op, func(ctx context.Context) (T, error) {
		var zero T
		conn, err := e.pool.Acquire(ctx)
		if err != nil {
			return zero, e.classify(op, err)
		}
		defer conn.Release()
		v, err := fn(ctx, conn)
		if err != nil {
			return zero, e.classify(op, err)
		}
		return v, nil
	})
}

// write выполняет fn в транзакции, если диалект их поддерживает.
// Транзакция повторяется целиком. Без транзакций fn получает соединение,
// на котором повторяется каждый запрос по отдельности.
func write[T any](ctx context.Context, e *Engine, op string, fn func(ctx context.Context, q dialect.Querier) (T, error)) (T, error) {
	if !e.caps.SupportsTransactions {
		conn, err := attempt(ctx, e, op, func(ctx context.Context) (dialect.Conn, error) {
			c, err := e.pool.Acquire(ctx)
			return c, e.classify(op, err)
		})
		if err != nil {
			var zero T
			return zero, err
		}
		defer conn.Release()
		v, err := fn(ctx, &retryingQuerier{e: e, op: op, q: conn})
		return v, e.classify(op, err)
	}

	return run(ctx, e, op, func(ctx context.Context, conn dialect.Conn) (T, error) {
		var zero T
		tx, err := conn.Begin(ctx)
		if err != nil {
			return zero, err
		}
		v, err := fn(ctx, tx)
		if err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				e.log.Warn().Err(rbErr).Str("op", op).Msg("rollback failed")
			}
			return zero, err
		}
		if err := tx.Commit(ctx); err != nil {
			return zero, err
		}
		return v, nil
	})
}

// retryingQuerier повторяет отдельные запросы вне транзакции
type retryingQuerier struct {
	e  *Engine
	op string
	q  dialect.Querier
}

func (r *retryingQuerier) Query(ctx context.Context, def *dialect.QueryDefinition) (dialect.Rows, error) {
	return attempt(ctx, r.e, r.op, func(ctx context.Context) (dialect.Rows, error) {
		rows, err := r.q.Query(ctx, def)
		return rows, r.e.classify(r.op, err)
	})
}

func (r *retryingQuerier) Exec(ctx context.Context, def *dialect.QueryDefinition) (dialect.Result, error) {
	return attempt(ctx, r.e, r.op, func(ctx context.Context) (dialect.Result, error) {
		res, err := r.q.Exec(ctx, def)
		return res, r.e.classify(r.op, err)
	})
}

// queryRow читает первую строку результата
func queryRow(ctx context.Context, q dialect.Querier, def *dialect.QueryDefinition) ([]any, bool, error) {
	rows, err := q.Query(ctx, def)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	vals, err := rows.Values()
	if err != nil {
		return nil, false, err
	}
	return vals, true, rows.Close()
}

// queryAll читает все строки результата
func queryAll(ctx context.Context, q dialect.Querier, def *dialect.QueryDefinition) ([][]any, error) {
	rows, err := q.Query(ctx, def)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, rows.Close()
}

// affect выполняет запись и возвращает число затронутых строк.
// Для запросов с RETURNING/OUTPUT считаются возвращенные строки.
func affect(ctx context.Context, q dialect.Querier, def *dialect.QueryDefinition) (int64, error) {
	if def.Result.Empty() {
		res, err := q.Exec(ctx, def)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	rows, err := queryAll(ctx, q, def)
	return int64(len(rows)), err
}
