package dialect

import (
	"context"
	"time"
)

// Querier выполняет привязанные запросы
type Querier interface {
	Query(ctx context.Context, q *QueryDefinition) (Rows, error)
	Exec(ctx context.Context, q *QueryDefinition) (Result, error)
}

// Conn - соединение, взятое из пула. Release возвращает его в пул;
// повторный вызов безопасен.
type Conn interface {
	Querier
	Begin(ctx context.Context) (Tx, error)
	Release()
}

// Tx - транзакция соединения
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Rows - курсор по результату. Values возвращает значения текущей строки
// в порядке ResultShape.Columns.
type Rows interface {
	Next() bool
	Values() ([]any, error)
	Err() error
	Close() error
}

// Result - итог DML
type Result interface {
	RowsAffected() (int64, error)
	LastInsertId() (int64, error)
}

// PoolStats - состояние пула
type PoolStats struct {
	Open         int
	InUse        int
	Idle         int
	WaitCount    int64
	WaitDuration time.Duration
	// CachedStatements - число подготовленных выражений в кэше
	CachedStatements int
}

// Pool - пул соединений, которым владеет вызывающий
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Stats() PoolStats
	Close() error
}
