package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruslano69/featurestore/pkg/dialect"
)

// Pool - dialect.Pool поверх pgxpool. Подготовленные выражения кэширует
// pgx (StatementCacheCapacity на соединение).
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool оборачивает готовый pgxpool; владение пулом переходит к Pool
func NewPool(p *pgxpool.Pool) *Pool {
	return &Pool{pool: p}
}

// Pgx возвращает *pgxpool.Pool для прямого доступа
func (p *Pool) Pgx() *pgxpool.Pool { return p.pool }

func (p *Pool) Acquire(ctx context.Context) (dialect.Conn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &conn{conn: c}, nil
}

func (p *Pool) Stats() dialect.PoolStats {
	s := p.pool.Stat()
	return dialect.PoolStats{
		Open:         int(s.TotalConns()),
		InUse:        int(s.AcquiredConns()),
		Idle:         int(s.IdleConns()),
		WaitCount:    s.EmptyAcquireCount(),
		WaitDuration: s.AcquireDuration(),
	}
}

func (p *Pool) Close() error {
	p.pool.Close()
	return nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func query(ctx context.Context, q querier, def *dialect.QueryDefinition) (dialect.Rows, error) {
	r, err := q.Query(ctx, def.Text, def.Args()...)
	if err != nil {
		return nil, err
	}
	return &rows{rows: r}, nil
}

func exec(ctx context.Context, q querier, def *dialect.QueryDefinition) (dialect.Result, error) {
	tag, err := q.Exec(ctx, def.Text, def.Args()...)
	if err != nil {
		return nil, err
	}
	return result{tag: tag}, nil
}

type conn struct {
	conn *pgxpool.Conn
}

func (c *conn) Query(ctx context.Context, q *dialect.QueryDefinition) (dialect.Rows, error) {
	return query(ctx, c.conn, q)
}

func (c *conn) Exec(ctx context.Context, q *dialect.QueryDefinition) (dialect.Result, error) {
	return exec(ctx, c.conn, q)
}

func (c *conn) Begin(ctx context.Context) (dialect.Tx, error) {
	t, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &tx{tx: t}, nil
}

func (c *conn) Release() {
	if c.conn != nil {
		c.conn.Release()
		c.conn = nil
	}
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Query(ctx context.Context, q *dialect.QueryDefinition) (dialect.Rows, error) {
	return query(ctx, t.tx, q)
}

func (t *tx) Exec(ctx context.Context, q *dialect.QueryDefinition) (dialect.Result, error) {
	return exec(ctx, t.tx, q)
}

func (t *tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

type rows struct {
	rows pgx.Rows
}

func (r *rows) Next() bool { return r.rows.Next() }

func (r *rows) Values() ([]any, error) {
	vals, err := r.rows.Values()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if vals[i], err = normalize(v); err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
	}
	return vals, nil
}

func (r *rows) Err() error { return r.rows.Err() }

func (r *rows) Close() error {
	r.rows.Close()
	return nil
}

// normalize приводит типы pgtype к базовым типам Go
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case pgtype.Numeric:
		if !x.Valid {
			return nil, nil
		}
		f, err := x.Float64Value()
		if err != nil {
			return nil, err
		}
		return f.Float64, nil
	case [16]byte:
		return pgtype.UUID{Bytes: x, Valid: true}.Value()
	default:
		return v, nil
	}
}

var errNoLastInsertID = errors.New("postgres: LastInsertId is not supported, use RETURNING")

type result struct {
	tag pgconn.CommandTag
}

func (r result) RowsAffected() (int64, error) { return r.tag.RowsAffected(), nil }
func (r result) LastInsertId() (int64, error) { return 0, errNoLastInsertID }
