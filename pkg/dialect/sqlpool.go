package dialect

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultStatementCacheSize - размер кэша подготовленных выражений по умолчанию
const DefaultStatementCacheSize = 256

// SQLPool - Pool поверх database/sql. Физическое соединение закрепляется
// за Rows до их закрытия и за Tx до завершения; этим управляет database/sql.
//
// Подготовленные выражения кэшируются на уровне *sql.DB (database/sql
// сам готовит их на каждом физическом соединении). Вытесненное выражение
// закрывается, когда его перестают использовать.
type SQLPool struct {
	db    *sql.DB
	mu    sync.Mutex
	stmts *simplelru.LRU[string, *stmtEntry]
}

type stmtEntry struct {
	stmt    *sql.Stmt
	refs    int
	evicted bool
}

// OpenSQL открывает пул через database/sql и проверяет подключение
func OpenSQL(ctx context.Context, driverName string, cfg Config) (*SQLPool, error) {
	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	p, err := NewSQLPool(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return p, nil
}

// NewSQLPool оборачивает открытый *sql.DB и применяет настройки пула.
// StatementCacheSize < 0 отключает кэш.
func NewSQLPool(db *sql.DB, cfg Config) (*SQLPool, error) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	p := &SQLPool{db: db}
	size := cfg.StatementCacheSize
	if size == 0 {
		size = DefaultStatementCacheSize
	}
	if size > 0 {
		lru, err := simplelru.NewLRU(size, p.onEvict)
		if err != nil {
			return nil, fmt.Errorf("statement cache: %w", err)
		}
		p.stmts = lru
	}
	return p, nil
}

// DB возвращает *sql.DB для прямого доступа (миграции, тесты)
func (p *SQLPool) DB() *sql.DB { return p.db }

// onEvict вызывается под p.mu
func (p *SQLPool) onEvict(_ string, e *stmtEntry) {
	e.evicted = true
	if e.refs == 0 {
		e.stmt.Close()
	}
}

// prepare возвращает выражение из кэша или готовит новое.
// Вызывающий обязан вызвать release.
func (p *SQLPool) prepare(ctx context.Context, text string) (*stmtEntry, error) {
	if p.stmts == nil {
		return nil, nil
	}
	p.mu.Lock()
	if e, ok := p.stmts.Get(text); ok {
		e.refs++
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	stmt, err := p.db.PrepareContext(ctx, text)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.stmts.Get(text); ok {
		// выражение подготовили параллельно
		stmt.Close()
		e.refs++
		return e, nil
	}
	e := &stmtEntry{stmt: stmt, refs: 1}
	p.stmts.Add(text, e)
	return e, nil
}

func (p *SQLPool) release(e *stmtEntry) {
	if e == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e.refs--
	if e.evicted && e.refs == 0 {
		e.stmt.Close()
	}
}

// Acquire возвращает логическое соединение
func (p *SQLPool) Acquire(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &sqlConn{pool: p}, nil
}

// Stats - состояние пула database/sql и кэша выражений
func (p *SQLPool) Stats() PoolStats {
	s := p.db.Stats()
	st := PoolStats{
		Open:         s.OpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration,
	}
	if p.stmts != nil {
		p.mu.Lock()
		st.CachedStatements = p.stmts.Len()
		p.mu.Unlock()
	}
	return st
}

// Close закрывает кэш выражений и *sql.DB
func (p *SQLPool) Close() error {
	if p.stmts != nil {
		p.mu.Lock()
		p.stmts.Purge()
		p.mu.Unlock()
	}
	return p.db.Close()
}

type sqlConn struct {
	pool     *SQLPool
	released bool
}

func (c *sqlConn) Query(ctx context.Context, q *QueryDefinition) (Rows, error) {
	e, err := c.pool.prepare(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	if e != nil {
		rows, err = e.stmt.QueryContext(ctx, q.Args()...)
	} else {
		rows, err = c.pool.db.QueryContext(ctx, q.Text, q.Args()...)
	}
	if err != nil {
		c.pool.release(e)
		return nil, err
	}
	return newSQLRows(rows, func() { c.pool.release(e) })
}

func (c *sqlConn) Exec(ctx context.Context, q *QueryDefinition) (Result, error) {
	e, err := c.pool.prepare(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	defer c.pool.release(e)
	if e != nil {
		return e.stmt.ExecContext(ctx, q.Args()...)
	}
	return c.pool.db.ExecContext(ctx, q.Text, q.Args()...)
}

func (c *sqlConn) Begin(ctx context.Context) (Tx, error) {
	tx, err := c.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{pool: c.pool, tx: tx}, nil
}

func (c *sqlConn) Release() { c.released = true }

type sqlTx struct {
	pool *SQLPool
	tx   *sql.Tx
}

// stmt привязывает кэшированное выражение к транзакции
func (t *sqlTx) stmt(ctx context.Context, text string) (*sql.Stmt, func(), error) {
	e, err := t.pool.prepare(ctx, text)
	if err != nil {
		return nil, nil, err
	}
	if e == nil {
		return nil, func() {}, nil
	}
	s := t.tx.StmtContext(ctx, e.stmt)
	return s, func() {
		s.Close()
		t.pool.release(e)
	}, nil
}

func (t *sqlTx) Query(ctx context.Context, q *QueryDefinition) (Rows, error) {
	s, done, err := t.stmt(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	if s != nil {
		rows, err = s.QueryContext(ctx, q.Args()...)
	} else {
		rows, err = t.tx.QueryContext(ctx, q.Text, q.Args()...)
	}
	if err != nil {
		done()
		return nil, err
	}
	return newSQLRows(rows, done)
}

func (t *sqlTx) Exec(ctx context.Context, q *QueryDefinition) (Result, error) {
	s, done, err := t.stmt(ctx, q.Text)
	if err != nil {
		return nil, err
	}
	defer done()
	if s != nil {
		return s.ExecContext(ctx, q.Args()...)
	}
	return t.tx.ExecContext(ctx, q.Text, q.Args()...)
}

func (t *sqlTx) Commit(context.Context) error   { return t.tx.Commit() }
func (t *sqlTx) Rollback(context.Context) error { return t.tx.Rollback() }

type sqlRows struct {
	rows    *sql.Rows
	n       int
	onClose func()
	once    sync.Once
}

func newSQLRows(rows *sql.Rows, onClose func()) (*sqlRows, error) {
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		onClose()
		return nil, err
	}
	return &sqlRows{rows: rows, n: len(cols), onClose: onClose}, nil
}

func (r *sqlRows) Next() bool { return r.rows.Next() }

// Values сканирует строку в []any; database/sql копирует []byte
func (r *sqlRows) Values() ([]any, error) {
	vals := make([]any, r.n)
	ptrs := make([]any, r.n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return vals, nil
}

func (r *sqlRows) Err() error { return r.rows.Err() }

func (r *sqlRows) Close() error {
	err := r.rows.Close()
	r.once.Do(r.onClose)
	return err
}
