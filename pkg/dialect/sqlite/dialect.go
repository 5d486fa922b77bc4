// Package sqlite - диалект SQLite (modernc.org/sqlite, без CGO).
//
// Геометрия хранится в BLOB как WKB. Пространственные предикаты
// выполняются функциями, зарегистрированными в драйвере (см. spatial.go).
package sqlite

import (
	"context"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// Name - имя диалекта в реестре
const Name = "sqlite"

const driverName = "sqlite"

var _ dialect.Dialect = (*Dialect)(nil)

func init() {
	dialect.Register(Name, func(opts dialect.Options) dialect.Dialect {
		return New(opts)
	})
}

// Dialect - диалект SQLite
type Dialect struct {
	*dialect.Compiler
}

// New создает диалект
func New(opts dialect.Options) *Dialect {
	syn := dialect.StandardSyntax{Quote: '"', Positional: true, ReturnStyle: dialect.ReturningSuffix}
	caps := dialect.Capabilities{
		SupportsNativeInList:   true,
		SupportsTransactions:   true,
		SupportsBulkOperations: true,
		SupportsLastInsertID:   true,
		VersionStrategy:        dialect.VersionAppManaged,
		SpatialOps: []filter.SpatialOp{
			filter.SpatialIntersects,
			filter.SpatialDisjoint,
			filter.SpatialContains,
			filter.SpatialWithin,
			filter.SpatialEquals,
		},
		MaxParams: 32766,
	}
	return &Dialect{Compiler: dialect.NewCompiler(Name, syn, caps, opts)}
}

// CreateConnection открывает базу и включает WAL
func (d *Dialect) CreateConnection(ctx context.Context, cfg dialect.Config) (dialect.Pool, error) {
	if err := registerSpatial(); err != nil {
		return nil, err
	}
	p, err := dialect.OpenSQL(ctx, driverName, cfg)
	if err != nil {
		return nil, err
	}
	// journal_mode сохраняется в файле базы, достаточно одного соединения
	if _, err := p.DB().ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to apply PRAGMA: %w", err)
	}
	return p, nil
}

// ClassifyError: SQLITE_BUSY и SQLITE_LOCKED повторяемы
func (d *Dialect) ClassifyError(op string, err error) error {
	return dialect.Classify(op, err, isTransient)
}

func isTransient(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
