// Package mysql - диалект MySQL 8 (go-sql-driver/mysql).
//
// MySQL не поддерживает RETURNING: ключ берется из LastInsertId,
// новая версия вычисляется из ожидаемой или перечитывается.
package mysql

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// Name - имя диалекта в реестре
const Name = "mysql"

// axisOrder - MySQL по умолчанию читает географические SRID как lat-long
const axisOrder = "axis-order=long-lat"

var _ dialect.Dialect = (*Dialect)(nil)

func init() {
	dialect.Register(Name, func(opts dialect.Options) dialect.Dialect {
		return New(opts)
	})
}

// Dialect - диалект MySQL
type Dialect struct {
	*dialect.Compiler
}

type syntax struct {
	dialect.StandardSyntax
}

func axisSlot() dialect.Slot {
	return dialect.ConstSlot(axisOrder, filter.TypeString)
}

func (s syntax) WriteSpatial(b *dialect.Builder, op filter.SpatialOp, column string, geom, srid dialect.Slot) error {
	b.WriteString(dialect.SpatialFunction(op))
	b.WriteString("(")
	b.Ident(column)
	b.WriteString(", ")
	s.WriteGeometryValue(b, geom, srid)
	b.WriteString(")")
	return nil
}

func (syntax) WriteGeometryValue(b *dialect.Builder, geom, srid dialect.Slot) {
	b.WriteString("ST_GeomFromWKB(")
	b.Bind(geom)
	b.WriteString(", ")
	b.Bind(srid)
	b.WriteString(", ")
	b.Bind(axisSlot())
	b.WriteString(")")
}

func (syntax) WriteGeometryOutput(b *dialect.Builder, column string, target *dialect.Slot) {
	b.WriteString("ST_AsBinary(")
	if target != nil {
		b.WriteString("ST_Transform(")
		b.Ident(column)
		b.WriteString(", ")
		b.Bind(*target)
		b.WriteString(")")
	} else {
		b.Ident(column)
	}
	b.WriteString(", ")
	b.Bind(axisSlot())
	b.WriteString(")")
}

// New создает диалект
func New(opts dialect.Options) *Dialect {
	syn := syntax{dialect.StandardSyntax{Quote: '`', Positional: true}}
	caps := dialect.Capabilities{
		SupportsNativeInList:   true,
		SupportsTransactions:   true,
		SupportsBulkOperations: true,
		SupportsTransform:      true,
		SupportsLastInsertID:   true,
		VersionStrategy:        dialect.VersionAppManaged,
		MaxParams:              65535,
	}
	return &Dialect{Compiler: dialect.NewCompiler(Name, syn, caps, opts)}
}

// CreateConnection открывает пул database/sql
func (d *Dialect) CreateConnection(ctx context.Context, cfg dialect.Config) (dialect.Pool, error) {
	return dialect.OpenSQL(ctx, "mysql", cfg)
}

// ClassifyError: взаимоблокировка (1213), ожидание блокировки (1205)
// и разрыв соединения повторяемы
func (d *Dialect) ClassifyError(op string, err error) error {
	return dialect.Classify(op, err, isTransient)
}

func isTransient(err error) bool {
	if errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case 1213, 1205:
			return true
		}
	}
	return false
}
