// Package mssql - диалект SQL Server (denisenkom/go-mssqldb).
//
// Версия строки - колонка rowversion, ее продвигает сервер.
// Геометрия - тип geometry, предикаты через методы STIntersects и т.п.
package mssql

import (
	"context"
	"errors"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// Name - имя диалекта в реестре
const Name = "mssql"

// driverName: драйвер "sqlserver" использует плейсхолдеры @pN
const driverName = "sqlserver"

var _ dialect.Dialect = (*Dialect)(nil)

func init() {
	dialect.Register(Name, func(opts dialect.Options) dialect.Dialect {
		return New(opts)
	})
}

// Dialect - диалект SQL Server
type Dialect struct {
	*dialect.Compiler
}

type syntax struct {
	dialect.StandardSyntax
}

func (syntax) QuoteIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// WriteLimitOffset: OFFSET ... FETCH допустим только после ORDER BY
func (syntax) WriteLimitOffset(b *dialect.Builder, limit, offset *dialect.Slot) {
	b.WriteString(" OFFSET ")
	if offset != nil {
		b.Bind(*offset)
	} else {
		b.Bind(dialect.ConstSlot(int64(0), filter.TypeInt))
	}
	b.WriteString(" ROWS")
	if limit != nil {
		b.WriteString(" FETCH NEXT ")
		b.Bind(*limit)
		b.WriteString(" ROWS ONLY")
	}
}

func (syntax) RequiresOrderForPaging() bool { return true }

var methods = map[filter.SpatialOp]string{
	filter.SpatialIntersects: "STIntersects",
	filter.SpatialContains:   "STContains",
	filter.SpatialWithin:     "STWithin",
	filter.SpatialDisjoint:   "STDisjoint",
	filter.SpatialTouches:    "STTouches",
	filter.SpatialCrosses:    "STCrosses",
	filter.SpatialOverlaps:   "STOverlaps",
	filter.SpatialEquals:     "STEquals",
}

func (s syntax) WriteSpatial(b *dialect.Builder, op filter.SpatialOp, column string, geom, srid dialect.Slot) error {
	b.Ident(column)
	b.WriteString(".")
	b.WriteString(methods[op])
	b.WriteString("(")
	s.WriteGeometryValue(b, geom, srid)
	b.WriteString(") = 1")
	return nil
}

func (syntax) WriteGeometryValue(b *dialect.Builder, geom, srid dialect.Slot) {
	b.WriteString("geometry::STGeomFromWKB(")
	b.Bind(geom)
	b.WriteString(", ")
	b.Bind(srid)
	b.WriteString(")")
}

func (syntax) WriteGeometryOutput(b *dialect.Builder, column string, _ *dialect.Slot) {
	b.Ident(column)
	b.WriteString(".STAsBinary()")
}

func (syntax) CountExpr() string { return "COUNT_BIG(*)" }

// New создает диалект
func New(opts dialect.Options) *Dialect {
	syn := syntax{dialect.StandardSyntax{Prefix: "@p", ReturnStyle: dialect.ReturningOutput}}
	caps := dialect.Capabilities{
		SupportsNativeInList:   true,
		SupportsTransactions:   true,
		SupportsBulkOperations: true,
		VersionStrategy:        dialect.VersionNativeRowVersion,
		MaxParams:              2100,
	}
	return &Dialect{Compiler: dialect.NewCompiler(Name, syn, caps, opts)}
}

// CreateConnection открывает пул database/sql
func (d *Dialect) CreateConnection(ctx context.Context, cfg dialect.Config) (dialect.Pool, error) {
	return dialect.OpenSQL(ctx, driverName, cfg)
}

// ClassifyError: взаимоблокировка, тайм-аут и отказы Azure SQL повторяемы
func (d *Dialect) ClassifyError(op string, err error) error {
	return dialect.Classify(op, err, isTransient)
}

func isTransient(err error) bool {
	var me mssql.Error
	if !errors.As(err, &me) {
		return false
	}
	switch me.SQLErrorNumber() {
	case 1205, -2, 40197, 40501, 40613, 49918, 49919, 49920:
		return true
	}
	return false
}
