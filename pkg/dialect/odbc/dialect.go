// Package odbc - обобщенный диалект ODBC (alexbrainman/odbc).
//
// Рассчитан на источники без транзакций и без RETURNING: IN
// раскрывается в цепочку OR, страница - OFFSET ... FETCH,
// пространственные функции SQL/MM возвращают 0/1.
package odbc

import (
	"context"
	"errors"
	"strings"

	"github.com/alexbrainman/odbc"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// Name - имя диалекта в реестре
const Name = "odbc"

var _ dialect.Dialect = (*Dialect)(nil)

func init() {
	dialect.Register(Name, func(opts dialect.Options) dialect.Dialect {
		return New(opts)
	})
}

// Dialect - диалект ODBC
type Dialect struct {
	*dialect.Compiler
}

type syntax struct {
	dialect.StandardSyntax
}

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

func (s syntax) WriteSpatial(b *dialect.Builder, op filter.SpatialOp, column string, geom, srid dialect.Slot) error {
	if err := s.StandardSyntax.WriteSpatial(b, op, column, geom, srid); err != nil {
		return err
	}
	b.WriteString(" = 1")
	return nil
}

// New создает диалект
func New(opts dialect.Options) *Dialect {
	syn := syntax{dialect.StandardSyntax{Quote: '"', Positional: true}}
	caps := dialect.Capabilities{
		VersionStrategy: dialect.VersionAppManaged,
	}
	return &Dialect{Compiler: dialect.NewCompiler(Name, syn, caps, opts)}
}

// CreateConnection открывает пул database/sql
func (d *Dialect) CreateConnection(ctx context.Context, cfg dialect.Config) (dialect.Pool, error) {
	return dialect.OpenSQL(ctx, "odbc", cfg)
}

// ClassifyError разбирает SQLSTATE диагностических записей
func (d *Dialect) ClassifyError(op string, err error) error {
	return dialect.Classify(op, err, isTransient)
}

func isTransient(err error) bool {
	var oe *odbc.Error
	if !errors.As(err, &oe) {
		return false
	}
	for _, d := range oe.Diag {
		switch {
		case d.State == "40001", d.State == "HYT00", d.State == "HYT01":
			return true
		case strings.HasPrefix(d.State, "08"):
			return true
		}
	}
	return false
}
