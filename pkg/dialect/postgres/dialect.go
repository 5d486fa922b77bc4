// Package postgres - диалект PostgreSQL/PostGIS поверх pgx/v5 и pgxpool.
//
// Версию строки продвигает триггер BEFORE UPDATE:
//
//	CREATE FUNCTION bump_row_version() RETURNS trigger AS $$
//	BEGIN NEW.row_version := OLD.row_version + 1; RETURN NEW; END $$ LANGUAGE plpgsql;
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// Name - имя диалекта в реестре
const Name = "postgres"

var _ dialect.Dialect = (*Dialect)(nil)

func init() {
	dialect.Register(Name, func(opts dialect.Options) dialect.Dialect {
		return New(opts)
	})
}

// Dialect - диалект PostGIS
type Dialect struct {
	*dialect.Compiler
}

// syntax - $n, явные приведения типов для перегруженных функций PostGIS
type syntax struct {
	dialect.StandardSyntax
}

func (syntax) WriteSpatial(b *dialect.Builder, op filter.SpatialOp, column string, geom, srid dialect.Slot) error {
	b.WriteString(dialect.SpatialFunction(op))
	b.WriteString("(")
	b.Ident(column)
	b.WriteString(", ")
	writeGeomFromWKB(b, geom, srid)
	b.WriteString(")")
	return nil
}

func (syntax) WriteGeometryValue(b *dialect.Builder, geom, srid dialect.Slot) {
	writeGeomFromWKB(b, geom, srid)
}

func writeGeomFromWKB(b *dialect.Builder, geom, srid dialect.Slot) {
	b.WriteString("ST_GeomFromWKB(")
	b.Bind(geom)
	b.WriteString("::bytea, ")
	b.Bind(srid)
	b.WriteString("::integer)")
}

func (syntax) WriteGeometryOutput(b *dialect.Builder, column string, target *dialect.Slot) {
	b.WriteString("ST_AsBinary(")
	if target != nil {
		b.WriteString("ST_Transform(")
		b.Ident(column)
		b.WriteString(", ")
		b.Bind(*target)
		b.WriteString("::integer)")
	} else {
		b.Ident(column)
	}
	b.WriteString(")")
}

// New создает диалект
func New(opts dialect.Options) *Dialect {
	syn := syntax{dialect.StandardSyntax{Quote: '"', Prefix: "$", ReturnStyle: dialect.ReturningSuffix}}
	caps := dialect.Capabilities{
		SupportsNativeInList:   true,
		SupportsTransactions:   true,
		SupportsBulkOperations: true,
		SupportsTransform:      true,
		VersionStrategy:        dialect.VersionTrigger,
		MaxParams:              65535,
	}
	return &Dialect{Compiler: dialect.NewCompiler(Name, syn, caps, opts)}
}

// CreateConnection создает pgxpool
func (d *Dialect) CreateConnection(ctx context.Context, cfg dialect.Config) (dialect.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		config.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		config.MinConns = int32(cfg.MinConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		config.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		config.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}
	if cfg.StatementCacheSize > 0 {
		config.ConnConfig.StatementCacheCapacity = cfg.StatementCacheSize
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPool(pool), nil
}

// ClassifyError: сериализация, взаимоблокировка, обрыв соединения и
// запуск сервера повторяемы
func (d *Dialect) ClassifyError(op string, err error) error {
	return dialect.Classify(op, err, isTransient)
}

func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P03":
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
