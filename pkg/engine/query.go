package engine

import (
	"context"
	"time"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
	"github.com/ruslano69/featurestore/pkg/plancache"
)

// plan возвращает план из кэша, компилируя его при промахе
func (e *Engine) plan(ctx context.Context, l *layer, kind dialect.PlanKind, s *dialect.Shape) (*dialect.Plan, error) {
	key := plancache.KeyFor(l.schema.Name, l.fingerprint, e.dialect.Name(), kind, s)
	return e.plans.Get(ctx, key, l.schema.Name, func() (*dialect.Plan, error) {
		start := time.Now()
		var (
			p   *dialect.Plan
			err error
		)
		switch kind {
		case dialect.PlanCount:
			p, err = e.dialect.CompileCount(s, &l.schema)
		case dialect.PlanByID:
			p, err = e.dialect.CompileByID(s, &l.schema)
		default:
			p, err = e.dialect.CompileSelect(s, &l.schema)
		}
		if err != nil {
			return nil, err
		}
		e.log.Debug().Str("layer", l.schema.Name).Stringer("kind", kind).
			Int("params", len(p.Slots)).Dur("took", time.Since(start)).Msg("plan compiled")
		return p, nil
	})
}

// Query открывает выборку страницы слоя. Ошибки фильтра, схемы и
// компиляции возвращаются до обращения к БД.
func (e *Engine) Query(ctx context.Context, q feature.FeatureQuery) (_ *RecordStream, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("query", q.Layer, start, err) }()

	p, err := e.prepare(q, true)
	if err != nil {
		return nil, err
	}
	pl, err := e.plan(ctx, p.layer, dialect.PlanSelect, p.shape)
	if err != nil {
		return nil, err
	}
	def, err := pl.Bind(p.args)
	if err != nil {
		return nil, &feature.InvalidQueryError{Layer: q.Layer, Field: "filter", Reason: err.Error()}
	}

	type opened struct {
		conn dialect.Conn
		rows dialect.Rows
	}
	o, err := attempt(ctx, e, "query", func(ctx context.Context) (opened, error) {
		conn, err := e.pool.Acquire(ctx)
		if err != nil {
			return opened{}, e.classify("query", err)
		}
		rows, err := conn.Query(ctx, def)
		if err != nil {
			conn.Release()
			return opened{}, e.classify("query", err)
		}
		return opened{conn: conn, rows: rows}, nil
	})
	if err != nil {
		return nil, err
	}
	return newRecordStream(ctx, e, p, def.Result, o.conn, o.rows), nil
}

// Count возвращает число строк по фильтру запроса; страница и
// сортировка не учитываются
func (e *Engine) Count(ctx context.Context, q feature.FeatureQuery) (n int64, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("count", q.Layer, start, err) }()

	p, err := e.prepare(q, false)
	if err != nil {
		return 0, err
	}
	pl, err := e.plan(ctx, p.layer, dialect.PlanCount, p.shape)
	if err != nil {
		return 0, err
	}
	def, err := pl.Bind(p.args)
	if err != nil {
		return 0, &feature.InvalidQueryError{Layer: q.Layer, Field: "filter", Reason: err.Error()}
	}
	return run(ctx, e, "count", func(ctx context.Context, conn dialect.Conn) (int64, error) {
		vals, ok, err := queryRow(ctx, conn, def)
		if err != nil || !ok {
			return 0, err
		}
		v, err := dialect.NormalizeValue(vals[0], filter.TypeInt)
		if err != nil {
			return 0, &feature.PermanentError{Op: "count", Err: err}
		}
		return v.(int64), nil
	})
}

// GetOptions - параметры чтения одной сущности
type GetOptions struct {
	IncludeDeleted bool
	TargetSRID     int
}

// GetByID читает сущность по ключу. Мягко удаленная сущность
// не находится без IncludeDeleted.
func (e *Engine) GetByID(ctx context.Context, layerName string, id any, opts GetOptions) (rec feature.Record, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("get", layerName, start, err) }()

	l, err := e.layer(layerName)
	if err != nil {
		return feature.Record{}, err
	}
	if id, err = normalizeID(&l.schema, id); err != nil {
		return feature.Record{}, err
	}

	p := &prepared{layer: l, outSRID: l.schema.StorageSRID}
	target := opts.TargetSRID
	switch {
	case target == 0 || target == l.schema.StorageSRID:
		target = 0
	case e.caps.SupportsTransform:
		p.outSRID = target
	case e.cfg.Reprojector != nil:
		p.outSRID, p.reproject = target, true
		target = 0
	default:
		return feature.Record{}, &feature.UnsupportedOperationError{Dialect: e.dialect.Name(), Op: "reproject", Reason: "no reprojector configured"}
	}

	pl, err := e.plan(ctx, l, dialect.PlanByID, dialect.ByIDShape(layerName, opts.IncludeDeleted, target))
	if err != nil {
		return feature.Record{}, err
	}
	def, err := pl.Bind(dialect.Args{ID: id, TargetSRID: target})
	if err != nil {
		return feature.Record{}, &feature.InvalidQueryError{Layer: layerName, Field: l.schema.IDColumn, Reason: err.Error()}
	}
	return run(ctx, e, "get", func(ctx context.Context, conn dialect.Conn) (feature.Record, error) {
		return e.readRecord(ctx, conn, l, id, def, p)
	})
}

// readRecord читает одну запись по привязанному запросу
func (e *Engine) readRecord(ctx context.Context, q dialect.Querier, l *layer, id any, def *dialect.QueryDefinition, p *prepared) (feature.Record, error) {
	vals, ok, err := queryRow(ctx, q, def)
	if err != nil {
		return feature.Record{}, err
	}
	if !ok {
		return feature.Record{}, &feature.NotFoundError{EntityType: l.schema.Name, EntityID: id}
	}
	rec, err := e.dialect.MapRowToRecord(vals, def.Result, &l.schema)
	if err != nil {
		return feature.Record{}, &feature.PermanentError{Op: "map row", Err: err}
	}
	return e.finish(&l.schema, rec, p)
}

// reread читает сущность после записи в той же транзакции
func (e *Engine) reread(ctx context.Context, q dialect.Querier, l *layer, id any) (feature.Record, error) {
	pl, err := e.plan(ctx, l, dialect.PlanByID, dialect.ByIDShape(l.schema.Name, true, 0))
	if err != nil {
		return feature.Record{}, err
	}
	def, err := pl.Bind(dialect.Args{ID: id})
	if err != nil {
		return feature.Record{}, err
	}
	return e.readRecord(ctx, q, l, id, def, nil)
}

// normalizeID приводит ключ к типу ключа слоя
func normalizeID(schema *feature.LayerSchema, id any) (any, error) {
	if id == nil {
		return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: schema.IDColumn, Reason: "id is required"}
	}
	v, err := dialect.NormalizeValue(id, schema.IDType)
	if err != nil {
		return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: schema.IDColumn, Reason: err.Error()}
	}
	return v, nil
}
