package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
)

// expected проверяет токен версии, переданный вызывающим, и возвращает
// версию для условия записи. Пустой токен допустим только вне строгого режима.
func (e *Engine) expected(l *layer, id any, op string, token feature.VersionToken) (feature.VersionToken, error) {
	if token.IsZero() {
		if e.cfg.Strict {
			return feature.VersionToken{}, &feature.PreconditionRequiredError{EntityType: l.schema.Name, EntityID: id, Op: op}
		}
		return feature.VersionToken{}, nil
	}
	if err := e.tokens.Verify(l.schema.Name, id, token); err != nil {
		return feature.VersionToken{}, err
	}
	return token.Unsealed(), nil
}

// Create вставляет сущность и возвращает ее в сохраненном виде
// с первой версией
func (e *Engine) Create(ctx context.Context, layerName string, rec feature.Record) (out feature.Record, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("create", layerName, start, err) }()

	l, err := e.layer(layerName)
	if err != nil {
		return feature.Record{}, err
	}
	schema := &l.schema
	if !schema.IDGenerated {
		if rec.ID, err = normalizeID(schema, rec.ID); err != nil {
			return feature.Record{}, err
		}
	}
	def, err := e.dialect.CompileInsert(schema, rec)
	if err != nil {
		return feature.Record{}, err
	}

	return write(ctx, e, "create", func(ctx context.Context, q dialect.Querier) (feature.Record, error) {
		id, err := e.insert(ctx, q, l, rec.ID, def)
		if err != nil {
			return feature.Record{}, err
		}
		return e.reread(ctx, q, l, id)
	})
}

// insert выполняет вставку и возвращает ключ новой строки
func (e *Engine) insert(ctx context.Context, q dialect.Querier, l *layer, id any, def *dialect.QueryDefinition) (any, error) {
	schema := &l.schema
	if !def.Result.Empty() {
		vals, ok, err := queryRow(ctx, q, def)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &feature.PermanentError{Op: "create", Err: fmt.Errorf("insert into %s returned no key", schema.Name)}
		}
		v, err := dialect.NormalizeValue(vals[def.Result.ID], schema.IDType)
		if err != nil {
			return nil, &feature.PermanentError{Op: "create", Err: err}
		}
		return v, nil
	}

	res, err := q.Exec(ctx, def)
	if err != nil {
		return nil, err
	}
	if !schema.IDGenerated {
		return id, nil
	}
	if !e.caps.SupportsLastInsertID {
		return nil, &feature.UnsupportedOperationError{Dialect: e.dialect.Name(), Op: "create",
			Reason: "generated keys are neither returned nor reported by the driver"}
	}
	n, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return dialect.NormalizeValue(n, schema.IDType)
}

// CreateBatch вставляет записи многострочными вставками по BatchRows
// строк. С транзакциями пакет атомарен. Диалект без многострочной
// вставки получает по одной вставке на запись.
func (e *Engine) CreateBatch(ctx context.Context, layerName string, recs []feature.Record) (n int, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("create_batch", layerName, start, err) }()

	l, err := e.layer(layerName)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}
	schema := &l.schema
	if !schema.IDGenerated {
		recs = append([]feature.Record(nil), recs...)
		for i := range recs {
			if recs[i].ID, err = normalizeID(schema, recs[i].ID); err != nil {
				return 0, fmt.Errorf("record %d: %w", i, err)
			}
		}
	}

	var defs []*dialect.QueryDefinition
	if e.caps.SupportsBulkOperations {
		size := max(e.dialect.BatchRows(schema), 1)
		for from := 0; from < len(recs); from += size {
			def, err := e.dialect.CompileInsertBatch(schema, recs[from:min(from+size, len(recs))])
			if err != nil {
				return 0, err
			}
			defs = append(defs, def)
		}
	} else {
		for i, rec := range recs {
			def, err := e.dialect.CompileInsert(schema, rec)
			if err != nil {
				return 0, fmt.Errorf("record %d: %w", i, err)
			}
			defs = append(defs, def)
		}
	}

	total, err := write(ctx, e, "create_batch", func(ctx context.Context, q dialect.Querier) (int64, error) {
		var total int64
		for _, def := range defs {
			n, err := affect(ctx, q, def)
			if err != nil {
				return 0, err
			}
			total += n
		}
		return total, nil
	})
	if err != nil {
		return 0, err
	}
	e.log.Debug().Str("layer", layerName).Int("records", len(recs)).Int("statements", len(defs)).Msg("batch inserted")
	return int(total), nil
}

// Update изменяет активную сущность. Если rec.Version задан, запись
// выполняется только при совпадении с текущей версией строки.
func (e *Engine) Update(ctx context.Context, layerName string, rec feature.Record) (out feature.Record, err error) {
	start := time.Now()
	defer func() { e.metrics.observe("update", layerName, start, err) }()

	l, err := e.layer(layerName)
	if err != nil {
		return feature.Record{}, err
	}
	if rec.ID, err = normalizeID(&l.schema, rec.ID); err != nil {
		return feature.Record{}, err
	}
	exp, err := e.expected(l, rec.ID, "update", rec.Version)
	if err != nil {
		return feature.Record{}, err
	}
	def, err := e.dialect.CompileUpdate(&l.schema, rec, exp)
	if err != nil {
		return feature.Record{}, err
	}

	return write(ctx, e, "update", func(ctx context.Context, q dialect.Querier) (feature.Record, error) {
		n, err := affect(ctx, q, def)
		if err != nil {
			return feature.Record{}, err
		}
		if n == 0 {
			return feature.Record{}, e.explain(ctx, q, l, rec.ID, rec.Version, true)
		}
		return e.reread(ctx, q, l, rec.ID)
	})
}

// readState читает версию и признак удаления строки
func (e *Engine) readState(ctx context.Context, q dialect.Querier, l *layer, id any) (dialect.State, bool, error) {
	def, err := e.dialect.CompileReadState(&l.schema, id)
	if err != nil {
		return dialect.State{}, false, err
	}
	vals, ok, err := queryRow(ctx, q, def)
	if err != nil || !ok {
		return dialect.State{}, false, err
	}
	st, err := e.dialect.MapRowToState(vals)
	if err != nil {
		return dialect.State{}, false, &feature.PermanentError{Op: "read state", Err: err}
	}
	return st, true, nil
}

// explain объясняет запись, не затронувшую ни одной строки: сущности нет
// (или она удалена при activeOnly) либо версия устарела
func (e *Engine) explain(ctx context.Context, q dialect.Querier, l *layer, id any, given feature.VersionToken, activeOnly bool) error {
	st, found, err := e.readState(ctx, q, l, id)
	if err != nil {
		return err
	}
	if !found || (activeOnly && st.Deleted) {
		return &feature.NotFoundError{EntityType: l.schema.Name, EntityID: id}
	}
	return e.conflict(l, id, given, st.Version)
}

func (e *Engine) conflict(l *layer, id any, given, actual feature.VersionToken) error {
	return &feature.ConcurrencyConflict{
		EntityType: l.schema.Name,
		EntityID:   id,
		Expected:   given,
		Actual:     e.tokens.Seal(l.schema.Name, id, actual),
	}
}
