package engine

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
)

// RecordStream - ленивая однопроходная выборка.
//
// Соединение занято до Close, исчерпания выборки или отмены контекста
// запроса; в последнем случае оно освобождается сразу, без участия
// читающей горутины. Методы нельзя вызывать из нескольких горутин.
type RecordStream struct {
	e      *Engine
	ctx    context.Context
	schema *feature.LayerSchema
	shape  dialect.ResultShape
	p      *prepared

	mu     sync.Mutex
	conn   dialect.Conn
	rows   dialect.Rows
	stop   func() bool
	closed bool

	rec  feature.Record
	err  error
	n    int
	last *feature.Record
}

func newRecordStream(ctx context.Context, e *Engine, p *prepared, shape dialect.ResultShape, conn dialect.Conn, rows dialect.Rows) *RecordStream {
	s := &RecordStream{
		e:      e,
		ctx:    ctx,
		schema: &p.layer.schema,
		shape:  shape,
		p:      p,
		conn:   conn,
		rows:   rows,
	}
	s.stop = context.AfterFunc(ctx, s.cancel)
	return s
}

// cancel вызывается при отмене контекста запроса
func (s *RecordStream) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.err == nil {
		s.err = s.ctx.Err()
	}
	s.closeLocked()
}

// Next переходит к следующей записи
func (s *RecordStream) Next() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil && s.err == nil {
			s.err = s.e.classify("query", err)
		}
		s.closeLocked()
		return false
	}
	rec, err := s.read()
	if err != nil {
		s.err = err
		s.closeLocked()
		return false
	}
	s.rec = rec
	s.last = &s.rec
	s.n++
	return true
}

func (s *RecordStream) read() (feature.Record, error) {
	vals, err := s.rows.Values()
	if err != nil {
		return feature.Record{}, s.e.classify("query", err)
	}
	rec, err := s.e.dialect.MapRowToRecord(vals, s.shape, s.schema)
	if err != nil {
		return feature.Record{}, &feature.PermanentError{Op: "map row", Err: err}
	}
	return s.e.finish(s.schema, rec, s.p)
}

// Record возвращает текущую запись
func (s *RecordStream) Record() feature.Record { return s.rec }

// Err возвращает ошибку чтения или отмены
func (s *RecordStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close освобождает курсор и соединение; повторный вызов безопасен
func (s *RecordStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.closeLocked()
}

func (s *RecordStream) closeLocked() error {
	s.closed = true
	s.stop()
	err := s.rows.Close()
	s.conn.Release()
	return err
}

// All возвращает итератор по оставшимся записям. Ошибка выдается
// последним элементом. Поток закрывается по завершении итерации.
func (s *RecordStream) All() iter.Seq2[feature.Record, error] {
	return func(yield func(feature.Record, error) bool) {
		defer s.Close()
		for s.Next() {
			if !yield(s.Record(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			yield(feature.Record{}, err)
		}
	}
}

// Collect читает оставшиеся записи в срез и закрывает поток
func (s *RecordStream) Collect() ([]feature.Record, error) {
	var out []feature.Record
	for rec, err := range s.All() {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// NextCursor возвращает курсор следующей страницы. nil - страница
// не заполнена или выборка не дочитана, продолжения нет.
func (s *RecordStream) NextCursor() *feature.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed || s.err != nil || s.last == nil || s.n < s.p.args.Limit {
		return nil
	}
	c := &feature.Cursor{Keys: s.p.keys, Values: make([]any, len(s.p.keys))}
	for i, k := range s.p.keys {
		if k == s.schema.IDColumn {
			c.Values[i] = s.last.ID
			continue
		}
		v, ok := s.last.Get(k)
		if !ok {
			return nil
		}
		c.Values[i] = v
	}
	return c
}

// finish выставляет SRID, пересчитывает геометрию и подписывает версию
func (e *Engine) finish(schema *feature.LayerSchema, rec feature.Record, p *prepared) (feature.Record, error) {
	if p != nil {
		if p.reproject && rec.Geometry != nil {
			g, err := e.cfg.Reprojector.Reproject(rec.Geometry, schema.StorageSRID, p.outSRID)
			if err != nil {
				return feature.Record{}, fmt.Errorf("reproject %s %v: %w", schema.Name, rec.ID, err)
			}
			rec.Geometry = g
		}
		rec.SRID = p.outSRID
	} else if rec.SRID == 0 {
		rec.SRID = schema.StorageSRID
	}
	rec.Version = e.tokens.Seal(schema.Name, rec.ID, rec.Version)
	return rec, nil
}
