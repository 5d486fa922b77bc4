package dialect

import (
	"encoding/binary"

	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// Shape - запрос без значений: стертый фильтр и структура страницы.
// Запросы с одинаковой формой компилируются в один план.
type Shape struct {
	Layer          string
	Filter         filter.Node // только Placeholder вместо литералов
	Sort           []feature.SortSpec
	Properties     []string
	IncludeDeleted bool
	HasOffset      bool
	CursorKeys     []string
	// CursorNulls - какие значения курсора NULL; от них зависит текст условия
	CursorNulls []bool
	Transform   bool
}

func (s *Shape) cursorNull(i int) bool {
	return i < len(s.CursorNulls) && s.CursorNulls[i]
}

// Prepare отделяет форму запроса от значений. Лимит по умолчанию
// подставляет вызывающий; для подсчета он не нужен.
func Prepare(q feature.FeatureQuery) (*Shape, Args, error) {
	if q.Limit < 0 {
		return nil, Args{}, &feature.InvalidQueryError{Layer: q.Layer, Field: "limit", Reason: "must not be negative"}
	}
	if q.Offset < 0 {
		return nil, Args{}, &feature.InvalidQueryError{Layer: q.Layer, Field: "offset", Reason: "must not be negative"}
	}
	if q.Cursor != nil && q.Offset > 0 {
		return nil, Args{}, &feature.InvalidQueryError{Layer: q.Layer, Field: "cursor", Reason: "cursor and offset are mutually exclusive"}
	}
	erased, literals := filter.Erase(q.Filter)
	s := &Shape{
		Layer:          q.Layer,
		Filter:         erased,
		Sort:           append([]feature.SortSpec(nil), q.Sort...),
		Properties:     append([]string(nil), q.Properties...),
		IncludeDeleted: q.IncludeDeleted,
		HasOffset:      q.Offset > 0,
		Transform:      q.TargetSRID != 0,
	}
	a := Args{
		Literals:   literals,
		Limit:      q.Limit,
		Offset:     q.Offset,
		TargetSRID: q.TargetSRID,
	}
	if q.Cursor != nil {
		if len(q.Cursor.Keys) == 0 || len(q.Cursor.Keys) != len(q.Cursor.Values) {
			return nil, Args{}, &feature.InvalidQueryError{Layer: q.Layer, Field: "cursor", Reason: "malformed cursor"}
		}
		s.CursorKeys = append([]string(nil), q.Cursor.Keys...)
		s.CursorNulls = make([]bool, len(q.Cursor.Values))
		for i, v := range q.Cursor.Values {
			s.CursorNulls[i] = v == nil
		}
		a.Cursor = append([]any(nil), q.Cursor.Values...)
	}
	return s, a, nil
}

// ByIDShape - форма чтения одной сущности
func ByIDShape(layer string, includeDeleted bool, targetSRID int) *Shape {
	return &Shape{Layer: layer, IncludeDeleted: includeDeleted, Transform: targetSRID != 0}
}

// AppendKey дописывает детерминированное представление формы
func (s *Shape) AppendKey(buf []byte) []byte {
	buf = appendKeyString(buf, s.Layer)
	buf = filter.AppendShape(buf, s.Filter)
	buf = binary.AppendUvarint(buf, uint64(len(s.Sort)))
	for _, o := range s.Sort {
		buf = appendKeyString(buf, o.Property)
		buf = append(buf, byte(o.Direction))
	}
	buf = binary.AppendUvarint(buf, uint64(len(s.Properties)))
	for _, p := range s.Properties {
		buf = appendKeyString(buf, p)
	}
	buf = binary.AppendUvarint(buf, uint64(len(s.CursorKeys)))
	for i, k := range s.CursorKeys {
		buf = appendKeyString(buf, k)
		if s.cursorNull(i) {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	var flags byte
	if s.IncludeDeleted {
		flags |= 1
	}
	if s.HasOffset {
		flags |= 2
	}
	if s.Transform {
		flags |= 4
	}
	return append(buf, flags)
}

func appendKeyString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// CompileSelect - компиляция без кэша: форма, план и привязка значений
func CompileSelect(d Dialect, q feature.FeatureQuery, schema *feature.LayerSchema) (*QueryDefinition, error) {
	s, a, err := Prepare(q)
	if err != nil {
		return nil, err
	}
	p, err := d.CompileSelect(s, schema)
	if err != nil {
		return nil, err
	}
	return p.Bind(a)
}
