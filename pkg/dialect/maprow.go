package dialect

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/ruslano69/featurestore/pkg/audit"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// timeLayouts - текстовые формы времени, которые возвращают драйверы
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// NormalizeValue приводит значение драйвера к типу атрибута:
// int64, float64, bool, string, time.Time (UTC) или []byte
func NormalizeValue(v any, t filter.ValueType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case filter.TypeInt:
		return toInt64(v)
	case filter.TypeFloat:
		return toFloat64(v)
	case filter.TypeBool:
		return toBool(v)
	case filter.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		default:
			return fmt.Sprint(x), nil
		}
	case filter.TypeTime:
		return toTime(v)
	case filter.TypeBytes:
		switch x := v.(type) {
		case []byte:
			return append([]byte(nil), x...), nil
		case string:
			return []byte(x), nil
		}
		return nil, fmt.Errorf("cannot convert %T to bytes", v)
	default:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return v, nil
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("value %v is not integral", x)
		}
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to int", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	case string:
		return strconv.ParseFloat(x, 64)
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, fmt.Errorf("cannot convert %T to float", v)
	}
	return float64(i), nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case []byte:
		return strconv.ParseBool(string(x))
	case string:
		return strconv.ParseBool(x)
	}
	i, err := toInt64(v)
	if err != nil {
		return false, fmt.Errorf("cannot convert %T to bool", v)
	}
	return i != 0, nil
}

func toTime(v any) (time.Time, error) {
	var s string
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case []byte:
		s = string(x)
	case string:
		s = x
	case int64:
		return time.Unix(x, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time", v)
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// DecodeGeometry разбирает WKB геометрии из результата
func DecodeGeometry(v any) (orb.Geometry, error) {
	var b []byte
	switch x := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		b = x
	case string:
		b = []byte(x)
	default:
		return nil, fmt.Errorf("geometry: unexpected %T", v)
	}
	if len(b) == 0 {
		return nil, nil
	}
	g, err := wkb.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("decode geometry: %w", err)
	}
	return g, nil
}

// VersionToken строит токен версии из значения колонки по стратегии диалекта
func (c *Compiler) VersionToken(v any) (feature.VersionToken, error) {
	if v == nil {
		return feature.VersionToken{}, fmt.Errorf("version column is null")
	}
	if c.caps.VersionStrategy == VersionNativeRowVersion {
		b, ok := v.([]byte)
		if !ok {
			return feature.VersionToken{}, fmt.Errorf("rowversion: unexpected %T", v)
		}
		return feature.BytesToken(b), nil
	}
	if t, ok := v.(time.Time); ok {
		return feature.TimestampToken(t), nil
	}
	n, err := toInt64(v)
	if err != nil {
		return feature.VersionToken{}, fmt.Errorf("version: %w", err)
	}
	return feature.CounterToken(n), nil
}

// MapRowToRecord собирает запись из строки результата. Геометрия
// возвращается в OutputSRID плана; при пересчете в SQL SRID выставляет
// вызывающий.
func (c *Compiler) MapRowToRecord(values []any, shape ResultShape, schema *feature.LayerSchema) (feature.Record, error) {
	if len(values) != len(shape.Columns) {
		return feature.Record{}, fmt.Errorf("row has %d values, result has %d columns", len(values), len(shape.Columns))
	}
	rec := feature.Record{SRID: shape.OutputSRID}
	for i, col := range shape.Columns {
		v := values[i]
		var err error
		switch col.Role {
		case RoleID:
			rec.ID, err = NormalizeValue(v, col.Type)
		case RoleAttribute:
			var nv any
			if nv, err = NormalizeValue(v, col.Type); err == nil {
				rec.Attributes = append(rec.Attributes, feature.Attribute{Name: col.Name, Value: nv})
			}
		case RoleGeometry:
			rec.Geometry, err = DecodeGeometry(v)
		case RoleVersion:
			rec.Version, err = c.VersionToken(v)
		case RoleDeleted:
			rec.Deleted, err = toBool(v)
		case RoleDeletedAt:
			if v != nil {
				var t time.Time
				if t, err = toTime(v); err == nil {
					rec.DeletedAt = &t
				}
			}
		case RoleDeletedBy:
			if v != nil {
				var s any
				if s, err = NormalizeValue(v, filter.TypeString); err == nil {
					rec.DeletedBy = s.(string)
				}
			}
		}
		if err != nil {
			return feature.Record{}, fmt.Errorf("%s.%s: %w", schema.Name, col.Column, err)
		}
	}
	return rec, nil
}

// MapRowToState разбирает строку CompileReadState
func (c *Compiler) MapRowToState(values []any) (State, error) {
	if len(values) != 2 {
		return State{}, fmt.Errorf("state row has %d values", len(values))
	}
	ver, err := c.VersionToken(values[0])
	if err != nil {
		return State{}, err
	}
	deleted, err := toBool(values[1])
	if err != nil {
		return State{}, fmt.Errorf("deleted flag: %w", err)
	}
	return State{Version: ver, Deleted: deleted}, nil
}

// MapRowToAudit разбирает строку журнала удалений
func (c *Compiler) MapRowToAudit(values []any) (audit.Record, error) {
	if len(values) != len(auditColumns) {
		return audit.Record{}, fmt.Errorf("audit row has %d values", len(values))
	}
	str := func(v any) string {
		if v == nil {
			return ""
		}
		s, _ := NormalizeValue(v, filter.TypeString)
		return s.(string)
	}
	ts, err := toTime(values[4])
	if err != nil {
		return audit.Record{}, fmt.Errorf("audit timestamp: %w", err)
	}
	return audit.Record{
		EntityType:   str(values[0]),
		EntityID:     str(values[1]),
		DeletionType: audit.DeletionType(str(values[2])),
		Actor:        str(values[3]),
		Timestamp:    ts,
		Reason:       str(values[5]),
		Hash:         str(values[6]),
	}, nil
}
