package sqlite

import (
	"database/sql/driver"
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/planar"
	"modernc.org/sqlite"
)

// Пространственные функции для хранения WKB в BLOB. Точки проверяются
// точно (точка в полигоне), остальные геометрии сравниваются по вершинам
// и охватывающим прямоугольникам.

var (
	registerOnce sync.Once
	registerErr  error
)

type predicate func(a, b orb.Geometry) bool

func registerSpatial() error {
	registerOnce.Do(func() {
		predicates := map[string]predicate{
			"ST_Intersects": intersects,
			"ST_Disjoint":   func(a, b orb.Geometry) bool { return !intersects(a, b) },
			"ST_Contains":   contains,
			"ST_Within":     func(a, b orb.Geometry) bool { return contains(b, a) },
			"ST_Equals":     orb.Equal,
		}
		for name, p := range predicates {
			if registerErr = sqlite.RegisterDeterministicScalarFunction(name, 2, predicateFunc(p)); registerErr != nil {
				registerErr = fmt.Errorf("register %s: %w", name, registerErr)
				return
			}
		}
		// WKB хранится как есть: обе функции возвращают BLOB без изменений
		if registerErr = sqlite.RegisterDeterministicScalarFunction("ST_GeomFromWKB", 2, passBlob); registerErr != nil {
			return
		}
		registerErr = sqlite.RegisterDeterministicScalarFunction("ST_AsBinary", 1, passBlob)
	})
	return registerErr
}

func passBlob(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	return args[0], nil
}

func predicateFunc(p predicate) func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error) {
	return func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
		if args[0] == nil || args[1] == nil {
			return nil, nil
		}
		a, err := decode(args[0])
		if err != nil {
			return nil, err
		}
		b, err := decode(args[1])
		if err != nil {
			return nil, err
		}
		if p(a, b) {
			return int64(1), nil
		}
		return int64(0), nil
	}
}

func decode(v driver.Value) (orb.Geometry, error) {
	var b []byte
	switch x := v.(type) {
	case []byte:
		b = x
	case string:
		b = []byte(x)
	default:
		return nil, fmt.Errorf("geometry: expected WKB blob, got %T", v)
	}
	return wkb.Unmarshal(b)
}

func intersects(a, b orb.Geometry) bool {
	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	if p, ok := a.(orb.Point); ok {
		return covers(b, p)
	}
	if p, ok := b.(orb.Point); ok {
		return covers(a, p)
	}
	return true
}

// contains: все вершины b лежат в a
func contains(a, b orb.Geometry) bool {
	if !boundCovers(a.Bound(), b.Bound()) {
		return false
	}
	inside := true
	eachPoint(b, func(p orb.Point) bool {
		inside = covers(a, p)
		return inside
	})
	return inside
}

func boundCovers(outer, inner orb.Bound) bool {
	return outer.Contains(inner.Min) && outer.Contains(inner.Max)
}

// covers - точка внутри или на границе площадной геометрии
func covers(g orb.Geometry, p orb.Point) bool {
	switch v := g.(type) {
	case orb.Point:
		return v.Equal(p)
	case orb.MultiPoint:
		for _, q := range v {
			if q.Equal(p) {
				return true
			}
		}
		return false
	case orb.Polygon:
		return planar.PolygonContains(v, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(v, p)
	case orb.Bound:
		return v.Contains(p)
	case orb.Collection:
		for _, c := range v {
			if covers(c, p) {
				return true
			}
		}
		return false
	default:
		return g.Bound().Contains(p)
	}
}

func eachPoint(g orb.Geometry, fn func(orb.Point) bool) bool {
	switch v := g.(type) {
	case orb.Point:
		return fn(v)
	case orb.MultiPoint:
		for _, p := range v {
			if !fn(p) {
				return false
			}
		}
	case orb.LineString:
		for _, p := range v {
			if !fn(p) {
				return false
			}
		}
	case orb.Ring:
		for _, p := range v {
			if !fn(p) {
				return false
			}
		}
	case orb.MultiLineString:
		for _, ls := range v {
			if !eachPoint(ls, fn) {
				return false
			}
		}
	case orb.Polygon:
		for _, r := range v {
			if !eachPoint(r, fn) {
				return false
			}
		}
	case orb.MultiPolygon:
		for _, pg := range v {
			if !eachPoint(pg, fn) {
				return false
			}
		}
	case orb.Collection:
		for _, c := range v {
			if !eachPoint(c, fn) {
				return false
			}
		}
	case orb.Bound:
		return fn(v.Min) && fn(v.Max)
	}
	return true
}
