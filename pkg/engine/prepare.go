package engine

import (
	"fmt"
	"slices"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// prepared - запрос, готовый к получению плана и привязке
type prepared struct {
	layer *layer
	shape *dialect.Shape
	args  dialect.Args
	// outSRID - SRID геометрии в выдаче
	outSRID int
	// reproject - пересчет геометрии после чтения
	reproject bool
	// keys - ключи курсора: атрибуты сортировки и первичный ключ
	keys []string
}

// prepare проверяет запрос, сворачивает bbox и интервал в фильтр и
// отделяет форму от значений. paged - выборка страницы (не подсчет).
func (e *Engine) prepare(q feature.FeatureQuery, paged bool) (*prepared, error) {
	l, err := e.layer(q.Layer)
	if err != nil {
		return nil, err
	}
	schema := &l.schema

	if err := e.checkComplexity(schema.Name, q.Filter); err != nil {
		return nil, err
	}
	f, err := fold(schema, q)
	if err != nil {
		return nil, err
	}
	if q.Filter, err = e.toStorageSRID(schema, f); err != nil {
		return nil, err
	}

	p := &prepared{layer: l, outSRID: schema.StorageSRID}
	if paged {
		if q.Limit == 0 {
			q.Limit = e.cfg.Limits.DefaultLimit
		}
		if q.Limit > e.cfg.Limits.MaxLimit {
			e.log.Debug().Str("layer", schema.Name).Int("limit", q.Limit).Int("max", e.cfg.Limits.MaxLimit).Msg("page limit clamped")
			q.Limit = e.cfg.Limits.MaxLimit
		}
		p.keys = cursorKeys(schema, q.Sort)
		q.Properties = withSortProperties(schema, q.Properties, q.Sort)
	} else {
		q.Sort, q.Cursor, q.Offset, q.Properties = nil, nil, 0, nil
	}

	switch {
	case q.TargetSRID == 0 || q.TargetSRID == schema.StorageSRID:
		q.TargetSRID = 0
	case q.TargetSRID < 0:
		return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: "crs", Reason: "SRID must be positive"}
	case e.caps.SupportsTransform:
		p.outSRID = q.TargetSRID
	case e.cfg.Reprojector != nil:
		p.outSRID, p.reproject = q.TargetSRID, true
		q.TargetSRID = 0
	default:
		return nil, &feature.UnsupportedOperationError{Dialect: e.dialect.Name(), Op: "reproject",
			Reason: fmt.Sprintf("no reprojector for EPSG:%d -> EPSG:%d", schema.StorageSRID, q.TargetSRID)}
	}

	if p.shape, p.args, err = dialect.Prepare(q); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *Engine) checkComplexity(layer string, f filter.Node) error {
	if f == nil {
		return nil
	}
	depth, nodes := filter.Depth(f), filter.Count(f)
	if depth > e.cfg.Limits.MaxFilterDepth || nodes > e.cfg.Limits.MaxFilterNodes {
		return &feature.FilterTooComplexError{
			Layer:    layer,
			Depth:    depth,
			Nodes:    nodes,
			MaxDepth: e.cfg.Limits.MaxFilterDepth,
			MaxNodes: e.cfg.Limits.MaxFilterNodes,
		}
	}
	return nil
}

// fold добавляет к фильтру bbox (intersects по геометрии слоя) и
// интервал времени (по временному атрибуту слоя)
func fold(schema *feature.LayerSchema, q feature.FeatureQuery) (filter.Node, error) {
	var parts []filter.Node
	if q.Filter != nil {
		parts = append(parts, q.Filter)
	}

	if q.BBox != nil {
		srid := q.BBox.SRID
		if srid == 0 {
			srid = feature.SRIDWGS84
		}
		b := q.BBox.Bound
		if b.Min[0] > b.Max[0] || b.Min[1] > b.Max[1] {
			return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: "bbox", Reason: "min corner exceeds max corner"}
		}
		sp, err := filter.NewSpatial(filter.SpatialIntersects, schema.GeometryColumn,
			filter.Geometry{Geom: b.ToPolygon(), SRID: srid})
		if err != nil {
			return nil, err
		}
		parts = append(parts, sp)
	}

	if q.Datetime != nil && (!q.Datetime.Start.IsZero() || !q.Datetime.End.IsZero()) {
		prop := schema.TemporalProperty
		if prop == "" {
			return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: "datetime", Reason: "layer has no temporal property"}
		}
		start, end := q.Datetime.Start, q.Datetime.End
		var (
			n   filter.Node
			err error
		)
		switch {
		case !start.IsZero() && !end.IsZero():
			if end.Before(start) {
				return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: "datetime", Reason: "interval end precedes start"}
			}
			n, err = filter.NewBetween(prop, filter.Lit(start), filter.Lit(end))
		case !start.IsZero():
			n, err = filter.NewCompare(filter.OpGte, filter.Prop(prop), filter.Lit(start))
		default:
			n, err = filter.NewCompare(filter.OpLte, filter.Prop(prop), filter.Lit(end))
		}
		if err != nil {
			return nil, err
		}
		parts = append(parts, n)
	}

	switch len(parts) {
	case 0:
		return nil, nil
	case 1:
		return parts[0], nil
	default:
		return filter.NewAnd(parts...)
	}
}

// toStorageSRID переводит геометрию литералов в SRID хранения
func (e *Engine) toStorageSRID(schema *feature.LayerSchema, f filter.Node) (filter.Node, error) {
	if f == nil {
		return nil, nil
	}
	return filter.MapLiterals(f, func(l filter.Literal) (filter.Literal, error) {
		g, ok := l.Value().(filter.Geometry)
		if !ok || g.SRID == schema.StorageSRID {
			return l, nil
		}
		if e.cfg.Reprojector == nil {
			return filter.Literal{}, &feature.InvalidQueryError{Layer: schema.Name, Field: "filter",
				Reason: fmt.Sprintf("geometry SRID %d differs from storage SRID %d", g.SRID, schema.StorageSRID)}
		}
		out, err := e.cfg.Reprojector.Reproject(g.Geom, g.SRID, schema.StorageSRID)
		if err != nil {
			return filter.Literal{}, err
		}
		return filter.NewLiteral(filter.Geometry{Geom: out, SRID: schema.StorageSRID})
	})
}

// cursorKeys повторяет порядок сортировки компилятора
func cursorKeys(schema *feature.LayerSchema, sort []feature.SortSpec) []string {
	keys := make([]string, 0, len(sort)+1)
	for _, s := range sort {
		keys = append(keys, s.Property)
	}
	if !slices.Contains(keys, schema.IDColumn) {
		keys = append(keys, schema.IDColumn)
	}
	return keys
}

// withSortProperties добавляет атрибуты сортировки к выборке,
// чтобы по последней строке можно было построить курсор
func withSortProperties(schema *feature.LayerSchema, props []string, sort []feature.SortSpec) []string {
	if len(props) == 0 {
		return nil
	}
	out := slices.Clone(props)
	for _, s := range sort {
		if s.Property != schema.IDColumn && !slices.Contains(out, s.Property) {
			out = append(out, s.Property)
		}
	}
	return out
}
