package dialect

import (
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// Compiler - общая реализация компиляции поверх Syntax.
// Диалекты встраивают *Compiler и добавляют подключение, разбор строк
// и классификацию ошибок.
type Compiler struct {
	name string
	syn  Syntax
	caps Capabilities
	opts Options
}

// NewCompiler создает компилятор диалекта
func NewCompiler(name string, syn Syntax, caps Capabilities, opts Options) *Compiler {
	if opts.AuditTable == "" {
		opts.AuditTable = DefaultAuditTable
	}
	return &Compiler{name: name, syn: syn, caps: caps, opts: opts}
}

func (c *Compiler) Name() string               { return c.name }
func (c *Compiler) Capabilities() Capabilities { return c.caps }
func (c *Compiler) Syntax() Syntax             { return c.syn }

type orderKey struct {
	name     string
	column   string
	typ      filter.ValueType
	desc     bool
	nullable bool
}

// CompileSelect компилирует выборку страницы
func (c *Compiler) CompileSelect(s *Shape, schema *feature.LayerSchema) (*Plan, error) {
	order, err := c.resolveOrder(s, schema)
	if err != nil {
		return nil, err
	}
	if err := c.checkCursor(s, schema, order); err != nil {
		return nil, err
	}

	b := NewBuilder(c.syn)
	b.WriteString("SELECT ")
	result, err := c.writeProjection(b, s, schema)
	if err != nil {
		return nil, err
	}
	b.WriteString(" FROM ")
	c.writeTable(b, schema)
	if err := c.writeWhere(b, s, schema, order); err != nil {
		return nil, err
	}

	b.WriteString(" ORDER BY ")
	for i, k := range order {
		if i > 0 {
			b.WriteString(", ")
		}
		// NULL всегда в конце, в любом направлении и на любом диалекте
		if k.nullable {
			b.WriteString("CASE WHEN ")
			b.Ident(k.column)
			b.WriteString(" IS NULL THEN 1 ELSE 0 END, ")
		}
		b.Ident(k.column)
		if k.desc {
			b.WriteString(" DESC")
		} else {
			b.WriteString(" ASC")
		}
	}

	limit := Slot{Source: SlotLimit, Type: filter.TypeInt}
	var offset *Slot
	if s.HasOffset {
		offset = &Slot{Source: SlotOffset, Type: filter.TypeInt}
	}
	c.syn.WriteLimitOffset(b, &limit, offset)

	if err := c.checkParams(s.Layer, b); err != nil {
		return nil, err
	}
	return b.Plan(PlanSelect, result), nil
}

// CompileCount компилирует подсчет строк по фильтру.
// Сортировка, страница и курсор не влияют на результат.
func (c *Compiler) CompileCount(s *Shape, schema *feature.LayerSchema) (*Plan, error) {
	b := NewBuilder(c.syn)
	b.WriteString("SELECT ")
	b.WriteString(c.syn.CountExpr())
	b.WriteString(" FROM ")
	c.writeTable(b, schema)
	if err := c.writeWhere(b, &Shape{Layer: s.Layer, Filter: s.Filter, IncludeDeleted: s.IncludeDeleted}, schema, nil); err != nil {
		return nil, err
	}
	if err := c.checkParams(s.Layer, b); err != nil {
		return nil, err
	}
	result := newResultShape()
	result.add(ResultColumn{Name: "count", Type: filter.TypeInt, Role: RoleCount})
	return b.Plan(PlanCount, result), nil
}

// CompileByID компилирует чтение одной сущности по ключу
func (c *Compiler) CompileByID(s *Shape, schema *feature.LayerSchema) (*Plan, error) {
	b := NewBuilder(c.syn)
	b.WriteString("SELECT ")
	result, err := c.writeProjection(b, s, schema)
	if err != nil {
		return nil, err
	}
	b.WriteString(" FROM ")
	c.writeTable(b, schema)
	b.WriteString(" WHERE ")
	b.Ident(schema.IDColumn)
	b.WriteString(" = ")
	b.Bind(Slot{Source: SlotID, Type: schema.IDType})
	if !s.IncludeDeleted {
		b.WriteString(" AND ")
		c.writeActive(b, schema, false)
	}
	return b.Plan(PlanByID, result), nil
}

func (c *Compiler) resolveOrder(s *Shape, schema *feature.LayerSchema) ([]orderKey, error) {
	order := make([]orderKey, 0, len(s.Sort)+1)
	hasID := false
	for _, o := range s.Sort {
		col, typ, ok := schema.Resolve(o.Property)
		if !ok {
			return nil, &feature.UnknownPropertyError{Layer: schema.Name, Property: o.Property, Context: "sort"}
		}
		if typ == filter.TypeGeometry {
			return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: "sort", Reason: "geometry is not sortable"}
		}
		if col == schema.IDColumn {
			hasID = true
		}
		p, _ := schema.Property(o.Property)
		order = append(order, orderKey{name: o.Property, column: col, typ: typ, desc: o.Direction == feature.Desc, nullable: p.Nullable})
	}
	// ключ - последний критерий, порядок страниц детерминирован
	if !hasID {
		order = append(order, orderKey{name: schema.IDColumn, column: schema.IDColumn, typ: schema.IDType})
	}
	return order, nil
}

func (c *Compiler) checkCursor(s *Shape, schema *feature.LayerSchema, order []orderKey) error {
	if s.CursorKeys == nil {
		return nil
	}
	if len(s.CursorKeys) != len(order) {
		return &feature.InvalidQueryError{Layer: schema.Name, Field: "cursor", Reason: "cursor does not match sort order"}
	}
	for i, k := range order {
		if s.CursorKeys[i] != k.name {
			return &feature.InvalidQueryError{Layer: schema.Name, Field: "cursor", Reason: "cursor does not match sort order"}
		}
		if s.cursorNull(i) && !k.nullable {
			return &feature.InvalidQueryError{Layer: schema.Name, Field: "cursor", Reason: "cursor holds NULL for non-nullable " + k.name}
		}
	}
	return nil
}

func (c *Compiler) checkParams(layer string, b *Builder) error {
	if c.caps.MaxParams > 0 && b.Len() > c.caps.MaxParams {
		return &feature.FilterTooComplexError{Layer: layer, Nodes: b.Len(), MaxNodes: c.caps.MaxParams}
	}
	return nil
}

func (c *Compiler) writeTable(b *Builder, schema *feature.LayerSchema) {
	if schema.Schema != "" {
		b.Ident(schema.Schema)
		b.WriteString(".")
	}
	b.Ident(schema.Table)
}

// writeProjection пишет список колонок. Ключ, геометрия, версия и
// колонки жизненного цикла включаются всегда.
func (c *Compiler) writeProjection(b *Builder, s *Shape, schema *feature.LayerSchema) (ResultShape, error) {
	props, err := c.selectedProperties(s, schema)
	if err != nil {
		return ResultShape{}, err
	}
	result := newResultShape()
	sep := func() {
		if len(result.Columns) > 0 {
			b.WriteString(", ")
		}
	}

	sep()
	b.Ident(schema.IDColumn)
	result.add(ResultColumn{Name: schema.IDColumn, Column: schema.IDColumn, Type: schema.IDType, Role: RoleID})

	for _, p := range props {
		sep()
		b.Ident(p.Column)
		result.add(ResultColumn{Name: p.Name, Column: p.Column, Type: p.Type, Role: RoleAttribute})
	}

	sep()
	var target *Slot
	if s.Transform && c.caps.SupportsTransform {
		target = &Slot{Source: SlotTargetSRID, Type: filter.TypeInt}
		result.Transformed = true
	} else {
		result.OutputSRID = schema.StorageSRID
	}
	c.syn.WriteGeometryOutput(b, schema.GeometryColumn, target)
	result.add(ResultColumn{Name: schema.GeometryColumn, Column: schema.GeometryColumn, Type: filter.TypeGeometry, Role: RoleGeometry})

	for _, sc := range []ResultColumn{
		{Column: schema.VersionColumn, Role: RoleVersion},
		{Column: schema.DeletedColumn, Type: filter.TypeBool, Role: RoleDeleted},
		{Column: schema.DeletedAtColumn, Type: filter.TypeTime, Role: RoleDeletedAt},
		{Column: schema.DeletedByColumn, Type: filter.TypeString, Role: RoleDeletedBy},
	} {
		sep()
		b.Ident(sc.Column)
		sc.Name = sc.Column
		result.add(sc)
	}
	return result, nil
}

func (c *Compiler) selectedProperties(s *Shape, schema *feature.LayerSchema) ([]feature.Property, error) {
	if len(s.Properties) == 0 {
		return schema.Properties, nil
	}
	out := make([]feature.Property, 0, len(s.Properties))
	seen := make(map[string]bool, len(s.Properties))
	for _, name := range s.Properties {
		if name == schema.IDColumn || name == schema.GeometryColumn || seen[name] {
			continue
		}
		p, ok := schema.Property(name)
		if !ok {
			return nil, &feature.UnknownPropertyError{Layer: schema.Name, Property: name, Context: "properties"}
		}
		seen[name] = true
		out = append(out, p)
	}
	return out, nil
}

func (c *Compiler) writeActive(b *Builder, schema *feature.LayerSchema, deleted bool) {
	b.Ident(schema.DeletedColumn)
	b.WriteString(" = ")
	b.Bind(ConstSlot(deleted, filter.TypeBool))
}

func (c *Compiler) writeWhere(b *Builder, s *Shape, schema *feature.LayerSchema, order []orderKey) error {
	var n int
	and := func() {
		if n == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		n++
	}
	if !s.IncludeDeleted {
		and()
		c.writeActive(b, schema, false)
	}
	if s.Filter != nil {
		and()
		b.WriteString("(")
		if err := c.writeNode(b, s.Filter, schema); err != nil {
			return err
		}
		b.WriteString(")")
	}
	if s.CursorKeys != nil {
		and()
		c.writeCursor(b, s, order)
	}
	return nil
}

// writeCursor пишет условие продолжения после последней строки:
// (k1 > ?) OR (k1 = ? AND k2 > ?) OR ...
// NULL идет после всех значений: для допускающего NULL ключа "больше"
// включает IS NULL, а равенство NULL пишется как IS NULL. После NULL
// внутри одного ключа продолжения нет, такая ветка не пишется.
func (c *Compiler) writeCursor(b *Builder, s *Shape, order []orderKey) {
	b.WriteString("(")
	first := true
	for i, k := range order {
		if s.cursorNull(i) {
			continue
		}
		if !first {
			b.WriteString(" OR ")
		}
		first = false
		b.WriteString("(")
		for j := 0; j < i; j++ {
			prev := order[j]
			b.Ident(prev.column)
			if s.cursorNull(j) {
				b.WriteString(" IS NULL")
			} else {
				b.WriteString(" = ")
				b.Bind(Slot{Source: SlotCursor, Index: j, Type: prev.typ})
			}
			b.WriteString(" AND ")
		}
		if k.nullable {
			b.WriteString("(")
		}
		b.Ident(k.column)
		if k.desc {
			b.WriteString(" < ")
		} else {
			b.WriteString(" > ")
		}
		b.Bind(Slot{Source: SlotCursor, Index: i, Type: k.typ})
		if k.nullable {
			b.WriteString(" OR ")
			b.Ident(k.column)
			b.WriteString(" IS NULL)")
		}
		b.WriteString(")")
	}
	b.WriteString(")")
}

func compareSQL(op filter.CompareOp) string {
	switch op {
	case filter.OpEq:
		return " = "
	case filter.OpNeq:
		return " <> "
	case filter.OpLt:
		return " < "
	case filter.OpLte:
		return " <= "
	case filter.OpGt:
		return " > "
	case filter.OpGte:
		return " >= "
	case filter.OpLike:
		return " LIKE "
	}
	return ""
}

func (c *Compiler) writeNode(b *Builder, n filter.Node, schema *feature.LayerSchema) error {
	switch v := n.(type) {
	case filter.And:
		return c.writeJoined(b, v.Children(), " AND ", schema)
	case filter.Or:
		return c.writeJoined(b, v.Children(), " OR ", schema)
	case filter.Not:
		if inner, ok := v.Child().(filter.IsNull); ok {
			col, err := c.column(schema, inner.Property(), false)
			if err != nil {
				return err
			}
			c.syn.WriteIsNull(b, col, true)
			return nil
		}
		b.WriteString("NOT (")
		if err := c.writeNode(b, v.Child(), schema); err != nil {
			return err
		}
		b.WriteString(")")
		return nil
	case filter.Compare:
		if err := c.writeOperand(b, v.Left(), schema); err != nil {
			return err
		}
		b.WriteString(compareSQL(v.Op()))
		return c.writeOperand(b, v.Right(), schema)
	case filter.Between:
		col, err := c.column(schema, v.Property(), false)
		if err != nil {
			return err
		}
		b.WriteString("(")
		b.Ident(col)
		b.WriteString(" >= ")
		if err := c.writeOperand(b, v.Lower(), schema); err != nil {
			return err
		}
		b.WriteString(" AND ")
		b.Ident(col)
		b.WriteString(" <= ")
		if err := c.writeOperand(b, v.Upper(), schema); err != nil {
			return err
		}
		b.WriteString(")")
		return nil
	case filter.In:
		return c.writeIn(b, v, schema)
	case filter.IsNull:
		col, err := c.column(schema, v.Property(), false)
		if err != nil {
			return err
		}
		c.syn.WriteIsNull(b, col, false)
		return nil
	case filter.Spatial:
		return c.writeSpatial(b, v, schema)
	default:
		return &filter.InvalidFilterError{Node: n.Kind(), Reason: "not a predicate"}
	}
}

func (c *Compiler) writeJoined(b *Builder, children []filter.Node, sep string, schema *feature.LayerSchema) error {
	b.WriteString("(")
	for i, child := range children {
		if i > 0 {
			b.WriteString(sep)
		}
		if err := c.writeNode(b, child, schema); err != nil {
			return err
		}
	}
	b.WriteString(")")
	return nil
}

func (c *Compiler) writeIn(b *Builder, v filter.In, schema *feature.LayerSchema) error {
	col, err := c.column(schema, v.Property(), false)
	if err != nil {
		return err
	}
	values := v.Values()
	if len(values) == 1 {
		b.Ident(col)
		b.WriteString(" = ")
		return c.writeOperand(b, values[0], schema)
	}
	if c.caps.SupportsNativeInList {
		b.Ident(col)
		b.WriteString(" IN (")
		for i, val := range values {
			if i > 0 {
				b.WriteString(", ")
			}
			if err := c.writeOperand(b, val, schema); err != nil {
				return err
			}
		}
		b.WriteString(")")
		return nil
	}
	b.WriteString("(")
	for i, val := range values {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.Ident(col)
		b.WriteString(" = ")
		if err := c.writeOperand(b, val, schema); err != nil {
			return err
		}
	}
	b.WriteString(")")
	return nil
}

func (c *Compiler) writeSpatial(b *Builder, v filter.Spatial, schema *feature.LayerSchema) error {
	if !c.caps.SupportsSpatial(v.Op()) {
		return &feature.UnsupportedOperationError{Dialect: c.name, Op: "spatial " + string(v.Op()), Reason: "predicate is not available"}
	}
	col, err := c.column(schema, v.Property(), true)
	if err != nil {
		return err
	}
	ph, ok := v.Geometry().(filter.Placeholder)
	if !ok {
		return &filter.InvalidFilterError{Node: filter.KindSpatial, Property: v.Property(), Reason: "geometry must be erased before compilation"}
	}
	geom := Slot{Source: SlotLiteral, Index: ph.Ordinal(), Type: filter.TypeGeometry, SRID: schema.StorageSRID}
	srid := ConstSlot(int64(schema.StorageSRID), filter.TypeInt)
	return c.syn.WriteSpatial(b, v.Op(), col, geom, srid)
}

func (c *Compiler) writeOperand(b *Builder, n filter.Node, schema *feature.LayerSchema) error {
	switch v := n.(type) {
	case filter.Property:
		col, err := c.column(schema, v.Name(), false)
		if err != nil {
			return err
		}
		b.Ident(col)
		return nil
	case filter.Placeholder:
		b.Bind(Slot{Source: SlotLiteral, Index: v.Ordinal(), Type: v.Type()})
		return nil
	case filter.Literal:
		// литералы попадают в план только через Erase
		return &filter.InvalidFilterError{Node: filter.KindLiteral, Reason: "literal must be erased before compilation"}
	default:
		return &filter.InvalidFilterError{Node: n.Kind(), Reason: "property or value expected"}
	}
}

// column разрешает атрибут в колонку. Геометрия допустима только в
// пространственных предикатах.
func (c *Compiler) column(schema *feature.LayerSchema, name string, geometry bool) (string, error) {
	col, typ, ok := schema.Resolve(name)
	if !ok {
		return "", &feature.UnknownPropertyError{Layer: schema.Name, Property: name, Context: "filter"}
	}
	if geometry != (typ == filter.TypeGeometry) {
		reason := "geometry property used outside a spatial predicate"
		if geometry {
			reason = "spatial predicate on a non-geometry property"
		}
		return "", &filter.InvalidFilterError{Node: filter.KindProperty, Property: name, Reason: reason}
	}
	return col, nil
}
