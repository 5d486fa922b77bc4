package dialect

import (
	"fmt"
	"slices"
	"time"

	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// State - служебное состояние строки для разбора неудачной записи
type State struct {
	Version feature.VersionToken
	Deleted bool
}

type assignment struct {
	column string
	slot   Slot
}

// writeValues проверяет атрибуты записи и возвращает присваивания
func (c *Compiler) writeValues(schema *feature.LayerSchema, attrs []feature.Attribute) ([]assignment, error) {
	out := make([]assignment, 0, len(attrs))
	seen := make(map[string]bool, len(attrs))
	for _, a := range attrs {
		if schema.IsReserved(a.Name) {
			return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: a.Name, Reason: "column is maintained by the engine"}
		}
		p, ok := schema.Property(a.Name)
		if !ok {
			return nil, &feature.UnknownPropertyError{Layer: schema.Name, Property: a.Name, Context: "write"}
		}
		if p.ReadOnly {
			return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: a.Name, Reason: "property is read-only"}
		}
		if seen[a.Name] {
			return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: a.Name, Reason: "property assigned twice"}
		}
		seen[a.Name] = true
		slot, err := valueSlot(schema, p, a.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, assignment{column: p.Column, slot: slot})
	}
	return out, nil
}

func valueSlot(schema *feature.LayerSchema, p feature.Property, v any) (Slot, error) {
	if v == nil {
		if !p.Nullable {
			return Slot{}, &feature.InvalidQueryError{Layer: schema.Name, Field: p.Name, Reason: "null is not allowed"}
		}
		return ConstSlot(nil, p.Type), nil
	}
	l, err := filter.NewLiteral(v)
	if err != nil {
		return Slot{}, &feature.InvalidQueryError{Layer: schema.Name, Field: p.Name, Reason: err.Error()}
	}
	if l.Type() == filter.TypeGeometry {
		return Slot{}, &feature.InvalidQueryError{Layer: schema.Name, Field: p.Name, Reason: "geometry is written through the geometry field"}
	}
	return ConstSlot(l.Value(), l.Type()), nil
}

func (c *Compiler) geometrySlots(schema *feature.LayerSchema, rec feature.Record) (geom, srid Slot, err error) {
	if rec.SRID != 0 && rec.SRID != schema.StorageSRID {
		return Slot{}, Slot{}, &feature.InvalidQueryError{Layer: schema.Name, Field: schema.GeometryColumn,
			Reason: fmt.Sprintf("geometry SRID %d differs from storage SRID %d", rec.SRID, schema.StorageSRID)}
	}
	g := filter.Geometry{Geom: rec.Geometry, SRID: schema.StorageSRID}
	return ConstSlot(g, filter.TypeGeometry), ConstSlot(int64(schema.StorageSRID), filter.TypeInt), nil
}

func (c *Compiler) bound(b *Builder, result ResultShape) (*QueryDefinition, error) {
	return b.Plan(0, result).Bind(Args{})
}

func (c *Compiler) versionResult(schema *feature.LayerSchema) ResultShape {
	r := newResultShape()
	r.add(ResultColumn{Name: schema.VersionColumn, Column: schema.VersionColumn, Role: RoleVersion})
	return r
}

// writeOutput пишет OUTPUT INSERTED.col для SQL Server
func (c *Compiler) writeOutput(b *Builder, column string) {
	b.WriteString(" OUTPUT INSERTED.")
	b.Ident(column)
}

func (c *Compiler) writeReturning(b *Builder, column string) {
	b.WriteString(" RETURNING ")
	b.Ident(column)
}

// CompileInsert компилирует вставку новой сущности.
// Для генерируемого ключа возвращает его через RETURNING/OUTPUT, если можно.
func (c *Compiler) CompileInsert(schema *feature.LayerSchema, rec feature.Record) (*QueryDefinition, error) {
	cols, slots, err := c.insertRow(schema, rec)
	if err != nil {
		return nil, err
	}
	returnID := schema.IDGenerated && c.syn.Returning() != ReturningNone

	b := NewBuilder(c.syn)
	b.WriteString("INSERT INTO ")
	c.writeTable(b, schema)
	b.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(col)
	}
	b.WriteString(")")
	if returnID && c.syn.Returning() == ReturningOutput {
		c.writeOutput(b, schema.IDColumn)
	}
	b.WriteString(" VALUES ")
	c.writeRow(b, slots)
	if returnID && c.syn.Returning() == ReturningSuffix {
		c.writeReturning(b, schema.IDColumn)
	}

	result := newResultShape()
	if returnID {
		result.add(ResultColumn{Name: schema.IDColumn, Column: schema.IDColumn, Type: schema.IDType, Role: RoleID})
	}
	return c.bound(b, result)
}

// CompileInsertBatch компилирует многострочную вставку. Ключи не
// возвращаются; отсутствующие атрибуты пишутся как NULL.
func (c *Compiler) CompileInsertBatch(schema *feature.LayerSchema, recs []feature.Record) (*QueryDefinition, error) {
	if len(recs) == 0 {
		return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: "records", Reason: "batch is empty"}
	}
	if !c.caps.SupportsBulkOperations {
		return nil, &feature.UnsupportedOperationError{Dialect: c.name, Op: "insert batch", Reason: "multi-row insert is not available"}
	}
	var header []string
	rows := make([][]rowValue, len(recs))
	for i, rec := range recs {
		full := rec
		full.Attributes = fillAttributes(schema, rec.Attributes)
		cols, slots, err := c.insertRow(schema, full)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if header == nil {
			header = cols
		} else if !slices.Equal(cols, header) {
			return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: "records", Reason: "records have different column sets"}
		}
		rows[i] = slots
	}

	b := NewBuilder(c.syn)
	b.WriteString("INSERT INTO ")
	c.writeTable(b, schema)
	b.WriteString(" (")
	for i, col := range header {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(col)
	}
	b.WriteString(") VALUES ")
	for i, slots := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		c.writeRow(b, slots)
	}
	if err := c.checkParams(schema.Name, b); err != nil {
		return nil, err
	}
	return c.bound(b, newResultShape())
}

// BatchRows - сколько строк помещается в одну многострочную вставку
func (c *Compiler) BatchRows(schema *feature.LayerSchema) int {
	perRow := 4 // геометрия (2), признак удаления, версия
	for _, p := range schema.Properties {
		if !p.ReadOnly {
			perRow++
		}
	}
	if !schema.IDGenerated {
		perRow++
	}
	if c.caps.MaxParams == 0 {
		return 1000
	}
	n := c.caps.MaxParams / perRow
	if n < 1 {
		n = 1
	}
	if n > 1000 {
		n = 1000
	}
	return n
}

func fillAttributes(schema *feature.LayerSchema, attrs []feature.Attribute) []feature.Attribute {
	byName := make(map[string]any, len(attrs))
	for _, a := range attrs {
		byName[a.Name] = a.Value
	}
	out := make([]feature.Attribute, 0, len(schema.Properties))
	for _, p := range schema.Properties {
		if p.ReadOnly {
			continue
		}
		out = append(out, feature.Attribute{Name: p.Name, Value: byName[p.Name]})
	}
	// лишние имена проверит writeValues
	for _, a := range attrs {
		if _, ok := schema.Property(a.Name); !ok {
			out = append(out, a)
		}
	}
	return out
}

func (c *Compiler) insertRow(schema *feature.LayerSchema, rec feature.Record) ([]string, []rowValue, error) {
	values, err := c.writeValues(schema, rec.Attributes)
	if err != nil {
		return nil, nil, err
	}
	var cols []string
	var row []rowValue
	if schema.IDGenerated {
		if rec.ID != nil {
			return nil, nil, &feature.InvalidQueryError{Layer: schema.Name, Field: schema.IDColumn, Reason: "id is generated by the database"}
		}
	} else {
		if rec.ID == nil {
			return nil, nil, &feature.InvalidQueryError{Layer: schema.Name, Field: schema.IDColumn, Reason: "id is required"}
		}
		cols = append(cols, schema.IDColumn)
		row = append(row, rowValue{slot: ConstSlot(rec.ID, schema.IDType)})
	}
	for _, v := range values {
		cols = append(cols, v.column)
		row = append(row, rowValue{slot: v.slot})
	}
	if rec.Geometry != nil {
		geom, srid, err := c.geometrySlots(schema, rec)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, schema.GeometryColumn)
		row = append(row, rowValue{geometry: true, slot: geom, srid: srid})
	}
	if c.caps.VersionStrategy == VersionAppManaged {
		cols = append(cols, schema.VersionColumn)
		row = append(row, rowValue{slot: ConstSlot(int64(1), filter.TypeInt)})
	}
	cols = append(cols, schema.DeletedColumn)
	row = append(row, rowValue{slot: ConstSlot(false, filter.TypeBool)})
	return cols, row, nil
}

type rowValue struct {
	slot     Slot
	srid     Slot
	geometry bool
}

func (c *Compiler) writeRow(b *Builder, row []rowValue) {
	b.WriteString("(")
	for i, v := range row {
		if i > 0 {
			b.WriteString(", ")
		}
		if v.geometry {
			c.syn.WriteGeometryValue(b, v.slot, v.srid)
		} else {
			b.Bind(v.slot)
		}
	}
	b.WriteString(")")
}

// writeVersionBump продвигает версию, если ее ведет приложение
func (c *Compiler) writeVersionBump(b *Builder, schema *feature.LayerSchema) {
	if c.caps.VersionStrategy != VersionAppManaged {
		return
	}
	b.WriteString(", ")
	b.Ident(schema.VersionColumn)
	b.WriteString(" = ")
	b.Ident(schema.VersionColumn)
	b.WriteString(" + 1")
}

// writeGuard пишет WHERE по ключу, состоянию удаления и версии
func (c *Compiler) writeGuard(b *Builder, schema *feature.LayerSchema, id any, deleted *bool, expected feature.VersionToken) {
	b.WriteString(" WHERE ")
	b.Ident(schema.IDColumn)
	b.WriteString(" = ")
	b.Bind(ConstSlot(id, schema.IDType))
	if deleted != nil {
		b.WriteString(" AND ")
		c.writeActive(b, schema, *deleted)
	}
	if !expected.IsZero() {
		b.WriteString(" AND ")
		b.Ident(schema.VersionColumn)
		b.WriteString(" = ")
		b.Bind(ConstSlot(expected.DriverValue(), ""))
	}
}

// writeUpdate пишет общий каркас UPDATE ... SET <set> [OUTPUT] WHERE ... [RETURNING]
func (c *Compiler) writeUpdate(schema *feature.LayerSchema, id any, deleted *bool, expected feature.VersionToken, set func(b *Builder)) (*QueryDefinition, error) {
	b := NewBuilder(c.syn)
	b.WriteString("UPDATE ")
	c.writeTable(b, schema)
	b.WriteString(" SET ")
	set(b)
	c.writeVersionBump(b, schema)
	if c.syn.Returning() == ReturningOutput {
		c.writeOutput(b, schema.VersionColumn)
	}
	c.writeGuard(b, schema, id, deleted, expected)
	if c.syn.Returning() == ReturningSuffix {
		c.writeReturning(b, schema.VersionColumn)
	}
	result := newResultShape()
	if c.syn.Returning() != ReturningNone {
		result = c.versionResult(schema)
	}
	return c.bound(b, result)
}

func (c *Compiler) writeAssign(b *Builder, first *bool, column string) {
	if !*first {
		b.WriteString(", ")
	}
	*first = false
	b.Ident(column)
	b.WriteString(" = ")
}

// CompileUpdate компилирует изменение активной сущности. При непустой
// ожидаемой версии добавляет ее в условие WHERE.
func (c *Compiler) CompileUpdate(schema *feature.LayerSchema, rec feature.Record, expected feature.VersionToken) (*QueryDefinition, error) {
	if rec.ID == nil {
		return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: schema.IDColumn, Reason: "id is required"}
	}
	values, err := c.writeValues(schema, rec.Attributes)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 && rec.Geometry == nil {
		return nil, &feature.InvalidQueryError{Layer: schema.Name, Field: "record", Reason: "nothing to update"}
	}
	var geom, srid Slot
	if rec.Geometry != nil {
		if geom, srid, err = c.geometrySlots(schema, rec); err != nil {
			return nil, err
		}
	}
	active := false
	return c.writeUpdate(schema, rec.ID, &active, expected, func(b *Builder) {
		first := true
		for _, v := range values {
			c.writeAssign(b, &first, v.column)
			b.Bind(v.slot)
		}
		if rec.Geometry != nil {
			c.writeAssign(b, &first, schema.GeometryColumn)
			c.syn.WriteGeometryValue(b, geom, srid)
		}
	})
}

// CompileSoftDelete помечает активную строку удаленной
func (c *Compiler) CompileSoftDelete(schema *feature.LayerSchema, id any, actor string, at time.Time, expected feature.VersionToken) (*QueryDefinition, error) {
	active := false
	return c.writeUpdate(schema, id, &active, expected, func(b *Builder) {
		first := true
		c.writeAssign(b, &first, schema.DeletedColumn)
		b.Bind(ConstSlot(true, filter.TypeBool))
		c.writeAssign(b, &first, schema.DeletedAtColumn)
		b.Bind(ConstSlot(at, filter.TypeTime))
		c.writeAssign(b, &first, schema.DeletedByColumn)
		b.Bind(ConstSlot(actor, filter.TypeString))
	})
}

// CompileRestore снимает пометку удаления
func (c *Compiler) CompileRestore(schema *feature.LayerSchema, id any, expected feature.VersionToken) (*QueryDefinition, error) {
	deleted := true
	return c.writeUpdate(schema, id, &deleted, expected, func(b *Builder) {
		first := true
		c.writeAssign(b, &first, schema.DeletedColumn)
		b.Bind(ConstSlot(false, filter.TypeBool))
		c.writeAssign(b, &first, schema.DeletedAtColumn)
		b.WriteString("NULL")
		c.writeAssign(b, &first, schema.DeletedByColumn)
		b.WriteString("NULL")
	})
}

// CompileHardDelete физически удаляет строку в любом состоянии
func (c *Compiler) CompileHardDelete(schema *feature.LayerSchema, id any, expected feature.VersionToken) (*QueryDefinition, error) {
	b := NewBuilder(c.syn)
	b.WriteString("DELETE FROM ")
	c.writeTable(b, schema)
	c.writeGuard(b, schema, id, nil, expected)
	return c.bound(b, newResultShape())
}

// CompileReadState читает версию и признак удаления строки
func (c *Compiler) CompileReadState(schema *feature.LayerSchema, id any) (*QueryDefinition, error) {
	b := NewBuilder(c.syn)
	b.WriteString("SELECT ")
	b.Ident(schema.VersionColumn)
	b.WriteString(", ")
	b.Ident(schema.DeletedColumn)
	b.WriteString(" FROM ")
	c.writeTable(b, schema)
	c.writeGuard(b, schema, id, nil, feature.VersionToken{})
	result := c.versionResult(schema)
	result.add(ResultColumn{Name: schema.DeletedColumn, Column: schema.DeletedColumn, Type: filter.TypeBool, Role: RoleDeleted})
	return c.bound(b, result)
}
