package dialect

import (
	"time"

	"github.com/ruslano69/featurestore/pkg/audit"
	"github.com/ruslano69/featurestore/pkg/filter"
)

// auditColumns - колонки таблицы журнала удалений в порядке MapRowToAudit
var auditColumns = []string{"entity_type", "entity_id", "deletion_type", "actor", "timestamp", "reason", "record_hash"}

func (c *Compiler) writeAuditTable(b *Builder) {
	if c.opts.AuditSchema != "" {
		b.Ident(c.opts.AuditSchema)
		b.WriteString(".")
	}
	b.Ident(c.opts.AuditTable)
}

func (c *Compiler) auditResult() ResultShape {
	r := newResultShape()
	for _, col := range auditColumns {
		typ := filter.TypeString
		if col == "timestamp" {
			typ = filter.TypeTime
		}
		r.add(ResultColumn{Name: col, Column: col, Type: typ})
	}
	return r
}

// CompileAuditInsert компилирует запись в журнал удалений
func (c *Compiler) CompileAuditInsert(rec audit.Record) (*QueryDefinition, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	b := NewBuilder(c.syn)
	b.WriteString("INSERT INTO ")
	c.writeAuditTable(b)
	b.WriteString(" (")
	for i, col := range auditColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(col)
	}
	b.WriteString(") VALUES (")
	values := []Slot{
		ConstSlot(rec.EntityType, filter.TypeString),
		ConstSlot(rec.EntityID, filter.TypeString),
		ConstSlot(string(rec.DeletionType), filter.TypeString),
		ConstSlot(rec.Actor, filter.TypeString),
		ConstSlot(rec.Timestamp, filter.TypeTime),
		ConstSlot(rec.Reason, filter.TypeString),
		ConstSlot(rec.Hash, filter.TypeString),
	}
	for i, s := range values {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Bind(s)
	}
	b.WriteString(")")
	return c.bound(b, newResultShape())
}

func (c *Compiler) writeAuditSelect(b *Builder) {
	b.WriteString("SELECT ")
	for i, col := range auditColumns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.Ident(col)
	}
	b.WriteString(" FROM ")
	c.writeAuditTable(b)
}

// CompileAuditSelect - история удалений сущности в хронологическом порядке
func (c *Compiler) CompileAuditSelect(entityType, entityID string) (*QueryDefinition, error) {
	b := NewBuilder(c.syn)
	c.writeAuditSelect(b)
	b.WriteString(" WHERE ")
	b.Ident("entity_type")
	b.WriteString(" = ")
	b.Bind(ConstSlot(entityType, filter.TypeString))
	b.WriteString(" AND ")
	b.Ident("entity_id")
	b.WriteString(" = ")
	b.Bind(ConstSlot(entityID, filter.TypeString))
	b.WriteString(" ORDER BY ")
	b.Ident("timestamp")
	return c.bound(b, c.auditResult())
}

func (c *Compiler) writeAuditRange(b *Builder, entityType string, before time.Time) {
	b.WriteString(" WHERE ")
	b.Ident("entity_type")
	b.WriteString(" = ")
	b.Bind(ConstSlot(entityType, filter.TypeString))
	b.WriteString(" AND ")
	b.Ident("timestamp")
	b.WriteString(" < ")
	b.Bind(ConstSlot(before, filter.TypeTime))
}

// CompileAuditRange - записи типа сущности старше before (для архивации)
func (c *Compiler) CompileAuditRange(entityType string, before time.Time) (*QueryDefinition, error) {
	b := NewBuilder(c.syn)
	c.writeAuditSelect(b)
	c.writeAuditRange(b, entityType, before)
	b.WriteString(" ORDER BY ")
	b.Ident("timestamp")
	return c.bound(b, c.auditResult())
}

// CompileAuditPurge удаляет записи типа сущности старше before
func (c *Compiler) CompileAuditPurge(entityType string, before time.Time) (*QueryDefinition, error) {
	b := NewBuilder(c.syn)
	b.WriteString("DELETE FROM ")
	c.writeAuditTable(b)
	c.writeAuditRange(b, entityType, before)
	return c.bound(b, newResultShape())
}
