package dialect

import (
	"github.com/ruslano69/featurestore/pkg/filter"
)

// ColumnRole - роль колонки в результате
type ColumnRole uint8

const (
	RoleAttribute ColumnRole = iota
	RoleID
	RoleGeometry
	RoleVersion
	RoleDeleted
	RoleDeletedAt
	RoleDeletedBy
	RoleCount
)

// ResultColumn описывает одну колонку результата
type ResultColumn struct {
	Name   string // имя атрибута
	Column string // имя колонки в таблице
	Type   filter.ValueType
	Role   ColumnRole
}

// ResultShape - состав колонок результата и позиции служебных колонок.
// Позиция -1 означает, что колонки нет.
type ResultShape struct {
	Columns   []ResultColumn
	ID        int
	Geometry  int
	Version   int
	Deleted   int
	DeletedAt int
	DeletedBy int

	// OutputSRID - SRID геометрии, которую вернет запрос.
	// 0 - SRID задан параметром (пересчет в SQL).
	OutputSRID int
	// Transformed - геометрия пересчитана в SQL в целевой SRID
	Transformed bool
}

func newResultShape() ResultShape {
	return ResultShape{ID: -1, Geometry: -1, Version: -1, Deleted: -1, DeletedAt: -1, DeletedBy: -1}
}

func (r *ResultShape) add(c ResultColumn) {
	pos := len(r.Columns)
	r.Columns = append(r.Columns, c)
	switch c.Role {
	case RoleID:
		r.ID = pos
	case RoleGeometry:
		r.Geometry = pos
	case RoleVersion:
		r.Version = pos
	case RoleDeleted:
		r.Deleted = pos
	case RoleDeletedAt:
		r.DeletedAt = pos
	case RoleDeletedBy:
		r.DeletedBy = pos
	}
}

// Empty - запрос не возвращает строк
func (r ResultShape) Empty() bool { return len(r.Columns) == 0 }
