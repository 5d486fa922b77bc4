package feature

import (
	"time"

	"github.com/paulmach/orb"
)

// Attribute - пара имя/значение
type Attribute struct {
	Name  string
	Value any
}

// Record - одна строка слоя. Возвращается по значению и не разделяет
// изменяемое состояние с движком.
type Record struct {
	ID         any
	Attributes []Attribute // порядок как в схеме слоя
	Geometry   orb.Geometry
	SRID       int
	Version    VersionToken

	Deleted   bool
	DeletedAt *time.Time
	DeletedBy string
}

// Get возвращает значение атрибута
func (r Record) Get(name string) (any, bool) {
	for _, a := range r.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// Set заменяет или добавляет атрибут
func (r *Record) Set(name string, value any) {
	for i := range r.Attributes {
		if r.Attributes[i].Name == name {
			r.Attributes[i].Value = value
			return
		}
	}
	r.Attributes = append(r.Attributes, Attribute{Name: name, Value: value})
}

// Map возвращает атрибуты в виде map (порядок теряется)
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.Attributes))
	for _, a := range r.Attributes {
		m[a.Name] = a.Value
	}
	return m
}

// Clone - глубокая копия атрибутов и геометрии
func (r Record) Clone() Record {
	out := r
	out.Attributes = make([]Attribute, len(r.Attributes))
	copy(out.Attributes, r.Attributes)
	if r.Geometry != nil {
		out.Geometry = orb.Clone(r.Geometry)
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}
	return out
}
