package feature

import (
	"fmt"
	"strconv"

	"github.com/zeebo/xxh3"

	"github.com/ruslano69/featurestore/pkg/filter"
)

// Имена колонок по умолчанию
const (
	DefaultVersionColumn   = "row_version"
	DefaultDeletedColumn   = "is_deleted"
	DefaultDeletedAtColumn = "deleted_at"
	DefaultDeletedByColumn = "deleted_by"
)

// Property описывает атрибут слоя
type Property struct {
	Name     string           `yaml:"name"`   // имя атрибута в запросах
	Column   string           `yaml:"column"` // имя колонки, по умолчанию совпадает с Name
	Type     filter.ValueType `yaml:"type"`   // ожидаемый тип значения
	Nullable bool             `yaml:"nullable"`
	ReadOnly bool             `yaml:"read_only"` // вычисляемая колонка, не пишется
}

// LayerSchema - снимок схемы таблицы слоя
type LayerSchema struct {
	Name   string `yaml:"name"`   // идентификатор слоя, он же entity type в аудите
	Schema string `yaml:"schema"` // схема БД, опционально
	Table  string `yaml:"table"`

	IDColumn string           `yaml:"id_column"`
	IDType   filter.ValueType `yaml:"id_type"` // TypeInt или TypeString
	// IDGenerated - ключ назначает БД (identity/autoincrement)
	IDGenerated bool `yaml:"id_generated"`

	GeometryColumn string `yaml:"geometry_column"`
	StorageSRID    int    `yaml:"srid"`

	// TemporalProperty - атрибут для фильтра по интервалу времени, опционально
	TemporalProperty string `yaml:"temporal_property"`

	VersionColumn   string `yaml:"version_column"`
	DeletedColumn   string `yaml:"deleted_column"`
	DeletedAtColumn string `yaml:"deleted_at_column"`
	DeletedByColumn string `yaml:"deleted_by_column"`

	Properties []Property `yaml:"properties"`
}

// WithDefaults возвращает копию с заполненными именами служебных колонок
func (s LayerSchema) WithDefaults() LayerSchema {
	if s.Table == "" {
		s.Table = s.Name
	}
	if s.IDColumn == "" {
		s.IDColumn = "id"
	}
	if s.IDType == "" {
		s.IDType = filter.TypeInt
	}
	if s.VersionColumn == "" {
		s.VersionColumn = DefaultVersionColumn
	}
	if s.DeletedColumn == "" {
		s.DeletedColumn = DefaultDeletedColumn
	}
	if s.DeletedAtColumn == "" {
		s.DeletedAtColumn = DefaultDeletedAtColumn
	}
	if s.DeletedByColumn == "" {
		s.DeletedByColumn = DefaultDeletedByColumn
	}
	props := make([]Property, len(s.Properties))
	for i, p := range s.Properties {
		if p.Column == "" {
			p.Column = p.Name
		}
		props[i] = p
	}
	s.Properties = props
	return s
}

// Validate проверяет согласованность схемы
func (s LayerSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("layer schema: name is required")
	}
	if s.GeometryColumn == "" {
		return fmt.Errorf("layer %q: geometry column is required", s.Name)
	}
	if s.StorageSRID <= 0 {
		return fmt.Errorf("layer %q: storage SRID must be positive", s.Name)
	}
	if s.IDType != filter.TypeInt && s.IDType != filter.TypeString {
		return fmt.Errorf("layer %q: id type must be int or string, got %q", s.Name, s.IDType)
	}
	reserved := map[string]bool{
		s.IDColumn: true, s.GeometryColumn: true, s.VersionColumn: true,
		s.DeletedColumn: true, s.DeletedAtColumn: true, s.DeletedByColumn: true,
	}
	if len(reserved) != 6 {
		return fmt.Errorf("layer %q: reserved columns must be distinct", s.Name)
	}
	seen := make(map[string]bool, len(s.Properties))
	for _, p := range s.Properties {
		if p.Name == "" {
			return fmt.Errorf("layer %q: property without name", s.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("layer %q: duplicate property %q", s.Name, p.Name)
		}
		seen[p.Name] = true
		if reserved[p.Column] {
			return fmt.Errorf("layer %q: property %q maps to reserved column %q", s.Name, p.Name, p.Column)
		}
	}
	if s.TemporalProperty != "" {
		if _, ok := s.Property(s.TemporalProperty); !ok {
			return fmt.Errorf("layer %q: temporal property %q is not declared", s.Name, s.TemporalProperty)
		}
	}
	return nil
}

// Property ищет атрибут по имени
func (s LayerSchema) Property(name string) (Property, bool) {
	for _, p := range s.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Resolve сопоставляет имя из фильтра или сортировки с колонкой.
// Кроме объявленных атрибутов допускаются первичный ключ и геометрия.
func (s LayerSchema) Resolve(name string) (column string, typ filter.ValueType, ok bool) {
	switch name {
	case s.IDColumn:
		return s.IDColumn, s.IDType, true
	case s.GeometryColumn:
		return s.GeometryColumn, filter.TypeGeometry, true
	}
	if p, found := s.Property(name); found {
		return p.Column, p.Type, true
	}
	return "", "", false
}

// IsReserved - колонка ведется движком и не пишется вызывающим
func (s LayerSchema) IsReserved(name string) bool {
	switch name {
	case s.IDColumn, s.VersionColumn, s.DeletedColumn, s.DeletedAtColumn, s.DeletedByColumn:
		return true
	}
	return false
}

// Fingerprint - хеш снимка схемы. Меняется при любом изменении,
// влияющем на компиляцию.
func (s LayerSchema) Fingerprint() uint64 {
	h := xxh3.New()
	write := func(parts ...string) {
		for _, p := range parts {
			h.WriteString(p)
			h.Write([]byte{0})
		}
	}
	write(s.Name, s.Schema, s.Table, s.IDColumn, string(s.IDType), strconv.FormatBool(s.IDGenerated),
		s.GeometryColumn, strconv.Itoa(s.StorageSRID), s.TemporalProperty,
		s.VersionColumn, s.DeletedColumn, s.DeletedAtColumn, s.DeletedByColumn)
	for _, p := range s.Properties {
		write(p.Name, p.Column, string(p.Type), strconv.FormatBool(p.Nullable), strconv.FormatBool(p.ReadOnly))
	}
	return h.Sum64()
}
