package feature

import (
	"time"

	"github.com/paulmach/orb"

	"github.com/ruslano69/featurestore/pkg/filter"
)

// SortDirection - направление сортировки
type SortDirection uint8

const (
	Asc SortDirection = iota
	Desc
)

func (d SortDirection) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// SortSpec - одно поле сортировки
type SortSpec struct {
	Property  string
	Direction SortDirection
}

// BBox - ограничивающий прямоугольник в системе координат SRID
type BBox struct {
	Bound orb.Bound
	SRID  int
}

// Interval - интервал времени; нулевая граница означает открытый конец.
// Обе границы включены.
type Interval struct {
	Start time.Time
	End   time.Time
}

// FeatureQuery - декларативный запрос к слою
type FeatureQuery struct {
	Layer  string
	Filter filter.Node // nil - без фильтра

	// Limit 0 - лимит по умолчанию из конфигурации
	Limit  int
	Offset int
	// Cursor - продолжение выборки по ключу (keyset), взаимоисключающе с Offset
	Cursor *Cursor

	Sort []SortSpec

	// TargetSRID 0 - вернуть геометрию в SRID хранения
	TargetSRID int

	BBox     *BBox
	Datetime *Interval

	// Properties - подмножество атрибутов; пусто - все атрибуты.
	// Ключ, геометрия и версия возвращаются всегда.
	Properties []string

	IncludeDeleted bool
}
