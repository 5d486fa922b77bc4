package filter

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
)

// Kind - тег варианта узла фильтра
type Kind uint8

const (
	KindLiteral Kind = iota + 1
	KindProperty
	KindAnd
	KindOr
	KindNot
	KindCompare
	KindBetween
	KindIn
	KindIsNull
	KindSpatial
	KindPlaceholder
)

// String - имя варианта
func (k Kind) String() string {
	switch k {
	case KindLiteral:
		return "literal"
	case KindProperty:
		return "property"
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	case KindNot:
		return "not"
	case KindCompare:
		return "compare"
	case KindBetween:
		return "between"
	case KindIn:
		return "in"
	case KindIsNull:
		return "isnull"
	case KindSpatial:
		return "spatial"
	case KindPlaceholder:
		return "placeholder"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Node базовый интерфейс для всех узлов дерева фильтра.
// Набор реализаций закрыт: компилятор делает исчерпывающий switch по Kind.
type Node interface {
	Kind() Kind
	String() string
	node()
}

// ValueType - тип значения литерала, выводится при построении
type ValueType string

const (
	TypeNull     ValueType = "null"
	TypeInt      ValueType = "int"
	TypeFloat    ValueType = "float"
	TypeString   ValueType = "string"
	TypeBool     ValueType = "bool"
	TypeTime     ValueType = "time"
	TypeBytes    ValueType = "bytes"
	TypeGeometry ValueType = "geometry"
)

// Geometry - геометрия запроса вместе с ее SRID
type Geometry struct {
	Geom orb.Geometry
	SRID int
}

// Literal представляет константу фильтра
type Literal struct {
	value any
	typ   ValueType
}

func (Literal) node()        {}
func (Literal) Kind() Kind   { return KindLiteral }
func (l Literal) Value() any { return l.value }

// Type возвращает выведенный тип литерала
func (l Literal) Type() ValueType { return l.typ }

// IsZero - литерал не был построен (пустая структура)
func (l Literal) IsZero() bool { return l.typ == "" }

func (l Literal) String() string {
	if l.typ == TypeGeometry {
		g := l.value.(Geometry)
		return fmt.Sprintf("lit(geometry:%s;srid=%d)", g.Geom.GeoJSONType(), g.SRID)
	}
	return fmt.Sprintf("lit(%s:%v)", l.typ, l.value)
}

// Property - ссылка на атрибут слоя
type Property struct {
	name string
}

func (Property) node()            {}
func (Property) Kind() Kind       { return KindProperty }
func (p Property) Name() string   { return p.name }
func (p Property) String() string { return "prop(" + p.name + ")" }

// And - конъюнкция
type And struct {
	children []Node
}

func (And) node()      {}
func (And) Kind() Kind { return KindAnd }

// Children возвращает копию списка дочерних узлов
func (a And) Children() []Node { return cloneNodes(a.children) }
func (a And) String() string   { return "and(" + joinNodes(a.children) + ")" }

// Or - дизъюнкция
type Or struct {
	children []Node
}

func (Or) node()      {}
func (Or) Kind() Kind { return KindOr }

// Children возвращает копию списка дочерних узлов
func (o Or) Children() []Node { return cloneNodes(o.children) }
func (o Or) String() string   { return "or(" + joinNodes(o.children) + ")" }

// Not - отрицание
type Not struct {
	child Node
}

func (Not) node()            {}
func (Not) Kind() Kind       { return KindNot }
func (n Not) Child() Node    { return n.child }
func (n Not) String() string { return "not(" + n.child.String() + ")" }

// CompareOp - оператор сравнения
type CompareOp string

const (
	OpEq   CompareOp = "eq"
	OpNeq  CompareOp = "neq"
	OpLt   CompareOp = "lt"
	OpLte  CompareOp = "lte"
	OpGt   CompareOp = "gt"
	OpGte  CompareOp = "gte"
	OpLike CompareOp = "like"
)

// Valid проверяет что оператор из поддерживаемого набора
func (op CompareOp) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpLike:
		return true
	}
	return false
}

// Compare - бинарное сравнение
type Compare struct {
	op    CompareOp
	left  Node
	right Node
}

func (Compare) node()           {}
func (Compare) Kind() Kind      { return KindCompare }
func (c Compare) Op() CompareOp { return c.op }
func (c Compare) Left() Node    { return c.left }
func (c Compare) Right() Node   { return c.right }
func (c Compare) String() string {
	return string(c.op) + "(" + c.left.String() + ", " + c.right.String() + ")"
}

// Between - диапазон с включенными границами
type Between struct {
	property string
	lower    Node // Literal или Placeholder
	upper    Node
}

func (Between) node()              {}
func (Between) Kind() Kind         { return KindBetween }
func (b Between) Property() string { return b.property }
func (b Between) Lower() Node      { return b.lower }
func (b Between) Upper() Node      { return b.upper }
func (b Between) String() string {
	return "between(" + b.property + ", " + b.lower.String() + ", " + b.upper.String() + ")"
}

// In - принадлежность списку значений (список не пустой)
type In struct {
	property string
	values   []Node // Literal или Placeholder
}

func (In) node()              {}
func (In) Kind() Kind         { return KindIn }
func (i In) Property() string { return i.property }

// Values возвращает копию списка значений
func (i In) Values() []Node { return cloneNodes(i.values) }
func (i In) Len() int       { return len(i.values) }
func (i In) String() string {
	return "in(" + i.property + ", [" + joinNodes(i.values) + "])"
}

// IsNull - проверка на NULL
type IsNull struct {
	property string
}

func (IsNull) node()              {}
func (IsNull) Kind() Kind         { return KindIsNull }
func (n IsNull) Property() string { return n.property }
func (n IsNull) String() string   { return "isnull(" + n.property + ")" }

// SpatialOp - пространственный предикат
type SpatialOp string

const (
	SpatialIntersects SpatialOp = "intersects"
	SpatialContains   SpatialOp = "contains"
	SpatialWithin     SpatialOp = "within"
	SpatialDisjoint   SpatialOp = "disjoint"
	SpatialTouches    SpatialOp = "touches"
	SpatialCrosses    SpatialOp = "crosses"
	SpatialOverlaps   SpatialOp = "overlaps"
	SpatialEquals     SpatialOp = "equals"
)

// Valid проверяет что предикат поддерживается
func (op SpatialOp) Valid() bool {
	switch op {
	case SpatialIntersects, SpatialContains, SpatialWithin, SpatialDisjoint,
		SpatialTouches, SpatialCrosses, SpatialOverlaps, SpatialEquals:
		return true
	}
	return false
}

// Spatial - пространственный предикат над геометрической колонкой
type Spatial struct {
	op       SpatialOp
	property string
	geometry Node // Literal(TypeGeometry) или Placeholder
}

func (Spatial) node()              {}
func (Spatial) Kind() Kind         { return KindSpatial }
func (s Spatial) Op() SpatialOp    { return s.op }
func (s Spatial) Property() string { return s.property }
func (s Spatial) Geometry() Node   { return s.geometry }
func (s Spatial) String() string {
	return "s_" + string(s.op) + "(" + s.property + ", " + s.geometry.String() + ")"
}

// Placeholder заменяет литерал после стирания (Erase).
// Ordinal - позиция литерала при обходе дерева в прямом порядке.
type Placeholder struct {
	ordinal int
	typ     ValueType
}

func (Placeholder) node()             {}
func (Placeholder) Kind() Kind        { return KindPlaceholder }
func (p Placeholder) Ordinal() int    { return p.ordinal }
func (p Placeholder) Type() ValueType { return p.typ }
func (p Placeholder) String() string  { return fmt.Sprintf("$%d:%s", p.ordinal, p.typ) }

func cloneNodes(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out
}

func joinNodes(nodes []Node) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = n.String()
	}
	return strings.Join(parts, ", ")
}
