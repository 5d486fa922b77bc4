package filter

import (
	"math"
	"time"
)

// NewLiteral строит литерал и выводит его тип.
// Целые приводятся к int64, float32 к float64.
func NewLiteral(v any) (Literal, error) {
	switch val := v.(type) {
	case nil:
		return Literal{value: nil, typ: TypeNull}, nil
	case int:
		return Literal{value: int64(val), typ: TypeInt}, nil
	case int8:
		return Literal{value: int64(val), typ: TypeInt}, nil
	case int16:
		return Literal{value: int64(val), typ: TypeInt}, nil
	case int32:
		return Literal{value: int64(val), typ: TypeInt}, nil
	case int64:
		return Literal{value: val, typ: TypeInt}, nil
	case uint8:
		return Literal{value: int64(val), typ: TypeInt}, nil
	case uint16:
		return Literal{value: int64(val), typ: TypeInt}, nil
	case uint32:
		return Literal{value: int64(val), typ: TypeInt}, nil
	case uint:
		return uintLiteral(uint64(val))
	case uint64:
		return uintLiteral(val)
	case float32:
		return Literal{value: float64(val), typ: TypeFloat}, nil
	case float64:
		return Literal{value: val, typ: TypeFloat}, nil
	case string:
		return Literal{value: val, typ: TypeString}, nil
	case bool:
		return Literal{value: val, typ: TypeBool}, nil
	case time.Time:
		return Literal{value: val, typ: TypeTime}, nil
	case []byte:
		b := make([]byte, len(val))
		copy(b, val)
		return Literal{value: b, typ: TypeBytes}, nil
	case Geometry:
		return newGeometryLiteral(val)
	case Literal:
		return val, nil
	default:
		return Literal{}, invalid(KindLiteral, "", "unsupported literal type %T", v)
	}
}

func uintLiteral(v uint64) (Literal, error) {
	if v > math.MaxInt64 {
		return Literal{}, invalid(KindLiteral, "", "integer literal %d overflows int64", v)
	}
	return Literal{value: int64(v), typ: TypeInt}, nil
}

// Lit - как NewLiteral, но паникует. Для тестов и статически известных значений.
func Lit(v any) Literal {
	l, err := NewLiteral(v)
	if err != nil {
		panic(err)
	}
	return l
}

func newGeometryLiteral(g Geometry) (Literal, error) {
	if g.Geom == nil {
		return Literal{}, invalid(KindSpatial, "", "geometry is required")
	}
	if g.SRID <= 0 {
		return Literal{}, invalid(KindSpatial, "", "geometry SRID must be positive, got %d", g.SRID)
	}
	return Literal{value: g, typ: TypeGeometry}, nil
}

// Prop строит ссылку на атрибут
func Prop(name string) Property {
	return Property{name: name}
}

// NewAnd строит конъюнкцию. Пустой список - ошибка.
func NewAnd(children ...Node) (And, error) {
	if err := checkChildren(KindAnd, children); err != nil {
		return And{}, err
	}
	return And{children: cloneNodes(children)}, nil
}

// NewOr строит дизъюнкцию. Пустой список - ошибка.
func NewOr(children ...Node) (Or, error) {
	if err := checkChildren(KindOr, children); err != nil {
		return Or{}, err
	}
	return Or{children: cloneNodes(children)}, nil
}

func checkChildren(kind Kind, children []Node) error {
	if len(children) == 0 {
		return invalid(kind, "", "at least one operand is required")
	}
	for i, c := range children {
		if c == nil {
			return invalid(kind, "", "operand %d is nil", i)
		}
		if !isPredicate(c) {
			return invalid(kind, "", "operand %d is %s, predicate expected", i, c.Kind())
		}
	}
	return nil
}

// NewNot строит отрицание предиката
func NewNot(child Node) (Not, error) {
	if child == nil {
		return Not{}, invalid(KindNot, "", "operand is nil")
	}
	if !isPredicate(child) {
		return Not{}, invalid(KindNot, "", "operand is %s, predicate expected", child.Kind())
	}
	return Not{child: child}, nil
}

// NewCompare строит сравнение. Операнды - атрибуты или литералы.
// NULL в сравнении запрещен: для этого есть IsNull.
func NewCompare(op CompareOp, left, right Node) (Compare, error) {
	if !op.Valid() {
		return Compare{}, invalid(KindCompare, "", "unknown operator %q", op)
	}
	for _, operand := range []Node{left, right} {
		if err := checkOperand(KindCompare, operand); err != nil {
			return Compare{}, err
		}
	}
	if left.Kind() != KindProperty && right.Kind() != KindProperty {
		return Compare{}, invalid(KindCompare, "", "at least one operand must be a property")
	}
	if op == OpLike {
		if right.Kind() != KindProperty && valueType(right) != TypeString {
			return Compare{}, invalid(KindCompare, propertyOf(left), "like pattern must be a string")
		}
	}
	return Compare{op: op, left: left, right: right}, nil
}

// Eq - сокращение для сравнения атрибута с литералом
func Eq(property string, v any) (Compare, error) {
	l, err := NewLiteral(v)
	if err != nil {
		return Compare{}, err
	}
	return NewCompare(OpEq, Prop(property), l)
}

// NewBetween строит диапазон. Обе границы обязательны и включены.
func NewBetween(property string, lower, upper Literal) (Between, error) {
	if property == "" {
		return Between{}, invalid(KindBetween, "", "property is required")
	}
	if lower.IsZero() || lower.Type() == TypeNull {
		return Between{}, invalid(KindBetween, property, "lower bound is required")
	}
	if upper.IsZero() || upper.Type() == TypeNull {
		return Between{}, invalid(KindBetween, property, "upper bound is required")
	}
	if lower.Type() == TypeGeometry || upper.Type() == TypeGeometry {
		return Between{}, invalid(KindBetween, property, "geometry bounds are not comparable")
	}
	return Between{property: property, lower: lower, upper: upper}, nil
}

// NewIn строит проверку принадлежности. Пустой список - ошибка.
func NewIn(property string, values ...Literal) (In, error) {
	if property == "" {
		return In{}, invalid(KindIn, "", "property is required")
	}
	if len(values) == 0 {
		return In{}, invalid(KindIn, property, "value list must not be empty")
	}
	nodes := make([]Node, len(values))
	for i, v := range values {
		if v.IsZero() || v.Type() == TypeNull {
			return In{}, invalid(KindIn, property, "value %d is null", i)
		}
		if v.Type() == TypeGeometry {
			return In{}, invalid(KindIn, property, "value %d is a geometry", i)
		}
		nodes[i] = v
	}
	return In{property: property, values: nodes}, nil
}

// NewIsNull строит проверку на NULL
func NewIsNull(property string) (IsNull, error) {
	if property == "" {
		return IsNull{}, invalid(KindIsNull, "", "property is required")
	}
	return IsNull{property: property}, nil
}

// NewSpatial строит пространственный предикат
func NewSpatial(op SpatialOp, property string, g Geometry) (Spatial, error) {
	if !op.Valid() {
		return Spatial{}, invalid(KindSpatial, property, "unknown spatial operator %q", op)
	}
	if property == "" {
		return Spatial{}, invalid(KindSpatial, "", "property is required")
	}
	lit, err := newGeometryLiteral(g)
	if err != nil {
		return Spatial{}, err
	}
	return Spatial{op: op, property: property, geometry: lit}, nil
}

func checkOperand(kind Kind, n Node) error {
	if n == nil {
		return invalid(kind, "", "operand is nil")
	}
	switch v := n.(type) {
	case Property:
		if v.name == "" {
			return invalid(kind, "", "property name is empty")
		}
		return nil
	case Literal:
		if v.IsZero() {
			return invalid(kind, "", "literal is not initialized")
		}
		if v.typ == TypeNull {
			return invalid(kind, "", "null literal in comparison, use IsNull")
		}
		if v.typ == TypeGeometry {
			return invalid(kind, "", "geometry literal in comparison, use a spatial predicate")
		}
		return nil
	default:
		return invalid(kind, "", "operand is %s, property or literal expected", n.Kind())
	}
}

func isPredicate(n Node) bool {
	switch n.Kind() {
	case KindAnd, KindOr, KindNot, KindCompare, KindBetween, KindIn, KindIsNull, KindSpatial:
		return true
	}
	return false
}

func valueType(n Node) ValueType {
	switch v := n.(type) {
	case Literal:
		return v.typ
	case Placeholder:
		return v.typ
	}
	return ""
}

func propertyOf(n Node) string {
	if p, ok := n.(Property); ok {
		return p.name
	}
	return ""
}
