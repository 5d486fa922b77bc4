package filter

import (
	"bytes"
	"time"

	"github.com/paulmach/orb"
)

// Walk обходит дерево в прямом порядке. Если fn возвращает false,
// потомки узла не посещаются.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range children(n) {
		Walk(c, fn)
	}
}

func children(n Node) []Node {
	switch v := n.(type) {
	case And:
		return v.children
	case Or:
		return v.children
	case Not:
		return []Node{v.child}
	case Compare:
		return []Node{v.left, v.right}
	case Between:
		return []Node{v.lower, v.upper}
	case In:
		return v.values
	case Spatial:
		return []Node{v.geometry}
	}
	return nil
}

// Depth - глубина дерева, лист имеет глубину 1
func Depth(n Node) int {
	if n == nil {
		return 0
	}
	max := 0
	for _, c := range children(n) {
		if d := Depth(c); d > max {
			max = d
		}
	}
	return max + 1
}

// Count - число узлов дерева
func Count(n Node) int {
	total := 0
	Walk(n, func(Node) bool {
		total++
		return true
	})
	return total
}

// Properties возвращает имена атрибутов в порядке первого упоминания
func Properties(n Node) []string {
	var names []string
	seen := make(map[string]struct{})
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	Walk(n, func(node Node) bool {
		switch v := node.(type) {
		case Property:
			add(v.name)
		case Between:
			add(v.property)
		case In:
			add(v.property)
		case IsNull:
			add(v.property)
		case Spatial:
			add(v.property)
		}
		return true
	})
	return names
}

// MapLiterals строит новое дерево, в котором каждый литерал заменен
// результатом fn. Тип литерала должен сохраниться.
func MapLiterals(n Node, fn func(Literal) (Literal, error)) (Node, error) {
	if n == nil {
		return nil, nil
	}
	switch v := n.(type) {
	case Literal:
		out, err := fn(v)
		if err != nil {
			return nil, err
		}
		if out.typ != v.typ {
			return nil, invalid(KindLiteral, "", "literal type changed from %s to %s", v.typ, out.typ)
		}
		return out, nil
	case And:
		c, err := mapAll(v.children, fn)
		if err != nil {
			return nil, err
		}
		return And{children: c}, nil
	case Or:
		c, err := mapAll(v.children, fn)
		if err != nil {
			return nil, err
		}
		return Or{children: c}, nil
	case Not:
		c, err := MapLiterals(v.child, fn)
		if err != nil {
			return nil, err
		}
		return Not{child: c}, nil
	case Compare:
		left, err := MapLiterals(v.left, fn)
		if err != nil {
			return nil, err
		}
		right, err := MapLiterals(v.right, fn)
		if err != nil {
			return nil, err
		}
		return Compare{op: v.op, left: left, right: right}, nil
	case Between:
		lower, err := MapLiterals(v.lower, fn)
		if err != nil {
			return nil, err
		}
		upper, err := MapLiterals(v.upper, fn)
		if err != nil {
			return nil, err
		}
		return Between{property: v.property, lower: lower, upper: upper}, nil
	case In:
		c, err := mapAll(v.values, fn)
		if err != nil {
			return nil, err
		}
		return In{property: v.property, values: c}, nil
	case Spatial:
		g, err := MapLiterals(v.geometry, fn)
		if err != nil {
			return nil, err
		}
		return Spatial{op: v.op, property: v.property, geometry: g}, nil
	default:
		return n, nil
	}
}

func mapAll(nodes []Node, fn func(Literal) (Literal, error)) ([]Node, error) {
	out := make([]Node, len(nodes))
	for i, c := range nodes {
		m, err := MapLiterals(c, fn)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// Equal сравнивает деревья структурно, включая значения литералов
func Equal(a, b Node) bool {
	if !bytes.Equal(AppendShape(nil, a), AppendShape(nil, b)) {
		return false
	}
	_, la := Erase(a)
	_, lb := Erase(b)
	if len(la) != len(lb) {
		return false
	}
	for i := range la {
		if !LiteralEqual(la[i], lb[i]) {
			return false
		}
	}
	return true
}

// LiteralEqual сравнивает два литерала по типу и значению
func LiteralEqual(a, b Literal) bool {
	if a.typ != b.typ {
		return false
	}
	switch a.typ {
	case TypeNull, "":
		return true
	case TypeTime:
		return a.value.(time.Time).Equal(b.value.(time.Time))
	case TypeBytes:
		return bytes.Equal(a.value.([]byte), b.value.([]byte))
	case TypeGeometry:
		ga, gb := a.value.(Geometry), b.value.(Geometry)
		return ga.SRID == gb.SRID && orb.Equal(ga.Geom, gb.Geom)
	default:
		return a.value == b.value
	}
}
