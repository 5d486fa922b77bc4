package filter

import (
	"encoding/binary"
)

// Erase заменяет каждый литерал на Placeholder с порядковым номером
// при обходе в прямом порядке и возвращает стертое дерево вместе со
// списком литералов в том же порядке.
//
// Два фильтра, отличающиеся только значениями литералов, дают
// структурно равные стертые деревья.
func Erase(n Node) (Node, []Literal) {
	if n == nil {
		return nil, nil
	}
	e := &eraser{}
	return e.erase(n), e.literals
}

type eraser struct {
	literals []Literal
}

func (e *eraser) erase(n Node) Node {
	switch v := n.(type) {
	case Literal:
		p := Placeholder{ordinal: len(e.literals), typ: v.typ}
		e.literals = append(e.literals, v)
		return p
	case Property, Placeholder, IsNull:
		return n
	case And:
		return And{children: e.eraseAll(v.children)}
	case Or:
		return Or{children: e.eraseAll(v.children)}
	case Not:
		return Not{child: e.erase(v.child)}
	case Compare:
		left := e.erase(v.left)
		right := e.erase(v.right)
		return Compare{op: v.op, left: left, right: right}
	case Between:
		lower := e.erase(v.lower)
		upper := e.erase(v.upper)
		return Between{property: v.property, lower: lower, upper: upper}
	case In:
		return In{property: v.property, values: e.eraseAll(v.values)}
	case Spatial:
		return Spatial{op: v.op, property: v.property, geometry: e.erase(v.geometry)}
	default:
		return n
	}
}

func (e *eraser) eraseAll(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	for i, c := range nodes {
		out[i] = e.erase(c)
	}
	return out
}

// AppendShape дописывает в buf детерминированное представление формы
// дерева: варианты узлов, операторы, имена атрибутов, типы значений и
// длины списков. Значения литералов не кодируются, поэтому литерал и
// соответствующий ему Placeholder дают одинаковые байты.
func AppendShape(buf []byte, n Node) []byte {
	if n == nil {
		return append(buf, 0)
	}
	buf = append(buf, shapeTag(n.Kind()))
	switch v := n.(type) {
	case Literal:
		buf = appendString(buf, string(v.typ))
	case Placeholder:
		buf = appendString(buf, string(v.typ))
	case Property:
		buf = appendString(buf, v.name)
	case And:
		buf = appendList(buf, v.children)
	case Or:
		buf = appendList(buf, v.children)
	case Not:
		buf = AppendShape(buf, v.child)
	case Compare:
		buf = appendString(buf, string(v.op))
		buf = AppendShape(buf, v.left)
		buf = AppendShape(buf, v.right)
	case Between:
		buf = appendString(buf, v.property)
		buf = AppendShape(buf, v.lower)
		buf = AppendShape(buf, v.upper)
	case In:
		buf = appendString(buf, v.property)
		buf = appendList(buf, v.values)
	case IsNull:
		buf = appendString(buf, v.property)
	case Spatial:
		buf = appendString(buf, string(v.op))
		buf = appendString(buf, v.property)
		buf = AppendShape(buf, v.geometry)
	}
	return buf
}

// shapeTag сводит литерал и Placeholder к одному тегу
func shapeTag(k Kind) byte {
	if k == KindPlaceholder {
		return byte(KindLiteral)
	}
	return byte(k)
}

func appendList(buf []byte, nodes []Node) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(nodes)))
	for _, c := range nodes {
		buf = AppendShape(buf, c)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}
