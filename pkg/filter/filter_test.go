package filter

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAnd(t *testing.T, children ...Node) And {
	t.Helper()
	n, err := NewAnd(children...)
	require.NoError(t, err)
	return n
}

func mustCompare(t *testing.T, op CompareOp, prop string, v any) Compare {
	t.Helper()
	n, err := NewCompare(op, Prop(prop), Lit(v))
	require.NoError(t, err)
	return n
}

func TestNewLiteral_InfersType(t *testing.T) {
	tests := []struct {
		in   any
		want ValueType
	}{
		{nil, TypeNull},
		{42, TypeInt},
		{int32(7), TypeInt},
		{3.5, TypeFloat},
		{"abc", TypeString},
		{true, TypeBool},
		{time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), TypeTime},
		{[]byte{1, 2}, TypeBytes},
		{Geometry{Geom: orb.Point{1, 2}, SRID: 4326}, TypeGeometry},
	}
	for _, tt := range tests {
		l, err := NewLiteral(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, l.Type(), "value %v", tt.in)
	}

	l := Lit(42)
	assert.Equal(t, int64(42), l.Value())
}

func TestNewLiteral_Rejects(t *testing.T) {
	_, err := NewLiteral(struct{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidFilter))

	_, err = NewLiteral(Geometry{Geom: orb.Point{1, 2}})
	var ife *InvalidFilterError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, KindSpatial, ife.Node)
}

func TestNewLiteral_Unsigned(t *testing.T) {
	l, err := NewLiteral(uint(8))
	require.NoError(t, err)
	assert.Equal(t, int64(8), l.Value())

	l, err = NewLiteral(uint64(math.MaxInt64))
	require.NoError(t, err)
	assert.Equal(t, TypeInt, l.Type())
	assert.Equal(t, int64(math.MaxInt64), l.Value())

	_, err = NewLiteral(uint64(math.MaxInt64) + 1)
	assert.ErrorIs(t, err, ErrInvalidFilter)
}

func TestNewIn_EmptyListIsInvalid(t *testing.T) {
	_, err := NewIn("status")
	var ife *InvalidFilterError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, KindIn, ife.Node)
	assert.Equal(t, "status", ife.Property)
}

func TestNewBetween_MissingBound(t *testing.T) {
	_, err := NewBetween("population", Lit(10), Literal{})
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = NewBetween("population", Lit(nil), Lit(20))
	require.ErrorIs(t, err, ErrInvalidFilter)

	b, err := NewBetween("population", Lit(10), Lit(20))
	require.NoError(t, err)
	assert.Equal(t, "population", b.Property())
}

func TestNewAndOr_Validation(t *testing.T) {
	_, err := NewAnd()
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = NewOr(nil)
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = NewAnd(Prop("name"))
	require.ErrorIs(t, err, ErrInvalidFilter, "bare property is not a predicate")

	_, err = NewNot(Lit(1))
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestNewCompare_Validation(t *testing.T) {
	_, err := NewCompare("approx", Prop("a"), Lit(1))
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = NewCompare(OpEq, Prop("a"), Lit(nil))
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = NewCompare(OpEq, Lit(1), Lit(1))
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = NewCompare(OpLike, Prop("name"), Lit(5))
	require.ErrorIs(t, err, ErrInvalidFilter)

	c, err := NewCompare(OpLike, Prop("name"), Lit("A%"))
	require.NoError(t, err)
	assert.Equal(t, OpLike, c.Op())
}

func TestNewSpatial_RequiresGeometryAndSRID(t *testing.T) {
	_, err := NewSpatial(SpatialIntersects, "geom", Geometry{})
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = NewSpatial("nearby", "geom", Geometry{Geom: orb.Point{0, 0}, SRID: 4326})
	require.ErrorIs(t, err, ErrInvalidFilter)

	s, err := NewSpatial(SpatialWithin, "geom", Geometry{Geom: orb.Point{0, 0}, SRID: 4326})
	require.NoError(t, err)
	assert.Equal(t, TypeGeometry, s.Geometry().(Literal).Type())
}

func TestChildren_ReturnsCopy(t *testing.T) {
	a := mustAnd(t, mustCompare(t, OpEq, "a", 1), mustCompare(t, OpEq, "b", 2))
	c := a.Children()
	c[0] = nil
	assert.NotNil(t, a.Children()[0])
}

func TestErase_PreOrderOrdinals(t *testing.T) {
	in, err := NewIn("status", Lit("open"), Lit("closed"))
	require.NoError(t, err)
	between, err := NewBetween("population", Lit(100), Lit(200))
	require.NoError(t, err)
	root := mustAnd(t, mustCompare(t, OpGt, "area", 1.5), in, between)

	erased, lits := Erase(root)
	require.Len(t, lits, 5)
	assert.Equal(t, 1.5, lits[0].Value())
	assert.Equal(t, "open", lits[1].Value())
	assert.Equal(t, "closed", lits[2].Value())
	assert.Equal(t, int64(100), lits[3].Value())
	assert.Equal(t, int64(200), lits[4].Value())

	var ordinals []int
	Walk(erased, func(n Node) bool {
		_, isLit := n.(Literal)
		assert.False(t, isLit, "erased tree must not contain literals")
		if p, ok := n.(Placeholder); ok {
			ordinals = append(ordinals, p.Ordinal())
		}
		return true
	})
	assert.Equal(t, []int{0, 1, 2, 3, 4}, ordinals)
}

func TestAppendShape_IgnoresLiteralValues(t *testing.T) {
	a := mustAnd(t, mustCompare(t, OpEq, "name", "A"), mustCompare(t, OpGt, "population", 10))
	b := mustAnd(t, mustCompare(t, OpEq, "name", "B"), mustCompare(t, OpGt, "population", 99))
	assert.Equal(t, AppendShape(nil, a), AppendShape(nil, b))

	erased, _ := Erase(a)
	assert.Equal(t, AppendShape(nil, a), AppendShape(nil, erased))
	assert.Equal(t, AppendShape(nil, Lit("x")), AppendShape(nil, Placeholder{ordinal: 3, typ: TypeString}))

	// другой тип литерала - другая форма
	c := mustAnd(t, mustCompare(t, OpEq, "name", "A"), mustCompare(t, OpGt, "population", 10.5))
	assert.NotEqual(t, AppendShape(nil, a), AppendShape(nil, c))

	// разная длина IN - разная форма
	in2, _ := NewIn("s", Lit("x"), Lit("y"))
	in3, _ := NewIn("s", Lit("x"), Lit("y"), Lit("z"))
	assert.NotEqual(t, AppendShape(nil, in2), AppendShape(nil, in3))
}

func TestDepthAndCount(t *testing.T) {
	leaf := mustCompare(t, OpEq, "a", 1)
	assert.Equal(t, 2, Depth(leaf))
	assert.Equal(t, 3, Count(leaf))

	not, err := NewNot(leaf)
	require.NoError(t, err)
	root := mustAnd(t, not, leaf)
	assert.Equal(t, 4, Depth(root))
	assert.Equal(t, 8, Count(root))
	assert.Equal(t, 0, Depth(nil))
}

func TestProperties(t *testing.T) {
	isNull, _ := NewIsNull("deleted_by")
	s, _ := NewSpatial(SpatialIntersects, "geom", Geometry{Geom: orb.Point{1, 1}, SRID: 4326})
	root := mustAnd(t, mustCompare(t, OpEq, "name", "x"), isNull, s, mustCompare(t, OpNeq, "name", "y"))
	assert.Equal(t, []string{"name", "deleted_by", "geom"}, Properties(root))
}

func TestMapLiterals(t *testing.T) {
	s, err := NewSpatial(SpatialIntersects, "geom", Geometry{Geom: orb.Point{1, 1}, SRID: 4326})
	require.NoError(t, err)
	root := mustAnd(t, s, mustCompare(t, OpEq, "name", "x"))

	out, err := MapLiterals(root, func(l Literal) (Literal, error) {
		if l.Type() != TypeGeometry {
			return l, nil
		}
		g := l.Value().(Geometry)
		return NewLiteral(Geometry{Geom: g.Geom, SRID: 3857})
	})
	require.NoError(t, err)
	_, lits := Erase(out)
	assert.Equal(t, 3857, lits[0].Value().(Geometry).SRID)
	assert.Equal(t, "x", lits[1].Value())

	// исходное дерево не изменилось
	_, orig := Erase(root)
	assert.Equal(t, 4326, orig[0].Value().(Geometry).SRID)

	_, err = MapLiterals(root, func(l Literal) (Literal, error) { return Lit(1), nil })
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestEqual(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := mustAnd(t, mustCompare(t, OpGte, "updated", ts), mustCompare(t, OpEq, "name", "x"))
	b := mustAnd(t, mustCompare(t, OpGte, "updated", ts.In(time.FixedZone("X", 3600))), mustCompare(t, OpEq, "name", "x"))
	c := mustAnd(t, mustCompare(t, OpGte, "updated", ts), mustCompare(t, OpEq, "name", "y"))
	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}

func TestString(t *testing.T) {
	in, _ := NewIn("s", Lit("a"))
	root := mustAnd(t, mustCompare(t, OpEq, "n", 1), in)
	assert.Equal(t, "and(eq(prop(n), lit(int:1)), in(s, [lit(string:a)]))", root.String())

	erased, _ := Erase(root)
	assert.Equal(t, "and(eq(prop(n), $0:int), in(s, [$1:string]))", erased.String())
}
