package sqlite

import (
	"database/sql/driver"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntersects(t *testing.T) {
	square := orb.Bound{Max: orb.Point{10, 10}}.ToPolygon()

	assert.True(t, intersects(orb.Point{5, 5}, square))
	assert.True(t, intersects(square, orb.Point{0, 0}))
	assert.False(t, intersects(orb.Point{11, 5}, square))

	// треугольник: точка в охватывающем прямоугольнике, но вне фигуры
	tri := orb.Polygon{{{0, 0}, {10, 0}, {0, 10}, {0, 0}}}
	assert.False(t, intersects(orb.Point{9, 9}, tri))

	line := orb.LineString{{-5, 5}, {15, 5}}
	assert.True(t, intersects(line, square))
}

func TestContains(t *testing.T) {
	square := orb.Bound{Max: orb.Point{10, 10}}.ToPolygon()
	inner := orb.Bound{Min: orb.Point{2, 2}, Max: orb.Point{4, 4}}.ToPolygon()

	assert.True(t, contains(square, inner))
	assert.False(t, contains(inner, square))
	assert.True(t, contains(square, orb.LineString{{1, 1}, {9, 9}}))
	assert.False(t, contains(square, orb.LineString{{1, 1}, {19, 9}}))
	assert.True(t, contains(orb.MultiPoint{{1, 1}, {2, 2}}, orb.Point{2, 2}))
}

func TestPredicateFunc(t *testing.T) {
	fn := predicateFunc(intersects)
	a, err := wkb.Marshal(orb.Point{1, 1})
	require.NoError(t, err)
	b, err := wkb.Marshal(orb.Bound{Max: orb.Point{2, 2}}.ToPolygon())
	require.NoError(t, err)

	v, err := fn(nil, []driver.Value{a, b})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	v, err = fn(nil, []driver.Value{nil, b})
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = fn(nil, []driver.Value{int64(5), b})
	assert.Error(t, err)
}
