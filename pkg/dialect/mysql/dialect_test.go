package mysql

import (
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
)

func poi() *feature.LayerSchema {
	s := feature.LayerSchema{
		Name:           "poi",
		IDGenerated:    true,
		GeometryColumn: "location",
		StorageSRID:    4326,
		Properties:     []feature.Property{{Name: "title", Type: filter.TypeString, Nullable: true}},
	}.WithDefaults()
	return &s
}

func TestCompileSelect_AxisOrder(t *testing.T) {
	d := New(dialect.Options{})
	g := filter.Geometry{Geom: orb.Bound{Max: orb.Point{1, 1}}.ToPolygon(), SRID: 4326}
	f, err := filter.NewSpatial(filter.SpatialContains, "location", g)
	require.NoError(t, err)

	def, err := dialect.CompileSelect(d, feature.FeatureQuery{Layer: "poi", Limit: 5, Filter: f, TargetSRID: 3857}, poi())
	require.NoError(t, err)
	assert.Equal(t, "SELECT `id`, `title`, ST_AsBinary(ST_Transform(`location`, ?), ?), `row_version`, `is_deleted`, `deleted_at`, `deleted_by` FROM `poi`"+
		" WHERE `is_deleted` = ? AND (ST_Contains(`location`, ST_GeomFromWKB(?, ?, ?))) ORDER BY `id` ASC LIMIT ?", def.Text)
	args := def.Args()
	assert.Equal(t, int64(3857), args[0])
	assert.Equal(t, axisOrder, args[1])
	assert.Equal(t, axisOrder, args[5])
}

func TestCompileUpdate_NoReturning(t *testing.T) {
	d := New(dialect.Options{})
	rec := feature.Record{ID: int64(1), Attributes: []feature.Attribute{{Name: "title", Value: "cafe"}}}
	def, err := d.CompileUpdate(poi(), rec, feature.CounterToken(2))
	require.NoError(t, err)
	assert.Equal(t, "UPDATE `poi` SET `title` = ?, `row_version` = `row_version` + 1 WHERE `id` = ? AND `is_deleted` = ? AND `row_version` = ?", def.Text)
	assert.True(t, def.Result.Empty())

	def, err = d.CompileInsert(poi(), feature.Record{Attributes: rec.Attributes})
	require.NoError(t, err)
	assert.NotContains(t, def.Text, "RETURNING")
	assert.True(t, d.Capabilities().SupportsLastInsertID)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&mysql.MySQLError{Number: 1213}))
	assert.True(t, isTransient(fmt.Errorf("exec: %w", mysql.ErrInvalidConn)))
	assert.False(t, isTransient(&mysql.MySQLError{Number: 1062}))
}
