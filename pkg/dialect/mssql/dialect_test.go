package mssql

import (
	"testing"

	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
)

func roads() *feature.LayerSchema {
	s := feature.LayerSchema{
		Name:           "roads",
		IDGenerated:    true,
		GeometryColumn: "shape",
		StorageSRID:    4326,
		Properties:     []feature.Property{{Name: "kind", Type: filter.TypeString, Nullable: true}},
	}.WithDefaults()
	return &s
}

func TestCompileSelect_OffsetFetch(t *testing.T) {
	d := New(dialect.Options{})
	g := filter.Geometry{Geom: orb.Point{1, 2}, SRID: 4326}
	f, err := filter.NewSpatial(filter.SpatialIntersects, "shape", g)
	require.NoError(t, err)

	def, err := dialect.CompileSelect(d, feature.FeatureQuery{Layer: "roads", Limit: 10, Filter: f}, roads())
	require.NoError(t, err)
	assert.Equal(t, `SELECT [id], [kind], [shape].STAsBinary(), [row_version], [is_deleted], [deleted_at], [deleted_by] FROM [roads]`+
		` WHERE [is_deleted] = @p1 AND ([shape].STIntersects(geometry::STGeomFromWKB(@p2, @p3)) = 1)`+
		` ORDER BY [id] ASC OFFSET @p4 ROWS FETCH NEXT @p5 ROWS ONLY`, def.Text)
	args := def.Args()
	assert.Equal(t, int64(0), args[3])
	assert.Equal(t, int64(10), args[4])

	def, err = dialect.CompileSelect(d, feature.FeatureQuery{Layer: "roads", Limit: 10, Offset: 30}, roads())
	require.NoError(t, err)
	assert.Contains(t, def.Text, `OFFSET @p2 ROWS FETCH NEXT @p3 ROWS ONLY`)
	assert.Equal(t, []any{false, int64(30), int64(10)}, def.Args())

	// пересчет координат в SQL недоступен
	def, err = dialect.CompileSelect(d, feature.FeatureQuery{Layer: "roads", Limit: 10, TargetSRID: 3857}, roads())
	require.NoError(t, err)
	assert.False(t, def.Result.Transformed)
	assert.Equal(t, 4326, def.Result.OutputSRID)
}

func TestCompileWrites_Output(t *testing.T) {
	d := New(dialect.Options{})
	rec := feature.Record{Attributes: []feature.Attribute{{Name: "kind", Value: "x"}}, Geometry: orb.Point{1, 2}}

	def, err := d.CompileInsert(roads(), rec)
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO [roads] ([kind], [shape], [is_deleted]) OUTPUT INSERTED.[id] VALUES (@p1, geometry::STGeomFromWKB(@p2, @p3), @p4)`, def.Text)

	rec.ID = int64(9)
	rec.Geometry = nil
	def, err = d.CompileUpdate(roads(), rec, feature.BytesToken([]byte{0, 0, 0, 0, 0, 0, 0, 7}))
	require.NoError(t, err)
	assert.Equal(t, `UPDATE [roads] SET [kind] = @p1 OUTPUT INSERTED.[row_version] WHERE [id] = @p2 AND [is_deleted] = @p3 AND [row_version] = @p4`, def.Text)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 7}, def.Args()[3])

	p, err := d.CompileCount(&dialect.Shape{Layer: "roads"}, roads())
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT_BIG(*) FROM [roads] WHERE [is_deleted] = @p1`, p.Text)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "[we]]ird]", syntax{}.QuoteIdent("we]ird"))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(mssql.Error{Number: 1205}))
	assert.True(t, isTransient(mssql.Error{Number: 40613}))
	assert.False(t, isTransient(mssql.Error{Number: 2627}))

	d := New(dialect.Options{})
	assert.ErrorIs(t, d.ClassifyError("update", mssql.Error{Number: 1205}), feature.ErrTransient)
}
