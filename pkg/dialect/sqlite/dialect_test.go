package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/dialect/sqlite"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
)

const ddl = `CREATE TABLE parcels (
	id INTEGER PRIMARY KEY,
	name TEXT,
	population INTEGER,
	geom BLOB,
	row_version INTEGER NOT NULL DEFAULT 1,
	is_deleted INTEGER NOT NULL DEFAULT 0,
	deleted_at DATETIME,
	deleted_by TEXT
)`

func schema() *feature.LayerSchema {
	s := feature.LayerSchema{
		Name:           "parcels",
		IDGenerated:    true,
		GeometryColumn: "geom",
		StorageSRID:    4326,
		Properties: []feature.Property{
			{Name: "name", Type: filter.TypeString, Nullable: true},
			{Name: "population", Type: filter.TypeInt, Nullable: true},
		},
	}.WithDefaults()
	return &s
}

func open(t *testing.T) (*sqlite.Dialect, dialect.Pool) {
	t.Helper()
	ctx := context.Background()
	d := sqlite.New(dialect.Options{})
	path := filepath.Join(t.TempDir(), "gis.db")
	pool, err := d.CreateConnection(ctx, dialect.Config{
		DSN:                "file:" + path + "?_pragma=busy_timeout(5000)&_time_format=sqlite",
		StatementCacheSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	_, err = pool.(*dialect.SQLPool).DB().ExecContext(ctx, ddl)
	require.NoError(t, err)
	return d, pool
}

func insert(t *testing.T, d *sqlite.Dialect, q dialect.Querier, name string, p orb.Point) int64 {
	t.Helper()
	def, err := d.CompileInsert(schema(), feature.Record{
		Attributes: []feature.Attribute{{Name: "name", Value: name}, {Name: "population", Value: 10}},
		Geometry:   p,
	})
	require.NoError(t, err)
	rows, err := q.Query(context.Background(), def)
	require.NoError(t, err)
	defer rows.Close()
	require.True(t, rows.Next())
	vals, err := rows.Values()
	require.NoError(t, err)
	return vals[0].(int64)
}

func selectAll(t *testing.T, d *sqlite.Dialect, q dialect.Querier, fq feature.FeatureQuery) []feature.Record {
	t.Helper()
	fq.Layer = "parcels"
	if fq.Limit == 0 {
		fq.Limit = 100
	}
	def, err := dialect.CompileSelect(d, fq, schema())
	require.NoError(t, err)
	rows, err := q.Query(context.Background(), def)
	require.NoError(t, err)
	defer rows.Close()
	var out []feature.Record
	for rows.Next() {
		vals, err := rows.Values()
		require.NoError(t, err)
		rec, err := d.MapRowToRecord(vals, def.Result, schema())
		require.NoError(t, err)
		out = append(out, rec)
	}
	require.NoError(t, rows.Err())
	return out
}

func names(recs []feature.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		v, _ := r.Get("name")
		out = append(out, v.(string))
	}
	return out
}

func TestCompileSelect_PositionalText(t *testing.T) {
	d := sqlite.New(dialect.Options{})
	box := filter.Geometry{Geom: orb.Bound{Max: orb.Point{10, 10}}.ToPolygon(), SRID: 4326}
	f, err := filter.NewSpatial(filter.SpatialIntersects, "geom", box)
	require.NoError(t, err)

	def, err := dialect.CompileSelect(d, feature.FeatureQuery{Layer: "parcels", Limit: 5, Filter: f, Offset: 5}, schema())
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "name", "population", ST_AsBinary("geom"), "row_version", "is_deleted", "deleted_at", "deleted_by" FROM "parcels"`+
		` WHERE "is_deleted" = ? AND (ST_Intersects("geom", ST_GeomFromWKB(?, ?))) ORDER BY "id" ASC LIMIT ? OFFSET ?`, def.Text)
	assert.Len(t, def.Params, 5)

	_, err = dialect.CompileSelect(d, feature.FeatureQuery{Layer: "parcels", Limit: 5, Filter: mustSpatial(t, filter.SpatialTouches, box)}, schema())
	assert.ErrorIs(t, err, feature.ErrUnsupported)

	assert.False(t, d.Capabilities().SupportsTransform)
	assert.Equal(t, dialect.VersionAppManaged, d.Capabilities().VersionStrategy)
}

func mustSpatial(t *testing.T, op filter.SpatialOp, g filter.Geometry) filter.Spatial {
	t.Helper()
	s, err := filter.NewSpatial(op, "geom", g)
	require.NoError(t, err)
	return s
}

func TestRegistered(t *testing.T) {
	assert.True(t, dialect.IsRegistered(sqlite.Name))
	d, err := dialect.New(sqlite.Name, dialect.Options{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())
}

func TestSpatialPredicates(t *testing.T) {
	d, pool := open(t)
	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	insert(t, d, conn, "a", orb.Point{1, 1})
	insert(t, d, conn, "b", orb.Point{5, 5})
	insert(t, d, conn, "c", orb.Point{20, 20})

	box := filter.Geometry{Geom: orb.Bound{Max: orb.Point{10, 10}}.ToPolygon(), SRID: 4326}

	got := selectAll(t, d, conn, feature.FeatureQuery{Filter: mustSpatial(t, filter.SpatialIntersects, box)})
	assert.Equal(t, []string{"a", "b"}, names(got))

	got = selectAll(t, d, conn, feature.FeatureQuery{Filter: mustSpatial(t, filter.SpatialWithin, box)})
	assert.Equal(t, []string{"a", "b"}, names(got))

	got = selectAll(t, d, conn, feature.FeatureQuery{Filter: mustSpatial(t, filter.SpatialDisjoint, box)})
	assert.Equal(t, []string{"c"}, names(got))

	got = selectAll(t, d, conn, feature.FeatureQuery{Filter: mustSpatial(t, filter.SpatialContains, box)})
	assert.Empty(t, got)

	pt := filter.Geometry{Geom: orb.Point{5, 5}, SRID: 4326}
	got = selectAll(t, d, conn, feature.FeatureQuery{Filter: mustSpatial(t, filter.SpatialEquals, pt)})
	require.Len(t, got, 1)
	assert.Equal(t, orb.Point{5, 5}, got[0].Geometry)
	assert.Equal(t, 4326, got[0].SRID)
	assert.True(t, got[0].Version.Equal(feature.CounterToken(1)))
}

func TestVersionedWrites(t *testing.T) {
	d, pool := open(t)
	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	id := insert(t, d, conn, "a", orb.Point{1, 1})
	rec := feature.Record{ID: id, Attributes: []feature.Attribute{{Name: "name", Value: "renamed"}}}

	def, err := d.CompileUpdate(schema(), rec, feature.CounterToken(1))
	require.NoError(t, err)
	rows, err := conn.Query(ctx, def)
	require.NoError(t, err)
	require.True(t, rows.Next())
	vals, err := rows.Values()
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	ver, err := d.VersionToken(vals[0])
	require.NoError(t, err)
	assert.True(t, ver.Equal(feature.CounterToken(2)))

	// устаревшая версия не меняет строку
	rows, err = conn.Query(ctx, def)
	require.NoError(t, err)
	assert.False(t, rows.Next())
	require.NoError(t, rows.Close())

	def, err = d.CompileReadState(schema(), id)
	require.NoError(t, err)
	rows, err = conn.Query(ctx, def)
	require.NoError(t, err)
	require.True(t, rows.Next())
	vals, err = rows.Values()
	require.NoError(t, err)
	require.NoError(t, rows.Close())
	st, err := d.MapRowToState(vals)
	require.NoError(t, err)
	assert.True(t, st.Version.Equal(feature.CounterToken(2)))
	assert.False(t, st.Deleted)
}

func TestTransactionRollback(t *testing.T) {
	d, pool := open(t)
	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	id := insert(t, d, conn, "a", orb.Point{1, 1})

	tx, err := conn.Begin(ctx)
	require.NoError(t, err)
	def, err := d.CompileHardDelete(schema(), id, feature.VersionToken{})
	require.NoError(t, err)
	res, err := tx.Exec(ctx, def)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, tx.Rollback(ctx))

	assert.Len(t, selectAll(t, d, conn, feature.FeatureQuery{}), 1)
}

func TestBatchInsertAndStatementCache(t *testing.T) {
	d, pool := open(t)
	ctx := context.Background()
	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	recs := []feature.Record{
		{Attributes: []feature.Attribute{{Name: "name", Value: "a"}}, Geometry: orb.Point{1, 1}},
		{Attributes: []feature.Attribute{{Name: "name", Value: "b"}}, Geometry: orb.Point{2, 2}},
		{Attributes: []feature.Attribute{{Name: "name", Value: "c"}}, Geometry: orb.Point{3, 3}},
	}
	def, err := d.CompileInsertBatch(schema(), recs)
	require.NoError(t, err)
	res, err := conn.Exec(ctx, def)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for i := 0; i < 10; i++ {
		selectAll(t, d, conn, feature.FeatureQuery{Limit: i + 1, Sort: []feature.SortSpec{{Property: "name", Direction: feature.Desc}}})
	}
	got := selectAll(t, d, conn, feature.FeatureQuery{Sort: []feature.SortSpec{{Property: "name", Direction: feature.Desc}}})
	assert.Equal(t, []string{"c", "b", "a"}, names(got))

	st := pool.Stats()
	assert.LessOrEqual(t, st.CachedStatements, 4)
	assert.Positive(t, st.CachedStatements)
	assert.Zero(t, st.InUse)
}

func TestClassifyError(t *testing.T) {
	d := sqlite.New(dialect.Options{})
	err := d.ClassifyError("select", errors.New("no such table: parcels"))
	assert.ErrorIs(t, err, feature.ErrPermanent)
	assert.ErrorIs(t, d.ClassifyError("select", context.Canceled), context.Canceled)
}
