package odbc

import (
	"testing"

	"github.com/alexbrainman/odbc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/featurestore/pkg/dialect"
	"github.com/ruslano69/featurestore/pkg/feature"
	"github.com/ruslano69/featurestore/pkg/filter"
)

func sites() *feature.LayerSchema {
	s := feature.LayerSchema{
		Name:           "sites",
		GeometryColumn: "geom",
		StorageSRID:    4326,
		Properties:     []feature.Property{{Name: "code", Type: filter.TypeString, Nullable: true}},
	}.WithDefaults()
	return &s
}

func TestCompileSelect_OrChain(t *testing.T) {
	d := New(dialect.Options{})
	f, err := filter.NewIn("code", filter.Lit("a"), filter.Lit("b"), filter.Lit("c"))
	require.NoError(t, err)

	def, err := dialect.CompileSelect(d, feature.FeatureQuery{Layer: "sites", Limit: 5, Filter: f}, sites())
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "code", ST_AsBinary("geom"), "row_version", "is_deleted", "deleted_at", "deleted_by" FROM "sites"`+
		` WHERE "is_deleted" = ? AND (("code" = ? OR "code" = ? OR "code" = ?)) ORDER BY "id" ASC OFFSET ? ROWS FETCH NEXT ? ROWS ONLY`, def.Text)
}

func TestCapabilities(t *testing.T) {
	caps := New(dialect.Options{}).Capabilities()
	assert.False(t, caps.SupportsTransactions)
	assert.False(t, caps.SupportsBulkOperations)

	_, err := New(dialect.Options{}).CompileInsertBatch(sites(), []feature.Record{{ID: int64(1)}})
	assert.ErrorIs(t, err, feature.ErrUnsupported)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(&odbc.Error{Diag: []odbc.DiagRecord{{State: "08S01"}}}))
	assert.True(t, isTransient(&odbc.Error{Diag: []odbc.DiagRecord{{State: "HY000"}, {State: "40001"}}}))
	assert.False(t, isTransient(&odbc.Error{Diag: []odbc.DiagRecord{{State: "42S02"}}}))
}
