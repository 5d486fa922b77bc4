package feature

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/featurestore/pkg/filter"
)

func parcels() LayerSchema {
	return LayerSchema{
		Name:           "parcels",
		GeometryColumn: "geom",
		StorageSRID:    4326,
		Properties: []Property{
			{Name: "name", Type: filter.TypeString},
			{Name: "population", Type: filter.TypeInt},
		},
	}.WithDefaults()
}

func TestVersionToken_EqualityIgnoresSeal(t *testing.T) {
	s := NewTokenSealer([]byte("k"))
	a := CounterToken(3)
	sealed := s.Seal("parcels", int64(1), a)
	assert.True(t, sealed.Sealed())
	assert.True(t, a.Equal(sealed))
	assert.False(t, a.Equal(CounterToken(4)))
	assert.False(t, CounterToken(3).Equal(BytesToken([]byte{0, 0, 0, 0, 0, 0, 0, 3})))
}

func TestVersionToken_DriverValue(t *testing.T) {
	assert.Equal(t, int64(42), CounterToken(42).DriverValue())
	assert.Equal(t, []byte{1, 2, 3}, BytesToken([]byte{1, 2, 3}).DriverValue())

	ts := time.Date(2024, 3, 1, 10, 0, 0, 123, time.UTC)
	assert.True(t, ts.Equal(TimestampToken(ts).DriverValue().(time.Time)))

	assert.Nil(t, VersionToken{}.DriverValue())

	next, ok := CounterToken(41).Next()
	require.True(t, ok)
	assert.True(t, next.Equal(CounterToken(42)))
	_, ok = BytesToken([]byte{1}).Next()
	assert.False(t, ok)
}

func TestVersionToken_StringRoundTrip(t *testing.T) {
	s := NewTokenSealer([]byte("secret"))
	tok := s.Seal("parcels", 7, BytesToken([]byte{0, 0, 0, 0, 0, 0, 0x07, 0xd1}))

	parsed, err := ParseVersionToken(tok.String())
	require.NoError(t, err)
	assert.True(t, parsed.Equal(tok))
	require.NoError(t, s.Verify("parcels", 7, parsed))

	empty, err := ParseVersionToken("")
	require.NoError(t, err)
	assert.True(t, empty.IsZero())

	_, err = ParseVersionToken("!!!")
	assert.ErrorIs(t, err, ErrInvalidVersionToken)
}

func TestTokenSealer_RejectsFabricatedTokens(t *testing.T) {
	s := NewTokenSealer([]byte("secret"))
	issued := s.Seal("parcels", int64(5), CounterToken(2))

	require.NoError(t, s.Verify("parcels", int64(5), issued))
	// тот же id, записанный другим целым типом
	require.NoError(t, s.Verify("parcels", 5, issued))

	err := s.Verify("parcels", int64(5), CounterToken(2))
	assert.ErrorIs(t, err, ErrInvalidVersionToken, "unsealed token")

	err = s.Verify("parcels", int64(6), issued)
	assert.ErrorIs(t, err, ErrInvalidVersionToken, "token of another entity")

	err = s.Verify("roads", int64(5), issued)
	assert.ErrorIs(t, err, ErrInvalidVersionToken, "token of another layer")

	other := NewTokenSealer([]byte("other"))
	err = other.Verify("parcels", int64(5), issued)
	var ivt *InvalidVersionTokenError
	require.ErrorAs(t, err, &ivt)
	assert.Equal(t, "seal mismatch", ivt.Reason)
}

func TestTokenSealer_RandomKey(t *testing.T) {
	a, b := NewTokenSealer(nil), NewTokenSealer(nil)
	tok := a.Seal("l", 1, CounterToken(1))
	assert.NoError(t, a.Verify("l", 1, tok))
	assert.Error(t, b.Verify("l", 1, tok))
}

func TestLayerSchema_Defaults(t *testing.T) {
	s := parcels()
	assert.Equal(t, "parcels", s.Table)
	assert.Equal(t, "id", s.IDColumn)
	assert.Equal(t, DefaultVersionColumn, s.VersionColumn)
	assert.Equal(t, "is_deleted", s.DeletedColumn)
	assert.Equal(t, "name", s.Properties[0].Column)
	require.NoError(t, s.Validate())

	col, typ, ok := s.Resolve("population")
	assert.True(t, ok)
	assert.Equal(t, "population", col)
	assert.Equal(t, filter.TypeInt, typ)

	_, _, ok = s.Resolve("is_deleted")
	assert.False(t, ok)
	assert.True(t, s.IsReserved("row_version"))
}

func TestLayerSchema_Validate(t *testing.T) {
	s := parcels()
	s.StorageSRID = 0
	assert.Error(t, s.Validate())

	s = parcels()
	s.Properties = append(s.Properties, Property{Name: "v", Column: "row_version"})
	assert.Error(t, s.Validate())

	s = parcels()
	s.Properties = append(s.Properties, Property{Name: "name", Column: "name"})
	assert.Error(t, s.Validate())

	s = parcels()
	s.TemporalProperty = "updated"
	assert.Error(t, s.Validate())
}

func TestLayerSchema_Fingerprint(t *testing.T) {
	a, b := parcels(), parcels()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Properties = append(b.Properties, Property{Name: "area", Column: "area", Type: filter.TypeFloat})
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())

	c := parcels()
	c.StorageSRID = 3857
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
}

func TestCursor_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	c := Cursor{
		Keys:   []string{"name", "updated", "area", "id"},
		Values: []any{"north", ts, 1.25, int64(17)},
	}
	parsed, err := ParseCursor(c.String())
	require.NoError(t, err)
	assert.Equal(t, c.Keys, parsed.Keys)
	assert.Equal(t, "north", parsed.Values[0])
	assert.True(t, ts.Equal(parsed.Values[1].(time.Time)))
	assert.Equal(t, 1.25, parsed.Values[2])
	assert.Equal(t, int64(17), parsed.Values[3])

	withNull, err := ParseCursor(Cursor{Keys: []string{"population", "id"}, Values: []any{nil, int64(3)}}.String())
	require.NoError(t, err)
	assert.Equal(t, []any{nil, int64(3)}, withNull.Values)

	_, err = ParseCursor("not a cursor")
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestRecord_Accessors(t *testing.T) {
	r := Record{ID: int64(1), Geometry: orb.LineString{{1, 2}, {3, 4}}}
	r.Set("name", "a")
	r.Set("population", 10)
	r.Set("name", "b")
	v, ok := r.Get("name")
	assert.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Len(t, r.Attributes, 2)

	c := r.Clone()
	c.Set("name", "c")
	c.Geometry.(orb.LineString)[0][0] = 9
	v, _ = r.Get("name")
	assert.Equal(t, "b", v)
	assert.Equal(t, orb.LineString{{1, 2}, {3, 4}}, r.Geometry)
}

func TestMercatorReprojector(t *testing.T) {
	var rp Reprojector = MercatorReprojector{}
	src := orb.Point{180, 0}
	out, err := rp.Reproject(src, SRIDWGS84, SRIDWebMercator)
	require.NoError(t, err)
	p := out.(orb.Point)
	assert.InDelta(t, 20037508.34, p[0], 0.01)
	assert.InDelta(t, 0, p[1], 1e-6)
	assert.Equal(t, orb.Point{180, 0}, src, "input must not be modified")

	back, err := rp.Reproject(p, SRIDWebMercator, SRIDWGS84)
	require.NoError(t, err)
	assert.InDelta(t, 180, back.(orb.Point)[0], 1e-9)

	same, err := rp.Reproject(src, 2154, 2154)
	require.NoError(t, err)
	assert.Equal(t, src, same)

	_, err = rp.Reproject(src, SRIDWGS84, 2154)
	assert.True(t, errors.Is(err, ErrUnsupported))
	assert.False(t, math.IsNaN(p[0]))
}

func TestErrors_Sentinels(t *testing.T) {
	conflict := &ConcurrencyConflict{EntityType: "parcels", EntityID: 1, Expected: CounterToken(1), Actual: CounterToken(2)}
	assert.ErrorIs(t, conflict, ErrConcurrencyConflict)
	assert.Contains(t, conflict.Error(), "counter:")

	transient := &TransientError{Op: "query", Err: errors.New("deadlock")}
	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(&PermanentError{Op: "query", Err: errors.New("syntax")}))

	assert.ErrorIs(t, &NotFoundError{EntityType: "parcels", EntityID: 1}, ErrNotFound)
	assert.ErrorIs(t, &UnknownPropertyError{Property: "x"}, ErrUnknownProperty)
}
