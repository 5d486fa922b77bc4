package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/featurestore/pkg/feature"
)

func rename(rec feature.Record, name string) feature.Record {
	return feature.Record{
		ID:         rec.ID,
		Version:    rec.Version,
		Attributes: []feature.Attribute{{Name: "name", Value: name}},
	}
}

func TestUpdate_AdvancesVersion(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.create(t, "a", 1, orb.Point{1, 1})

	upd := rename(rec, "a2")
	upd.Geometry = orb.Point{5, 6}
	got, err := f.e.Update(context.Background(), "parcels", upd)
	require.NoError(t, err)
	assert.Equal(t, "a2", attr(t, got, "name"))
	assert.Equal(t, int64(1), attr(t, got, "population"), "unassigned attributes are kept")
	assert.Equal(t, orb.Point{5, 6}, got.Geometry)
	assert.False(t, got.Version.Equal(rec.Version))

	_, err = f.e.Update(context.Background(), "parcels", rename(rec, "stale"))
	var conflict *feature.ConcurrencyConflict
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Actual.Equal(got.Version))
	assert.True(t, conflict.Expected.Equal(rec.Version))
}

func TestUpdate_ConcurrentWritersFromSameVersion(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.create(t, "a", 1, orb.Point{1, 1})
	v1 := rec.Version

	var (
		wg      sync.WaitGroup
		results [2]feature.Record
		errs    [2]error
	)
	for i, name := range []string{"left", "right"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.e.Update(context.Background(), "parcels", rename(rec, name))
		}()
	}
	wg.Wait()

	var ok, conflicts int
	var winner feature.Record
	var conflict *feature.ConcurrencyConflict
	for i, err := range errs {
		switch {
		case err == nil:
			ok++
			winner = results[i]
		case errors.As(err, &conflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, conflicts)
	assert.False(t, conflict.Actual.Equal(v1))
	assert.True(t, conflict.Actual.Equal(winner.Version))

	// токен из конфликта пригоден для повтора
	retry := rename(rec, "retried")
	retry.Version = conflict.Actual
	_, err := f.e.Update(context.Background(), "parcels", retry)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.e.metrics.conflicts.WithLabelValues("parcels")))
}

func TestUpdate_LastWriterWinsWithoutToken(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.create(t, "a", 1, orb.Point{1, 1})

	for _, name := range []string{"b", "c"} {
		upd := rename(rec, name)
		upd.Version = feature.VersionToken{}
		_, err := f.e.Update(context.Background(), "parcels", upd)
		require.NoError(t, err)
	}
	got, err := f.e.GetByID(context.Background(), "parcels", rec.ID, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "c", attr(t, got, "name"))
}

func TestUpdate_StrictMode(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.Strict = true })
	ctx := context.Background()
	a := f.create(t, "a", 1, orb.Point{1, 1})
	b := f.create(t, "b", 2, orb.Point{2, 2})

	noToken := rename(a, "x")
	noToken.Version = feature.VersionToken{}
	_, err := f.e.Update(ctx, "parcels", noToken)
	assert.ErrorIs(t, err, feature.ErrPreconditionRequired)

	_, err = f.e.SoftDelete(ctx, "parcels", a.ID, DeleteOptions{Actor: "alice"})
	assert.ErrorIs(t, err, feature.ErrPreconditionRequired)
	assert.ErrorIs(t, f.e.HardDelete(ctx, "parcels", a.ID, DeleteOptions{}), feature.ErrPreconditionRequired)

	// подделанный токен без подписи
	forged := rename(a, "x")
	forged.Version = feature.CounterToken(1)
	_, err = f.e.Update(ctx, "parcels", forged)
	assert.ErrorIs(t, err, feature.ErrInvalidVersionToken)

	// токен другой сущности
	foreign := rename(a, "x")
	foreign.Version = b.Version
	_, err = f.e.Update(ctx, "parcels", foreign)
	assert.ErrorIs(t, err, feature.ErrInvalidVersionToken)

	// токен, подписанный другим ключом
	other := feature.NewTokenSealer([]byte("another-key"))
	alien := rename(a, "x")
	alien.Version = other.Seal("parcels", a.ID, a.Version.Unsealed())
	_, err = f.e.Update(ctx, "parcels", alien)
	assert.ErrorIs(t, err, feature.ErrInvalidVersionToken)

	got, err := f.e.Update(ctx, "parcels", rename(a, "x"))
	require.NoError(t, err)
	assert.Equal(t, "x", attr(t, got, "name"))
}

func TestUpdate_TokenSurvivesSerialization(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.Strict = true })
	rec := f.create(t, "a", 1, orb.Point{1, 1})

	tok, err := feature.ParseVersionToken(rec.Version.String())
	require.NoError(t, err)
	upd := rename(rec, "b")
	upd.Version = tok
	_, err = f.e.Update(context.Background(), "parcels", upd)
	require.NoError(t, err)
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.e.Update(ctx, "parcels", feature.Record{ID: 42, Attributes: []feature.Attribute{{Name: "name", Value: "x"}}})
	assert.ErrorIs(t, err, feature.ErrNotFound)

	rec := f.create(t, "a", 1, orb.Point{1, 1})
	deleted, err := f.e.SoftDelete(ctx, "parcels", rec.ID, DeleteOptions{Actor: "alice", Version: rec.Version})
	require.NoError(t, err)

	_, err = f.e.Update(ctx, "parcels", rename(deleted, "x"))
	assert.ErrorIs(t, err, feature.ErrNotFound, "soft-deleted entity is not updatable")

	_, err = f.e.Update(ctx, "parcels", feature.Record{ID: rec.ID})
	assert.ErrorIs(t, err, feature.ErrInvalidQuery, "nothing to update")
}

func TestUpdate_RejectsEngineColumns(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := f.create(t, "a", 1, orb.Point{1, 1})

	upd := rename(rec, "x")
	upd.Attributes = append(upd.Attributes, feature.Attribute{Name: "row_version", Value: 100})
	_, err := f.e.Update(context.Background(), "parcels", upd)
	assert.ErrorIs(t, err, feature.ErrInvalidQuery)
}
