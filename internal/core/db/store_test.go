package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkirchmann/ProductionPilot/internal/opc"
	"github.com/fkirchmann/ProductionPilot/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	conn, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	_, err = MigrateUp(ctx, conn)
	require.NoError(t, err)

	store, err := NewStore(conn)
	require.NoError(t, err)
	return store
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer conn.Close()

	assert.ErrorIs(t, RequireMigrated(ctx, conn), ErrMigrationsPending)

	applied, err := MigrateUp(ctx, conn)
	require.NoError(t, err)
	assert.NotEmpty(t, applied)

	applied, err = MigrateUp(ctx, conn)
	require.NoError(t, err)
	assert.Empty(t, applied)

	assert.NoError(t, RequireMigrated(ctx, conn))
}

func TestParameterLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	created, err := store.CreateParameter(ctx, types.Parameter{
		Name:        "Oven temperature",
		Identifier:  "oven.temp",
		NodeAddress: "ns=2;s=Oven/Temperature",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, types.DefaultSamplingInterval, created.SamplingInterval)

	got, err := store.GetParameter(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
	assert.Equal(t, created.NodeAddress, got.NodeAddress)
	assert.True(t, got.CreatedAt.Equal(created.CreatedAt))

	byIdentifier, err := store.FindParameter(ctx, "oven.temp")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byIdentifier.ID)

	byID, err := store.FindParameter(ctx, string(created.ID))
	require.NoError(t, err)
	assert.Equal(t, created.ID, byID.ID)

	got.SamplingInterval = 250 * time.Millisecond
	got.Description = "zone 1"
	updated, err := store.UpdateParameter(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, updated.SamplingInterval)
	assert.Equal(t, "zone 1", updated.Description)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))

	require.NoError(t, store.DeleteParameter(ctx, created.ID))

	_, err = store.GetParameter(ctx, created.ID)
	assert.ErrorIs(t, err, types.ErrParameterNotFound)

	err = store.DeleteParameter(ctx, created.ID)
	assert.ErrorIs(t, err, types.ErrParameterNotFound)

	params, err := store.ListParameters(ctx)
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestCreateParameterValidates(t *testing.T) {
	store := openTestStore(t)

	_, err := store.CreateParameter(context.Background(), types.Parameter{
		Name:             "fast",
		NodeAddress:      "ns=2;i=1",
		SamplingInterval: time.Millisecond,
	})
	assert.ErrorIs(t, err, types.ErrSamplingIntervalTooShort)
}

func TestIdentifierIsUniqueAmongLiveParameters(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	p := types.Parameter{Name: "a", Identifier: "line.speed", NodeAddress: "ns=2;i=7"}

	first, err := store.CreateParameter(ctx, p)
	require.NoError(t, err)

	_, err = store.CreateParameter(ctx, p)
	assert.Error(t, err)

	// a deleted parameter releases its identifier
	require.NoError(t, store.DeleteParameter(ctx, first.ID))
	_, err = store.CreateParameter(ctx, p)
	assert.NoError(t, err)
}

func TestUpdateMissingParameter(t *testing.T) {
	store := openTestStore(t)
	_, err := store.UpdateParameter(context.Background(), types.Parameter{
		ID:               types.NewParameterID(),
		Name:             "ghost",
		NodeAddress:      "ns=2;i=1",
		SamplingInterval: time.Second,
	})
	assert.True(t, errors.Is(err, types.ErrParameterNotFound))
}

func TestListParametersOrdersByName(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for _, name := range []string{"b", "c", "a"} {
		_, err := store.CreateParameter(ctx, types.Parameter{Name: name, NodeAddress: "ns=2;i=1"})
		require.NoError(t, err)
	}

	params, err := store.ListParameters(ctx)
	require.NoError(t, err)
	require.Len(t, params, 3)
	assert.Equal(t, "a", params[0].Name)
	assert.Equal(t, "b", params[1].Name)
	assert.Equal(t, "c", params[2].Name)
}

func TestMeasurements(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	p, err := store.CreateParameter(ctx, types.Parameter{Name: "p", NodeAddress: "ns=2;i=1"})
	require.NoError(t, err)

	last, err := store.LastMeasurement(ctx, p.ID)
	require.NoError(t, err)
	assert.Nil(t, last)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	values := []*opc.MeasuredValue{
		{Value: opc.DoubleValue(21.5), SourceTime: base, ClientTime: base.Add(10 * time.Millisecond)},
		{Value: opc.IntegerValue(-4), ClientTime: base.Add(time.Second)},
		{Value: opc.StringValue("running"), ServerTime: base.Add(2 * time.Second), ClientTime: base.Add(2 * time.Second)},
	}
	for _, v := range values {
		m, err := store.PersistMeasurement(ctx, p.ID, v)
		require.NoError(t, err)
		assert.NotZero(t, m.ID)
	}

	n, err := store.CountMeasurements(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	last, err = store.LastMeasurement(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "running", last.Value())
	assert.Nil(t, last.SourceTime)
	require.NotNil(t, last.ServerTime)
	assert.True(t, last.ServerTime.Equal(base.Add(2*time.Second)))
	assert.True(t, last.ClientTime.Equal(base.Add(2*time.Second)))

	list, err := store.ListMeasurements(ctx, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "running", list[0].Value())
	assert.Equal(t, int64(-4), list[1].Value())
}

func TestMeasurementFrom(t *testing.T) {
	id := types.NewParameterID()
	local := time.FixedZone("CET", 3600)
	at := time.Date(2024, 3, 1, 13, 0, 0, 0, local)

	tests := []struct {
		name  string
		value opc.Value
		want  any
	}{
		{"double", opc.DoubleValue(1.5), 1.5},
		{"integer", opc.IntegerValue(7), int64(7)},
		{"boolean", opc.BooleanValue(true), true},
		{"string", opc.StringValue("x"), "x"},
		{"null", opc.Value{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := MeasurementFrom(id, &opc.MeasuredValue{
				Status:     opc.StatusGood,
				Value:      tt.value,
				ClientTime: at,
			})
			assert.Equal(t, tt.want, m.Value())
			assert.Equal(t, time.UTC, m.ClientTime.Location())
			assert.Nil(t, m.SourceTime)
			assert.Nil(t, m.ServerTime)
		})
	}
}
