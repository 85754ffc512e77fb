package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/calc-costs/internal/model"
)

func openStores(t *testing.T) map[string]CostStore {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	sqliteStore, err := Open(logger, "sqlite", filepath.Join(dir, "costs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	boltStore, err := Open(logger, "bolt", filepath.Join(dir, "costs.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { boltStore.Close() })

	return map[string]CostStore{
		"SQLite": sqliteStore,
		"Bolt":   boltStore,
	}
}

func TestCostStore_StoreAndLoad(t *testing.T) {
	base := time.Unix(0, 1_700_000_000_000_000_000)

	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Load(ctx, "default", "fn", nil)
			require.ErrorIs(t, err, ErrNotFound)

			first, err := store.Store(ctx, &model.FunctionCostDocument{
				Configuration:  "default",
				FunctionID:     "fn",
				InvocationCost: 100,
				DataInputCost:  10,
				DataOutputCost: 20,
				LastUpdate:     base,
			})
			require.NoError(t, err)
			assert.NotEmpty(t, first.Version)

			second, err := store.Store(ctx, &model.FunctionCostDocument{
				Configuration:  "default",
				FunctionID:     "fn",
				InvocationCost: 200,
				DataInputCost:  11,
				DataOutputCost: 21,
				LastUpdate:     base.Add(time.Minute),
				Version:        first.Version,
			})
			require.NoError(t, err)
			assert.NotEqual(t, first.Version, second.Version)

			latest, err := store.Load(ctx, "default", "fn", nil)
			require.NoError(t, err)
			assert.Equal(t, 200.0, latest.InvocationCost)
			assert.Equal(t, 11.0, latest.DataInputCost)
			assert.Equal(t, 21.0, latest.DataOutputCost)
			assert.Equal(t, second.Version, latest.Version)
			assert.True(t, latest.LastUpdate.Equal(base.Add(time.Minute)))

			asOf := base.Add(30 * time.Second)
			older, err := store.Load(ctx, "default", "fn", &asOf)
			require.NoError(t, err)
			assert.Equal(t, 100.0, older.InvocationCost)
			assert.Equal(t, first.Version, older.Version)

			exact := base
			older, err = store.Load(ctx, "default", "fn", &exact)
			require.NoError(t, err)
			assert.Equal(t, 100.0, older.InvocationCost)

			tooEarly := base.Add(-time.Second)
			_, err = store.Load(ctx, "default", "fn", &tooEarly)
			require.ErrorIs(t, err, ErrNotFound)

			// Keys are separated by configuration
			_, err = store.Load(ctx, "other", "fn", nil)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCostStore_RejectsIncompleteDocuments(t *testing.T) {
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Store(context.Background(), &model.FunctionCostDocument{FunctionID: "fn"})
			require.Error(t, err)

			_, err = store.Store(context.Background(), nil)
			require.Error(t, err)
		})
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(zaptest.NewLogger(t), "postgres", filepath.Join(t.TempDir(), "x"))
	require.Error(t, err)
}

func TestSQLiteCostStore_HistoryAndPrune(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteCostStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "costs.db"))
	require.NoError(t, err)
	defer store.Close()

	base := time.Unix(0, 1_700_000_000_000_000_000)
	for i := 0; i < 3; i++ {
		_, err := store.Store(ctx, &model.FunctionCostDocument{
			Configuration:  "default",
			FunctionID:     "fn",
			InvocationCost: float64(i + 1),
			LastUpdate:     base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	_, err = store.Store(ctx, &model.FunctionCostDocument{
		Configuration: "default",
		FunctionID:    model.MeanFunctionID,
		LastUpdate:    base,
	})
	require.NoError(t, err)

	history, err := store.History(ctx, "default", "fn", 10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 3.0, history[0].InvocationCost)
	assert.Equal(t, 1.0, history[2].InvocationCost)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	deleted, err := store.DeleteBefore(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	latest, err := store.Load(ctx, "default", "fn", nil)
	require.NoError(t, err)
	assert.Equal(t, 3.0, latest.InvocationCost)

	mean, err := store.Load(ctx, "default", model.MeanFunctionID, nil)
	require.NoError(t, err)
	assert.Equal(t, model.MeanFunctionID, mean.FunctionID)
}

func TestCostStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	for _, driver := range []string{"sqlite", "bolt"} {
		t.Run(driver, func(t *testing.T) {
			path := filepath.Join(dir, "reopen-"+driver)

			store, err := Open(logger, driver, path)
			require.NoError(t, err)
			_, err = store.Store(ctx, &model.FunctionCostDocument{
				Configuration:  "default",
				FunctionID:     "fn",
				InvocationCost: 42,
				LastUpdate:     time.Now(),
			})
			require.NoError(t, err)
			require.NoError(t, store.Close())

			store, err = Open(logger, driver, path)
			require.NoError(t, err)
			defer store.Close()

			doc, err := store.Load(ctx, "default", "fn", nil)
			require.NoError(t, err)
			assert.Equal(t, 42.0, doc.InvocationCost)
		})
	}
}
