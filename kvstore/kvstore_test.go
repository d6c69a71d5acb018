package kvstore

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/tee-workorder-manager/interfaces"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStoreContract(t *testing.T, store interfaces.QueueStore) {
	t.Helper()
	ctx := context.Background()

	// Missing keys report ErrKeyNotFound.
	_, err := store.Get(ctx, interfaces.RequestsTable, "missing")
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	// Set then Get round-trips.
	require.NoError(t, store.Set(ctx, interfaces.RequestsTable, "wo-1", `{"workOrderId":"wo-1"}`))
	value, err := store.Get(ctx, interfaces.RequestsTable, "wo-1")
	require.NoError(t, err)
	require.Equal(t, `{"workOrderId":"wo-1"}`, value)

	// Overwrite replaces the value.
	require.NoError(t, store.Set(ctx, interfaces.RequestsTable, "wo-1", "updated"))
	value, err = store.Get(ctx, interfaces.RequestsTable, "wo-1")
	require.NoError(t, err)
	require.Equal(t, "updated", value)

	// Tables are independent.
	_, err = store.Get(ctx, interfaces.ScheduledTable, "wo-1")
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	// Lookup returns the live keys.
	require.NoError(t, store.Set(ctx, interfaces.RequestsTable, "wo-2", "v2"))
	keys, err := store.Lookup(ctx, interfaces.RequestsTable)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"wo-1", "wo-2"}, keys)

	// Lookup on an empty table is empty, not an error.
	keys, err = store.Lookup(ctx, interfaces.ProcessingTable)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Remove drops the key; removing it again is not an error.
	require.NoError(t, store.Remove(ctx, interfaces.RequestsTable, "wo-1"))
	_, err = store.Get(ctx, interfaces.RequestsTable, "wo-1")
	require.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	require.NoError(t, store.Remove(ctx, interfaces.RequestsTable, "wo-1"))

	assert.True(t, store.Available(ctx))
	assert.NotEmpty(t, store.Name())
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)
	testStoreContract(t, store)
}

func TestFileStoreKeysWithPathCharacters(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), discardLogger())
	require.NoError(t, err)
	ctx := context.Background()

	key := "weird/../key name"
	require.NoError(t, store.Set(ctx, interfaces.ReceiptsTable, key, "payload"))

	value, err := store.Get(ctx, interfaces.ReceiptsTable, key)
	require.NoError(t, err)
	assert.Equal(t, "payload", value)

	keys, err := store.Lookup(ctx, interfaces.ReceiptsTable)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)
}

func TestStoreFactory(t *testing.T) {
	factory := NewStoreFactory(discardLogger())

	t.Run("memory", func(t *testing.T) {
		store, err := factory.StoreFor("mem://")
		require.NoError(t, err)
		assert.Equal(t, "memory", store.Name())
	})

	t.Run("file", func(t *testing.T) {
		store, err := factory.StoreFor("file://" + t.TempDir())
		require.NoError(t, err)
		require.NoError(t, store.Set(context.Background(), interfaces.WorkersTable, "w", "v"))
	})

	t.Run("vault", func(t *testing.T) {
		store, err := factory.StoreFor("vault://127.0.0.1:8200/secret/workorders?token=test")
		require.NoError(t, err)
		assert.Equal(t, "vault-secret-workorders", store.Name())
	})

	t.Run("vault missing path", func(t *testing.T) {
		_, err := factory.StoreFor("vault://127.0.0.1:8200/secret")
		require.Error(t, err)
	})

	t.Run("s3", func(t *testing.T) {
		store, err := factory.StoreFor("s3://AKID:SECRET@wo-bucket/fabric?region=eu-west-1")
		require.NoError(t, err)
		assert.Equal(t, "s3-wo-bucket", store.Name())
	})

	t.Run("unsupported scheme", func(t *testing.T) {
		_, err := factory.StoreFor("redis://localhost:6379")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported store scheme")
	})
}
