package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()

	store, err := Open(Options{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreReadMissing(t *testing.T) {
	store := openTestStore(t)

	record, err := store.Read(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestStoreWriteReadDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	err := store.Write(ctx, "u1", Record{
		UserID:             "u1",
		PageID:             "p1",
		LastEventTimestamp: 42,
		Extra:              map[string]json.RawMessage{"locale": json.RawMessage(`"en_US"`)},
	}, time.Hour)
	require.NoError(t, err)

	record, err := store.Read(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "u1", record.UserID)
	assert.Equal(t, "p1", record.PageID)
	assert.Equal(t, int64(42), record.LastEventTimestamp)
	assert.JSONEq(t, `"en_US"`, string(record.Extra["locale"]))

	other, err := store.Read(ctx, "u2")
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, store.Delete(ctx, "u1"))
	record, err = store.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, record)

	assert.NoError(t, store.Delete(ctx, "never-written"))
}

func TestStoreClosed(t *testing.T) {
	store, err := Open(Options{InMemory: true}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Read(context.Background(), "u1")
	assert.Error(t, err)
	assert.Error(t, store.Write(context.Background(), "u1", Record{}, time.Hour))
}

func TestStoreHonorsCanceledContext(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Read(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergeKeepsKnownIdentifiers(t *testing.T) {
	prev := &Record{
		UserID:             "u1",
		PageID:             "p1",
		LastEventTimestamp: 10,
		Extra:              map[string]json.RawMessage{"a": json.RawMessage(`1`)},
	}

	merged := Merge(prev, Record{LastEventTimestamp: 20, Extra: map[string]json.RawMessage{"b": json.RawMessage(`2`)}})

	assert.Equal(t, "u1", merged.UserID)
	assert.Equal(t, "p1", merged.PageID)
	assert.Equal(t, int64(20), merged.LastEventTimestamp)
	assert.Len(t, merged.Extra, 2)
	assert.Len(t, prev.Extra, 1, "merge must not mutate the prior record")

	merged = Merge(prev, Record{UserID: "u9"})
	assert.Equal(t, "u9", merged.UserID)
	assert.Equal(t, int64(10), merged.LastEventTimestamp)
}

func TestMergeWithoutPrior(t *testing.T) {
	merged := Merge(nil, Record{UserID: "u1"})
	assert.Equal(t, Record{UserID: "u1"}, merged)
}

func TestRecordJSONKeepsOpaqueFields(t *testing.T) {
	var record Record
	require.NoError(t, json.Unmarshal([]byte(`{"userId":"u1","lastEventTimestamp":5,"custom":{"x":true}}`), &record))

	assert.Equal(t, "u1", record.UserID)
	assert.Empty(t, record.PageID)
	assert.Equal(t, int64(5), record.LastEventTimestamp)
	require.Contains(t, record.Extra, "custom")

	data, err := json.Marshal(record)
	require.NoError(t, err)
	assert.JSONEq(t, `{"userId":"u1","lastEventTimestamp":5,"custom":{"x":true}}`, string(data))
}
