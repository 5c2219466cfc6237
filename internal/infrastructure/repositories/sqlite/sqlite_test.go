package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"rtcwatch/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteKeyValueStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "rtcwatch.db")

	store, err := NewSQLiteKeyValueStore(path)
	require.NoError(t, err)

	_, found, err := store.Get(ctx, "tables")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Set(ctx, "tables", []byte(`{"stats":[]}`)))
	require.NoError(t, store.Set(ctx, "tables", []byte(`{"stats":[{"id":"1"}]}`)))

	v, found, err := store.Get(ctx, "tables")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"stats":[{"id":"1"}]}`, string(v))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteKeyValueStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	v, found, err = reopened.Get(ctx, "tables")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, `{"stats":[{"id":"1"}]}`, string(v))
}

func TestBatchSink_DeduplicatesSamples(t *testing.T) {
	ctx := context.Background()
	sink, err := NewBatchSink(filepath.Join(t.TempDir(), "collector.db"))
	require.NoError(t, err)
	defer sink.Close()

	batch := []domain.StatSample{
		{ID: "1-aaaaaa", TabID: "7", Timestamp: 1, Quality: domain.QualityResult{Status: domain.StatusGood}},
		{ID: "2-bbbbbb", TabID: "7", Timestamp: 2, Quality: domain.QualityResult{Status: domain.StatusPoor}},
	}

	first, err := sink.StoreBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Received)
	assert.Equal(t, 2, first.Stored)

	second, err := sink.StoreBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Received)
	assert.Equal(t, 0, second.Stored)
	assert.Greater(t, second.BatchID, first.BatchID)

	summary, err := sink.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Batches)
	assert.Equal(t, 2, summary.Samples)
	assert.Equal(t, 1, summary.ByState["good"])
	assert.Equal(t, 1, summary.ByState["poor"])
	assert.NoError(t, sink.Ping(ctx))
}
