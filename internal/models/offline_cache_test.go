// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineCacheStore_RecordAndServe(t *testing.T) {
	store := NewOfflineCacheStore(testDB(t))
	ctx := context.Background()

	payload := []byte(`[{"topicId":42,"title":"Test Audiobook"}]`)
	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:1", "test audiobook", payload))

	got, ok, err := store.TryServe(ctx, CacheKindSearch, "q:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, payload, got.Payload)
	assert.Equal(t, "test audiobook", got.Label)
	assert.Equal(t, CacheKindSearch, got.Kind)
	assert.False(t, got.StoredAt.IsZero())
}

func TestOfflineCacheStore_StalenessNeverRejects(t *testing.T) {
	db := testDB(t)
	store := NewOfflineCacheStore(db)
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:old", "old query", []byte("payload")))
	// Backdate the entry far past any reasonable freshness window.
	_, err := db.ExecContext(ctx,
		`UPDATE offline_cache SET stored_at = ? WHERE cache_key = ?`,
		time.Now().Add(-90*24*time.Hour).UTC(), "q:old")
	require.NoError(t, err)

	got, ok, err := store.TryServe(ctx, CacheKindSearch, "q:old")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, got.Age(time.Now()), 89*24*time.Hour)
}

func TestOfflineCacheStore_RecordOverwrites(t *testing.T) {
	store := NewOfflineCacheStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:1", "query", []byte("old")))
	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:1", "query", []byte("new")))

	got, ok, err := store.TryServe(ctx, CacheKindSearch, "q:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got.Payload)
}

func TestOfflineCacheStore_KindsAreIndependent(t *testing.T) {
	store := NewOfflineCacheStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, CacheKindSearch, "shared-key", "a", []byte("search")))
	require.NoError(t, store.Record(ctx, CacheKindDetail, "shared-key", "b", []byte("detail")))

	search, ok, err := store.TryServe(ctx, CacheKindSearch, "shared-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("search"), search.Payload)

	detail, ok, err := store.TryServe(ctx, CacheKindDetail, "shared-key")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("detail"), detail.Payload)
}

func TestOfflineCacheStore_Miss(t *testing.T) {
	store := NewOfflineCacheStore(testDB(t))

	_, ok, err := store.TryServe(context.Background(), CacheKindSearch, "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOfflineCacheStore_HitCount(t *testing.T) {
	store := NewOfflineCacheStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:1", "query", []byte("payload")))

	first, _, err := store.TryServe(ctx, CacheKindSearch, "q:1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.HitCount)

	second, _, err := store.TryServe(ctx, CacheKindSearch, "q:1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.HitCount)
}

func TestOfflineCacheStore_TryServeNearest(t *testing.T) {
	store := NewOfflineCacheStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:1", "мастер и маргарита", []byte("bulgakov")))
	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:2", "пикник на обочине", []byte("strugatsky")))

	got, ok, err := store.TryServeNearest(ctx, CacheKindSearch, "Мастер и Маргарита")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("bulgakov"), got.Payload)

	_, ok, err = store.TryServeNearest(ctx, CacheKindSearch, "completely unrelated request")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOfflineCacheStore_Statistics(t *testing.T) {
	store := NewOfflineCacheStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:1", "a", []byte("12345")))
	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:2", "b", []byte("123")))
	require.NoError(t, store.Record(ctx, CacheKindDetail, "t:1", "c", []byte("1234567890")))

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalEntries)
	assert.Equal(t, int64(2), stats.CountsByKind[CacheKindSearch])
	assert.Equal(t, int64(1), stats.CountsByKind[CacheKindDetail])
	assert.Equal(t, int64(18), stats.ApproxSizeBytes)
	require.NotNil(t, stats.LastUpdated)
	assert.WithinDuration(t, time.Now(), *stats.LastUpdated, time.Minute)
}

func TestOfflineCacheStore_Clear(t *testing.T) {
	store := NewOfflineCacheStore(testDB(t))
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, CacheKindSearch, "q:1", "a", []byte("x")))
	require.NoError(t, store.Record(ctx, CacheKindDetail, "t:1", "b", []byte("y")))

	deleted, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	stats, err := store.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalEntries)
}

func TestOfflineCacheStore_RejectsEmpty(t *testing.T) {
	store := NewOfflineCacheStore(testDB(t))
	ctx := context.Background()

	assert.Error(t, store.Record(ctx, CacheKindSearch, "", "label", []byte("x")))
	assert.Error(t, store.Record(ctx, CacheKindSearch, "key", "label", nil))
}
