// Copyright (c) 2025, the fonoteka contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/rs/zerolog/log"

	"github.com/fonoteka/fonoteka/internal/dbinterface"
)

// CacheKind partitions the offline cache by payload type.
type CacheKind string

const (
	CacheKindSearch   CacheKind = "search"
	CacheKindCategory CacheKind = "category"
	CacheKindDetail   CacheKind = "detail"
)

// CachedPayload is one stored result. Staleness is informational: TryServe
// never rejects an entry for being old, because degraded-but-present beats
// absent when the tracker is down.
type CachedPayload struct {
	Key      string
	Kind     CacheKind
	Payload  []byte
	Label    string
	StoredAt time.Time
	HitCount int64
}

// Age returns how stale the payload is.
func (p *CachedPayload) Age(now time.Time) time.Duration {
	return now.Sub(p.StoredAt)
}

// OfflineCacheStats summarizes the cache for observability.
type OfflineCacheStats struct {
	CountsByKind    map[CacheKind]int64 `json:"countsByKind"`
	TotalEntries    int64               `json:"totalEntries"`
	ApproxSizeBytes int64               `json:"approxSizeBytes"`
	LastUpdated     *time.Time          `json:"lastUpdated,omitempty"`
}

// OfflineCacheStore persists the last successful payload per (kind, key).
// Writes to distinct keys are independent; the sqlite upsert makes each
// per-key write atomic.
type OfflineCacheStore struct {
	db dbinterface.Querier
}

func NewOfflineCacheStore(db dbinterface.Querier) *OfflineCacheStore {
	return &OfflineCacheStore{db: db}
}

// Record overwrites any prior cached entry for (kind, key). The label is a
// human-readable handle (the search query, category title) used for fuzzy
// lookups while offline.
func (s *OfflineCacheStore) Record(ctx context.Context, kind CacheKind, key, label string, payload []byte) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("cache key cannot be empty")
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload cannot be empty")
	}

	const query = `
		INSERT INTO offline_cache (cache_key, kind, payload, label, stored_at, hit_count)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(kind, cache_key) DO UPDATE SET
			payload = excluded.payload,
			label = excluded.label,
			stored_at = excluded.stored_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, string(kind), payload, label, time.Now().UTC()); err != nil {
		return fmt.Errorf("record offline cache entry: %w", err)
	}
	return nil
}

// TryServe returns the cached entry for (kind, key) if one exists, regardless
// of age.
func (s *OfflineCacheStore) TryServe(ctx context.Context, kind CacheKind, key string) (*CachedPayload, bool, error) {
	const query = `
		SELECT payload, label, stored_at, hit_count
		FROM offline_cache
		WHERE kind = ? AND cache_key = ?
	`

	entry := &CachedPayload{Key: key, Kind: kind}
	err := s.db.QueryRowContext(ctx, query, string(kind), key).
		Scan(&entry.Payload, &entry.Label, &entry.StoredAt, &entry.HitCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fetch offline cache entry: %w", err)
	}

	s.touch(ctx, kind, key)
	return entry, true, nil
}

// TryServeNearest falls back to the best fuzzy label match within a kind when
// the exact key misses. Useful for offline searches where the user retypes a
// query slightly differently.
func (s *OfflineCacheStore) TryServeNearest(ctx context.Context, kind CacheKind, label string) (*CachedPayload, bool, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, false, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT cache_key, label FROM offline_cache WHERE kind = ?`, string(kind))
	if err != nil {
		return nil, false, fmt.Errorf("list offline cache labels: %w", err)
	}
	defer rows.Close()

	var keys, labels []string
	for rows.Next() {
		var key, lbl string
		if err := rows.Scan(&key, &lbl); err != nil {
			return nil, false, fmt.Errorf("scan offline cache label: %w", err)
		}
		keys = append(keys, key)
		labels = append(labels, lbl)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate offline cache labels: %w", err)
	}

	ranks := fuzzy.RankFindNormalizedFold(label, labels)
	if len(ranks) == 0 {
		return nil, false, nil
	}

	best := ranks[0]
	for _, r := range ranks[1:] {
		if r.Distance < best.Distance {
			best = r
		}
	}

	log.Debug().Str("wanted", label).Str("matched", best.Target).Msg("serving nearest offline cache entry")
	return s.TryServe(ctx, kind, keys[best.OriginalIndex])
}

// Statistics returns per-kind counts, approximate storage size and the newest
// stored-at timestamp.
func (s *OfflineCacheStore) Statistics(ctx context.Context) (*OfflineCacheStats, error) {
	stats := &OfflineCacheStats{CountsByKind: make(map[CacheKind]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), MAX(stored_at)
		FROM offline_cache
		GROUP BY kind
	`)
	if err != nil {
		return nil, fmt.Errorf("offline cache stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			kind   string
			count  int64
			size   int64
			newest sql.NullTime
		)
		if err := rows.Scan(&kind, &count, &size, &newest); err != nil {
			return nil, fmt.Errorf("scan offline cache stats: %w", err)
		}
		stats.CountsByKind[CacheKind(kind)] = count
		stats.TotalEntries += count
		stats.ApproxSizeBytes += size
		if newest.Valid {
			t := newest.Time.UTC()
			if stats.LastUpdated == nil || t.After(*stats.LastUpdated) {
				stats.LastUpdated = &t
			}
		}
	}
	return stats, rows.Err()
}

// Clear removes every cached entry.
func (s *OfflineCacheStore) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM offline_cache`)
	if err != nil {
		return 0, fmt.Errorf("clear offline cache: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear offline cache rows affected: %w", err)
	}
	return deleted, nil
}

func (s *OfflineCacheStore) touch(ctx context.Context, kind CacheKind, key string) {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE offline_cache SET hit_count = hit_count + 1, last_used_at = ? WHERE kind = ? AND cache_key = ?`,
		time.Now().UTC(), string(kind), key,
	); err != nil {
		log.Error().Err(err).Str("kind", string(kind)).Str("key", key).Msg("offline cache touch failed")
	}
}
