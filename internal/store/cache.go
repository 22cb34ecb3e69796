package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cap2cal/internal/event"
)

// CachedPatch returns a stored enrichment patch for key, or nil when there is
// none or it has expired.
func (s *Store) CachedPatch(ctx context.Context, key string) (*event.Patch, error) {
	var (
		payload string
		expires int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT patch_json, expires_at FROM enrichment_cache WHERE cache_key = ?`, key,
	).Scan(&payload, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read enrichment cache: %w", err)
	}
	if expires <= s.now().Unix() {
		return nil, nil
	}
	var patch event.Patch
	if err := json.Unmarshal([]byte(payload), &patch); err != nil {
		return nil, fmt.Errorf("decode cached patch: %w", err)
	}
	if patch.Tags == nil {
		patch.Tags = []string{}
	}
	return &patch, nil
}

// CachePatch stores patch under key for ttl, replacing any previous entry.
func (s *Store) CachePatch(ctx context.Context, key string, patch event.Patch, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	now := s.now()
	_, err = s.execWithRetry(ctx, `INSERT INTO enrichment_cache (cache_key, patch_json, created_at, expires_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(cache_key) DO UPDATE SET
            patch_json = excluded.patch_json,
            created_at = excluded.created_at,
            expires_at = excluded.expires_at`,
		key,
		string(payload),
		now.Format(time.RFC3339Nano),
		now.Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("write enrichment cache: %w", err)
	}
	return nil
}

// PurgeExpiredCache deletes expired cache entries and reports how many went.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM enrichment_cache WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("purge enrichment cache: %w", err)
	}
	return res.RowsAffected()
}
