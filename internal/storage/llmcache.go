package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) GetCacheEntry(ctx context.Context, techID int64, cacheKey string) (CacheEntry, error) {
	q := s.sql.Select("tech_id", "cache_key", "response_json", "created_at").
		From("llm_cache").
		Where(sq.Eq{"tech_id": techID, "cache_key": cacheKey})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return CacheEntry{}, fmt.Errorf("build cache get query: %w", err)
	}
	var e CacheEntry
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&e.TechID, &e.CacheKey, &e.ResponseJSON, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CacheEntry{}, ErrNotFound
		}
		return CacheEntry{}, fmt.Errorf("get cache entry: %w", err)
	}
	return e, nil
}

func (s *Store) SaveCacheEntry(ctx context.Context, techID int64, cacheKey, responseJSON string) error {
	q := s.sql.Insert("llm_cache").
		Columns("tech_id", "cache_key", "response_json").
		Values(techID, cacheKey, responseJSON).
		Suffix("ON CONFLICT(tech_id, cache_key) DO UPDATE SET response_json=excluded.response_json")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build cache save query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("save cache entry: %w", err)
	}
	return nil
}
