package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// InsertRateEvent appends one dispatch record against a rate-limited API.
// Events are never mutated afterwards.
func (s *Store) InsertRateEvent(ctx context.Context, rateLimitedAPIID int64, at time.Time) error {
	q := s.sql.Insert("rate_limited_api_events").
		Columns("rate_limited_api_id", "created_at").
		Values(rateLimitedAPIID, at.UTC())
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build rate event insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert rate event: %w", err)
	}
	return nil
}

// CountRateEventsSince counts dispatches in the trailing window.
func (s *Store) CountRateEventsSince(ctx context.Context, rateLimitedAPIID int64, since time.Time) (int, error) {
	q := s.sql.Select("COUNT(*)").
		From("rate_limited_api_events").
		Where(sq.And{
			sq.Eq{"rate_limited_api_id": rateLimitedAPIID},
			sq.GtOrEq{"created_at": since.UTC()},
		})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build rate event count query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rate events: %w", err)
	}
	return n, nil
}

// OldestRateEventSince returns the creation time of the oldest event still
// inside the trailing window, for computing how long a limited caller waits.
func (s *Store) OldestRateEventSince(ctx context.Context, rateLimitedAPIID int64, since time.Time) (time.Time, error) {
	q := s.sql.Select("created_at").
		From("rate_limited_api_events").
		Where(sq.And{
			sq.Eq{"rate_limited_api_id": rateLimitedAPIID},
			sq.GtOrEq{"created_at": since.UTC()},
		}).
		OrderBy("created_at ASC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return time.Time{}, fmt.Errorf("build oldest rate event query: %w", err)
	}
	var at time.Time
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("get oldest rate event: %w", err)
	}
	return at, nil
}
