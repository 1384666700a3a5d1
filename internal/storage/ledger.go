package storage

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) InsertLedgerEntry(ctx context.Context, e LedgerEntry) error {
	q := s.sql.Insert("chat_message_created").
		Columns("user_id", "tech_id", "sent_by_ai", "input_tokens", "output_tokens", "cost_cents").
		Values(e.UserID, e.TechID, e.SentByAI, e.InputTokens, e.OutputTokens, e.CostCents)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build ledger insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

// SumLedgerCostSince aggregates a user's spend in cents over the trailing
// window, for quota accounting by the surrounding API layer.
func (s *Store) SumLedgerCostSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	q := s.sql.Select("COALESCE(SUM(cost_cents), 0)").
		From("chat_message_created").
		Where(sq.And{
			sq.Eq{"user_id": userID},
			sq.GtOrEq{"created_at": since.UTC()},
		})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build ledger sum query: %w", err)
	}
	var cents int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&cents); err != nil {
		return 0, fmt.Errorf("sum ledger cost: %w", err)
	}
	return cents, nil
}

// CountLedgerEntriesSince counts a user's turns in the trailing window.
func (s *Store) CountLedgerEntriesSince(ctx context.Context, userID string, since time.Time) (int, error) {
	q := s.sql.Select("COUNT(*)").
		From("chat_message_created").
		Where(sq.And{
			sq.Eq{"user_id": userID},
			sq.GtOrEq{"created_at": since.UTC()},
		})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build ledger count query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return n, nil
}
