package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

func (s *Store) InsertMessage(ctx context.Context, m ChatMessage) error {
	// created_at is set here rather than by the column default: the default
	// has second precision on sqlite, and both sides of one turn land within
	// the same second.
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	q := s.sql.Insert("chat_messages").
		Columns("id", "session_id", "from_participant_id", "to_participant_id", "sent_by_ai", "content", "is_encrypted", "created_at").
		Values(m.ID, m.SessionID, m.FromParticipantID, m.ToParticipantID, m.SentByAI, m.Content, m.IsEncrypted, m.CreatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build message insert query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ListMessages returns the session's messages in creation order, optionally
// only those after the message with afterID. Order and the after filter use
// the (created_at, id) tuple so equal timestamps never hide rows.
func (s *Store) ListMessages(ctx context.Context, sessionID, afterID string) ([]ChatMessage, error) {
	where := sq.And{sq.Eq{"session_id": sessionID}}
	if afterID != "" {
		after, err := s.getMessage(ctx, afterID)
		if err != nil {
			return nil, err
		}
		where = append(where, sq.Or{
			sq.Gt{"created_at": after.CreatedAt},
			sq.And{sq.Eq{"created_at": after.CreatedAt}, sq.Gt{"id": after.ID}},
		})
	}

	q := s.sql.Select("id", "session_id", "from_participant_id", "to_participant_id", "sent_by_ai", "content", "is_encrypted", "created_at").
		From("chat_messages").
		Where(where).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]ChatMessage, 0)
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.FromParticipantID, &m.ToParticipantID, &m.SentByAI, &m.Content, &m.IsEncrypted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// RewriteMessageContent repairs the stored content of one message, e.g.
// after a decryption fix. Message semantics are never edited this way.
func (s *Store) RewriteMessageContent(ctx context.Context, messageID, content string, isEncrypted bool) error {
	q := s.sql.Update("chat_messages").
		Set("content", content).
		Set("is_encrypted", isEncrypted).
		Where(sq.Eq{"id": messageID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build rewrite message query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("rewrite message content: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) getMessage(ctx context.Context, messageID string) (ChatMessage, error) {
	q := s.sql.Select("id", "session_id", "from_participant_id", "to_participant_id", "sent_by_ai", "content", "is_encrypted", "created_at").
		From("chat_messages").
		Where(sq.Eq{"id": messageID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatMessage{}, fmt.Errorf("build message query: %w", err)
	}
	var m ChatMessage
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&m.ID, &m.SessionID, &m.FromParticipantID, &m.ToParticipantID, &m.SentByAI, &m.Content, &m.IsEncrypted, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatMessage{}, ErrNotFound
		}
		return ChatMessage{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}
