package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// GetOrCreateSession inserts the session and its participants inside one
// transaction when absent. Concurrent callers racing on the same id rely on
// the ON CONFLICT clauses, not on in-process locking.
func (s *Store) GetOrCreateSession(ctx context.Context, session ChatSession, participants []ChatParticipant) (ChatSession, bool, error) {
	existing, err := s.GetSession(ctx, session.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return ChatSession{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChatSession{}, false, fmt.Errorf("begin session tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if session.Status == "" {
		session.Status = SessionStatusNew
	}
	ins := s.sql.Insert("chat_sessions").
		Columns("id", "settings_id", "status", "join_token", "created_by", "encrypt_at_rest").
		Values(session.ID, session.SettingsID, session.Status, session.JoinToken, session.CreatedBy, session.EncryptAtRest).
		Suffix("ON CONFLICT(id) DO NOTHING")
	sqlStr, args, err := ins.ToSql()
	if err != nil {
		return ChatSession{}, false, fmt.Errorf("build session insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return ChatSession{}, false, fmt.Errorf("insert session: %w", err)
	}

	for _, p := range participants {
		ins := s.sql.Insert("chat_participants").
			Columns("id", "chat_session_id", "user_profile_id", "owner_type").
			Values(p.ID, session.ID, p.UserProfileID, p.OwnerType).
			Suffix("ON CONFLICT(chat_session_id, user_profile_id, owner_type) DO NOTHING")
		sqlStr, args, err := ins.ToSql()
		if err != nil {
			return ChatSession{}, false, fmt.Errorf("build participant insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return ChatSession{}, false, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ChatSession{}, false, fmt.Errorf("commit session tx: %w", err)
	}

	created, err := s.GetSession(ctx, session.ID)
	if err != nil {
		return ChatSession{}, false, err
	}
	return created, true, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (ChatSession, error) {
	q := s.sql.Select("id", "settings_id", "status", "join_token", "created_by", "encrypt_at_rest", "created_at").
		From("chat_sessions").
		Where(sq.Eq{"id": sessionID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatSession{}, fmt.Errorf("build session query: %w", err)
	}

	var out ChatSession
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&out.ID,
		&out.SettingsID,
		&out.Status,
		&out.JoinToken,
		&out.CreatedBy,
		&out.EncryptAtRest,
		&out.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatSession{}, ErrNotFound
		}
		return ChatSession{}, fmt.Errorf("get session: %w", err)
	}
	return out, nil
}

// ActivateSession flips status new -> active. A session that is already
// active is left untouched; the transition never reverts.
func (s *Store) ActivateSession(ctx context.Context, sessionID string) error {
	q := s.sql.Update("chat_sessions").
		Set("status", SessionStatusActive).
		Where(sq.Eq{"id": sessionID, "status": SessionStatusNew})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build activate session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	return nil
}

// DeleteSession removes the session; participants and messages go with it
// via the schema's ON DELETE CASCADE.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	q := s.sql.Delete("chat_sessions").Where(sq.Eq{"id": sessionID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete session query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]ChatParticipant, error) {
	q := s.sql.Select("id", "chat_session_id", "user_profile_id", "owner_type").
		From("chat_participants").
		Where(sq.Eq{"chat_session_id": sessionID}).
		OrderBy("id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list participants query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	out := make([]ChatParticipant, 0)
	for rows.Next() {
		var p ChatParticipant
		if err := rows.Scan(&p.ID, &p.ChatSessionID, &p.UserProfileID, &p.OwnerType); err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
	}
	return out, nil
}

func (s *Store) GetParticipant(ctx context.Context, participantID string) (ChatParticipant, error) {
	q := s.sql.Select("id", "chat_session_id", "user_profile_id", "owner_type").
		From("chat_participants").
		Where(sq.Eq{"id": participantID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return ChatParticipant{}, fmt.Errorf("build participant query: %w", err)
	}
	var p ChatParticipant
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&p.ID, &p.ChatSessionID, &p.UserProfileID, &p.OwnerType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChatParticipant{}, ErrNotFound
		}
		return ChatParticipant{}, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}
