package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/onnwee/seraphbot/model"
)

// ArchivedMessage is a chat line with the time it was received.
type ArchivedMessage struct {
	model.ChatMessage
	ReceivedAt time.Time
}

// InsertChatMessages writes msgs in one transaction.
func (s *Store) InsertChatMessages(ctx context.Context, msgs []ArchivedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, s.rebind(`INSERT INTO chat_messages(username, message, color, badges, is_system, received_at)
		VALUES($1,$2,$3,$4,$5,$6)`))
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx, m.User, m.Text, m.Color, strings.Join(m.Badges, ","), m.IsSystem(), m.ReceivedAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}
	}
	return tx.Commit()
}

// RecentChatMessages returns up to limit archived messages, oldest first.
func (s *Store) RecentChatMessages(ctx context.Context, limit int) ([]ArchivedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT username, message, color, badges, received_at
		FROM chat_messages ORDER BY id DESC LIMIT $1`), limit)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var out []ArchivedMessage
	for rows.Next() {
		var (
			m        ArchivedMessage
			badges   string
			received int64
		)
		if err := rows.Scan(&m.User, &m.Text, &m.Color, &badges, &received); err != nil {
			return nil, err
		}
		if badges != "" {
			m.Badges = strings.Split(badges, ",")
		}
		m.ReceivedAt = time.UnixMilli(received)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountChatMessages returns the archive size.
func (s *Store) CountChatMessages(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages`).Scan(&n)
	return n, err
}

// GetKV returns the value for key and whether it exists.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT value FROM kv WHERE key = $1`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetKV upserts key.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO kv(key, value, updated_at) VALUES($1,$2,$3)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`), key, value, time.Now().Unix())
	return err
}
