// Package whatsapp – history_store.go keeps a local log of chat messages so
// the relay can read the recent history of a chat. whatsmeow delivers
// messages as events only, it has no call to fetch past messages.
package whatsapp

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jholhewres/chatbridge/pkg/chatbridge/channels"

	_ "github.com/mattn/go-sqlite3"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS chatbridge_messages (
	id        TEXT PRIMARY KEY,
	chat_id   TEXT NOT NULL,
	sender    TEXT NOT NULL,
	body      TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chatbridge_messages_chat
	ON chatbridge_messages (chat_id, timestamp);
`

// HistoryStore persists chat messages in SQLite.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistoryStore opens (or creates) the message log at path.
func OpenHistoryStore(path string) (*HistoryStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// Record stores msg. A message whose id is already stored is ignored and
// Record reports false.
func (s *HistoryStore) Record(ctx context.Context, msg channels.ChatMessage) (bool, error) {
	if msg.ID == "" {
		return false, fmt.Errorf("record message: empty id")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO chatbridge_messages (id, chat_id, sender, body, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Sender, msg.Body, msg.Timestamp)
	if err != nil {
		return false, fmt.Errorf("record message %q: %w", msg.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record message %q: %w", msg.ID, err)
	}
	return n > 0, nil
}

// Recent returns the last limit messages of chatID, oldest first.
func (s *HistoryStore) Recent(ctx context.Context, chatID string, limit int) ([]channels.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, sender, body, timestamp
		FROM chatbridge_messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history for %q: %w", chatID, err)
	}
	defer rows.Close()

	var msgs []channels.ChatMessage
	for rows.Next() {
		var m channels.ChatMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Sender, &m.Body, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load history for %q: %w", chatID, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Prune deletes all but the newest keep messages of chatID and returns how
// many rows were removed.
func (s *HistoryStore) Prune(ctx context.Context, chatID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM chatbridge_messages
		WHERE chat_id = ? AND id NOT IN (
			SELECT id FROM chatbridge_messages
			WHERE chat_id = ?
			ORDER BY timestamp DESC, rowid DESC
			LIMIT ?
		)`, chatID, chatID, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history for %q: %w", chatID, err)
	}
	return res.RowsAffected()
}

// Chats returns the ids of all chats with stored messages.
func (s *HistoryStore) Chats(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chat_id FROM chatbridge_messages ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
