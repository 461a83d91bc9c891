package repository

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"blocktalk/internal/models"
	"blocktalk/internal/service"

	_ "modernc.org/sqlite"
)

var sqliteMigrations = []string{
	`
CREATE TABLE IF NOT EXISTS chat_messages (
  conversation_key  TEXT NOT NULL,
  position          INTEGER NOT NULL,
  id                TEXT NOT NULL,
  text              TEXT NOT NULL,
  content_hash      TEXT NOT NULL DEFAULT '',
  sender_id         TEXT NOT NULL,
  receiver_id       TEXT NOT NULL,
  sent_at           INTEGER NOT NULL,
  status            TEXT NOT NULL,
  tx_ref            TEXT,
  block             INTEGER,
  fee               TEXT,
  verification_link TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (conversation_key, id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_chat_messages_position
ON chat_messages (conversation_key, position);
`,
}

// SQLiteStore is the embedded single-file store. Timestamps are kept as unix
// milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

var _ service.MessageStore = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure sqlite: %w", err)
		}
	}
	for i, m := range sqliteMigrations {
		if _, err := db.Exec(m); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply sqlite migration %d: %w", i+1, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context, key string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, text, content_hash, sender_id, receiver_id, sent_at, status, tx_ref, block, fee, verification_link
FROM chat_messages
WHERE conversation_key = ?
ORDER BY position ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("query conversation %s: %w", key, err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			msg    models.Message
			sentAt int64
			status string
			chain  nullChain
		)
		if err := rows.Scan(&msg.ID, &msg.Text, &msg.ContentHash, &msg.SenderID, &msg.ReceiverID,
			&sentAt, &status, &chain.ref, &chain.block, &chain.fee, &msg.VerificationLink); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Timestamp = time.UnixMilli(sentAt).UTC()
		msg.Status = models.Status(status)
		msg.Chain = chain.record()
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveAll(ctx context.Context, key string, messages []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE conversation_key = ?`, key); err != nil {
		return fmt.Errorf("clear conversation %s: %w", key, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO chat_messages
  (conversation_key, position, id, text, content_hash, sender_id, receiver_id, sent_at, status, tx_ref, block, fee, verification_link)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range messages {
		chain := chainColumns(m.Chain)
		if _, err := stmt.ExecContext(ctx, key, i, m.ID, m.Text, m.ContentHash, m.SenderID, m.ReceiverID,
			m.Timestamp.UnixMilli(), string(m.Status), chain.ref, chain.block, chain.fee, m.VerificationLink); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT conversation_key FROM chat_messages ORDER BY conversation_key`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
