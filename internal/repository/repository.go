package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"blocktalk/internal/models"
	"blocktalk/internal/service"

	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

// PostgresStore keeps one row per message, ordered by its position in the
// conversation.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newPostgresStore(db)
}

func newPostgresStore(db *sql.DB) (*PostgresStore, error) {
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS chat_messages (
		conversation_key  TEXT NOT NULL,
		position          INTEGER NOT NULL,
		id                TEXT NOT NULL,
		text              TEXT NOT NULL,
		content_hash      TEXT NOT NULL DEFAULT '',
		sender_id         TEXT NOT NULL,
		receiver_id       TEXT NOT NULL,
		sent_at           TIMESTAMPTZ NOT NULL,
		status            VARCHAR(20) NOT NULL,
		tx_ref            TEXT,
		block             BIGINT,
		fee               TEXT,
		verification_link TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (conversation_key, id)
	);
	`
	if _, err := db.Exec(createTableQuery); err != nil {
		return nil, fmt.Errorf("failed to ensure chat_messages table exists: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

var _ service.MessageStore = (*PostgresStore)(nil)

func (r *PostgresStore) LoadAll(ctx context.Context, key string) ([]models.Message, error) {
	query := `SELECT id, text, content_hash, sender_id, receiver_id, sent_at, status, tx_ref, block, fee, verification_link
	          FROM chat_messages
	          WHERE conversation_key = $1
	          ORDER BY position ASC;`
	rows, err := r.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.Message
	for rows.Next() {
		var (
			msg    models.Message
			status string
			sentAt time.Time
			chain  nullChain
		)
		if err := rows.Scan(&msg.ID, &msg.Text, &msg.ContentHash, &msg.SenderID, &msg.ReceiverID,
			&sentAt, &status, &chain.ref, &chain.block, &chain.fee, &msg.VerificationLink); err != nil {
			return nil, err
		}
		msg.Timestamp = sentAt.UTC()
		msg.Status = models.Status(status)
		msg.Chain = chain.record()
		results = append(results, msg)
	}
	return results, rows.Err()
}

// SaveAll replaces the conversation's rows in one transaction.
func (r *PostgresStore) SaveAll(ctx context.Context, key string, messages []models.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE conversation_key = $1;`, key); err != nil {
		return fmt.Errorf("clear conversation %s: %w", key, err)
	}
	query := `INSERT INTO chat_messages
	          (conversation_key, position, id, text, content_hash, sender_id, receiver_id, sent_at, status, tx_ref, block, fee, verification_link)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`
	for i, m := range messages {
		chain := chainColumns(m.Chain)
		if _, err := tx.ExecContext(ctx, query, key, i, m.ID, m.Text, m.ContentHash, m.SenderID, m.ReceiverID,
			m.Timestamp, string(m.Status), chain.ref, chain.block, chain.fee, m.VerificationLink); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

func (r *PostgresStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT conversation_key FROM chat_messages ORDER BY conversation_key;`)
	if err != nil {
		return nil, err
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

func (r *PostgresStore) Close() error { return r.db.Close() }

// nullChain maps the nullable chain columns shared by the SQL stores.
type nullChain struct {
	ref   sql.NullString
	block sql.NullInt64
	fee   sql.NullString
}

func chainColumns(c *models.ChainRecord) nullChain {
	if c == nil {
		return nullChain{}
	}
	return nullChain{
		ref:   sql.NullString{String: c.TransactionRef, Valid: true},
		block: sql.NullInt64{Int64: int64(c.Block), Valid: true},
		fee:   sql.NullString{String: c.Fee, Valid: true},
	}
}

func (n nullChain) record() *models.ChainRecord {
	if !n.ref.Valid {
		return nil
	}
	return &models.ChainRecord{
		TransactionRef: n.ref.String,
		Block:          uint64(n.block.Int64),
		Fee:            n.fee.String,
	}
}
