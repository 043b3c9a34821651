package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS pending_exchanges (
		id TEXT PRIMARY KEY,
		local_key TEXT NOT NULL,
		conversation_id INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL DEFAULT '',
		messages_json TEXT NOT NULL,
		appended INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_local_key ON pending_exchanges(local_key, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveExchange inserts or replaces an exchange.
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex *domain.PendingExchange) error {
	messagesJSON, err := json.Marshal(ex.Messages)
	if err != nil {
		return fmt.Errorf("marshal exchange messages: %w", err)
	}

	query := `
	INSERT INTO pending_exchanges (
		id, local_key, conversation_id, title, messages_json,
		appended, attempts, last_error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		title = excluded.title,
		messages_json = excluded.messages_json,
		appended = excluded.appended,
		attempts = excluded.attempts,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at`

	var lastError any
	if ex.LastError != "" {
		lastError = ex.LastError
	}
	createdAt := ex.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "save exchange", func() error {
		_, err := s.db.ExecContext(ctx, query,
			ex.ID, ex.LocalKey, ex.ConversationID, ex.Title, string(messagesJSON),
			ex.Appended, ex.Attempts, lastError,
			createdAt.UnixNano(), time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("upsert exchange: %w", err)
		}
		return nil
	})
}

const selectExchange = `
	SELECT id, local_key, conversation_id, title, messages_json,
	       appended, attempts, last_error, created_at, updated_at
	FROM pending_exchanges`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExchange(row rowScanner) (*domain.PendingExchange, error) {
	var ex domain.PendingExchange
	var messagesJSON string
	var lastError sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&ex.ID, &ex.LocalKey, &ex.ConversationID, &ex.Title, &messagesJSON,
		&ex.Appended, &ex.Attempts, &lastError, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(messagesJSON), &ex.Messages); err != nil {
		return nil, fmt.Errorf("decode exchange %s messages: %w", ex.ID, err)
	}
	ex.LastError = lastError.String
	ex.CreatedAt = time.Unix(0, createdAt)
	ex.UpdatedAt = time.Unix(0, updatedAt)
	return &ex, nil
}

// GetExchange returns an exchange by id, or nil if there is none.
func (s *SQLiteStore) GetExchange(ctx context.Context, id string) (*domain.PendingExchange, error) {
	row := s.db.QueryRowContext(ctx, selectExchange+` WHERE id = ?`, id)
	ex, err := scanExchange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan exchange row: %w", err)
	}
	return ex, nil
}

// ListExchanges returns exchanges in submission order.
func (s *SQLiteStore) ListExchanges(ctx context.Context, localKey string) ([]*domain.PendingExchange, error) {
	query := selectExchange
	var args []any
	if localKey != "" {
		query += ` WHERE local_key = ?`
		args = append(args, localKey)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close exchange rows", "error", closeErr)
		}
	}()

	var out []*domain.PendingExchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exchange row: %w", err)
		}
		out = append(out, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return out, nil
}

// AssignConversation records the backend id on unassigned exchanges of localKey.
func (s *SQLiteStore) AssignConversation(ctx context.Context, localKey string, conversationID int64) (int64, error) {
	var affected int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "assign conversation", func() error {
		result, err := s.db.ExecContext(ctx,
			`UPDATE pending_exchanges SET conversation_id = ?, updated_at = ? WHERE local_key = ? AND conversation_id = 0`,
			conversationID, time.Now().UnixNano(), localKey,
		)
		if err != nil {
			return fmt.Errorf("assign conversation: %w", err)
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	return affected, err
}

// DeleteExchange removes an exchange.
func (s *SQLiteStore) DeleteExchange(ctx context.Context, id string) error {
	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete exchange", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_exchanges WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete exchange: %w", err)
		}
		return nil
	})
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
