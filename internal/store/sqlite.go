package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/expertline/internal/domain"
	"github.com/ashureev/expertline/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	credentialsKey    = "default"
	writeRetries      = 3
	writeRetryBackoff = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
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
	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		access_token TEXT NOT NULL,
		user_json TEXT,
		expires_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS last_conversations (
		expert_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_last_conversations_updated ON last_conversations(updated_at);
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

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetCredentials returns the stored login, or nil if there is none.
func (s *SQLiteStore) GetCredentials(ctx context.Context) (*domain.Credentials, error) {
	query := `SELECT access_token, user_json, expires_at, updated_at FROM credentials WHERE key = ?`

	var creds domain.Credentials
	var userJSON sql.NullString
	var expiresAt sql.NullInt64
	var updatedAt int64

	err := s.db.QueryRowContext(ctx, query, credentialsKey).Scan(&creds.AccessToken, &userJSON, &expiresAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan credentials: %w", err)
	}

	if userJSON.Valid && userJSON.String != "" {
		var user domain.User
		if err := json.Unmarshal([]byte(userJSON.String), &user); err != nil {
			return nil, fmt.Errorf("decode stored user: %w", err)
		}
		creds.User = &user
	}
	if expiresAt.Valid && expiresAt.Int64 > 0 {
		creds.ExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	creds.UpdatedAt = time.Unix(updatedAt, 0)

	return &creds, nil
}

// SaveCredentials creates or replaces the stored login.
func (s *SQLiteStore) SaveCredentials(ctx context.Context, creds *domain.Credentials) error {
	if creds == nil || creds.AccessToken == "" {
		return fmt.Errorf("save credentials: access token is required")
	}

	var userJSON interface{}
	if creds.User != nil {
		data, err := json.Marshal(creds.User)
		if err != nil {
			return fmt.Errorf("encode user: %w", err)
		}
		userJSON = string(data)
	}

	var expiresAt interface{}
	if !creds.ExpiresAt.IsZero() {
		expiresAt = creds.ExpiresAt.Unix()
	}

	query := `
	INSERT INTO credentials (key, access_token, user_json, expires_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		access_token = excluded.access_token,
		user_json = COALESCE(excluded.user_json, credentials.user_json),
		expires_at = excluded.expires_at,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, writeRetries, writeRetryBackoff, "save_credentials", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query, credentialsKey, creds.AccessToken, userJSON, expiresAt, time.Now().Unix()); err != nil {
			return fmt.Errorf("upsert credentials: %w", err)
		}
		return nil
	})
}

// DeleteCredentials removes the stored login.
func (s *SQLiteStore) DeleteCredentials(ctx context.Context) error {
	return shared.RetryOnConflict(ctx, writeRetries, writeRetryBackoff, "delete_credentials", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, credentialsKey); err != nil {
			return fmt.Errorf("delete credentials: %w", err)
		}
		return nil
	})
}

// GetLastConversation returns the last conversation id for an expert.
func (s *SQLiteStore) GetLastConversation(ctx context.Context, expertID string) (string, error) {
	var conversationID string
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_id FROM last_conversations WHERE expert_id = ?`, expertID,
	).Scan(&conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scan last conversation: %w", err)
	}
	return conversationID, nil
}

// SetLastConversation records the last conversation id for an expert.
// Writes are last-write-wins.
func (s *SQLiteStore) SetLastConversation(ctx context.Context, expertID, conversationID string) error {
	query := `
	INSERT INTO last_conversations (expert_id, conversation_id, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(expert_id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		updated_at = excluded.updated_at`

	return shared.RetryOnConflict(ctx, writeRetries, writeRetryBackoff, "set_last_conversation", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, query, expertID, conversationID, time.Now().Unix()); err != nil {
			return fmt.Errorf("upsert last conversation: %w", err)
		}
		return nil
	})
}

// ClearLastConversations removes all remembered conversation ids.
func (s *SQLiteStore) ClearLastConversations(ctx context.Context) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, writeRetries, writeRetryBackoff, "clear_last_conversations", func(ctx context.Context) error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM last_conversations`)
		if err != nil {
			return fmt.Errorf("clear last conversations: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}
