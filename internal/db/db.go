package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"dm-service/internal/logging"
)

// Connect initializes the database connection and runs migrations.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
            id SERIAL PRIMARY KEY,
            is_group BOOLEAN NOT NULL DEFAULT FALSE,
            name TEXT NOT NULL DEFAULT '',
            admin_id INT NOT NULL DEFAULT 0,
            pair_key TEXT UNIQUE,
            encrypted BOOLEAN NOT NULL DEFAULT FALSE,
            is_active BOOLEAN NOT NULL DEFAULT TRUE,
            last_message_id INT,
            last_sender_id INT,
            last_message_type TEXT,
            last_message_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_participants (
            conversation_id INT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            user_id INT NOT NULL,
            unread_count INT NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
            last_read_message_id INT NOT NULL DEFAULT 0,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (conversation_id, user_id)
        );`,
		`CREATE INDEX IF NOT EXISTS conversation_participants_user_idx ON conversation_participants (user_id);`,
		`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            conversation_id INT NOT NULL REFERENCES conversations(id),
            sender_id INT NOT NULL,
            correlation_id TEXT NOT NULL,
            type TEXT NOT NULL,
            encrypted BOOLEAN NOT NULL DEFAULT FALSE,
            ciphertext BYTEA,
            iv BYTEA,
            auth_tag BYTEA,
            plaintext TEXT NOT NULL DEFAULT '',
            media_ref TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL,
            aggregated BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            expires_at TIMESTAMPTZ,
            expired_at TIMESTAMPTZ,
            deleted_for_everyone_at TIMESTAMPTZ,
            deleted_for_everyone_by INT,
            grace_until TIMESTAMPTZ,
            grace_delete_retries INT NOT NULL DEFAULT 0,
            dead_lettered BOOLEAN NOT NULL DEFAULT FALSE,
            hard_deleted_at TIMESTAMPTZ,
            UNIQUE (sender_id, correlation_id),
            CHECK (hard_deleted_at IS NULL OR deleted_for_everyone_at IS NOT NULL)
        );`,
		`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, id DESC);`,
		`CREATE INDEX IF NOT EXISTS messages_expiry_idx ON messages (expires_at) WHERE expired_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS messages_grace_idx ON messages (grace_until) WHERE hard_deleted_at IS NULL AND dead_lettered = FALSE;`,
		`CREATE INDEX IF NOT EXISTS messages_unaggregated_idx ON messages (created_at) WHERE aggregated = FALSE;`,
		`CREATE TABLE IF NOT EXISTS message_reads (
            message_id INT NOT NULL REFERENCES messages(id),
            user_id INT NOT NULL,
            read_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (message_id, user_id)
        );`,
		`CREATE TABLE IF NOT EXISTS message_deletions (
            message_id INT NOT NULL REFERENCES messages(id),
            user_id INT NOT NULL,
            deleted_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (message_id, user_id)
        );`,
	}

	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	logging.For("db").Info("database migrations applied")
	return nil
}
