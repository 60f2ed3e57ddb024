package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"gigconnect-chat/internal/logging"
)

// Connect initializes the database connection and runs migrations. The first
// connection is retried with exponential backoff for up to 30s.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second

	var db *sqlx.DB
	err := backoff.RetryNotify(func() error {
		var err error
		db, err = sqlx.ConnectContext(ctx, "postgres", dsn)
		return err
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		logging.Ctx(ctx).Warn().Err(err).Dur("retry_in", wait).Msg("database not ready")
	})
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id INT PRIMARY KEY,
            display_name TEXT NOT NULL DEFAULT '',
            avatar_url TEXT NOT NULL DEFAULT '',
            updated_at TIMESTAMPTZ DEFAULT NOW()
        );`,
	`CREATE TABLE IF NOT EXISTS chats (
            id SERIAL PRIMARY KEY,
            user1_id INT NOT NULL REFERENCES users(id),
            user2_id INT NOT NULL REFERENCES users(id),
            gig_id INT,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            last_message_seq BIGINT NOT NULL DEFAULT 0,
            last_message_content TEXT NOT NULL DEFAULT '',
            last_message_sender_id INT NOT NULL DEFAULT 0,
            last_message_at TIMESTAMPTZ,
            user1_unread INT NOT NULL DEFAULT 0,
            user2_unread INT NOT NULL DEFAULT 0,
            CHECK (user1_id < user2_id),
            UNIQUE(user1_id, user2_id)
        );`,
	`CREATE INDEX IF NOT EXISTS chats_user1_activity ON chats (user1_id, last_message_at DESC);`,
	`CREATE INDEX IF NOT EXISTS chats_user2_activity ON chats (user2_id, last_message_at DESC);`,
	`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            chat_id INT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
            sender_id INT NOT NULL,
            seq BIGINT NOT NULL,
            type TEXT NOT NULL DEFAULT 'text',
            content TEXT NOT NULL,
            application JSONB,
            read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ DEFAULT NOW(),
            UNIQUE(chat_id, seq)
        );`,
	`ALTER TABLE messages ADD COLUMN IF NOT EXISTS payment_id TEXT;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_payment_id ON messages (payment_id) WHERE payment_id IS NOT NULL;`,
}

func runMigrations(ctx context.Context, db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m); err != nil {
			return err
		}
	}
	logger := logging.Ctx(ctx)
	logger.Info().Int("count", len(migrations)).Msg("database migrations applied")
	return nil
}
