package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chilledoj/portalchat"
)

// NewPool connects to Postgres, retrying while the database comes up.
func NewPool(ctx context.Context, databaseURL string, attempts int, sl *slog.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	if attempts <= 0 {
		attempts = 1
	}
	if sl == nil {
		sl = slog.Default()
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		var pool *pgxpool.Pool
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				sl.Info("database connected", "attempt", attempt)
				return pool, nil
			}
			pool.Close()
		}
		sl.Warn("database connect failed", "attempt", attempt, "of", attempts, "err", err)
		if attempt < attempts {
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("connect after %d attempts: %w", attempts, err)
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (ps *PostgresStore) Migrate(ctx context.Context) error {
	_, err := ps.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS chat_messages (
			id            BIGSERIAL PRIMARY KEY,
			sender_id     BIGINT NOT NULL,
			sender_type   VARCHAR(16) NOT NULL,
			receiver_id   BIGINT NOT NULL,
			receiver_type VARCHAR(16) NOT NULL,
			message       TEXT NOT NULL,
			client_id     VARCHAR(64) NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create chat_messages: %w", err)
	}
	_, err = ps.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS chat_messages_pair_idx
		ON chat_messages (sender_type, sender_id, receiver_type, receiver_id, created_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("create chat_messages index: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Append(ctx context.Context, msg portalchat.ChatMessage) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO chat_messages (sender_id, sender_type, receiver_id, receiver_type, message, client_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, msg.SenderID, string(msg.SenderType), msg.ReceiverID, string(msg.ReceiverType), msg.Message, msg.ClientID, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

func (ps *PostgresStore) History(ctx context.Context, a, b portalchat.Participant, limit int) ([]portalchat.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	// Newest N first, reversed below.
	rows, err := ps.pool.Query(ctx, `
		SELECT sender_id, sender_type, receiver_id, receiver_type, message, client_id, created_at
		FROM chat_messages
		WHERE (sender_id = $1 AND sender_type = $2 AND receiver_id = $3 AND receiver_type = $4)
		   OR (sender_id = $3 AND sender_type = $4 AND receiver_id = $1 AND receiver_type = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, a.ID, string(a.Type), b.ID, string(b.Type), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	msgs := make([]portalchat.ChatMessage, 0)
	for rows.Next() {
		var m portalchat.ChatMessage
		var senderType, receiverType string
		if err := rows.Scan(&m.SenderID, &senderType, &m.ReceiverID, &receiverType, &m.Message, &m.ClientID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		m.SenderType = portalchat.ParticipantType(senderType)
		m.ReceiverType = portalchat.ParticipantType(receiverType)
		m.Timestamp = m.Timestamp.UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
