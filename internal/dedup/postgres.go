// Package dedup implements the durable, TTL-bounded store of delivered
// record fingerprints.
package dedup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// pgxPool is the subset of pgxpool.Pool the store needs. pgxmock satisfies
// it in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore records "fingerprint delivered to subscriber" pairs in a
// sent_alerts table with a sliding absolute expiry. Expected schema:
//
//	CREATE TABLE sent_alerts (
//	    chat_id     BIGINT      NOT NULL,
//	    fingerprint TEXT        NOT NULL,
//	    expires_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (chat_id, fingerprint)
//	);
type PostgresStore struct {
	pool   pgxPool
	ttl    time.Duration
	logger *zap.Logger
	writes atomic.Uint64
}

// purgeEvery bounds the table size: every Nth write sweeps expired rows so
// no separate maintenance job is needed.
const purgeEvery = 256

// NewPostgresStore connects a pool and returns the store.
func NewPostgresStore(ctx context.Context, dsn string, ttl time.Duration, logger *zap.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresStoreWithPool(pool, ttl, logger), nil
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool pgxPool, ttl time.Duration, logger *zap.Logger) *PostgresStore {
	if ttl <= 0 {
		ttl = 14 * 24 * time.Hour
	}
	return &PostgresStore{
		pool:   pool,
		ttl:    ttl,
		logger: logger,
	}
}

// HasBeenSent reports whether the pair was recorded within the TTL window.
// A backend failure reports false: a possible duplicate notification beats
// silently dropping all notifications.
func (s *PostgresStore) HasBeenSent(ctx context.Context, chatID int64, fingerprint string) bool {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM sent_alerts
			WHERE chat_id = $1 AND fingerprint = $2 AND expires_at > NOW()
		)
	`
	var sent bool
	if err := s.pool.QueryRow(ctx, query, chatID, fingerprint).Scan(&sent); err != nil {
		s.logger.Error("dedup lookup failed, treating as not sent",
			zap.Int64("chat_id", chatID),
			zap.Error(err),
		)
		return false
	}
	return sent
}

// MarkSent inserts the pair and (re)sets its expiry to now+TTL.
func (s *PostgresStore) MarkSent(ctx context.Context, chatID int64, fingerprint string) error {
	const query = `
		INSERT INTO sent_alerts (chat_id, fingerprint, expires_at)
		VALUES ($1, $2, NOW() + $3)
		ON CONFLICT (chat_id, fingerprint) DO UPDATE SET expires_at = EXCLUDED.expires_at
	`
	if _, err := s.pool.Exec(ctx, query, chatID, fingerprint, s.ttl); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if s.writes.Add(1)%purgeEvery == 0 {
		s.purgeExpired(ctx)
	}
	return nil
}

// SentCount returns the number of unexpired pairs for a subscriber.
func (s *PostgresStore) SentCount(ctx context.Context, chatID int64) (int, error) {
	const query = `SELECT COUNT(*) FROM sent_alerts WHERE chat_id = $1 AND expires_at > NOW()`
	var count int
	if err := s.pool.QueryRow(ctx, query, chatID).Scan(&count); err != nil {
		return 0, fmt.Errorf("sent count: %w", err)
	}
	return count, nil
}

// Clear drops all pairs for a subscriber, making every alert eligible for
// re-delivery.
func (s *PostgresStore) Clear(ctx context.Context, chatID int64) error {
	const query = `DELETE FROM sent_alerts WHERE chat_id = $1`
	if _, err := s.pool.Exec(ctx, query, chatID); err != nil {
		return fmt.Errorf("clear sent alerts: %w", err)
	}
	return nil
}

// Ping checks backend reachability for readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping dedup store: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) purgeExpired(ctx context.Context) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sent_alerts WHERE expires_at <= NOW()`)
	if err != nil {
		s.logger.Warn("purge of expired dedup rows failed", zap.Error(err))
		return
	}
	if rows := tag.RowsAffected(); rows > 0 {
		s.logger.Debug("purged expired dedup rows", zap.Int64("rows", rows))
	}
}
