// Package registry implements the subscriber store the notifier reads and
// the command surface maintains.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aquawatch/waterbot/internal/alert"
)

// pgxPool is the subset of pgxpool.Pool the registry needs. pgxmock
// satisfies it in tests.
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

const subscriberColumns = `chat_id, username, first_name, last_name, location, is_active,
		subscribed_at, last_notified, last_location_changed`

// PostgresRegistry stores subscribers in a users table:
//
//	CREATE TABLE users (
//	    chat_id               BIGINT PRIMARY KEY,
//	    username              TEXT,
//	    first_name            TEXT,
//	    last_name             TEXT,
//	    location              TEXT,
//	    is_active             BOOLEAN     NOT NULL DEFAULT TRUE,
//	    subscribed_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    last_notified         TIMESTAMPTZ,
//	    last_location_changed TIMESTAMPTZ
//	);
type PostgresRegistry struct {
	pool pgxPool
}

// NewPostgresRegistry connects a pool and returns the registry.
func NewPostgresRegistry(ctx context.Context, dsn string) (*PostgresRegistry, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresRegistry{pool: pool}, nil
}

// NewPostgresRegistryWithPool constructs a registry from an existing pool
// (primarily for testing).
func NewPostgresRegistryWithPool(pool pgxPool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

// ActiveSubscribers returns every active subscriber.
func (r *PostgresRegistry) ActiveSubscribers(ctx context.Context) ([]alert.Subscriber, error) {
	return r.list(ctx, `SELECT `+subscriberColumns+` FROM users WHERE is_active`)
}

// All returns every subscriber, active or not.
func (r *PostgresRegistry) All(ctx context.Context) ([]alert.Subscriber, error) {
	return r.list(ctx, `SELECT `+subscriberColumns+` FROM users`)
}

// ByLocation returns active subscribers interested in the given location.
func (r *PostgresRegistry) ByLocation(ctx context.Context, location string) ([]alert.Subscriber, error) {
	return r.list(ctx, `SELECT `+subscriberColumns+` FROM users WHERE is_active AND location = $1`, location)
}

// Get fetches one subscriber by chat ID.
func (r *PostgresRegistry) Get(ctx context.Context, chatID int64) (alert.Subscriber, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM users WHERE chat_id = $1`, chatID)
	sub, err := scanSubscriber(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return alert.Subscriber{}, alert.ErrNotFound
	}
	if err != nil {
		return alert.Subscriber{}, fmt.Errorf("get subscriber: %w", err)
	}
	return sub, nil
}

// Upsert inserts or updates a subscriber and returns the stored row. A
// location change stamps last_location_changed.
func (r *PostgresRegistry) Upsert(ctx context.Context, sub alert.Subscriber) (alert.Subscriber, error) {
	const query = `
		INSERT INTO users (chat_id, username, first_name, last_name, location, is_active, subscribed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (chat_id) DO UPDATE SET
			username              = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
			first_name            = COALESCE(NULLIF(EXCLUDED.first_name, ''), users.first_name),
			last_name             = COALESCE(NULLIF(EXCLUDED.last_name, ''), users.last_name),
			location              = COALESCE(NULLIF(EXCLUDED.location, ''), users.location),
			is_active             = EXCLUDED.is_active,
			last_location_changed = CASE
				WHEN NULLIF(EXCLUDED.location, '') IS NOT NULL
				 AND EXCLUDED.location IS DISTINCT FROM users.location
				THEN NOW()
				ELSE users.last_location_changed
			END
		RETURNING ` + subscriberColumns
	row := r.pool.QueryRow(ctx, query,
		sub.ChatID, sub.Username, sub.FirstName, sub.LastName, sub.Location, sub.Active,
	)
	stored, err := scanSubscriber(row)
	if err != nil {
		return alert.Subscriber{}, fmt.Errorf("upsert subscriber: %w", err)
	}
	return stored, nil
}

// Remove deletes a subscriber and reports whether a row existed.
func (r *PostgresRegistry) Remove(ctx context.Context, chatID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE chat_id = $1`, chatID)
	if err != nil {
		return false, fmt.Errorf("remove subscriber: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetLastNotified stamps the subscriber's last successful delivery.
func (r *PostgresRegistry) SetLastNotified(ctx context.Context, chatID int64, at time.Time) error {
	if _, err := r.pool.Exec(ctx, `UPDATE users SET last_notified = $2 WHERE chat_id = $1`, chatID, at); err != nil {
		return fmt.Errorf("set last notified: %w", err)
	}
	return nil
}

// Deactivate turns the subscription off. Terminal until the subscriber
// re-opts-in through the command surface.
func (r *PostgresRegistry) Deactivate(ctx context.Context, chatID int64) error {
	if _, err := r.pool.Exec(ctx, `UPDATE users SET is_active = FALSE WHERE chat_id = $1`, chatID); err != nil {
		return fmt.Errorf("deactivate subscriber: %w", err)
	}
	return nil
}

// Ping checks backend reachability for readiness probes.
func (r *PostgresRegistry) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping registry: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRegistry) Close() {
	r.pool.Close()
}

func (r *PostgresRegistry) list(ctx context.Context, query string, args ...any) ([]alert.Subscriber, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var subs []alert.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

func scanSubscriber(row pgx.Row) (alert.Subscriber, error) {
	var sub alert.Subscriber
	var username, firstName, lastName, location *string
	err := row.Scan(
		&sub.ChatID, &username, &firstName, &lastName, &location, &sub.Active,
		&sub.SubscribedAt, &sub.LastNotifiedAt, &sub.LastLocationChangedAt,
	)
	if err != nil {
		return alert.Subscriber{}, err
	}
	sub.Username = deref(username)
	sub.FirstName = deref(firstName)
	sub.LastName = deref(lastName)
	sub.Location = deref(location)
	return sub, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
