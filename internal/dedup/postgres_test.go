package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresStoreWithPool(mock, time.Hour, zap.NewNop()), mock
}

func TestPostgresHasBeenSent(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(42), "fp-a").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	require.True(t, store.HasBeenSent(context.Background(), 42, "fp-a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHasBeenSentFailsOpen(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(42), "fp-a").
		WillReturnError(errors.New("connection refused"))

	require.False(t, store.HasBeenSent(context.Background(), 42, "fp-a"),
		"backend failure reads as not sent so delivery proceeds")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkSent(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sent_alerts").
		WithArgs(int64(42), "fp-a", time.Hour).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.MarkSent(context.Background(), 42, "fp-a"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkSentError(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sent_alerts").
		WithArgs(int64(42), "fp-a", time.Hour).
		WillReturnError(errors.New("deadlock"))

	err := store.MarkSent(context.Background(), 42, "fp-a")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSentCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(int64(42)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	count, err := store.SentCount(context.Background(), 42)
	require.NoError(t, err)
	require.Equal(t, 7, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresClear(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM sent_alerts").
		WithArgs(int64(42)).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, store.Clear(context.Background(), 42))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPurgeRunsOnWriteThreshold(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	for i := 0; i < purgeEvery; i++ {
		mock.ExpectExec("INSERT INTO sent_alerts").
			WithArgs(int64(1), "fp", time.Hour).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		if i == purgeEvery-1 {
			mock.ExpectExec("DELETE FROM sent_alerts WHERE expires_at").
				WillReturnResult(pgxmock.NewResult("DELETE", 10))
		}
	}

	for i := 0; i < purgeEvery; i++ {
		require.NoError(t, store.MarkSent(context.Background(), 1, "fp"))
	}
	require.NoError(t, mock.ExpectationsWereMet())
}
