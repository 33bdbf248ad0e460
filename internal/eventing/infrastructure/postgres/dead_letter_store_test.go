package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scada-core/internal/eventing"
)

func TestDeadLetterStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	var exists bool
	require.NoError(t, db.QueryRow(`SELECT to_regclass('public.event_dead_letters') IS NOT NULL`).Scan(&exists))
	if !exists {
		t.Skip("missing table; run migrations")
	}

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM event_dead_letters")

	env, err := eventing.BuildEnvelope(eventing.TypeAlarmUpdated, eventing.AlarmUpdated{AlarmID: 9}, eventing.Meta{})
	require.NoError(t, err)
	store := NewDeadLetterStore(db)
	require.NoError(t, store.RecordFailure(ctx, env, errors.New("broker down")))

	letters, err := store.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, env.EventID, letters[0].Envelope.EventID)
	assert.Equal(t, "broker down", letters[0].Error)

	require.NoError(t, store.Delete(ctx, letters[0].ID))
	letters, err = store.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}
