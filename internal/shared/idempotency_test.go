package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type claimRow struct {
	actor   string
	created time.Time
}

// keyTable mimics the upsert against idempotency_keys.
type keyTable struct {
	rows map[[2]string]claimRow
	err  error
}

func (k *keyTable) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if k.err != nil {
		return pgconn.CommandTag{}, k.err
	}
	id := [2]string{args[0].(string), args[1].(string)}
	if sql != claimKeySQL {
		delete(k.rows, id)
		return pgconn.NewCommandTag("DELETE 1"), nil
	}
	row, exists := k.rows[id]
	staleBefore := args[4].(time.Time)
	if exists && !row.created.Before(staleBefore) {
		return pgconn.NewCommandTag("INSERT 0 0"), nil
	}
	k.rows[id] = claimRow{actor: args[2].(string), created: args[3].(time.Time)}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestIdempotencyKeysAreScopedPerModule(t *testing.T) {
	table := &keyTable{rows: map[[2]string]claimRow{}}
	store := NewIdempotencyStore(table, 0)
	ctx := ContextWithActor(context.Background(), "alice")

	require.NoError(t, store.CheckAndInsert(ctx, "k1", IdempotencyAccrualCreate))
	require.ErrorIs(t, store.CheckAndInsert(ctx, "k1", IdempotencyAccrualCreate), ErrIdempotencyConflict)
	require.NoError(t, store.CheckAndInsert(ctx, "k1", IdempotencyAccrualBatch))
	assert.Equal(t, "alice", table.rows[[2]string{IdempotencyAccrualCreate, "k1"}].actor)

	require.NoError(t, store.Delete(ctx, "k1", IdempotencyAccrualCreate))
	require.NoError(t, store.CheckAndInsert(ctx, "k1", IdempotencyAccrualCreate))
}

func TestIdempotencyKeysExpireAfterRetention(t *testing.T) {
	table := &keyTable{rows: map[[2]string]claimRow{}}
	store := NewIdempotencyStore(table, time.Hour)
	now := time.Date(2024, 3, 31, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.CheckAndInsert(context.Background(), "k", IdempotencyAccrualBatch))
	now = now.Add(30 * time.Minute)
	require.ErrorIs(t, store.CheckAndInsert(context.Background(), "k", IdempotencyAccrualBatch), ErrIdempotencyConflict)
	now = now.Add(time.Hour)
	require.NoError(t, store.CheckAndInsert(context.Background(), "k", IdempotencyAccrualBatch))
}

func TestIdempotencyStoreValidates(t *testing.T) {
	boom := errors.New("db down")
	store := NewIdempotencyStore(&keyTable{err: boom}, 0)

	assert.Error(t, store.CheckAndInsert(context.Background(), "", IdempotencyAccrualCreate))
	assert.Error(t, store.CheckAndInsert(context.Background(), "k", ""))
	assert.ErrorIs(t, store.CheckAndInsert(context.Background(), "k", IdempotencyAccrualCreate), boom)

	var nilStore *IdempotencyStore
	assert.Error(t, nilStore.CheckAndInsert(context.Background(), "k", IdempotencyAccrualCreate))
	assert.NoError(t, nilStore.Delete(context.Background(), "k", IdempotencyAccrualCreate))
}
