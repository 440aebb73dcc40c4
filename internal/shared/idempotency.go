package shared

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Idempotency modules. A key is unique within its module only.
const (
	IdempotencyAccrualCreate = "accrual.create"
	IdempotencyAccrualBatch  = "accrual.batch"
)

// ErrIdempotencyConflict indicates the key was already claimed.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// Executor is satisfied by *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// IdempotencyStore records the Idempotency-Key of accrual creations and
// batches. Keys older than the retention window may be claimed again.
type IdempotencyStore struct {
	db        Executor
	retention time.Duration
	now       func() time.Time
}

// NewIdempotencyStore constructs the store. A non-positive retention keeps
// keys forever.
func NewIdempotencyStore(db Executor, retention time.Duration) *IdempotencyStore {
	return &IdempotencyStore{db: db, retention: retention, now: time.Now}
}

const claimKeySQL = `
INSERT INTO idempotency_keys (module, key, actor, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (module, key) DO UPDATE
   SET actor = EXCLUDED.actor, created_at = EXCLUDED.created_at
 WHERE idempotency_keys.created_at < $5`

// CheckAndInsert claims key for module on behalf of the actor in ctx.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.db == nil {
		return errors.New("idempotency store not initialised")
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	now := s.now().UTC()
	// a zero cutoff never reclaims
	var staleBefore time.Time
	if s.retention > 0 {
		staleBefore = now.Add(-s.retention)
	}
	tag, err := s.db.Exec(ctx, claimKeySQL, module, key, ActorFromContext(ctx), now, staleBefore)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Delete releases a claimed key after the request failed.
func (s *IdempotencyStore) Delete(ctx context.Context, key, module string) error {
	if s == nil || s.db == nil {
		return nil
	}
	if key == "" {
		return errors.New("idempotency key required")
	}
	_, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE module = $1 AND key = $2`, module, key)
	return err
}
