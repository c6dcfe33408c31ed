package database

import (
	"context"
	"fmt"
	"time"
)

// LockRepository is the durable half of the signal lock manager. The
// primary key on (symbol, direction, strategy) makes acquisition
// atomic regardless of how many engine processes race.
type LockRepository struct {
	db *DB
}

func NewLockRepository(db *DB) *LockRepository {
	return &LockRepository{db: db}
}

// TryAcquire claims the slot. A live existing lock loses the race;
// an expired one is taken over in the same statement.
func (r *LockRepository) TryAcquire(ctx context.Context, lock SignalLock) (bool, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		INSERT INTO signal_locks (symbol, direction, strategy, signal_id, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		ON CONFLICT (symbol, direction, strategy) DO UPDATE SET
			signal_id = EXCLUDED.signal_id,
			acquired_at = NOW(),
			expires_at = EXCLUDED.expires_at
		WHERE signal_locks.expires_at <= NOW()`,
		lock.Symbol, lock.Direction, lock.Strategy, lock.SignalID, lock.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s/%s/%s: %w", lock.Symbol, lock.Direction, lock.Strategy, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops the lock, but only for its owning signal so a stale
// release cannot free a slot re-acquired by a newer signal.
func (r *LockRepository) Release(ctx context.Context, symbol string, direction Direction, strategy, signalID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		DELETE FROM signal_locks
		WHERE symbol = $1 AND direction = $2 AND strategy = $3 AND signal_id = $4`,
		symbol, direction, strategy, signalID)
	if err != nil {
		return fmt.Errorf("releasing lock %s/%s/%s: %w", symbol, direction, strategy, err)
	}
	return nil
}

// Active returns all unexpired locks, used to rebuild the fast path
// on boot.
func (r *LockRepository) Active(ctx context.Context) ([]SignalLock, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, direction, strategy, signal_id, acquired_at, expires_at
		FROM signal_locks
		WHERE expires_at > NOW()`)
	if err != nil {
		return nil, fmt.Errorf("querying active locks: %w", err)
	}
	defer rows.Close()

	var out []SignalLock
	for rows.Next() {
		var l SignalLock
		if err := rows.Scan(&l.Symbol, &l.Direction, &l.Strategy, &l.SignalID,
			&l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning lock: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PurgeExpired removes dead lock rows. Called periodically by the
// tracker maintenance pass.
func (r *LockRepository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM signal_locks WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purging locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExtendLock pushes the expiry of a held lock; the tracker extends
// while its signal stays active.
func (r *LockRepository) ExtendLock(ctx context.Context, symbol string, direction Direction, strategy, signalID string, until time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE signal_locks SET expires_at = $5
		WHERE symbol = $1 AND direction = $2 AND strategy = $3 AND signal_id = $4`,
		symbol, direction, strategy, signalID, until)
	if err != nil {
		return fmt.Errorf("extending lock %s/%s/%s: %w", symbol, direction, strategy, err)
	}
	return nil
}
