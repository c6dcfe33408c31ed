package locks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-signal-bot/internal/database"
)

// memRepo mimics the database row semantics: primary key on
// (symbol, direction, strategy), expired rows lose to new claimants.
type memRepo struct {
	rows map[Key]database.SignalLock
	now  time.Time

	acquireErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		rows: make(map[Key]database.SignalLock),
		now:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (r *memRepo) TryAcquire(_ context.Context, lock database.SignalLock) (bool, error) {
	if r.acquireErr != nil {
		return false, r.acquireErr
	}
	k := Key{lock.Symbol, lock.Direction, lock.Strategy}
	if cur, ok := r.rows[k]; ok && cur.ExpiresAt.After(r.now) {
		return false, nil
	}
	r.rows[k] = lock
	return true, nil
}

func (r *memRepo) Release(_ context.Context, symbol string, direction database.Direction, strategy, signalID string) error {
	k := Key{symbol, direction, strategy}
	if cur, ok := r.rows[k]; ok && cur.SignalID == signalID {
		delete(r.rows, k)
	}
	return nil
}

func (r *memRepo) ExtendLock(_ context.Context, symbol string, direction database.Direction, strategy, signalID string, until time.Time) error {
	k := Key{symbol, direction, strategy}
	cur, ok := r.rows[k]
	if !ok || cur.SignalID != signalID {
		return errors.New("not the owner")
	}
	cur.ExpiresAt = until
	r.rows[k] = cur
	return nil
}

func (r *memRepo) PurgeExpired(_ context.Context) (int64, error) {
	var n int64
	for k, cur := range r.rows {
		if !cur.ExpiresAt.After(r.now) {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

func newManager(repo *memRepo) *Manager {
	m := NewManager(repo, nil, 12*time.Hour, zerolog.Nop())
	m.now = func() time.Time { return repo.now }
	return m
}

var testKey = Key{Symbol: "BTCUSDT", Direction: database.DirectionLong, Strategy: "break_retest"}

func TestTryAcquireExcludesSecondClaim(t *testing.T) {
	repo := newMemRepo()
	m := newManager(repo)
	ctx := context.Background()

	ok, err := m.TryAcquire(ctx, testKey, "sig-1")
	if err != nil || !ok {
		t.Fatalf("first acquire = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = m.TryAcquire(ctx, testKey, "sig-2")
	if err != nil || ok {
		t.Fatalf("second acquire = (%v, %v), want (false, nil)", ok, err)
	}

	// Opposite direction is a different slot.
	short := testKey
	short.Direction = database.DirectionShort
	ok, err = m.TryAcquire(ctx, short, "sig-3")
	if err != nil || !ok {
		t.Fatalf("short acquire = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestExpiredLockIsTakenOver(t *testing.T) {
	repo := newMemRepo()
	m := newManager(repo)
	ctx := context.Background()

	if ok, _ := m.TryAcquire(ctx, testKey, "sig-1"); !ok {
		t.Fatal("seed acquire failed")
	}
	repo.now = repo.now.Add(13 * time.Hour) // past the 12h ttl

	ok, err := m.TryAcquire(ctx, testKey, "sig-2")
	if err != nil || !ok {
		t.Fatalf("takeover = (%v, %v), want (true, nil)", ok, err)
	}
	if repo.rows[testKey].SignalID != "sig-2" {
		t.Fatalf("owner = %s, want sig-2", repo.rows[testKey].SignalID)
	}
}

func TestReleaseChecksOwner(t *testing.T) {
	repo := newMemRepo()
	m := newManager(repo)
	ctx := context.Background()

	if ok, _ := m.TryAcquire(ctx, testKey, "sig-1"); !ok {
		t.Fatal("seed acquire failed")
	}
	if err := m.Release(ctx, testKey, "sig-other"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held := repo.rows[testKey]; !held {
		t.Fatal("release by a non-owner must not free the slot")
	}

	if err := m.Release(ctx, testKey, "sig-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, held := repo.rows[testKey]; held {
		t.Fatal("owner release must free the slot")
	}
}

func TestRebuildRestoresActiveSignals(t *testing.T) {
	repo := newMemRepo()
	m := newManager(repo)

	signals := []*database.Signal{
		{ID: "sig-1", Symbol: "BTCUSDT", Direction: database.DirectionLong, Strategy: "break_retest", Status: database.StatusActive},
		{ID: "sig-2", Symbol: "ETHUSDT", Direction: database.DirectionShort, Strategy: "order_flow", Status: database.StatusActive},
		{ID: "sig-3", Symbol: "XRPUSDT", Direction: database.DirectionLong, Strategy: "order_flow", Status: database.StatusClosed},
	}
	if err := m.Rebuild(context.Background(), signals); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if len(repo.rows) != 2 {
		t.Fatalf("rows = %d, want 2 (closed signal skipped)", len(repo.rows))
	}
	if got := repo.rows[Key{"ETHUSDT", database.DirectionShort, "order_flow"}].SignalID; got != "sig-2" {
		t.Fatalf("owner = %q, want sig-2", got)
	}
}

func TestAcquireErrorSurfaces(t *testing.T) {
	repo := newMemRepo()
	repo.acquireErr = errors.New("connection refused")
	m := newManager(repo)

	ok, err := m.TryAcquire(context.Background(), testKey, "sig-1")
	if ok || err == nil {
		t.Fatalf("acquire = (%v, %v), want (false, error)", ok, err)
	}
}

// Extending before expiry keeps the slot held past the original TTL:
// a purge after the original deadline removes nothing and a rival
// claim still loses.
func TestExtendOutlivesOriginalTTL(t *testing.T) {
	repo := newMemRepo()
	m := newManager(repo)
	ctx := context.Background()

	ok, err := m.TryAcquire(ctx, testKey, "sig-1")
	if err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	// 11h in: the tracker checks the still-active signal and extends.
	repo.now = repo.now.Add(11 * time.Hour)
	if err := m.Extend(ctx, testKey, "sig-1"); err != nil {
		t.Fatalf("Extend: %v", err)
	}

	// 13h in: past the original 12h TTL, before the extended one.
	repo.now = repo.now.Add(2 * time.Hour)
	if err := m.PurgeExpired(ctx); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	ok, err = m.TryAcquire(ctx, testKey, "sig-2")
	if err != nil {
		t.Fatalf("TryAcquire rival: %v", err)
	}
	if ok {
		t.Fatal("rival claim must fail while the extended lock is live")
	}

	// Only the owner may extend.
	if err := m.Extend(ctx, testKey, "sig-2"); err == nil {
		t.Fatal("non-owner extend must fail")
	}
}
