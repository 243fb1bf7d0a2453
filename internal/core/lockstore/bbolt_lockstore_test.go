package lockstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"telegram-orchestrator/internal/core/model"

	"github.com/stretchr/testify/require"
)

func openTestLockStore(t *testing.T) *BboltLockStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestTryLockExclusivity(t *testing.T) {
	ctx := context.Background()
	store := openTestLockStore(t)

	require.NoError(t, store.TryLock(ctx, "account:sess-1", "holder-a", time.Minute))
	require.ErrorIs(t, store.TryLock(ctx, "account:sess-1", "holder-b", time.Minute), ErrLocked)

	// Same holder re-acquiring is allowed (idempotent re-entry).
	require.NoError(t, store.TryLock(ctx, "account:sess-1", "holder-a", time.Minute))
}

func TestTryLockAcquiresAfterExpiry(t *testing.T) {
	ctx := context.Background()
	store := openTestLockStore(t)

	require.NoError(t, store.TryLock(ctx, "account:sess-1", "holder-a", -time.Second))
	require.NoError(t, store.TryLock(ctx, "account:sess-1", "holder-b", time.Minute))

	holder, _, err := store.HolderOf(ctx, "account:sess-1")
	require.NoError(t, err)
	require.Equal(t, "holder-b", holder)
}

func TestUnlockIsIdempotentAndRespectsHolder(t *testing.T) {
	ctx := context.Background()
	store := openTestLockStore(t)

	require.NoError(t, store.Unlock(ctx, "account:unheld", "nobody"))

	require.NoError(t, store.TryLock(ctx, "account:sess-1", "holder-a", time.Minute))
	require.NoError(t, store.Unlock(ctx, "account:sess-1", "holder-b"))

	holder, _, err := store.HolderOf(ctx, "account:sess-1")
	require.NoError(t, err)
	require.Equal(t, "holder-a", holder, "unlock by the wrong holder must not release the lock")

	require.NoError(t, store.Unlock(ctx, "account:sess-1", "holder-a"))
	holder, _, err = store.HolderOf(ctx, "account:sess-1")
	require.NoError(t, err)
	require.Empty(t, holder)
}

func TestExtendRequiresCurrentHolder(t *testing.T) {
	ctx := context.Background()
	store := openTestLockStore(t)

	require.ErrorIs(t, store.Extend(ctx, "account:sess-1", "holder-a", time.Minute), ErrLocked)

	require.NoError(t, store.TryLock(ctx, "account:sess-1", "holder-a", time.Minute))
	require.NoError(t, store.Extend(ctx, "account:sess-1", "holder-a", time.Hour))
	require.ErrorIs(t, store.Extend(ctx, "account:sess-1", "holder-b", time.Hour), ErrLocked)
}

func TestDueRecoveriesOrderedByDueAt(t *testing.T) {
	ctx := context.Background()
	store := openTestLockStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.ScheduleRecovery(ctx, model.RecoverySchedule{AccountID: "sess-late", DueAt: base.Add(time.Hour), Reason: model.RecoveryFloodWait}))
	require.NoError(t, store.ScheduleRecovery(ctx, model.RecoverySchedule{AccountID: "sess-early", DueAt: base, Reason: model.RecoveryPeerFlood}))
	require.NoError(t, store.ScheduleRecovery(ctx, model.RecoverySchedule{AccountID: "sess-future", DueAt: base.Add(24 * time.Hour), Reason: model.RecoveryBanReview}))

	due, err := store.DueRecoveries(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 2)
	require.Equal(t, "sess-early", due[0].AccountID)
	require.Equal(t, "sess-late", due[1].AccountID)

	require.NoError(t, store.RemoveRecovery(ctx, "sess-early"))
	due, err = store.DueRecoveries(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "sess-late", due[0].AccountID)
}
