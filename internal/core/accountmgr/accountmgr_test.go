package accountmgr

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"telegram-orchestrator/internal/core/config"
	"telegram-orchestrator/internal/core/errs"
	"telegram-orchestrator/internal/core/lockstore"
	"telegram-orchestrator/internal/core/model"
	"telegram-orchestrator/internal/core/statestore"

	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*AccountManager, statestore.StateStore) {
	t.Helper()
	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	locks, err := lockstore.Open(filepath.Join(t.TempDir(), "locks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = locks.Close() })

	mgr := New(store, locks, nil, config.Default(), nil)
	return mgr, store
}

func TestAllocateSkipsLockedAndExhaustedSessions(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	locked := &model.Session{SessionID: "sess-locked", OwnerUserID: "user-1", Status: model.SessionActive, LockedBy: "other", LockExpiresAt: time.Now().UTC().Add(time.Hour)}
	exhausted := &model.Session{SessionID: "sess-exhausted", OwnerUserID: "user-1", Status: model.SessionActive, InvitesToday: 30, CountersDay: time.Now().UTC()}
	eligible := &model.Session{SessionID: "sess-eligible", OwnerUserID: "user-1", Status: model.SessionActive}

	for _, s := range []*model.Session{locked, exhausted, eligible} {
		require.NoError(t, store.PutSession(ctx, s))
	}

	alloc, aerr := mgr.Allocate(ctx, "user-1", PurposeInviteCampaign, "test")
	require.Nil(t, aerr)
	require.Equal(t, "sess-eligible", alloc.SessionID)
}

func TestAllocateNoSessionsForUser(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager(t)

	_, aerr := mgr.Allocate(ctx, "ghost-user", PurposeParse, "test")
	require.NotNil(t, aerr)
	require.Equal(t, errs.KindUserHasNoSessions, aerr.Kind)
}

func TestAllocatePicksLowestScoringCandidate(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	recently := time.Now().UTC().Add(-time.Minute)
	busy := &model.Session{SessionID: "sess-busy", OwnerUserID: "user-1", Status: model.SessionActive, InvitesToday: 10, CountersDay: time.Now().UTC(), LastUsedAt: recently}
	fresh := &model.Session{SessionID: "sess-fresh", OwnerUserID: "user-1", Status: model.SessionActive, LastUsedAt: recently}

	require.NoError(t, store.PutSession(ctx, busy))
	require.NoError(t, store.PutSession(ctx, fresh))

	alloc, aerr := mgr.Allocate(ctx, "user-1", PurposeInviteCampaign, "test")
	require.Nil(t, aerr)
	require.Equal(t, "sess-fresh", alloc.SessionID)
}

func TestCheckLimitDeniesAtDailyCap(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	sess := &model.Session{SessionID: "sess-1", OwnerUserID: "user-1", Status: model.SessionActive, InvitesToday: 30, CountersDay: time.Now().UTC()}
	require.NoError(t, store.PutSession(ctx, sess))

	alloc, aerr := mgr.Allocate(ctx, "user-1", PurposeAdminProbe, "test")
	require.Nil(t, aerr)

	decision, derr := mgr.CheckLimit(ctx, alloc, ActionInvite, Scope{Channel: "chan-1"})
	require.Nil(t, derr)
	require.False(t, decision.Allow)
	require.Equal(t, "per_account_daily", decision.Reason)
}

func TestRecordActionSuccessUpdatesCountersAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	sess := &model.Session{SessionID: "sess-1", OwnerUserID: "user-1", Status: model.SessionActive}
	require.NoError(t, store.PutSession(ctx, sess))

	alloc, aerr := mgr.Allocate(ctx, "user-1", PurposeInviteCampaign, "test")
	require.Nil(t, aerr)

	scope := Scope{Channel: "chan-1"}
	rerr := mgr.RecordAction(ctx, alloc, ActionInvite, scope, model.LogSuccess, "")
	require.Nil(t, rerr)

	rerr = mgr.RecordAction(ctx, alloc, ActionInvite, scope, model.LogSuccess, "")
	require.Nil(t, rerr)

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, got.InvitesToday, "repeated RecordAction with the same key must be a no-op")
}

func TestHandleErrorFloodWaitDisablesSessionTemporarily(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	sess := &model.Session{SessionID: "sess-1", OwnerUserID: "user-1", Status: model.SessionActive}
	require.NoError(t, store.PutSession(ctx, sess))

	alloc, aerr := mgr.Allocate(ctx, "user-1", PurposeInviteCampaign, "test")
	require.Nil(t, aerr)

	status, herr := mgr.HandleError(ctx, alloc, errs.KindFloodWait, 30*time.Second)
	require.Nil(t, herr)
	require.Equal(t, model.SessionFloodWait, status)

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, model.SessionFloodWait, got.Status)
	require.True(t, got.FloodWaitUntil.After(time.Now().UTC()))
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mgr, store := newTestManager(t)

	sess := &model.Session{SessionID: "sess-1", OwnerUserID: "user-1", Status: model.SessionActive}
	require.NoError(t, store.PutSession(ctx, sess))

	alloc, aerr := mgr.Allocate(ctx, "user-1", PurposeInviteCampaign, "test")
	require.Nil(t, aerr)

	require.Nil(t, mgr.Release(ctx, alloc, UsageReport{}))
	require.Nil(t, mgr.Release(ctx, alloc, UsageReport{}))

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Empty(t, got.LockedBy)
}
