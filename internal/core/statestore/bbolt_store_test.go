package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"telegram-orchestrator/internal/core/model"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BboltStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.GetSession(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	sess := &model.Session{SessionID: "sess-1", OwnerUserID: "user-1", Status: model.SessionActive}
	require.NoError(t, store.PutSession(ctx, sess))

	got, err := store.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", got.OwnerUserID)

	byOwner, err := store.ListSessionsByOwner(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, byOwner, 1)

	active, err := store.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestListPendingTasksOrdering(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := []*model.Task{
		{TaskID: "t-low-early", Kind: model.TaskInvite, Status: model.TaskPending, Priority: model.PriorityLow, CreatedAt: base},
		{TaskID: "t-high-late", Kind: model.TaskInvite, Status: model.TaskPending, Priority: model.PriorityHigh, CreatedAt: base.Add(time.Hour)},
		{TaskID: "t-normal-mid", Kind: model.TaskInvite, Status: model.TaskPending, Priority: model.PriorityNormal, CreatedAt: base.Add(30 * time.Minute)},
		{TaskID: "t-high-early", Kind: model.TaskInvite, Status: model.TaskPending, Priority: model.PriorityHigh, CreatedAt: base},
		{TaskID: "t-running", Kind: model.TaskInvite, Status: model.TaskRunning, Priority: model.PriorityHigh, CreatedAt: base},
		{TaskID: "t-parse", Kind: model.TaskParse, Status: model.TaskPending, Priority: model.PriorityHigh, CreatedAt: base},
	}
	for _, task := range tasks {
		require.NoError(t, store.PutTask(ctx, task))
	}

	pending, err := store.ListPendingTasks(ctx, model.TaskInvite)
	require.NoError(t, err)
	require.Len(t, pending, 4)

	got := make([]string, len(pending))
	for i, task := range pending {
		got[i] = task.TaskID
	}
	require.Equal(t, []string{"t-high-early", "t-high-late", "t-normal-mid", "t-low-early"}, got)
}

func TestTargetHeadRequeue(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	targets := []*model.Target{
		{TargetID: "tg-1", TaskID: "task-1", Username: "a", Status: model.TargetPending},
		{TargetID: "tg-2", TaskID: "task-1", Username: "b", Status: model.TargetPending},
		{TargetID: "tg-3", TaskID: "task-1", Username: "c", Status: model.TargetPending},
	}
	for _, tg := range targets {
		require.NoError(t, store.PutTarget(ctx, tg))
	}

	ordered, err := store.ListTargetsByStatus(ctx, "task-1", model.TargetPending)
	require.NoError(t, err)
	require.Equal(t, []string{"tg-1", "tg-2", "tg-3"}, idsOf(ordered))

	// tg-3 hits a FLOOD_WAIT and rejoins at the head.
	require.NoError(t, store.PutTargetsHead(ctx, targets[2]))

	ordered, err = store.ListTargetsByStatus(ctx, "task-1", model.TargetPending)
	require.NoError(t, err)
	require.Equal(t, "tg-3", ordered[0].TargetID)
}

func TestHasSuccessLogIdempotency(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	ok, err := store.HasSuccessLog(ctx, "task-1", "tg-1", "GROUP_INVITE")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.AppendExecutionLog(ctx, &model.ExecutionLog{
		LogID: "log-1", TaskID: "task-1", TargetID: "tg-1", Action: "GROUP_INVITE", Outcome: model.LogSuccess,
	}))

	ok, err = store.HasSuccessLog(ctx, "task-1", "tg-1", "GROUP_INVITE")
	require.NoError(t, err)
	require.True(t, ok)
}

func idsOf(targets []*model.Target) []string {
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.TargetID
	}
	return out
}
