// Package statestore defines the StateStore contract (spec.md §2 L2,
// §6.3): the durable, transactional store of sessions, tasks, targets,
// parse results, and the append-only execution log. Account Manager and
// the two Task Engines are the only writers of their respective rows
// (spec.md §5 "Shared-resource policy").
package statestore

import (
	"context"
	"errors"

	"telegram-orchestrator/internal/core/model"
)

// ErrNotFound is returned when a lookup by ID has no matching row.
var ErrNotFound = errors.New("statestore: not found")

// ErrConflict is returned on optimistic-concurrency failure (spec.md §7
// STATE_CONFLICT).
var ErrConflict = errors.New("statestore: conflict")

// StateStore is the storage-agnostic contract. The default implementation
// in this package is bbolt-backed, matching this codebase's use of bbolt
// for peer and session caches; any transactional KV or SQL store can
// satisfy it.
type StateStore interface {
	// Sessions.
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
	PutSession(ctx context.Context, s *model.Session) error
	ListSessionsByOwner(ctx context.Context, ownerUserID string) ([]*model.Session, error)
	ListActiveSessions(ctx context.Context) ([]*model.Session, error)

	// Tasks.
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	PutTask(ctx context.Context, t *model.Task) error
	// ListPendingTasks returns PENDING tasks ordered (priority DESC,
	// created_at ASC) per spec.md §4.3 "Priority and ordering".
	ListPendingTasks(ctx context.Context, kind model.TaskKind) ([]*model.Task, error)

	// Targets.
	GetTarget(ctx context.Context, targetID string) (*model.Target, error)
	PutTarget(ctx context.Context, t *model.Target) error
	// ListTargetsByStatus returns a task's targets filtered by status, in
	// the store's per-task sequence order: creation order, with targets
	// requeued through PutTargetsHead ahead of them (spec.md §5).
	ListTargetsByStatus(ctx context.Context, taskID string, status model.TargetStatus) ([]*model.Target, error)
	ListTargets(ctx context.Context, taskID string) ([]*model.Target, error)
	// PutTargetsHead is a convenience for requeuing a target at the
	// logical head of the PENDING set (spec.md §5 "rejoins at the head,
	// not the tail"). The default implementation tracks an explicit
	// per-task ordering sequence rather than relying on storage order.
	PutTargetsHead(ctx context.Context, t *model.Target) error

	// Parse results.
	InsertParseResult(ctx context.Context, r *model.ParseResult) error
	ListParseResults(ctx context.Context, taskID string) ([]*model.ParseResult, error)

	// Execution log (append-only).
	AppendExecutionLog(ctx context.Context, l *model.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, taskID string) ([]*model.ExecutionLog, error)
	// HasSuccessLog reports whether a SUCCESS log row already exists for
	// (taskID, targetID, action). RecordAction does not consult it; its
	// idempotency comes from the Account Manager's in-memory ledger.
	HasSuccessLog(ctx context.Context, taskID, targetID, action string) (bool, error)
}
