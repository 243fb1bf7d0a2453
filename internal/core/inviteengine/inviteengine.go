// Package inviteengine implements the Invite half of the Task Engine
// (spec.md §4.4 / C4): validating targets, verifying admin rights for
// group-invite tasks, and dispatching one target at a time through
// Account Manager's allocation/limit/record cycle.
package inviteengine

import (
	"context"
	"time"

	"telegram-orchestrator/internal/core/accountmgr"
	"telegram-orchestrator/internal/core/broker"
	"telegram-orchestrator/internal/core/config"
	"telegram-orchestrator/internal/core/errs"
	"telegram-orchestrator/internal/core/model"
	"telegram-orchestrator/internal/core/statestore"
	"telegram-orchestrator/internal/core/telemetry"
	"telegram-orchestrator/internal/infra/logger"

	"github.com/google/uuid"
)

// requiredGroupInviteRights is the permission set a session must hold in
// the target group before GROUP_INVITE targets are dispatched against it
// (spec.md §4.4 "Planning").
var requiredGroupInviteRights = []string{"invite_users"}

// Engine is the Invite Task Engine.
type Engine struct {
	store       statestore.StateStore
	accounts    *accountmgr.AccountManager
	broker      *broker.Broker
	cfg         *config.Config
	telemetry   *telemetry.Emitter
	now         func() time.Time
	rightsCache *adminRightsCache
}

// New builds an Invite engine over its collaborators.
func New(store statestore.StateStore, accounts *accountmgr.AccountManager, br *broker.Broker, cfg *config.Config, tel *telemetry.Emitter) *Engine {
	return &Engine{
		store:       store,
		accounts:    accounts,
		broker:      br,
		cfg:         cfg,
		telemetry:   tel,
		now:         func() time.Time { return time.Now().UTC() },
		rightsCache: newAdminRightsCache(),
	}
}

// Plan validates task's targets and, for GROUP_INVITE tasks, verifies
// the first available session holds the rights the campaign will need
// before any dispatch begins (spec.md §4.4 "Planning"). Targets missing
// every identifier are marked SKIPPED up front.
func (e *Engine) Plan(ctx context.Context, probeSess *model.Session, task *model.Task) (broker.Entity, *errs.Error) {
	targets, err := e.store.ListTargets(ctx, task.TaskID)
	if err != nil {
		return broker.Entity{}, errs.New(errs.KindStateConflict, "failed to load targets")
	}
	for _, t := range targets {
		if t.Status == model.TargetPending && !t.HasIdentifier() {
			t.Status = model.TargetSkipped
			t.UpdatedAt = e.now()
			_ = e.store.PutTarget(ctx, t)
		}
	}

	entity, rerr := e.broker.ResolveEntity(ctx, probeSess, task.GroupID)
	if rerr != nil {
		return broker.Entity{}, rerr
	}

	if task.InviteType == model.InviteGroup {
		ok, verr := e.hasRequiredRights(ctx, probeSess, entity, task)
		if verr != nil {
			return broker.Entity{}, verr
		}
		if !ok {
			return broker.Entity{}, errs.New(errs.KindGroupRestriction, "session lacks invite rights in the target group")
		}
	}

	return entity, nil
}

// hasRequiredRights checks (and caches) whether sess holds the rights
// task's group invites require, consulting rightsCache before making a
// fresh broker call (spec.md §4.4 "Planning"). Both Plan's up-front probe
// and DispatchNext's per-allocation re-check route through this so the
// two never disagree about the same (session, group) pair within the
// cache's TTL.
func (e *Engine) hasRequiredRights(ctx context.Context, sess *model.Session, entity broker.Entity, task *model.Task) (bool, *errs.Error) {
	now := e.now()
	rights, cached := e.rightsCache.get(sess.SessionID, task.GroupID, now)
	if !cached {
		var verr *errs.Error
		rights, verr = e.broker.VerifyAdminRights(ctx, sess, entity, requiredGroupInviteRights)
		if verr != nil {
			return false, verr
		}
		e.rightsCache.put(sess.SessionID, task.GroupID, rights, now)
	}
	return rights.HasRequired, nil
}

// DispatchNext pulls the next PENDING target for task and attempts one
// dispatch cycle: Allocate, CheckLimit, send, classify, RecordAction/
// HandleError, Release (spec.md §4.4 "Dispatch loop"). Returns false
// when the task has no more PENDING targets to try right now (either
// exhausted or paused).
func (e *Engine) DispatchNext(ctx context.Context, task *model.Task, entity broker.Entity) (bool, *errs.Error) {
	pending, err := e.store.ListTargetsByStatus(ctx, task.TaskID, model.TargetPending)
	if err != nil {
		return false, errs.New(errs.KindStateConflict, "failed to load pending targets")
	}
	if len(pending) == 0 {
		return false, nil
	}
	target := pending[0]

	alloc, aerr := e.allocateRightsChecked(ctx, task, entity)
	if aerr != nil {
		_ = e.pauseTask(ctx, task, "no_available_account")
		return false, nil
	}
	defer func() { _ = e.accounts.Release(ctx, alloc, accountmgr.UsageReport{Invites: 1, ChannelsTouched: []string{task.GroupID}}) }()

	scope := accountmgr.Scope{Channel: task.GroupID}
	action := accountmgr.ActionInvite
	if task.InviteType == model.InviteDirect {
		action = accountmgr.ActionMessage
	}

	decision, derr := e.accounts.CheckLimit(ctx, alloc, action, scope)
	if derr != nil {
		return false, derr
	}
	if !decision.Allow {
		_ = e.pauseTask(ctx, task, "limit_"+decision.Reason)
		return false, nil
	}

	sess := &alloc.SnapshotSession
	start := e.now()
	outcome := e.send(ctx, sess, entity, *target, task)
	duration := e.now().Sub(start)

	if outcome.Success {
		target.Status = model.TargetInvited
		target.UpdatedAt = e.now()
		_ = e.store.PutTarget(ctx, target)
		_ = e.accounts.RecordAction(ctx, alloc, action, scope, model.LogSuccess, "")
		e.appendLog(ctx, task, target, sess, "SUCCESS", "", duration)
		task.InviteCounters.Completed++
	} else {
		e.handleFailure(ctx, task, target, alloc, action, scope, sess, outcome.Err, duration)
	}

	task.UpdatedAt = e.now()
	_ = e.store.PutTask(ctx, task)

	if e.telemetry != nil {
		errKind := ""
		if outcome.Err != nil {
			errKind = string(outcome.Err.Kind)
		}
		e.telemetry.Emit(telemetry.Event{Name: telemetry.EventInviteAttempt, TaskID: task.TaskID, AccountID: sess.SessionID, ErrorKind: errKind, Duration: duration})
	}

	return true, nil
}

// allocateRightsChecked allocates the session DispatchNext will actually
// use and, for GROUP_INVITE tasks, verifies it holds the rights Plan
// required before handing it back — the allocation the rights check runs
// against is the one `send` dispatches with, not a separate probe (spec.md
// §4.4 "accounts failing the check are excluded from this task only").
// A session that fails the check is released and excluded from further
// candidates for this call; allocation keeps retrying until one passes or
// no eligible session remains.
func (e *Engine) allocateRightsChecked(ctx context.Context, task *model.Task, entity broker.Entity) (*accountmgr.Allocation, *errs.Error) {
	excluded := map[string]bool{}
	for {
		alloc, aerr := e.accounts.AllocateExcluding(ctx, task.OwnerUserID, purposeFor(task), task.TaskID, excluded)
		if aerr != nil {
			return nil, aerr
		}
		if task.InviteType != model.InviteGroup {
			return alloc, nil
		}

		ok, verr := e.hasRequiredRights(ctx, &alloc.SnapshotSession, entity, task)
		if verr != nil {
			_ = e.accounts.Release(ctx, alloc, accountmgr.UsageReport{})
			return nil, verr
		}
		if ok {
			return alloc, nil
		}

		logger.Debugf("inviteengine: session %s lacks invite rights for task %s, excluding from this task", alloc.SessionID, task.TaskID)
		_ = e.accounts.Release(ctx, alloc, accountmgr.UsageReport{})
		excluded[alloc.SessionID] = true
	}
}

func purposeFor(task *model.Task) accountmgr.Purpose {
	if task.InviteType == model.InviteDirect {
		return accountmgr.PurposeDirectMessage
	}
	return accountmgr.PurposeInviteCampaign
}

func (e *Engine) send(ctx context.Context, sess *model.Session, entity broker.Entity, target model.Target, task *model.Task) broker.Outcome {
	if task.InviteType == model.InviteDirect {
		return e.broker.SendDirectMessage(ctx, sess, target, directMessageBody(task))
	}
	return e.broker.SendInvite(ctx, sess, entity, target, task.InviteType)
}

// directMessageBody is a placeholder resolver for the campaign's
// configured message text; message templating is owned by whatever
// created the task and is out of this engine's scope.
func directMessageBody(task *model.Task) string {
	return ""
}

// handleFailure applies spec.md §4.4 step 5's branch table: FLOOD_WAIT
// requeues the target at the head of the queue and pauses the task;
// fatal-for-account errors pause the task without failing the target;
// terminal-for-target errors mark the target FAILED without penalising
// the account (only the attempt time is recorded); everything else retries up to the configured cap before
// giving up on the target.
func (e *Engine) handleFailure(ctx context.Context, task *model.Task, target *model.Target, alloc *accountmgr.Allocation, action accountmgr.Action, scope accountmgr.Scope, sess *model.Session, cerr *errs.Error, duration time.Duration) {
	if cerr == nil {
		cerr = errs.New(errs.KindUnknownPlatform, "dispatch failed with no classified error")
	}

	target.Attempts++
	target.LastErrorKind = string(cerr.Kind)
	target.LastAccountID = sess.SessionID
	target.UpdatedAt = e.now()

	switch {
	case cerr.Kind == errs.KindFloodWait:
		_, _ = e.accounts.HandleError(ctx, alloc, cerr.Kind, cerr.WaitFor)
		_ = e.store.PutTargetsHead(ctx, target) // rejoin at the head, not the tail (spec.md §5)
		_ = e.pauseTask(ctx, task, "flood_wait")
		e.appendLog(ctx, task, target, sess, "FAILED", string(cerr.Kind), duration)
		return

	case cerr.Kind.FatalForAccount():
		_, _ = e.accounts.HandleError(ctx, alloc, cerr.Kind, 0)
		_ = e.store.PutTargetsHead(ctx, target)
		_ = e.pauseTask(ctx, task, "account_unusable")
		e.appendLog(ctx, task, target, sess, "FAILED", string(cerr.Kind), duration)
		return

	case cerr.Kind.TerminalForTarget():
		target.Status = model.TargetFailed
		_ = e.store.PutTarget(ctx, target)
		_ = e.accounts.RecordAction(ctx, alloc, action, scope, model.LogFailed, cerr.Kind)
		task.InviteCounters.Failed++
		e.appendLog(ctx, task, target, sess, "FAILED", string(cerr.Kind), duration)
		return

	default: // TRANSIENT_NETWORK / UNKNOWN_PLATFORM_ERROR
		_ = e.accounts.RecordAction(ctx, alloc, action, scope, model.LogFailed, cerr.Kind)
		if target.Attempts >= e.cfg.TransientNetworkRetryCap {
			target.Status = model.TargetFailed
			task.InviteCounters.Failed++
		} else {
			_ = e.store.PutTarget(ctx, target)
			e.appendLog(ctx, task, target, sess, "FAILED", string(cerr.Kind), duration)
			return
		}
		_ = e.store.PutTarget(ctx, target)
		e.appendLog(ctx, task, target, sess, "FAILED", string(cerr.Kind), duration)
	}
}

func (e *Engine) appendLog(ctx context.Context, task *model.Task, target *model.Target, sess *model.Session, outcome, errKind string, duration time.Duration) {
	log := &model.ExecutionLog{
		LogID:      uuid.NewString(),
		TaskID:     task.TaskID,
		TargetID:   target.TargetID,
		AccountID:  sess.SessionID,
		Action:     string(task.InviteType),
		Outcome:    model.LogOutcome(outcome),
		ErrorKind:  errKind,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  e.now(),
	}
	if err := e.store.AppendExecutionLog(ctx, log); err != nil {
		logger.Debugf("inviteengine: append log: %v", err)
	}
}

func (e *Engine) pauseTask(ctx context.Context, task *model.Task, reason string) error {
	task.Status = model.TaskPaused
	task.PauseReason = reason
	task.UpdatedAt = e.now()
	return e.store.PutTask(ctx, task)
}

// Completed reports whether task has no PENDING targets left (spec.md
// §4.4 "Completion").
func (e *Engine) Completed(ctx context.Context, task *model.Task) (bool, error) {
	pending, err := e.store.ListTargetsByStatus(ctx, task.TaskID, model.TargetPending)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}
