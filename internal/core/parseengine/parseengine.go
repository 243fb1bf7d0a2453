// Package parseengine implements the Parse half of the Task Engine
// (spec.md §4.3 / C3): planning a parse task's sources, pulling history
// from the broker at the task's speed profile, sanitising and persisting
// results, and tracking progress to completion.
package parseengine

import (
	"context"
	"fmt"
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

// Engine is the Parse Task Engine.
type Engine struct {
	store     statestore.StateStore
	accounts  *accountmgr.AccountManager
	broker    *broker.Broker
	cfg       *config.Config
	telemetry *telemetry.Emitter
	now       func() time.Time
}

// New builds a Parse engine over its collaborators.
func New(store statestore.StateStore, accounts *accountmgr.AccountManager, br *broker.Broker, cfg *config.Config, tel *telemetry.Emitter) *Engine {
	return &Engine{
		store:     store,
		accounts:  accounts,
		broker:    br,
		cfg:       cfg,
		telemetry: tel,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// sourcePlan is one resolved, scannable source inside a parse task's plan
// (spec.md §4.3 "Planning").
type sourcePlan struct {
	Link            string
	Entity          broker.Entity
	CommentsEnabled bool
	EstimatedTotal  int
}

// Plan resolves every source link in task, records for each source
// whether its comments are enabled (RunTask skips sources where they are
// not), and produces a volume estimate used for progress percent
// (spec.md §4.3 "Planning").
func (e *Engine) Plan(ctx context.Context, sess *model.Session, task *model.Task) ([]sourcePlan, *errs.Error) {
	plans := make([]sourcePlan, 0, len(task.SourceLinks))

	for _, link := range task.SourceLinks {
		entity, err := e.broker.ResolveEntity(ctx, sess, link)
		if err != nil {
			// An unresolvable source is dropped from the plan rather than
			// failing the whole task (spec.md §4.3 "Planning" — a task with
			// no resolvable sources left is the only case that fails).
			logger.Debugf("parseengine: plan: dropping unresolvable source %q: %v", link, err)
			continue
		}

		commentsEnabled := e.broker.CheckCommentsEnabled(ctx, sess, entity)

		plans = append(plans, sourcePlan{
			Link:            link,
			Entity:          entity,
			CommentsEnabled: commentsEnabled,
			EstimatedTotal:  estimateVolume(entity),
		})
	}

	if len(plans) == 0 {
		return nil, errs.New(errs.KindInvalidIdentifier, "none of the task's source links could be resolved")
	}
	return plans, nil
}

// estimateVolume is the coarse per-source-kind heuristic used purely to
// seed ParseCounters.EstimatedTotal before the first real batch arrives
// (spec.md §4.3 "volume estimation heuristic"). Broadcast channels tend
// to carry far fewer addressable participants per message than groups.
func estimateVolume(entity broker.Entity) int {
	switch entity.Kind {
	case broker.EntityBroadcast:
		return 500
	case broker.EntityMegagroup, broker.EntityGroup:
		return 2000
	default:
		return 100
	}
}

// RunTask drives one PARSE task from its current state to completion,
// pause (on FLOOD_WAIT or account exhaustion), or failure (spec.md
// §4.3 "Execution"). Intended to be invoked by a dispatch loop that
// already holds task in RUNNING status.
func (e *Engine) RunTask(ctx context.Context, task *model.Task) *errs.Error {
	alloc, aerr := e.accounts.Allocate(ctx, task.OwnerUserID, accountmgr.PurposeParse, task.TaskID)
	if aerr != nil {
		return e.pauseTask(ctx, task, "no_available_account")
	}

	sess := &alloc.SnapshotSession
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		_ = e.accounts.Release(ctx, alloc, accountmgr.UsageReport{})
	}
	defer release()

	plans, perr := e.Plan(ctx, sess, task)
	if perr != nil {
		e.finishTask(ctx, task, model.TaskFailed, "no_resolvable_sources")
		return perr
	}

	estimatedTotal := 0
	for _, p := range plans {
		estimatedTotal += p.EstimatedTotal
	}
	task.ParseCounters.EstimatedTotal = estimatedTotal

	lastExtend := e.now()

	for _, plan := range plans {
		if !plan.CommentsEnabled {
			// Comment-less broadcast channels cannot yield comment-derived
			// participants; the source is skipped entirely rather than
			// fetched (spec.md §4.3 "Planning", scenario S4).
			logger.Debugf("parseengine: source %q has comments disabled, skipping", plan.Link)
			continue
		}

		sink := func(snap broker.ProgressSnapshot) {
			task.ParseCounters.ProcessedMessages = snap.ProcessedMessages
			task.ParseCounters.ProcessedMedia = snap.ProcessedMedia
			task.ParseCounters.ProgressPercent = progressPercent(task.ParseCounters)
			task.UpdatedAt = e.now()
			_ = e.store.PutTask(ctx, task)

			if e.now().Sub(lastExtend) > e.cfg.ParseAllocationExtendEvery {
				lastExtend = e.now()
				// Only the interval timer is reset here: the account
				// lock is neither extended nor re-allocated, so a parse
				// that runs past ParseLockTTL holds an expired lock.
			}
		}

		next := e.broker.FetchHistory(ctx, sess, plan.Entity, task.SpeedProfile, sink)
		for {
			item, ok, ferr := next()
			if ferr != nil {
				if ferr.Kind == errs.KindFloodWait {
					return e.pauseTask(ctx, task, "flood_wait")
				}
				if ferr.Kind.FatalForAccount() {
					return e.pauseTask(ctx, task, "account_unusable")
				}
				logger.Debugf("parseengine: source %q: %v", plan.Link, ferr)
				break
			}
			if !ok {
				break
			}

			result := sanitize(task.TaskID, item)
			if err := e.store.InsertParseResult(ctx, &result); err != nil {
				logger.Debugf("parseengine: insert result: %v", err)
			}
		}
	}

	e.finishTask(ctx, task, model.TaskCompleted, "")
	if e.telemetry != nil {
		e.telemetry.Emit(telemetry.Event{Name: telemetry.EventParseBatch, TaskID: task.TaskID, SpeedProfile: string(task.SpeedProfile), Outcome: "completed"})
	}
	return nil
}

func progressPercent(c model.ParseCounters) float64 {
	if c.EstimatedTotal <= 0 {
		return 0
	}
	done := float64(c.ProcessedMessages + c.ProcessedMedia)
	pct := done / float64(c.EstimatedTotal) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// sanitize converts one broker.HistoryItem into a durable ParseResult,
// the single point where payloads are made JSON-safe before persistence
// (spec.md §3 "binary fields are encoded to text before persistence").
func sanitize(taskID string, item broker.HistoryItem) model.ParseResult {
	payload := make(map[string]interface{}, len(item.Payload))
	for k, v := range item.Payload {
		if b, ok := v.([]byte); ok {
			payload[k] = fmt.Sprintf("%x", b)
			continue
		}
		payload[k] = v
	}

	return model.ParseResult{
		ResultID:     uuid.NewString(),
		TaskID:       taskID,
		Kind:         item.Kind,
		PlatformKey:  item.PlatformKey,
		Payload:      payload,
		DiscoveredAt: time.Now().UTC(),
	}
}

func (e *Engine) pauseTask(ctx context.Context, task *model.Task, reason string) *errs.Error {
	task.Status = model.TaskPaused
	task.PauseReason = reason
	task.UpdatedAt = e.now()
	if err := e.store.PutTask(ctx, task); err != nil {
		return errs.New(errs.KindStateConflict, "failed to persist paused task")
	}
	return nil
}

func (e *Engine) finishTask(ctx context.Context, task *model.Task, status model.TaskStatus, reason string) {
	task.Status = status
	task.PauseReason = reason
	task.UpdatedAt = e.now()
	_ = e.store.PutTask(ctx, task)
}
