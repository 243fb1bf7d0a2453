// dispatch.go runs the process-owned loop that pulls PENDING tasks in
// priority order (spec.md §4.3 "Priority and ordering") and drives them
// one step at a time through the matching Task Engine — grounded on the
// internal/app/runner.go's ticker-driven service loop.
package main

import (
	"context"
	"sync"
	"time"

	"telegram-orchestrator/internal/core/accountmgr"
	"telegram-orchestrator/internal/core/inviteengine"
	"telegram-orchestrator/internal/core/model"
	"telegram-orchestrator/internal/core/parseengine"
	"telegram-orchestrator/internal/core/statestore"
	"telegram-orchestrator/internal/infra/logger"
)

type dispatcher struct {
	store    statestore.StateStore
	accounts *accountmgr.AccountManager
	parser   *parseengine.Engine
	inviter  *inviteengine.Engine
	every    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newDispatcher(store statestore.StateStore, accounts *accountmgr.AccountManager, parser *parseengine.Engine, inviter *inviteengine.Engine, every time.Duration) *dispatcher {
	return &dispatcher{store: store, accounts: accounts, parser: parser, inviter: inviter, every: every}
}

func (d *dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(runCtx)
		}()
	})
}

func (d *dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *dispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *dispatcher) sweep(ctx context.Context) {
	d.sweepParseTasks(ctx)
	d.sweepInviteTasks(ctx)
}

func (d *dispatcher) sweepParseTasks(ctx context.Context) {
	tasks, err := d.store.ListPendingTasks(ctx, model.TaskParse)
	if err != nil {
		logger.Debugf("dispatcher: list pending parse tasks: %v", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		if cerr := d.parser.RunTask(ctx, task); cerr != nil {
			logger.Debugf("dispatcher: parse task %s: %s", task.TaskID, cerr.Message)
		}
	}
}

func (d *dispatcher) sweepInviteTasks(ctx context.Context) {
	tasks, err := d.store.ListPendingTasks(ctx, model.TaskInvite)
	if err != nil {
		logger.Debugf("dispatcher: list pending invite tasks: %v", err)
		return
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}
		d.runInviteTask(ctx, task)
	}
}

// runInviteTask plans the task on every sweep, then dispatches one
// target — spec.md §4.4 drives one target at a
// time so pacing and per-channel limits stay accurate between sweeps.
// Planning needs a live session only to resolve the group and, for
// GROUP_INVITE tasks, check admin rights; a short-lived ADMIN_PROBE
// allocation covers that without holding a lock for the whole sweep.
func (d *dispatcher) runInviteTask(ctx context.Context, task *model.Task) {
	probeAlloc, aerr := d.accounts.Allocate(ctx, task.OwnerUserID, accountmgr.PurposeAdminProbe, "dispatcher.Plan")
	if aerr != nil {
		logger.Debugf("dispatcher: allocate probe session for task %s: %s", task.TaskID, aerr.Message)
		return
	}
	probeSess := &probeAlloc.SnapshotSession
	entity, perr := d.inviter.Plan(ctx, probeSess, task)
	_ = d.accounts.Release(ctx, probeAlloc, accountmgr.UsageReport{})
	if perr != nil {
		logger.Debugf("dispatcher: plan invite task %s: %s", task.TaskID, perr.Message)
		return
	}

	dispatched, derr := d.inviter.DispatchNext(ctx, task, entity)
	if derr != nil {
		logger.Debugf("dispatcher: dispatch invite task %s: %s", task.TaskID, derr.Message)
		return
	}
	if !dispatched {
		done, err := d.inviter.Completed(ctx, task)
		if err == nil && done {
			task.Status = model.TaskCompleted
			task.UpdatedAt = time.Now().UTC()
			_ = d.store.PutTask(ctx, task)
		}
	}
}
