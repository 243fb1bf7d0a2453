// cli.go is the operator REPL: list-sessions, recover-now, show-task
// (SPEC_FULL.md §A "CLI"). Adapted from
// internal/adapters/cli.Service — same readline-over-pr plumbing and
// Start/Stop lifecycle discipline, new command set for this domain.
package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"telegram-orchestrator/internal/core/accountmgr"
	"telegram-orchestrator/internal/core/config"
	"telegram-orchestrator/internal/core/lockstore"
	"telegram-orchestrator/internal/core/model"
	"telegram-orchestrator/internal/core/statestore"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/pr"
)

type cliService struct {
	store    statestore.StateStore
	locks    lockstore.LockStore
	accounts *accountmgr.AccountManager
	cfg      *config.Config
	stopApp  context.CancelFunc

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

func newCLIService(store statestore.StateStore, locks lockstore.LockStore, accounts *accountmgr.AccountManager, cfg *config.Config, stopApp context.CancelFunc) *cliService {
	return &cliService{store: store, locks: locks, accounts: accounts, cfg: cfg, stopApp: stopApp}
}

func (s *cliService) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

func (s *cliService) Stop() {
	s.onceStop.Do(func() {
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *cliService) run(ctx context.Context) {
	pr.SetPrompt("orchestratord> ")
	pr.Println("Commands: list-sessions <user_id> | recover-now <session_id> | show-task <task_id> | help | exit")

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := pr.Rl().Readline()
		if err != nil {
			return
		}
		if s.handle(ctx, strings.TrimSpace(line)) {
			return
		}
	}
}

func (s *cliService) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true

	case "help":
		pr.Println("list-sessions <user_id>   show every session owned by user_id and its status")
		pr.Println("recover-now <session_id>  force an immediate recovery probe")
		pr.Println("show-task <task_id>       dump a task's current counters and targets")

	case "list-sessions":
		if len(fields) < 2 {
			pr.ErrPrintln("usage: list-sessions <user_id>")
			return false
		}
		s.listSessions(ctx, fields[1])

	case "recover-now":
		if len(fields) < 2 {
			pr.ErrPrintln("usage: recover-now <session_id>")
			return false
		}
		s.recoverNow(ctx, fields[1])

	case "show-task":
		if len(fields) < 2 {
			pr.ErrPrintln("usage: show-task <task_id>")
			return false
		}
		s.showTask(ctx, fields[1])

	default:
		pr.ErrPrintf("unknown command %q (try 'help')\n", fields[0])
	}
	return false
}

func (s *cliService) listSessions(ctx context.Context, ownerUserID string) {
	sessions, err := s.store.ListSessionsByOwner(ctx, ownerUserID)
	if err != nil {
		pr.ErrPrintf("list-sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		pr.Println("no sessions for", ownerUserID)
		return
	}
	for _, sess := range sessions {
		pr.Println(fmt.Sprintf("%s  status=%s  invites_today=%d/%d  errors=%d  locked=%v",
			sess.SessionID, sess.Status, sess.InvitesToday, s.cfg.Limits.PerAccountDaily, sess.ErrorCount, sess.LockedBy != ""))
	}
}

func (s *cliService) recoverNow(ctx context.Context, sessionID string) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		pr.ErrPrintf("recover-now: %v\n", err)
		return
	}
	if err := s.locks.ScheduleRecovery(ctx, model.RecoverySchedule{AccountID: sess.SessionID, DueAt: nowUTC(), Reason: model.RecoveryBanReview}); err != nil {
		pr.ErrPrintf("recover-now: %v\n", err)
		return
	}
	pr.Println("scheduled an immediate recovery probe for", sessionID)
	logger.Infof("cli: operator forced recovery for %s", sessionID)
}

func (s *cliService) showTask(ctx context.Context, taskID string) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		pr.ErrPrintf("show-task: %v\n", err)
		return
	}
	pr.Println(fmt.Sprintf("task %s  kind=%s  status=%s  priority=%s  pause_reason=%q",
		task.TaskID, task.Kind, task.Status, task.Priority, task.PauseReason))

	if task.Kind == model.TaskInvite {
		targets, err := s.store.ListTargets(ctx, taskID)
		if err != nil {
			pr.ErrPrintf("show-task: list targets: %v\n", err)
			return
		}
		pr.Println(fmt.Sprintf("targets: %d total, completed=%d failed=%d pending=%d",
			len(targets), task.InviteCounters.Completed, task.InviteCounters.Failed, task.InviteCounters.Pending))
		return
	}

	pr.Println(fmt.Sprintf("progress: %.1f%% (messages=%d media=%d / estimated=%d)",
		task.ParseCounters.ProgressPercent, task.ParseCounters.ProcessedMessages, task.ParseCounters.ProcessedMedia, task.ParseCounters.EstimatedTotal))
}
