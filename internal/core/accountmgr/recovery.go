package accountmgr

import (
	"context"
	"fmt"
	"time"

	"telegram-orchestrator/internal/core/model"
	"telegram-orchestrator/internal/core/telemetry"
	"telegram-orchestrator/internal/infra/logger"

	"github.com/robfig/cron/v3"
)

// StartRecoveryLoop launches the periodic maintenance schedule from
// spec.md §4.2 "Recovery loop" / "Counter resets": a cron-style ticker
// probing due recovery entries at recoveryEvery, plus a fixed daily job
// at the configured UTC day boundary that proactively zeroes every
// active session's *_today counters (resetDailyCountersIfNeeded already
// covers lazy reset on access; this keeps idle sessions' counters
// visibly current for observers between accesses). Stop with
// StopRecoveryLoop.
func (m *AccountManager) StartRecoveryLoop(ctx context.Context, recoveryEvery time.Duration) error {
	c := cron.New(cron.WithLocation(time.UTC))

	if _, err := c.AddFunc(fmt.Sprintf("@every %s", recoveryEvery), func() { m.runRecoverySweep(ctx) }); err != nil {
		return fmt.Errorf("accountmgr: schedule recovery sweep: %w", err)
	}
	dailySpec := fmt.Sprintf("0 %d * * *", m.cfg.DayBoundaryHourUTC)
	if _, err := c.AddFunc(dailySpec, func() { m.runDailyReset(ctx) }); err != nil {
		return fmt.Errorf("accountmgr: schedule daily reset: %w", err)
	}

	c.Start()
	m.cron = c
	return nil
}

// StopRecoveryLoop stops the recovery loop and blocks until its jobs
// finish their current run.
func (m *AccountManager) StopRecoveryLoop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

func (m *AccountManager) runDailyReset(ctx context.Context) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		logger.Debugf("accountmgr: daily reset: list active sessions: %v", err)
		return
	}
	now := m.now()
	for _, sess := range sessions {
		resetDailyCountersIfNeeded(sess, now, m.cfg.DayBoundaryHourUTC)
		_ = m.persist(ctx, sess)
	}
}

func (m *AccountManager) runRecoverySweep(ctx context.Context) {
	now := m.now()
	due, err := m.locks.DueRecoveries(ctx, now)
	if err != nil {
		logger.Debugf("accountmgr: recovery sweep: list due recoveries: %v", err)
		return
	}

	for _, entry := range due {
		m.probeOne(ctx, entry)
	}
}

func (m *AccountManager) probeOne(ctx context.Context, entry model.RecoverySchedule) {
	sess, err := m.store.GetSession(ctx, entry.AccountID)
	if err != nil {
		_ = m.locks.RemoveRecovery(ctx, entry.AccountID)
		return
	}

	if sess.Status == model.SessionDisabled {
		_ = m.locks.RemoveRecovery(ctx, entry.AccountID)
		return
	}

	perr := m.broker.ProbeSession(ctx, sess)
	now := m.now()

	if perr == nil {
		sess.Status = model.SessionActive
		sess.RecoveryFailures = 0
		sess.FloodWaitUntil = time.Time{}
		sess.BlockedUntil = time.Time{}
		_ = m.persist(ctx, sess)
		_ = m.locks.RemoveRecovery(ctx, entry.AccountID)
		if m.telemetry != nil {
			m.telemetry.Emit(telemetry.Event{Name: telemetry.EventSessionRecover, AccountID: sess.SessionID, Status: string(sess.Status)})
		}
		return
	}

	if perr.Kind.FatalForAccount() {
		sess.Status = model.SessionDisabled
		_ = m.persist(ctx, sess)
		_ = m.locks.RemoveRecovery(ctx, entry.AccountID)
		return
	}

	sess.RecoveryFailures++
	_ = m.persist(ctx, sess)

	if sess.RecoveryFailures >= m.cfg.RecoveryMaxFailuresBeforeDisable {
		sess.Status = model.SessionDisabled
		_ = m.persist(ctx, sess)
		_ = m.locks.RemoveRecovery(ctx, entry.AccountID)
		if m.telemetry != nil {
			m.telemetry.Emit(telemetry.Event{Name: telemetry.EventSessionDisabled, AccountID: sess.SessionID, Status: string(sess.Status)})
		}
		return
	}

	backoff := recoveryBackoff(sess.RecoveryFailures, m.cfg.RecoveryProbeBackoffCap)
	_ = m.locks.ScheduleRecovery(ctx, model.RecoverySchedule{
		AccountID: entry.AccountID,
		DueAt:     now.Add(backoff),
		Reason:    entry.Reason,
	})
}

// recoveryBackoff doubles the previous interval per failed probe, capped
// at cap (spec.md §4.2 "exponential backoff capped at a configured
// maximum").
func recoveryBackoff(failures int, cap_ time.Duration) time.Duration {
	base := 30 * time.Second
	for i := 1; i < failures; i++ {
		base *= 2
		if base >= cap_ {
			return cap_
		}
	}
	if base > cap_ {
		return cap_
	}
	return base
}
