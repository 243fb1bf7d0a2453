// Package telemetry emits the structured events described in spec.md
// §6.4: one per notable transition, carrying task_id, account_id (when
// applicable), outcome, error_kind, duration_ms, and a stable event
// string. It wraps zap the way internal/infra/logger does
// — a single configured logger passed down explicitly, emitting
// structured fields rather than interpolated strings.
package telemetry

import (
	"time"

	"go.uber.org/zap"
)

// Stable event names (spec.md §6.4).
const (
	EventAllocate        = "allocate"
	EventRelease         = "release"
	EventInviteAttempt   = "invite_attempt"
	EventParseBatch      = "parse_batch"
	EventSessionFlood    = "session_flood_wait"
	EventSessionRecover  = "session_recovered"
	EventSessionDisabled = "session_disabled"
)

// Emitter emits structured telemetry events and exports the counters
// named in spec.md §6.4. A counting backend is injected so tests can
// assert on emitted counts without a real metrics sink.
type Emitter struct {
	log      *zap.Logger
	counters CounterSink
}

// CounterSink is the minimal counter-export contract: increment a named
// counter with label key/value pairs. A production binary wires this to
// whatever scraping system it uses; the core only depends on this
// interface (spec.md §1 "Observability plumbing ... out of scope").
type CounterSink interface {
	Inc(name string, labels map[string]string)
}

// NopCounterSink discards every increment. Useful as a default so
// components never need a nil check.
type NopCounterSink struct{}

func (NopCounterSink) Inc(string, map[string]string) {}

// New builds an Emitter. If sink is nil, a NopCounterSink is used.
func New(log *zap.Logger, sink CounterSink) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	if sink == nil {
		sink = NopCounterSink{}
	}
	return &Emitter{log: log, counters: sink}
}

// Event is one structured telemetry record.
type Event struct {
	Name       string
	TaskID     string
	AccountID  string
	Outcome    string
	ErrorKind  string
	Duration   time.Duration
	SpeedProfile string
	Status     string
}

// Emit logs the event as structured fields and bumps the relevant
// counter, per the export list in spec.md §6.4 ("allocations (by
// outcome), invites (by error_kind), parse batches (by speed profile),
// active sessions (by status)").
func (e *Emitter) Emit(ev Event) {
	fields := []zap.Field{
		zap.String("event", ev.Name),
	}
	if ev.TaskID != "" {
		fields = append(fields, zap.String("task_id", ev.TaskID))
	}
	if ev.AccountID != "" {
		fields = append(fields, zap.String("account_id", ev.AccountID))
	}
	if ev.Outcome != "" {
		fields = append(fields, zap.String("outcome", ev.Outcome))
	}
	if ev.ErrorKind != "" {
		fields = append(fields, zap.String("error_kind", ev.ErrorKind))
	}
	fields = append(fields, zap.Int64("duration_ms", ev.Duration.Milliseconds()))

	e.log.Info("telemetry", fields...)

	switch ev.Name {
	case EventAllocate, EventRelease:
		e.counters.Inc("orchestrator_allocations_total", map[string]string{"outcome": ev.Outcome})
	case EventInviteAttempt:
		e.counters.Inc("orchestrator_invites_total", map[string]string{"error_kind": ev.ErrorKind})
	case EventParseBatch:
		e.counters.Inc("orchestrator_parse_batches_total", map[string]string{"speed_profile": ev.SpeedProfile})
	case EventSessionFlood, EventSessionRecover, EventSessionDisabled:
		e.counters.Inc("orchestrator_active_sessions", map[string]string{"status": ev.Status})
	}
}
