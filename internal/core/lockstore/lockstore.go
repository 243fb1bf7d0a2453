// Package lockstore defines the LockStore contract (spec.md §2 L3, §5):
// short-TTL distributed locks over accounts, and the ordered recovery
// wake-up set. LockStore is authoritative for "who holds this account
// right now"; the session row's locked_by/lock_expires_at mirror is for
// observability only and must never be trusted for mutual exclusion.
package lockstore

import (
	"context"
	"errors"
	"time"

	"telegram-orchestrator/internal/core/model"
)

// ErrLocked is returned by TryLock when the key is already held by a
// different, still-live holder (first-writer-wins, spec.md §4.2
// "Concurrency").
var ErrLocked = errors.New("lockstore: already locked")

// LockStore is the storage-agnostic contract for account locks and the
// recovery schedule. The default implementation is bbolt-backed.
type LockStore interface {
	// TryLock attempts to acquire key for holder with the given TTL.
	// Acquisition is a compare-and-swap: it succeeds if the key is
	// unheld, held by a lock whose TTL has already elapsed, or already
	// held by holder (which renews the TTL).
	TryLock(ctx context.Context, key, holder string, ttl time.Duration) error
	// Extend renews an already-held lock's TTL. Fails if holder does not
	// currently hold key.
	Extend(ctx context.Context, key, holder string, ttl time.Duration) error
	// Unlock releases key if currently held by holder. Releasing a lock
	// you do not hold (e.g. because the TTL already expired and someone
	// else acquired it) is not an error — Release must be idempotent
	// (spec.md §7).
	Unlock(ctx context.Context, key, holder string) error
	// HolderOf reports the last recorded holder of key and its expiry
	// time, which may already be past, for observability/debugging only.
	HolderOf(ctx context.Context, key string) (holder string, expiresAt time.Time, err error)

	// ScheduleRecovery upserts a wake-up entry for an account (spec.md §3
	// RecoverySchedule). Re-enqueuing with a new due_at on probe failure
	// must be idempotent (spec.md §5).
	ScheduleRecovery(ctx context.Context, e model.RecoverySchedule) error
	// DueRecoveries returns every recovery entry whose due_at has
	// elapsed, ordered by due_at ascending.
	DueRecoveries(ctx context.Context, now time.Time) ([]model.RecoverySchedule, error)
	// RemoveRecovery removes the recovery entry for accountID, if any.
	RemoveRecovery(ctx context.Context, accountID string) error
}
