package lockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"telegram-orchestrator/internal/core/model"

	"go.etcd.io/bbolt"
)

var (
	bucketLocks     = []byte("locks")
	bucketRecovery  = []byte("recovery")

	lockDBOpenTimeout             = time.Second
	lockDBFileMode    os.FileMode = 0o600
)

type lockRow struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BboltLockStore is the default LockStore implementation: a bbolt
// database separate from the StateStore's, since a production
// deployment typically places locks on a faster/ephemeral store (e.g.
// Redis) while state lives on a durable one. Kept bbolt-backed here for
// a dependency-free default, matching the everything-bbolt
// local footprint.
type BboltLockStore struct {
	db *bbolt.DB
}

var _ LockStore = (*BboltLockStore)(nil)

// Open opens (creating if necessary) a bbolt database at path for locks
// and the recovery schedule.
func Open(path string) (*BboltLockStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("lockstore: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, lockDBFileMode, &bbolt.Options{Timeout: lockDBOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("lockstore: open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketLocks, bucketRecovery} {
			if _, cerr := tx.CreateBucketIfNotExists(b); cerr != nil {
				return cerr
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("lockstore: init buckets: %w", err)
	}

	return &BboltLockStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BboltLockStore) Close() error { return s.db.Close() }

func (s *BboltLockStore) TryLock(_ context.Context, key, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		raw := b.Get([]byte(key))
		if raw != nil {
			var row lockRow
			if err := json.Unmarshal(raw, &row); err != nil {
				return err
			}
			// Free only if the lock's TTL has already elapsed
			// (spec.md §4.2 "lock_expires_at <= now treated as free").
			if row.ExpiresAt.After(now) && row.Holder != holder {
				return ErrLocked
			}
		}
		row := lockRow{Holder: holder, ExpiresAt: now.Add(ttl)}
		encoded, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), encoded)
	})
}

func (s *BboltLockStore) Extend(_ context.Context, key, holder string, ttl time.Duration) error {
	now := time.Now().UTC()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		raw := b.Get([]byte(key))
		if raw == nil {
			return ErrLocked
		}
		var row lockRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if row.Holder != holder || !row.ExpiresAt.After(now) {
			return ErrLocked
		}
		row.ExpiresAt = now.Add(ttl)
		encoded, err := json.Marshal(row)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), encoded)
	})
}

func (s *BboltLockStore) Unlock(_ context.Context, key, holder string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketLocks)
		raw := b.Get([]byte(key))
		if raw == nil {
			// Idempotent: nothing to release (spec.md §7).
			return nil
		}
		var row lockRow
		if err := json.Unmarshal(raw, &row); err != nil {
			return err
		}
		if row.Holder != holder {
			// Someone else already holds it (TTL elapsed and raced
			// reallocation) — idempotent no-op from our perspective.
			return nil
		}
		return b.Delete([]byte(key))
	})
}

func (s *BboltLockStore) HolderOf(_ context.Context, key string) (string, time.Time, error) {
	var row lockRow
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketLocks).Get([]byte(key))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &row)
	})
	return row.Holder, row.ExpiresAt, err
}

func (s *BboltLockStore) ScheduleRecovery(_ context.Context, e model.RecoverySchedule) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecovery).Put([]byte(e.AccountID), raw)
	})
}

func (s *BboltLockStore) DueRecoveries(_ context.Context, now time.Time) ([]model.RecoverySchedule, error) {
	var out []model.RecoverySchedule
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecovery).ForEach(func(_, raw []byte) error {
			var e model.RecoverySchedule
			if uerr := json.Unmarshal(raw, &e); uerr != nil {
				return uerr
			}
			if !e.DueAt.After(now) {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (s *BboltLockStore) RemoveRecovery(_ context.Context, accountID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecovery).Delete([]byte(accountID))
	})
}
