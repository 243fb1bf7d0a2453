package statestore

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

// Bucket names, grounded on peersmgr's bbolt layout
// (internal/infra/telegram/peersmgr/manager.go): one bucket per entity
// family, opened once at startup.
var (
	bucketSessions     = []byte("sessions")
	bucketTasks        = []byte("tasks")
	bucketTargets      = []byte("targets")
	bucketTargetsSeq   = []byte("targets_seq") // per-task ordering sequence
	bucketParseResults = []byte("parse_results")
	bucketExecutionLog = []byte("execution_logs")

	dbOpenTimeout                   = time.Second
	dbFileMode        os.FileMode   = 0o600
)

// BboltStore is the default StateStore implementation: an embedded,
// transactional bbolt database. Matches the choice of bbolt
// for durable local caches (peersmgr, state_storage).
type BboltStore struct {
	db *bbolt.DB
}

var _ StateStore = (*BboltStore)(nil)

// Open opens (creating if necessary) a bbolt database at path and
// ensures every bucket this store needs exists.
func Open(path string) (*BboltStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("statestore: ensure dir %q: %w", dir, err)
		}
	}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("statestore: open db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSessions, bucketTasks, bucketTargets, bucketTargetsSeq, bucketParseResults, bucketExecutionLog} {
			if _, cerr := tx.CreateBucketIfNotExists(b); cerr != nil {
				return cerr
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("statestore: init buckets: %w", err)
	}

	return &BboltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BboltStore) Close() error {
	return s.db.Close()
}

func encode(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (s *BboltStore) GetSession(_ context.Context, sessionID string) (*model.Session, error) {
	var out model.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BboltStore) PutSession(_ context.Context, sess *model.Session) error {
	raw, err := encode(sess)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(sess.SessionID), raw)
	})
}

func (s *BboltStore) ListSessionsByOwner(_ context.Context, ownerUserID string) ([]*model.Session, error) {
	var out []*model.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, raw []byte) error {
			var sess model.Session
			if uerr := json.Unmarshal(raw, &sess); uerr != nil {
				return uerr
			}
			if sess.OwnerUserID == ownerUserID {
				out = append(out, &sess)
			}
			return nil
		})
	})
	return out, err
}

func (s *BboltStore) ListActiveSessions(_ context.Context) ([]*model.Session, error) {
	var out []*model.Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, raw []byte) error {
			var sess model.Session
			if uerr := json.Unmarshal(raw, &sess); uerr != nil {
				return uerr
			}
			if sess.Status == model.SessionActive {
				out = append(out, &sess)
			}
			return nil
		})
	})
	return out, err
}

func (s *BboltStore) GetTask(_ context.Context, taskID string) (*model.Task, error) {
	var out model.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BboltStore) PutTask(_ context.Context, t *model.Task) error {
	raw, err := encode(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(t.TaskID), raw)
	})
}

func (s *BboltStore) ListPendingTasks(_ context.Context, kind model.TaskKind) ([]*model.Task, error) {
	var out []*model.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, raw []byte) error {
			var t model.Task
			if uerr := json.Unmarshal(raw, &t); uerr != nil {
				return uerr
			}
			if t.Kind == kind && t.Status == model.TaskPending {
				out = append(out, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// priority DESC, created_at ASC (spec.md §4.3).
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *BboltStore) GetTarget(_ context.Context, targetID string) (*model.Target, error) {
	var out model.Target
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketTargets).Get([]byte(targetID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// targetEnvelope wraps a target with an ordering sequence number so
// ListTargetsByStatus can honor head-of-queue requeues (spec.md §5)
// without depending on bbolt's natural key order.
type targetEnvelope struct {
	Seq    int64         `json:"seq"`
	Target model.Target  `json:"target"`
}

func (s *BboltStore) PutTarget(ctx context.Context, t *model.Target) error {
	return s.putTargetWithSeq(ctx, t, false)
}

func (s *BboltStore) PutTargetsHead(ctx context.Context, t *model.Target) error {
	return s.putTargetWithSeq(ctx, t, true)
}

func (s *BboltStore) putTargetWithSeq(_ context.Context, t *model.Target, head bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		seqBucket := tx.Bucket(bucketTargetsSeq)
		targetsBucket := tx.Bucket(bucketTargets)

		var seq int64
		if head {
			// Head-of-queue: use a sequence number lower than any
			// existing entry for this task by taking the negative of
			// a monotonically increasing counter.
			n, err := seqBucket.NextSequence()
			if err != nil {
				return err
			}
			seq = -int64(n)
		} else {
			existingRaw := targetsBucket.Get([]byte(t.TargetID))
			if existingRaw != nil {
				var existing targetEnvelope
				if err := json.Unmarshal(existingRaw, &existing); err == nil {
					seq = existing.Seq
				}
			}
			if seq == 0 {
				n, err := seqBucket.NextSequence()
				if err != nil {
					return err
				}
				seq = int64(n)
			}
		}

		env := targetEnvelope{Seq: seq, Target: *t}
		raw, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return targetsBucket.Put([]byte(t.TargetID), raw)
	})
}

func (s *BboltStore) ListTargetsByStatus(_ context.Context, taskID string, status model.TargetStatus) ([]*model.Target, error) {
	var envs []targetEnvelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTargets).ForEach(func(_, raw []byte) error {
			var env targetEnvelope
			if uerr := json.Unmarshal(raw, &env); uerr != nil {
				return uerr
			}
			if env.Target.TaskID == taskID && env.Target.Status == status {
				envs = append(envs, env)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(envs, func(i, j int) bool { return envs[i].Seq < envs[j].Seq })
	out := make([]*model.Target, 0, len(envs))
	for i := range envs {
		t := envs[i].Target
		out = append(out, &t)
	}
	return out, nil
}

func (s *BboltStore) ListTargets(_ context.Context, taskID string) ([]*model.Target, error) {
	var envs []targetEnvelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTargets).ForEach(func(_, raw []byte) error {
			var env targetEnvelope
			if uerr := json.Unmarshal(raw, &env); uerr != nil {
				return uerr
			}
			if env.Target.TaskID == taskID {
				envs = append(envs, env)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(envs, func(i, j int) bool { return envs[i].Seq < envs[j].Seq })
	out := make([]*model.Target, 0, len(envs))
	for i := range envs {
		t := envs[i].Target
		out = append(out, &t)
	}
	return out, nil
}

func (s *BboltStore) InsertParseResult(_ context.Context, r *model.ParseResult) error {
	raw, err := encode(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketParseResults).Put([]byte(r.TaskID+"/"+r.ResultID), raw)
	})
}

func (s *BboltStore) ListParseResults(_ context.Context, taskID string) ([]*model.ParseResult, error) {
	var out []*model.ParseResult
	prefix := []byte(taskID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketParseResults).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var r model.ParseResult
			if uerr := json.Unmarshal(v, &r); uerr != nil {
				return uerr
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

func (s *BboltStore) AppendExecutionLog(_ context.Context, l *model.ExecutionLog) error {
	raw, err := encode(l)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExecutionLog).Put([]byte(l.TaskID+"/"+l.LogID), raw)
	})
}

func (s *BboltStore) ListExecutionLogs(_ context.Context, taskID string) ([]*model.ExecutionLog, error) {
	var out []*model.ExecutionLog
	prefix := []byte(taskID + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketExecutionLog).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var l model.ExecutionLog
			if uerr := json.Unmarshal(v, &l); uerr != nil {
				return uerr
			}
			out = append(out, &l)
		}
		return nil
	})
	return out, err
}

func (s *BboltStore) HasSuccessLog(ctx context.Context, taskID, targetID, action string) (bool, error) {
	logs, err := s.ListExecutionLogs(ctx, taskID)
	if err != nil {
		return false, err
	}
	for _, l := range logs {
		if l.TargetID == targetID && l.Action == action && l.Outcome == model.LogSuccess {
			return true, nil
		}
	}
	return false, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
