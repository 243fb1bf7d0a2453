// Package session adapts tdsession.Storage onto the orchestrator's own
// StateStore, keyed by session_id, rather than one flat file per
// process — FileStorage's single-account design generalized to the
// multi-tenant model (spec.md §3 Session.session_blob).
package session

import (
	"context"
	"sync"

	"telegram-orchestrator/internal/core/statestore"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
)

// StoreBackedStorage implements tdsession.Storage over one session row
// in a StateStore. A successful StoreSession is the signal that this
// session has a fresh, restorable auth key.
type StoreBackedStorage struct {
	Store     statestore.StateStore
	SessionID string

	mux sync.Mutex
}

var _ tdsession.Storage = (*StoreBackedStorage)(nil)

// ForSession builds the per-session tdsession.Storage the Session
// Broker's GotdTransport.SessionStorageFor factory returns for sess.
func ForSession(store statestore.StateStore, sessionID string) *StoreBackedStorage {
	return &StoreBackedStorage{Store: store, SessionID: sessionID}
}

// LoadSession returns the session's current restorable blob.
func (s *StoreBackedStorage) LoadSession(ctx context.Context) ([]byte, error) {
	if s == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	sess, err := s.Store.GetSession(ctx, s.SessionID)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load session blob")
	}
	if len(sess.SessionBlob) == 0 {
		return nil, tdsession.ErrNotFound
	}
	return sess.SessionBlob, nil
}

// StoreSession persists a freshly issued auth key back onto the session
// row.
func (s *StoreBackedStorage) StoreSession(ctx context.Context, data []byte) error {
	if s == nil {
		return errors.New("nil session storage is invalid")
	}
	s.mux.Lock()
	defer s.mux.Unlock()

	sess, err := s.Store.GetSession(ctx, s.SessionID)
	if err != nil {
		return errors.Wrap(err, "load session before store")
	}
	sess.SessionBlob = data
	if err := s.Store.PutSession(ctx, sess); err != nil {
		return errors.Wrap(err, "persist session blob")
	}
	return nil
}
