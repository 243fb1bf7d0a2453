// registry.go implements the ClientRegistry design note from spec.md §9:
// "a ClientRegistry owned by the Session Broker, implemented as a keyed
// map with per-key single-writer discipline; connections are
// reference-counted by allocation tokens; a janitor closes idle entries
// after a grace period." Styled after
// internal/infra/telegram/connection manager: atomic state, mutex-guarded
// map, explicit generation handling instead of a shared global.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telegram-orchestrator/internal/core/errs"
	"telegram-orchestrator/internal/core/model"
	"telegram-orchestrator/internal/infra/logger"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
)

// liveClient is one cached MTProto connection plus its reference count.
// The broker keeps a client connected for the entire duration any
// allocation token references it (spec.md §4.1 "Client lifetime") —
// explicitly reconnecting if the link drops mid-operation, never
// disconnecting out from under an in-flight caller.
type liveClient struct {
	mu sync.Mutex

	sessionID string
	client    *telegram.Client
	api       *tg.Client
	cancel    context.CancelFunc
	runErrCh  <-chan error

	refs       int
	lastUsedAt time.Time
}

// ClientTransport constructs an authenticated *telegram.Client for a
// session's restorable blob and returns it together with a run function
// that drives its connection loop until the given ctx is canceled.
// The gotd/td-backed implementation lives in platform_gotd.go.
type ClientTransport interface {
	Dial(ctx context.Context, sess *model.Session) (client *telegram.Client, api *tg.Client, run func(context.Context) error, err error)
}

// ClientRegistry owns every live platform-client object, keyed by
// session_id (spec.md §4.1, §9). Exactly one live, authenticated
// connection is kept per session across many concurrent consumers;
// reference counting by allocation token governs reclamation.
type ClientRegistry struct {
	transport ClientTransport
	idleAfter time.Duration

	mu      sync.Mutex
	clients map[string]*liveClient

	janitorCancel context.CancelFunc
	janitorDone   chan struct{}
}

// NewClientRegistry builds a registry. idleAfter is the grace period the
// janitor waits with zero references before disconnecting a client.
func NewClientRegistry(transport ClientTransport, idleAfter time.Duration) *ClientRegistry {
	if idleAfter <= 0 {
		idleAfter = 5 * time.Minute
	}
	r := &ClientRegistry{
		transport: transport,
		idleAfter: idleAfter,
		clients:   make(map[string]*liveClient),
	}
	return r
}

// StartJanitor launches the background eviction loop. Call once at
// broker startup; Stop via StopJanitor.
func (r *ClientRegistry) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	r.janitorCancel = cancel
	r.janitorDone = make(chan struct{})
	go r.janitorLoop(ctx, every)
}

// StopJanitor stops the eviction loop and waits for it to exit.
func (r *ClientRegistry) StopJanitor() {
	if r.janitorCancel != nil {
		r.janitorCancel()
	}
	if r.janitorDone != nil {
		<-r.janitorDone
	}
}

func (r *ClientRegistry) janitorLoop(ctx context.Context, every time.Duration) {
	defer close(r.janitorDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *ClientRegistry) evictIdle() {
	now := time.Now()
	var toClose []*liveClient

	r.mu.Lock()
	for id, lc := range r.clients {
		lc.mu.Lock()
		idle := lc.refs == 0 && now.Sub(lc.lastUsedAt) >= r.idleAfter
		if idle {
			toClose = append(toClose, lc)
			delete(r.clients, id)
		}
		lc.mu.Unlock()
	}
	r.mu.Unlock()

	for _, lc := range toClose {
		logger.Debugf("broker: janitor evicting idle client session=%s", lc.sessionID)
		lc.disconnect()
	}
}

// Acquire returns the API client for sess, dialing lazily and caching it
// while referenced, and increments its reference count. Callers MUST
// call the returned release func exactly once when done (mirrors
// allocation-token-scoped holding, spec.md §9).
func (r *ClientRegistry) Acquire(ctx context.Context, sess *model.Session) (*tg.Client, func(), error) {
	r.mu.Lock()
	lc, ok := r.clients[sess.SessionID]
	if !ok {
		lc = &liveClient{sessionID: sess.SessionID}
		r.clients[sess.SessionID] = lc
	}
	r.mu.Unlock()

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.client == nil {
		client, api, run, err := r.transport.Dial(ctx, sess)
		if err != nil {
			return nil, nil, fmt.Errorf("broker: dial session %s: %w", sess.SessionID, err)
		}
		runCtx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- run(runCtx)
		}()
		lc.client = client
		lc.api = api
		lc.cancel = cancel
		lc.runErrCh = errCh
	}

	lc.refs++
	lc.lastUsedAt = time.Now()

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		lc.mu.Lock()
		lc.refs--
		lc.lastUsedAt = time.Now()
		lc.mu.Unlock()
	}

	return lc.api, release, nil
}

// Reconnect forces a redial of sess's client, used when a mid-operation
// disconnect is detected (spec.md §4.1 "explicitly reconnecting ...
// if the link drops"). Existing reference counts are preserved.
func (r *ClientRegistry) Reconnect(ctx context.Context, sess *model.Session) error {
	r.mu.Lock()
	lc, ok := r.clients[sess.SessionID]
	r.mu.Unlock()
	if !ok {
		return errs.New(errs.KindTransientNetwork, "no cached client to reconnect")
	}

	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.cancel != nil {
		lc.cancel()
	}

	client, api, run, err := r.transport.Dial(ctx, sess)
	if err != nil {
		return fmt.Errorf("broker: reconnect session %s: %w", sess.SessionID, err)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- run(runCtx) }()

	lc.client = client
	lc.api = api
	lc.cancel = cancel
	lc.runErrCh = errCh
	return nil
}

// Evict forcibly disconnects and drops sess's cached client regardless
// of reference count (used when a session becomes DISABLED/BLOCKED).
func (r *ClientRegistry) Evict(sessionID string) {
	r.mu.Lock()
	lc, ok := r.clients[sessionID]
	if ok {
		delete(r.clients, sessionID)
	}
	r.mu.Unlock()
	if ok {
		lc.disconnect()
	}
}

func (lc *liveClient) disconnect() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.cancel != nil {
		lc.cancel()
		lc.cancel = nil
	}
	lc.client = nil
	lc.api = nil
}

// Shutdown disconnects every cached client. Call on broker teardown.
func (r *ClientRegistry) Shutdown() {
	r.mu.Lock()
	clients := make([]*liveClient, 0, len(r.clients))
	for _, lc := range r.clients {
		clients = append(clients, lc)
	}
	r.clients = make(map[string]*liveClient)
	r.mu.Unlock()

	for _, lc := range clients {
		lc.disconnect()
	}
}
