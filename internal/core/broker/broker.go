// Package broker implements the Session Broker (spec.md §4.1 / C1): the
// only component holding a network socket to the platform. It owns live
// platform-client objects keyed by session_id, translates high-level
// operations into platform RPC calls, and classifies outcomes into the
// closed errs.Kind taxonomy.
package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"telegram-orchestrator/internal/core/config"
	"telegram-orchestrator/internal/core/errs"
	"telegram-orchestrator/internal/core/model"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/telegram/connection"

	"github.com/gotd/td/tg"
)

// AdminRights is the outcome of VerifyAdminRights (spec.md §4.1).
type AdminRights struct {
	IsAdmin      bool
	Permissions  []string
	HasRequired  bool
}

// InviteKind distinguishes the two SendInvite dispatch mechanisms, a
// broker-level mirror of model.InviteType.
type InviteKind = model.InviteType

// Outcome is the terminal result of one dispatched broker operation.
type Outcome struct {
	Success bool
	Err     *errs.Error
}

// ProgressSnapshot is delivered to a FetchHistory progress sink after
// each batch (spec.md §4.1 fetch_history).
type ProgressSnapshot struct {
	ProcessedMessages int
	ProcessedMedia    int
	ProcessedUsers    int
}

// HistoryItem is one lazily-yielded record from FetchHistory: Kind says
// whether it is a message, media or participant record, mirroring the
// parse result kinds in spec.md §3, and Payload carries its fields.
type HistoryItem struct {
	Kind        model.ParseResultKind
	PlatformKey string
	Payload     map[string]interface{}
}

// Broker is the Session Broker. Construct with New; Shutdown releases
// every cached client.
type Broker struct {
	registry   *ClientRegistry
	onboarding *OnboardingRegistry
	pacing     *PacingController
	cfg        *config.Config
	peerCache  *PeerCache
}

// New builds a Broker over transport, wiring a ClientRegistry, an
// OnboardingRegistry for the QR/SMS edge case, and a PacingController for
// parse speed profiles. peerCache may be nil; every caller tolerates it.
func New(ctx context.Context, cfg *config.Config, transport ClientTransport, peerCache *PeerCache) *Broker {
	registry := NewClientRegistry(transport, 10*time.Minute)
	registry.StartJanitor(ctx, time.Minute)
	return &Broker{
		registry:   registry,
		onboarding: NewOnboardingRegistry(DefaultOnboardingTimeout),
		pacing:     NewPacingController(ctx, cfg),
		cfg:        cfg,
		peerCache:  peerCache,
	}
}

// Shutdown disconnects every cached client and stops background loops.
func (b *Broker) Shutdown() {
	b.registry.StopJanitor()
	b.registry.Shutdown()
	b.onboarding.Shutdown()
	b.pacing.Stop()
	_ = b.peerCache.Close()
}

// withClient acquires sess's API client, runs fn, and releases the
// reference — reconnecting once if the attempt observes a dead
// connection, per spec.md §4.1 "Client lifetime": once connected, the
// broker must keep the client connected for the entire operation,
// explicitly reconnecting if the link drops.
func (b *Broker) withClient(ctx context.Context, sess *model.Session, fn func(*tg.Client) error) error {
	api, release, err := b.registry.Acquire(ctx, sess)
	if err != nil {
		return err
	}
	callErr := fn(api)
	release()

	if callErr != nil && connection.HandleError(callErr) {
		logger.Debugf("broker: reconnecting session %s after network error", sess.SessionID)
		if rerr := b.registry.Reconnect(ctx, sess); rerr != nil {
			return rerr
		}
		api, release, err = b.registry.Acquire(ctx, sess)
		if err != nil {
			return err
		}
		callErr = fn(api)
		release()
	}
	return callErr
}

// ResolveEntity dereferences @username, t.me/... links, phone numbers,
// and numeric ids uniformly (spec.md §4.1).
func (b *Broker) ResolveEntity(ctx context.Context, sess *model.Session, handle string) (Entity, *errs.Error) {
	if id, kind, ok := numericCacheKey(handle); ok {
		if cached, found, _ := b.peerCache.Lookup(ctx, kind, id); found {
			return cached, nil
		}
	}

	var entity Entity
	var rpcErr error

	err := b.withClient(ctx, sess, func(api *tg.Client) error {
		entity, rpcErr = resolveEntityRPC(ctx, api, handle)
		return rpcErr
	})
	if err != nil {
		return Entity{}, classify(err)
	}

	_ = b.peerCache.Remember(ctx, entity)
	return entity, nil
}

// numericCacheKey reports whether handle is a bare numeric id, in which
// case the cache is consulted under EntityUser; a numeric id cached under
// another kind is not found this way and is resolved afresh.
// Returns ok=false for @usernames and t.me links, which always need a
// fresh resolve on first sight since their id is not yet known.
func numericCacheKey(handle string) (int64, EntityKind, bool) {
	h := normalizeHandle(handle)
	id, err := strconv.ParseInt(h, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, EntityUser, true
}

// VerifyAdminRights checks whether sess's account has the required
// permissions in channel (spec.md §4.1). Creators are granted every
// permission without a further RPC round-trip.
func (b *Broker) VerifyAdminRights(ctx context.Context, sess *model.Session, channel Entity, required []string) (AdminRights, *errs.Error) {
	var rights AdminRights
	var rpcErr error

	err := b.withClient(ctx, sess, func(api *tg.Client) error {
		rights, rpcErr = verifyAdminRightsRPC(ctx, api, channel, required)
		return rpcErr
	})
	if err != nil {
		return AdminRights{}, classify(err)
	}
	return rights, nil
}

// CheckCommentsEnabled reports whether channel's recent history carries
// comment-derived users available to parse (spec.md §4.1). Group and
// megagroup entities trivially return true; broadcast channels are
// scanned for the most recent N messages (cfg.CommentScanWindow) and the
// result is true iff at least one carries a non-zero reply count. On
// any scan failure this returns false, matching "false ... on any
// failure of the scan".
func (b *Broker) CheckCommentsEnabled(ctx context.Context, sess *model.Session, channel Entity) bool {
	if !channel.IsChannel() || channel.Kind != EntityBroadcast {
		return true
	}

	var enabled bool
	err := b.withClient(ctx, sess, func(api *tg.Client) error {
		var rpcErr error
		enabled, rpcErr = checkCommentsEnabledRPC(ctx, api, channel, b.cfg.CommentScanWindow)
		return rpcErr
	})
	if err != nil {
		return false
	}
	return enabled
}

// FetchHistory returns a lazy ordered sequence of messages/media/
// participants for channel, paced by profile, delivering progress after
// each batch (spec.md §4.1). The returned function yields one
// HistoryItem at a time; it returns (item, true, nil) while items
// remain, (zero, false, nil) at natural end of history, or a
// classified error.
func (b *Broker) FetchHistory(ctx context.Context, sess *model.Session, channel Entity, profile model.SpeedProfile, sink func(ProgressSnapshot)) func() (HistoryItem, bool, *errs.Error) {
	cursor := newHistoryCursor(b, sess, channel, profile, sink)
	return cursor.next
}

// SendInvite adds target to channel via sess (spec.md §4.1). kind is not
// consulted here; direct messages go through SendDirectMessage. Returns
// the terminal outcome record.
func (b *Broker) SendInvite(ctx context.Context, sess *model.Session, channel Entity, target model.Target, kind model.InviteType) Outcome {
	var rpcErr error
	err := b.withClient(ctx, sess, func(api *tg.Client) error {
		rpcErr = sendInviteRPC(ctx, api, channel, target)
		return rpcErr
	})
	if err != nil {
		return Outcome{Success: false, Err: classify(err)}
	}
	return Outcome{Success: true}
}

// SendDirectMessage sends text to target via sess (spec.md §4.1).
func (b *Broker) SendDirectMessage(ctx context.Context, sess *model.Session, target model.Target, text string) Outcome {
	err := b.withClient(ctx, sess, func(api *tg.Client) error {
		return sendDirectMessageRPC(ctx, api, target, text)
	})
	if err != nil {
		return Outcome{Success: false, Err: classify(err)}
	}
	return Outcome{Success: true}
}

// ProbeSession performs the cheap recovery probe Account Manager's
// maintenance loop uses to test whether a cooling-down session has
// recovered (spec.md §4.2 "Recovery loop"): resolve-self.
func (b *Broker) ProbeSession(ctx context.Context, sess *model.Session) *errs.Error {
	err := b.withClient(ctx, sess, func(api *tg.Client) error {
		_, rpcErr := api.UsersGetFullUser(ctx, &tg.InputUserSelf{})
		return rpcErr
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// BeginOnboarding dials a fresh client for an in-progress sign-in and
// keeps it alive against identifier until Complete or timeout (spec.md
// §4.1 QR/SMS onboarding edge case). The initial handshake itself (SMS
// code / QR / 2FA) is out of scope (spec.md §1); this only guarantees the
// live-client lifetime around it.
func (b *Broker) BeginOnboarding(ctx context.Context, transport ClientTransport, identifier, phone string) error {
	onboardingCtx, cancel := context.WithCancel(context.Background())
	client, api, run, err := transport.Dial(onboardingCtx, &model.Session{SessionID: identifier, Phone: phone})
	if err != nil {
		cancel()
		return fmt.Errorf("broker: dial onboarding client: %w", err)
	}
	go func() { _ = run(onboardingCtx) }()
	b.onboarding.Begin(identifier, client, api, cancel)
	return nil
}

// CompleteOnboarding finalises identifier's sign-in by dropping its
// onboarding entry without disconnecting the client. The client is not
// moved into the ClientRegistry: sessionID is unused, and the registry
// dials its own connection on the session's first Acquire.
func (b *Broker) CompleteOnboarding(identifier, sessionID string) {
	b.onboarding.Complete(identifier)
	_ = sessionID // the authenticated session is persisted by the onboarding flow (out of scope, §1); registry picks it up lazily on first Acquire.
}
