// onboarding.go implements the QR/SMS sign-in edge case from spec.md
// §4.1: "the onboarding flow creates a client, initiates the login, does
// not disconnect on return, and stores the live client against the
// onboarding identifier until either (a) sign-in succeeds, (b) the user
// supplies a 2FA password ... or (c) a per-identifier timeout (>= 5 min)
// elapses, at which point the client is disconnected and its entry
// evicted." The initial handshake itself is out of scope (spec.md §1);
// this only owns the live-client lifetime around it, which the broker
// is responsible for regardless.
package broker

import (
	"context"
	"sync"
	"time"

	"telegram-orchestrator/internal/infra/logger"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
)

// DefaultOnboardingTimeout is the minimum per-identifier timeout spec.md
// §4.1 requires ("a per-identifier timeout (>= 5 min)").
const DefaultOnboardingTimeout = 5 * time.Minute

type onboardingEntry struct {
	client    *telegram.Client
	api       *tg.Client
	cancel    context.CancelFunc
	createdAt time.Time
	timer     *time.Timer
}

// OnboardingRegistry keeps the live client for an in-progress sign-in
// alive across the multi-step flow (phone -> code -> optional 2FA).
type OnboardingRegistry struct {
	mu      sync.Mutex
	entries map[string]*onboardingEntry
	timeout time.Duration
}

// NewOnboardingRegistry builds a registry with the given per-identifier
// timeout. timeout is clamped up to DefaultOnboardingTimeout if smaller.
func NewOnboardingRegistry(timeout time.Duration) *OnboardingRegistry {
	if timeout < DefaultOnboardingTimeout {
		timeout = DefaultOnboardingTimeout
	}
	return &OnboardingRegistry{
		entries: make(map[string]*onboardingEntry),
		timeout: timeout,
	}
}

// Begin stores a freshly dialed client against identifier and arms the
// eviction timer. If an entry already exists for identifier it is
// replaced and its old timer stopped.
func (o *OnboardingRegistry) Begin(identifier string, client *telegram.Client, api *tg.Client, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if old, ok := o.entries[identifier]; ok {
		old.timer.Stop()
		old.cancel()
	}

	entry := &onboardingEntry{client: client, api: api, cancel: cancel, createdAt: time.Now()}
	entry.timer = time.AfterFunc(o.timeout, func() {
		o.evict(identifier, "timeout")
	})
	o.entries[identifier] = entry
}

// Get returns the live client for identifier, if the flow is still
// in-progress, so a subsequent 2FA-password step reuses the same
// connection rather than redialing.
func (o *OnboardingRegistry) Get(identifier string) (*telegram.Client, *tg.Client, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.entries[identifier]
	if !ok {
		return nil, nil, false
	}
	return entry.client, entry.api, true
}

// Complete finalises a successful sign-in: stops the eviction timer and
// drops the entry. Complete never disconnects the now-authenticated
// client, and nothing moves it into the ClientRegistry.
func (o *OnboardingRegistry) Complete(identifier string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.entries[identifier]; ok {
		entry.timer.Stop()
		delete(o.entries, identifier)
	}
}

// evict disconnects and drops identifier's entry, e.g. on timeout.
func (o *OnboardingRegistry) evict(identifier, reason string) {
	o.mu.Lock()
	entry, ok := o.entries[identifier]
	if ok {
		delete(o.entries, identifier)
	}
	o.mu.Unlock()

	if !ok {
		return
	}
	logger.Debugf("broker: onboarding entry %s evicted (%s)", identifier, reason)
	entry.cancel()
}

// Shutdown evicts every in-progress onboarding entry.
func (o *OnboardingRegistry) Shutdown() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.entries))
	for id := range o.entries {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.evict(id, "shutdown")
	}
}
