package inviteengine

import (
	"sync"
	"time"

	"telegram-orchestrator/internal/core/broker"
)

// adminRightsTTL bounds how long a verified (account, group) admin-rights
// result is trusted before Plan re-checks it — long enough to skip a
// RPC round-trip on every sweep of a long-running campaign, short enough
// that a rights change (the bot's account demoted mid-campaign) is
// caught within one cache window. Grounded on
// internal/infra/telegram/peersmgr's cache-then-hit pattern, generalized
// from peer identity to admin-rights verdicts.
const adminRightsTTL = 10 * time.Minute

type adminRightsCacheEntry struct {
	rights    broker.AdminRights
	expiresAt time.Time
}

// adminRightsCache memoizes VerifyAdminRights outcomes per (session_id,
// group_id) pair so repeated Plan calls against a long-running campaign
// don't re-verify rights every dispatch sweep.
type adminRightsCache struct {
	mu      sync.Mutex
	entries map[string]adminRightsCacheEntry
}

func newAdminRightsCache() *adminRightsCache {
	return &adminRightsCache{entries: make(map[string]adminRightsCacheEntry)}
}

func adminRightsCacheKey(sessionID, groupID string) string {
	return sessionID + "|" + groupID
}

func (c *adminRightsCache) get(sessionID, groupID string, now time.Time) (broker.AdminRights, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[adminRightsCacheKey(sessionID, groupID)]
	if !ok || now.After(entry.expiresAt) {
		return broker.AdminRights{}, false
	}
	return entry.rights, true
}

func (c *adminRightsCache) put(sessionID, groupID string, rights broker.AdminRights, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[adminRightsCacheKey(sessionID, groupID)] = adminRightsCacheEntry{
		rights:    rights,
		expiresAt: now.Add(adminRightsTTL),
	}
}
