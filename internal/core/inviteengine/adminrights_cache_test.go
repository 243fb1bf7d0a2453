package inviteengine

import (
	"testing"
	"time"

	"telegram-orchestrator/internal/core/broker"

	"github.com/stretchr/testify/assert"
)

func TestAdminRightsCacheMissThenHit(t *testing.T) {
	c := newAdminRightsCache()
	now := time.Now().UTC()

	_, ok := c.get("sess-1", "group-1", now)
	assert.False(t, ok)

	rights := broker.AdminRights{IsAdmin: true, HasRequired: true}
	c.put("sess-1", "group-1", rights, now)

	got, ok := c.get("sess-1", "group-1", now)
	assert.True(t, ok)
	assert.Equal(t, rights, got)
}

func TestAdminRightsCacheExpiresAfterTTL(t *testing.T) {
	c := newAdminRightsCache()
	now := time.Now().UTC()

	c.put("sess-1", "group-1", broker.AdminRights{HasRequired: true}, now)

	_, ok := c.get("sess-1", "group-1", now.Add(adminRightsTTL+time.Second))
	assert.False(t, ok, "entry must expire once the TTL has elapsed")
}

func TestAdminRightsCacheIsolatesKeys(t *testing.T) {
	c := newAdminRightsCache()
	now := time.Now().UTC()

	c.put("sess-1", "group-1", broker.AdminRights{HasRequired: true}, now)

	_, ok := c.get("sess-2", "group-1", now)
	assert.False(t, ok)

	_, ok = c.get("sess-1", "group-2", now)
	assert.False(t, ok)
}
