package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSessionIsLocked(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	unlocked := &Session{}
	assert.False(t, unlocked.IsLocked(now))

	held := &Session{LockedBy: "alloc-1", LockExpiresAt: now.Add(time.Minute)}
	assert.True(t, held.IsLocked(now))

	expired := &Session{LockedBy: "alloc-1", LockExpiresAt: now.Add(-time.Minute)}
	assert.False(t, expired.IsLocked(now))
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, 0, Priority("garbage").Rank())
}

func TestTargetHasIdentifier(t *testing.T) {
	assert.False(t, (&Target{}).HasIdentifier())
	assert.True(t, (&Target{Username: "alice"}).HasIdentifier())
	assert.True(t, (&Target{Phone: "+15551234567"}).HasIdentifier())
	assert.True(t, (&Target{PlatformUserID: "123"}).HasIdentifier())
}
