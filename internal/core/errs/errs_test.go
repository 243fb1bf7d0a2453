package errs

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindClassification(t *testing.T) {
	cases := []struct {
		kind       Kind
		fatal      bool
		recoverable bool
		terminal   bool
	}{
		{KindPhoneBanned, true, false, false},
		{KindUserDeactivated, true, false, false},
		{KindAuthKeyError, true, false, false},
		{KindFloodWait, false, true, false},
		{KindPeerFlood, false, true, false},
		{KindTransientNetwork, false, true, false},
		{KindUserNotFound, false, false, true},
		{KindPrivacyRestricted, false, false, true},
		{KindAlreadyParticipant, false, false, true},
		{KindUnknownPlatform, false, false, false},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			assert.Equal(t, tc.fatal, tc.kind.FatalForAccount())
			assert.Equal(t, tc.recoverable, tc.kind.RecoverableForAccount())
			assert.Equal(t, tc.terminal, tc.kind.TerminalForTarget())
		})
	}
}

func TestErrorMessage(t *testing.T) {
	e := New(KindUserNotFound, "no such user")
	assert.Equal(t, "USER_NOT_FOUND: no such user", e.Error())

	bare := &Error{Kind: KindTransientNetwork}
	assert.Equal(t, "TRANSIENT_NETWORK", bare.Error())

	var nilErr *Error
	assert.Equal(t, "", nilErr.Error())
}

func TestFloodWaitCarriesDuration(t *testing.T) {
	e := FloodWait(30*time.Second, "flood")
	assert.Equal(t, KindFloodWait, e.Kind)
	assert.Equal(t, 30*time.Second, e.WaitFor)
}

func TestLimitExceededMessage(t *testing.T) {
	retryAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := LimitExceeded("hourly_invites", retryAt)
	assert.Equal(t, KindLimitExceeded, e.Kind)
	assert.Equal(t, "hourly_invites", e.Rule)
	assert.Equal(t, retryAt, e.RetryAt)
	assert.Contains(t, e.Message, "hourly_invites")
}

func TestAsExtractsWrappedError(t *testing.T) {
	inner := New(KindFloodWait, "wait")
	wrapped := fmt.Errorf("dispatch failed: %w", inner)

	got, ok := As(wrapped)
	assert.True(t, ok)
	assert.Same(t, inner, got)

	_, ok = As(fmt.Errorf("plain error"))
	assert.False(t, ok)

	_, ok = As(nil)
	assert.False(t, ok)
}
