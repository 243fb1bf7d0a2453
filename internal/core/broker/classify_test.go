package broker

import (
	"context"
	"errors"
	"testing"

	"telegram-orchestrator/internal/core/errs"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
)

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, classify(nil))
}

func TestClassifyContextErrors(t *testing.T) {
	assert.Equal(t, errs.KindTransientNetwork, classify(context.DeadlineExceeded).Kind)
	assert.Equal(t, errs.KindTransientNetwork, classify(context.Canceled).Kind)
}

func TestClassifyRPCFloodWait(t *testing.T) {
	e := classifyRPC(&tgerr.Error{Type: "FLOOD_WAIT", Argument: 45, Message: "FLOOD_WAIT_45"})
	assert.Equal(t, errs.KindFloodWait, e.Kind)
	assert.Equal(t, secondsToDuration(45), e.WaitFor)
	assert.Equal(t, "FLOOD_WAIT_45", e.Platform)
}

func TestClassifyRPCKnownTypes(t *testing.T) {
	cases := []struct {
		typ  string
		kind errs.Kind
	}{
		{"PEER_FLOOD", errs.KindPeerFlood},
		{"PHONE_NUMBER_BANNED", errs.KindPhoneBanned},
		{"USER_DEACTIVATED", errs.KindUserDeactivated},
		{"USER_DEACTIVATED_BAN", errs.KindUserDeactivated},
		{"AUTH_KEY_UNREGISTERED", errs.KindAuthKeyError},
		{"SESSION_REVOKED", errs.KindAuthKeyError},
		{"USER_PRIVACY_RESTRICTED", errs.KindPrivacyRestricted},
		{"USERNAME_NOT_OCCUPIED", errs.KindUserNotFound},
		{"USERNAME_INVALID", errs.KindInvalidIdentifier},
		{"USER_ALREADY_PARTICIPANT", errs.KindAlreadyParticipant},
		{"USER_NOT_MUTUAL_CONTACT", errs.KindNotMutualContact},
		{"USERS_TOO_MUCH", errs.KindTargetChannelLimit},
		{"CHAT_ADMIN_REQUIRED", errs.KindGroupRestriction},
	}

	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			got := classifyRPC(&tgerr.Error{Type: tc.typ, Message: tc.typ})
			assert.Equal(t, tc.kind, got.Kind)
		})
	}
}

func TestClassifyRPCServerErrorFallsBackToTransient(t *testing.T) {
	got := classifyRPC(&tgerr.Error{Type: "SOME_FUTURE_ERROR", Code: 500, Message: "internal"})
	assert.Equal(t, errs.KindTransientNetwork, got.Kind)
}

func TestClassifyRPCUnknownDefaultsToUnknownPlatform(t *testing.T) {
	got := classifyRPC(&tgerr.Error{Type: "SOME_NEW_ERROR_TYPE", Code: 400, Message: "weird"})
	assert.Equal(t, errs.KindUnknownPlatform, got.Kind)
	assert.Equal(t, "weird", got.Platform)
}

func TestClassifyUnclassifiedError(t *testing.T) {
	got := classify(errors.New("something odd"))
	assert.Equal(t, errs.KindUnknownPlatform, got.Kind)
	assert.Equal(t, "something odd", got.Platform)
}
