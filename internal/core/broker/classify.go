package broker

// classify.go is the single point where raw platform errors become the
// closed errs.Kind vocabulary (spec.md §4.1, design note in §9 "Exceptions
// as control flow around platform errors"). No component upstream of this
// file may branch on a raw platform error string.

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	"telegram-orchestrator/internal/core/errs"

	"github.com/gotd/td/tgerr"
)

// classify turns a raw error from the platform transport into the
// closed taxonomy. The FLOOD_WAIT buffer (spec.md §9 Open Question) is
// added by Account Manager when it schedules the recovery, not here —
// the broker reports the platform's raw wait duration only.
func classify(err error) *errs.Error {
	if err == nil {
		return nil
	}

	if rpcErr, ok := tgerr.As(err); ok {
		return classifyRPC(rpcErr)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.New(errs.KindTransientNetwork, "the request timed out")
	}
	if errors.Is(err, io.EOF) {
		return errs.New(errs.KindTransientNetwork, "the connection was interrupted")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errs.New(errs.KindTransientNetwork, "a network error occurred")
	}

	out := errs.New(errs.KindUnknownPlatform, "an unclassified platform error occurred")
	out.Platform = err.Error()
	return out
}

// classifyRPC maps a parsed MTProto RPC error (gotd/td's tgerr.Error) onto
// the closed taxonomy by its Type string, which is the stable, versioned
// identifier Telegram's RPC layer uses for this class of error (e.g.
// "FLOOD_WAIT", "PEER_FLOOD", "PHONE_NUMBER_BANNED").
func classifyRPC(rpcErr *tgerr.Error) *errs.Error {
	typ := rpcErr.Type

	switch {
	case typ == "FLOOD_WAIT" || strings.HasPrefix(typ, "FLOOD_WAIT"):
		wait := secondsToDuration(rpcErr.Argument)
		e := errs.FloodWait(wait, humanFloodWait(wait))
		e.Platform = rpcErr.Message
		return e

	case typ == "PEER_FLOOD":
		e := errs.New(errs.KindPeerFlood, "этот аккаунт временно ограничен платформой из-за слишком высокой активности")
		e.Platform = rpcErr.Message
		return e

	case typ == "PHONE_NUMBER_BANNED":
		e := errs.New(errs.KindPhoneBanned, "номер телефона этой сессии заблокирован платформой")
		e.Platform = rpcErr.Message
		return e

	case typ == "USER_DEACTIVATED" || typ == "USER_DEACTIVATED_BAN":
		e := errs.New(errs.KindUserDeactivated, "сессия деактивирована платформой")
		e.Platform = rpcErr.Message
		return e

	case typ == "AUTH_KEY_UNREGISTERED" || typ == "AUTH_KEY_INVALID" || typ == "SESSION_REVOKED":
		e := errs.New(errs.KindAuthKeyError, "сессия больше не действительна и требует повторной авторизации")
		e.Platform = rpcErr.Message
		return e

	case typ == "USER_PRIVACY_RESTRICTED" || typ == "PRIVACY_PREMIUM_REQUIRED":
		e := errs.New(errs.KindPrivacyRestricted, "настройки приватности пользователя запрещают это действие")
		e.Platform = rpcErr.Message
		return e

	case typ == "USERNAME_NOT_OCCUPIED" || typ == "USER_ID_INVALID" || typ == "PEER_ID_INVALID":
		e := errs.New(errs.KindUserNotFound, "пользователь не найден")
		e.Platform = rpcErr.Message
		return e

	case typ == "USERNAME_INVALID" || typ == "PHONE_NUMBER_INVALID":
		e := errs.New(errs.KindInvalidIdentifier, "идентификатор цели некорректен")
		e.Platform = rpcErr.Message
		return e

	case typ == "USER_ALREADY_PARTICIPANT":
		e := errs.New(errs.KindAlreadyParticipant, "пользователь уже состоит в этой группе")
		e.Platform = rpcErr.Message
		return e

	case typ == "USER_NOT_MUTUAL_CONTACT":
		e := errs.New(errs.KindNotMutualContact, "для этого действия требуется взаимный контакт")
		e.Platform = rpcErr.Message
		return e

	case typ == "USERS_TOO_MUCH" || typ == "CHANNELS_TOO_MUCH":
		e := errs.New(errs.KindTargetChannelLimit, "пользователь состоит в слишком большом количестве каналов/групп")
		e.Platform = rpcErr.Message
		return e

	case typ == "CHAT_ADMIN_REQUIRED" || typ == "CHAT_WRITE_FORBIDDEN" || typ == "INVITE_HASH_EXPIRED":
		e := errs.New(errs.KindGroupRestriction, "группа запрещает приглашение этим способом")
		e.Platform = rpcErr.Message
		return e

	case rpcErr.Code >= 500:
		e := errs.New(errs.KindTransientNetwork, "платформа временно недоступна")
		e.Platform = rpcErr.Message
		return e

	default:
		e := errs.New(errs.KindUnknownPlatform, "платформа вернула неклассифицированную ошибку")
		e.Platform = rpcErr.Message
		return e
	}
}
