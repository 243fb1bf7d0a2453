// Package connection classifies transport-level errors observed while
// talking to the platform. The Session Broker's ClientRegistry owns
// per-session connection state and reconnection directly (spec.md §4.1,
// §9 "ClientRegistry"); this package's only remaining job is telling it
// which errors mean "the link died" versus "the call itself failed".
package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/storage"
	"telegram-orchestrator/internal/support/debug"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
)

// HandleError reports whether err looks like a network/connection
// failure rather than an ordinary RPC-level error. Callers that get
// true back know the link is dead and should force a redial (e.g. the
// Session Broker's ClientRegistry.Reconnect) instead of retrying the
// same cached client.
func HandleError(err error) bool {
	return isNetworkError(err)
}

// isNetworkError определяет, сигнализирует ли ошибка о сетевой проблеме/разрыве.
// Считаем сетевыми: закрытия соединения/движка (pool.ErrConnDead, rpc.ErrEngineClosed),
// исчерпание ретраев rpc.RetryLimitReachedErr, таймауты/дедлайны, EOF и net.Error.
// Контекстные отмены не считаем сетевыми. Для отладки логируем прочие ошибки в файл.
func isNetworkError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, pool.ErrConnDead) {
		return true
	}
	if errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) { //nolint: S1008 // because
		return true
	}

	if debug.DEBUG {
		logger.Warnf("isNetworkError: %v", err)
		logNonNetworkError(err)
	}

	return false
}

// networkErrorsLogPath — путь файла, куда пишутся «не сетевые» ошибки для диагностики.
const networkErrorsLogPath = "/data/isnetworkerrors.log"

// logNonNetworkError добавляет запись в диагностический лог, используя атомарную
// запись файла. Ошибки чтения/записи логируются на debug‑уровне и не фатальны.
func logNonNetworkError(err error) {
	entry := time.Now().UTC().Format(time.RFC3339Nano) + "\t" + err.Error() + "\n"

	data, readErr := os.ReadFile(networkErrorsLogPath)
	if readErr != nil && !os.IsNotExist(readErr) {
		logger.Debugf("isNetworkError: cannot read %s: %v", networkErrorsLogPath, readErr)
		return
	}

	if writeErr := storage.AtomicWriteFile(networkErrorsLogPath, append(data, entry...)); writeErr != nil {
		logger.Debugf("isNetworkError: cannot write %s: %v", networkErrorsLogPath, writeErr)
	}
}
