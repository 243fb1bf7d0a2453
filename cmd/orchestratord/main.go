// Command orchestratord wires the Session Broker, Account Manager, and
// the two Task Engines into one process and drives the dispatch loop
// described in spec.md §4 — bootstrap follows the pattern of the former
// cmd/userbot/main.go (signal.NotifyContext, logger.Init, pr.Init,
// app lifecycle), generalized from one hard-wired account to the
// multi-tenant core.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"telegram-orchestrator/internal/core/accountmgr"
	"telegram-orchestrator/internal/core/broker"
	"telegram-orchestrator/internal/core/config"
	"telegram-orchestrator/internal/core/inviteengine"
	"telegram-orchestrator/internal/core/lockstore"
	"telegram-orchestrator/internal/core/model"
	"telegram-orchestrator/internal/core/parseengine"
	"telegram-orchestrator/internal/core/statestore"
	"telegram-orchestrator/internal/core/telemetry"
	"telegram-orchestrator/internal/infra/logger"
	"telegram-orchestrator/internal/infra/pr"
	tdsession "telegram-orchestrator/internal/infra/telegram/session"

	"github.com/gotd/td/telegram"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	dataDir := flag.String("data-dir", "assets/data", "directory holding the bbolt state/lock/peer-cache databases")
	dispatchEvery := flag.Duration("dispatch-every", 2*time.Second, "interval between dispatch-loop sweeps")
	recoveryEvery := flag.Duration("recovery-every", 30*time.Second, "interval between recovery-loop sweeps")
	flag.Parse()

	if err := pr.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "orchestratord: init console: %v\n", err)
		os.Exit(1)
	}

	logRotator := &lumberjack.Logger{
		Filename:   filepath.Join(*dataDir, "orchestratord.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     28,
		Compress:   true,
	}
	defer logRotator.Close()

	logger.Init(os.Getenv("ORC_LOG_LEVEL"))
	logger.SetWriters(io.MultiWriter(pr.Stdout(), logRotator), io.MultiWriter(pr.Stderr(), logRotator))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatal("orchestratord: create data dir", zap.Error(err))
	}

	store, err := statestore.Open(filepath.Join(*dataDir, "state.db"))
	if err != nil {
		logger.Fatal("orchestratord: open state store", zap.Error(err))
	}
	defer store.Close()

	locks, err := lockstore.Open(filepath.Join(*dataDir, "locks.db"))
	if err != nil {
		logger.Fatal("orchestratord: open lock store", zap.Error(err))
	}
	defer locks.Close()

	apiID, apiHash := mustAPICredentials()

	transport := &broker.GotdTransport{
		APIID:   apiID,
		APIHash: apiHash,
		SessionStorageFor: func(sess *model.Session) telegram.SessionStorage {
			return tdsession.ForSession(store, sess.SessionID)
		},
	}

	peerCache, err := broker.NewPeerCache(nil, filepath.Join(*dataDir, "peercache.db"))
	if err != nil {
		logger.Fatal("orchestratord: open peer cache", zap.Error(err))
	}
	defer peerCache.Close()

	br := broker.New(ctx, cfg, transport, peerCache)
	defer br.Shutdown()

	tel := telemetry.New(logger.Logger(), telemetry.NopCounterSink{})

	accounts := accountmgr.New(store, locks, br, cfg, tel)
	if err := accounts.StartRecoveryLoop(ctx, *recoveryEvery); err != nil {
		logger.Fatal("orchestratord: start recovery loop", zap.Error(err))
	}
	defer accounts.StopRecoveryLoop()

	parser := parseengine.New(store, accounts, br, cfg, tel)
	inviter := inviteengine.New(store, accounts, br, cfg, tel)

	dispatcher := newDispatcher(store, accounts, parser, inviter, *dispatchEvery)
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	cli := newCLIService(store, locks, accounts, cfg, stop)
	cli.Start(ctx)
	defer cli.Stop()

	logger.Info("orchestratord: started", zap.String("data_dir", *dataDir))

	<-ctx.Done()
	logger.Info("orchestratord: shutting down")
}

// mustAPICredentials reads the platform application credentials from the
// environment. These bootstrap secrets sit outside config.Config, which
// holds only rate-limit and scheduling numbers (spec.md §9 "Global
// configuration objects").
func mustAPICredentials() (int, string) {
	idRaw := os.Getenv("TG_API_ID")
	hash := os.Getenv("TG_API_HASH")
	if idRaw == "" || hash == "" {
		logger.Fatal("orchestratord: TG_API_ID and TG_API_HASH must be set")
	}
	id, err := strconv.Atoi(idRaw)
	if err != nil {
		logger.Fatal("orchestratord: TG_API_ID is not a number", zap.Error(err))
	}
	return id, hash
}

// nowUTC is the single clock read shared by the CLI's operator commands.
func nowUTC() time.Time { return time.Now().UTC() }
