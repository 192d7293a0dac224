// Command lockd runs one replica of the lock service: an at-most-once
// RPC endpoint serving the caching lock protocol, backed by a Paxos-
// agreed view configuration and a primary/backup replicated state
// machine.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	_ "go.uber.org/automaxprocs"

	"github.com/toniq-labs/lockd/internal/config"
	"github.com/toniq-labs/lockd/internal/lockservice"
	"github.com/toniq-labs/lockd/internal/logging"
	"github.com/toniq-labs/lockd/internal/lockserver"
	"github.com/toniq-labs/lockd/internal/paxos"
	"github.com/toniq-labs/lockd/internal/rsm"
	"github.com/toniq-labs/lockd/internal/telemetry"
	"github.com/toniq-labs/lockd/internal/viewconfig"
	"github.com/toniq-labs/lockd/pkg/rpc"
	"github.com/toniq-labs/lockd/pkg/rpcnet"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"}, "lockd")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("lockd: failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}, "lockd")
	cfg.LogFields(logger)

	peers := cfg.Members()
	if len(peers) == 0 {
		logger.Fatal().Msg("lockd: LOCKD_PEERS must list at least this node's own address")
	}
	if cfg.SelfIndex >= len(peers) {
		logger.Fatal().Int("self_index", cfg.SelfIndex).Int("peers", len(peers)).Msg("lockd: LOCKD_SELF_INDEX out of range")
	}
	self := peers[cfg.SelfIndex]

	var nc *nats.Conn
	if cfg.NATSUrl != "" {
		nc, err = nats.Connect(cfg.NATSUrl)
		if err != nil {
			logger.Warn().Err(err).Msg("lockd: NATS connect failed, view-change sideband publication disabled")
			nc = nil
		} else {
			defer nc.Close()
		}
	}

	mgr := rpcnet.NewManager(logger, cfg.RPCLossy)
	srv := rpc.NewServer(logger, cfg.RPCWorkers, cfg.RPCQueueDepth, cfg.RPCCount)
	srv.SetLossy(cfg.RPCLossy)
	srv.SetDispatchHook(telemetry.RecordDispatch)

	px, err := paxos.New(logger, mgr, peers, cfg.SelfIndex, cfg.PaxosDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("lockd: failed to open Paxos acceptor log")
	}
	px.RegisterHandlers(srv)

	vc := viewconfig.New(logger, px, mgr, self, peers, nc)
	vc.SetHeartbeatInterval(cfg.HeartbeatInterval)
	viewconfig.RegisterHeartbeat(srv)

	ls := lockserver.NewServer(logger, mgr, cfg.CallbackRate)
	sm := lockservice.NewStateMachine(ls)

	replicated := rsm.New(logger, mgr, vc, self, sm)
	replicated.RegisterHandlers(srv)

	front := lockservice.NewFront(replicated, ls)
	front.RegisterHandlers(srv)

	if err := srv.Listen(self); err != nil {
		logger.Fatal().Err(err).Str("addr", self).Msg("lockd: failed to listen")
	}
	logger.Info().Str("addr", self).Msg("lockd: listening")

	go vc.Run()

	collector := telemetry.NewCollector(logger, telemetry.Sources{
		RPCServer:  srv,
		LockServer: ls,
		Paxos:      px,
		RSM:        replicated,
	})
	collector.Start(cfg.DiagnosticsAddr, 0)
	logger.Info().Str("addr", cfg.DiagnosticsAddr).Msg("lockd: diagnostics endpoint listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("lockd: shutting down")
	collector.Stop()
	vc.Stop()
	px.Kill()
	srv.Shutdown()
	fmt.Fprintln(os.Stderr, "lockd: stopped")
}
