// Command mostrond runs the peer-to-peer fiat<->bitcoin trade
// coordinator daemon: it joins the gossip mesh, ingests gift-wrapped
// order/dispute/reputation messages, drives the order state machine
// against a Lightning hold-invoice escrow backend, and serves a
// loopback-only admin control plane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mostrond/mostrond/internal/adminrpc"
	"github.com/mostrond/mostrond/internal/authz"
	"github.com/mostrond/mostrond/internal/config"
	"github.com/mostrond/mostrond/internal/dispute"
	"github.com/mostrond/mostrond/internal/escrow"
	"github.com/mostrond/mostrond/internal/identity"
	"github.com/mostrond/mostrond/internal/ingress"
	"github.com/mostrond/mostrond/internal/oracle"
	"github.com/mostrond/mostrond/internal/ordersm"
	"github.com/mostrond/mostrond/internal/publisher"
	"github.com/mostrond/mostrond/internal/reputation"
	"github.com/mostrond/mostrond/internal/storage"
	"github.com/mostrond/mostrond/internal/transport"
	"github.com/mostrond/mostrond/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.mostrond", "Data directory")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides config")
		adminAddr   = flag.String("admin", "", "Admin control-plane listen address; overrides config")
		network     = flag.String("network", "mainnet", "Network tag recorded on published orders")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mostrond %s (%s)\n", version, commit)
		return
	}

	log := logging.New(logging.DefaultConfig())
	logging.SetDefault(log)

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *adminAddr != "" {
		cfg.AdminListenAddr = *adminAddr
	}
	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.LogLevel
	logging.SetDefault(logging.New(logCfg))
	log = logging.GetDefault()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid config", "error", err)
	}

	id, err := identity.Load(cfg.DataDir, cfg.Nsec, cfg.Mnemonic)
	if err != nil {
		log.Fatal("failed to load identity", "error", err)
	}
	log.Info("node identity ready", "pubkey", id.PubkeyHex())

	store, err := storage.Open(cfg.DBPath())
	if err != nil {
		log.Fatal("failed to open storage", "error", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	host, err := transport.New(ctx, transport.Options{
		PrivKey:        id.PrivKey(),
		ListenAddrs:    cfg.ListenAddrs,
		BootstrapPeers: cfg.Relays,
		EnableMDNS:     cfg.EnableMDNS,
		EnableNAT:      cfg.EnableNAT,
		EnableRelay:    cfg.EnableRelay,
		DiscoveryNS:    cfg.DiscoveryNS,
	})
	if err != nil {
		log.Fatal("failed to start transport", "error", err)
	}
	defer host.Close()

	pub := publisher.New(host, id, *network)

	resolver := authz.New(id.PubkeyHex(), store)

	var escrowDriver escrow.Driver
	if cfg.LndHost != "" {
		escrowDriver, err = escrow.NewLndDriver(ctx, escrow.LndConfig{
			Host:         cfg.LndHost,
			Network:      cfg.LndNetwork,
			TLSCertPath:  cfg.LndTLSCertPath,
			MacaroonPath: cfg.LndMacaroonPath,
		})
		if err != nil {
			log.Fatal("failed to connect to lnd escrow backend", "error", err)
		}
	} else {
		log.Warn("no lnd_host configured; running with an in-memory fake escrow driver")
		escrowDriver = escrow.NewFakeDriver()
	}
	defer escrowDriver.Close()

	priceOracle := oracle.NewYadioOracle("https://api.yadio.io")

	hub := adminrpc.NewHub()
	notifier := adminrpc.NewBroadcastingNotifier(pub, hub)

	sm := ordersm.New(store, escrowDriver, priceOracle, notifier, resolver, cfg)
	disputeMgr := dispute.New(store, sm, notifier, resolver)
	adminSrv := adminrpc.NewServer(store, store, disputeMgr, id.PubkeyHex(), hub)

	rep := reputation.New(store, notifier, resolver, cfg.ReputationFlushInterval)
	rep.Start()
	defer rep.Stop()

	resync := publisher.NewResync(host.Libp2pHost(), store)
	host.OnPeerConnected(resync.OnPeerConnected)

	log.Info("reconciling non-terminal orders against the escrow backend")
	if err := sm.Reconcile(ctx); err != nil {
		log.Error("order reconciliation failed", "error", err)
	}

	pipeline := ingress.New(host, id, sm, disputeMgr, rep, notifier, resolver, cfg.Pow)

	errCh := make(chan error, 2)
	go func() { errCh <- pipeline.Run(ctx) }()
	go func() { errCh <- adminSrv.Listen(ctx, cfg.AdminListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig)
		cancel()
	case err := <-errCh:
		if err != nil {
			log.Error("component exited with error", "error", err)
		}
		cancel()
	}
}
