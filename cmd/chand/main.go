// Package main provides chand, the payment channel daemon.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klingon-exchange/klingon-channels/internal/backend"
	"github.com/klingon-exchange/klingon-channels/internal/chain"
	"github.com/klingon-exchange/klingon-channels/internal/channel"
	"github.com/klingon-exchange/klingon-channels/internal/config"
	"github.com/klingon-exchange/klingon-channels/internal/dispute"
	"github.com/klingon-exchange/klingon-channels/internal/rpc"
	"github.com/klingon-exchange/klingon-channels/internal/storage"
	"github.com/klingon-exchange/klingon-channels/internal/wallet"
	"github.com/klingon-exchange/klingon-channels/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnv holds the seed file password.
const passwordEnv = "CHAND_WALLET_PASSWORD"

func main() {
	var (
		dataDir     = flag.String("data-dir", config.DefaultDataDir, "Data directory")
		network     = flag.String("network", "", "Network (mainnet, testnet, regtest), overrides config")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		backendURL  = flag.String("backend-url", "", "Block explorer API URL, overrides config")
		peerID      = flag.String("peer-id", "", "Peer id recorded on channels (default: channel pubkey)")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		initWallet  = flag.Bool("init-wallet", false, "Create an encrypted seed and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("chand %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *network != "" {
		n, err := chain.ParseNetwork(*network)
		if err != nil {
			log.Fatal("Invalid network", "error", err)
		}
		cfg.Network = n
	}
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	if *backendURL != "" {
		cfg.Backend.URL = *backendURL
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	logOut, closeLog, err := openLogOutput(cfg.Logging.File)
	if err != nil {
		log.Fatal("Failed to open log file", "error", err)
	}
	defer closeLog()

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
		Output:     logOut,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.ConfigPath(*dataDir), "network", cfg.Network)

	password := os.Getenv(passwordEnv)
	if password == "" {
		log.Fatal("Seed password not set", "env", passwordEnv)
	}

	if *initWallet {
		mnemonic, err := wallet.InitSeed(cfg.SeedPath(), password, cfg.Network)
		if err != nil {
			log.Fatal("Failed to create seed", "error", err)
		}
		// Printed once on stdout so it never reaches the log file.
		fmt.Println("Write down this mnemonic. It is the only backup of your channel key:")
		fmt.Println()
		fmt.Println(mnemonic)
		log.Info("Seed created", "path", cfg.SeedPath())
		return
	}

	w, err := wallet.OpenSeed(cfg.SeedPath(), password, cfg.Network)
	if err != nil {
		log.Fatal("Failed to open seed (run with -init-wallet first)", "path", cfg.SeedPath(), "error", err)
	}
	channelKey, err := w.ChannelKey()
	if err != nil {
		log.Fatal("Failed to derive channel key", "error", err)
	}
	w.ClearCache()

	localPeerID := *peerID
	if localPeerID == "" {
		localPeerID = hex.EncodeToString(channelKey.PubKey().SerializeCompressed())
	}
	channelAddr, _ := w.ChannelAddress()

	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir()})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	chainBackend, err := backend.New(cfg.Backend, cfg.Network)
	if err != nil {
		log.Fatal("Failed to create chain backend", "error", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(ctx, 15*time.Second)
	if err := chainBackend.Connect(connectCtx); err != nil {
		// The monitor retries every poll, so an unreachable explorer is not fatal.
		log.Warn("Chain backend unreachable", "type", chainBackend.Type(), "error", err)
	}
	connectCancel()
	defer chainBackend.Close()

	hub := rpc.NewWSHub()
	bridge := rpc.NewEventBridge(hub)

	manager, err := channel.NewManager(&channel.ManagerConfig{
		Store:           store,
		Broadcaster:     chainBackend,
		Events:          bridge,
		PrivKey:         channelKey,
		LocalPeerID:     localPeerID,
		MinCapacity:     uint64(cfg.Channel.MinCapacity),
		MaxCapacity:     uint64(cfg.Channel.MaxCapacity),
		DefaultLifetime: cfg.Channel.DefaultLifetime,
		FeeRate:         uint64(cfg.Channel.FeeRate),
	})
	if err != nil {
		log.Fatal("Failed to create channel manager", "error", err)
	}

	forceClose := channel.NewForceCloseHandler(manager, chainBackend, cfg.Channel.ForceCloseTimelock)

	monitor, err := dispute.NewMonitor(&dispute.Config{
		Scanner:        chainBackend,
		Broadcaster:    chainBackend,
		Responder:      manager,
		Handler:        bridge,
		CheckInterval:  cfg.Dispute.CheckInterval,
		LookbackBlocks: cfg.Dispute.LookbackBlocks,
		AutoResolve:    cfg.Dispute.AutoResolve,
	})
	if err != nil {
		log.Fatal("Failed to create dispute monitor", "error", err)
	}
	bridge.SetMonitor(monitor)

	existing, err := manager.ListChannels()
	if err != nil {
		log.Fatal("Failed to load channels", "error", err)
	}
	watched := bridge.Watch(existing)
	monitor.Start()
	defer monitor.Stop()

	rpcServer, err := rpc.NewServer(&rpc.Config{
		Manager:               manager,
		ForceClose:            forceClose,
		Monitor:               monitor,
		Store:                 store,
		Hub:                   hub,
		Network:               cfg.Network,
		DataDir:               cfg.DataDir(),
		UnresponsiveThreshold: cfg.Channel.UnresponsiveThreshold,
	})
	if err != nil {
		log.Fatal("Failed to create RPC server", "error", err)
	}
	if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
		log.Fatal("Failed to start RPC server", "error", err)
	}

	printBanner(log, cfg, localPeerID, channelAddr, rpcServer.Addr(), len(existing), watched)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")
	cancel()

	if err := rpcServer.Stop(); err != nil {
		log.Error("Error stopping RPC server", "error", err)
	}

	log.Info("Goodbye!")
}

// openLogOutput returns stderr, or the log file when one is configured.
func openLogOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stderr, func() {}, nil
	}

	path = config.ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func printBanner(log *logging.Logger, cfg *config.Config, peerID, channelAddr, apiAddr string, channels, watched int) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  Klingon Payment Channels (%s)", cfg.Network)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID:  %s", peerID)
	log.Infof("  Address:  %s", channelAddr)
	log.Info("")
	log.Infof("  API: http://%s", apiAddr)
	log.Infof("  WS:  ws://%s/ws", apiAddr)
	log.Info("")
	log.Infof("  Channels: %d stored, %d watched", channels, watched)
	log.Infof("  Backend:  %s", cfg.Backend.Type)
	log.Infof("  Data dir: %s", cfg.DataDir())
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
