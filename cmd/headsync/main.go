package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shruggr/headsync/bitcoind"
	"github.com/shruggr/headsync/controller"
	"github.com/shruggr/headsync/kvstore"
	"github.com/shruggr/headsync/kvstore/badger"
	"github.com/shruggr/headsync/kvstore/memory"
	"github.com/shruggr/headsync/metadata"
	metamem "github.com/shruggr/headsync/metadata/memory"
	"github.com/shruggr/headsync/metadata/sqlite"
	"github.com/shruggr/headsync/notify"
	"github.com/shruggr/headsync/srvmgr"
	"github.com/shruggr/headsync/storage"
)

// splitAndTrim splits a string by delimiter and trims whitespace from each part
func splitAndTrim(s, delim string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, delim)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func main() {
	// Parse flags
	storageType := flag.String("storage", "badger", "Storage type: memory or badger")
	dataDir := flag.String("data-dir", "./data", "Data directory")
	bitcoindURL := flag.String("bitcoind", "http://127.0.0.1:8332", "bitcoind JSON-RPC URL")
	rpcUser := flag.String("rpcuser", "", "bitcoind RPC username")
	rpcPass := flag.String("rpcpassword", "", "bitcoind RPC password")
	rpcClients := flag.Int("rpc-clients", bitcoind.NClients, "bitcoind connection pool size")
	pollTime := flag.Duration("polltime", 10*time.Second, "Tip poll interval")
	interfaces := flag.String("interfaces", "", "Comma-separated client listen addresses (host:port)")
	adminAddr := flag.String("admin", "", "Admin /stats HTTP address (host:port), empty to disable")
	p2pEnable := flag.Bool("p2p", false, "Listen for P2P block announcements")
	p2pPort := flag.Int("p2p-port", 9905, "P2P listen port")
	topicPrefix := flag.String("topic-prefix", "main", "P2P topic prefix (main, test, etc.)")
	bootstrapPeers := flag.String("bootstrap-peers", "", "Comma-separated list of bootstrap peer multiaddrs")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	// Set up slog with the specified level
	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	log.Println("Starting headsync...")

	// Initialize storage backends
	var kv kvstore.KVStore
	var meta metadata.Store
	var err error

	switch *storageType {
	case "memory":
		log.Println("Using in-memory storage")
		kv = memory.New()
		meta = metamem.New()
	case "badger":
		log.Printf("Using BadgerDB storage at %s", *dataDir)
		kv, err = badger.New(&badger.Config{
			DataDir: filepath.Join(*dataDir, "headers"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize BadgerDB: %v", err)
		}
		meta, err = sqlite.New(&sqlite.Config{
			DBPath: filepath.Join(*dataDir, "meta.db"),
		})
		if err != nil {
			log.Fatalf("Failed to initialize metadata db: %v", err)
		}
	default:
		log.Fatalf("Unknown storage type: %s (use 'memory' or 'badger')", *storageType)
	}
	store, err := storage.New(&storage.Config{
		KV:     kv,
		Meta:   meta,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize header store: %v", err)
	}
	if err := store.Startup(context.Background()); err != nil {
		log.Fatalf("Failed to load headers: %v", err)
	}
	defer store.Close()

	log.Printf("Header store loaded | Height: %d", store.TipHeight())

	// Initialize the bitcoind connection pool
	daemon, err := bitcoind.New(&bitcoind.Config{
		URL:      *bitcoindURL,
		User:     *rpcUser,
		Pass:     *rpcPass,
		NClients: *rpcClients,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("Failed to initialize bitcoind pool: %v", err)
	}

	// Server manager; started on the first up-to-date event
	var srv *srvmgr.Manager
	var ctl *controller.Controller

	srv, err = srvmgr.New(&srvmgr.Config{
		Interfaces: splitAndTrim(*interfaces, ","),
		AdminAddr:  *adminAddr,
		Logger:     logger,
		Stats:      func() map[string]any { return ctl.Stats() },
	})
	if err != nil {
		log.Fatalf("Failed to initialize server manager: %v", err)
	}

	ctl, err = controller.New(&controller.Config{
		Daemon:       daemon,
		Storage:      store,
		Logger:       logger,
		PollInterval: *pollTime,
		SrvStats:     srv.Stats,
	})
	if err != nil {
		log.Fatalf("Failed to initialize controller: %v", err)
	}

	// Start client servers on the main goroutine once the chain is
	// synchronized for the first time
	upToDate := make(chan struct{})
	var upToDateOnce sync.Once
	ctl.OnUpToDate(func() {
		upToDateOnce.Do(func() { close(upToDate) })
	})

	daemon.Startup()
	ctl.Startup()
	defer ctl.Cleanup()
	defer daemon.Cleanup()

	// Optional P2P block announcement listener
	var listener *notify.Listener
	if *p2pEnable {
		listener, err = notify.NewListener(&notify.Config{
			Port:           *p2pPort,
			BootstrapPeers: splitAndTrim(*bootstrapPeers, ","),
			TopicPrefix:    *topicPrefix,
			PeerCacheFile:  filepath.Join(*dataDir, "peer_cache.json"),
			Logger:         logger,
			OnBlockHint:    ctl.KickPoll,
		})
		if err != nil {
			log.Fatalf("Failed to create P2P listener: %v", err)
		}
		if err := listener.Start(); err != nil {
			log.Fatalf("Failed to start P2P listener: %v", err)
		}
		defer listener.Stop()
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Status ticker to show we're alive
	statusTicker := time.NewTicker(5 * time.Minute)
	defer statusTicker.Stop()

	serversUp := false

	for {
		select {
		case <-sigCh:
			log.Println("Shutting down...")
			if serversUp {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = srv.Stop(ctx)
				cancel()
			}
			return

		case <-upToDate:
			upToDate = nil // fire once
			if err := srv.Start(); err != nil {
				log.Fatalf("Failed to start servers: %v", err)
			}
			serversUp = true
			log.Printf("Synchronized | Height: %d | Servers up", store.TipHeight())

		case <-statusTicker.C:
			msg := "Status"
			if listener != nil {
				log.Printf("%s: height %d, %d peers", msg, store.TipHeight(), listener.PeerCount())
			} else {
				log.Printf("%s: height %d", msg, store.TipHeight())
			}
		}
	}
}
