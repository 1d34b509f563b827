// Package notify listens for new-block announcements on the P2P message
// bus and nudges the synchronizer out of its poll interval when one
// arrives. Announcements are advisory only; missing or spurious ones
// cost nothing beyond waiting for the next poll.
package notify

import (
	"fmt"
	"log/slog"
	"sync"

	p2p "github.com/bsv-blockchain/go-p2p-message-bus"
	"github.com/libp2p/go-libp2p/core/crypto"
)

// Config holds block-notification listener configuration
type Config struct {
	Port           int
	BootstrapPeers []string
	PrivateKey     string // hex-encoded private key
	TopicPrefix    string // e.g. "main", "test"
	PeerCacheFile  string
	Logger         *slog.Logger

	// OnBlockHint is invoked for every block announcement received
	OnBlockHint func()
}

// Listener subscribes to the block announcement topic
type Listener struct {
	config *Config
	logger *slog.Logger
	onHint func()

	mu     sync.Mutex
	client p2p.Client

	hintCt uint64
}

// NewListener creates a block-notification listener; call Start to
// join the network
func NewListener(config *Config) (*Listener, error) {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "main"
	}
	if config.PeerCacheFile == "" {
		config.PeerCacheFile = "peer_cache.json"
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.OnBlockHint == nil {
		return nil, fmt.Errorf("OnBlockHint is required")
	}

	return &Listener{
		config: config,
		logger: logger,
		onHint: config.OnBlockHint,
	}, nil
}

// Start joins the P2P network and begins forwarding block hints
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.Info("Block notification listener starting",
		"port", l.config.Port, "network", l.config.TopicPrefix)

	var privKey crypto.PrivKey
	var err error

	if l.config.PrivateKey != "" {
		privKey, err = p2p.PrivateKeyFromHex(l.config.PrivateKey)
		if err != nil {
			return fmt.Errorf("failed to decode private key: %w", err)
		}
	} else {
		privKey, err = p2p.GeneratePrivateKey()
		if err != nil {
			return fmt.Errorf("failed to generate private key: %w", err)
		}
		keyHex, _ := p2p.PrivateKeyToHex(privKey)
		l.logger.Info("Generated new private key", "key", keyHex)
	}

	clientConfig := p2p.Config{
		Name:          "headsync",
		Logger:        &slogAdapter{logger: l.logger},
		PrivateKey:    privKey,
		Port:          l.config.Port,
		PeerCacheFile: l.config.PeerCacheFile,
	}
	if len(l.config.BootstrapPeers) > 0 {
		clientConfig.BootstrapPeers = l.config.BootstrapPeers
	}

	client, err := p2p.NewClient(clientConfig)
	if err != nil {
		return fmt.Errorf("failed to create P2P client: %w", err)
	}
	l.client = client

	blockTopic := fmt.Sprintf("teranode/bitcoin/1.0.0/%s-block", l.config.TopicPrefix)
	l.logger.Info("Subscribing to block topic", "topic", blockTopic)

	go l.forward(l.client.Subscribe(blockTopic))

	l.logger.Info("Block notification listener started", "peerID", l.client.GetID())
	return nil
}

// forward turns every block announcement into a hint callback. The
// payload itself is ignored; the synchronizer re-probes the daemon for
// the authoritative tip.
func (l *Listener) forward(msgChan <-chan p2p.Message) {
	for msg := range msgChan {
		l.logger.Debug("Block announcement", "from", msg.From, "size", len(msg.Data))
		l.mu.Lock()
		l.hintCt++
		l.mu.Unlock()
		l.onHint()
	}
	l.logger.Warn("Block topic channel closed")
}

// Stop leaves the P2P network
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

// PeerCount returns the number of connected peers
func (l *Listener) PeerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.client == nil {
		return 0
	}
	return len(l.client.GetPeers())
}

// Stats returns a snapshot for the stats endpoint
func (l *Listener) Stats() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := map[string]any{
		"hints received": l.hintCt,
	}
	if l.client != nil {
		peers := l.client.GetPeers()
		m["peer count"] = len(peers)
		m["peers"] = peers
	} else {
		m["peer count"] = 0
	}
	return m
}
