// Package storage owns the locally persisted header chain: an in-memory
// append-only vector of raw 80-byte headers, the shared chain verifier,
// and an asynchronous flush path into a key-value store plus a metadata
// database.
package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shruggr/headsync/blockhash"
	"github.com/shruggr/headsync/headers"
	"github.com/shruggr/headsync/kvstore"
	"github.com/shruggr/headsync/metadata"
)

// SaveItem names a category of dirty state to flush
type SaveItem int

const (
	// SaveHeaders flushes unpersisted headers and the tip record
	SaveHeaders SaveItem = iota
)

const defaultCacheSize = 4096

// Config holds configuration for the header store
type Config struct {
	KV        kvstore.KVStore
	Meta      metadata.Store
	Logger    *slog.Logger
	CacheSize int // by-hash lookup cache entries, default 4096
}

// Store holds the header chain. Headers and the verifier live behind
// separate locks which are only ever taken sequentially, never nested.
type Store struct {
	log  *slog.Logger
	kv   kvstore.KVStore
	meta metadata.Store

	mu      sync.RWMutex // guards headers and flushed
	headers [][]byte     // raw headers, index == height
	flushed int          // count of headers already persisted

	verifMu  sync.Mutex // guards verifier
	verifier headers.Verifier

	byHash *lru.Cache[kvstore.Hash, uint32] // block hash -> height

	saveCh chan SaveItem
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New creates a header store over the given backends
func New(config *Config) (*Store, error) {
	if config.KV == nil {
		return nil, fmt.Errorf("KV is required")
	}
	if config.Meta == nil {
		return nil, fmt.Errorf("Meta is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cacheSize := config.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	byHash, err := lru.New[kvstore.Hash, uint32](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Store{
		log:      logger,
		kv:       config.KV,
		meta:     config.Meta,
		verifier: headers.NewVerifier(-1, kvstore.Hash{}),
		byHash:   byHash,
		saveCh:   make(chan SaveItem, 1),
		stop:     make(chan struct{}),
	}, nil
}

// Startup loads persisted headers back into memory, primes the
// verifier, and starts the flush worker.
func (s *Store) Startup(ctx context.Context) error {
	tip, err := s.meta.GetTip(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tip: %w", err)
	}

	if tip.Height >= 0 {
		loaded := make([][]byte, 0, tip.Height+1)
		for h := int64(0); h <= tip.Height; h++ {
			raw, err := s.kv.Get(ctx, heightKey(uint32(h)))
			if err != nil {
				return fmt.Errorf("failed to load header %d: %w", h, err)
			}
			if len(raw) != headers.Size {
				return fmt.Errorf("persisted header %d has size %d, expected %d", h, len(raw), headers.Size)
			}
			loaded = append(loaded, raw)
		}
		s.headers = loaded
		s.flushed = len(loaded)
		if err := s.verifier.Prime(tip.Height, loaded[len(loaded)-1]); err != nil {
			return err
		}
		s.log.Info("Loaded headers from storage", "count", len(loaded), "tip", tip.Height)
	}

	s.wg.Add(1)
	go s.flushLoop()
	return nil
}

// Headers returns a read view of the header vector and a release func.
// The view must not be used after release.
func (s *Store) Headers() ([][]byte, func()) {
	s.mu.RLock()
	return s.headers, s.mu.RUnlock
}

// MutableHeaders returns the header vector for appending and a release
// func. The pointer must not be used after release.
func (s *Store) MutableHeaders() (*[][]byte, func()) {
	s.mu.Lock()
	return &s.headers, s.mu.Unlock
}

// HeaderVerifier returns the shared chain verifier and a release func.
// The lock covers verify + snapshot + read-canonical-header; callers
// must release before touching the header vector.
func (s *Store) HeaderVerifier() (*headers.Verifier, func()) {
	s.verifMu.Lock()
	return &s.verifier, s.verifMu.Unlock
}

// HeaderCount returns the number of headers in the chain
func (s *Store) HeaderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.headers)
}

// TipHeight returns the height of the local tip, -1 when empty
func (s *Store) TipHeight() int64 {
	return int64(s.HeaderCount()) - 1
}

// GetHeader returns the raw header at the given height
func (s *Store) GetHeader(height uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int64(height) >= int64(len(s.headers)) {
		return nil, fmt.Errorf("no header at height %d (tip %d)", height, len(s.headers)-1)
	}
	return s.headers[height], nil
}

// GetHeaderByHash returns the raw header with the given block hash,
// nil if unknown. Hits the LRU first, then the kvstore index.
func (s *Store) GetHeaderByHash(ctx context.Context, hash kvstore.Hash) ([]byte, error) {
	if height, ok := s.byHash.Get(hash); ok {
		return s.GetHeader(height)
	}

	key, err := blockhash.Wrap(hash)
	if err != nil {
		return nil, err
	}
	val, err := s.kv.Get(ctx, key.Bytes())
	if err != nil {
		return nil, err
	}
	if val == nil {
		return nil, nil
	}
	if len(val) != 4 {
		return nil, fmt.Errorf("corrupt hash index entry for %s", hash.String())
	}
	height := binary.BigEndian.Uint32(val)
	s.byHash.Add(hash, height)
	return s.GetHeader(height)
}

// GetChain returns the chain name recorded in the database, "" if unset
func (s *Store) GetChain(ctx context.Context) (string, error) {
	return s.meta.GetChain(ctx)
}

// SetChain records the chain name; a different existing value fails
// with metadata.ErrChainMismatch
func (s *Store) SetChain(ctx context.Context, chain string) error {
	return s.meta.SetChain(ctx, chain)
}

// Save enqueues a flush of the named item. Never blocks; a flush is
// already pending when the enqueue fails, which covers the request.
func (s *Store) Save(item SaveItem) {
	select {
	case s.saveCh <- item:
	default:
	}
}

// Flush synchronously persists all unflushed headers and the tip
func (s *Store) Flush(ctx context.Context) error {
	s.mu.RLock()
	from := s.flushed
	pending := s.headers[from:]
	s.mu.RUnlock()

	if len(pending) == 0 {
		return nil
	}

	for i, raw := range pending {
		h := uint32(from + i)
		if err := s.kv.Put(ctx, heightKey(h), raw); err != nil {
			return fmt.Errorf("failed to persist header %d: %w", h, err)
		}
		hash := headers.Hash(raw)
		key, err := blockhash.Wrap(hash)
		if err != nil {
			return err
		}
		var hval [4]byte
		binary.BigEndian.PutUint32(hval[:], h)
		if err := s.kv.Put(ctx, key.Bytes(), hval[:]); err != nil {
			return fmt.Errorf("failed to persist hash index for %d: %w", h, err)
		}
		s.byHash.Add(hash, h)
	}

	tipHeight := int64(from+len(pending)) - 1
	tipHash := headers.Hash(pending[len(pending)-1])
	if err := s.meta.SetTip(ctx, &metadata.TipMeta{Height: tipHeight, BlockHash: tipHash}); err != nil {
		return fmt.Errorf("failed to persist tip: %w", err)
	}

	s.mu.Lock()
	if from+len(pending) > s.flushed {
		s.flushed = from + len(pending)
	}
	s.mu.Unlock()

	s.log.Debug("Flushed headers", "count", len(pending), "tip", tipHeight)
	return nil
}

// flushLoop services Save requests until Close
func (s *Store) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case item := <-s.saveCh:
			if item != SaveHeaders {
				continue
			}
			if err := s.Flush(context.Background()); err != nil {
				s.log.Error("Header flush failed", "error", err)
			}
		}
	}
}

// Close flushes outstanding headers and releases the backends
func (s *Store) Close() error {
	close(s.stop)
	s.wg.Wait()

	if err := s.Flush(context.Background()); err != nil {
		s.log.Error("Final header flush failed", "error", err)
	}

	if err := s.kv.Close(); err != nil {
		return err
	}
	return s.meta.Close()
}

// heightKey builds the kvstore key for the header at the given height.
// 5 bytes, disjoint from the 34-byte multihash index keys.
func heightKey(height uint32) []byte {
	key := make([]byte, 5)
	key[0] = 'h'
	binary.BigEndian.PutUint32(key[1:], height)
	return key
}
