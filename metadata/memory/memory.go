package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/shruggr/headsync/metadata"
)

// Store is an in-memory implementation of metadata.Store
// Suitable for testing and development
type Store struct {
	mu    sync.Mutex
	chain string
	tip   metadata.TipMeta
}

// New creates a new in-memory metadata store
func New() *Store {
	return &Store{tip: metadata.TipMeta{Height: -1}}
}

// GetChain returns the recorded chain name, "" if unset
func (s *Store) GetChain(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain, nil
}

// SetChain records the chain name, refusing to overwrite a different one
func (s *Store) SetChain(ctx context.Context, chain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chain != "" && s.chain != chain {
		return fmt.Errorf("%w: have %q, got %q", metadata.ErrChainMismatch, s.chain, chain)
	}
	s.chain = chain
	return nil
}

// GetTip returns the persisted tip, Height -1 if none
func (s *Store) GetTip(ctx context.Context) (*metadata.TipMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tip := s.tip
	return &tip, nil
}

// SetTip records the persisted tip
func (s *Store) SetTip(ctx context.Context, tip *metadata.TipMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tip = *tip
	return nil
}

// Close releases any resources
func (s *Store) Close() error {
	return nil
}
