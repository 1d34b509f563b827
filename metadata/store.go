package metadata

import (
	"context"
	"errors"

	"github.com/shruggr/headsync/kvstore"
)

// ErrChainMismatch is returned by SetChain when a different chain name
// is already recorded. The chain field, once set, is never overwritten.
var ErrChainMismatch = errors.New("chain already set to a different value")

// TipMeta records the persisted chain tip
type TipMeta struct {
	Height    int64        // -1 when no headers have been persisted
	BlockHash kvstore.Hash // hash of the tip header
}

// Store defines the interface for storing chain metadata
// Implementations use SQLite or other relational databases
type Store interface {
	// GetChain returns the recorded chain name, "" if unset
	GetChain(ctx context.Context) (string, error)

	// SetChain records the chain name. Setting the same value again is
	// a no-op; setting a different value fails with ErrChainMismatch.
	SetChain(ctx context.Context, chain string) error

	// GetTip returns the persisted tip, Height -1 if none
	GetTip(ctx context.Context) (*TipMeta, error)

	// SetTip records the persisted tip
	SetTip(ctx context.Context, tip *TipMeta) error

	// Close releases any resources
	Close() error
}
