package kvstore

import (
	"context"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// Hash is a 32-byte hash (SHA256d for block hashes and txids)
// Aliased to chainhash.Hash from go-sdk for compatibility with header
// and transaction types
type Hash = chainhash.Hash

// KVStore defines a generic key-value store interface
// Keys are variable-length byte slices: height-ordered keys for the
// header sequence, multihash keys (34 bytes) for the by-hash index
type KVStore interface {
	// Put stores a key-value pair
	Put(ctx context.Context, key []byte, value []byte) error

	// Get retrieves a value by key
	// Returns nil if key doesn't exist
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Delete removes a key-value pair
	Delete(ctx context.Context, key []byte) error

	// Close releases any resources
	Close() error
}
