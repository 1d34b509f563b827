package blockhash

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	mh "github.com/multiformats/go-multihash"
)

// Key wraps a dbl-sha2-256 multihash of a block hash, used as the
// kvstore key for the header-by-hash index.
// Format: <0x56><0x20><32 bytes> = 34 bytes total
type Key []byte

// New creates a dbl-sha2-256 multihash key from raw data
func New(data []byte) (Key, error) {
	h, err := mh.Sum(data, mh.DBL_SHA2_256, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to hash data: %w", err)
	}
	return Key(h), nil
}

// Wrap wraps an existing 32-byte block hash as a multihash key
func Wrap(hash chainhash.Hash) (Key, error) {
	h, err := mh.Encode(hash[:], mh.DBL_SHA2_256)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hash: %w", err)
	}
	return Key(h), nil
}

// Verify checks that the key matches the provided data
func (k Key) Verify(data []byte) error {
	decoded, err := mh.Decode(mh.Multihash(k))
	if err != nil {
		return fmt.Errorf("invalid multihash: %w", err)
	}

	if decoded.Code != mh.DBL_SHA2_256 {
		return fmt.Errorf("expected dbl-sha2-256 hash, got 0x%x", decoded.Code)
	}

	computed, err := mh.Sum(data, decoded.Code, decoded.Length)
	if err != nil {
		return fmt.Errorf("hash computation failed: %w", err)
	}

	if !bytes.Equal(computed, k) {
		return fmt.Errorf("hash verification failed")
	}

	return nil
}

// Raw extracts the 32-byte block hash from the key
func (k Key) Raw() (chainhash.Hash, error) {
	decoded, err := mh.Decode(mh.Multihash(k))
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid multihash: %w", err)
	}

	if len(decoded.Digest) != chainhash.HashSize {
		return chainhash.Hash{}, fmt.Errorf("expected %d-byte digest, got %d bytes", chainhash.HashSize, len(decoded.Digest))
	}

	var raw chainhash.Hash
	copy(raw[:], decoded.Digest)
	return raw, nil
}

// Bytes returns the raw multihash bytes
func (k Key) Bytes() []byte {
	return []byte(k)
}

// Hex returns the hex-encoded multihash
func (k Key) Hex() string {
	return hex.EncodeToString(k)
}
