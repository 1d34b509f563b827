package headers

import (
	"encoding/binary"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// Size is the serialized width of a Bitcoin block header
const Size = 80

// Header contains parsed fields from an 80-byte block header
type Header struct {
	Version       int32
	PrevBlockHash chainhash.Hash
	MerkleRoot    chainhash.Hash
	Timestamp     uint32
	Bits          uint32
	Nonce         uint32
}

// Parse extracts key fields from an 80-byte block header
func Parse(header []byte) (*Header, error) {
	if len(header) != Size {
		return nil, fmt.Errorf("invalid block header length: got %d, expected %d", len(header), Size)
	}

	// Block header structure:
	// 0-4:   version (int32)
	// 4-36:  prev block hash (32 bytes)
	// 36-68: merkle root (32 bytes)
	// 68-72: timestamp (uint32)
	// 72-76: bits (uint32)
	// 76-80: nonce (uint32)

	version := binary.LittleEndian.Uint32(header[0:4])

	prevBlockHash, err := chainhash.NewHash(header[4:36])
	if err != nil {
		return nil, fmt.Errorf("failed to parse prev block hash: %w", err)
	}

	merkleRoot, err := chainhash.NewHash(header[36:68])
	if err != nil {
		return nil, fmt.Errorf("failed to parse merkle root: %w", err)
	}

	timestamp := binary.LittleEndian.Uint32(header[68:72])
	bits := binary.LittleEndian.Uint32(header[72:76])
	nonce := binary.LittleEndian.Uint32(header[76:80])

	return &Header{
		Version:       int32(version),
		PrevBlockHash: *prevBlockHash,
		MerkleRoot:    *merkleRoot,
		Timestamp:     timestamp,
		Bits:          bits,
		Nonce:         nonce,
	}, nil
}

// Hash computes the block hash of a raw header (double SHA-256)
func Hash(header []byte) chainhash.Hash {
	return chainhash.DoubleHashH(header)
}

// Verifier checks that headers extend the chain contiguously. It is a
// value type: taking a copy snapshots its state, and assigning the copy
// back restores it. The zero value accepts any first header at height 0.
type Verifier struct {
	height     int64 // height of the last header processed, -1 if none
	primed     bool  // lastHash is meaningful
	lastHash   chainhash.Hash
	lastHeader [Size]byte
}

// NewVerifier creates a verifier primed at the given tip. Pass
// height = -1 for an empty chain.
func NewVerifier(height int64, tipHash chainhash.Hash) Verifier {
	if height < 0 {
		return Verifier{height: -1}
	}
	return Verifier{height: height, primed: true, lastHash: tipHash}
}

// Prime seeds the verifier from a raw tip header at the given height
func (v *Verifier) Prime(height int64, rawHeader []byte) error {
	if len(rawHeader) != Size {
		return fmt.Errorf("invalid tip header length: got %d, expected %d", len(rawHeader), Size)
	}
	v.height = height
	v.primed = true
	v.lastHash = Hash(rawHeader)
	copy(v.lastHeader[:], rawHeader)
	return nil
}

// Height returns the height of the last header processed, -1 if none
func (v *Verifier) Height() int64 { return v.height }

// Verify checks the header's width and prev-hash continuity against the
// last header processed, then advances the verifier state. On error the
// verifier is left unchanged.
func (v *Verifier) Verify(header []byte) error {
	if len(header) != Size {
		return fmt.Errorf("header at height %d has invalid size %d", v.height+1, len(header))
	}
	if v.primed {
		prev, err := chainhash.NewHash(header[4:36])
		if err != nil {
			return fmt.Errorf("header at height %d: %w", v.height+1, err)
		}
		if !prev.IsEqual(&v.lastHash) {
			return fmt.Errorf("header at height %d does not connect: prev hash %s, expected %s",
				v.height+1, prev.String(), v.lastHash.String())
		}
	}
	v.height++
	v.primed = true
	v.lastHash = Hash(header)
	copy(v.lastHeader[:], header)
	return nil
}

// LastHeaderProcessed returns the height and canonical raw bytes of the
// last header the verifier accepted
func (v *Verifier) LastHeaderProcessed() (int64, []byte) {
	if !v.primed {
		return -1, nil
	}
	out := make([]byte, Size)
	copy(out, v.lastHeader[:])
	return v.height, out
}

// LastHash returns the hash of the last header the verifier accepted
func (v *Verifier) LastHash() chainhash.Hash { return v.lastHash }
