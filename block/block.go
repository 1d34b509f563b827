package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/bsv-blockchain/go-sdk/transaction"

	"github.com/shruggr/headsync/headers"
)

// TxInfo is the per-transaction summary kept for each preprocessed block
type TxInfo struct {
	TxID  chainhash.Hash
	NIns  int
	NOuts int
}

// PreProcessed is a block reduced to what the synchronizer needs: the
// raw header plus per-transaction summaries. The full transaction data
// is discarded after preprocessing.
type PreProcessed struct {
	Height    uint32
	SizeBytes uint64
	Header    []byte // raw 80-byte header
	TxInfos   []TxInfo
	NIns      uint64
	NOuts     uint64

	// EstimatedMemBytes approximates the in-memory footprint of this
	// struct, for backlog accounting.
	EstimatedMemBytes uint64
}

// Preprocess parses a raw serialized block into a PreProcessed summary
func Preprocess(height uint32, raw []byte) (*PreProcessed, error) {
	if len(raw) < headers.Size {
		return nil, fmt.Errorf("block at height %d too short: %d bytes", height, len(raw))
	}

	hdr := make([]byte, headers.Size)
	copy(hdr, raw[:headers.Size])

	r := bytes.NewReader(raw[headers.Size:])
	txCount, err := readVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("block at height %d: failed to read tx count: %w", height, err)
	}

	ppb := &PreProcessed{
		Height:    height,
		SizeBytes: uint64(len(raw)),
		Header:    hdr,
		TxInfos:   make([]TxInfo, 0, txCount),
	}

	for i := uint64(0); i < txCount; i++ {
		tx := &transaction.Transaction{}
		if _, err := tx.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("block at height %d: failed to parse tx %d: %w", height, i, err)
		}
		info := TxInfo{
			TxID:  *tx.TxID(),
			NIns:  len(tx.Inputs),
			NOuts: len(tx.Outputs),
		}
		ppb.TxInfos = append(ppb.TxInfos, info)
		ppb.NIns += uint64(info.NIns)
		ppb.NOuts += uint64(info.NOuts)
	}

	if r.Len() != 0 {
		return nil, fmt.Errorf("block at height %d: %d trailing bytes after %d txs", height, r.Len(), txCount)
	}

	// header + txid array + fixed overhead per entry
	ppb.EstimatedMemBytes = headers.Size + uint64(len(ppb.TxInfos))*(chainhash.HashSize+16) + 96

	return ppb, nil
}

// readVarInt reads a Bitcoin-style variable-length integer
func readVarInt(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:1]); err != nil {
		return 0, err
	}
	switch b[0] {
	case 0xfd:
		if _, err := io.ReadFull(r, b[:2]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b[:2])), nil
	case 0xfe:
		if _, err := io.ReadFull(r, b[:4]); err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b[:4])), nil
	case 0xff:
		if _, err := io.ReadFull(r, b[:8]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b[:8]), nil
	default:
		return uint64(b[0]), nil
	}
}
