package controller

import (
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/shruggr/headsync/block"
	"github.com/shruggr/headsync/headers"
	"github.com/shruggr/headsync/rpc"
)

// downloadBlocksTask fetches every height in {from, from+stride, ...,
// <= to}. Several tasks with the same stride and consecutive starting
// heights partition a range into disjoint residue classes.
type downloadBlocksTask struct {
	ctlTask

	from, to, stride uint32
	expectedCt       uint32

	next   uint32 // next height to request, task context only
	goodCt atomic.Uint32
	qCt    int  // in-flight requests, task context only
	maxQ   int  // pipelining bound, NClients+1
	done   bool // two-phase termination flag

	nTx, nIns, nOuts atomic.Uint64
}

// nToDL computes the number of heights in the residue class
func nToDL(from, to, stride uint32) uint32 {
	if stride < 1 {
		stride = 1
	}
	return ((to - from + 1) + stride - 1) / stride
}

func newDownloadBlocksTask(ctl *Controller, from, to, stride uint32) *downloadBlocksTask {
	t := &downloadBlocksTask{
		from:       from,
		to:         to,
		stride:     stride,
		expectedCt: nToDL(from, to, stride),
		next:       from,
		maxQ:       ctl.daemon.NumClients() + 1,
	}
	t.init(ctl, t, fmt.Sprintf("Task.DL %d -> %d", from, to), t.process)
	return t
}

// index2Height maps a position in this task's sequence to a height
func (t *downloadBlocksTask) index2Height(index uint32) uint32 {
	return t.from + index*t.stride
}

// nSoFar estimates delivered blocks from the progress fraction
func (t *downloadBlocksTask) nSoFar() uint32 {
	return uint32(float64(t.expectedCt)*t.progress() + 0.5)
}

func (t *downloadBlocksTask) process() {
	if t.next > t.to {
		if t.done {
			good := t.goodCt.Load()
			if good >= t.expectedCt {
				t.emitSuccess()
			} else {
				missing := t.expectedCt - good
				t.errorCode = int64(missing)
				t.errorMessage = fmt.Sprintf("missing %d headers", missing)
				t.emitErrored()
			}
		}
		return
	}

	t.doGet(t.next)
	t.next += t.stride
}

// doGet runs the two-step per-height protocol: getblockhash, then
// getblock, then header/hash validation and hand-off to the Controller.
func (t *downloadBlocksTask) doGet(height uint32) {
	t.submitRequest("getblockhash", []any{height}, func(resp *rpc.Response) {
		hashHex, err := resp.ResultString()
		var hash *chainhash.Hash
		if err == nil {
			hash, err = chainhash.NewHashFromHex(hashHex)
		}
		if err != nil {
			t.ctl.log.Warn("Invalid block hash", "method", resp.Method, "height", height, "error", err)
			t.errorCode = int64(height)
			t.errorMessage = fmt.Sprintf("invalid hash for height %d", height)
			t.emitErrored()
			return
		}

		t.submitRequest("getblock", []any{hashHex, false}, func(resp *rpc.Response) {
			rawHex, err := resp.ResultString()
			var raw []byte
			if err == nil {
				raw, err = hex.DecodeString(rawHex)
			}
			if err != nil || len(raw) < headers.Size {
				t.ctl.log.Warn("Header not valid", "method", resp.Method, "height", height, "decoded_size", len(raw))
				t.errorCode = int64(height)
				t.errorMessage = fmt.Sprintf("bad size for height %d", height)
				t.emitErrored()
				return
			}

			header := raw[:headers.Size]
			if chkHash := headers.Hash(header); !chkHash.IsEqual(hash) {
				t.ctl.log.Warn("Header not valid", "method", resp.Method, "height", height,
					"expected_hash", hash.String(), "got_hash", chkHash.String())
				t.errorCode = int64(height)
				t.errorMessage = fmt.Sprintf("hash mismatch for height %d", height)
				t.emitErrored()
				return
			}

			ppb, err := block.Preprocess(height, raw)
			if err != nil {
				t.ctl.log.Warn("Block preprocess failed", "height", height, "error", err)
				t.errorCode = int64(height)
				t.errorMessage = fmt.Sprintf("failed to parse block at height %d", height)
				t.emitErrored()
				return
			}

			t.nTx.Add(uint64(len(ppb.TxInfos)))
			t.nIns.Add(ppb.NIns)
			t.nOuts.Add(ppb.NOuts)

			index := (height - t.from) / t.stride
			good := t.goodCt.Add(1)
			if t.qCt > 0 {
				t.qCt--
			}
			t.setProgress(float64(index) / float64(t.expectedCt))
			if height%1000 == 0 && height != 0 {
				t.emitProgress(t.progress())
			}

			t.ctl.putBlock(t.self, ppb)

			if good >= t.expectedCt {
				// flag for the final checks when process() re-enters
				t.done = true
				t.again()
				return
			}
			for good+uint32(t.qCt) < t.expectedCt && t.qCt < t.maxQ {
				// queue multiple at once
				t.again()
				t.qCt++
			}
		})
	})
}
