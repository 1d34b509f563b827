package controller

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/shruggr/headsync/rpc"
)

// ChainInfo holds the data returned by the getblockchaininfo RPC
// method. Required fields must parse; advisory fields default silently
// when absent or malformed.
type ChainInfo struct {
	Chain                string  // required, non-empty
	Blocks               int64   // required, non-negative
	Headers              int64   // advisory
	BestBlockHash        chainhash.Hash
	Difficulty           float64 // advisory
	MTP                  int64   // advisory, median time past
	VerificationProgress float64 // advisory
	InitialBlockDownload bool    // required
	ChainWork            []byte  // advisory
	SizeOnDisk           uint64  // advisory
	Pruned               bool    // advisory
	Warnings             string  // advisory
}

func (ci *ChainInfo) String() string {
	return fmt.Sprintf("(ChainInfo chain: %q blocks: %d headers: %d bestBlockHash: %s difficulty: %.9f mtp: %d verificationProgress: %.6f ibd: %v sizeOnDisk: %d pruned: %v warnings: %q)",
		ci.Chain, ci.Blocks, ci.Headers, ci.BestBlockHash.String(), ci.Difficulty,
		ci.MTP, ci.VerificationProgress, ci.InitialBlockDownload, ci.SizeOnDisk, ci.Pruned, ci.Warnings)
}

// parseChainInfo decodes a getblockchaininfo result, enforcing the
// required fields and defaulting the advisory ones
func parseChainInfo(resp *rpc.Response) (*ChainInfo, error) {
	m, err := resp.ResultMap()
	if err != nil {
		return nil, fmt.Errorf("failed to parse response; expected map: %w", err)
	}

	info := &ChainInfo{Headers: -1}

	if err := json.Unmarshal(m["blocks"], &info.Blocks); err != nil || info.Blocks < 0 {
		return nil, fmt.Errorf("%w: failed to parse blocks", rpc.ErrBadArgs)
	}

	if err := json.Unmarshal(m["chain"], &info.Chain); err != nil || info.Chain == "" {
		return nil, fmt.Errorf("%w: failed to parse chain", rpc.ErrBadArgs)
	}

	var bestHex string
	if err := json.Unmarshal(m["bestblockhash"], &bestHex); err != nil {
		return nil, fmt.Errorf("%w: failed to parse bestblockhash", rpc.ErrBadArgs)
	}
	best, err := chainhash.NewHashFromHex(bestHex)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse bestblockhash", rpc.ErrBadArgs)
	}
	info.BestBlockHash = *best

	if raw, ok := m["initialblockdownload"]; !ok {
		return nil, fmt.Errorf("%w: failed to parse initialblockdownload", rpc.ErrBadArgs)
	} else if err := json.Unmarshal(raw, &info.InitialBlockDownload); err != nil {
		return nil, fmt.Errorf("%w: failed to parse initialblockdownload", rpc.ErrBadArgs)
	}

	// advisory fields, errors ignored
	_ = json.Unmarshal(m["headers"], &info.Headers)
	_ = json.Unmarshal(m["difficulty"], &info.Difficulty)
	_ = json.Unmarshal(m["mediantime"], &info.MTP)
	_ = json.Unmarshal(m["verificationprogress"], &info.VerificationProgress)
	_ = json.Unmarshal(m["size_on_disk"], &info.SizeOnDisk)
	_ = json.Unmarshal(m["pruned"], &info.Pruned)

	var chainWorkHex string
	if json.Unmarshal(m["chainwork"], &chainWorkHex) == nil {
		if cw, err := hex.DecodeString(chainWorkHex); err == nil {
			info.ChainWork = cw
		}
	}

	// warnings is a string in older daemons, a string array in newer ones
	if json.Unmarshal(m["warnings"], &info.Warnings) != nil {
		var list []string
		if json.Unmarshal(m["warnings"], &list) == nil && len(list) > 0 {
			info.Warnings = list[0]
			for _, w := range list[1:] {
				info.Warnings += "; " + w
			}
		}
	}

	return info, nil
}

// getChainInfoTask is a one-shot probe of the daemon's chain state
type getChainInfoTask struct {
	ctlTask
	info *ChainInfo
}

func newGetChainInfoTask(ctl *Controller) *getChainInfoTask {
	t := &getChainInfoTask{}
	t.init(ctl, t, "Task.GetChainInfo", t.process)
	return t
}

func (t *getChainInfoTask) process() {
	t.submitRequest("getblockchaininfo", nil, func(resp *rpc.Response) {
		info, err := parseChainInfo(resp)
		if err != nil {
			t.ctl.log.Error("Chain info parse failed", "error", err)
			t.errorCode = resp.ID.Int()
			t.errorMessage = err.Error()
			t.emitErrored()
			return
		}
		t.info = info
		t.ctl.log.Debug("Chain info", "info", info.String())
		t.emitSuccess()
	})
}
