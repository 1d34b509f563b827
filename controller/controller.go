// Package controller drives synchronization of the local header chain
// against a remote Bitcoin daemon: it probes the chain tip, fans block
// downloads out across a bounded pool of RPC connections, reassembles
// the results into strict height order, verifies header continuity and
// appends the verified headers to storage, then polls for new tips.
package controller

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shruggr/headsync/bitcoind"
	"github.com/shruggr/headsync/block"
	"github.com/shruggr/headsync/headers"
	"github.com/shruggr/headsync/rpc"
	"github.com/shruggr/headsync/storage"
)

const (
	pollTimerName    = "pollTimer"
	waitTimerName    = "wait4bitcoind"
	callProcessTimer = "callProcess"

	defaultPollInterval = 10 * time.Second
	ibdPollInterval     = 60 * time.Second
	bitcoindWaitPeriod  = 10 * time.Second
	processDebounce     = 100 * time.Millisecond

	// flush cadence while downloading, in headers remaining
	saveEveryHeaders = 10000
)

// Daemon is the contract the controller consumes from the bitcoind
// connection pool
type Daemon interface {
	SubmitRequest(origin bitcoind.Poster, id rpc.MsgID, method string, params []any,
		onResult func(*rpc.Response), onError func(*rpc.Response), onFailure func(rpc.MsgID, string))
	NumClients() int
	OnFirstGoodConnection(fn func(connID uint64))
	OnAllConnectionsLost(fn func())
	OnInWarmUp(fn func(msg string))
	Stats() map[string]any
}

// Config holds configuration for the Controller
type Config struct {
	Daemon  Daemon
	Storage *storage.Store
	Logger  *slog.Logger

	// PollInterval between tip checks when idle; default 10s
	PollInterval time.Duration

	// DLConcurrency caps the number of parallel download tasks;
	// default max(NumCPU-1, 1)
	DLConcurrency int

	// Fatalf handles unrecoverable conditions; the default logs and
	// exits the process
	Fatalf func(format string, args ...any)

	// SrvStats supplies the delegated "Servers" stats sub-map
	SrvStats func() map[string]any
}

type smState int

const (
	stBegin smState = iota
	stGetBlocks
	stDownloadingBlocks
	stFinishedDL
	stEnd
	stFailure
	stIBD
)

var stateNames = [...]string{"Begin", "GetBlocks", "DownloadingBlocks", "FinishedDL", "End", "Failure", "IBD"}

func (s smState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// stateMachine holds the per-run synchronization state. A nil state
// machine means idle between polls. All fields are confined to the
// Controller's execution context.
type stateMachine struct {
	state        smState
	targetHeight int64 // -1 means unknown

	// out-of-order arrivals awaiting in-order consumption; never
	// contains heights below ppBlkHtNext
	ppBlocks    map[uint32]*block.PreProcessed
	ppBlkHtNext uint32 // next height awaited for in-order reassembly
	startHeight uint32
	endHeight   uint32

	nTx, nIns, nOuts uint64
}

// Controller owns the task set and runs the synchronization state
// machine on its own serial execution context.
type Controller struct {
	log           *slog.Logger
	exec          *executor
	daemon        Daemon
	storage       *storage.Store
	pollInterval  time.Duration
	dlConcurrency int
	fatalf        func(format string, args ...any)
	srvStats      func() map[string]any

	// exec-confined state
	tasks      map[task]struct{}
	sm         *stateMachine
	gateArmed  bool
	lastWarmUp time.Time

	idSeq atomic.Int64

	hookMu          sync.Mutex
	onSynchronizing []func()
	onUpToDate      []func()
	onSynchFailure  []func()
}

// New creates a Controller; call Startup to begin synchronizing
func New(config *Config) (*Controller, error) {
	if config.Daemon == nil {
		return nil, fmt.Errorf("Daemon is required")
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("Storage is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := config.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	conc := config.DLConcurrency
	if conc <= 0 {
		conc = runtime.NumCPU() - 1
		if conc < 1 {
			conc = 1
		}
	}
	fatalf := config.Fatalf
	if fatalf == nil {
		fatalf = log.Fatalf
	}

	return &Controller{
		log:           logger,
		exec:          newExecutor("Controller"),
		daemon:        config.Daemon,
		storage:       config.Storage,
		pollInterval:  poll,
		dlConcurrency: conc,
		fatalf:        fatalf,
		srvStats:      config.SrvStats,
		tasks:         make(map[task]struct{}),
	}, nil
}

// OnSynchronizing registers a handler for the synchronizing event.
// Handlers run on the Controller's context; register before Startup.
func (c *Controller) OnSynchronizing(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onSynchronizing = append(c.onSynchronizing, fn)
}

// OnUpToDate registers a handler for the upToDate event
func (c *Controller) OnUpToDate(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onUpToDate = append(c.onUpToDate, fn)
}

// OnSynchFailure registers a handler for the synchFailure event
func (c *Controller) OnSynchFailure(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onSynchFailure = append(c.onSynchFailure, fn)
}

func (c *Controller) emit(which *[]func()) {
	c.hookMu.Lock()
	fns := append([]func(){}, (*which)...)
	c.hookMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Startup arms the bitcoind readiness gate: processing starts shortly
// after the first good connection and re-arms whenever all connections
// are lost.
func (c *Controller) Startup() {
	// arm the gate before registering the daemon hooks: a registration
	// may replay an already-good connection, and that event must find
	// the gate armed
	c.exec.Post(c.waitForBitcoind)

	c.daemon.OnFirstGoodConnection(func(connID uint64) {
		c.exec.Post(func() { c.gateFired(connID) })
	})
	c.daemon.OnAllConnectionsLost(func() {
		c.exec.Post(c.waitForBitcoind)
	})
	c.daemon.OnInWarmUp(func(msg string) {
		c.exec.Post(func() {
			// throttled to not spam the log
			if now := time.Now(); now.Sub(c.lastWarmUp) >= time.Second {
				c.lastWarmUp = now
				c.log.Info("bitcoind is still warming up", "message", msg)
			}
		})
	})
}

// waitForBitcoind (re-)arms the readiness gate. Exec context.
func (c *Controller) waitForBitcoind() {
	c.exec.stopTimer(pollTimerName)
	c.exec.stopTimer(callProcessTimer)
	c.gateArmed = true
	c.exec.callOnTimerSoon(bitcoindWaitPeriod, waitTimerName, func() bool {
		c.log.Info("Waiting for bitcoind...")
		return true
	})
}

// gateFired handles the first good connection. Exec context.
func (c *Controller) gateFired(connID uint64) {
	if !c.gateArmed {
		// spurious signal for an already-fired gate
		return
	}
	c.gateArmed = false
	c.exec.stopTimer(waitTimerName)
	c.log.Debug("Connection established, proceeding with processing", "conn_id", connID)
	c.exec.callOnTimerSoonNoRepeat(processDebounce, callProcessTimer, func() {
		c.process(false)
	})
}

// Cleanup stops the controller and all of its tasks
func (c *Controller) Cleanup() {
	done := make(chan struct{})
	if c.exec.Post(func() {
		for t := range c.tasks {
			t.stop()
		}
		c.tasks = make(map[task]struct{})
		c.sm = nil
		close(done)
	}) {
		<-done
	}
	c.exec.stop()
}

// KickPoll schedules an immediate tip re-check if the controller is
// idle between polls. Used by external tip-change hints; safe from any
// goroutine.
func (c *Controller) KickPoll() {
	c.exec.Post(func() {
		if c.sm == nil && !c.gateArmed {
			c.exec.stopTimer(pollTimerName)
			c.process(true)
		}
	})
}

func (c *Controller) nextID() rpc.MsgID {
	return rpc.NewIntID(c.idSeq.Add(1))
}

// again re-enters the state machine on the controller context
func (c *Controller) again() {
	c.exec.Post(func() { c.process(false) })
}

func (c *Controller) isTaskDeleted(t task) bool {
	_, ok := c.tasks[t]
	return !ok
}

// rmTask removes a finished task from the task set. Exec context.
func (c *Controller) rmTask(t task) {
	if _, ok := c.tasks[t]; ok {
		delete(c.tasks, t)
		return
	}
	c.log.Error("Task not found in rmTask", "task", t.name())
}

// addTask registers a task and schedules its start. Exec context.
func (c *Controller) addTask(t task) {
	c.tasks[t] = struct{}{}
	c.exec.Post(func() {
		if !c.isTaskDeleted(t) {
			t.start()
		}
	})
}

// genericTaskErrored collapses a task failure into the Failure state.
// Exec context.
func (c *Controller) genericTaskErrored() {
	if c.sm != nil && c.sm.state != stFailure {
		c.sm.state = stFailure
		c.again()
	}
}

// addDLHeaderTask spawns a download task over one residue class of
// [from, to]. Exec context.
func (c *Controller) addDLHeaderTask(from, to uint32, nTasks int) {
	t := newDownloadBlocksTask(c, from, to, uint32(nTasks))
	t.onSuccess = func() {
		if c.sm == nil || c.isTaskDeleted(t) {
			// task was stopped from underneath us; stale
			return
		}
		c.sm.nTx += t.nTx.Load()
		c.sm.nIns += t.nIns.Load()
		c.sm.nOuts += t.nOuts.Load()
		c.log.Debug("Got all headers from task", "task", t.name(), "header_ct", t.goodCt.Load(),
			"n_tx", t.nTx.Load(), "n_ins", t.nIns.Load(), "n_outs", t.nOuts.Load())
	}
	t.onErrored = func() {
		if c.sm == nil || c.isTaskDeleted(t) {
			return
		}
		if c.sm.state == stFailure {
			// silently ignore if we are already in failure
			return
		}
		c.log.Error("Task errored", "task", t.name(), "error", t.errorMessage)
		c.genericTaskErrored()
	}
	t.onProgress = func(prog float64) {
		if c.sm == nil || c.isTaskDeleted(t) {
			return
		}
		c.log.Info("Downloaded height", "height", t.index2Height(uint32(float64(t.expectedCt)*prog)),
			"progress", fmt.Sprintf("%.1f%%", prog*100))
	}
	c.addTask(t)
}

// process runs one step of the state machine. Exec context.
func (c *Controller) process(beSilentIfUpToDate bool) {
	enablePollTimer := false
	pollTimeout := c.pollInterval
	c.exec.stopTimer(pollTimerName)

	if c.sm == nil {
		c.sm = &stateMachine{targetHeight: -1, ppBlocks: make(map[uint32]*block.PreProcessed)}
	}

	switch c.sm.state {
	case stBegin:
		t := newGetChainInfoTask(c)
		t.onSuccess = func() { c.chainInfoReady(t, beSilentIfUpToDate) }
		t.onErrored = func() {
			if c.sm == nil || c.isTaskDeleted(t) {
				return
			}
			c.log.Error("Task errored", "task", t.name(), "error", t.errorMessage)
			c.genericTaskErrored()
		}
		c.addTask(t)

	case stGetBlocks:
		if c.sm.targetHeight < 0 {
			c.fatalf("INTERNAL ERROR: target height cannot be negative in GetBlocks")
			return
		}
		base := uint32(c.storage.HeaderCount())
		num := c.sm.targetHeight + 1 - int64(base)
		if num <= 0 {
			c.fatalf("INTERNAL ERROR: cannot download 0 blocks")
			return
		}
		nTasks := int(num)
		if nTasks > c.dlConcurrency {
			nTasks = c.dlConcurrency
		}
		c.sm.ppBlkHtNext = base
		c.sm.startHeight = base
		c.sm.endHeight = uint32(c.sm.targetHeight)
		for i := 0; i < nTasks; i++ {
			c.addDLHeaderTask(base+uint32(i), uint32(c.sm.targetHeight), nTasks)
		}
		// advance now; download tasks call us back through putBlock
		c.sm.state = stDownloadingBlocks

	case stDownloadingBlocks:
		c.processDownloadingBlocks()

	case stFinishedDL:
		n := c.sm.endHeight - c.sm.startHeight
		c.log.Info("Processed new blocks, verified ok", "blocks", n,
			"n_tx", c.sm.nTx, "n_ins", c.sm.nIns, "n_outs", c.sm.nOuts)
		// back to Begin to catch any headers that arrived meanwhile
		c.sm = nil
		c.again()
		c.storage.Save(storage.SaveHeaders)

	case stFailure:
		c.log.Error("Failed to download headers")
		c.sm = nil
		enablePollTimer = true
		c.emit(&c.onSynchFailure)

	case stEnd:
		c.sm = nil
		enablePollTimer = true

	case stIBD:
		c.sm = nil
		enablePollTimer = true
		c.log.Warn("bitcoind is in initial block download, will try again in 1 minute")
		pollTimeout = ibdPollInterval
		c.emit(&c.onSynchFailure)
	}

	if enablePollTimer {
		c.exec.callOnTimerSoonNoRepeat(pollTimeout, pollTimerName, func() {
			if c.sm == nil {
				c.process(true)
			}
		})
	}
}

// chainInfoReady handles a successful chain-info probe. Exec context.
func (c *Controller) chainInfoReady(t *getChainInfoTask, beSilentIfUpToDate bool) {
	if c.sm == nil || c.isTaskDeleted(t) {
		// task was stopped from underneath us; stale
		return
	}
	info := t.info

	if info.InitialBlockDownload {
		c.sm.state = stIBD
		c.again()
		return
	}

	ctx := context.Background()
	dbChain, err := c.storage.GetChain(ctx)
	if err != nil {
		c.fatalf("Failed to read chain from database: %v", err)
		return
	}
	if dbChain == "" && info.Chain != "" {
		if err := c.storage.SetChain(ctx, info.Chain); err != nil {
			c.fatalf("Failed to record chain %q: %v", info.Chain, err)
			return
		}
	} else if dbChain != info.Chain {
		c.fatalf("Bitcoind reports chain %q, which differs from our database %q. "+
			"You may have connected to the wrong bitcoind. Either connect to a different "+
			"bitcoind or delete this program's datadir to resynch.", info.Chain, dbChain)
		return
	}

	old := int64(c.storage.HeaderCount()) - 1
	c.sm.targetHeight = info.Blocks

	switch {
	case old == c.sm.targetHeight:
		if !beSilentIfUpToDate {
			c.log.Info("Up-to-date", "height", c.sm.targetHeight)
			c.emit(&c.onUpToDate)
		}
		c.sm.state = stEnd
	case old > c.sm.targetHeight:
		c.fatalf("We have height %d, but bitcoind reports height %d. Possible reasons: "+
			"a massive reorg, your node is acting funny, you are on the wrong chain "+
			"(testnet vs mainnet), or there is a bug in this program. Cowardly giving up and exiting...",
			old, c.sm.targetHeight)
		return
	default:
		c.log.Info("Downloading new headers", "height", c.sm.targetHeight)
		c.emit(&c.onSynchronizing)
		c.sm.state = stGetBlocks
	}
	c.again()
}

// putBlock hands a preprocessed block off to the Controller. It is
// posted to the controller context, never run inline on the task's
// callback goroutine. Safe from any goroutine.
func (c *Controller) putBlock(from task, ppb *block.PreProcessed) {
	c.exec.Post(func() {
		if c.sm == nil || c.isTaskDeleted(from) || c.sm.state == stFailure {
			c.log.Debug("Ignoring block for now-defunct task", "height", ppb.Height)
			return
		}
		if c.sm.state != stDownloadingBlocks {
			c.log.Warn("Ignoring putBlock request; not downloading",
				"height", ppb.Height, "state", c.sm.state.String())
			return
		}
		c.sm.ppBlocks[ppb.Height] = ppb
		c.again()
	})
}

// processDownloadingBlocks drains ppBlocks in strict ascending order
// from ppBlkHtNext. Exec context.
func (c *Controller) processDownloadingBlocks() {
	for {
		ppb, ok := c.sm.ppBlocks[c.sm.ppBlkHtNext]
		if !ok {
			break
		}
		if ppb.Height != c.sm.ppBlkHtNext {
			c.fatalf("INTERNAL ERROR: retrieved block has the wrong height %d, expected %d",
				ppb.Height, c.sm.ppBlkHtNext)
			return
		}
		delete(c.sm.ppBlocks, c.sm.ppBlkHtNext)

		if !c.verifyAndAddBlock(ppb) {
			// error encountered.. abort
			return
		}
		c.sm.ppBlkHtNext++
	}

	// the range is complete once the height past endHeight is awaited
	if c.sm.ppBlkHtNext > c.sm.endHeight {
		c.sm.state = stFinishedDL
		c.again()
	}
}

// verifyAndAddBlock checks the header against the shared verifier and
// appends it to storage. Returns false after transitioning to Failure.
// Exec context.
func (c *Controller) verifyAndAddBlock(ppb *block.PreProcessed) bool {
	verif, release := c.storage.HeaderVerifier()
	undo := *verif // snapshot for restore on failure
	err := verif.Verify(ppb.Header)
	if err != nil {
		*verif = undo
		release()
		// possible reorg point; currently treated as failure
		c.log.Error("Header verification failed", "height", ppb.Height, "error", err)
		c.sm.state = stFailure
		c.again()
		return false
	}
	_, rawHeader := verif.LastHeaderProcessed()
	release()

	if len(rawHeader) != headers.Size {
		c.fatalf("INTERNAL ERROR: raw header has the wrong size %d", len(rawHeader))
		return false
	}

	var remaining uint32
	if c.sm.endHeight > ppb.Height {
		remaining = c.sm.endHeight - ppb.Height
	}

	vec, release := c.storage.MutableHeaders()
	if size := len(*vec); cap(*vec) < size+int(remaining)+1 {
		// reserve space for the rest of this run in one go
		grown := make([][]byte, size, size+int(remaining)+1)
		copy(grown, *vec)
		*vec = grown
	}
	*vec = append(*vec, rawHeader)
	release()

	if remaining != 0 && remaining%saveEveryHeaders == 0 {
		c.storage.Save(storage.SaveHeaders)
	}

	return true
}
