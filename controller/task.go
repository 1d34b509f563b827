package controller

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/shruggr/headsync/rpc"
)

// task is a unit of work owned by the Controller. Each task runs on its
// own execution context; completion is self-announced through the
// success/errored hooks, after which the task stops itself and asks the
// Controller to remove it.
type task interface {
	name() string
	start()
	stop()
	age() time.Duration
	progress() float64
}

// ctlTask is the shared base for controller tasks
type ctlTask struct {
	ctl      *Controller
	self     task // the embedding task, for identity in the task set
	taskName string
	exec     *executor
	ts       time.Time

	errorCode    int64
	errorMessage string

	lastProgress atomic.Uint64 // float64 bits

	// hooks run on the Controller's context
	onSuccess  func()
	onErrored  func()
	onProgress func(progress float64)

	// run is the task's work step, invoked on the task context
	run func()

	finished atomic.Bool
}

func (t *ctlTask) init(ctl *Controller, self task, name string, run func()) {
	t.ctl = ctl
	t.self = self
	t.taskName = name
	t.exec = newExecutor(name)
	t.ts = time.Now()
	t.run = run
}

func (t *ctlTask) name() string { return t.taskName }

func (t *ctlTask) age() time.Duration { return time.Since(t.ts) }

func (t *ctlTask) progress() float64 {
	return math.Float64frombits(t.lastProgress.Load())
}

func (t *ctlTask) setProgress(p float64) {
	t.lastProgress.Store(math.Float64bits(p))
}

// start kicks off the work step on the task's own context
func (t *ctlTask) start() {
	t.exec.Post(t.run)
}

// again re-enters the work step
func (t *ctlTask) again() {
	t.exec.Post(t.run)
}

// stop halts the task's context; pending callbacks are dropped
func (t *ctlTask) stop() {
	t.exec.stop()
}

// emitSuccess delivers the success hook to the Controller, then stops
// the task and schedules its removal
func (t *ctlTask) emitSuccess() {
	if t.finished.Swap(true) {
		return
	}
	if t.onSuccess != nil {
		t.ctl.exec.Post(t.onSuccess)
	}
	t.finish()
}

// emitErrored delivers the errored hook to the Controller, then stops
// the task and schedules its removal
func (t *ctlTask) emitErrored() {
	if t.finished.Swap(true) {
		return
	}
	if t.onErrored != nil {
		t.ctl.exec.Post(t.onErrored)
	}
	t.finish()
}

// emitProgress delivers a progress report to the Controller
func (t *ctlTask) emitProgress(p float64) {
	if t.onProgress != nil {
		t.ctl.exec.Post(func() { t.onProgress(p) })
	}
}

func (t *ctlTask) finish() {
	t.stop()
	t.ctl.exec.Post(func() { t.ctl.rmTask(t.self) })
}

// submitRequest sends an RPC request whose result callback runs on the
// task's context. Error and failure responses collapse into the
// errored signal.
func (t *ctlTask) submitRequest(method string, params []any, onResult func(*rpc.Response)) {
	id := t.ctl.nextID()
	t.ctl.daemon.SubmitRequest(t.exec, id, method, params,
		onResult,
		func(resp *rpc.Response) { t.onRPCError(resp) },
		func(id rpc.MsgID, msg string) { t.onRPCFailure(id, msg) },
	)
}

func (t *ctlTask) onRPCError(resp *rpc.Response) {
	t.ctl.log.Warn("RPC error response", "task", t.taskName, "method", resp.Method,
		"code", resp.Err.Code, "message", resp.Err.Message)
	t.errorCode = int64(resp.Err.Code)
	t.errorMessage = resp.Err.Message
	t.emitErrored()
}

func (t *ctlTask) onRPCFailure(id rpc.MsgID, msg string) {
	t.ctl.log.Warn("RPC failure", "task", t.taskName, "id", id.String(), "message", msg)
	t.errorCode = id.Int()
	t.errorMessage = msg
	t.emitErrored()
}
