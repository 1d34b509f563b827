package controller

import (
	"sync"
	"time"
)

// executor is a serial execution context: a single goroutine draining a
// queue of posted functions, plus named wall-clock timers whose
// callbacks run on the same goroutine. It is the Go rendition of the
// one-object-one-thread model the synchronizer is built around: state
// owned by an executor needs no locks.
type executor struct {
	name string
	ch   chan func()
	quit chan struct{}
	wg   sync.WaitGroup

	stopOnce sync.Once

	mu      sync.Mutex
	stopped bool
	timers  map[string]*namedTimer
}

type namedTimer struct {
	timer    *time.Timer
	interval time.Duration
}

func newExecutor(name string) *executor {
	e := &executor{
		name:   name,
		ch:     make(chan func(), 1024),
		quit:   make(chan struct{}),
		timers: make(map[string]*namedTimer),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *executor) run() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case fn := <-e.ch:
			fn()
		}
	}
}

// Post enqueues fn to run on the executor goroutine. Returns false if
// the executor has been stopped, in which case fn is dropped.
func (e *executor) Post(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.mu.Unlock()

	select {
	case e.ch <- fn:
		return true
	case <-e.quit:
		return false
	}
}

// stop shuts the executor down. Idempotent; safe to call from the
// executor goroutine itself.
func (e *executor) stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		for name, nt := range e.timers {
			nt.timer.Stop()
			delete(e.timers, name)
		}
		e.mu.Unlock()
		close(e.quit)
	})
}

// callOnTimerSoon arms (or re-arms) the named repeating timer. fn runs
// on the executor goroutine; returning false stops the repetition.
func (e *executor) callOnTimerSoon(d time.Duration, name string, fn func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if old, ok := e.timers[name]; ok {
		old.timer.Stop()
	}
	nt := &namedTimer{interval: d}
	nt.timer = time.AfterFunc(d, func() { e.fireTimer(name, fn) })
	e.timers[name] = nt
}

// callOnTimerSoonNoRepeat arms the named one-shot timer
func (e *executor) callOnTimerSoonNoRepeat(d time.Duration, name string, fn func()) {
	e.callOnTimerSoon(d, name, func() bool {
		fn()
		return false
	})
}

func (e *executor) fireTimer(name string, fn func() bool) {
	e.Post(func() {
		e.mu.Lock()
		nt, ok := e.timers[name]
		e.mu.Unlock()
		if !ok {
			// stopped between firing and execution
			return
		}
		if fn() {
			e.mu.Lock()
			if cur, ok := e.timers[name]; ok && cur == nt {
				nt.timer = time.AfterFunc(nt.interval, func() { e.fireTimer(name, fn) })
			}
			e.mu.Unlock()
		} else {
			e.stopTimerLocked(name, nt)
		}
	})
}

// stopTimer stops and forgets the named timer; stopping an absent name
// is a no-op
func (e *executor) stopTimer(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if nt, ok := e.timers[name]; ok {
		nt.timer.Stop()
		delete(e.timers, name)
	}
}

func (e *executor) stopTimerLocked(name string, expect *namedTimer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if nt, ok := e.timers[name]; ok && nt == expect {
		nt.timer.Stop()
		delete(e.timers, name)
	}
}

// activeTimers returns the named timers currently armed
func (e *executor) activeTimers() map[string]time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]time.Duration, len(e.timers))
	for name, nt := range e.timers {
		out[name] = nt.interval
	}
	return out
}
