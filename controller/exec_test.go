package controller

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutorSerialOrder(t *testing.T) {
	e := newExecutor("test")
	defer e.stop()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		e.Post(func() { got = append(got, i) })
	}
	e.Post(func() { close(done) })

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Timed out draining executor")
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Posted functions ran out of order at %d: %d", i, v)
		}
	}
}

func TestExecutorStopDropsPosts(t *testing.T) {
	e := newExecutor("test")
	e.stop()
	if e.Post(func() { t.Errorf("Must not run after stop") }) {
		t.Errorf("Expected Post to report stopped")
	}
	// stop again is a no-op
	e.stop()
}

func TestRepeatingTimer(t *testing.T) {
	e := newExecutor("test")
	defer e.stop()

	var fires atomic.Int32
	done := make(chan struct{})
	e.callOnTimerSoon(5*time.Millisecond, "tick", func() bool {
		if fires.Add(1) == 3 {
			close(done)
			return false
		}
		return true
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Timer never reached 3 fires")
	}

	// returning false must have disarmed it
	time.Sleep(30 * time.Millisecond)
	if n := fires.Load(); n != 3 {
		t.Errorf("Expected exactly 3 fires, got %d", n)
	}
	if _, ok := e.activeTimers()["tick"]; ok {
		t.Errorf("Expected timer to be forgotten")
	}
}

func TestTimerRearmReplaces(t *testing.T) {
	e := newExecutor("test")
	defer e.stop()

	var wrong atomic.Bool
	fired := make(chan struct{})
	e.callOnTimerSoonNoRepeat(20*time.Millisecond, "poll", func() { wrong.Store(true) })
	e.callOnTimerSoonNoRepeat(5*time.Millisecond, "poll", func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatalf("Replacement timer never fired")
	}
	time.Sleep(40 * time.Millisecond)
	if wrong.Load() {
		t.Errorf("Replaced timer must not fire")
	}
}

func TestStopTimer(t *testing.T) {
	e := newExecutor("test")
	defer e.stop()

	e.callOnTimerSoonNoRepeat(10*time.Millisecond, "gone", func() { t.Errorf("Stopped timer fired") })
	e.stopTimer("gone")
	e.stopTimer("never-existed") // no-op

	time.Sleep(30 * time.Millisecond)
	if len(e.activeTimers()) != 0 {
		t.Errorf("Expected no active timers")
	}
}
