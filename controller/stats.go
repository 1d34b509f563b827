package controller

import (
	"fmt"
	"time"
)

// Stats returns a point-in-time snapshot of the controller, its state
// machine and its live tasks, plus the delegated server and daemon
// sub-maps. Safe from any goroutine; returns nil if the controller
// context cannot produce a snapshot within a second.
func (c *Controller) Stats() map[string]any {
	ch := make(chan map[string]any, 1)
	if !c.exec.Post(func() { ch <- c.statsOnCtx() }) {
		return nil
	}
	select {
	case m := <-ch:
		out := map[string]any{
			"Controller":     m,
			"Bitcoin Daemon": c.daemon.Stats(),
		}
		if c.srvStats != nil {
			out["Servers"] = c.srvStats()
		}
		return out
	case <-time.After(time.Second):
		return nil
	}
}

// statsOnCtx builds the controller sub-map. Exec context.
func (c *Controller) statsOnCtx() map[string]any {
	m := map[string]any{
		"Headers": c.storage.HeaderCount(),
	}

	if c.sm != nil {
		backlogBytes := uint64(0)
		for _, ppb := range c.sm.ppBlocks {
			backlogBytes += ppb.EstimatedMemBytes
		}
		m["StateMachine"] = map[string]any{
			"State":                   c.sm.state.String(),
			"Height":                  c.sm.targetHeight,
			"Headers downloaded":      int64(c.sm.ppBlkHtNext) - int64(c.sm.startHeight),
			"Transactions seen":       c.sm.nTx,
			"Inputs seen":             c.sm.nIns,
			"Outputs seen":            c.sm.nOuts,
			"Backlog (blocks)":        len(c.sm.ppBlocks),
			"Backlog (memory, bytes)": backlogBytes,
		}
	} else {
		m["StateMachine"] = nil
	}

	timers := map[string]any{}
	for name, d := range c.exec.activeTimers() {
		timers[name] = d.Milliseconds()
	}
	m["activeTimers"] = timers

	tasks := make(map[string]any, len(c.tasks))
	for t := range c.tasks {
		tasks[t.name()] = map[string]any{
			"age":      t.age().String(),
			"progress": fmt.Sprintf("%.1f%%", t.progress()*100),
		}
	}
	m["tasks"] = tasks

	return m
}
