// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package vcpu

import (
	"sync"

	"github.com/emustack/itrace/pkg/trace"
)

const workQueueDepth = 256

type workItem struct {
	fn   func()
	done chan struct{}
}

// CPU is one emulated CPU worker. Translation blocks and run-on-cpu work
// execute on its goroutine; safe work runs between blocks in exclusive
// context.
type CPU struct {
	index int
	m     *Machine
	state *trace.State

	work     chan workItem
	safe     chan func()
	quit     chan struct{}
	stopOnce sync.Once
}

func newCPU(m *Machine, index int) *CPU {
	return &CPU{
		index: index,
		m:     m,
		work:  make(chan workItem, workQueueDepth),
		safe:  make(chan func(), workQueueDepth),
		quit:  make(chan struct{}),
	}
}

// Index returns the CPU index.
func (c *CPU) Index() int {
	return c.index
}

// Trace returns the CPU's trace state. It must only be used from work
// submitted to this CPU.
func (c *CPU) Trace() *trace.State {
	return c.state
}

// Exec submits a translation block to the CPU without waiting for it.
func (c *CPU) Exec(tb func(s *trace.State)) {
	c.work <- workItem{fn: func() { tb(c.state) }}
}

// Run executes fn on the CPU thread and blocks until it has completed,
// draining the current translation block first. It must not be called from
// the CPU's own goroutine.
func (c *CPU) Run(fn func()) {
	done := make(chan struct{})
	c.work <- workItem{fn: fn, done: done}
	<-done
}

// AsyncSafeRun enqueues fn to run on the CPU thread in exclusive context.
// Enqueued work always runs to completion, even during shutdown.
func (c *CPU) AsyncSafeRun(fn func()) {
	c.safe <- fn
}

func (c *CPU) stop() {
	c.stopOnce.Do(func() { close(c.quit) })
}

func (c *CPU) run() {
	for {
		c.drainSafe()
		select {
		case w := <-c.work:
			// Safe work enqueued before this block must apply first;
			// the select picks arbitrarily when both queues are ready.
			c.drainSafe()
			c.runWork(w)
		case fn := <-c.safe:
			c.runSafe(fn)
		case <-c.quit:
			c.drainAll()
			return
		}
	}
}

// runWork executes one translation block or run-on-cpu callback under the
// shared side of the exclusive lock.
func (c *CPU) runWork(w workItem) {
	c.m.excl.RLock()
	w.fn()
	c.m.excl.RUnlock()
	if w.done != nil {
		close(w.done)
	}
}

// runSafe executes one safe callback with every other CPU quiesced.
func (c *CPU) runSafe(fn func()) {
	c.m.excl.Lock()
	fn()
	c.m.excl.Unlock()
}

func (c *CPU) drainSafe() {
	for {
		select {
		case fn := <-c.safe:
			c.runSafe(fn)
		default:
			return
		}
	}
}

// drainAll empties both queues before the worker exits so pending safe
// callbacks and synchronous waiters are never abandoned.
func (c *CPU) drainAll() {
	for {
		select {
		case w := <-c.work:
			c.runWork(w)
		case fn := <-c.safe:
			c.runSafe(fn)
		default:
			return
		}
	}
}

var _ trace.Executor = (*CPU)(nil)
