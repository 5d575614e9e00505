// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package vcpu runs emulated CPUs as worker goroutines and provides the
// run-on-cpu primitives the trace core defers cross-CPU mutations through.
//
// Each CPU holds the machine-wide exclusive lock in read mode while it
// executes a translation block. Safe work enqueued with AsyncSafeRun is
// applied by the owning CPU between blocks while holding the lock in write
// mode, which quiesces every other CPU for the duration of the callback.
package vcpu

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/emustack/itrace/pkg/trace"
)

// Machine owns the CPU workers and the exclusive-execution lock.
type Machine struct {
	logger logr.Logger
	excl   sync.RWMutex

	mu   sync.Mutex
	cpus []*CPU

	wg sync.WaitGroup
}

func NewMachine(logger logr.Logger) *Machine {
	return &Machine{logger: logger.WithName("machine")}
}

// AddCPU creates a CPU, attaches its trace state and starts its worker.
func (m *Machine) AddCPU(tracer *trace.Tracer, arch trace.Arch) *CPU {
	m.mu.Lock()
	index := len(m.cpus)
	c := newCPU(m, index)
	m.cpus = append(m.cpus, c)
	m.mu.Unlock()

	c.state = tracer.AttachCPU(index, arch, c)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		c.run()
	}()
	return c
}

// CPUs returns the machine's CPUs in index order.
func (m *Machine) CPUs() []*CPU {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*CPU(nil), m.cpus...)
}

// Shutdown stops every CPU worker after it has drained its queues.
func (m *Machine) Shutdown() {
	for _, c := range m.CPUs() {
		c.stop()
	}
	m.wg.Wait()
}
