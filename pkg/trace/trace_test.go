// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"sync"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
)

// fakeArch is a scriptable target CPU for tests.
type fakeArch struct {
	user           bool
	recentPC       uint64
	noPhys         bool
	declineRegdump bool
	maxInsn        int
}

func (a *fakeArch) InUserMode() bool { return a.user }
func (a *fakeArch) RecentPC() uint64 { return a.recentPC }

func (a *fakeArch) PhysAddr(vaddr uint64) (uint64, bool) {
	if a.noPhys {
		return 0, false
	}
	return vaddr + 0x10_0000, true
}

func (a *fakeArch) Regdump(ev *RegdumpEvent) bool {
	if a.declineRegdump {
		return false
	}
	ev.DumpReg("r0", 0xaa)
	ev.DumpReg("r1", 0xbb)
	return true
}

func (a *fakeArch) MaxInsnSize() int {
	if a.maxInsn == 0 {
		return 16
	}
	return a.maxInsn
}

// directExec applies executor work inline, which makes the exclusive-context
// paths deterministic in single-threaded tests.
type directExec struct{}

func (directExec) Run(fn func())          { fn() }
func (directExec) AsyncSafeRun(fn func()) { fn() }

// recordBackend captures every hook invocation. Entries are cloned at emit
// time since the ring slot is reused immediately after commit.
type recordBackend struct {
	mu      sync.Mutex
	entries []*Entry
	inits   int
	syncs   int
	debug   []int64
}

func (rb *recordBackend) EmitInstr(_ *State, e *Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries = append(rb.entries, e.Clone())
}

func (rb *recordBackend) InitCPU(*State) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.inits++
}

func (rb *recordBackend) Sync(*State) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.syncs++
}

func (rb *recordBackend) EmitDebug(_ *State, _ DebugCounter, value int64) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.debug = append(rb.debug, value)
}

func (rb *recordBackend) emitted() []*Entry {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return append([]*Entry(nil), rb.entries...)
}

// newTestState builds a tracer with a recording backend and one attached
// CPU. The entry ring is shrunk so tests stay cheap.
func newTestState(t *testing.T, arch *fakeArch, opts ...Option) (*Tracer, *State, *recordBackend) {
	t.Helper()

	rb := &recordBackend{}
	opts = append([]Option{WithCustomBackend(rb)}, opts...)
	tr, err := NewTracer(testr.New(t), opts...)
	require.NoError(t, err)
	tr.resetBufferSize = 64

	s := tr.AttachCPU(0, arch, directExec{})
	return tr, s, rb
}

// stateEvents extracts the state transitions attached to an entry.
func stateEvents(e *Entry) []StateEvent {
	var out []StateEvent
	for _, ev := range e.Events {
		if se, ok := ev.(StateEvent); ok {
			out = append(out, se)
		}
	}
	return out
}

func hasRegdump(e *Entry) bool {
	for _, ev := range e.Events {
		if _, ok := ev.(*RegdumpEvent); ok {
			return true
		}
	}
	return false
}
