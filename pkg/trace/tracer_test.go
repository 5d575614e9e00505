// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalSwitchNormalizesFlags(t *testing.T) {
	arch := &fakeArch{user: true}
	tr, _, _ := newTestState(t, arch)

	assert.Equal(t, LogInstr|LogInstrUser, tr.GlobalSwitch(LogInstrUser))
	assert.Equal(t, LogInstr, tr.GlobalSwitch(LogInstr))
	assert.Equal(t, uint32(0), tr.GlobalSwitch(0))
}

func TestGlobalSwitchReachesEveryCPU(t *testing.T) {
	rb := &recordBackend{}
	tr, err := NewTracer(testr.New(t), WithCustomBackend(rb))
	require.NoError(t, err)
	tr.resetBufferSize = 64

	states := make([]*State, 3)
	for i := range states {
		states[i] = tr.AttachCPU(i, &fakeArch{}, directExec{})
	}

	tr.GlobalSwitch(LogInstr)
	for _, s := range states {
		level, active := s.Loglevel()
		assert.Equal(t, LoglevelAll, level)
		assert.True(t, active)
	}

	tr.GlobalSwitch(0)
	for _, s := range states {
		_, active := s.Loglevel()
		assert.False(t, active)
	}
}

func TestAttachCPUHonorsPreexistingLogRequest(t *testing.T) {
	rb := &recordBackend{}
	tr, err := NewTracer(testr.New(t), WithCustomBackend(rb))
	require.NoError(t, err)
	tr.resetBufferSize = 64

	// Instruction logging requested before the CPU exists, as with
	// -d instr on the command line.
	tr.Flags().Set(LogInstr)

	s := tr.AttachCPU(0, &fakeArch{}, directExec{})
	level, active := s.Loglevel()
	assert.Equal(t, LoglevelAll, level)
	assert.True(t, active)
	assert.Equal(t, 1, rb.inits)
}

func TestSetBufferSizeRejectsTooSmall(t *testing.T) {
	arch := &fakeArch{}
	tr, s, _ := newTestState(t, arch)
	before := s.ring.capacity()

	tr.SetBufferSize(MinEntryBufferSize - 1)
	assert.Equal(t, before, s.ring.capacity())
	assert.Equal(t, 64, tr.resetBufferSize)
}

func TestSetBufferSizeResizesEveryCPU(t *testing.T) {
	arch := &fakeArch{}
	tr, s, _ := newTestState(t, arch)
	s.SetBuffered(true)
	s.Instr(0x10, []byte{0x01})
	s.Commit()
	require.Equal(t, 1, s.ring.used())

	tr.SetBufferSize(MinEntryBufferSize)
	assert.Equal(t, MinEntryBufferSize, s.ring.capacity())
	// The resize reinitializes all slots and clears head and tail.
	assert.Equal(t, 0, s.ring.used())
	assert.Equal(t, MinEntryBufferSize, tr.resetBufferSize)
}

func TestStartupFiltersApplyToNewCPUs(t *testing.T) {
	rb := &recordBackend{}
	tr, err := NewTracer(testr.New(t), WithCustomBackend(rb))
	require.NoError(t, err)
	tr.resetBufferSize = 64

	tr.AddStartupFilter(FilterEvents)

	s := tr.AttachCPU(0, &fakeArch{}, directExec{})
	assert.Equal(t, []Filter{FilterEvents}, s.Filters())

	// With CPUs attached, startup filters apply immediately.
	tr.AddStartupFilter(FilterMemRegions)
	assert.Equal(t, []Filter{FilterEvents, FilterMemRegions}, s.Filters())
}

func TestSetCLIFilters(t *testing.T) {
	arch := &fakeArch{}
	tr, s, _ := newTestState(t, arch)

	require.NoError(t, tr.SetCLIFilters("events"))
	assert.Equal(t, []Filter{FilterEvents}, s.Filters())

	err := tr.SetCLIFilters("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestSetCLIFiltersKeepsEarlierAdditions(t *testing.T) {
	rb := &recordBackend{}
	tr, err := NewTracer(testr.New(t), WithCustomBackend(rb))
	require.NoError(t, err)
	tr.resetBufferSize = 64

	require.Error(t, tr.SetCLIFilters("events,bogus"))

	s := tr.AttachCPU(0, &fakeArch{}, directExec{})
	assert.Equal(t, []Filter{FilterEvents}, s.Filters())
}

func TestSyncBuffersInvokesBackendSync(t *testing.T) {
	arch := &fakeArch{}
	tr, _, rb := newTestState(t, arch)
	tr.EnableTraceDebug()

	tr.SyncBuffers()
	assert.Equal(t, 1, rb.syncs)
}

func TestCounterForwardsToDebugEmitter(t *testing.T) {
	arch := &fakeArch{}
	tr, s, rb := newTestState(t, arch)

	tr.Counter(s, DebugCounter(2), 42)
	require.Len(t, rb.debug, 1)
	assert.Equal(t, int64(42), rb.debug[0])
}

func TestCounterWithoutDebugEmitterIsNoop(t *testing.T) {
	tr, err := NewTracer(testr.New(t), WithCustomBackend(nopBackend{}))
	require.NoError(t, err)
	tr.resetBufferSize = 64
	s := tr.AttachCPU(0, &fakeArch{}, directExec{})

	// Must not panic: the nop backend has no debug hook.
	tr.Counter(s, DebugCounter(1), 1)
}

func TestNewTracerUnregisteredBackendFails(t *testing.T) {
	_, err := NewTracer(testr.New(t), WithBackend(BackendPerfetto))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "perfetto")
}

func TestNopBackendRegistered(t *testing.T) {
	tr, err := NewTracer(testr.New(t), WithBackend(BackendNop))
	require.NoError(t, err)
	tr.resetBufferSize = 64

	s := tr.AttachCPU(0, &fakeArch{}, directExec{})
	tr.GlobalSwitch(LogInstr)
	s.Instr(0x10, []byte{0x01})
	s.Commit()
	// Entries still count as emitted even though the nop backend
	// discards them.
	assert.Equal(t, uint64(1), s.Stats().EntriesEmitted)
}

func TestParseBackendKind(t *testing.T) {
	for kind, name := range backendKindNames {
		parsed, err := ParseBackendKind(name)
		require.NoError(t, err)
		assert.Equal(t, BackendKind(kind), parsed)
		assert.Equal(t, name, parsed.String())
	}

	_, err := ParseBackendKind("nonsense")
	assert.Error(t, err)
}
