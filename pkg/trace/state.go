// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Loglevel is the per-CPU tracing level.
type Loglevel uint8

const (
	LoglevelNone Loglevel = iota
	LoglevelUser
	LoglevelAll
)

func (l Loglevel) String() string {
	switch l {
	case LoglevelNone:
		return "none"
	case LoglevelUser:
		return "user"
	case LoglevelAll:
		return "all"
	default:
		return fmt.Sprintf("loglevel(%d)", int(l))
	}
}

// Stats counts per-CPU tracing activity.
type Stats struct {
	EntriesEmitted uint64
	TraceStart     uint64
	TraceStop      uint64
}

const stateBuffered uint32 = 1 << 0

// State is the per-CPU trace state machine. It is created by
// Tracer.AttachCPU and owned by the CPU's worker goroutine; none of its
// methods are safe to call from other threads except through the Executor.
type State struct {
	tracer   *Tracer
	logger   logr.Logger
	cpuIndex int
	arch     Arch
	exec     Executor

	loglevel       Loglevel
	loglevelActive bool
	starting       bool
	forceDrop      bool
	flags          uint32

	ring    *entryRing
	filters []Filter
	stats   Stats

	printf PrintfBuf
}

// CPUIndex returns the index of the owning CPU.
func (s *State) CPUIndex() int {
	return s.cpuIndex
}

// Tracer returns the process-wide tracer this CPU is attached to.
func (s *State) Tracer() *Tracer {
	return s.tracer
}

// Stats returns a snapshot of the CPU's tracing statistics.
func (s *State) Stats() Stats {
	return s.stats
}

// Loglevel returns the CPU's current level and whether it is active.
func (s *State) Loglevel() (Loglevel, bool) {
	return s.loglevel, s.loglevelActive
}

// CheckEnabled reports whether instruction logging is enabled on this CPU:
// the global instruction-log bit is set and the per-CPU level is active.
func (s *State) CheckEnabled() bool {
	return s.tracer.flags.Has(LogInstr) && s.loglevelActive
}

// SetBuffered toggles buffered mode. When cleared the ring degenerates to a
// single working slot and commits emit immediately.
func (s *State) SetBuffered(enable bool) {
	if enable {
		s.flags |= stateBuffered
	} else {
		s.flags &^= stateBuffered
	}
}

// Buffered reports whether the CPU is in buffered mode.
func (s *State) Buffered() bool {
	return s.flags&stateBuffered != 0
}

// Current returns the entry currently being populated.
func (s *State) Current() *Entry {
	return s.ring.current()
}

func (s *State) getPaddr(vaddr uint64) uint64 {
	paddr, ok := s.arch.PhysAddr(vaddr)
	if !ok {
		return AddrUnknown
	}
	return paddr
}

// resetCurrent returns the current slot to the canonically empty shape for
// the next instruction.
func (s *State) resetCurrent() {
	s.ring.current().reset()
	s.forceDrop = false
	s.starting = false
}

func (s *State) emitStartEvent(pc uint64) {
	entry := s.ring.current()
	// Start events always have incomplete instruction data. Update the
	// entry PC as well so the first, incomplete entry of the trace still
	// reports where the start trigger occurred.
	entry.Flags &^= FlagHasInstrData
	entry.PC = pc
	entry.Paddr = s.getPaddr(pc)
	entry.Events = append(entry.Events, StateEvent{Next: TraceStateStart, PC: pc})
}

func (s *State) emitStopEvent(pc uint64) {
	entry := s.ring.current()
	entry.Events = append(entry.Events, StateEvent{Next: TraceStateStop, PC: pc})
}

func (s *State) emitRegdumpEvent() {
	ev := NewRegdumpEvent(0)
	if !s.arch.Regdump(ev) {
		releaseRegdump(ev)
		return
	}
	entry := s.ring.current()
	entry.Events = append(entry.Events, ev)
}

// doCommit publishes the current entry, subject to force-drop and the
// filter pipeline. In streaming mode the entry goes straight to the
// backend; in buffered mode it stays in the ring until the next flush.
func (s *State) doCommit() {
	if s.forceDrop {
		return
	}
	entry := s.ring.current()
	for _, f := range s.filters {
		if !filterTable[f](s, entry) {
			return
		}
	}
	if s.flags&stateBuffered != 0 {
		s.ring.commitHead()
	} else {
		s.tracer.backend.EmitInstr(s, entry)
		s.stats.EntriesEmitted++
	}
}

// Commit publishes the current entry and resets whatever slot is current
// afterwards. The target calls this at every instruction boundary.
func (s *State) Commit() {
	s.doCommit()
	s.resetCurrent()
}

// Drop marks the current entry to be discarded by the next Commit.
func (s *State) Drop() {
	s.forceDrop = true
}

// Flush appends a flush event to the current entry and drains the ring
// through the backend. If logging is disabled the event-carrying entry is
// force-committed so backends still observe the flush.
func (s *State) Flush() {
	entry := s.ring.current()
	entry.Events = append(entry.Events, StateEvent{Next: TraceStateFlush, PC: entry.PC})

	if !s.CheckEnabled() {
		s.Commit()
	}
	if s.flags&stateBuffered == 0 {
		return
	}
	s.ring.drain(func(e *Entry) {
		s.tracer.backend.EmitInstr(s, e)
		s.stats.EntriesEmitted++
	})
}

type nextLevelReq struct {
	level  Loglevel
	pc     uint64
	global bool
}

// doLoglevelSwitch performs the actual per-CPU log level change. It must
// run in exclusive context.
//
// When logging starts, the visible effect of the start event is deferred to
// the first committed instruction: the path from exclusive context back to
// the translation loop may hit an interrupt that immediately switches mode
// and stops logging again, and emitting eagerly would produce a
// zero-instruction slice.
func (s *State) doLoglevelSwitch(req nextLevelReq) {
	if !s.tracer.flags.Has(LogInstr) {
		panic("trace: loglevel switch with global instruction-log bit clear")
	}

	prevLevel, prevActive := s.loglevel, s.loglevelActive
	pc := req.pc
	if req.global {
		pc = s.arch.RecentPC()
	}

	var nextActive bool
	switch req.level {
	case LoglevelNone:
		nextActive = false
	case LoglevelAll:
		nextActive = true
	case LoglevelUser:
		// Assume the current entry holds the mode switch that caused
		// this call.
		entry := s.ring.current()
		if entry.Flags&FlagModeSwitch != 0 {
			nextActive = entry.NextCPUMode == ModeUser
		} else {
			nextActive = s.arch.InUserMode()
		}
	default:
		panic(fmt.Sprintf("trace: invalid cpu instruction log level %d", req.level))
	}

	s.loglevel = req.level
	s.loglevelActive = nextActive

	if req.level == prevLevel && prevActive == nextActive {
		return
	}

	if prevActive {
		if s.starting {
			// The pending start never saw a commit; discard it
			// instead of emitting an empty slice.
			s.resetCurrent()
		} else {
			s.emitStopEvent(pc)
			s.stats.TraceStop++
			s.doCommit()
			// Commit may have advanced to the next ring slot.
			s.resetCurrent()
		}
	}
	if nextActive {
		s.starting = true
		// The start event becomes visible with the first committed
		// instruction.
		s.emitStartEvent(pc)
		s.emitRegdumpEvent()
		s.stats.TraceStart++
	}
}

// loglevelSwitch defers the level change to the owning CPU in exclusive
// context.
func (s *State) loglevelSwitch(pc uint64, level Loglevel, global bool) {
	req := nextLevelReq{level: level, pc: pc, global: global}
	s.exec.AsyncSafeRun(func() {
		s.doLoglevelSwitch(req)
	})
}

// ModeSwitch records a CPU mode change on the current entry and, in
// user-only tracing, pauses or resumes logging when the new mode changes
// user-mode activity. The translation block must end after this call.
func (s *State) ModeSwitch(mode CPUMode, pc uint64) {
	entry := s.ring.current()
	entry.Flags |= FlagModeSwitch
	entry.NextCPUMode = mode

	if !s.tracer.flags.Has(LogInstr) || s.loglevel != LoglevelUser {
		return
	}
	if (mode == ModeUser) != s.loglevelActive {
		s.loglevelSwitch(pc, s.loglevel, false)
	}
}

// Start enables tracing of all instructions on this CPU from pc.
func (s *State) Start(pc uint64) {
	s.startLevel(pc, LoglevelAll, false)
}

// StartUser enables tracing of user-mode instructions on this CPU from pc.
func (s *State) StartUser(pc uint64) {
	s.startLevel(pc, LoglevelUser, false)
}

// Stop disables tracing on this CPU at pc.
func (s *State) Stop(pc uint64) {
	s.loglevelSwitch(pc, LoglevelNone, false)
}

func (s *State) startLevel(pc uint64, level Loglevel, global bool) {
	s.tracer.flags.Set(LogInstr)
	if s.loglevel == level && s.loglevelActive {
		return
	}
	s.loglevelSwitch(pc, level, global)
}

func (s *State) dumpDebugStats() {
	if !s.tracer.traceDebug {
		return
	}
	s.logger.Info("instruction tracing statistics",
		"entries_emitted", s.stats.EntriesEmitted,
		"trace_slices", s.stats.TraceStart)
	if s.stats.TraceStart != s.stats.TraceStop {
		s.logger.Info("unbalanced trace stop", "trace_stop", s.stats.TraceStop)
	}
}
