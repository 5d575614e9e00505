// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package trace implements the per-CPU instruction trace core of the
// emulator.
//
// Translated target code appends register updates, memory accesses and
// events to the current entry of its CPU through the collector API, then
// commits the entry at the instruction boundary. Committed entries pass the
// CPU's filter pipeline and are handed to the process-wide serialization
// backend, either immediately (streaming) or on explicit flush (buffered).
//
// Per-CPU state is exclusively owned by the CPU's worker goroutine. All
// cross-CPU control (log level switches, buffer resizes) is deferred to the
// owning CPU through the Executor collaborator and applied between
// translation blocks in exclusive context.
package trace

// Arch is the target CPU collaborator. Implementations are provided per
// target and must only be called on the owning CPU thread.
type Arch interface {
	// InUserMode reports whether the CPU currently executes in user mode.
	InUserMode() bool

	// RecentPC returns the most recently executed program counter, used
	// when a globally triggered switch has no PC of its own.
	RecentPC() uint64

	// PhysAddr translates a virtual address. ok is false when the MMU has
	// no translation; the core then records the AddrUnknown sentinel.
	PhysAddr(vaddr uint64) (paddr uint64, ok bool)

	// Regdump fills ev with the current general-purpose register file for
	// the start-of-trace register dump. Returning false declines the dump.
	Regdump(ev *RegdumpEvent) bool

	// MaxInsnSize returns the target's maximum instruction length in
	// bytes.
	MaxInsnSize() int
}

// Executor runs work on the owning CPU thread. It is implemented by the CPU
// worker (pkg/vcpu) and injected at attach time.
type Executor interface {
	// Run executes fn on the CPU thread between translation blocks and
	// blocks the caller until it has completed.
	Run(fn func())

	// AsyncSafeRun enqueues fn to run on the CPU thread in exclusive
	// context, with every other CPU quiesced. Enqueued work always runs
	// to completion; there is no cancellation.
	AsyncSafeRun(fn func())
}
