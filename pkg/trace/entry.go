// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"bytes"
	"sync/atomic"
)

// AddrUnknown is the sentinel physical address stored when the MMU cannot
// translate a virtual address.
const AddrUnknown = ^uint64(0)

// EntryFlags describe what a trace entry carries.
type EntryFlags uint32

const (
	// FlagHasInstrData is set once the instruction bytes have been recorded.
	FlagHasInstrData EntryFlags = 1 << iota
	// FlagModeSwitch marks an instruction that changed the CPU mode.
	FlagModeSwitch
	// FlagIntrTrap marks a synchronous exception.
	FlagIntrTrap
	// FlagIntrAsync marks an asynchronous interrupt.
	FlagIntrAsync
)

// FlagIntrMask selects both interrupt flavors.
const FlagIntrMask = FlagIntrTrap | FlagIntrAsync

// CPUMode is a target CPU privilege mode. Targets may define additional
// modes above ModeTargetBase; only ModeUser has meaning to the core.
type CPUMode uint8

const (
	ModeUser CPUMode = iota
	ModeKernel
	ModeHypervisor
	ModeDebug
	// ModeTargetBase is the first mode value available to targets.
	ModeTargetBase
)

func (m CPUMode) String() string {
	switch m {
	case ModeUser:
		return "user"
	case ModeKernel:
		return "kernel"
	case ModeHypervisor:
		return "hypervisor"
	case ModeDebug:
		return "debug"
	default:
		return "target"
	}
}

// RegFlags describe the shape of a register record.
type RegFlags uint8

const (
	// RegCap marks a capability register.
	RegCap RegFlags = 1 << iota
	// RegHoldsCap marks that the register currently holds a valid capability.
	RegHoldsCap
)

// Capability is a wide register value carrying bounds and permissions in
// addition to the cursor. The exact interpretation is target-dependent.
type Capability struct {
	Tag    bool
	Sealed bool
	Perms  uint32
	OType  uint32
	Base   uint64
	Top    uint64
	Cursor uint64
}

// RegInfo is one register update observed during an instruction.
// Value is meaningful unless RegHoldsCap is set, in which case Cap carries
// the full capability.
type RegInfo struct {
	Name  string
	Flags RegFlags
	Value uint64
	Cap   Capability
}

// MemFlags describe a memory record.
type MemFlags uint8

const (
	MemLoad MemFlags = 1 << iota
	MemStore
	MemCap
)

// MemInfo is one memory access observed during an instruction. The value
// channel is always 64 bits wide; narrower accesses are zero-extended by the
// recording helpers.
type MemInfo struct {
	Flags MemFlags
	Op    MemOp
	Addr  uint64
	Paddr uint64
	Value uint64
	Cap   Capability
}

// TraceState is the state transition announced by a StateEvent.
type TraceState uint8

const (
	TraceStateStart TraceState = iota
	TraceStateStop
	TraceStateFlush
)

func (s TraceState) String() string {
	switch s {
	case TraceStateStart:
		return "start"
	case TraceStateStop:
		return "stop"
	case TraceStateFlush:
		return "flush"
	default:
		return "unknown"
	}
}

// Event is one of the tagged event variants attached to an entry:
// StateEvent, *RegdumpEvent or UserEvent. Backends dispatch on the concrete
// type.
type Event interface {
	isEvent()
}

// StateEvent announces a tracing state transition at a given PC.
type StateEvent struct {
	Next TraceState
	PC   uint64
}

func (StateEvent) isEvent() {}

// RegdumpEvent carries a full dump of the target's general-purpose register
// file, taken when tracing starts. Its register slice is heap-owned by the
// entry and released exactly once when the entry is reset.
type RegdumpEvent struct {
	GPR []RegInfo
}

func (*RegdumpEvent) isEvent() {}

// Counters for regdump payload lifetime, checked by tests to catch leaks and
// double releases.
var (
	regdumpAllocs   atomic.Uint64
	regdumpReleases atomic.Uint64
)

// NewRegdumpEvent allocates a regdump event with room for nregs registers.
func NewRegdumpEvent(nregs int) *RegdumpEvent {
	regdumpAllocs.Add(1)
	return &RegdumpEvent{GPR: make([]RegInfo, 0, nregs)}
}

func releaseRegdump(ev *RegdumpEvent) {
	if ev.GPR == nil {
		panic("trace: regdump payload released twice")
	}
	ev.GPR = nil
	regdumpReleases.Add(1)
}

// DumpReg appends a plain integer register to the dump.
func (ev *RegdumpEvent) DumpReg(name string, value uint64) {
	ev.GPR = append(ev.GPR, RegInfo{Name: name, Value: value})
}

// DumpCap appends a capability register to the dump.
func (ev *RegdumpEvent) DumpCap(name string, cap Capability) {
	ev.GPR = append(ev.GPR, RegInfo{Name: name, Flags: RegCap | RegHoldsCap, Cap: cap})
}

// DumpCapInt appends a capability register currently holding a plain
// integer.
func (ev *RegdumpEvent) DumpCapInt(name string, value uint64) {
	ev.GPR = append(ev.GPR, RegInfo{Name: name, Flags: RegCap, Value: value})
}

// UserEvent is a target-defined event emitted via special no-op
// instructions.
type UserEvent struct {
	ID    uint32
	Value uint64
}

func (UserEvent) isEvent() {}

// Entry accumulates everything observed while one instruction executes.
// Entries live inside the per-CPU ring and are reused in place: commit
// returns the slot to a canonically empty shape.
type Entry struct {
	PC    uint64
	Paddr uint64
	Flags EntryFlags

	// NextCPUMode is valid iff FlagModeSwitch is set.
	NextCPUMode CPUMode

	// Interrupt description, valid iff one of the FlagIntr bits is set.
	IntrCode      uint32
	IntrVector    uint64
	IntrFaultAddr uint64

	ASID uint16

	insnBytes []byte

	Regs   []RegInfo
	Mem    []MemInfo
	Events []Event

	Txt bytes.Buffer
}

func (e *Entry) init(maxInsnSize int) {
	if e.insnBytes == nil {
		e.insnBytes = make([]byte, 0, maxInsnSize)
	}
}

// InsnBytes returns the recorded instruction bytes. The slice aliases entry
// storage and is only valid until the entry is reset.
func (e *Entry) InsnBytes() []byte {
	return e.insnBytes
}

// InsnSize returns the recorded instruction length in bytes.
func (e *Entry) InsnSize() int {
	return len(e.insnBytes)
}

// Text returns the freeform text accumulated for this instruction.
func (e *Entry) Text() string {
	return e.Txt.String()
}

// reset returns the entry to the canonically empty shape, releasing any
// heap-owned event payloads before the slot is reused.
func (e *Entry) reset() {
	e.PC = 0
	e.Paddr = 0
	e.Flags = 0
	e.NextCPUMode = 0
	e.IntrCode = 0
	e.IntrVector = 0
	e.IntrFaultAddr = 0
	e.ASID = 0
	e.insnBytes = e.insnBytes[:0]
	e.Regs = e.Regs[:0]
	e.Mem = e.Mem[:0]
	for _, ev := range e.Events {
		if rd, ok := ev.(*RegdumpEvent); ok {
			releaseRegdump(rd)
		}
	}
	e.Events = e.Events[:0]
	e.Txt.Reset()
}

// Clone deep-copies the entry. Backends that buffer entries past the commit
// boundary must clone them, since the ring slot is reused immediately.
func (e *Entry) Clone() *Entry {
	c := &Entry{
		PC:            e.PC,
		Paddr:         e.Paddr,
		Flags:         e.Flags,
		NextCPUMode:   e.NextCPUMode,
		IntrCode:      e.IntrCode,
		IntrVector:    e.IntrVector,
		IntrFaultAddr: e.IntrFaultAddr,
		ASID:          e.ASID,
	}
	c.insnBytes = append([]byte(nil), e.insnBytes...)
	c.Regs = append([]RegInfo(nil), e.Regs...)
	c.Mem = append([]MemInfo(nil), e.Mem...)
	for _, ev := range e.Events {
		if rd, ok := ev.(*RegdumpEvent); ok {
			c.Events = append(c.Events, &RegdumpEvent{GPR: append([]RegInfo(nil), rd.GPR...)})
			continue
		}
		c.Events = append(c.Events, ev)
	}
	c.Txt.WriteString(e.Txt.String())
	return c
}
