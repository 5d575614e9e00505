// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import "fmt"

// Collector API. The target calls these between instruction boundaries to
// append observations to the current entry. The plain forms record
// unconditionally; the Maybe and Load/Store helper forms check CheckEnabled
// first so untraced execution stays cheap.

// Reg records an update of a plain integer register.
func (s *State) Reg(name string, value uint64) {
	entry := s.ring.current()
	entry.Regs = append(entry.Regs, RegInfo{Name: name, Value: value})
}

// MaybeReg records a register update if logging is enabled.
func (s *State) MaybeReg(name string, value uint64) {
	if s.CheckEnabled() {
		s.Reg(name, value)
	}
}

// Cap records an update of a capability register.
func (s *State) Cap(name string, cap Capability) {
	entry := s.ring.current()
	entry.Regs = append(entry.Regs, RegInfo{Name: name, Flags: RegCap | RegHoldsCap, Cap: cap})
}

// MaybeCap records a capability register update if logging is enabled.
func (s *State) MaybeCap(name string, cap Capability) {
	if s.CheckEnabled() {
		s.Cap(name, cap)
	}
}

// CapInt records an update of a capability register that holds a plain
// integer.
func (s *State) CapInt(name string, value uint64) {
	entry := s.ring.current()
	entry.Regs = append(entry.Regs, RegInfo{Name: name, Flags: RegCap, Value: value})
}

func (s *State) memInt(addr uint64, flags MemFlags, op MemOp, value uint64) {
	entry := s.ring.current()
	entry.Mem = append(entry.Mem, MemInfo{
		Flags: flags,
		Op:    op,
		Addr:  addr,
		Paddr: s.getPaddr(addr),
		Value: value,
	})
}

// LdInt records an integer load.
func (s *State) LdInt(addr uint64, op MemOp, value uint64) {
	s.memInt(addr, MemLoad, op, value)
}

// StInt records an integer store.
func (s *State) StInt(addr uint64, op MemOp, value uint64) {
	s.memInt(addr, MemStore, op, value)
}

// Load64 records a 64-bit load if logging is enabled.
func (s *State) Load64(addr uint64, op MemOp, value uint64) {
	if s.CheckEnabled() {
		s.memInt(addr, MemLoad, op, value)
	}
}

// Store64 records a 64-bit store if logging is enabled.
func (s *State) Store64(addr uint64, op MemOp, value uint64) {
	if s.CheckEnabled() {
		s.memInt(addr, MemStore, op, value)
	}
}

// Load32 records a 32-bit load if logging is enabled. The value channel is
// always 64 bits wide; the value is zero-extended, signed loads must be
// extended by the caller.
func (s *State) Load32(addr uint64, op MemOp, value uint32) {
	if s.CheckEnabled() {
		s.memInt(addr, MemLoad, op, uint64(value))
	}
}

// Store32 records a 32-bit store if logging is enabled.
func (s *State) Store32(addr uint64, op MemOp, value uint32) {
	if s.CheckEnabled() {
		s.memInt(addr, MemStore, op, uint64(value))
	}
}

func (s *State) memCap(addr uint64, flags MemFlags, cap Capability) {
	entry := s.ring.current()
	entry.Mem = append(entry.Mem, MemInfo{
		Flags: flags,
		Addr:  addr,
		Paddr: s.getPaddr(addr),
		Cap:   cap,
	})
}

// LdCap records a capability load.
func (s *State) LdCap(addr uint64, cap Capability) {
	s.memCap(addr, MemLoad|MemCap, cap)
}

// StCap records a capability store.
func (s *State) StCap(addr uint64, cap Capability) {
	s.memCap(addr, MemStore|MemCap, cap)
}

// Instr records the instruction proper: its PC, physical translation and
// opcode bytes.
func (s *State) Instr(pc uint64, insn []byte) {
	if len(insn) > s.arch.MaxInsnSize() {
		panic(fmt.Sprintf("trace: instruction size %d exceeds target maximum %d",
			len(insn), s.arch.MaxInsnSize()))
	}
	entry := s.ring.current()
	entry.PC = pc
	entry.Paddr = s.getPaddr(pc)
	entry.Flags |= FlagHasInstrData
	entry.insnBytes = append(entry.insnBytes[:0], insn...)
}

// ASID stamps the entry's address-space identifier.
func (s *State) ASID(asid uint16) {
	s.ring.current().ASID = asid
}

// Exception records a synchronous exception on the current entry.
func (s *State) Exception(code uint32, vector, faultAddr uint64) {
	entry := s.ring.current()
	entry.Flags |= FlagIntrTrap
	entry.IntrCode = code
	entry.IntrVector = vector
	entry.IntrFaultAddr = faultAddr
}

// Interrupt records an asynchronous interrupt on the current entry.
func (s *State) Interrupt(code uint32, vector uint64) {
	entry := s.ring.current()
	entry.Flags |= FlagIntrAsync
	entry.IntrCode = code
	entry.IntrVector = vector
}

// Event appends an event to the current entry. Ownership of any heap-owned
// payload in ev transfers to the entry and is released when the slot is
// reset.
func (s *State) Event(ev Event) {
	entry := s.ring.current()
	entry.Events = append(entry.Events, ev)
}

// Extra appends formatted freeform text to the current entry.
func (s *State) Extra(format string, args ...any) {
	entry := s.ring.current()
	fmt.Fprintf(&entry.Txt, format, args...)
}

// MaybeExtra appends formatted text if logging is enabled.
func (s *State) MaybeExtra(format string, args ...any) {
	if s.CheckEnabled() {
		s.Extra(format, args...)
	}
}
