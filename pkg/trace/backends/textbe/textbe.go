// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package textbe is the human-readable trace backend. It renders each
// committed entry as a header line followed by one indented line per
// register, memory, event and text record. It exists for interactive use
// and tests; the output is not a stable wire format.
//
// Importing the package registers it as the "text" backend kind.
package textbe

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/emustack/itrace/pkg/trace"
)

// Backend writes rendered entries to an output stream. Writes from
// different CPUs are serialized on an internal lock.
type Backend struct {
	mu  sync.Mutex
	out *bufio.Writer
}

func New(out io.Writer) *Backend {
	return &Backend{out: bufio.NewWriter(out)}
}

// SetOutput redirects the backend. Pending output is flushed first.
func (b *Backend) SetOutput(out io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out.Flush()
	b.out = bufio.NewWriter(out)
}

// EmitInstr renders one committed entry.
func (b *Backend) EmitInstr(s *trace.State, e *trace.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sb strings.Builder
	fmt.Fprintf(&sb, "[cpu %d asid %#x] ", s.CPUIndex(), e.ASID)
	if e.Flags&trace.FlagHasInstrData != 0 {
		fmt.Fprintf(&sb, "pc=%#016x paddr=%#x insn=% x", e.PC, e.Paddr, e.InsnBytes())
	} else {
		fmt.Fprintf(&sb, "pc=%#016x <incomplete>", e.PC)
	}
	if e.Flags&trace.FlagModeSwitch != 0 {
		fmt.Fprintf(&sb, " mode->%s", e.NextCPUMode)
	}
	if e.Flags&trace.FlagIntrTrap != 0 {
		fmt.Fprintf(&sb, " trap code=%d vector=%#x fault=%#x", e.IntrCode, e.IntrVector, e.IntrFaultAddr)
	}
	if e.Flags&trace.FlagIntrAsync != 0 {
		fmt.Fprintf(&sb, " intr code=%d vector=%#x", e.IntrCode, e.IntrVector)
	}
	b.out.WriteString(sb.String())
	b.out.WriteByte('\n')

	for _, r := range e.Regs {
		b.writeReg("    reg", r)
	}
	for i := range e.Mem {
		m := &e.Mem[i]
		dir := "ld"
		if m.Flags&trace.MemStore != 0 {
			dir = "st"
		}
		if m.Flags&trace.MemCap != 0 {
			fmt.Fprintf(b.out, "    %s.cap addr=%#x paddr=%#x cap=%s\n",
				dir, m.Addr, m.Paddr, formatCap(m.Cap))
		} else {
			fmt.Fprintf(b.out, "    %s.%s addr=%#x paddr=%#x value=%#x\n",
				dir, m.Op, m.Addr, m.Paddr, m.Value)
		}
	}
	for _, ev := range e.Events {
		b.writeEvent(ev)
	}
	if txt := e.Text(); txt != "" {
		fmt.Fprintf(b.out, "    text: %s\n", txt)
	}
}

func (b *Backend) writeReg(prefix string, r trace.RegInfo) {
	switch {
	case r.Flags&trace.RegHoldsCap != 0:
		fmt.Fprintf(b.out, "%s %s <- %s\n", prefix, r.Name, formatCap(r.Cap))
	case r.Flags&trace.RegCap != 0:
		fmt.Fprintf(b.out, "%s %s <- (int) %#x\n", prefix, r.Name, r.Value)
	default:
		fmt.Fprintf(b.out, "%s %s <- %#x\n", prefix, r.Name, r.Value)
	}
}

func (b *Backend) writeEvent(ev trace.Event) {
	switch ev := ev.(type) {
	case trace.StateEvent:
		fmt.Fprintf(b.out, "    event: trace %s pc=%#x\n", ev.Next, ev.PC)
	case *trace.RegdumpEvent:
		fmt.Fprintf(b.out, "    event: regdump (%d registers)\n", len(ev.GPR))
		for _, r := range ev.GPR {
			b.writeReg("      ", r)
		}
	case trace.UserEvent:
		fmt.Fprintf(b.out, "    event: user id=%d value=%#x\n", ev.ID, ev.Value)
	default:
		fmt.Fprintf(b.out, "    event: %T\n", ev)
	}
}

// EmitDebug writes an out-of-band counter sample.
func (b *Backend) EmitDebug(s *trace.State, counter trace.DebugCounter, value int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fmt.Fprintf(b.out, "[cpu %d] counter %d = %d\n", s.CPUIndex(), counter, value)
}

// Sync flushes buffered output.
func (b *Backend) Sync(*trace.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out.Flush()
}

func formatCap(c trace.Capability) string {
	tag := 0
	if c.Tag {
		tag = 1
	}
	return fmt.Sprintf("[tag=%d base=%#x top=%#x cursor=%#x perms=%#x]",
		tag, c.Base, c.Top, c.Cursor, c.Perms)
}

var (
	_ trace.Backend             = (*Backend)(nil)
	_ trace.BackendSyncer       = (*Backend)(nil)
	_ trace.BackendDebugEmitter = (*Backend)(nil)
)

// Default is the process-wide text backend registered at init, writing to
// stdout until redirected with SetOutput.
var Default = New(os.Stdout)

func init() {
	trace.RegisterBackend(trace.BackendText, Default)
}
