// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package textbe_test

import (
	"bytes"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emustack/itrace/pkg/trace"
	"github.com/emustack/itrace/pkg/trace/backends/textbe"
)

type testArch struct{}

func (testArch) InUserMode() bool                 { return true }
func (testArch) RecentPC() uint64                 { return 0x1000 }
func (testArch) PhysAddr(v uint64) (uint64, bool) { return v + 0x100, true }
func (testArch) MaxInsnSize() int                 { return 4 }

func (testArch) Regdump(ev *trace.RegdumpEvent) bool {
	ev.DumpReg("x0", 0x1234)
	return true
}

type inlineExec struct{}

func (inlineExec) Run(fn func())          { fn() }
func (inlineExec) AsyncSafeRun(fn func()) { fn() }

func TestTextBackendRegistered(t *testing.T) {
	kind, err := trace.ParseBackendKind("text")
	require.NoError(t, err)
	assert.Equal(t, trace.BackendText, kind)

	_, err = trace.NewTracer(testr.New(t), trace.WithBackend(trace.BackendText))
	assert.NoError(t, err)
}

func TestEmitInstrRendersRecords(t *testing.T) {
	var buf bytes.Buffer
	be := textbe.New(&buf)

	tr, err := trace.NewTracer(testr.New(t), trace.WithCustomBackend(be))
	require.NoError(t, err)
	s := tr.AttachCPU(0, testArch{}, inlineExec{})

	tr.GlobalSwitch(trace.LogInstr)

	s.Instr(0x1000, []byte{0x93, 0x08})
	s.ASID(3)
	s.Reg("a0", 0x2a)
	s.Cap("ca1", trace.Capability{Tag: true, Base: 0x100, Top: 0x200, Cursor: 0x180, Perms: 0x7})
	s.LdInt(0x8000, trace.MemOpFor(4, false, false), 0xbeef)
	s.Extra("custom note")
	s.Commit()
	tr.SyncBuffers()

	out := buf.String()
	assert.Contains(t, out, "[cpu 0 asid 0x3]")
	assert.Contains(t, out, "pc=0x00000000001000")
	assert.Contains(t, out, "insn=93 08")
	assert.Contains(t, out, "reg a0 <- 0x2a")
	assert.Contains(t, out, "ca1 <- [tag=1 base=0x100 top=0x200 cursor=0x180 perms=0x7]")
	assert.Contains(t, out, "ld.u32le addr=0x8000")
	assert.Contains(t, out, "value=0xbeef")
	assert.Contains(t, out, "event: trace start pc=0x1000")
	assert.Contains(t, out, "event: regdump (1 registers)")
	assert.Contains(t, out, "text: custom note")
}

func TestEmitDebugAndSync(t *testing.T) {
	var buf bytes.Buffer
	be := textbe.New(&buf)

	tr, err := trace.NewTracer(testr.New(t), trace.WithCustomBackend(be))
	require.NoError(t, err)
	s := tr.AttachCPU(0, testArch{}, inlineExec{})

	tr.Counter(s, trace.DebugCounter(7), 99)
	tr.SyncBuffers()

	assert.Contains(t, buf.String(), "[cpu 0] counter 7 = 99")
}

func TestIncompleteEntryRendering(t *testing.T) {
	var buf bytes.Buffer
	be := textbe.New(&buf)

	tr, err := trace.NewTracer(testr.New(t), trace.WithCustomBackend(be))
	require.NoError(t, err)
	s := tr.AttachCPU(0, testArch{}, inlineExec{})

	// A start entry with no instruction data yet.
	tr.GlobalSwitch(trace.LogInstr)
	s.Commit()
	tr.SyncBuffers()

	assert.Contains(t, buf.String(), "<incomplete>")
}
