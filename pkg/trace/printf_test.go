// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintfDumpRendersInSlotOrder(t *testing.T) {
	arch := &fakeArch{}
	tr, s, _ := newTestState(t, arch)
	tr.GlobalSwitch(LogInstr)
	s.Commit()

	p := s.Printf()
	// Stage out of order; rendering follows the bitmap from least to
	// most significant.
	p.StoreFormat(3, "third")
	p.StoreFormat(0, "first ")
	p.StoreFormat(1, "second ")
	p.OrValid(1<<3 | 1<<0 | 1<<1)

	s.PrintfDump()

	assert.Equal(t, "first second third", s.Current().Text())
	assert.Zero(t, p.Valid())
}

func TestPrintfDumpDisabledDiscards(t *testing.T) {
	arch := &fakeArch{}
	_, s, _ := newTestState(t, arch)

	p := s.Printf()
	p.StoreFormat(0, "never rendered")
	p.OrValid(1)

	s.PrintfDump()
	assert.Zero(t, p.Valid())
	assert.Empty(t, s.Current().Text())
}

func renderOne(t *testing.T, format string, stage func(p *PrintfBuf)) string {
	t.Helper()
	var p PrintfBuf
	p.StoreFormat(0, format)
	stage(&p)

	var buf bytes.Buffer
	appendFormatArgs(&buf, format, p.args[0][:])
	return buf.String()
}

func TestRendererConversions(t *testing.T) {
	tests := []struct {
		name   string
		format string
		stage  func(p *PrintfBuf)
		want   string
	}{
		{
			name:   "signed int",
			format: "v=%d",
			stage:  func(p *PrintfBuf) { p.StoreArgBits(0, 0, 4, uint64(uint32(0xffffffff))) },
			want:   "v=-1",
		},
		{
			name:   "signed short",
			format: "v=%hd",
			stage:  func(p *PrintfBuf) { p.StoreArgBits(0, 0, 2, 0xffff) },
			want:   "v=-1",
		},
		{
			name:   "unsigned",
			format: "v=%u",
			stage:  func(p *PrintfBuf) { p.StoreArgBits(0, 0, 4, 0xffffffff) },
			want:   "v=4294967295",
		},
		{
			name:   "long hex",
			format: "v=0x%lx",
			stage:  func(p *PrintfBuf) { p.StoreArgBits(0, 0, 8, 0xdeadbeefcafe) },
			want:   "v=0xdeadbeefcafe",
		},
		{
			name:   "long long",
			format: "v=%lld",
			stage:  func(p *PrintfBuf) { p.StoreArgBits(0, 0, 8, uint64(0xffffffffffffffff)) },
			want:   "v=-1",
		},
		{
			name:   "octal with width",
			format: "v=%04o",
			stage:  func(p *PrintfBuf) { p.StoreArgBits(0, 0, 4, 8) },
			want:   "v=0010",
		},
		{
			name:   "char",
			format: "c=%c",
			stage:  func(p *PrintfBuf) { p.StoreArgBits(0, 0, 1, 'Q') },
			want:   "c=Q",
		},
		{
			name:   "float",
			format: "f=%.2f",
			stage: func(p *PrintfBuf) {
				p.StoreArgBits(0, 0, 4, uint64(math.Float32bits(1.5)))
			},
			want: "f=1.50",
		},
		{
			name:   "double",
			format: "f=%.3lf",
			stage: func(p *PrintfBuf) {
				p.StoreArgBits(0, 0, 8, math.Float64bits(2.125))
			},
			want: "f=2.125",
		},
		{
			name:   "string",
			format: "s=%s!",
			stage:  func(p *PrintfBuf) { p.StoreArgString(0, 0, "hello") },
			want:   "s=hello!",
		},
		{
			name:   "pointer",
			format: "p=%p",
			stage:  func(p *PrintfBuf) { p.StoreArgBits(0, 0, 8, 0x1234) },
			want:   "p=0x1234",
		},
		{
			name:   "percent literal",
			format: "100%% done",
			stage:  func(p *PrintfBuf) {},
			want:   "100% done",
		},
		{
			name:   "multiple args",
			format: "%s=%d/0x%x",
			stage: func(p *PrintfBuf) {
				p.StoreArgString(0, 0, "ctr")
				p.StoreArgBits(0, 1, 4, 42)
				p.StoreArgBits(0, 2, 4, 0xbeef)
			},
			want: "ctr=42/0xbeef",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := renderOne(t, tt.format, tt.stage)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRendererBounceBufferOverflowPanics(t *testing.T) {
	long := strings.Repeat("x", printfBounceSize+1)
	var buf bytes.Buffer
	assert.Panics(t, func() {
		appendFormatArgs(&buf, long, nil)
	})
}

func TestStoreArgBitsMasksBySize(t *testing.T) {
	var p PrintfBuf
	p.StoreArgBits(0, 0, 1, 0xabcd)
	assert.Equal(t, uint64(0xcd), p.args[0][0].bits)
	p.StoreArgBits(0, 1, 2, 0xfedcba)
	assert.Equal(t, uint64(0xdcba), p.args[0][1].bits)
	p.StoreArgBits(0, 2, 4, 0x1_2345_6789)
	assert.Equal(t, uint64(0x2345_6789), p.args[0][2].bits)

	assert.Panics(t, func() { p.StoreArgBits(0, 3, 3, 1) })
}

func TestPrintfDumpAppendsToCurrentEntryText(t *testing.T) {
	arch := &fakeArch{}
	tr, s, rb := newTestState(t, arch)
	tr.GlobalSwitch(LogInstr)
	s.Commit()

	s.Extra("prefix|")
	p := s.Printf()
	p.StoreFormat(0, "staged %d")
	p.StoreArgBits(0, 0, 4, 7)
	p.OrValid(1)
	s.PrintfDump()

	s.Instr(0x10, []byte{0x01})
	s.Commit()

	require.Len(t, rb.emitted(), 2)
	assert.Equal(t, "prefix|staged 7", rb.emitted()[1].Text())
}
