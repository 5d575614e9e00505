// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package gen

import (
	"fmt"

	"github.com/emustack/itrace/pkg/trace"
)

// HostBuilder is a Builder that applies every emitted operation immediately
// against a CPU's printf staging area. Interpreter-style targets, which
// have no IR stream to append to, use it as their "generated code".
type HostBuilder struct {
	State *trace.State
}

type hostI32 uint32
type hostI64 uint64

// I32 wraps a runtime 32-bit value for use as a 'w' argument.
func I32(v uint32) Value { return hostI32(v) }

// I64 wraps a runtime 64-bit value for use as a 'd' argument.
func I64(v uint64) Value { return hostI64(v) }

func (hb HostBuilder) StoreFormat(slot int, format string) {
	hb.State.Printf().StoreFormat(slot, format)
}

func (hb HostBuilder) OrValid(mask uint64) {
	hb.State.Printf().OrValid(mask)
}

func (HostBuilder) ConstI32(v uint32) Value { return hostI32(v) }
func (HostBuilder) ConstI64(v uint64) Value { return hostI64(v) }

func (HostBuilder) ExtendI32(v Value, signed bool) Value {
	w := hostValue32(v)
	if signed {
		return hostI64(uint64(int64(int32(w))))
	}
	return hostI64(uint64(w))
}

func (HostBuilder) TruncI64(v Value) Value {
	return hostI32(uint32(hostValue64(v)))
}

func (hb HostBuilder) StoreArg32(slot, arg, size int, v Value) {
	hb.State.Printf().StoreArgBits(slot, arg, size, uint64(hostValue32(v)))
}

func (hb HostBuilder) StoreArg64(slot, arg int, v Value) {
	hb.State.Printf().StoreArgBits(slot, arg, 8, uint64(hostValue64(v)))
}

func (hb HostBuilder) StoreArgString(slot, arg int, s string) {
	hb.State.Printf().StoreArgString(slot, arg, s)
}

func (hb HostBuilder) CallPrintfDump() {
	hb.State.PrintfDump()
}

func hostValue32(v Value) hostI32 {
	w, ok := v.(hostI32)
	if !ok {
		panic(fmt.Sprintf("gen: host builder got foreign 32-bit value %T", v))
	}
	return w
}

func hostValue64(v Value) hostI64 {
	w, ok := v.(hostI64)
	if !ok {
		panic(fmt.Sprintf("gen: host builder got foreign 64-bit value %T", v))
	}
	return w
}

var _ Builder = HostBuilder{}
