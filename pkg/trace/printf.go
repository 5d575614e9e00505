// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"bytes"
	"fmt"
	"math"
	"math/bits"
)

// Staged printf runtime.
//
// Translated code enqueues formatted debug lines with one typed store per
// argument (pkg/gen emits the stores); the format is only rendered when the
// owning entry is actually committed. The staging area lives in the per-CPU
// state and is drained by PrintfDump.

const (
	// PrintfBufDepth is the number of staged printf slots per CPU.
	PrintfBufDepth = 32
	// PrintfArgMax is the number of argument words per slot.
	PrintfArgMax = 8
	// PrintfFlushBarrier is the slot count that forces a render-helper
	// call at translation time.
	PrintfFlushBarrier = 24

	printfBounceSize = 256
)

// PrintfArg is one staged argument word: 8 bytes of integer or float
// payload, plus the string payload for staged constant strings.
type PrintfArg struct {
	bits uint64
	str  string
}

// PrintfBuf is the per-CPU staging area for translation-time printf.
type PrintfBuf struct {
	fmts  [PrintfBufDepth]string
	args  [PrintfBufDepth][PrintfArgMax]PrintfArg
	valid uint64
}

// StoreFormat records the format string for a slot.
func (p *PrintfBuf) StoreFormat(slot int, format string) {
	p.fmts[slot] = format
}

// OrValid marks slots as populated.
func (p *PrintfBuf) OrValid(mask uint64) {
	p.valid |= mask
}

// Valid returns the bitmap of populated slots.
func (p *PrintfBuf) Valid() uint64 {
	return p.valid
}

// StoreArgBits stores the low size bytes (1, 2, 4 or 8) of bits into an
// argument word.
func (p *PrintfBuf) StoreArgBits(slot, arg, size int, v uint64) {
	switch size {
	case 1:
		v &= 0xff
	case 2:
		v &= 0xffff
	case 4:
		v &= 0xffffffff
	case 8:
	default:
		panic(fmt.Sprintf("trace: invalid printf argument store size %d", size))
	}
	p.args[slot][arg].bits = v
}

// StoreArgString stores a constant string argument.
func (p *PrintfBuf) StoreArgString(slot, arg int, s string) {
	p.args[slot][arg].str = s
}

// Printf returns the CPU's printf staging area. Generated code writes into
// it through the PrintfBuf methods.
func (s *State) Printf() *PrintfBuf {
	return &s.printf
}

// PrintfDump renders every staged printf, in least-significant-slot order,
// into the current entry's text buffer, then clears the staging bitmap.
// With logging disabled the staged slots are discarded.
func (s *State) PrintfDump() {
	valid := s.printf.valid
	s.printf.valid = 0

	if !s.CheckEnabled() {
		return
	}

	entry := s.ring.current()
	for valid != 0 {
		ndx := bits.TrailingZeros64(valid)
		valid &^= 1 << ndx
		appendFormatArgs(&entry.Txt, s.printf.fmts[ndx], s.printf.args[ndx][:])
	}
}

// appendFormatArgs renders a C-style format string against an array of
// staged argument words. Literal runs are staged through a bounded bounce
// buffer; each conversion selects its argument by the declared storage size
// and signedness and is translated to the equivalent Go verb (length
// modifiers dropped, i and u folded into d).
func appendFormatArgs(w *bytes.Buffer, format string, args []PrintfArg) {
	var bounce [printfBounceSize]byte
	n := 0
	put := func(c byte) {
		if n >= printfBounceSize {
			panic("trace: printf bounce buffer overflow")
		}
		bounce[n] = c
		n++
	}
	flush := func() {
		w.Write(bounce[:n])
		n = 0
	}

	argn := 0
	nextArg := func() PrintfArg {
		if argn >= len(args) {
			panic("trace: printf conversion count exceeds staged arguments")
		}
		a := args[argn]
		argn++
		return a
	}

	i := 0
	for i < len(format) {
		c := format[i]
		i++
		if c != '%' {
			put(c)
			continue
		}

		// Collect flags, width and precision for the Go spec; track C
		// length modifiers separately.
		spec := []byte{'%'}
		var isShort, isLong, isLongLong bool
	conversion:
		for i < len(format) {
			c = format[i]
			i++
			switch c {
			case '%':
				put('%')
				break conversion
			case 'h':
				isShort = true
			case 'l':
				if isLong {
					isLongLong = true
				}
				isLong = true
			case '-', '+', ' ', '#', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '.':
				spec = append(spec, c)
			case 'c':
				a := nextArg()
				flush()
				fmt.Fprintf(w, string(append(spec, 'c')), rune(byte(a.bits)))
				break conversion
			case 'd', 'i':
				a := nextArg()
				flush()
				var v int64
				switch {
				case isLongLong, isLong:
					v = int64(a.bits)
				case isShort:
					v = int64(int16(a.bits))
				default:
					v = int64(int32(a.bits))
				}
				fmt.Fprintf(w, string(append(spec, 'd')), v)
				break conversion
			case 'u', 'x', 'X', 'o':
				a := nextArg()
				flush()
				verb := c
				if verb == 'u' {
					verb = 'd'
				}
				var v uint64
				switch {
				case isLongLong, isLong:
					v = a.bits
				case isShort:
					v = uint64(uint16(a.bits))
				default:
					v = uint64(uint32(a.bits))
				}
				fmt.Fprintf(w, string(append(spec, verb)), v)
				break conversion
			case 'e', 'E', 'f', 'g', 'G':
				a := nextArg()
				flush()
				var v float64
				if isLong {
					v = math.Float64frombits(a.bits)
				} else {
					v = float64(math.Float32frombits(uint32(a.bits)))
				}
				fmt.Fprintf(w, string(append(spec, c)), v)
				break conversion
			case 's':
				a := nextArg()
				flush()
				fmt.Fprintf(w, string(append(spec, 's')), a.str)
				break conversion
			case 'p':
				a := nextArg()
				flush()
				w.WriteString("0x")
				fmt.Fprintf(w, string(append(spec, 'x')), a.bits)
				break conversion
			default:
				panic(fmt.Sprintf("trace: unsupported printf conversion %%%c", c))
			}
		}
	}
	flush()
}
