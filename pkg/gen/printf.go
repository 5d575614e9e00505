// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package gen emits the translation-time side of the staged printf
// protocol: for each debug line, one format-pointer store, one valid-bit
// OR and at most one typed store per argument, all emitted through the
// translator's IR builder. The runtime half lives in pkg/trace.
package gen

import (
	"fmt"
	"math"

	"github.com/emustack/itrace/pkg/trace"
)

// Value is an opaque IR value handle owned by the translator.
type Value any

// Builder is the slice of the translator's IR builder the staged printf
// generator needs. Stores address the per-CPU printf staging area; argument
// stores of size 1, 2 and 4 are 32-bit typed stores, size 8 uses a 64-bit
// store.
type Builder interface {
	// StoreFormat emits a store of the literal format pointer for slot.
	StoreFormat(slot int, format string)
	// OrValid emits an OR of mask into the staging valid bitmap.
	OrValid(mask uint64)

	// ConstI32 and ConstI64 materialize immediates.
	ConstI32(v uint32) Value
	ConstI64(v uint64) Value

	// ExtendI32 promotes a 32-bit value to 64 bits with the given
	// signedness. TruncI64 narrows a 64-bit value to 32 bits.
	ExtendI32(v Value, signed bool) Value
	TruncI64(v Value) Value

	// StoreArg32 emits a typed store of the low size bytes (1, 2 or 4)
	// of a 32-bit value into an argument word.
	StoreArg32(slot, arg, size int, v Value)
	// StoreArg64 emits an 8-byte store of a 64-bit value.
	StoreArg64(slot, arg int, v Value)
	// StoreArgString stages a constant string argument.
	StoreArgString(slot, arg int, s string)

	// CallPrintfDump emits a call to the runtime render helper.
	CallPrintfDump()
}

// Context carries per-translation-block staged printf state, the analogue
// of the translator's disassembly context.
type Context struct {
	// LogEnabled gates printf staging for this block.
	LogEnabled bool
	// PrintfUsed is the next free staging slot.
	PrintfUsed int
}

// Type-spec source kinds: 'c' compile-time constant, 'w' 32-bit runtime
// value, 'd' 64-bit runtime value.

// Printf stages one formatted debug line. typeSpec declares the source kind
// of each conversion in format, and args supplies them in order: a Go
// constant for 'c', a 32-bit IR Value for 'w', a 64-bit IR Value for 'd'.
// Mismatched format and type-spec lengths, slot exhaustion and malformed
// specs are programming errors and panic.
func Printf(b Builder, ctx *Context, typeSpec, format string, args ...any) {
	if !ctx.LogEnabled {
		return
	}

	ndx := ctx.PrintfUsed
	ctx.PrintfUsed++
	if ndx >= trace.PrintfBufDepth {
		panic("gen: out of printf staging slots; increase the flush barrier or buffer depth")
	}

	b.StoreFormat(ndx, format)
	b.OrValid(1 << uint(ndx))

	if len(typeSpec) != len(args) {
		panic(fmt.Sprintf("gen: type spec %q declares %d arguments, got %d",
			typeSpec, len(typeSpec), len(args)))
	}

	fi := 0
	for ti := 0; ti < len(typeSpec); ti++ {
		if ti >= trace.PrintfArgMax {
			panic("gen: printf argument count exceeds staging capacity")
		}
		conv, rest := nextConversion(format[fi:])
		if conv == nil {
			panic(fmt.Sprintf("gen: format %q and type spec %q do not match", format, typeSpec))
		}
		fi = len(format) - len(rest)
		stageArg(b, ndx, ti, typeSpec[ti], *conv, args[ti])
	}
	if conv, _ := nextConversion(format[fi:]); conv != nil {
		panic(fmt.Sprintf("gen: format %q and type spec %q do not match", format, typeSpec))
	}
}

// PrintfFlush emits a call to the render helper when forced, or when at
// least one slot is staged and either an early flush is requested or the
// barrier is reached. The slot counter resets with the call.
func PrintfFlush(b Builder, ctx *Context, early, force bool) {
	if force || (ctx.PrintfUsed != 0 &&
		(early || ctx.PrintfUsed >= trace.PrintfFlushBarrier)) {
		b.CallPrintfDump()
		ctx.PrintfUsed = 0
	}
}

// conversion describes one parsed format conversion: the storage size in
// bytes, integer signedness, and whether the payload is a float or a
// string.
type conversion struct {
	size     int
	signed   bool
	isFloat  bool
	isString bool
}

// nextConversion scans format for the next argument-consuming conversion.
// It returns nil when no conversion remains, otherwise the conversion and
// the unconsumed tail of the format string.
func nextConversion(format string) (*conversion, string) {
	i := 0
	for i < len(format) {
		if format[i] != '%' {
			i++
			continue
		}
		i++
		var isShort, isLong, isLongLong bool
	spec:
		for i < len(format) {
			c := format[i]
			i++
			switch c {
			case '%':
				break spec
			case 'h':
				isShort = true
			case 'l':
				if isLong {
					isLongLong = true
				}
				isLong = true
			case '-', '+', ' ', '#', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '.':
			case 'c':
				return &conversion{size: 1, signed: false}, format[i:]
			case 'd', 'i', 'u', 'x', 'X', 'o':
				conv := &conversion{signed: c == 'd' || c == 'i'}
				switch {
				case isLongLong, isLong:
					conv.size = 8
				case isShort:
					conv.size = 2
				default:
					conv.size = 4
				}
				return conv, format[i:]
			case 'e', 'E', 'f', 'g', 'G':
				conv := &conversion{isFloat: true, size: 4}
				if isLong {
					conv.size = 8
				}
				return conv, format[i:]
			case 's':
				return &conversion{isString: true}, format[i:]
			case 'p':
				return &conversion{size: 8}, format[i:]
			default:
				panic(fmt.Sprintf("gen: unsupported printf conversion %%%c", c))
			}
		}
	}
	return nil, ""
}

// stageArg emits the stores for one argument according to its source kind
// and the conversion's storage size.
func stageArg(b Builder, slot, arg int, kind byte, conv conversion, src any) {
	if conv.isString {
		if kind != 'c' {
			panic("gen: string conversions require a compile-time constant")
		}
		s, ok := src.(string)
		if !ok {
			panic(fmt.Sprintf("gen: %%s argument must be a string, got %T", src))
		}
		b.StoreArgString(slot, arg, s)
		return
	}

	switch kind {
	case 'c':
		bits := constBits(src, conv)
		if conv.size <= 4 {
			b.StoreArg32(slot, arg, conv.size, b.ConstI32(uint32(bits)))
		} else {
			b.StoreArg64(slot, arg, b.ConstI64(bits))
		}
	case 'w':
		v := Value(src)
		if conv.size <= 4 {
			b.StoreArg32(slot, arg, conv.size, v)
		} else {
			// Promote the 32-bit runtime value to the 64-bit slot;
			// the conversion's signedness picks the extension.
			b.StoreArg64(slot, arg, b.ExtendI32(v, conv.signed))
		}
	case 'd':
		v := Value(src)
		if conv.size <= 4 {
			b.StoreArg32(slot, arg, conv.size, b.TruncI64(v))
		} else {
			b.StoreArg64(slot, arg, v)
		}
	default:
		panic(fmt.Sprintf("gen: bad type spec kind %q", kind))
	}
}

// constBits converts a compile-time constant argument to its staged bit
// pattern.
func constBits(src any, conv conversion) uint64 {
	if conv.isFloat {
		switch v := src.(type) {
		case float32:
			if conv.size == 8 {
				return math.Float64bits(float64(v))
			}
			return uint64(math.Float32bits(v))
		case float64:
			if conv.size == 8 {
				return math.Float64bits(v)
			}
			return uint64(math.Float32bits(float32(v)))
		default:
			panic(fmt.Sprintf("gen: float conversion needs a float constant, got %T", src))
		}
	}
	switch v := src.(type) {
	case int:
		return uint64(v)
	case int8:
		return uint64(v)
	case int16:
		return uint64(v)
	case int32:
		return uint64(v)
	case int64:
		return uint64(v)
	case uint:
		return uint64(v)
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	default:
		panic(fmt.Sprintf("gen: integer conversion needs an integer constant, got %T", src))
	}
}
