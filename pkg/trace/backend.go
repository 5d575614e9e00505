// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"fmt"
	"sync"
)

// BackendKind selects the serialization backend. A single backend is active
// for the whole process; it is chosen before any CPU is attached and cannot
// be switched afterwards.
type BackendKind int

const (
	BackendText BackendKind = iota
	BackendCVTrace
	BackendNop
	BackendPerfetto
	BackendProtobuf
	BackendJSON
	BackendDrCacheSim

	backendKindMax
)

var backendKindNames = [backendKindMax]string{
	BackendText:       "text",
	BackendCVTrace:    "cvtrace",
	BackendNop:        "nop",
	BackendPerfetto:   "perfetto",
	BackendProtobuf:   "protobuf",
	BackendJSON:       "json",
	BackendDrCacheSim: "drcachesim",
}

func (k BackendKind) String() string {
	if k < 0 || k >= backendKindMax {
		return fmt.Sprintf("backend(%d)", int(k))
	}
	return backendKindNames[k]
}

// ParseBackendKind maps a backend name to its kind.
func ParseBackendKind(name string) (BackendKind, error) {
	for k, n := range backendKindNames {
		if n == name {
			return BackendKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown trace backend %q", name)
}

// DebugCounter identifies an out-of-band numeric sample forwarded to the
// backend. Counter identifiers are target-defined.
type DebugCounter uint32

// Backend serializes committed trace entries. EmitInstr receives the entry
// in the owning CPU's context; the entry and everything it references is
// only valid for the duration of the call, backends that defer serialization
// must Clone it.
//
// The optional hooks BackendInitializer, BackendSyncer and
// BackendDebugEmitter are discovered by interface assertion.
type Backend interface {
	EmitInstr(s *State, e *Entry)
}

// BackendInitializer is implemented by backends that need per-CPU one-time
// setup, such as writing stream headers.
type BackendInitializer interface {
	InitCPU(s *State)
}

// BackendSyncer is implemented by backends that buffer output. Sync is a
// blocking checkpoint invoked in the CPU's own context.
type BackendSyncer interface {
	Sync(s *State)
}

// BackendDebugEmitter is implemented by backends that accept out-of-band
// debug counter samples.
type BackendDebugEmitter interface {
	EmitDebug(s *State, counter DebugCounter, value int64)
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[BackendKind]Backend)
)

// RegisterBackend adds a backend implementation to the global registry.
// It is usually called from init() of the backend's package and panics if
// the kind is already registered.
func RegisterBackend(kind BackendKind, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, exists := backends[kind]; exists {
		panic(fmt.Sprintf("trace backend %s already registered", kind))
	}
	backends[kind] = b
}

func lookupBackend(kind BackendKind) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[kind]
	if !ok {
		return nil, fmt.Errorf("trace backend %s is not registered; import its package", kind)
	}
	return b, nil
}

// nopBackend discards every entry. It exists so tracing can be switched off
// at runtime without reconfiguring the emulator.
type nopBackend struct{}

func (nopBackend) EmitInstr(*State, *Entry) {}

func init() {
	RegisterBackend(BackendNop, nopBackend{})
}
