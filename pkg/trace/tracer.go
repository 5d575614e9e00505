// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package trace

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/emustack/itrace/pkg/addrrange"
)

// MinEntryBufferSize is the smallest accepted per-CPU ring capacity.
const MinEntryBufferSize = 1 << 16

// Global instruction-log flag bits, as exchanged with the monitor.
const (
	// LogInstr enables instruction logging.
	LogInstr uint32 = 1 << iota
	// LogInstrUser restricts instruction logging to user mode; it implies
	// LogInstr.
	LogInstrUser
)

// LogFlags is the process-wide logging-flags bitset. The core only sets and
// reads the instruction bits; mutation happens on the monitor path under
// the assumption that level changes apply in exclusive context.
type LogFlags struct {
	bits atomic.Uint32
}

// Has reports whether all of the given bits are set.
func (f *LogFlags) Has(bits uint32) bool {
	return f.bits.Load()&bits == bits
}

// HasAny reports whether any of the given bits is set.
func (f *LogFlags) HasAny(bits uint32) bool {
	return f.bits.Load()&bits != 0
}

// Set turns the given bits on.
func (f *LogFlags) Set(bits uint32) {
	for {
		old := f.bits.Load()
		if f.bits.CompareAndSwap(old, old|bits) {
			return
		}
	}
}

// Tracer is the process-wide instruction tracing service: the selected
// backend, the global log-flags bitset, the debug-regions set and the
// filters applied to newly created CPUs. One Tracer serves every CPU of the
// machine.
type Tracer struct {
	logger  logr.Logger
	session uuid.UUID

	backendKind BackendKind
	backend     Backend

	flags   LogFlags
	regions *addrrange.Set

	mu              sync.Mutex
	resetFilters    []Filter
	resetBufferSize int
	cpus            []*State

	traceDebug bool
}

// Option configures a Tracer at construction time.
type Option func(*Tracer)

// WithBackend selects the serialization backend by kind. The kind must be
// registered before the tracer is built.
func WithBackend(kind BackendKind) Option {
	return func(t *Tracer) {
		t.backendKind = kind
		t.backend = nil
	}
}

// WithCustomBackend installs a caller-provided backend object instead of a
// registered kind. Intended for embedders and tests.
func WithCustomBackend(b Backend) Option {
	return func(t *Tracer) {
		t.backend = b
	}
}

// WithDebugRegions restricts the mem-regions filter to the given address
// ranges.
func WithDebugRegions(regions *addrrange.Set) Option {
	return func(t *Tracer) {
		t.regions = regions
	}
}

// NewTracer builds the process-wide tracing service. The backend defaults
// to the text kind.
func NewTracer(logger logr.Logger, opts ...Option) (*Tracer, error) {
	t := &Tracer{
		logger:          logger.WithName("itrace"),
		session:         uuid.New(),
		backendKind:     BackendText,
		resetBufferSize: MinEntryBufferSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithValues("session", t.session)
	if t.backend == nil {
		b, err := lookupBackend(t.backendKind)
		if err != nil {
			return nil, err
		}
		t.backend = b
	}
	return t, nil
}

// Session returns the tracer's session identity.
func (t *Tracer) Session() uuid.UUID {
	return t.session
}

// Flags exposes the global log-flags bitset.
func (t *Tracer) Flags() *LogFlags {
	return &t.flags
}

// EnableTraceDebug turns on per-CPU statistics dumps at sync time.
func (t *Tracer) EnableTraceDebug() {
	t.traceDebug = true
}

// AttachCPU creates the per-CPU trace state. It must be called exactly once
// per CPU, when the CPU is created and before its worker starts executing.
func (t *Tracer) AttachCPU(cpuIndex int, arch Arch, exec Executor) *State {
	t.mu.Lock()
	bufferSize := t.resetBufferSize
	resetFilters := append([]Filter(nil), t.resetFilters...)
	t.mu.Unlock()

	s := &State{
		tracer:   t,
		logger:   t.logger.WithValues("cpu", cpuIndex),
		cpuIndex: cpuIndex,
		arch:     arch,
		exec:     exec,
		loglevel: LoglevelNone,
		ring:     newEntryRing(bufferSize, arch.MaxInsnSize()),
		filters:  make([]Filter, 0, int(filterMax)),
	}
	s.resetCurrent()

	if init, ok := t.backend.(BackendInitializer); ok {
		init.InitCPU(s)
	}

	// If instruction logging was requested before this CPU existed,
	// switch it on now.
	if t.flags.HasAny(LogInstr | LogInstrUser) {
		level := LoglevelAll
		if t.flags.Has(LogInstrUser) {
			if !t.flags.Has(LogInstr) {
				panic("trace: user instruction logging requested without the instruction bit")
			}
			level = LoglevelUser
		}
		s.doLoglevelSwitch(nextLevelReq{level: level, global: true})
	}

	for _, f := range resetFilters {
		s.AddFilter(f)
	}

	s.stats = Stats{}

	t.mu.Lock()
	t.cpus = append(t.cpus, s)
	t.mu.Unlock()
	return s
}

func (t *Tracer) states() []*State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*State(nil), t.cpus...)
}

// GlobalSwitch starts or stops tracing on every CPU from the monitor. The
// user bit implies the plain instruction bit; the returned flag word is
// normalized accordingly. The change takes effect on each CPU only after it
// leaves its current translation block.
func (t *Tracer) GlobalSwitch(logFlags uint32) uint32 {
	var level Loglevel
	switch {
	case logFlags&LogInstrUser != 0:
		level = LoglevelUser
		logFlags |= LogInstr
	case logFlags&LogInstr != 0:
		level = LoglevelAll
	default:
		level = LoglevelNone
	}

	for _, s := range t.states() {
		s := s
		req := nextLevelReq{level: level, global: true}
		s.exec.AsyncSafeRun(func() {
			if req.level != LoglevelNone {
				t.flags.Set(LogInstr)
			}
			s.doLoglevelSwitch(req)
		})
	}
	return logFlags
}

// StartAll enables full tracing on every CPU.
func (t *Tracer) StartAll() {
	for _, s := range t.states() {
		s.startLevel(0, LoglevelAll, true)
	}
}

// StartAllUser enables user-mode tracing on every CPU.
func (t *Tracer) StartAllUser() {
	for _, s := range t.states() {
		s.startLevel(0, LoglevelUser, true)
	}
}

// StopAll disables tracing on every CPU.
func (t *Tracer) StopAll() {
	for _, s := range t.states() {
		s.loglevelSwitch(0, LoglevelNone, true)
	}
}

// SyncBuffers drains the backend on every CPU. This is a blocking operation
// that may delay the exit path.
func (t *Tracer) SyncBuffers() {
	syncer, _ := t.backend.(BackendSyncer)
	for _, s := range t.states() {
		s := s
		s.exec.Run(func() {
			if syncer != nil {
				syncer.Sync(s)
			}
			s.dumpDebugStats()
		})
	}
}

// SetBufferSize resizes the per-CPU entry ring on every CPU. Sizes below
// MinEntryBufferSize are rejected with a warning. The resize reinitializes
// every slot and discards buffered entries.
func (t *Tracer) SetBufferSize(n int) {
	if n < MinEntryBufferSize {
		t.logger.Info("new trace entry buffer size is too small, ignored",
			"requested", n, "minimum", MinEntryBufferSize)
		return
	}

	t.mu.Lock()
	t.resetBufferSize = n
	t.mu.Unlock()

	for _, s := range t.states() {
		s := s
		s.exec.AsyncSafeRun(func() {
			s.ring.reinit(n, s.arch.MaxInsnSize())
		})
	}
}

// Counter forwards an out-of-band debug sample to the backend, if it
// accepts them.
func (t *Tracer) Counter(s *State, counter DebugCounter, value int64) {
	if emitter, ok := t.backend.(BackendDebugEmitter); ok {
		emitter.EmitDebug(s, counter, value)
	}
}

// AddStartupFilter stashes a filter to be applied to every CPU. Before any
// CPU exists the filter goes on the reset list consulted at CPU creation;
// afterwards it is applied to all CPUs immediately.
func (t *Tracer) AddStartupFilter(f Filter) {
	t.mu.Lock()
	noCPUs := len(t.cpus) == 0
	if noCPUs {
		t.resetFilters = append(t.resetFilters, f)
	}
	t.mu.Unlock()
	if !noCPUs {
		t.AddFilterAll(f)
	}
}

// AddFilterAll installs a filter on every CPU.
func (t *Tracer) AddFilterAll(f Filter) {
	for _, s := range t.states() {
		s.AddFilter(f)
	}
}

// RemoveFilterAll removes a filter from every CPU.
func (t *Tracer) RemoveFilterAll(f Filter) {
	for _, s := range t.states() {
		s.RemoveFilter(f)
	}
}

// SetCLIFilters parses a comma-separated filter spec from the command line
// and installs each named filter as a startup filter. Parsing stops at the
// first unknown name; earlier additions are kept.
func (t *Tracer) SetCLIFilters(spec string) error {
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		switch name {
		case "events":
			t.AddStartupFilter(FilterEvents)
		default:
			return fmt.Errorf("invalid trace filter name %q", name)
		}
	}
	return nil
}
