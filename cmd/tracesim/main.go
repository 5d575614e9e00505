// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// tracesim drives the instruction trace core with a synthetic workload. It
// stands in for the emulator proper: each CPU worker executes generated
// "translation blocks" that feed the collector API, so backends and filter
// configurations can be exercised end to end.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/profile"
	"go.uber.org/zap"

	"github.com/emustack/itrace/internal/config"
	"github.com/emustack/itrace/pkg/gen"
	"github.com/emustack/itrace/pkg/trace"
	_ "github.com/emustack/itrace/pkg/trace/backends/textbe"
	"github.com/emustack/itrace/pkg/vcpu"
)

var (
	setupLog logr.Logger

	// CLI options (alphabetical order)
	backendName  string
	configPath   string
	instructions int
	numCPUs      int
	profileMode  string
	userOnly     bool
)

func init() {
	flag.StringVar(&backendName, "backend", "",
		"Trace backend kind; overrides the config file.")
	flag.StringVar(&configPath, "config", "",
		"Path to the YAML tracing configuration.")
	flag.IntVar(&instructions, "instructions", 1024,
		"Synthetic instructions to execute per CPU.")
	flag.IntVar(&numCPUs, "cpus", 2,
		"Number of emulated CPUs.")
	flag.StringVar(&profileMode, "profile", "off",
		"Profiling mode: cpu, mem or off.")
	flag.BoolVar(&userOnly, "user-only", false,
		"Trace user-mode instructions only.")
}

// demoArch is a toy target used to drive the trace core. It alternates
// between user and kernel mode every few hundred instructions.
type demoArch struct {
	user bool
	pc   uint64
}

func (a *demoArch) InUserMode() bool { return a.user }
func (a *demoArch) RecentPC() uint64 { return a.pc }

func (a *demoArch) PhysAddr(vaddr uint64) (uint64, bool) {
	if vaddr>>48 != 0 {
		return 0, false
	}
	return 0x4000_0000_0000 | vaddr, true
}

func (a *demoArch) Regdump(ev *trace.RegdumpEvent) bool {
	for i := 0; i < 8; i++ {
		ev.DumpReg(fmt.Sprintf("x%d", i), uint64(i)*0x1111)
	}
	return true
}

func (a *demoArch) MaxInsnSize() int { return 4 }

func main() {
	flag.Parse()

	zlog, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger := zapr.NewLogger(zlog)
	setupLog = logger.WithName("setup")

	switch profileMode {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	case "off":
	default:
		setupLog.Info("unknown profile mode, profiling disabled", "mode", profileMode)
	}

	cfg := config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			setupLog.Error(err, "unable to load config", "path", configPath)
			os.Exit(1)
		}
	}
	if backendName != "" {
		cfg.Backend = backendName
	}

	opts, err := cfg.TracerOptions()
	if err != nil {
		setupLog.Error(err, "invalid tracing configuration")
		os.Exit(1)
	}
	tracer, err := trace.NewTracer(logger, opts...)
	if err != nil {
		setupLog.Error(err, "unable to create tracer")
		os.Exit(1)
	}
	if err := cfg.Apply(tracer); err != nil {
		setupLog.Error(err, "unable to apply tracing configuration")
		os.Exit(1)
	}

	machine := vcpu.NewMachine(logger)
	archs := make([]*demoArch, numCPUs)
	cpus := make([]*vcpu.CPU, numCPUs)
	for i := 0; i < numCPUs; i++ {
		archs[i] = &demoArch{user: true}
		cpus[i] = machine.AddCPU(tracer, archs[i])
	}

	flags := uint32(trace.LogInstr)
	if userOnly {
		flags |= trace.LogInstrUser
	}
	tracer.GlobalSwitch(flags)

	for i, cpu := range cpus {
		cpu := cpu
		arch := archs[i]
		base := uint64(0x1000 + i*0x100000)
		buffered := cfg.Buffered
		cpu.Exec(func(s *trace.State) {
			if buffered {
				s.SetBuffered(true)
			}
			runWorkload(s, arch, base, instructions)
		})
	}

	for _, cpu := range cpus {
		cpu.Run(func() {})
	}
	tracer.GlobalSwitch(0)
	for _, cpu := range cpus {
		cpu.Exec(func(s *trace.State) {
			s.Flush()
		})
	}
	tracer.SyncBuffers()
	machine.Shutdown()

	// Syncing stderr fails on some platforms; nothing useful to do then.
	_ = zlog.Sync()
}

// runWorkload emulates a stream of translation blocks. Every instruction
// records its opcode bytes and a register update; some touch memory, switch
// mode or stage a printf the way generated code would.
func runWorkload(s *trace.State, arch *demoArch, base uint64, count int) {
	hb := gen.HostBuilder{State: s}

	for i := 0; i < count; i++ {
		pc := base + uint64(i)*4
		arch.pc = pc

		tctx := gen.Context{LogEnabled: s.CheckEnabled()}

		insn := []byte{0x13, 0x00, byte(i), byte(i >> 8)}
		s.Instr(pc, insn)
		s.ASID(uint16(s.CPUIndex() + 1))
		s.MaybeReg("a0", uint64(i))

		switch {
		case i%64 == 5:
			s.Load64(base+uint64(i)*8, trace.MemOpFor(8, false, false), uint64(i)*3)
		case i%64 == 9:
			s.Store32(base+uint64(i)*8, trace.MemOpFor(4, false, false), uint32(i))
		case i%256 == 17:
			gen.Printf(hb, &tctx, "cw", "tick %s iter=%u\n", "workload", gen.I32(uint32(i)))
		case i%512 == 33:
			mode := trace.ModeKernel
			if !arch.user {
				mode = trace.ModeUser
			}
			arch.user = !arch.user
			s.ModeSwitch(mode, pc)
		}

		gen.PrintfFlush(hb, &tctx, true, false)
		s.Commit()
	}
}
