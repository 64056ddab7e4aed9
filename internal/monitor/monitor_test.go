package monitor

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/partmon/internal/alloc"
	"github.com/tinyrange/partmon/internal/console"
	"github.com/tinyrange/partmon/internal/esr"
	"github.com/tinyrange/partmon/internal/guest"
	"github.com/tinyrange/partmon/internal/pagetable"
	"github.com/tinyrange/partmon/internal/platform"
	"github.com/tinyrange/partmon/internal/psci"
	"github.com/tinyrange/partmon/internal/serial"
	"github.com/tinyrange/partmon/internal/sim"
	"github.com/tinyrange/partmon/internal/sysreg"
	"github.com/tinyrange/partmon/internal/trap"
)

const (
	ramBase = 0x4000_0000
	ramSize = 32 << 20

	windowBase = 0xFC00_0000
	windowEnd  = 0x1_0000_0000
	uartBase   = 0xFE20_1000

	imageSize      = 0x20_0000
	vectorBase     = ramBase + 0x800
	secondaryEntry = ramBase + 0x1000
	poolBase       = ramBase + 0x40_0000
	poolPages      = 32

	kernelEntry          = ramBase + 0x100_0000
	secondaryKernelEntry = kernelEntry + 0x1000
	kernelStack          = ramBase + 0x180_0000
	kernelArg            = 0x5a5a

	firmwareTTBR = ramBase + 0x1F0_0000
	firmwareVBAR = ramBase + 0x1F8_0000

	// T0SZ=32, inner/outer write-back, inner shareable, 4K, PS=40 bits,
	// TBI, RES1 bits 23 and 31.
	bootTCR   = 32 | 1<<8 | 1<<10 | 3<<12 | 2<<16 | 1<<20 | 1<<23 | 1<<31
	bootMAIR  = 0xFF00
	bootSCTLR = 0x30C5_0838 | sysreg.SCTLRM | sysreg.SCTLRC | sysreg.SCTLRI
	bootMDCR  = 0x6
)

type testEnv struct {
	machine *sim.Machine
	mon     *Monitor
	uart    *serial.Buffer
	logs    *serial.Buffer
}

func bootState() map[sysreg.Reg]uint64 {
	return map[sysreg.Reg]uint64{
		sysreg.TTBR0_EL2:   firmwareTTBR,
		sysreg.TCR_EL2:     bootTCR,
		sysreg.MAIR_EL2:    bootMAIR,
		sysreg.VBAR_EL2:    firmwareVBAR,
		sysreg.SCTLR_EL2:   bootSCTLR,
		sysreg.HCR_EL2:     sysreg.HCRRW,
		sysreg.MDCR_EL2:    bootMDCR,
		sysreg.CPTR_EL2:    0x33FF,
		sysreg.CNTHCTL_EL2: 0x3,
	}
}

func newEnv(t *testing.T, cores int, mod func(*Config)) *testEnv {
	t.Helper()

	scfg := sim.Config{RAMBase: ramBase, RAMSize: ramSize, BootState: bootState()}
	for i := 0; i < cores; i++ {
		scfg.Cores = append(scfg.Cores, sim.CoreConfig{MIDR: 0x410F_D083, MPIDR: 0x8000_0000 | uint64(i)})
	}
	m, err := sim.New(scfg)
	if err != nil {
		t.Fatalf("sim.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	uart := &serial.Buffer{}
	if err := m.AddDevice(serial.NewDevice(uartBase, uart)); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	layout, err := platform.NewLayout(ramBase, ramSize, windowBase, windowEnd)
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	if err := layout.SetImage(ramBase, imageSize); err != nil {
		t.Fatalf("SetImage: %v", err)
	}
	if err := layout.RegisterFixed("uart", uartBase, 0x1000); err != nil {
		t.Fatalf("RegisterFixed: %v", err)
	}

	logs := &serial.Buffer{}
	cfg := Config{
		Layout:         layout,
		Memory:         m,
		Firmware:       m.Firmware(),
		Console:        console.New(serial.NewPL011(m.Bus(), uartBase), nil, false),
		Logger:         slog.New(console.NewHandler(console.New(logs, nil, false), &console.HandlerOptions{Level: slog.LevelDebug})),
		PoolBase:       poolBase,
		PoolPages:      poolPages,
		VectorBase:     vectorBase,
		SecondaryEntry: secondaryEntry,
	}
	if mod != nil {
		mod(&cfg)
	}
	mon, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.InstallVector(vectorBase, mon)
	m.RegisterEntry(secondaryEntry, func(cpu *sim.CPU, x0 uint64) error {
		return mon.SecondaryStart(cpu, x0)
	})
	return &testEnv{machine: m, mon: mon, uart: uart, logs: logs}
}

// boot takes over core 0, switches it to EL1 and runs kernel there.
func (e *testEnv) boot(t *testing.T, kernel sim.EntryFunc) {
	t.Helper()
	e.machine.RegisterEntry(kernelEntry, kernel)
	err := e.machine.Boot(func(cpu *sim.CPU, _ uint64) error {
		if err := e.mon.Initialize(cpu); err != nil {
			return err
		}
		return e.mon.SwitchToLowerLevel(cpu, Continuation{PC: kernelEntry, Stack: kernelStack, Arg: kernelArg})
	})
	if err != nil {
		t.Fatalf("Boot: %v\n%s", err, e.logs)
	}
	if err := e.machine.Wait(); err != nil {
		t.Fatalf("secondaries: %v\n%s", err, e.logs)
	}
}

// initialize takes over core 0 without leaving EL2.
func (e *testEnv) initialize(t *testing.T) *sim.CPU {
	t.Helper()
	cpu := e.machine.CPU(0)
	if err := e.mon.Initialize(cpu); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return cpu
}

func TestSwitchToLowerLevel(t *testing.T) {
	env := newEnv(t, 1, nil)

	var ran bool
	env.boot(t, func(cpu *sim.CPU, x0 uint64) error {
		ran = true
		if el := cpu.ExceptionLevel(); el != 1 {
			t.Errorf("kernel runs at EL%d", el)
		}
		if x0 != kernelArg {
			t.Errorf("x0 = %#x, want %#x", x0, kernelArg)
		}
		if got := cpu.Read(sysreg.SPSR_EL2); got != 0x3c5 {
			t.Errorf("SPSR_EL2 = %#x, want 0x3c5", got)
		}
		if got, want := cpu.Read(sysreg.TTBR0_EL2), env.mon.Table().RootPhysical(); got != want {
			t.Errorf("TTBR0_EL2 = %#x, want table root %#x", got, want)
		}
		if got := cpu.Read(sysreg.DAIF); got != sysreg.PSRDAIF {
			t.Errorf("DAIF = %#x, want all masked", got)
		}
		return nil
	})
	if !ran {
		t.Fatalf("kernel entry never ran")
	}
	if env.mon.Phase() != PhaseSwitched {
		t.Fatalf("phase = %s", env.mon.Phase())
	}

	cpu := env.machine.CPU(0)
	for _, tc := range []struct {
		reg  sysreg.Reg
		want uint64
	}{
		{sysreg.ELR_EL2, kernelEntry},
		{sysreg.SP_EL1, kernelStack},
		{sysreg.TTBR0_EL1, firmwareTTBR},
		{sysreg.VBAR_EL1, firmwareVBAR},
		{sysreg.MAIR_EL1, bootMAIR},
		{sysreg.SCTLR_EL1, 0x30D0_1805},
		{sysreg.TCR_EL1, 32 | 1<<8 | 1<<10 | 3<<12 | sysreg.TCREL1EPD1 | 2<<32 | sysreg.TCREL1TBI0},
		{sysreg.VBAR_EL2, vectorBase},
		{sysreg.HCR_EL2, sysreg.HCRRW | sysreg.HCRTSC},
		{sysreg.MDCR_EL2, bootMDCR | sysreg.MDCRTDA},
	} {
		if got := cpu.Read(tc.reg); got != tc.want {
			t.Errorf("%s = %#x, want %#x", tc.reg, got, tc.want)
		}
	}

	stack := cpu.Read(sysreg.TPIDR_EL2)
	start, end := env.mon.Pool().Bounds()
	if stack%alloc.PageSize != 0 || stack <= start || stack > end {
		t.Fatalf("TPIDR_EL2 = %#x, want a page-aligned stack top inside the pool [%#x, %#x)", stack, start, end)
	}

	// The table is in simulated RAM, not just in the builder.
	var raw [8]byte
	if _, err := env.machine.ReadAt(raw[:], int64(env.mon.Table().RootPhysical())); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if d := pagetable.Descriptor(binary.LittleEndian.Uint64(raw[:])); !d.IsTable() {
		t.Fatalf("root entry 0 = %s, want a table descriptor", d)
	}
}

func TestSwitchMasksInterruptsThroughout(t *testing.T) {
	env := newEnv(t, 1, nil)
	env.boot(t, func(*sim.CPU, uint64) error { return nil })

	ops := env.machine.CPU(0).Ops()
	if len(ops) == 0 || ops[0].Kind != sim.OpWrite || ops[0].Reg != sysreg.DAIF || ops[0].Value != sysreg.PSRDAIF {
		t.Fatalf("first operation is %v, want DAIF masked", ops)
	}
	for _, op := range ops {
		if op.Kind == sim.OpWrite && op.Reg == sysreg.DAIF && op.Value != sysreg.PSRDAIF {
			t.Fatalf("interrupts unmasked by %s", op)
		}
	}
	if last := ops[len(ops)-1]; last.Kind != sim.OpERET || last.Addr != kernelEntry {
		t.Fatalf("last operation is %s, want ERET to the kernel", last)
	}
}

func TestPhaseOrder(t *testing.T) {
	env := newEnv(t, 1, nil)
	cpu := env.machine.CPU(0)

	if err := env.mon.SwitchToLowerLevel(cpu, Continuation{}); !errors.Is(err, ErrPhase) {
		t.Fatalf("switch before initialize = %v, want ErrPhase", err)
	}
	if err := env.mon.Initialize(cpu); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if env.mon.Phase() != PhaseVectorInstalled {
		t.Fatalf("phase = %s", env.mon.Phase())
	}
	if err := env.mon.Initialize(cpu); !errors.Is(err, ErrPhase) {
		t.Fatalf("second Initialize = %v, want ErrPhase", err)
	}
}

func TestInitializeRequiresEL2(t *testing.T) {
	env := newEnv(t, 1, nil)
	cpu := env.machine.CPU(0)
	cpu.Write(sysreg.SPSR_EL2, sysreg.PSRModeEL1h)
	cpu.ExceptionReturn(0)

	if err := env.mon.Initialize(cpu); !errors.Is(err, ErrNotEL2) {
		t.Fatalf("Initialize at EL1 = %v, want ErrNotEL2", err)
	}
	if env.mon.Phase() != PhaseReset {
		t.Fatalf("phase = %s", env.mon.Phase())
	}
}

func TestUnsupportedTranslationIsAssertion(t *testing.T) {
	for _, tc := range []struct {
		name string
		reg  sysreg.Reg
		val  uint64
	}{
		{"t0sz", sysreg.TCR_EL2, 25 | 3<<12},
		{"granule", sysreg.TCR_EL2, 32 | 2<<sysreg.TCRTG0Shift},
		{"mair", sysreg.MAIR_EL2, 0x4444_4444_4444_44FF},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, 1, nil)
			cpu := env.machine.CPU(0)
			cpu.Preset(tc.reg, tc.val)

			err := env.mon.Initialize(cpu)
			var ae *AssertionError
			if !errors.As(err, &ae) {
				t.Fatalf("Initialize = %v, want *AssertionError", err)
			}
			if !errors.Is(err, pagetable.ErrPrecondition) {
				t.Fatalf("assertion does not wrap ErrPrecondition: %v", err)
			}
			if ae.File == "" || ae.Line == 0 {
				t.Fatalf("assertion has no location: %+v", ae)
			}
			if cpu.Breakpoints() != 1 {
				t.Fatalf("Breakpoints() = %d, want 1", cpu.Breakpoints())
			}
			if !strings.Contains(env.logs.String(), "assertion failed") {
				t.Fatalf("assertion not logged:\n%s", env.logs)
			}
		})
	}
}

func TestHVCLogging(t *testing.T) {
	const (
		strVA = 0xFFFF_8000_0010_0000
		strPA = ramBase + 0x30_0000
		// A second, physically discontiguous page follows strVA.
		strPA2 = ramBase + 0x38_0000
	)

	for _, tc := range []struct {
		name string
		imm  uint16
		x0   uint64
		want string
	}{
		{"nibble", 0x0A, 0, "a"},
		{"char", 'Z', 0, "Z"},
		{"char newline", '!' | HVCNewline, 0, "!\n"},
		{"hex", HVCHex | HVCNewline, 0x1f, "0x1f\n"},
		{"unsigned", HVCUnsigned, 42, "42"},
		{"signed", HVCSigned, uint64(0xFFFF_FFFF_FFFF_FFFB), "-5"},
		{"string", HVCString, strVA + 0x10, "hello"},
		{"string across pages", HVCString | HVCNewline, strVA + 0xFFD, "partmon\n"},
		{"unknown kind", 0x7E, 0, ""},
		{"unknown bits", 0x200 | 'A', 0, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, 1, nil)
			pm := sim.NewPageMap()
			if err := pm.Map(strVA, strPA, alloc.PageSize); err != nil {
				t.Fatalf("Map: %v", err)
			}
			if err := pm.Map(strVA+alloc.PageSize, strPA2, alloc.PageSize); err != nil {
				t.Fatalf("Map: %v", err)
			}
			env.machine.WriteAt([]byte("hello\x00"), strPA+0x10)
			env.machine.WriteAt([]byte("par"), strPA+0xFFD)
			env.machine.WriteAt([]byte("tmon\x00"), strPA2)

			env.boot(t, func(cpu *sim.CPU, _ uint64) error {
				cpu.SetTranslator(pm)
				pc := cpu.PC()
				if err := cpu.HVC(tc.imm, tc.x0); err != nil {
					return err
				}
				if cpu.PC() != pc+4 {
					t.Errorf("pc after HVC = %#x, want %#x", cpu.PC(), pc+4)
				}
				return nil
			})
			if got := env.uart.String(); got != tc.want {
				t.Fatalf("uart = %q, want %q", got, tc.want)
			}
			if tc.want == "" && !strings.Contains(env.logs.String(), "unknown hvc immediate") {
				t.Fatalf("unknown immediate not logged:\n%s", env.logs)
			}
		})
	}
}

func TestHVCUnreadableString(t *testing.T) {
	env := newEnv(t, 1, nil)
	env.boot(t, func(cpu *sim.CPU, _ uint64) error {
		// No translator: every AT faults.
		return cpu.HVC(HVCString, 0xFFFF_8000_dead_0000)
	})
	if env.uart.String() != "" {
		t.Fatalf("uart = %q", env.uart.String())
	}
	if !strings.Contains(env.logs.String(), "hvc string") {
		t.Fatalf("failed read not logged:\n%s", env.logs)
	}
}

func TestSMCDeniesCPUOff(t *testing.T) {
	env := newEnv(t, 1, nil)
	env.boot(t, func(cpu *sim.CPU, _ uint64) error {
		for i := 0; i < 3; i++ {
			pc := cpu.PC()
			res, err := cpu.SMC(0, psci.Args{uint64(psci.CPUOff)})
			if err != nil {
				return err
			}
			if st := psci.StatusFromRegister(res[0]); st != psci.Denied {
				t.Errorf("CPU_OFF = %s, want DENIED", st)
			}
			if cpu.PC() != pc+4 {
				t.Errorf("pc after SMC = %#x, want %#x", cpu.PC(), pc+4)
			}
		}
		return nil
	})
	if n := env.machine.Firmware().CallsTo(psci.CPUOff); n != 0 {
		t.Fatalf("CPU_OFF reached firmware %d times", n)
	}
}

func TestSMCPassThrough(t *testing.T) {
	const vendorCall = 0xC200_0001

	env := newEnv(t, 1, nil)
	fw := env.machine.Firmware()
	fw.RegisterService(vendorCall, func(args psci.Args) psci.Results {
		return psci.Results{args[1] ^ 0xdead_beef, args[2] + 1, 0xFFFF_FFFF_FFFF_FFFF, args[0]}
	})

	cases := []struct {
		name string
		imm  uint16
		args psci.Args
	}{
		{"version", 0, psci.Args{uint64(psci.Version)}},
		{"features", 0, psci.Args{uint64(psci.Features), uint64(psci.CPUOn64)}},
		{"affinity", 0, psci.Args{uint64(psci.AffinityInfo64), 0, 0}},
		{"unknown", 0, psci.Args{0x8400_00FF, 1, 2, 3}},
		{"vendor", 0, psci.Args{vendorCall, 0x1234, 7, 9}},
		{"cpu off with immediate", 1, psci.Args{uint64(psci.CPUOff)}},
	}

	env.boot(t, func(cpu *sim.CPU, _ uint64) error {
		for _, tc := range cases {
			want := fw.Call(tc.args)
			before := fw.CallsTo(psci.FunctionID(tc.args[0]))
			got, err := cpu.SMC(tc.imm, tc.args)
			if err != nil {
				return err
			}
			if got != want {
				t.Errorf("%s: SMC result = %#x, want firmware result %#x", tc.name, got, want)
			}
			if n := fw.CallsTo(psci.FunctionID(tc.args[0])); n != before+1 {
				t.Errorf("%s: firmware saw %d calls, want %d", tc.name, n, before+1)
			}
		}
		return nil
	})
}

func TestDebugRegisterPassThrough(t *testing.T) {
	env := newEnv(t, 1, nil)
	env.boot(t, func(cpu *sim.CPU, _ uint64) error {
		pc := cpu.PC()
		if err := cpu.MSR(sysreg.DBGBVR(3), 5, 0xFFFF_0000_1234_5678); err != nil {
			return err
		}
		if got := cpu.Read(sysreg.DBGBVR(3)); got != 0xFFFF_0000_1234_5678 {
			t.Errorf("DBGBVR3_EL1 = %#x after trapped MSR", got)
		}
		v, err := cpu.MRS(sysreg.DBGBVR(3), 7)
		if err != nil {
			return err
		}
		if v != 0xFFFF_0000_1234_5678 {
			t.Errorf("trapped MRS = %#x", v)
		}

		// DBGDTRRX_EL0 and DBGDTRTX_EL0 share an encoding.
		cpu.Preset(sysreg.DBGDTRRX_EL0, 0x66)
		if v, err := cpu.MRS(sysreg.DBGDTRRX_EL0, 2); err != nil || v != 0x66 {
			t.Errorf("MRS DBGDTRRX_EL0 = %#x, %v", v, err)
		}
		if err := cpu.MSR(sysreg.DBGDTRTX_EL0, 2, 0x55); err != nil {
			return err
		}
		if cpu.PC() != pc+16 {
			t.Errorf("pc = %#x after four trapped accesses, want %#x", cpu.PC(), pc+16)
		}

		// XZR reads as zero.
		if err := cpu.MSR(sysreg.MDSCR_EL1, 31, 0); err != nil {
			return err
		}
		return nil
	})

	var wroteTX bool
	for _, op := range env.machine.CPU(0).Ops() {
		if op.Kind == sim.OpWrite && op.Reg == sysreg.DBGDTRTX_EL0 && op.Value == 0x55 {
			wroteTX = true
		}
	}
	if !wroteTX {
		t.Fatalf("MSR DBGDTR_EL0 did not reach DBGDTRTX_EL0")
	}
}

func TestDebugRegisterDirection(t *testing.T) {
	for _, tc := range []struct {
		name string
		run  func(cpu *sim.CPU) error
	}{
		{"read OSLAR", func(cpu *sim.CPU) error { _, err := cpu.MRS(sysreg.OSLAR_EL1, 0); return err }},
		{"write MDRAR", func(cpu *sim.CPU) error { return cpu.MSR(sysreg.MDRAR_EL1, 0, 1) }},
		{"write DBGAUTHSTATUS", func(cpu *sim.CPU) error { return cpu.MSR(sysreg.DBGAUTHSTATUS_EL1, 0, 1) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, 1, nil)
			env.machine.RegisterEntry(kernelEntry, func(cpu *sim.CPU, _ uint64) error { return tc.run(cpu) })
			err := env.machine.Boot(func(cpu *sim.CPU, _ uint64) error {
				if err := env.mon.Initialize(cpu); err != nil {
					return err
				}
				return env.mon.SwitchToLowerLevel(cpu, Continuation{PC: kernelEntry})
			})
			var fe *FatalError
			if !errors.As(err, &fe) || !errors.Is(err, ErrUnknownRegister) {
				t.Fatalf("Boot = %v, want fatal ErrUnknownRegister", err)
			}
			if env.machine.CPU(0).Halted() == nil {
				t.Fatalf("core not halted")
			}
		})
	}
}

func TestFatalTraps(t *testing.T) {
	msrISS := func(enc sysreg.Encoding) uint64 {
		return esr.Encode(esr.Syndrome{Class: esr.ClassMsrAccess, IL: true,
			ISS: esr.EncodeSysReg(esr.SysRegAccess{Encoding: enc, Rt: 1, Read: true})})
	}
	lower := trap.Vector{Source: trap.LowerELAArch64, Kind: trap.Synchronous}

	for _, tc := range []struct {
		name    string
		frame   trap.Frame
		wantErr error
	}{
		{
			name:  "current el",
			frame: trap.Frame{Vector: trap.Vector{Source: trap.CurrentELSPx, Kind: trap.Synchronous}, SPSR: 0x3c5},
		},
		{
			name:  "irq",
			frame: trap.Frame{Vector: trap.Vector{Source: trap.LowerELAArch64, Kind: trap.IRQ}, SPSR: 0x3c5},
		},
		{
			name:  "aarch32",
			frame: trap.Frame{Vector: trap.Vector{Source: trap.LowerELAArch32, Kind: trap.Synchronous}, SPSR: 0x1d3},
		},
		{
			name:  "aarch32 spsr",
			frame: trap.Frame{Vector: lower, SPSR: sysreg.PSRWidth32 | 0x3},
		},
		{
			name:  "from el0",
			frame: trap.Frame{Vector: lower, SPSR: sysreg.PSRModeEL0t},
		},
		{
			name: "data abort",
			frame: trap.Frame{Vector: lower, SPSR: 0x3c5,
				ESR: esr.Encode(esr.Syndrome{Class: esr.ClassDataAbortLowerEL, IL: true, ISS: 0x45})},
		},
		{
			name:    "unknown register",
			frame:   trap.Frame{Vector: lower, SPSR: 0x3c5, ESR: msrISS(sysreg.SCTLR_EL1.Encoding())},
			wantErr: ErrUnknownRegister,
		},
		{
			name:    "system instruction",
			frame:   trap.Frame{Vector: lower, SPSR: 0x3c5, ESR: msrISS(sysreg.Encoding{Op0: 1, Op1: 3, CRn: 7, CRm: 5, Op2: 1})},
			wantErr: ErrSystemInstruction,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, 1, nil)
			cpu := env.initialize(t)
			f := tc.frame
			f.X[0] = 0x1111_2222_3333_4444
			f.ELR = 0x4000_1000

			err := env.mon.HandleTrap(cpu, &f)
			var fe *FatalError
			if !errors.As(err, &fe) {
				t.Fatalf("HandleTrap = %v, want *FatalError", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("HandleTrap = %v, want %v", err, tc.wantErr)
			}
			if fe.MPIDR != 0x8000_0000 || fe.Frame.X[0] != 0x1111_2222_3333_4444 {
				t.Fatalf("fatal error lost context: %+v", fe)
			}
			if f.ELR != 0x4000_1000 {
				t.Fatalf("ELR advanced to %#x on a fatal trap", f.ELR)
			}
			logs := env.logs.String()
			if !strings.Contains(logs, "x0 =1111222233334444") || !strings.Contains(logs, "elr=0000000040001000") {
				t.Fatalf("register dump not logged:\n%s", logs)
			}
		})
	}
}

func (e *testEnv) secondaryKernel(t *testing.T, seen *sync.Map) {
	e.machine.RegisterEntry(secondaryKernelEntry, func(cpu *sim.CPU, x0 uint64) error {
		if el := cpu.ExceptionLevel(); el != 1 {
			t.Errorf("cpu%d: kernel entry at EL%d", cpu.ID(), el)
		}
		mpidr := cpu.Read(sysreg.MPIDR_EL1)
		if got := cpu.Read(sysreg.VMPIDR_EL2); got != mpidr {
			t.Errorf("cpu%d: VMPIDR_EL2 = %#x, want own MPIDR %#x", cpu.ID(), got, mpidr)
		}
		if got, want := cpu.Read(sysreg.TTBR0_EL2), e.mon.Table().RootPhysical(); got != want {
			t.Errorf("cpu%d: TTBR0_EL2 = %#x, want %#x", cpu.ID(), got, want)
		}
		if got := cpu.Read(sysreg.VBAR_EL2); got != vectorBase {
			t.Errorf("cpu%d: VBAR_EL2 = %#x", cpu.ID(), got)
		}
		if got := cpu.Read(sysreg.SCTLR_EL1); got != sysreg.SCTLREL1RES1 {
			t.Errorf("cpu%d: SCTLR_EL1 = %#x, want MMU off", cpu.ID(), got)
		}
		if got := cpu.Read(sysreg.SPSR_EL2); got != 0x3c5 {
			t.Errorf("cpu%d: SPSR_EL2 = %#x", cpu.ID(), got)
		}
		seen.Store(cpu.ID(), x0)
		return nil
	})
}

func TestConcurrentBringUpSerializesCPUOn(t *testing.T) {
	const n = 6
	env := newEnv(t, n+1, nil)
	var seen sync.Map
	env.secondaryKernel(t, &seen)
	cpu := env.initialize(t)

	fw := env.machine.Firmware()
	fw.Latency = 2 * time.Millisecond
	var unlocked atomic.Int32
	fw.OnCall = func(args psci.Args) {
		if psci.FunctionID(args[0]) == psci.CPUOn64 && !env.mon.bringUpLock.Held() {
			unlocked.Add(1)
		}
	}

	statuses := make([]psci.Status, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = env.mon.BringUp(cpu, uint64(i+1), secondaryKernelEntry, uint64(0x100+i))
		}(i)
	}
	wg.Wait()
	if err := env.machine.Wait(); err != nil {
		t.Fatalf("secondaries: %v", err)
	}

	for i, st := range statuses {
		if st != psci.Success {
			t.Fatalf("BringUp(%d) = %s", i+1, st)
		}
		x0, ok := seen.Load(i + 1)
		if !ok || x0.(uint64) != uint64(0x100+i) {
			t.Fatalf("cpu%d entered the kernel with %v, %v", i+1, x0, ok)
		}
	}
	if got := fw.MaxInFlight(psci.CPUOn64); got != 1 {
		t.Fatalf("MaxInFlight(CPU_ON) = %d, want 1", got)
	}
	if unlocked.Load() != 0 {
		t.Fatalf("%d CPU_ON calls made without the bring-up lock held", unlocked.Load())
	}
	if env.mon.bringUpLock.Held() {
		t.Fatalf("bring-up lock still held")
	}
}

func TestConcurrentBringUpFailures(t *testing.T) {
	env := newEnv(t, 3, nil)
	var seen sync.Map
	env.secondaryKernel(t, &seen)
	cpu := env.initialize(t)
	env.machine.Firmware().Latency = time.Millisecond

	targets := []uint64{1, 2, 2, 0x99}
	statuses := make([]psci.Status, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target uint64) {
			defer wg.Done()
			statuses[i] = env.mon.BringUp(cpu, target, secondaryKernelEntry, 0)
		}(i, target)
	}
	wg.Wait()
	if err := env.machine.Wait(); err != nil {
		t.Fatalf("secondaries: %v", err)
	}

	count := map[psci.Status]int{}
	for _, st := range statuses {
		count[st]++
	}
	want := map[psci.Status]int{psci.Success: 2, psci.AlreadyOn: 1, psci.InvalidParameters: 1}
	for st, n := range want {
		if count[st] != n {
			t.Fatalf("statuses %v, want %v", statuses, want)
		}
	}
	if statuses[3] != psci.InvalidParameters {
		t.Fatalf("unknown target = %s", statuses[3])
	}
	if got := env.machine.Firmware().MaxInFlight(psci.CPUOn64); got != 1 {
		t.Fatalf("MaxInFlight(CPU_ON) = %d, want 1", got)
	}
	if env.mon.bringUpLock.Held() {
		t.Fatalf("bring-up lock still held after failures")
	}
}

func TestBringUpOutOfMemory(t *testing.T) {
	// Five table pages and one stack page leave nothing for a record.
	env := newEnv(t, 2, func(c *Config) { c.PoolPages = 6 })
	cpu := env.initialize(t)

	if st := env.mon.BringUp(cpu, 1, secondaryKernelEntry, 0); st != psci.InternalFailure {
		t.Fatalf("BringUp = %s, want INTERNAL_FAILURE", st)
	}
	if n := env.machine.Firmware().CallsTo(psci.CPUOn64); n != 0 {
		t.Fatalf("firmware saw %d CPU_ON calls", n)
	}
	if env.mon.bringUpLock.Held() {
		t.Fatalf("bring-up lock held after allocation failure")
	}
}

func TestBringUpRecordFlushedBeforeCPUOn(t *testing.T) {
	env := newEnv(t, 2, nil)
	var seen sync.Map
	env.secondaryKernel(t, &seen)
	cpu := env.initialize(t)
	cpu.ResetOps()

	if st := env.mon.BringUp(cpu, 1, secondaryKernelEntry, 0); st != psci.Success {
		t.Fatalf("BringUp = %s", st)
	}
	if err := env.machine.Wait(); err != nil {
		t.Fatalf("secondaries: %v", err)
	}

	calls := env.machine.Firmware().Calls()
	if len(calls) != 1 || calls[0][2] != secondaryEntry {
		t.Fatalf("firmware calls %#x, want one CPU_ON at the secondary entry", calls)
	}
	record := calls[0][3]
	ops := cpu.Ops()
	if len(ops) < 2 || ops[0].Kind != sim.OpCleanDataCache || ops[0].Addr != record || ops[1].Kind != sim.OpDSB {
		t.Fatalf("ops before CPU_ON = %v, want clean of record %#x then DSB", ops, record)
	}

	buf := make([]byte, BringUpRecordSize)
	if _, err := env.machine.ReadAt(buf, int64(record)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	var rec BringUpRecord
	if err := rec.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if rec.Stack != record+alloc.PageSize || rec.Entry != secondaryKernelEntry {
		t.Fatalf("record %+v", rec)
	}
	if rec.State.TTBR0 != env.mon.Table().RootPhysical() || rec.State.VBAR != vectorBase {
		t.Fatalf("record carries firmware state instead of the monitor's: %+v", rec.State)
	}
}

func TestEndToEndSecondaryFromGuest(t *testing.T) {
	env := newEnv(t, 2, nil)

	var secondaryRan atomic.Bool
	env.machine.RegisterEntry(secondaryKernelEntry, func(cpu *sim.CPU, x0 uint64) error {
		if x0 != 0x77 {
			t.Errorf("secondary x0 = %#x", x0)
		}
		if err := cpu.HVC('2'|HVCNewline, 0); err != nil {
			return err
		}
		// The secondary traps into the same monitor.
		res, err := cpu.SMC(0, psci.Args{uint64(psci.CPUOff)})
		if err != nil {
			return err
		}
		if psci.StatusFromRegister(res[0]) != psci.Denied {
			t.Errorf("secondary CPU_OFF = %#x", res[0])
		}
		secondaryRan.Store(true)
		return nil
	})

	env.boot(t, func(cpu *sim.CPU, _ uint64) error {
		res, err := cpu.SMC(0, psci.CPUOnArgs(1, secondaryKernelEntry, 0x77))
		if err != nil {
			return err
		}
		if st := psci.StatusFromRegister(res[0]); st != psci.Success {
			t.Errorf("CPU_ON = %s", st)
		}
		// The secondary has restored its state by the time CPU_ON returns.
		res, err = cpu.SMC(0, psci.Args{uint64(psci.AffinityInfo64), 1})
		if err != nil {
			return err
		}
		if res[0] != 0 {
			t.Errorf("AFFINITY_INFO(1) = %#x, want ON", res[0])
		}
		return cpu.HVC('1'|HVCNewline, 0)
	})

	if !secondaryRan.Load() {
		t.Fatalf("secondary kernel never ran")
	}
	out := env.uart.String()
	if !strings.Contains(out, "1\n") || !strings.Contains(out, "2\n") {
		t.Fatalf("uart = %q", out)
	}
}

const (
	testKernBase = guest.LoaderMappingStart + 0x20_0000
	kernelPA     = ramBase + 0x80_0000
	testBuild    = 22621
	patchOffset  = 0x1020
)

func plantKernel(t *testing.T, env *testEnv) *sim.PageMap {
	t.Helper()
	pm := sim.NewPageMap()
	if err := pm.Map(testKernBase, kernelPA, 16*alloc.PageSize); err != nil {
		t.Fatalf("Map: %v", err)
	}
	put := func(off uint64, b []byte) {
		if _, err := env.machine.WriteAt(b, int64(kernelPA+off)); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
	}
	var w [8]byte
	put(0x8000, []byte(guest.Signature))
	binary.LittleEndian.PutUint64(w[:], testKernBase)
	put(0x8008, w[:])
	rec := guest.VersionRecord{MajorVersion: 0xF, MinorVersion: testBuild, MachineType: guest.MachineTypeARM64, KernBase: testKernBase}
	put(0x8100, rec.Encode())
	binary.LittleEndian.PutUint32(w[:], 0x5400_0201) // b.ne +0x40
	put(patchOffset, w[:4])
	return pm
}

func guestOptions(c *Config) {
	c.Guest = &GuestOptions{
		Scan:  guest.ScanConfig{Start: testKernBase, End: testKernBase + 16*alloc.PageSize, VersionWindow: 0x1000},
		Patch: guest.PatchConfig{Offsets: map[uint32]uint64{testBuild: patchOffset}},
	}
}

func TestScanOnSMC(t *testing.T) {
	env := newEnv(t, 1, guestOptions)
	pm := plantKernel(t, env)

	var ats [2]int
	env.boot(t, func(cpu *sim.CPU, _ uint64) error {
		cpu.SetTranslator(pm)
		cpu.Write(sysreg.TTBR1_EL1, 0x4500_0000)
		cpu.Write(sysreg.VBAR_EL1, guest.LoaderMappingStart+0x1000)
		for i := range ats {
			if _, err := cpu.SMC(0, psci.Args{uint64(psci.Version)}); err != nil {
				return err
			}
			for _, op := range cpu.Ops() {
				if op.Kind == sim.OpAT {
					ats[i]++
				}
			}
		}
		return nil
	})

	id, ok := env.mon.Identification()
	if !ok {
		t.Fatalf("guest not identified:\n%s", env.logs)
	}
	if id.Build() != testBuild || id.KernBase != testKernBase || id.DebuggerData != testKernBase+0x8000 {
		t.Fatalf("identification %+v", id)
	}
	if !env.mon.Patched() {
		t.Fatalf("guest not patched:\n%s", env.logs)
	}
	var w [4]byte
	env.machine.ReadAt(w[:], kernelPA+patchOffset)
	if got := binary.LittleEndian.Uint32(w[:]); got != 0x1400_0010 {
		t.Fatalf("patched word = %#08x, want b +0x40", got)
	}
	if ats[0] == 0 || ats[1] != ats[0] {
		t.Fatalf("AT counts %v: want a scan on the first SMC only", ats)
	}
}

func TestScanGate(t *testing.T) {
	for _, tc := range []struct {
		name string
		ttbr uint64
		vbar uint64
	}{
		{"no ttbr1", 0, guest.LoaderMappingStart + 0x1000},
		{"vbar outside loader mapping", 0x4500_0000, 0xFFFF_8000_0000_0000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newEnv(t, 1, guestOptions)
			pm := plantKernel(t, env)
			env.boot(t, func(cpu *sim.CPU, _ uint64) error {
				cpu.SetTranslator(pm)
				cpu.Write(sysreg.TTBR1_EL1, tc.ttbr)
				cpu.Write(sysreg.VBAR_EL1, tc.vbar)
				_, err := cpu.SMC(0, psci.Args{uint64(psci.Version)})
				return err
			})
			if _, ok := env.mon.Identification(); ok {
				t.Fatalf("scanned with the gate closed")
			}
			if env.mon.Patched() {
				t.Fatalf("patched with the gate closed")
			}
		})
	}
}

func TestScanBusyIsSkipped(t *testing.T) {
	env := newEnv(t, 1, guestOptions)
	pm := plantKernel(t, env)
	env.mon.scanLock.Lock()
	env.boot(t, func(cpu *sim.CPU, _ uint64) error {
		cpu.SetTranslator(pm)
		cpu.Write(sysreg.TTBR1_EL1, 0x4500_0000)
		cpu.Write(sysreg.VBAR_EL1, guest.LoaderMappingStart+0x1000)
		_, err := cpu.SMC(0, psci.Args{uint64(psci.Version)})
		return err
	})
	env.mon.scanLock.Unlock()
	if env.mon.Patched() {
		t.Fatalf("scan ran while another core held the scan lock")
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		mod  func(*Config)
	}{
		{"no firmware", func(c *Config) { c.Firmware = nil }},
		{"vector alignment", func(c *Config) { c.VectorBase = ramBase + 0x400 }},
		{"pool", func(c *Config) { c.PoolPages = 0 }},
		{"patch sequence", func(c *Config) {
			c.Guest = &GuestOptions{Patch: guest.PatchConfig{Sequence: []uint32{1, 2}, Mask: []uint32{1}}}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, err := sim.New(sim.Config{RAMBase: ramBase, RAMSize: 1 << 20, Cores: []sim.CoreConfig{{}}})
			if err != nil {
				t.Fatalf("sim.New: %v", err)
			}
			defer m.Close()
			layout, _ := platform.NewLayout(ramBase, ramSize, windowBase, windowEnd)
			layout.SetImage(ramBase, imageSize)
			cfg := Config{
				Layout:     layout,
				Memory:     m,
				Firmware:   m.Firmware(),
				PoolBase:   poolBase,
				PoolPages:  poolPages,
				VectorBase: vectorBase,
			}
			tc.mod(&cfg)
			if _, err := New(cfg); err == nil {
				t.Fatalf("New accepted a bad config")
			}
		})
	}
}
