package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/tinyrange/partmon/internal/alloc"
	"github.com/tinyrange/partmon/internal/config"
	"github.com/tinyrange/partmon/internal/console"
	"github.com/tinyrange/partmon/internal/monitor"
	"github.com/tinyrange/partmon/internal/psci"
	"github.com/tinyrange/partmon/internal/serial"
	"github.com/tinyrange/partmon/internal/sim"
	"github.com/tinyrange/partmon/internal/sysreg"
	"github.com/tinyrange/partmon/internal/trace"
)

// Register state boot firmware hands the monitor: a 4K identity regime with
// T0SZ=32 and a single normal memory attribute.
const (
	firmwareTCR   = 32 | 1<<8 | 1<<10 | 3<<12 | 2<<16 | 1<<23 | 1<<31
	firmwareMAIR  = 0xFF00
	firmwareSCTLR = 0x30C5_0838 | sysreg.SCTLRM | sysreg.SCTLRC | sysreg.SCTLRI
)

// The demo kernel is placed in the first 2 MB block after the page pool.
const (
	kernelAlign      = 0x20_0000
	kernelSecondary  = 0x1000
	kernelStackOff   = 0x10_0000
	kernelStringVA   = 0xFFFF_0000_0000_0000
	kernelStringBase = 0x18_0000
)

// bootReport is what the demo kernel observed.
type bootReport struct {
	mu      sync.Mutex
	started []uint64
	failed  map[uint64]psci.Status
	cpuOff  []psci.Status
	version uint64
}

func (r *bootReport) addStarted(mpidr uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, mpidr)
}

func (r *bootReport) addCPUOff(st psci.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cpuOff = append(r.cpuOff, st)
}

// simBoot is one boot of the monitor on a simulated machine.
type simBoot struct {
	cfg     config.Config
	machine *sim.Machine
	mon     *monitor.Monitor
	log     *slog.Logger

	kernel uint64
	pages  *sim.PageMap
	report bootReport
}

func newSimBoot(cfg config.Config, uart io.Writer, log *slog.Logger, tl *trace.Log) (*simBoot, error) {
	ramEnd := cfg.Platform.RAMBase + cfg.RAMSize()
	kernel := (cfg.Monitor.PoolBase + uint64(cfg.Monitor.PoolPages)*alloc.PageSize + kernelAlign - 1) &^ (kernelAlign - 1)
	// Firmware tables and vectors sit in the last 2 MB.
	if kernel+kernelAlign > ramEnd-kernelAlign {
		return nil, fmt.Errorf("RAM too small for the demo kernel at %#x", kernel)
	}

	scfg := sim.Config{
		RAMBase: cfg.Platform.RAMBase,
		RAMSize: cfg.RAMSize(),
		BootState: map[sysreg.Reg]uint64{
			sysreg.TTBR0_EL2: ramEnd - kernelAlign,
			sysreg.TCR_EL2:   firmwareTCR,
			sysreg.MAIR_EL2:  firmwareMAIR,
			sysreg.VBAR_EL2:  ramEnd - kernelAlign/2,
			sysreg.SCTLR_EL2: firmwareSCTLR,
			sysreg.HCR_EL2:   sysreg.HCRRW,
		},
	}
	for _, c := range cfg.Cores {
		scfg.Cores = append(scfg.Cores, sim.CoreConfig{MIDR: c.MIDR, MPIDR: c.MPIDR})
	}
	m, err := sim.New(scfg)
	if err != nil {
		return nil, err
	}
	if err := m.AddDevice(serial.NewDevice(cfg.Platform.UARTBase, uart)); err != nil {
		m.Close()
		return nil, err
	}

	layout, err := cfg.Layout()
	if err != nil {
		m.Close()
		return nil, err
	}
	mon, err := monitor.New(monitor.Config{
		Layout:         layout,
		Memory:         m,
		Firmware:       m.Firmware(),
		Console:        console.New(serial.NewPL011(m.Bus(), cfg.Platform.UARTBase), nil, false),
		Logger:         log,
		PoolBase:       cfg.Monitor.PoolBase,
		PoolPages:      cfg.Monitor.PoolPages,
		StackPages:     cfg.Monitor.StackPages,
		VectorBase:     cfg.VectorBase(),
		SecondaryEntry: cfg.SecondaryEntry(),
		Guest:          cfg.GuestOptions(),
		Trace:          tl,
	})
	if err != nil {
		m.Close()
		return nil, err
	}

	b := &simBoot{
		cfg:     cfg,
		machine: m,
		mon:     mon,
		log:     log,
		kernel:  kernel,
		pages:   sim.NewPageMap(),
		report:  bootReport{failed: make(map[uint64]psci.Status)},
	}
	m.InstallVector(cfg.VectorBase(), mon)
	m.RegisterEntry(cfg.SecondaryEntry(), func(cpu *sim.CPU, x0 uint64) error {
		return mon.SecondaryStart(cpu, x0)
	})
	m.RegisterEntry(kernel, b.primaryKernel)
	m.RegisterEntry(kernel+kernelSecondary, b.secondaryKernel)
	return b, nil
}

func (b *simBoot) Close() error { return b.machine.Close() }

// run takes over core 0, drops it to EL1 and waits for every core the
// kernel started.
func (b *simBoot) run() error {
	err := b.machine.Boot(func(cpu *sim.CPU, _ uint64) error {
		if err := b.mon.Initialize(cpu); err != nil {
			return err
		}
		return b.mon.SwitchToLowerLevel(cpu, monitor.Continuation{
			PC:    b.kernel,
			Stack: b.kernel + kernelStackOff,
		})
	})
	return errors.Join(err, b.machine.Wait())
}

// puts prints s through the HVC string service from a page private to cpu.
func (b *simBoot) puts(cpu *sim.CPU, s string) error {
	va := kernelStringVA + uint64(cpu.ID())*alloc.PageSize
	pa := b.kernel + kernelStringBase + uint64(cpu.ID())*alloc.PageSize
	if len(s)+1 > alloc.PageSize {
		return fmt.Errorf("string of %d bytes does not fit a page", len(s))
	}
	if _, err := b.machine.WriteAt(append([]byte(s), 0), int64(pa)); err != nil {
		return err
	}
	if err := b.pages.Map(va, pa, alloc.PageSize); err != nil {
		return err
	}
	cpu.SetTranslator(b.pages)
	return cpu.HVC(monitor.HVCString, va)
}

func (b *simBoot) primaryKernel(cpu *sim.CPU, _ uint64) error {
	mpidr := cpu.Read(sysreg.MPIDR_EL1)
	if err := b.puts(cpu, fmt.Sprintf("kernel: boot core %#x at EL%d\n", mpidr, cpu.ExceptionLevel())); err != nil {
		return err
	}
	b.report.addStarted(mpidr)

	res, err := cpu.SMC(0, psci.Args{uint64(psci.Version)})
	if err != nil {
		return err
	}
	b.report.version = res[0]

	for i, c := range b.cfg.Cores {
		if i == cpu.ID() {
			continue
		}
		res, err := cpu.SMC(0, psci.CPUOnArgs(c.MPIDR, b.kernel+kernelSecondary, uint64(i)))
		if err != nil {
			return err
		}
		if st := psci.StatusFromRegister(res[0]); st != psci.Success {
			b.report.mu.Lock()
			b.report.failed[c.MPIDR] = st
			b.report.mu.Unlock()
		}
	}
	return nil
}

func (b *simBoot) secondaryKernel(cpu *sim.CPU, x0 uint64) error {
	mpidr := cpu.Read(sysreg.MPIDR_EL1)
	if err := b.puts(cpu, fmt.Sprintf("kernel: core %d (%#x) up\n", x0, mpidr)); err != nil {
		return err
	}
	b.report.addStarted(mpidr)

	// Debug registers pass through to the hardware.
	if err := cpu.MSR(sysreg.DBGBVR(0), 1, b.kernel|x0); err != nil {
		return err
	}
	if v, err := cpu.MRS(sysreg.DBGBVR(0), 2); err != nil {
		return err
	} else if v != b.kernel|x0 {
		return fmt.Errorf("core %d: DBGBVR0 reads back %#x", x0, v)
	}

	res, err := cpu.SMC(0, psci.Args{uint64(psci.CPUOff)})
	if err != nil {
		return err
	}
	b.report.addCPUOff(psci.StatusFromRegister(res[0]))
	return nil
}

func (b *simBoot) summary(w io.Writer) {
	r := &b.report
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(w, "psci version: %d.%d\n", r.version>>16, r.version&0xFFFF)
	fmt.Fprintf(w, "cores started: %d of %d\n", len(r.started), len(b.cfg.Cores))
	for _, mpidr := range slices.Sorted(maps.Keys(r.failed)) {
		fmt.Fprintf(w, "  %#x: %s\n", mpidr, r.failed[mpidr])
	}
	denied := 0
	for _, st := range r.cpuOff {
		if st == psci.Denied {
			denied++
		}
	}
	fmt.Fprintf(w, "cpu_off denied: %d of %d\n", denied, len(r.cpuOff))
}

func runBoot(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("boot", stderr)
	cfgPath := fs.String("config", "", "platform description (default: built-in Raspberry Pi 4 layout)")
	cores := fs.Int("cores", 0, "number of cores to simulate (default: from config)")
	verbose := fs.Bool("v", false, "enable debug logging")
	tracePath := fs.String("trace", "", "record every trap to a binary trace file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		return err
	}
	if *cores > 0 {
		cfg.Cores = nil
		for i := 0; i < *cores; i++ {
			cfg.Cores = append(cfg.Cores, config.CoreConfig{MPIDR: 0x80000000 | uint64(i), MIDR: config.DefaultMIDR})
		}
	}

	var tl *trace.Log
	if *tracePath != "" {
		if tl, err = trace.Create(*tracePath); err != nil {
			return err
		}
	}

	b, err := newSimBoot(cfg, stdout, newLogger(stderr, *verbose), tl)
	if err != nil {
		tl.Close()
		return err
	}
	defer b.Close()

	err = b.run()
	if cerr := tl.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	b.summary(stdout)
	return nil
}
