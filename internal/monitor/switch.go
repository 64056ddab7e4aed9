package monitor

import (
	"errors"
	"fmt"

	"github.com/tinyrange/partmon/internal/alloc"
	"github.com/tinyrange/partmon/internal/pagetable"
	"github.com/tinyrange/partmon/internal/state"
	"github.com/tinyrange/partmon/internal/sysreg"
)

// Phase is a state of the boot core's level switch.
type Phase uint8

const (
	PhaseReset Phase = iota
	PhaseCaptured
	PhaseTablesBuilt
	PhaseVectorInstalled
	PhaseSwitched
)

func (p Phase) String() string {
	switch p {
	case PhaseReset:
		return "reset"
	case PhaseCaptured:
		return "captured"
	case PhaseTablesBuilt:
		return "tables-built"
	case PhaseVectorInstalled:
		return "vector-installed"
	case PhaseSwitched:
		return "switched"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// spsrKernelEntry is EL1h with D, A, I and F masked.
const spsrKernelEntry = sysreg.PSRDAIF | sysreg.PSRModeEL1h

// Continuation is where the demoted core resumes: the kernel-level code that
// called into the monitor picks up at PC on Stack with X0 = Arg.
type Continuation struct {
	PC    uint64
	Stack uint64
	Arg   uint64
}

func (m *Monitor) require(p Phase, op string) error {
	if m.phase != p {
		return fmt.Errorf("monitor: %s requires phase %s, at %s: %w", op, p, m.phase, ErrPhase)
	}
	return nil
}

// Initialize takes over the boot core. Interrupts are masked first and stay
// masked until the guest unmasks them at EL1.
func (m *Monitor) Initialize(acc sysreg.Accessor) error {
	acc.Write(sysreg.DAIF, sysreg.PSRDAIF)

	if err := m.capture(acc); err != nil {
		return err
	}
	if err := m.buildTables(acc); err != nil {
		return err
	}
	return m.installVector(acc)
}

func (m *Monitor) capture(acc sysreg.Accessor) error {
	if el := sysreg.ExceptionLevel(acc.Read(sysreg.CurrentEL)); el != 2 {
		return fmt.Errorf("monitor: entered at EL%d: %w", el, ErrNotEL2)
	}
	if err := m.require(PhaseReset, "capture"); err != nil {
		return err
	}
	m.captured = state.Capture(acc)
	m.phase = PhaseCaptured
	m.log.Info("captured firmware state",
		"ttbr0", m.captured.TTBR0,
		"tcr", m.captured.TCR,
		"mair", m.captured.MAIR,
		"hcr", m.captured.HCR,
		"mpidr", m.captured.MPIDR)
	return nil
}

func (m *Monitor) buildTables(acc sysreg.Accessor) error {
	if err := m.require(PhaseCaptured, "build tables"); err != nil {
		return err
	}
	tbl, err := pagetable.Build(pagetable.Config{
		TCR:                m.captured.TCR,
		MAIR:               m.captured.MAIR,
		RegisterWindowBase: m.layout.RegisterWindowBase(),
		RegisterWindowEnd:  m.layout.RegisterWindowEnd(),
	}, m.pool)
	switch {
	case errors.Is(err, pagetable.ErrPrecondition):
		return m.assertionFailed(acc, "tcr.t0sz == 32 && tcr.tg0 == 4k && mair has normal and device", err)
	case err != nil:
		return fmt.Errorf("monitor: build translation tables: %w", err)
	}
	if err := tbl.WriteTo(m.mem); err != nil {
		return fmt.Errorf("monitor: store translation tables: %w", err)
	}
	acc.CleanDataCache(tbl.RootPhysical(), uint64(tbl.Nodes())*alloc.PageSize)
	tbl.Install(acc)

	m.table = tbl
	for _, mp := range tbl.Mappings() {
		m.log.Debug("mapped", "base", mp.Base, "size", mp.Size, "type", mp.Type.String())
	}
	m.phase = PhaseTablesBuilt
	return nil
}

func (m *Monitor) installVector(acc sysreg.Accessor) error {
	if err := m.require(PhaseTablesBuilt, "install vector"); err != nil {
		return err
	}
	stack, err := m.pool.Allocate(m.cfg.StackPages)
	if err != nil {
		return fmt.Errorf("monitor: exception stack: %w", err)
	}
	m.stackTop = stack + uint64(m.cfg.StackPages)*alloc.PageSize
	acc.Write(sysreg.TPIDR_EL2, m.stackTop)

	acc.Write(sysreg.VBAR_EL2, m.cfg.VectorBase)
	acc.Write(sysreg.HCR_EL2, sysreg.HCRRW|sysreg.HCRTSC)
	acc.Write(sysreg.MDCR_EL2, m.captured.MDCR|sysreg.MDCRTDA)
	acc.ISB()

	m.log.Info("vector installed", "vbar", m.cfg.VectorBase, "stack", m.stackTop)
	m.phase = PhaseVectorInstalled
	return nil
}

// el1Control derives SCTLR_EL1 and TCR_EL1 from the captured EL2 values. Only
// the MMU and cache enables carry over from SCTLR; TCR keeps the TTBR0 walk
// fields, disables TTBR1 walks and moves the physical size into IPS.
func el1Control(c state.Captured) (sctlr, tcr uint64) {
	sctlr = sysreg.SCTLREL1RES1 | c.SCTLR&(sysreg.SCTLRM|sysreg.SCTLRC|sysreg.SCTLRI)

	tcr = c.TCR&sysreg.TCRWalkMask | sysreg.TCREL1EPD1
	tcr |= (c.TCR >> sysreg.TCREL2PSShift & sysreg.TCREL2PSMask) << sysreg.TCREL1IPSShift
	if c.TCR&sysreg.TCREL2TBI != 0 {
		tcr |= sysreg.TCREL1TBI0
	}
	return sctlr, tcr
}

// SwitchToLowerLevel demotes the boot core to EL1 and resumes at resume.
// EL1 translates with the firmware's EL2 table, which the monitor no longer
// uses. The final instruction is ERET; nothing after it runs on hardware.
func (m *Monitor) SwitchToLowerLevel(acc sysreg.Accessor, resume Continuation) error {
	if err := m.require(PhaseVectorInstalled, "switch"); err != nil {
		return err
	}
	acc.Write(sysreg.DAIF, sysreg.PSRDAIF)

	sctlr, tcr := el1Control(m.captured)
	acc.Write(sysreg.MAIR_EL1, m.captured.MAIR)
	acc.Write(sysreg.TCR_EL1, tcr)
	acc.Write(sysreg.TTBR0_EL1, m.captured.TTBR0)
	acc.Write(sysreg.VBAR_EL1, m.captured.VBAR)
	acc.ISB()
	acc.Write(sysreg.SCTLR_EL1, sctlr)
	acc.ISB()

	acc.Write(sysreg.SP_EL1, resume.Stack)
	acc.Write(sysreg.ELR_EL2, resume.PC)
	acc.Write(sysreg.SPSR_EL2, spsrKernelEntry)

	m.phase = PhaseSwitched
	m.log.Info("switching to EL1", "pc", resume.PC, "sp", resume.Stack)
	acc.ExceptionReturn(resume.Arg)
	return nil
}
