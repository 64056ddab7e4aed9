package monitor

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/tinyrange/partmon/internal/esr"
	"github.com/tinyrange/partmon/internal/sysreg"
	"github.com/tinyrange/partmon/internal/trace"
	"github.com/tinyrange/partmon/internal/trap"
	"gvisor.dev/gvisor/pkg/bits"
)

// instructionSize is the width of every A64 instruction.
const instructionSize = 4

var expectedVector = trap.Vector{Source: trap.LowerELAArch64, Kind: trap.Synchronous}

// FatalError stops the trapped core. The vector never returns to the guest
// after one.
type FatalError struct {
	Reason string
	MPIDR  uint64
	Frame  trap.Frame
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("monitor: fatal on mpidr %#x: %s: %v", e.MPIDR, e.Reason, e.Err)
	}
	return fmt.Sprintf("monitor: fatal on mpidr %#x: %s", e.MPIDR, e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }

// AssertionError is an internal precondition that did not hold.
type AssertionError struct {
	File string
	Line int
	Expr string
	Err  error
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("monitor: assertion failed at %s:%d: %s", e.File, e.Line, e.Expr)
}

func (e *AssertionError) Unwrap() error { return e.Err }

// assertionFailed logs the caller's location and breaks into the debugger.
func (m *Monitor) assertionFailed(acc sysreg.Accessor, expr string, err error) error {
	_, file, line, _ := runtime.Caller(1)
	ae := &AssertionError{File: file, Line: line, Expr: expr, Err: err}
	m.log.Error("assertion failed", "file", file, "line", line, "expr", expr, "err", err)
	acc.Breakpoint()
	return ae
}

func (m *Monitor) fatal(acc sysreg.Accessor, f *trap.Frame, err error, format string, args ...any) error {
	fe := &FatalError{
		Reason: fmt.Sprintf(format, args...),
		MPIDR:  acc.Read(sysreg.MPIDR_EL1),
		Frame:  *f,
		Err:    err,
	}
	m.log.Error("unhandled exception", "mpidr", fe.MPIDR, "reason", fe.Reason, "vector", f.Vector.String())
	for _, line := range strings.Split(f.Dump(), "\n") {
		m.log.Error(line)
	}
	m.trace.Text(traceSource(fe.MPIDR), fe.Error())
	return fe
}

// traceSource names a core in the trace by its Aff0 field.
func traceSource(mpidr uint64) string {
	return fmt.Sprintf("cpu%d", mpidr&0xFF)
}

// HandleTrap is the EL2 synchronous exception handler. Every trap it accepts
// comes from the guest kernel at EL1 in AArch64 state.
func (m *Monitor) HandleTrap(acc sysreg.Accessor, f *trap.Frame) error {
	if m.trace != nil {
		ev := trace.Event{ESR: f.ESR, ELR: f.ELR, SPSR: f.SPSR, Args: [4]uint64(f.X[:4])}
		defer func() {
			ev.Results = [4]uint64(f.X[:4])
			m.trace.Trap(traceSource(acc.Read(sysreg.MPIDR_EL1)), ev)
		}()
	}
	if f.Vector != expectedVector {
		return m.fatal(acc, f, nil, "exception through %s", f.Vector)
	}
	if !fromEL1AArch64(f.SPSR) {
		return m.fatal(acc, f, nil, "exception from unexpected state spsr=%#x", f.SPSR)
	}

	syn := esr.Decode(f.ESR)
	switch syn.Class {
	case esr.ClassHVC64:
		// ELR already points past the HVC.
		m.handleHVC(acc, syn.Immediate(), f)
		return nil

	case esr.ClassSMC64:
		m.maybeScan(acc)
		if err := m.handleSMC(acc, syn.Immediate(), f); err != nil {
			return m.fatal(acc, f, err, "secure monitor call")
		}
		f.ELR += instructionSize
		return nil

	case esr.ClassMsrAccess:
		if err := m.handleSysReg(acc, esr.DecodeSysReg(syn.ISS), f); err != nil {
			return m.fatal(acc, f, err, "system register access")
		}
		f.ELR += instructionSize
		return nil

	default:
		return m.fatal(acc, f, nil, "unhandled %s", syn)
	}
}

func fromEL1AArch64(spsr uint64) bool {
	if bits.IsOn64(spsr, sysreg.PSRWidth32) {
		return false
	}
	mode := spsr & sysreg.PSRModeMask
	return mode == sysreg.PSRModeEL1h || mode == sysreg.PSRModeEL1t
}

var _ trap.Handler = (*Monitor)(nil)
