package sim

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/partmon/internal/esr"
	"github.com/tinyrange/partmon/internal/psci"
	"github.com/tinyrange/partmon/internal/sysreg"
	"github.com/tinyrange/partmon/internal/trap"
	"gvisor.dev/gvisor/pkg/bits"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// ErrNoVector is returned when a trap is taken before VBAR_EL2 points at an
// installed handler.
var ErrNoVector = errors.New("sim: no exception vector installed")

// The methods in this file execute instructions as the code running on the
// core at EL1. Those that trap to EL2 build a frame, call the handler
// installed at VBAR_EL2 and return once the handler's ERET resumes the guest.
// A handler error halts the core and is returned to the caller.

// Raise takes an exception through vector v with the given syndrome. The
// frame carries the guest's general purpose registers in and out.
func (c *CPU) Raise(v trap.Vector, syn esr.Syndrome, elr uint64, f *trap.Frame) error {
	c.mu.Lock()
	if c.fault != nil {
		c.mu.Unlock()
		return c.fault
	}
	vbar := c.regs[sysreg.VBAR_EL2]
	f.ELR = elr
	f.SPSR = c.regs[sysreg.DAIF] | uint64(c.el)<<2 | 1
	f.ESR = esr.Encode(syn)
	f.SP = c.regs[sysreg.SP_EL1]
	f.Vector = v
	c.regs[sysreg.ELR_EL2] = f.ELR
	c.regs[sysreg.SPSR_EL2] = f.SPSR
	c.regs[sysreg.ESR_EL2] = f.ESR
	c.regs[sysreg.FAR_EL2] = f.FAR
	c.regs[sysreg.DAIF] = sysreg.PSRDAIF
	c.el = 2
	c.mu.Unlock()

	h, ok := c.machine.vector(vbar)
	if !ok {
		c.halt(ErrNoVector)
		return ErrNoVector
	}
	if err := h.HandleTrap(c, f); err != nil {
		c.halt(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[sysreg.SP_EL1] = f.SP
	c.regs[sysreg.DAIF] = f.SPSR & sysreg.PSRDAIF
	c.el = int(f.SPSR&sysreg.PSRModeMask) >> 2
	c.pc = f.ELR
	return nil
}

func (c *CPU) halt(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fault = err
}

func (c *CPU) lowerSync() trap.Vector {
	return trap.Vector{Source: trap.LowerELAArch64, Kind: trap.Synchronous}
}

// HVC executes HVC #imm with X0 holding x0. The preferred return address
// of an HVC is the next instruction.
func (c *CPU) HVC(imm uint16, x0 uint64) error {
	f := &trap.Frame{}
	f.X[0] = x0
	syn := esr.Syndrome{Class: esr.ClassHVC64, IL: true, ISS: uint32(imm)}
	return c.Raise(c.lowerSync(), syn, c.PC()+4, f)
}

// SMC executes SMC #imm. With HCR_EL2.TSC clear the call goes straight to
// secure firmware; otherwise it traps with ELR pointing at the SMC itself.
func (c *CPU) SMC(imm uint16, args psci.Args) (psci.Results, error) {
	c.mu.Lock()
	trapped := bits.IsOn64(c.regs[sysreg.HCR_EL2], sysreg.HCRTSC) && c.el < 2
	c.mu.Unlock()

	if !trapped {
		res := c.machine.Firmware().Call(args)
		c.SetPC(c.PC() + 4)
		return res, nil
	}

	f := &trap.Frame{}
	copy(f.X[:4], args[:])
	syn := esr.Syndrome{Class: esr.ClassSMC64, IL: true, ISS: uint32(imm)}
	if err := c.Raise(c.lowerSync(), syn, c.PC(), f); err != nil {
		return psci.Results{}, err
	}
	var res psci.Results
	copy(res[:], f.X[:4])
	return res, nil
}

func (c *CPU) debugTrapped(r sysreg.Reg) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.IsDebug() && c.el < 2 && bits.IsOn64(c.regs[sysreg.MDCR_EL2], sysreg.MDCRTDA)
}

// MRS executes MRS X<rt>, r at EL1.
func (c *CPU) MRS(r sysreg.Reg, rt uint8) (uint64, error) {
	if !c.debugTrapped(r) {
		return c.Read(r), nil
	}
	f := &trap.Frame{}
	iss := esr.EncodeSysReg(esr.SysRegAccess{Encoding: r.Encoding(), Rt: rt, Read: true})
	syn := esr.Syndrome{Class: esr.ClassMsrAccess, IL: true, ISS: iss}
	if err := c.Raise(c.lowerSync(), syn, c.PC(), f); err != nil {
		return 0, err
	}
	return f.Reg(rt), nil
}

// MSR executes MSR r, X<rt> at EL1 with X<rt> holding v.
func (c *CPU) MSR(r sysreg.Reg, rt uint8, v uint64) error {
	if !c.debugTrapped(r) {
		c.Write(r, v)
		return nil
	}
	f := &trap.Frame{}
	f.SetReg(rt, v)
	iss := esr.EncodeSysReg(esr.SysRegAccess{Encoding: r.Encoding(), Rt: rt, Read: false})
	syn := esr.Syndrome{Class: esr.ClassMsrAccess, IL: true, ISS: iss}
	return c.Raise(c.lowerSync(), syn, c.PC(), f)
}

// PageMap is a guest stage-1 translation regime at 4 KB page granularity.
type PageMap struct {
	mu    sync.RWMutex
	pages map[hostarch.Addr]hostarch.Addr
}

// NewPageMap returns an empty translation regime.
func NewPageMap() *PageMap {
	return &PageMap{pages: make(map[hostarch.Addr]hostarch.Addr)}
}

// Map maps [va, va+size) to [pa, pa+size). All three must be page aligned.
func (m *PageMap) Map(va, pa, size uint64) error {
	v, p := hostarch.Addr(va), hostarch.Addr(pa)
	if !v.IsPageAligned() || !p.IsPageAligned() || size%hostarch.PageSize != 0 {
		return fmt.Errorf("sim: mapping %#x -> %#x (%#x bytes) is not page aligned", va, pa, size)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for off := uint64(0); off < size; off += hostarch.PageSize {
		m.pages[v+hostarch.Addr(off)] = p + hostarch.Addr(off)
	}
	return nil
}

// Unmap removes every page in [va, va+size).
func (m *PageMap) Unmap(va, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := hostarch.Addr(va).RoundDown()
	for off := uint64(0); off < size; off += hostarch.PageSize {
		delete(m.pages, start+hostarch.Addr(off))
	}
}

func (m *PageMap) Translate(va uint64) (uint64, bool) {
	v := hostarch.Addr(va)
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[v.RoundDown()]
	if !ok {
		return 0, false
	}
	return uint64(p) | uint64(v.PageOffset()), true
}
