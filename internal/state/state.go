// Package state snapshots the EL2 configuration the boot firmware leaves on
// the boot core and replays it onto secondary cores.
package state

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/partmon/internal/sysreg"
)

// Captured is the EL2 configuration read on the boot core. It is not
// modified after Capture returns.
type Captured struct {
	TTBR0   uint64 // TTBR0_EL2
	TCR     uint64 // TCR_EL2
	MAIR    uint64 // MAIR_EL2
	VBAR    uint64 // VBAR_EL2
	SCTLR   uint64 // SCTLR_EL2
	ACTLR   uint64 // ACTLR_EL2
	CPTR    uint64 // CPTR_EL2
	HCR     uint64 // HCR_EL2
	MDCR    uint64 // MDCR_EL2
	CNTHCTL uint64 // CNTHCTL_EL2
	CNTVOFF uint64 // CNTVOFF_EL2

	// Identity of the capturing core. Restore never copies these; each core
	// uses its own.
	MIDR  uint64
	MPIDR uint64
}

// capturedRegs lists the registers in Captured, in field order.
var capturedRegs = [...]sysreg.Reg{
	sysreg.TTBR0_EL2,
	sysreg.TCR_EL2,
	sysreg.MAIR_EL2,
	sysreg.VBAR_EL2,
	sysreg.SCTLR_EL2,
	sysreg.ACTLR_EL2,
	sysreg.CPTR_EL2,
	sysreg.HCR_EL2,
	sysreg.MDCR_EL2,
	sysreg.CNTHCTL_EL2,
	sysreg.CNTVOFF_EL2,
	sysreg.MIDR_EL1,
	sysreg.MPIDR_EL1,
}

func (c *Captured) fields() [len(capturedRegs)]*uint64 {
	return [...]*uint64{
		&c.TTBR0, &c.TCR, &c.MAIR, &c.VBAR, &c.SCTLR, &c.ACTLR, &c.CPTR,
		&c.HCR, &c.MDCR, &c.CNTHCTL, &c.CNTVOFF, &c.MIDR, &c.MPIDR,
	}
}

// Capture reads the configuration. It performs plain register reads only.
func Capture(acc sysreg.Accessor) Captured {
	var c Captured
	for i, p := range c.fields() {
		*p = acc.Read(capturedRegs[i])
	}
	return c
}

// restored is the subset written back on a secondary core, in write order.
// TTBR0/TCR/MAIR come before SCTLR so the MMU is never enabled over a stale
// regime.
var restored = [...]sysreg.Reg{
	sysreg.HCR_EL2,
	sysreg.MDCR_EL2,
	sysreg.CPTR_EL2,
	sysreg.CNTHCTL_EL2,
	sysreg.CNTVOFF_EL2,
	sysreg.MAIR_EL2,
	sysreg.TCR_EL2,
	sysreg.TTBR0_EL2,
	sysreg.VBAR_EL2,
	sysreg.ACTLR_EL2,
	sysreg.SCTLR_EL2,
}

// Value returns the captured value of r.
func (c Captured) Value(r sysreg.Reg) (uint64, bool) {
	for i, p := range c.fields() {
		if capturedRegs[i] == r {
			return *p, true
		}
	}
	return 0, false
}

// RestoreSubset writes the replicated configuration onto the calling core.
// VPIDR_EL2 and VMPIDR_EL2 take the caller's own MIDR_EL1 and MPIDR_EL1 so
// the guest sees the identity of the core it actually runs on. The write is
// followed by the stage-1/stage-2 invalidation sequence.
func RestoreSubset(acc sysreg.Accessor, c Captured) {
	for _, r := range restored {
		v, _ := c.Value(r)
		acc.Write(r, v)
	}
	acc.Write(sysreg.VPIDR_EL2, acc.Read(sysreg.MIDR_EL1))
	acc.Write(sysreg.VMPIDR_EL2, acc.Read(sysreg.MPIDR_EL1))

	acc.DSB()
	acc.InvalidateTLB(sysreg.TLBIVMAllS12E1)
	acc.InvalidateTLB(sysreg.TLBIAllE2)
	acc.DSB()
	acc.ISB()
}

// EncodedSize is the length of the MarshalBinary form.
const EncodedSize = len(capturedRegs) * 8

// MarshalBinary encodes c as little-endian words in field order.
func (c Captured) MarshalBinary() ([]byte, error) {
	buf := make([]byte, EncodedSize)
	for i, p := range c.fields() {
		binary.LittleEndian.PutUint64(buf[i*8:], *p)
	}
	return buf, nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary.
func (c *Captured) UnmarshalBinary(data []byte) error {
	if len(data) < EncodedSize {
		return fmt.Errorf("state: captured record is %d bytes, want %d", len(data), EncodedSize)
	}
	for i, p := range c.fields() {
		*p = binary.LittleEndian.Uint64(data[i*8:])
	}
	return nil
}
