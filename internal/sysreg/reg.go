// Package sysreg names the AArch64 system registers the monitor touches and
// defines the capability interface through which every privileged register
// access, barrier and maintenance operation is performed.
package sysreg

import "fmt"

// Reg identifies one system register.
type Reg uint16

const (
	RegInvalid Reg = iota

	// EL2 configuration.
	SCTLR_EL2
	ACTLR_EL2
	HCR_EL2
	MDCR_EL2
	CPTR_EL2
	TTBR0_EL2
	TCR_EL2
	VTTBR_EL2
	VTCR_EL2
	MAIR_EL2
	VBAR_EL2
	TPIDR_EL2
	CNTHCTL_EL2
	CNTVOFF_EL2
	VPIDR_EL2
	VMPIDR_EL2

	// EL2 exception state.
	SPSR_EL2
	ELR_EL2
	ESR_EL2
	FAR_EL2

	// EL1 state written by the level switch or read by the guest scanner.
	SCTLR_EL1
	TTBR0_EL1
	TTBR1_EL1
	TCR_EL1
	MAIR_EL1
	VBAR_EL1
	SP_EL1
	PAR_EL1

	// Identification and PSTATE.
	MIDR_EL1
	MPIDR_EL1
	CurrentEL
	DAIF

	// Debug registers with a single instance.
	MDCCINT_EL1
	MDSCR_EL1
	OSDTRRX_EL1
	OSDTRTX_EL1
	OSECCR_EL1
	MDRAR_EL1
	OSLAR_EL1
	OSLSR_EL1
	OSDLR_EL1
	DBGPRCR_EL1
	DBGCLAIMSET_EL1
	DBGCLAIMCLR_EL1
	DBGAUTHSTATUS_EL1
	MDCCSR_EL0
	DBGDTR_EL0
	DBGDTRRX_EL0
	DBGDTRTX_EL0

	numNamed
)

// Breakpoint and watchpoint registers are banked 16 wide starting at these
// bases.
const (
	DebugBankSize = 16

	dbgBVRBase Reg = 0x100
	dbgBCRBase Reg = dbgBVRBase + DebugBankSize
	dbgWVRBase Reg = dbgBCRBase + DebugBankSize
	dbgWCRBase Reg = dbgWVRBase + DebugBankSize
	dbgBankEnd Reg = dbgWCRBase + DebugBankSize
)

// DBGBVR returns DBGBVR<n>_EL1.
func DBGBVR(n int) Reg { return bank(dbgBVRBase, n) }

// DBGBCR returns DBGBCR<n>_EL1.
func DBGBCR(n int) Reg { return bank(dbgBCRBase, n) }

// DBGWVR returns DBGWVR<n>_EL1.
func DBGWVR(n int) Reg { return bank(dbgWVRBase, n) }

// DBGWCR returns DBGWCR<n>_EL1.
func DBGWCR(n int) Reg { return bank(dbgWCRBase, n) }

func bank(base Reg, n int) Reg {
	if n < 0 || n >= DebugBankSize {
		return RegInvalid
	}
	return base + Reg(n)
}

// Access describes the directions in which a register may be used.
type Access uint8

const (
	ReadWrite Access = iota
	ReadOnly
	WriteOnly
)

func (a Access) String() string {
	switch a {
	case ReadWrite:
		return "RW"
	case ReadOnly:
		return "RO"
	case WriteOnly:
		return "WO"
	default:
		return fmt.Sprintf("access(%d)", uint8(a))
	}
}

// CanRead reports whether an MRS of a register with this access is valid.
func (a Access) CanRead() bool { return a != WriteOnly }

// CanWrite reports whether an MSR of a register with this access is valid.
func (a Access) CanWrite() bool { return a != ReadOnly }

type regInfo struct {
	name   string
	enc    Encoding
	access Access
}

var named = [numNamed]regInfo{
	SCTLR_EL2:   {"SCTLR_EL2", Encoding{3, 4, 1, 0, 0}, ReadWrite},
	ACTLR_EL2:   {"ACTLR_EL2", Encoding{3, 4, 1, 0, 1}, ReadWrite},
	HCR_EL2:     {"HCR_EL2", Encoding{3, 4, 1, 1, 0}, ReadWrite},
	MDCR_EL2:    {"MDCR_EL2", Encoding{3, 4, 1, 1, 1}, ReadWrite},
	CPTR_EL2:    {"CPTR_EL2", Encoding{3, 4, 1, 1, 2}, ReadWrite},
	TTBR0_EL2:   {"TTBR0_EL2", Encoding{3, 4, 2, 0, 0}, ReadWrite},
	TCR_EL2:     {"TCR_EL2", Encoding{3, 4, 2, 0, 2}, ReadWrite},
	VTTBR_EL2:   {"VTTBR_EL2", Encoding{3, 4, 2, 1, 0}, ReadWrite},
	VTCR_EL2:    {"VTCR_EL2", Encoding{3, 4, 2, 1, 2}, ReadWrite},
	MAIR_EL2:    {"MAIR_EL2", Encoding{3, 4, 10, 2, 0}, ReadWrite},
	VBAR_EL2:    {"VBAR_EL2", Encoding{3, 4, 12, 0, 0}, ReadWrite},
	TPIDR_EL2:   {"TPIDR_EL2", Encoding{3, 4, 13, 0, 2}, ReadWrite},
	CNTHCTL_EL2: {"CNTHCTL_EL2", Encoding{3, 4, 14, 1, 0}, ReadWrite},
	CNTVOFF_EL2: {"CNTVOFF_EL2", Encoding{3, 4, 14, 0, 3}, ReadWrite},
	VPIDR_EL2:   {"VPIDR_EL2", Encoding{3, 4, 0, 0, 0}, ReadWrite},
	VMPIDR_EL2:  {"VMPIDR_EL2", Encoding{3, 4, 0, 0, 5}, ReadWrite},

	SPSR_EL2: {"SPSR_EL2", Encoding{3, 4, 4, 0, 0}, ReadWrite},
	ELR_EL2:  {"ELR_EL2", Encoding{3, 4, 4, 0, 1}, ReadWrite},
	ESR_EL2:  {"ESR_EL2", Encoding{3, 4, 5, 2, 0}, ReadWrite},
	FAR_EL2:  {"FAR_EL2", Encoding{3, 4, 6, 0, 0}, ReadWrite},

	SCTLR_EL1: {"SCTLR_EL1", Encoding{3, 0, 1, 0, 0}, ReadWrite},
	TTBR0_EL1: {"TTBR0_EL1", Encoding{3, 0, 2, 0, 0}, ReadWrite},
	TTBR1_EL1: {"TTBR1_EL1", Encoding{3, 0, 2, 0, 1}, ReadWrite},
	TCR_EL1:   {"TCR_EL1", Encoding{3, 0, 2, 0, 2}, ReadWrite},
	MAIR_EL1:  {"MAIR_EL1", Encoding{3, 0, 10, 2, 0}, ReadWrite},
	VBAR_EL1:  {"VBAR_EL1", Encoding{3, 0, 12, 0, 0}, ReadWrite},
	SP_EL1:    {"SP_EL1", Encoding{3, 4, 4, 1, 0}, ReadWrite},
	PAR_EL1:   {"PAR_EL1", Encoding{3, 0, 7, 4, 0}, ReadWrite},

	MIDR_EL1:  {"MIDR_EL1", Encoding{3, 0, 0, 0, 0}, ReadOnly},
	MPIDR_EL1: {"MPIDR_EL1", Encoding{3, 0, 0, 0, 5}, ReadOnly},
	CurrentEL: {"CurrentEL", Encoding{3, 0, 4, 2, 2}, ReadOnly},
	DAIF:      {"DAIF", Encoding{3, 3, 4, 2, 1}, ReadWrite},

	MDCCINT_EL1:       {"MDCCINT_EL1", Encoding{2, 0, 0, 2, 0}, ReadWrite},
	MDSCR_EL1:         {"MDSCR_EL1", Encoding{2, 0, 0, 2, 2}, ReadWrite},
	OSDTRRX_EL1:       {"OSDTRRX_EL1", Encoding{2, 0, 0, 0, 2}, ReadWrite},
	OSDTRTX_EL1:       {"OSDTRTX_EL1", Encoding{2, 0, 0, 3, 2}, ReadWrite},
	OSECCR_EL1:        {"OSECCR_EL1", Encoding{2, 0, 0, 6, 2}, ReadWrite},
	MDRAR_EL1:         {"MDRAR_EL1", Encoding{2, 0, 1, 0, 0}, ReadOnly},
	OSLAR_EL1:         {"OSLAR_EL1", Encoding{2, 0, 1, 0, 4}, WriteOnly},
	OSLSR_EL1:         {"OSLSR_EL1", Encoding{2, 0, 1, 1, 4}, ReadOnly},
	OSDLR_EL1:         {"OSDLR_EL1", Encoding{2, 0, 1, 3, 4}, ReadWrite},
	DBGPRCR_EL1:       {"DBGPRCR_EL1", Encoding{2, 0, 1, 4, 4}, ReadWrite},
	DBGCLAIMSET_EL1:   {"DBGCLAIMSET_EL1", Encoding{2, 0, 7, 8, 6}, ReadWrite},
	DBGCLAIMCLR_EL1:   {"DBGCLAIMCLR_EL1", Encoding{2, 0, 7, 9, 6}, ReadWrite},
	DBGAUTHSTATUS_EL1: {"DBGAUTHSTATUS_EL1", Encoding{2, 0, 7, 14, 6}, ReadOnly},
	MDCCSR_EL0:        {"MDCCSR_EL0", Encoding{2, 3, 0, 1, 0}, ReadOnly},
	DBGDTR_EL0:        {"DBGDTR_EL0", Encoding{2, 3, 0, 4, 0}, ReadWrite},
	// DBGDTRRX_EL0 and DBGDTRTX_EL0 share an encoding and are told apart by
	// the direction of the access.
	DBGDTRRX_EL0: {"DBGDTRRX_EL0", Encoding{2, 3, 0, 5, 0}, ReadOnly},
	DBGDTRTX_EL0: {"DBGDTRTX_EL0", Encoding{2, 3, 0, 5, 0}, WriteOnly},
}

func (r Reg) info() (regInfo, bool) {
	switch {
	case r > RegInvalid && r < numNamed:
		return named[r], true
	case r >= dbgBVRBase && r < dbgBankEnd:
		n := uint8((r - dbgBVRBase) % DebugBankSize)
		kind := (r - dbgBVRBase) / DebugBankSize
		names := [...]string{"DBGBVR", "DBGBCR", "DBGWVR", "DBGWCR"}
		return regInfo{
			name:   fmt.Sprintf("%s%d_EL1", names[kind], n),
			enc:    Encoding{Op0: 2, Op1: 0, CRn: 0, CRm: n, Op2: 4 + uint8(kind)},
			access: ReadWrite,
		}, true
	default:
		return regInfo{}, false
	}
}

// Valid reports whether r names a known register.
func (r Reg) Valid() bool {
	_, ok := r.info()
	return ok
}

func (r Reg) String() string {
	if info, ok := r.info(); ok {
		return info.name
	}
	return fmt.Sprintf("sysreg(%d)", uint16(r))
}

// Encoding returns the architectural encoding of r.
func (r Reg) Encoding() Encoding {
	info, _ := r.info()
	return info.enc
}

// Access returns the directions in which r may be used.
func (r Reg) Access() Access {
	info, _ := r.info()
	return info.access
}

// IsDebug reports whether r is one of the op0=2 debug registers.
func (r Reg) IsDebug() bool {
	info, ok := r.info()
	return ok && info.enc.Op0 == 2
}

// All returns every known register in a stable order.
func All() []Reg {
	regs := make([]Reg, 0, int(numNamed)+4*DebugBankSize)
	for r := RegInvalid + 1; r < numNamed; r++ {
		regs = append(regs, r)
	}
	for r := dbgBVRBase; r < dbgBankEnd; r++ {
		regs = append(regs, r)
	}
	return regs
}
