package sysreg

// HCR_EL2 bits.
const (
	HCRTSC = 1 << 19 // trap SMC to EL2
	HCRRW  = 1 << 31 // EL1 is AArch64
)

// MDCR_EL2 bits.
const (
	MDCRTDOSA = 1 << 10 // trap OS-related debug registers
	MDCRTDA   = 1 << 9  // trap debug register accesses
)

// SPSR / PSTATE fields.
const (
	PSRModeMask = 0xF
	PSRModeEL0t = 0x0
	PSRModeEL1t = 0x4
	PSRModeEL1h = 0x5
	PSRModeEL2t = 0x8
	PSRModeEL2h = 0x9
	PSRWidth32  = 1 << 4 // exception taken from AArch32

	PSRF = 1 << 6
	PSRI = 1 << 7
	PSRA = 1 << 8
	PSRD = 1 << 9

	PSRDAIF = PSRD | PSRA | PSRI | PSRF
)

// ExceptionLevel returns the exception level encoded in a CurrentEL value.
func ExceptionLevel(currentEL uint64) int {
	return int(currentEL>>2) & 0x3
}

// SCTLR bits shared by SCTLR_EL1 and SCTLR_EL2.
const (
	SCTLRM = 1 << 0  // MMU enable
	SCTLRC = 1 << 2  // data cache enable
	SCTLRI = 1 << 12 // instruction cache enable

	// SCTLREL1RES1 are the bits of SCTLR_EL1 that read as one.
	SCTLREL1RES1 = 1<<29 | 1<<28 | 1<<23 | 1<<22 | 1<<20 | 1<<11
)

// TCR fields. The low 16 bits (T0SZ, IRGN0, ORGN0, SH0, TG0) have the same
// layout in TCR_EL2 and TCR_EL1.
const (
	TCRT0SZMask  = 0x3F
	TCRTG0Shift  = 14
	TCRTG0Mask   = 0x3
	TCRTG0Size4K = 0x0

	TCREL2PSShift  = 16
	TCREL2PSMask   = 0x7
	TCREL2TBI      = 1 << 20
	TCREL1EPD0     = 1 << 7
	TCREL1EPD1     = 1 << 23
	TCREL1IPSShift = 32
	TCREL1TBI0     = 1 << 37

	// TCRWalkMask selects the fields that carry over unchanged from TCR_EL2
	// into TCR_EL1.
	TCRWalkMask = 0xFF3F
)

// PAR_EL1 layout after an AT instruction.
const (
	PARF      = 1 << 0
	PARPAMask = 0x0000_FFFF_FFFF_F000
)
