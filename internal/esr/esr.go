// Package esr decodes the exception syndrome register.
package esr

import (
	"fmt"

	"github.com/tinyrange/partmon/internal/sysreg"
)

// Class is the 6-bit exception class field.
type Class uint8

const (
	ClassUnknown           Class = 0x00
	ClassWFx               Class = 0x01
	ClassIllegalState      Class = 0x0E
	ClassSVC64             Class = 0x15
	ClassHVC64             Class = 0x16
	ClassSMC64             Class = 0x17
	ClassMsrAccess         Class = 0x18
	ClassInstAbortLowerEL  Class = 0x20
	ClassInstAbortSameEL   Class = 0x21
	ClassPCAlignment       Class = 0x22
	ClassDataAbortLowerEL  Class = 0x24
	ClassDataAbortSameEL   Class = 0x25
	ClassSPAlignment       Class = 0x26
	ClassSError            Class = 0x2F
	ClassBreakpointLowerEL Class = 0x30
	ClassSoftwareStepLower Class = 0x32
	ClassWatchpointLowerEL Class = 0x34
	ClassBRK64             Class = 0x3C
)

func (ec Class) String() string {
	switch ec {
	case ClassUnknown:
		return "unknown reason"
	case ClassWFx:
		return "WFI/WFE"
	case ClassIllegalState:
		return "illegal execution state"
	case ClassSVC64:
		return "SVC"
	case ClassHVC64:
		return "HVC"
	case ClassSMC64:
		return "SMC"
	case ClassMsrAccess:
		return "MSR access"
	case ClassInstAbortLowerEL:
		return "Instruction abort lower EL"
	case ClassInstAbortSameEL:
		return "Instruction abort same EL"
	case ClassPCAlignment:
		return "PC alignment"
	case ClassDataAbortLowerEL:
		return "Data abort lower EL"
	case ClassDataAbortSameEL:
		return "Data abort same EL"
	case ClassSPAlignment:
		return "SP alignment"
	case ClassSError:
		return "SError"
	case ClassBreakpointLowerEL:
		return "Breakpoint lower EL"
	case ClassSoftwareStepLower:
		return "Software step lower EL"
	case ClassWatchpointLowerEL:
		return "Watchpoint lower EL"
	case ClassBRK64:
		return "BRK"
	default:
		return fmt.Sprintf("unknown exception class %#x", uint8(ec))
	}
}

const (
	exceptionClassMask  = 0x3F
	exceptionClassShift = 26
	ilBit               = 25
	issMask             = (1 << 25) - 1
)

// Syndrome is a decoded ESR_EL2 value.
type Syndrome struct {
	Class Class
	// IL is set when the trapped instruction was 32 bits wide.
	IL  bool
	ISS uint32
}

// Decode splits an ESR value into its architected fields.
func Decode(esr uint64) Syndrome {
	return Syndrome{
		Class: Class((esr >> exceptionClassShift) & exceptionClassMask),
		IL:    (esr>>ilBit)&0x1 == 1,
		ISS:   uint32(esr & issMask),
	}
}

// Encode builds an ESR value. It is the inverse of Decode.
func Encode(s Syndrome) uint64 {
	v := uint64(s.Class&exceptionClassMask)<<exceptionClassShift | uint64(s.ISS&issMask)
	if s.IL {
		v |= 1 << ilBit
	}
	return v
}

// Immediate returns the 16-bit immediate of a trapped HVC or SMC.
func (s Syndrome) Immediate() uint16 {
	return uint16(s.ISS & 0xFFFF)
}

func (s Syndrome) String() string {
	return fmt.Sprintf("%s (iss=%#x)", s.Class, s.ISS)
}

// SysRegAccess is the ISS of a trapped MSR, MRS or system instruction.
type SysRegAccess struct {
	Encoding sysreg.Encoding
	// Rt is the general purpose register transferred; 31 is XZR.
	Rt uint8
	// Read is true for MRS (system register to Rt) and false for MSR.
	Read bool
}

// DecodeSysReg decodes the ISS of an exception with class ClassMsrAccess.
func DecodeSysReg(iss uint32) SysRegAccess {
	const (
		directionBit = 0

		crmShift = 1
		crmMask  = 0xF

		rtShift = 5
		rtMask  = 0x1F

		crnShift = 10
		crnMask  = 0xF

		op1Shift = 14
		op1Mask  = 0x7

		op2Shift = 17
		op2Mask  = 0x7

		op0Shift = 20
		op0Mask  = 0x3
	)

	return SysRegAccess{
		Encoding: sysreg.Encoding{
			Op0: uint8((iss >> op0Shift) & op0Mask),
			Op1: uint8((iss >> op1Shift) & op1Mask),
			CRn: uint8((iss >> crnShift) & crnMask),
			CRm: uint8((iss >> crmShift) & crmMask),
			Op2: uint8((iss >> op2Shift) & op2Mask),
		},
		Rt:   uint8((iss >> rtShift) & rtMask),
		Read: ((iss >> directionBit) & 0x1) == 1,
	}
}

// EncodeSysReg builds the ISS for a trapped system register access.
func EncodeSysReg(a SysRegAccess) uint32 {
	e := a.Encoding
	iss := uint32(e.Op0&0x3)<<20 |
		uint32(e.Op2&0x7)<<17 |
		uint32(e.Op1&0x7)<<14 |
		uint32(e.CRn&0xF)<<10 |
		uint32(a.Rt&0x1F)<<5 |
		uint32(e.CRm&0xF)<<1
	if a.Read {
		iss |= 1
	}
	return iss
}

// IsRegisterAccess reports whether the trap was an MRS/MSR of a system
// register rather than another system instruction.
func (a SysRegAccess) IsRegisterAccess() bool {
	return a.Encoding.IsRegister()
}

func (a SysRegAccess) String() string {
	dir := "MSR"
	if a.Read {
		dir = "MRS"
	}
	return fmt.Sprintf("%s %s x%d", dir, a.Encoding, a.Rt)
}
