package sysreg

import "fmt"

// TLBOp selects a TLB invalidation instruction.
type TLBOp uint8

const (
	// TLBIAllE2 is TLBI ALLE2: every EL2 stage-1 entry on this core.
	TLBIAllE2 TLBOp = iota + 1
	// TLBIVMAllS12E1 is TLBI VMALLS12E1: stage-1 and stage-2 EL1&0 entries
	// for the current VMID.
	TLBIVMAllS12E1
	// TLBIAllE1 is TLBI ALLE1: every EL1&0 entry for all VMIDs.
	TLBIAllE1
)

func (op TLBOp) String() string {
	switch op {
	case TLBIAllE2:
		return "TLBI ALLE2"
	case TLBIVMAllS12E1:
		return "TLBI VMALLS12E1"
	case TLBIAllE1:
		return "TLBI ALLE1"
	default:
		return fmt.Sprintf("TLBI(%d)", uint8(op))
	}
}

// ATOp selects an address translation instruction.
type ATOp uint8

const (
	// ATS1E1R is AT S1E1R: stage-1 EL1 translation for a read.
	ATS1E1R ATOp = iota + 1
	// ATS1E1W is AT S1E1W: stage-1 EL1 translation for a write.
	ATS1E1W
)

func (op ATOp) String() string {
	switch op {
	case ATS1E1R:
		return "AT S1E1R"
	case ATS1E1W:
		return "AT S1E1W"
	default:
		return fmt.Sprintf("AT(%d)", uint8(op))
	}
}

// Accessor is the capability through which monitor code performs privileged
// operations on the core it is running on. Implementations provide the
// architecture-specific instructions; callers never see them.
type Accessor interface {
	// Read performs MRS on r.
	Read(r Reg) uint64
	// Write performs MSR on r.
	Write(r Reg, value uint64)

	// ISB is an instruction synchronization barrier.
	ISB()
	// DSB is a full-system data synchronization barrier.
	DSB()

	InvalidateTLB(op TLBOp)
	// CleanDataCache cleans and invalidates [addr, addr+size) to the point of
	// coherency.
	CleanDataCache(addr, size uint64)
	// InvalidateInstructionCache invalidates every instruction cache to the
	// point of unification, inner shareable.
	InvalidateInstructionCache()

	// AddressTranslate issues an AT instruction. The result lands in
	// PAR_EL1.
	AddressTranslate(op ATOp, va uint64)

	// ExceptionReturn performs ERET using ELR_EL2 and SPSR_EL2 with X0 set
	// to x0. It is the last instruction of a level switch.
	ExceptionReturn(x0 uint64)
	// Breakpoint issues BRK #0.
	Breakpoint()
}
