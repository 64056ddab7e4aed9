package guest

import "fmt"

// A64 branch encodings.
const (
	condBranchMask = 0xFF000010
	condBranchOp   = 0x54000000
	branchOp       = 0x14000000

	imm19Mask = 0x7FFFF
	imm26Mask = 0x3FFFFFF

	minBranchImm = -(1 << 25)
	maxBranchImm = (1 << 25) - 1
)

// IsConditionalBranch reports whether insn is B.cond.
func IsConditionalBranch(insn uint32) bool {
	return insn&condBranchMask == condBranchOp
}

// ConditionalBranchOffset returns the byte offset a B.cond branches by.
func ConditionalBranchOffset(insn uint32) int64 {
	imm := int64(insn>>5) & imm19Mask
	// sign-extend 19 bits
	imm = imm << 45 >> 45
	return imm * 4
}

// EncodeBranch returns B with the given byte offset.
func EncodeBranch(offset int64) (uint32, error) {
	if offset%4 != 0 {
		return 0, fmt.Errorf("guest: branch offset %d is not word aligned", offset)
	}
	imm := offset / 4
	if imm < minBranchImm || imm > maxBranchImm {
		return 0, fmt.Errorf("guest: branch offset %d out of range", offset)
	}
	return branchOp | uint32(imm)&imm26Mask, nil
}

// Unconditional rewrites B.cond into B with the same target.
func Unconditional(insn uint32) (uint32, error) {
	if !IsConditionalBranch(insn) {
		return 0, fmt.Errorf("guest: %#08x is not a conditional branch", insn)
	}
	return EncodeBranch(ConditionalBranchOffset(insn))
}
