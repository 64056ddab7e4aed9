package sysreg

import "fmt"

// Encoding is the (op0, op1, CRn, CRm, op2) tuple that selects a system
// register in MRS/MSR instructions and in trapped-access syndromes.
type Encoding struct {
	Op0, Op1, CRn, CRm, Op2 uint8
}

func (e Encoding) String() string {
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", e.Op0, e.Op1, e.CRn, e.CRm, e.Op2)
}

// IsRegister reports whether the encoding addresses a system register.
// op0 values 0 and 1 select other system instructions (hints, barriers,
// cache and TLB maintenance, address translation).
func (e Encoding) IsRegister() bool {
	return e.Op0 >= 2
}

func (e Encoding) fields() uint32 {
	return uint32(e.Op0&0x1)<<19 |
		uint32(e.Op1&0x7)<<16 |
		uint32(e.CRn&0xF)<<12 |
		uint32(e.CRm&0xF)<<8 |
		uint32(e.Op2&0x7)<<5
}

const (
	msrBase = 0xD5100000
	mrsBase = 0xD5300000
)

// EncodeMRS returns the instruction word for MRS X<rt>, <reg>.
func EncodeMRS(rt uint8, r Reg) (uint32, error) {
	if err := checkEncodable(rt, r); err != nil {
		return 0, err
	}
	if !r.Access().CanRead() {
		return 0, fmt.Errorf("sysreg: %s is write-only", r)
	}
	return mrsBase | r.Encoding().fields() | uint32(rt), nil
}

// EncodeMSR returns the instruction word for MSR <reg>, X<rt>.
func EncodeMSR(r Reg, rt uint8) (uint32, error) {
	if err := checkEncodable(rt, r); err != nil {
		return 0, err
	}
	if !r.Access().CanWrite() {
		return 0, fmt.Errorf("sysreg: %s is read-only", r)
	}
	return msrBase | r.Encoding().fields() | uint32(rt), nil
}

func checkEncodable(rt uint8, r Reg) error {
	if rt > 31 {
		return fmt.Errorf("sysreg: invalid transfer register x%d", rt)
	}
	if !r.Valid() {
		return fmt.Errorf("sysreg: unknown register %s", r)
	}
	if !r.Encoding().IsRegister() {
		return fmt.Errorf("sysreg: %s is not an MRS/MSR register", r)
	}
	return nil
}

var byEncoding = func() map[Encoding][]Reg {
	m := make(map[Encoding][]Reg)
	for _, r := range All() {
		enc := r.Encoding()
		m[enc] = append(m[enc], r)
	}
	return m
}()

// Lookup returns the register selected by enc for an access in the given
// direction. Registers that share an encoding are resolved by direction.
func Lookup(enc Encoding, read bool) (Reg, bool) {
	for _, r := range byEncoding[enc] {
		if read && r.Access().CanRead() || !read && r.Access().CanWrite() {
			return r, true
		}
	}
	// A register exists at this encoding but not in this direction.
	if regs := byEncoding[enc]; len(regs) > 0 {
		return regs[0], false
	}
	return RegInvalid, false
}
