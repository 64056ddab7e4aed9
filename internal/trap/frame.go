// Package trap defines the register frame saved by the EL2 exception vector
// and the interface of the code it calls.
package trap

import (
	"fmt"
	"strings"

	"github.com/tinyrange/partmon/internal/sysreg"
)

// Source is the vector group an exception was taken through.
type Source uint8

const (
	CurrentELSP0 Source = iota
	CurrentELSPx
	LowerELAArch64
	LowerELAArch32
)

func (s Source) String() string {
	switch s {
	case CurrentELSP0:
		return "current EL with SP0"
	case CurrentELSPx:
		return "current EL with SPx"
	case LowerELAArch64:
		return "lower EL using AArch64"
	case LowerELAArch32:
		return "lower EL using AArch32"
	default:
		return fmt.Sprintf("source(%d)", uint8(s))
	}
}

// Kind is the exception type within a vector group.
type Kind uint8

const (
	Synchronous Kind = iota
	IRQ
	FIQ
	SError
)

func (k Kind) String() string {
	switch k {
	case Synchronous:
		return "synchronous"
	case IRQ:
		return "IRQ"
	case FIQ:
		return "FIQ"
	case SError:
		return "SError"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Vector identifies one of the sixteen vector table entries.
type Vector struct {
	Source Source
	Kind   Kind
}

// Offset returns the entry's offset from VBAR_EL2.
func (v Vector) Offset() uint64 {
	return uint64(v.Source)*0x200 + uint64(v.Kind)*0x80
}

func (v Vector) String() string {
	return fmt.Sprintf("%s from %s", v.Kind, v.Source)
}

// VectorTableSize is the size and required alignment of VBAR_EL2.
const VectorTableSize = 0x800

// Frame is the state of the trapped core. Handlers mutate it in place; the
// vector restores it before ERET.
type Frame struct {
	X    [31]uint64
	SP   uint64 // SP_EL1
	ELR  uint64
	SPSR uint64
	ESR  uint64
	FAR  uint64

	Vector Vector
}

// Reg returns general purpose register n, where 31 reads as zero.
func (f *Frame) Reg(n uint8) uint64 {
	if n >= 31 {
		return 0
	}
	return f.X[n]
}

// SetReg writes general purpose register n. Writes to 31 are discarded.
func (f *Frame) SetReg(n uint8, v uint64) {
	if n < 31 {
		f.X[n] = v
	}
}

// Dump formats every register, four per line.
func (f *Frame) Dump() string {
	var b strings.Builder
	for i, v := range f.X {
		fmt.Fprintf(&b, "x%-2d=%016x", i, v)
		if i%4 == 3 {
			b.WriteByte('\n')
		} else {
			b.WriteByte(' ')
		}
	}
	fmt.Fprintf(&b, "sp =%016x\n", f.SP)
	fmt.Fprintf(&b, "elr=%016x spsr=%016x esr=%016x far=%016x", f.ELR, f.SPSR, f.ESR, f.FAR)
	return b.String()
}

// Handler is the code the vector calls for every exception. A non-nil error
// means the core must not return to the guest.
type Handler interface {
	HandleTrap(acc sysreg.Accessor, f *Frame) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(acc sysreg.Accessor, f *Frame) error

func (fn HandlerFunc) HandleTrap(acc sysreg.Accessor, f *Frame) error { return fn(acc, f) }
