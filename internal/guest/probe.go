// Package guest identifies the guest kernel build by scanning its memory for
// the kernel debugger data block and applies a one-instruction patch to it.
//
// Everything here reads guest memory through guest virtual addresses. On a
// live core those are translated with AT S1E1R; offline they are translated
// against a dump.
package guest

import (
	"errors"
	"fmt"

	"github.com/tinyrange/partmon/internal/sysreg"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// The initial loader mapping. Kernel images and the debugger data block are
// mapped here early in boot.
const (
	LoaderMappingStart = 0xFFFF_F800_0000_0000
	LoaderMappingEnd   = 0xFFFF_F810_0000_0000
)

// InLoaderMapping reports whether va lies in the initial loader mapping.
func InLoaderMapping(va uint64) bool {
	return va >= LoaderMappingStart && va < LoaderMappingEnd
}

// ErrInvalid is returned for a guest virtual address that does not
// translate.
var ErrInvalid = errors.New("guest: address does not translate")

// Probe translates va with AT S1E1R on the calling core. PAR_EL1 is restored
// afterwards whether or not the translation succeeded, so a translation the
// guest had in flight is not disturbed.
func Probe(acc sysreg.Accessor, va uint64) (uint64, error) {
	saved := acc.Read(sysreg.PAR_EL1)
	acc.AddressTranslate(sysreg.ATS1E1R, va)
	acc.ISB()
	par := acc.Read(sysreg.PAR_EL1)
	acc.Write(sysreg.PAR_EL1, saved)

	if par&sysreg.PARF != 0 {
		return 0, fmt.Errorf("guest: probe %#x: %w", va, ErrInvalid)
	}
	return par&sysreg.PARPAMask | hostarch.Addr(va).PageOffset(), nil
}

// Translator maps guest virtual addresses to physical addresses.
type Translator interface {
	Translate(va uint64) (uint64, error)
}

// ATTranslator translates on a live core with Probe.
type ATTranslator struct {
	Acc sysreg.Accessor
}

func (t ATTranslator) Translate(va uint64) (uint64, error) { return Probe(t.Acc, va) }

// LinearTranslator maps [VirtBase, VirtBase+Size) onto physical memory at
// PhysBase. It describes a dump of one contiguous guest range.
type LinearTranslator struct {
	VirtBase uint64
	PhysBase uint64
	Size     uint64
}

func (t LinearTranslator) Translate(va uint64) (uint64, error) {
	if va < t.VirtBase || va-t.VirtBase >= t.Size {
		return 0, fmt.Errorf("guest: %#x outside [%#x, %#x): %w", va, t.VirtBase, t.VirtBase+t.Size, ErrInvalid)
	}
	return va - t.VirtBase + t.PhysBase, nil
}
