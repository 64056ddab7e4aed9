package pagetable

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/bits"
)

// Descriptor is one 64-bit stage-1 translation table entry.
type Descriptor uint64

// Descriptor bits for the VMSAv8-64 long-descriptor format.
const (
	DescValid = 1 << 0
	// DescTable distinguishes a table descriptor from a block descriptor at
	// level 1 and 2.
	DescTable = 1 << 1

	descAttrIndxShift = 2
	descAttrIndxMask  = 0x7

	DescAPRW    = 0 << 6 // read/write at the owning level
	DescSHInner = 3 << 8 // inner shareable
	DescAF      = 1 << 10

	tableOutputMask = 0x0000_FFFF_FFFF_F000
	blockOutputMask = 0x0000_FFFF_FFE0_0000
)

// TableDescriptor points a level-1 entry at the next level table at pa.
func TableDescriptor(pa uint64) Descriptor {
	return Descriptor(pa&tableOutputMask | DescValid | DescTable)
}

// BlockDescriptor maps the 2 MB block at pa with the MAIR attribute index
// attrIndex.
func BlockDescriptor(pa uint64, attrIndex int) Descriptor {
	return Descriptor(pa&blockOutputMask |
		uint64(attrIndex&descAttrIndxMask)<<descAttrIndxShift |
		DescAF | DescSHInner | DescAPRW | DescValid)
}

func (d Descriptor) Valid() bool { return bits.IsOn64(uint64(d), DescValid) }

func (d Descriptor) IsTable() bool { return bits.IsOn64(uint64(d), DescValid|DescTable) }

func (d Descriptor) IsBlock() bool { return d.Valid() && !bits.IsAnyOn64(uint64(d), DescTable) }

// Output returns the physical address the descriptor refers to.
func (d Descriptor) Output() uint64 {
	if d.IsTable() {
		return uint64(d) & tableOutputMask
	}
	return uint64(d) & blockOutputMask
}

// AttrIndex returns the MAIR attribute index of a block descriptor.
func (d Descriptor) AttrIndex() int {
	return int(uint64(d)>>descAttrIndxShift) & descAttrIndxMask
}

func (d Descriptor) String() string {
	switch {
	case d.IsTable():
		return fmt.Sprintf("table(%#x)", d.Output())
	case d.IsBlock():
		return fmt.Sprintf("block(%#x attr=%d)", d.Output(), d.AttrIndex())
	default:
		return "invalid"
	}
}

// MAIR attribute encodings the builder requires.
const (
	MAIRNormalWriteBack = 0xFF
	MAIRDeviceNGnRnE    = 0x00
)

// MAIRIndex returns the first attribute index in mair holding attr.
func MAIRIndex(mair uint64, attr uint8) (int, bool) {
	for i := 0; i < 8; i++ {
		if uint8(mair>>(8*i)) == attr {
			return i, true
		}
	}
	return 0, false
}
