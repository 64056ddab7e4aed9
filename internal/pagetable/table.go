// Package pagetable builds the monitor's two-level stage-1 translation table
// over physical memory and the SoC register window.
//
// Nodes live in an arena and are addressed by physical address; nothing in
// the table holds a Go pointer to another node. The table is materialised into
// physical memory with WriteTo before it is installed.
package pagetable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/partmon/internal/sysreg"
	"gvisor.dev/gvisor/pkg/hostarch"
)

const (
	EntriesPerTable = 512
	NodeSize        = EntriesPerTable * 8

	l1Shift = 30
	l2Shift = 21

	// BlockSize is the size mapped by one level-2 block descriptor.
	BlockSize = 1 << l2Shift

	// inputBits is the input address size implied by T0SZ=32.
	inputBits     = 32
	supportedT0SZ = 64 - inputBits
)

var (
	// ErrPrecondition reports a translation configuration the builder does
	// not implement.
	ErrPrecondition = errors.New("pagetable: unsupported translation configuration")
	// ErrInsufficientResources reports that a table node could not be
	// allocated. Nodes allocated before the failure are not returned.
	ErrInsufficientResources = errors.New("pagetable: insufficient resources")
	ErrUnmapped              = errors.New("pagetable: address not mapped")
)

// PageAllocator supplies page-aligned physical pages for table nodes.
type PageAllocator interface {
	Allocate(pages int) (uint64, error)
}

// Config is the captured translation configuration and the platform range to
// cover.
type Config struct {
	TCR  uint64
	MAIR uint64

	// Blocks in [RegisterWindowBase, RegisterWindowEnd) are device memory;
	// everything in [0, RegisterWindowBase) is normal memory.
	RegisterWindowBase uint64
	RegisterWindowEnd  uint64
}

func (c Config) validate() error {
	if t0sz := c.TCR & sysreg.TCRT0SZMask; t0sz != supportedT0SZ {
		return fmt.Errorf("pagetable: T0SZ=%d, want %d: %w", t0sz, supportedT0SZ, ErrPrecondition)
	}
	if tg0 := (c.TCR >> sysreg.TCRTG0Shift) & sysreg.TCRTG0Mask; tg0 != sysreg.TCRTG0Size4K {
		return fmt.Errorf("pagetable: TG0=%d is not the 4K granule: %w", tg0, ErrPrecondition)
	}
	if _, ok := MAIRIndex(c.MAIR, MAIRNormalWriteBack); !ok {
		return fmt.Errorf("pagetable: MAIR %#x has no normal write-back attribute: %w", c.MAIR, ErrPrecondition)
	}
	if _, ok := MAIRIndex(c.MAIR, MAIRDeviceNGnRnE); !ok {
		return fmt.Errorf("pagetable: MAIR %#x has no device attribute: %w", c.MAIR, ErrPrecondition)
	}
	base, end := hostarch.Addr(c.RegisterWindowBase), hostarch.Addr(c.RegisterWindowEnd)
	if base.HugeRoundDown() != base || end.HugeRoundDown() != end {
		return fmt.Errorf("pagetable: register window [%#x, %#x) is not 2MB aligned: %w", c.RegisterWindowBase, c.RegisterWindowEnd, ErrPrecondition)
	}
	if base >= end {
		return fmt.Errorf("pagetable: empty register window [%#x, %#x): %w", c.RegisterWindowBase, c.RegisterWindowEnd, ErrPrecondition)
	}
	if uint64(end) > 1<<inputBits {
		return fmt.Errorf("pagetable: register window end %#x exceeds the %d-bit input range: %w", c.RegisterWindowEnd, inputBits, ErrPrecondition)
	}
	return nil
}

type node [EntriesPerTable]Descriptor

// Table is a built translation table. It is never resized after Build.
type Table struct {
	nodes []*node
	// phys[i] is the physical address nodes[i] is materialised at.
	phys  []uint64
	index map[uint64]int

	mair       uint64
	normalAttr int
	deviceAttr int
	end        uint64
}

// Build allocates and populates a table covering [0, cfg.RegisterWindowEnd)
// in 2 MB blocks. The level-1 node is allocated first and becomes the root.
func Build(cfg Config, a PageAllocator) (*Table, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	normal, _ := MAIRIndex(cfg.MAIR, MAIRNormalWriteBack)
	device, _ := MAIRIndex(cfg.MAIR, MAIRDeviceNGnRnE)

	t := &Table{
		index:      make(map[uint64]int),
		mair:       cfg.MAIR,
		normalAttr: normal,
		deviceAttr: device,
		end:        cfg.RegisterWindowEnd,
	}
	if _, err := t.newNode(a); err != nil {
		return nil, err
	}
	root := t.nodes[0]

	for pa := uint64(0); pa < cfg.RegisterWindowEnd; pa += BlockSize {
		slot := pa >> l1Shift
		var l2 *node
		if d := root[slot]; d.IsTable() {
			idx, ok := t.indexOf(d.Output())
			if !ok {
				return nil, fmt.Errorf("pagetable: level-1 slot %d points at unknown node %#x", slot, d.Output())
			}
			l2 = t.nodes[idx]
		} else {
			idx, err := t.newNode(a)
			if err != nil {
				return nil, err
			}
			root[slot] = TableDescriptor(t.physOf(idx))
			l2 = t.nodes[idx]
		}

		attr := normal
		if pa >= cfg.RegisterWindowBase {
			attr = device
		}
		l2[(pa>>l2Shift)%EntriesPerTable] = BlockDescriptor(pa, attr)
	}
	return t, nil
}

func (t *Table) newNode(a PageAllocator) (int, error) {
	pa, err := a.Allocate(1)
	if err != nil {
		return 0, fmt.Errorf("pagetable: allocate node %d: %w: %w", len(t.nodes), ErrInsufficientResources, err)
	}
	idx := len(t.nodes)
	t.nodes = append(t.nodes, new(node))
	t.phys = append(t.phys, pa)
	t.index[pa] = idx
	return idx, nil
}

func (t *Table) indexOf(pa uint64) (int, bool) {
	idx, ok := t.index[pa]
	return idx, ok
}

func (t *Table) physOf(idx int) uint64 {
	return t.phys[idx]
}

// RootPhysical returns the physical address of the level-1 node, the value
// written to TTBR0_EL2.
func (t *Table) RootPhysical() uint64 { return t.physOf(0) }

// Nodes returns the number of table nodes allocated.
func (t *Table) Nodes() int { return len(t.nodes) }

// End returns the first address not covered by the table.
func (t *Table) End() uint64 { return t.end }

// Lookup walks the table for pa and returns the level-2 block descriptor.
func (t *Table) Lookup(pa uint64) (Descriptor, error) {
	if pa >= t.end {
		return 0, fmt.Errorf("pagetable: %#x: %w", pa, ErrUnmapped)
	}
	l1 := t.nodes[0][pa>>l1Shift]
	if !l1.IsTable() {
		return 0, fmt.Errorf("pagetable: %#x: level-1 %s: %w", pa, l1, ErrUnmapped)
	}
	idx, ok := t.indexOf(l1.Output())
	if !ok {
		return 0, fmt.Errorf("pagetable: %#x: unknown node %#x", pa, l1.Output())
	}
	d := t.nodes[idx][(pa>>l2Shift)%EntriesPerTable]
	if !d.IsBlock() {
		return 0, fmt.Errorf("pagetable: %#x: level-2 %s: %w", pa, d, ErrUnmapped)
	}
	return d, nil
}

// Resolve returns the memory type pa is mapped with.
func (t *Table) Resolve(pa uint64) (hostarch.MemoryType, error) {
	d, err := t.Lookup(pa)
	if err != nil {
		return 0, err
	}
	switch d.AttrIndex() {
	case t.normalAttr:
		return hostarch.MemoryTypeWriteBack, nil
	case t.deviceAttr:
		return hostarch.MemoryTypeUncached, nil
	default:
		return 0, fmt.Errorf("pagetable: %#x: unexpected attribute index %d", pa, d.AttrIndex())
	}
}

// Mapping is a run of consecutive blocks with the same memory type.
type Mapping struct {
	Base uint64
	Size uint64
	Type hostarch.MemoryType
}

// Mappings returns the covered range coalesced by memory type.
func (t *Table) Mappings() []Mapping {
	var out []Mapping
	for pa := uint64(0); pa < t.end; pa += BlockSize {
		mt, err := t.Resolve(pa)
		if err != nil {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Type == mt && out[n-1].Base+out[n-1].Size == pa {
			out[n-1].Size += BlockSize
			continue
		}
		out = append(out, Mapping{Base: pa, Size: BlockSize, Type: mt})
	}
	return out
}

// WriteTo stores every node little-endian at its physical address.
func (t *Table) WriteTo(w io.WriterAt) error {
	buf := make([]byte, NodeSize)
	for i, n := range t.nodes {
		for j, d := range n {
			binary.LittleEndian.PutUint64(buf[j*8:], uint64(d))
		}
		if _, err := w.WriteAt(buf, int64(t.physOf(i))); err != nil {
			return fmt.Errorf("pagetable: write node %d at %#x: %w", i, t.physOf(i), err)
		}
	}
	return nil
}

// Install makes t the active EL2 translation table. The sequence is DSB,
// write TTBR0_EL2, ISB, TLBI ALLE2, DSB, ISB.
func (t *Table) Install(acc sysreg.Accessor) {
	acc.DSB()
	acc.Write(sysreg.TTBR0_EL2, t.RootPhysical())
	acc.ISB()
	acc.InvalidateTLB(sysreg.TLBIAllE2)
	acc.DSB()
	acc.ISB()
}
