// Package platform describes the physical memory layout of the SoC the
// monitor runs on.
package platform

import (
	"fmt"
	"sync"
)

// Region is a named physical range [Base, Base+Size).
type Region struct {
	Name string
	Base uint64
	Size uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

// Layout is the SoC's physical address map: RAM from RAMBase, the monitor's
// own image inside RAM, and the device register window at the top of the
// mapped range.
type Layout struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	windowBase uint64
	windowEnd  uint64

	image Region

	// fixedRegions holds device regions registered inside the register
	// window (UART, interrupt controller, ...).
	fixedRegions []Region
}

// NewLayout validates and returns a layout. RAM must end at or below the
// register window and the window must be 2 MB aligned on both ends.
func NewLayout(ramBase, ramSize, windowBase, windowEnd uint64) (*Layout, error) {
	const blockSize = 2 << 20

	if ramSize == 0 {
		return nil, fmt.Errorf("platform: RAM size must be non-zero")
	}
	if windowEnd <= windowBase {
		return nil, fmt.Errorf("platform: register window [0x%x-0x%x) is empty", windowBase, windowEnd)
	}
	if windowBase%blockSize != 0 || windowEnd%blockSize != 0 {
		return nil, fmt.Errorf("platform: register window [0x%x-0x%x) is not 2MB aligned", windowBase, windowEnd)
	}
	if ramBase+ramSize > windowBase {
		return nil, fmt.Errorf("platform: RAM [0x%x-0x%x) overlaps register window at 0x%x",
			ramBase, ramBase+ramSize, windowBase)
	}
	return &Layout{
		ramBase:    ramBase,
		ramSize:    ramSize,
		windowBase: windowBase,
		windowEnd:  windowEnd,
	}, nil
}

// SetImage records where the monitor image was loaded. The image must lie
// inside RAM.
func (l *Layout) SetImage(base, size uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	img := Region{Name: "monitor", Base: base, Size: size}
	if size == 0 {
		return fmt.Errorf("platform: monitor image is empty")
	}
	if base < l.ramBase || img.End() > l.ramBase+l.ramSize {
		return fmt.Errorf("platform: monitor image [0x%x-0x%x) is outside RAM [0x%x-0x%x)",
			base, img.End(), l.ramBase, l.ramBase+l.ramSize)
	}
	l.image = img
	return nil
}

// RegisterFixed registers a device region. It must fall inside the register
// window and must not overlap a region registered earlier.
func (l *Layout) RegisterFixed(name string, base, size uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if size == 0 {
		return fmt.Errorf("platform: cannot register zero-size fixed region %s", name)
	}

	regionEnd := base + size
	if base < l.windowBase || regionEnd > l.windowEnd {
		return fmt.Errorf("platform: fixed region %s [0x%x-0x%x) is outside register window [0x%x-0x%x)",
			name, base, regionEnd, l.windowBase, l.windowEnd)
	}
	for _, r := range l.fixedRegions {
		if base < r.End() && regionEnd > r.Base {
			return fmt.Errorf("platform: fixed region %s [0x%x-0x%x) overlaps %s [0x%x-0x%x)",
				name, base, regionEnd, r.Name, r.Base, r.End())
		}
	}

	l.fixedRegions = append(l.fixedRegions, Region{Name: name, Base: base, Size: size})
	return nil
}

// FixedRegions returns a copy of all fixed regions.
func (l *Layout) FixedRegions() []Region {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]Region, len(l.fixedRegions))
	copy(result, l.fixedRegions)
	return result
}

// FixedRegion returns the fixed region registered under name.
func (l *Layout) FixedRegion(name string) (Region, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, r := range l.fixedRegions {
		if r.Name == name {
			return r, true
		}
	}
	return Region{}, false
}

// RAM returns the RAM region.
func (l *Layout) RAM() Region {
	return Region{Name: "ram", Base: l.ramBase, Size: l.ramSize}
}

// Image returns the monitor image region, if one was set.
func (l *Layout) Image() Region {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.image
}

// RegisterWindowBase returns the first address of the device window.
func (l *Layout) RegisterWindowBase() uint64 { return l.windowBase }

// RegisterWindowEnd returns the first address after the device window. The
// translation tables cover [0, RegisterWindowEnd).
func (l *Layout) RegisterWindowEnd() uint64 { return l.windowEnd }

// IsDevice reports whether addr lies inside the register window.
func (l *Layout) IsDevice(addr uint64) bool {
	return addr >= l.windowBase && addr < l.windowEnd
}
