package sim

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// MMIODevice is a device model occupying [Base, Base+Size) of the register
// window.
type MMIODevice interface {
	Base() uint64
	Size() uint64
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// Bus routes physical accesses to RAM or to a device.
type Bus struct {
	ram *Memory

	mu      sync.RWMutex
	devices []MMIODevice
}

// NewBus returns a bus with ram and no devices.
func NewBus(ram *Memory) *Bus {
	return &Bus{ram: ram}
}

// AddDevice attaches dev. Device ranges must not overlap RAM or each other.
func (b *Bus) AddDevice(dev MMIODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	start, end := dev.Base(), dev.Base()+dev.Size()
	if start < b.ram.Base()+b.ram.Size() && b.ram.Base() < end {
		return fmt.Errorf("sim: device [%#x, %#x) overlaps RAM", start, end)
	}
	for _, other := range b.devices {
		if start < other.Base()+other.Size() && other.Base() < end {
			return fmt.Errorf("sim: device [%#x, %#x) overlaps device at %#x", start, end, other.Base())
		}
	}
	b.devices = append(b.devices, dev)
	return nil
}

func (b *Bus) device(pa uint64, n int) (MMIODevice, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, dev := range b.devices {
		if pa >= dev.Base() && pa+uint64(n) <= dev.Base()+dev.Size() {
			return dev, true
		}
	}
	return nil, false
}

func (b *Bus) ReadAt(p []byte, off int64) (int, error) {
	pa := uint64(off)
	if b.ram.Contains(pa, len(p)) {
		return b.ram.ReadAt(p, off)
	}
	if dev, ok := b.device(pa, len(p)); ok {
		if err := dev.ReadMMIO(pa, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return 0, fmt.Errorf("sim: bus read of [%#x, +%d): no memory or device", pa, len(p))
}

func (b *Bus) WriteAt(p []byte, off int64) (int, error) {
	pa := uint64(off)
	if b.ram.Contains(pa, len(p)) {
		return b.ram.WriteAt(p, off)
	}
	if dev, ok := b.device(pa, len(p)); ok {
		if err := dev.WriteMMIO(pa, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return 0, fmt.Errorf("sim: bus write of [%#x, +%d): no memory or device", pa, len(p))
}

// Read32 and Write32 give drivers register access. Bus errors read as all
// ones and drop writes, as an unclaimed address does on the interconnect.
func (b *Bus) Read32(pa uint64) uint32 {
	var buf [4]byte
	if _, err := b.ReadAt(buf[:], int64(pa)); err != nil {
		return ^uint32(0)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (b *Bus) Write32(pa uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = b.WriteAt(buf[:], int64(pa))
}

var (
	_ io.ReaderAt = (*Bus)(nil)
	_ io.WriterAt = (*Bus)(nil)
)
