package sim

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Memory is simulated RAM backed by an anonymous host mapping. Offsets
// passed to ReadAt and WriteAt are physical addresses.
type Memory struct {
	base uint64
	mem  []byte
}

// NewMemory maps size bytes of RAM at physical address base.
func NewMemory(base, size uint64) (*Memory, error) {
	if size == 0 {
		return nil, fmt.Errorf("sim: memory size must be non-zero")
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("sim: map %d bytes of RAM: %w", size, err)
	}
	return &Memory{base: base, mem: mem}, nil
}

// Base returns the physical address of the first byte.
func (m *Memory) Base() uint64 { return m.base }

// Size returns the size of RAM in bytes.
func (m *Memory) Size() uint64 { return uint64(len(m.mem)) }

// Contains reports whether [pa, pa+n) is entirely inside RAM.
func (m *Memory) Contains(pa uint64, n int) bool {
	return pa >= m.base && pa-m.base <= uint64(len(m.mem)) && uint64(n) <= uint64(len(m.mem))-(pa-m.base)
}

func (m *Memory) slice(pa uint64, n int) ([]byte, error) {
	if !m.Contains(pa, n) {
		return nil, fmt.Errorf("sim: physical range [%#x, +%d) is outside RAM [%#x, %#x)", pa, n, m.base, m.base+m.Size())
	}
	off := pa - m.base
	return m.mem[off : off+uint64(n)], nil
}

func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	b, err := m.slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	b, err := m.slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// Read64 reads a little-endian word at pa.
func (m *Memory) Read64(pa uint64) (uint64, error) {
	b, err := m.slice(pa, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write64 stores a little-endian word at pa.
func (m *Memory) Write64(pa, v uint64) error {
	b, err := m.slice(pa, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (m *Memory) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

var (
	_ io.ReaderAt = (*Memory)(nil)
	_ io.WriterAt = (*Memory)(nil)
	_ io.Closer   = (*Memory)(nil)
)
