package guest

import (
	"encoding/binary"
	"fmt"
	"io"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// PhysicalMemory is the physical address space guest memory lives in.
type PhysicalMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Space is a guest virtual address space.
type Space struct {
	Translator Translator
	Memory     PhysicalMemory
}

// ReadAt fills p from guest virtual address va, translating each page
// separately.
func (s *Space) ReadAt(p []byte, va uint64) error {
	for len(p) > 0 {
		pa, err := s.Translator.Translate(va)
		if err != nil {
			return err
		}
		n := int(hostarch.PageSize - hostarch.Addr(va).PageOffset())
		if n > len(p) {
			n = len(p)
		}
		if _, err := s.Memory.ReadAt(p[:n], int64(pa)); err != nil {
			return fmt.Errorf("guest: read %#x (pa %#x): %w", va, pa, err)
		}
		p = p[n:]
		va += uint64(n)
	}
	return nil
}

// WriteAt stores p at guest virtual address va, translating each page
// separately.
func (s *Space) WriteAt(p []byte, va uint64) error {
	for len(p) > 0 {
		pa, err := s.Translator.Translate(va)
		if err != nil {
			return err
		}
		n := int(hostarch.PageSize - hostarch.Addr(va).PageOffset())
		if n > len(p) {
			n = len(p)
		}
		if _, err := s.Memory.WriteAt(p[:n], int64(pa)); err != nil {
			return fmt.Errorf("guest: write %#x (pa %#x): %w", va, pa, err)
		}
		p = p[n:]
		va += uint64(n)
	}
	return nil
}

// Read32 reads a little-endian word at va.
func (s *Space) Read32(va uint64) (uint32, error) {
	var b [4]byte
	if err := s.ReadAt(b[:], va); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Read64 reads a little-endian doubleword at va.
func (s *Space) Read64(va uint64) (uint64, error) {
	var b [8]byte
	if err := s.ReadAt(b[:], va); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
