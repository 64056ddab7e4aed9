// Package dump exposes a raw physical memory dump file as guest physical
// memory so the scanner can run offline.
package dump

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var ErrReadOnly = errors.New("dump: opened read-only")

// Options configures Open.
type Options struct {
	// Base is the physical address of the first byte of the file.
	Base uint64
	// Writable maps the file shared so writes reach the file on disk.
	Writable bool
}

// File is a memory-mapped dump. Offsets passed to ReadAt and WriteAt are
// physical addresses.
type File struct {
	base     uint64
	mem      []byte
	writable bool
}

// Open maps the dump at path.
func Open(path string, opts Options) (*File, error) {
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if opts.Writable {
		flag, prot = os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("dump: open %s: %w", path, err)
	}
	// The mapping outlives the descriptor.
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("dump: stat %s: %w", path, err)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("dump: %s is empty", path)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("dump: map %s: %w", path, err)
	}
	return &File{base: opts.Base, mem: mem, writable: opts.Writable}, nil
}

// Base returns the physical address of the first byte.
func (d *File) Base() uint64 { return d.base }

// Size returns the size of the dump in bytes.
func (d *File) Size() uint64 { return uint64(len(d.mem)) }

func (d *File) slice(off int64, n int) ([]byte, error) {
	pa := uint64(off)
	if off < 0 || pa < d.base || pa-d.base > uint64(len(d.mem)) || uint64(n) > uint64(len(d.mem))-(pa-d.base) {
		return nil, fmt.Errorf("dump: [%#x, +%d) outside [%#x, %#x): %w", pa, n, d.base, d.base+d.Size(), io.ErrUnexpectedEOF)
	}
	start := pa - d.base
	return d.mem[start : start+uint64(n)], nil
}

func (d *File) ReadAt(p []byte, off int64) (int, error) {
	b, err := d.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

func (d *File) WriteAt(p []byte, off int64) (int, error) {
	if !d.writable {
		return 0, ErrReadOnly
	}
	b, err := d.slice(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(b, p), nil
}

// Close flushes a writable mapping and unmaps the dump.
func (d *File) Close() error {
	if d.mem == nil {
		return nil
	}
	if d.writable {
		if err := unix.Msync(d.mem, unix.MS_SYNC); err != nil {
			return fmt.Errorf("dump: sync: %w", err)
		}
	}
	err := unix.Munmap(d.mem)
	d.mem = nil
	return err
}

var (
	_ io.ReaderAt = (*File)(nil)
	_ io.WriterAt = (*File)(nil)
	_ io.Closer   = (*File)(nil)
)
