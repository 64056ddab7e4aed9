// Package alloc hands out whole pages from the monitor's static page pool.
package alloc

import (
	"errors"
	"fmt"
	"sync"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// PageSize is the translation granule the monitor runs with.
const PageSize = hostarch.PageSize

var (
	ErrNoMemory     = errors.New("alloc: out of memory")
	ErrInvalidCount = errors.New("alloc: page count must be positive")
)

// Option configures an Allocator at construction time.
type Option func(*Allocator)

// WithLocker serializes Allocate with l. Without it the allocator is not safe
// for use from more than one core.
func WithLocker(l sync.Locker) Option {
	return func(a *Allocator) { a.mu = l }
}

// WithImage records the bounds of the monitor's own loaded image.
func WithImage(start, end uint64) Option {
	return func(a *Allocator) {
		a.imageStart = hostarch.Addr(start)
		a.imageEnd = hostarch.Addr(end)
	}
}

// Allocator is a bump allocator over a fixed pool. The cursor only moves
// forward, is always page aligned and never passes the end of the pool.
type Allocator struct {
	mu sync.Locker

	base   hostarch.Addr
	cursor hostarch.Addr
	end    hostarch.Addr

	imageStart hostarch.Addr
	imageEnd   hostarch.Addr
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// New creates an allocator over pages pages starting at the page-aligned
// address base.
func New(base uint64, pages int, opts ...Option) (*Allocator, error) {
	start := hostarch.Addr(base)
	if !start.IsPageAligned() {
		return nil, fmt.Errorf("alloc: pool base %#x is not page aligned", base)
	}
	if pages <= 0 {
		return nil, fmt.Errorf("alloc: pool of %d pages: %w", pages, ErrInvalidCount)
	}
	end, ok := start.AddLength(uint64(pages) * PageSize)
	if !ok {
		return nil, fmt.Errorf("alloc: pool [%#x, +%d pages) wraps the address space", base, pages)
	}

	a := &Allocator{
		mu:     nopLocker{},
		base:   start,
		cursor: start,
		end:    end,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Allocate returns the address of pages contiguous, page-aligned pages. When
// the pool cannot satisfy the whole request it returns ErrNoMemory and the
// cursor does not move.
func (a *Allocator) Allocate(pages int) (uint64, error) {
	if pages <= 0 {
		return 0, ErrInvalidCount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	remaining := uint64(a.end - a.cursor)
	if uint64(pages) > remaining/PageSize {
		return 0, fmt.Errorf("alloc: %d pages requested, %d left: %w", pages, remaining/PageSize, ErrNoMemory)
	}

	addr := a.cursor
	a.cursor += hostarch.Addr(uint64(pages) * PageSize)
	return uint64(addr), nil
}

// Used returns the number of pages handed out so far.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(uint64(a.cursor-a.base) / PageSize)
}

// Free returns the number of pages still available.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(uint64(a.end-a.cursor) / PageSize)
}

// Bounds returns the pool as [start, end).
func (a *Allocator) Bounds() (start, end uint64) {
	return uint64(a.base), uint64(a.end)
}

// InImage reports whether addr lies within the monitor image rounded out to
// 2 MB blocks, the granule the translation tables map it with.
func (a *Allocator) InImage(addr uint64) bool {
	if a.imageEnd <= a.imageStart {
		return false
	}
	start := a.imageStart.HugeRoundDown()
	end, ok := a.imageEnd.HugeRoundUp()
	if !ok {
		return hostarch.Addr(addr) >= start
	}
	return hostarch.Addr(addr) >= start && hostarch.Addr(addr) < end
}

// InImageExact reports whether addr lies within the exact image bounds.
func (a *Allocator) InImageExact(addr uint64) bool {
	return hostarch.Addr(addr) >= a.imageStart && hostarch.Addr(addr) < a.imageEnd
}
