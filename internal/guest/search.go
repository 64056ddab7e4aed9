package guest

import (
	"bytes"
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// ErrNotFound is returned when no window in the searched range matches.
var ErrNotFound = errors.New("guest: no match")

// Matcher decides whether a window of guest memory matches.
type Matcher interface {
	// Len is the window size in bytes.
	Len() int
	Match(window []byte) bool
}

// Pattern matches an exact byte sequence.
type Pattern []byte

func (p Pattern) Len() int                 { return len(p) }
func (p Pattern) Match(window []byte) bool { return bytes.Equal(p, window) }

// Predicate matches a fixed-size window with a function.
type Predicate struct {
	Size int
	Fn   func(window []byte) bool
}

func (p Predicate) Len() int                 { return p.Size }
func (p Predicate) Match(window []byte) bool { return p.Fn(window) }

// Progress is called as a search advances with the number of bytes of the
// range covered so far and the total.
type Progress func(done, total uint64)

// Search returns the lowest guest virtual address in [start, end) that is a
// multiple of align and whose window matches m.
//
// A window is compared only if its bytes are physically contiguous: the
// first and last byte, and every page boundary between them, must translate
// and agree with a single linear run. When they do not, the search resumes
// at the first aligned address past the break, since every window that
// starts before it crosses the same break.
func (s *Space) Search(start, end uint64, m Matcher, align uint64, progress Progress) (uint64, error) {
	n := uint64(m.Len())
	if n == 0 {
		return 0, fmt.Errorf("guest: empty matcher")
	}
	if align == 0 {
		align = 1
	}
	total := end - start
	window := make([]byte, n)

	report := func(va uint64) {
		if progress != nil {
			progress(min(va, end)-start, total)
		}
	}

	va, ok := alignUp(start, align)
	lastReport := va
	for ok && va < end && end-va >= n {
		if va-lastReport >= hostarch.PageSize {
			report(va)
			lastReport = va
		}

		resume, err := s.contiguous(va, n)
		if err != nil {
			if resume <= va {
				resume = va + align
			}
			if va, ok = alignUp(resume, align); !ok {
				break
			}
			continue
		}

		pa, _ := s.Translator.Translate(va)
		if _, err := s.Memory.ReadAt(window, int64(pa)); err == nil && m.Match(window) {
			report(end)
			return va, nil
		}
		next := va + align
		if next < va {
			break
		}
		va = next
	}
	report(end)
	return 0, fmt.Errorf("guest: search [%#x, %#x): %w", start, end, ErrNotFound)
}

// contiguous checks that [va, va+n) maps to one linear physical run. On
// failure it returns the first address a later window may start at without
// hitting the same break.
func (s *Space) contiguous(va, n uint64) (uint64, error) {
	first, err := s.Translator.Translate(va)
	if err != nil {
		return pageAfter(va), err
	}
	last := va + n - 1
	for p := pageAfter(va); p != 0 && p <= last; p += hostarch.PageSize {
		pa, err := s.Translator.Translate(p)
		if err != nil {
			return pageAfter(p), err
		}
		if pa != first+(p-va) {
			return p, errDiscontiguous
		}
	}
	pa, err := s.Translator.Translate(last)
	if err != nil {
		return pageAfter(last), err
	}
	if pa != first+(last-va) {
		return uint64(hostarch.Addr(last).RoundDown()), errDiscontiguous
	}
	return va, nil
}

var errDiscontiguous = errors.New("guest: window is not physically contiguous")

// pageAfter returns the first page boundary above va, or 0 on overflow.
func pageAfter(va uint64) uint64 {
	up, ok := hostarch.Addr(va + 1).RoundUp()
	if !ok {
		return 0
	}
	return uint64(up)
}

func alignUp(v, align uint64) (uint64, bool) {
	r := v % align
	if r == 0 {
		return v, true
	}
	up := v + (align - r)
	return up, up > v
}
