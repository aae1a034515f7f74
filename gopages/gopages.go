// Package gopages provides heap pages out of a fixed-capacity Go byte slice.
// Capacity is bounded at construction, which also makes it the provider of
// choice for deterministic out-of-memory tests.
package gopages

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	ErrNoPages       = errors.New("gopages: out of pages")
	ErrRangeNotOwned = errors.New("gopages: page range was not allocated")
)

// Memory hands out page runs from one slice, tracking occupancy with a
// one-bit-per-page map and first-fit search. Pages may be freed in any
// page-aligned sub-range of an earlier allocation.
type Memory struct {
	mem      []byte // keeps the backing array alive
	base     unsafe.Pointer
	pageSize uintptr
	npages   int
	inUse    []uint64
	free     int
}

func NewMemory(npages int, pageSize uintptr) *Memory {
	total := uintptr(npages) * pageSize
	mem := make([]byte, total+pageSize)
	base := unsafe.Pointer(&mem[0])
	if off := uintptr(base) % pageSize; off != 0 {
		base = unsafe.Add(base, pageSize-off)
	}
	return &Memory{
		mem:      mem,
		base:     base,
		pageSize: pageSize,
		npages:   npages,
		inUse:    make([]uint64, (npages+63)/64),
		free:     npages,
	}
}

func (m *Memory) PageSize() uintptr {
	return m.pageSize
}

// FreePageCount is the number of pages currently available.
func (m *Memory) FreePageCount() int {
	return m.free
}

func (m *Memory) AllocPages(n int) (unsafe.Pointer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("gopages: bad page count %d", n)
	}
	if n > m.free {
		return nil, ErrNoPages
	}
	run := 0
	for i := 0; i < m.npages; i++ {
		if m.used(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			first := i - n + 1
			for p := first; p <= i; p++ {
				m.setUsed(p, true)
			}
			m.free -= n
			return unsafe.Add(m.base, uintptr(first)*m.pageSize), nil
		}
	}
	return nil, ErrNoPages
}

func (m *Memory) FreePages(base unsafe.Pointer, n int) error {
	off := uintptr(base) - uintptr(m.base)
	if off%m.pageSize != 0 {
		return ErrRangeNotOwned
	}
	first := int(off / m.pageSize)
	if first < 0 || first+n > m.npages {
		return ErrRangeNotOwned
	}
	for p := first; p < first+n; p++ {
		if !m.used(p) {
			return ErrRangeNotOwned
		}
	}
	for p := first; p < first+n; p++ {
		m.setUsed(p, false)
	}
	m.free += n
	return nil
}

func (m *Memory) used(p int) bool {
	return m.inUse[p>>6]&(1<<(uint(p)&63)) != 0
}

func (m *Memory) setUsed(p int, v bool) {
	if v {
		m.inUse[p>>6] |= 1 << (uint(p) & 63)
	} else {
		m.inUse[p>>6] &^= 1 << (uint(p) & 63)
	}
}
