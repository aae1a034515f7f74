// Package mmpages provides heap pages out of one anonymous memory mapping,
// keeping the heap's backing store off the Go garbage-collected heap.
package mmpages

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/edsrzf/mmap-go"
)

var (
	ErrNoPages       = errors.New("mmpages: out of pages")
	ErrRangeNotOwned = errors.New("mmpages: page range was not allocated")
)

// Memory maps one anonymous region up front and carves it into pages with a
// one-bit-per-page occupancy map and first-fit search. Freed pages stay
// mapped and are simply handed out again.
type Memory struct {
	region   mmap.MMap
	base     unsafe.Pointer
	pageSize uintptr
	npages   int
	inUse    []uint64
	free     int
}

func NewMemory(npages int, pageSize uintptr) (*Memory, error) {
	region, err := mmap.MapRegion(nil, npages*int(pageSize), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, err
	}
	base := unsafe.Pointer(&region[0])
	if uintptr(base)%pageSize != 0 {
		_ = region.Unmap()
		return nil, fmt.Errorf("mmpages: mapping base %#x not aligned to %d", uintptr(base), pageSize)
	}
	return &Memory{
		region:   region,
		base:     base,
		pageSize: pageSize,
		npages:   npages,
		inUse:    make([]uint64, (npages+63)/64),
		free:     npages,
	}, nil
}

// Close unmaps the region. The owning heap must not be used afterwards.
func (m *Memory) Close() error {
	return m.region.Unmap()
}

func (m *Memory) PageSize() uintptr {
	return m.pageSize
}

func (m *Memory) AllocPages(n int) (unsafe.Pointer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("mmpages: bad page count %d", n)
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
