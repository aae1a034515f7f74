//go:build unix

// Package ospages provides heap pages straight from the operating system,
// one anonymous mapping per allocation. Partial frees unmap a sub-range of
// the original mapping, which is what Trim relies on.
package ospages

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type Memory struct {
	pageSize uintptr
}

func NewMemory() *Memory {
	return &Memory{pageSize: uintptr(os.Getpagesize())}
}

func (m *Memory) PageSize() uintptr {
	return m.pageSize
}

func (m *Memory) AllocPages(n int) (unsafe.Pointer, error) {
	if n <= 0 {
		return nil, fmt.Errorf("ospages: bad page count %d", n)
	}
	// MmapPtr rather than Mmap: the slice-based API refuses to unmap
	// anything but a whole registered mapping.
	return unix.MmapPtr(-1, 0, nil, uintptr(n)*m.pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (m *Memory) FreePages(base unsafe.Pointer, n int) error {
	return unix.MunmapPtr(base, uintptr(n)*m.pageSize)
}
