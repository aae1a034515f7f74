package bucketheap

import (
	"unsafe"
)

//go:linkname memmove runtime.memmove
//go:noescape
func memmove(dst, src unsafe.Pointer, size uintptr)

const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB
)

// PageProvider supplies page-granular memory to the heap. Requests are always
// whole-page; returned base addresses must be page-aligned. FreePages may be
// called with any page-aligned sub-range of a previous allocation (Trim
// releases pages from the edge of a live range). Implementations are called
// with the heap lock held and must not re-enter the heap.
type PageProvider interface {
	// AllocPages maps n contiguous pages and returns their base address.
	AllocPages(n int) (unsafe.Pointer, error)
	// FreePages unmaps n pages starting at base.
	FreePages(base unsafe.Pointer, n int) error
	// PageSize is the provider's page granularity, a power of two.
	PageSize() uintptr
}
