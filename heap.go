package bucketheap

import (
	"unsafe"

	"go.uber.org/zap"
)

// Heap is a bucketed free-list allocator drawing page-granular memory from a
// PageProvider. One instance owns its pages exclusively; all operations are
// serialized by the configured Locker. A Heap is never torn down.
type Heap struct {
	config   *Config
	provider PageProvider
	locker   Locker
	log      *zap.Logger

	pageSize uintptr

	// totalSize is every byte currently owned from the provider, including
	// the cached spare. Mutated only by the OS-allocation lifecycle.
	totalSize uintptr

	// nextGrow is the interior size of the next normal-path growth, doubling
	// after each successful grow up to the large threshold.
	nextGrow uintptr

	// At most one fully free, non-large OS allocation is retained here
	// instead of being returned, to dampen alloc/free churn at the provider.
	spare      unsafe.Pointer
	spareBytes uintptr

	regis freeRegistry
}

// New creates a heap over the provider and performs the initial growth, so a
// returned heap can always serve small requests without touching the provider.
func New(provider PageProvider, config *Config) (*Heap, error) {
	cfg := mergeConfig(config)
	ps := provider.PageSize()
	if ps == 0 || ps&(ps-1) != 0 || ps < freeAreaSize+2*areaHeaderSize {
		return nil, ErrBadPageSize
	}
	h := &Heap{
		config:   cfg,
		provider: provider,
		locker:   cfg.Locker,
		log:      cfg.Logger,
		pageSize: ps,
		nextGrow: cfg.InitialGrowth,
	}
	if _, err := h.grow(cfg.InitialGrowth, false); err != nil {
		return nil, err
	}
	return h, nil
}

// Alloc returns a pointer to at least size usable bytes, aligned to 8.
// size 0 returns nil without error; ErrOutOfMemory means the provider could
// not supply pages even for the minimum growth.
func (h *Heap) Alloc(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}
	h.locker.Lock()
	defer h.locker.Unlock()
	return h.alloc(size)
}

func (h *Heap) alloc(size uintptr) (unsafe.Pointer, error) {
	if size+areaHeaderSize >= h.config.LargeThreshold {
		// Large path: a dedicated OS allocation, never in any bucket. The
		// interior area spans the whole page-rounded range.
		area, err := h.grow(size+areaHeaderSize, true)
		if err != nil {
			return nil, err
		}
		return area.payload(), nil
	}

	bucket, rounded := allocBucket(size)
	for {
		if b := h.regis.findFirst(bucket); b >= 0 {
			fa := h.regis.buckets[b]
			h.regis.unlink(fa, b)
			return h.carve(&fa.memoryArea, rounded), nil
		}
		if err := h.growForAlloc(rounded); err != nil {
			return nil, err
		}
	}
}

// carve takes an unlinked free area of sufficient size and cuts the rounded
// request out of its front. The leftover is split off as a new free area
// unless it is too small to hold free-list links or is a sliver below 1/64
// of the request, in which case the whole block is donated to the caller.
func (h *Heap) carve(area *memoryArea, rounded uintptr) unsafe.Pointer {
	need := rounded + areaHeaderSize
	if area.size < need {
		panic("bucketheap: bucket held an undersized area")
	}
	if leftover := area.size - need; leftover >= freeAreaSize && leftover > rounded/64 {
		rest := (*memoryArea)(unsafe.Add(unsafe.Pointer(area), need))
		rest.prevLink = 0
		rest.setPrev(area)
		rest.size = leftover
		area.size = need
		rest.next().setPrev(rest)
		h.regis.link(rest)
	}
	return area.payload()
}

// AllocAligned returns size usable bytes whose address is a multiple of
// alignment (a power of two). Alignments at or below the natural 8-byte
// alignment delegate to Alloc. The leading slack of the over-allocation is
// carved off and freed; trailing slack past size stays with the allocation
// and is returned to the heap only when the block is freed.
func (h *Heap) AllocAligned(size, alignment uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}
	if alignment&(alignment-1) != 0 {
		return nil, ErrBadAlignment
	}
	if alignment <= 8 {
		return h.Alloc(size)
	}
	h.locker.Lock()
	defer h.locker.Unlock()

	raw, err := h.alloc(size + alignment + areaHeaderSize + freeAreaSize)
	if err != nil {
		return nil, err
	}
	addr := uintptr(raw)
	aligned := (addr + alignment - 1) &^ (alignment - 1)
	if aligned == addr {
		return raw, nil
	}
	for aligned-addr < freeAreaSize {
		// The leading cut must be big enough to live on a free list; small
		// alignments may need more than one step. The over-allocation above
		// budgets for alignment plus a whole free-area header.
		aligned += alignment
	}

	lead := areaOf(raw)
	cut := (*memoryArea)(unsafe.Pointer(aligned - areaHeaderSize))
	cut.prevLink = 0
	cut.setPrev(lead)
	cut.size = lead.size - (aligned - addr)
	lead.size = aligned - addr
	cut.next().setPrev(cut)
	h.free(raw)
	return unsafe.Pointer(aligned), nil
}

// Free returns an allocation to the heap. Freeing nil is a no-op; freeing a
// pointer twice is a fatal heap corruption and panics.
func (h *Heap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h.locker.Lock()
	defer h.locker.Unlock()
	h.free(ptr)
}

func (h *Heap) free(ptr unsafe.Pointer) {
	area := areaOf(ptr)
	if area.isFree() {
		panic("bucketheap: double free")
	}
	if area.isEndSentinel() || area.isStartSentinel() {
		panic("bucketheap: free of a boundary sentinel")
	}
	right := area.next()
	if right.prev() != area {
		panic("bucketheap: corrupted neighbor link")
	}

	// Eager coalescing: after this returns, no two adjacent areas are free.
	merged := area
	if right.isFree() {
		rr := right.next()
		h.regis.unlinkArea(right.asFree())
		merged.size += right.size
		rr.setPrev(merged)
	}
	if left := merged.prev(); left != nil && left.isFree() {
		h.regis.unlinkArea(left.asFree())
		left.size += merged.size
		merged = left
		merged.next().setPrev(merged)
	}

	// An area bounded by both sentinels spans its entire OS allocation; hand
	// the whole range back to the lifecycle instead of linking it.
	leftN := merged.prev()
	rightN := merged.next()
	if leftN != nil && leftN.isStartSentinel() && rightN.isEndSentinel() {
		h.returnOrCache(leftN, areaHeaderSize+merged.size+areaHeaderSize)
		return
	}
	h.regis.link(merged)
}

// Realloc resizes an allocation by allocate-copy-free; there is no in-place
// path. A nil pointer behaves like Alloc; size 0 frees the pointer and
// returns nil. On ErrOutOfMemory the original allocation is left intact.
func (h *Heap) Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return h.Alloc(size)
	}
	h.locker.Lock()
	defer h.locker.Unlock()

	old := areaOf(ptr)
	if old.isFree() {
		panic("bucketheap: realloc of a freed pointer")
	}
	if size == 0 {
		h.free(ptr)
		return nil, nil
	}
	oldUsable := old.usable()
	np, err := h.alloc(size)
	if err != nil {
		return nil, err
	}
	n := oldUsable
	if size < n {
		n = size
	}
	memmove(np, ptr, n)
	h.free(ptr)
	return np, nil
}

// Info returns the bytes currently owned from the provider and the usable
// bytes sitting in buckets.
func (h *Heap) Info() (totalBytes, freeBytes uintptr) {
	h.locker.Lock()
	defer h.locker.Unlock()
	return h.totalSize, h.regis.freeBytes
}
