package bucketheap

import (
	"unsafe"

	"go.uber.org/zap"
)

// Trim walks every bucket whose size floor is at least one page and returns
// whole pages at OS-allocation edges to the provider. A free area touching
// the end sentinel is shrunk from its tail, one touching the start sentinel
// from its head; the boundary sentinel is re-formed at the new edge and any
// usable slack goes back into its bucket. Areas smaller than a page are
// never even inspected.
func (h *Heap) Trim() {
	h.locker.Lock()
	defer h.locker.Unlock()

	start, _ := allocBucket(h.pageSize)
	for b := start; b < numBuckets; b++ {
		fa := h.regis.buckets[b]
		for fa != nil {
			next := fa.nextFree
			h.trimArea(&fa.memoryArea)
			fa = next
		}
	}
}

func (h *Heap) trimArea(area *memoryArea) {
	if area.next().isEndSentinel() {
		h.trimTail(area)
		return
	}
	if left := area.prev(); left != nil && left.isStartSentinel() && !left.isLargeStart() {
		h.trimHead(area)
	}
}

// trimTail releases the page-aligned tail of a free area that runs up to the
// end sentinel of its OS allocation. Retained layout after the cut:
// [residual free area?][end sentinel][released pages...]. A residual must be
// either empty or big enough to carry free-list links.
func (h *Heap) trimTail(area *memoryArea) {
	ps := h.pageSize
	start := uintptr(unsafe.Pointer(area))
	osEnd := start + area.size + areaHeaderSize // end sentinel included

	releaseStart := (start + areaHeaderSize + ps - 1) &^ (ps - 1)
	if r := releaseStart - areaHeaderSize - start; r != 0 && r < freeAreaSize {
		releaseStart += ps
	}
	if releaseStart+ps > osEnd {
		return
	}

	h.regis.unlinkArea(area.asFree())
	residual := releaseStart - areaHeaderSize - start
	sentinel := (*memoryArea)(unsafe.Pointer(releaseStart - areaHeaderSize))
	if residual > 0 {
		area.size = residual
		sentinel.prevLink = 0
		sentinel.setPrev(area)
		sentinel.size = 0
		h.regis.link(area)
	} else {
		// The area's own header becomes the new end sentinel; its back link
		// already points at the right neighbor.
		area.size = 0
	}

	released := osEnd - releaseStart
	if err := h.provider.FreePages(unsafe.Pointer(releaseStart), int(released/ps)); err != nil {
		h.log.Error("trim page release failed", zap.Error(err))
		return
	}
	h.totalSize -= released
	h.log.Debug("trimmed tail pages", zap.Uint64("bytes", uint64(released)))
}

// trimHead releases the page-aligned head of a free area that starts right
// after the start sentinel of its OS allocation. Retained layout after the
// cut: [released pages...][start sentinel][residual free area?][neighbor].
func (h *Heap) trimHead(area *memoryArea) {
	ps := h.pageSize
	osBase := uintptr(unsafe.Pointer(area)) - areaHeaderSize
	end := uintptr(unsafe.Pointer(area)) + area.size

	releaseEnd := (end - areaHeaderSize) &^ (ps - 1)
	if r := end - releaseEnd - areaHeaderSize; r != 0 && r < freeAreaSize {
		releaseEnd -= ps
	}
	if releaseEnd < osBase+ps {
		return
	}

	h.regis.unlinkArea(area.asFree())
	residual := end - releaseEnd - areaHeaderSize
	sentinel := (*memoryArea)(unsafe.Pointer(releaseEnd))
	sentinel.prevLink = 0
	sentinel.size = areaHeaderSize
	neighbor := (*memoryArea)(unsafe.Pointer(end))
	if residual > 0 {
		res := sentinel.next()
		res.prevLink = 0
		res.setPrev(sentinel)
		res.size = residual
		neighbor.setPrev(res)
		h.regis.link(res)
	} else {
		neighbor.setPrev(sentinel)
	}

	released := releaseEnd - osBase
	if err := h.provider.FreePages(unsafe.Pointer(osBase), int(released/ps)); err != nil {
		h.log.Error("trim page release failed", zap.Error(err))
		return
	}
	h.totalSize -= released
	h.log.Debug("trimmed head pages", zap.Uint64("bytes", uint64(released)))
}
