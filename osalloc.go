package bucketheap

import (
	"unsafe"

	"go.uber.org/zap"
)

// One OS allocation is a page-aligned, page-multiple range delimited by a
// start sentinel (allocated, header-only, null back link) and an end sentinel
// (allocated, size zero). The sentinels are never free, so coalescing can
// never walk across an OS-allocation boundary.

// grow obtains an OS allocation whose interior covers at least minBytes
// (including the interior header), wraps it in sentinels and either links the
// interior into the registry or, on the large path, returns it allocated and
// tags the start sentinel so the range is never cached.
func (h *Heap) grow(minBytes uintptr, large bool) (*memoryArea, error) {
	mapBytes := (minBytes + 2*areaHeaderSize + h.pageSize - 1) &^ (h.pageSize - 1)

	var base unsafe.Pointer
	if !large && h.spare != nil {
		if h.spareBytes >= mapBytes {
			base, mapBytes = h.spare, h.spareBytes
			h.spare, h.spareBytes = nil, 0
			h.log.Debug("reusing cached os allocation",
				zap.Uint64("bytes", uint64(mapBytes)))
		} else {
			if err := h.provider.FreePages(h.spare, int(h.spareBytes/h.pageSize)); err == nil {
				h.totalSize -= h.spareBytes
			} else {
				h.log.Error("returning cached os allocation failed", zap.Error(err))
			}
			h.spare, h.spareBytes = nil, 0
		}
	}
	if base == nil {
		b, err := h.provider.AllocPages(int(mapBytes / h.pageSize))
		if err != nil {
			return nil, ErrOutOfMemory
		}
		base = b
		h.totalSize += mapBytes
		h.log.Debug("heap grown",
			zap.Uint64("bytes", uint64(mapBytes)), zap.Bool("large", large))
	}

	start := (*memoryArea)(base)
	start.prevLink = 0
	if large {
		start.prevLink = flagLargeStart
	}
	start.size = areaHeaderSize

	inner := start.next()
	inner.prevLink = 0
	inner.setPrev(start)
	inner.size = mapBytes - 2*areaHeaderSize

	end := inner.next()
	end.prevLink = 0
	end.setPrev(inner)
	end.size = 0

	if large {
		return inner, nil
	}
	h.regis.link(inner)
	return inner, nil
}

// growForAlloc grows the heap for a normal-path request of rounded usable
// bytes. The target starts at the geometric nextGrow and, when the provider
// refuses, backs off by the configured divisor down to the request itself
// before giving up.
func (h *Heap) growForAlloc(rounded uintptr) error {
	need := rounded + areaHeaderSize
	want := h.nextGrow
	if want > h.config.LargeThreshold {
		want = h.config.LargeThreshold
	}
	if want < need {
		// The request always wins over the cap, or the fresh interior could
		// come up short of the bucket being refilled.
		want = need
	}
	for {
		if _, err := h.grow(want, false); err == nil {
			if h.nextGrow < h.config.LargeThreshold {
				h.nextGrow *= 2
				if h.nextGrow > h.config.LargeThreshold {
					h.nextGrow = h.config.LargeThreshold
				}
			}
			return nil
		}
		if want <= need {
			return ErrOutOfMemory
		}
		want /= h.config.GrowthBackoff
		if want < need {
			want = need
		}
	}
}

// returnOrCache disposes of a fully free OS allocation. A non-large range is
// retained whole as the single spare when the slot is empty; everything else
// goes straight back to the provider.
func (h *Heap) returnOrCache(start *memoryArea, bytes uintptr) {
	base := unsafe.Pointer(start)
	if h.spare == nil && !start.isLargeStart() {
		// Tag the cached interior free, without linking it, so a stray second
		// Free of a pointer into this range still trips the double-free
		// check. grow rewrites the headers when the spare is reused.
		start.next().prevLink |= flagFree
		h.spare, h.spareBytes = base, bytes
		h.log.Debug("caching os allocation", zap.Uint64("bytes", uint64(bytes)))
		return
	}
	if err := h.provider.FreePages(base, int(bytes/h.pageSize)); err != nil {
		h.log.Error("returning os allocation failed", zap.Error(err))
		return
	}
	h.totalSize -= bytes
	h.log.Debug("os allocation returned", zap.Uint64("bytes", uint64(bytes)))
}
