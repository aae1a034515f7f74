package bucketheap

import (
	"math/bits"
	"unsafe"
)

const bitmapWords = (numBuckets + 63) / 64

// freeRegistry is the bucket array plus a one-bit-per-bucket occupancy bitmap
// for "first non-empty bucket at or above N" scans. freeBytes tracks exactly
// the usable bytes of the areas currently linked; the cached spare OS
// allocation is never in here and never counted. All operations require the
// heap lock to be held.
type freeRegistry struct {
	buckets   [numBuckets]*freeArea
	bitmap    [bitmapWords]uint64
	freeBytes uintptr
}

// link classifies the area with free rounding and pushes it onto the bucket
// head. Sets the FREE tag; the overlay links are only valid from here on.
func (r *freeRegistry) link(area *memoryArea) {
	b := freeBucket(area.usable())
	if b < 0 || b >= numBuckets {
		panic("bucketheap: corrupted area size in link")
	}
	area.prevLink |= flagFree
	fa := (*freeArea)(unsafe.Pointer(area))
	fa.prevFree = nil
	fa.nextFree = r.buckets[b]
	if fa.nextFree != nil {
		fa.nextFree.prevFree = fa
	}
	r.buckets[b] = fa
	r.bitmap[b>>6] |= 1 << (uint(b) & 63)
	r.freeBytes += area.usable()
}

// unlink splices the area out of bucket b and clears its FREE tag.
func (r *freeRegistry) unlink(fa *freeArea, b int) {
	if fa.prevFree != nil {
		fa.prevFree.nextFree = fa.nextFree
	} else {
		r.buckets[b] = fa.nextFree
	}
	if fa.nextFree != nil {
		fa.nextFree.prevFree = fa.prevFree
	}
	if r.buckets[b] == nil {
		r.bitmap[b>>6] &^= 1 << (uint(b) & 63)
	}
	fa.nextFree = nil
	fa.prevFree = nil
	fa.prevLink &^= flagFree
	r.freeBytes -= fa.usable()
}

// unlinkArea recomputes the bucket from the area size; the classification is
// deterministic, so a linked area is always found where link put it.
func (r *freeRegistry) unlinkArea(fa *freeArea) {
	r.unlink(fa, freeBucket(fa.usable()))
}

// findFirst returns the index of the first non-empty bucket at or above
// start, or -1 when every higher bucket is empty.
func (r *freeRegistry) findFirst(start int) int {
	word := start >> 6
	mask := ^uint64(0) << (uint(start) & 63)
	for ; word < bitmapWords; word++ {
		if v := r.bitmap[word] & mask; v != 0 {
			return word<<6 + bits.TrailingZeros64(v)
		}
		mask = ^uint64(0)
	}
	return -1
}
