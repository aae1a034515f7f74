package bucketheap

import (
	"unsafe"
)

// Flag bits packed into the low bits of the back link. Every header is at
// least 8-byte aligned so the two low bits of the address are always zero.
const (
	flagFree       uintptr = 1 << 0 // area is linked into a bucket
	flagLargeStart uintptr = 1 << 1 // start sentinel of a large OS allocation
	flagMask               = flagFree | flagLargeStart
)

// memoryArea is the header prefixed to every contiguous area, free or
// allocated. prevLink carries the address of the immediately preceding area
// in the same OS allocation plus the flag bits; the address part is zero
// exactly on a start sentinel. size is the total byte length including the
// header itself; an end sentinel has size zero.
type memoryArea struct {
	prevLink uintptr
	size     uintptr
}

// freeArea overlays memoryArea while the area sits in a bucket. The two list
// links live in the first payload bytes, which is why every bucket class
// guarantees at least minFreeUsable usable bytes.
type freeArea struct {
	memoryArea
	nextFree *freeArea
	prevFree *freeArea
}

const (
	areaHeaderSize = unsafe.Sizeof(memoryArea{})
	freeAreaSize   = unsafe.Sizeof(freeArea{})
	minFreeUsable  = freeAreaSize - areaHeaderSize
)

func (a *memoryArea) prev() *memoryArea {
	p := a.prevLink &^ flagMask
	if p == 0 {
		return nil
	}
	return (*memoryArea)(unsafe.Pointer(p))
}

func (a *memoryArea) setPrev(p *memoryArea) {
	a.prevLink = uintptr(unsafe.Pointer(p)) | (a.prevLink & flagMask)
}

func (a *memoryArea) isFree() bool {
	return a.prevLink&flagFree != 0
}

func (a *memoryArea) isLargeStart() bool {
	return a.prevLink&flagLargeStart != 0
}

func (a *memoryArea) isStartSentinel() bool {
	return a.prevLink&^flagMask == 0
}

func (a *memoryArea) isEndSentinel() bool {
	return a.size == 0
}

// next returns the header immediately following this area. Not valid on an
// end sentinel.
func (a *memoryArea) next() *memoryArea {
	return (*memoryArea)(unsafe.Add(unsafe.Pointer(a), a.size))
}

func (a *memoryArea) usable() uintptr {
	return a.size - areaHeaderSize
}

func (a *memoryArea) payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(a), areaHeaderSize)
}

// asFree exposes the free-list overlay. The links are garbage unless the
// area is actually linked, so reading them through any other path is a bug.
func (a *memoryArea) asFree() *freeArea {
	if !a.isFree() {
		panic("bucketheap: free-list access to an allocated area")
	}
	return (*freeArea)(unsafe.Pointer(a))
}

// areaOf maps a payload pointer handed out by Alloc back to its header.
func areaOf(ptr unsafe.Pointer) *memoryArea {
	return (*memoryArea)(unsafe.Add(ptr, -int(areaHeaderSize)))
}
