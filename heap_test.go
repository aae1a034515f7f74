package bucketheap

import (
	"testing"
	"unsafe"

	"github.com/memkit/bucketheap/gopages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

// recordingProvider wraps a provider and tracks the live page ranges so tests
// can walk every OS allocation in address order.
type recordingProvider struct {
	inner      PageProvider
	ranges     map[uintptr]int // base -> pages
	allocCalls int
	freeCalls  int
}

func newRecordingProvider(npages int) *recordingProvider {
	return &recordingProvider{
		inner:  gopages.NewMemory(npages, testPageSize),
		ranges: make(map[uintptr]int),
	}
}

func (p *recordingProvider) PageSize() uintptr {
	return p.inner.PageSize()
}

func (p *recordingProvider) AllocPages(n int) (unsafe.Pointer, error) {
	base, err := p.inner.AllocPages(n)
	if err != nil {
		return nil, err
	}
	p.allocCalls++
	p.ranges[uintptr(base)] = n
	return base, nil
}

func (p *recordingProvider) FreePages(base unsafe.Pointer, n int) error {
	if err := p.inner.FreePages(base, n); err != nil {
		return err
	}
	p.freeCalls++
	lo := uintptr(base)
	hi := lo + uintptr(n)*testPageSize
	for rb, rn := range p.ranges {
		re := rb + uintptr(rn)*testPageSize
		if lo < rb || hi > re {
			continue
		}
		delete(p.ranges, rb)
		if lo > rb {
			p.ranges[rb] = int((lo - rb) / testPageSize)
		}
		if hi < re {
			p.ranges[hi] = int((re - hi) / testPageSize)
		}
		return nil
	}
	return nil
}

func newTestHeap(t *testing.T, npages int, config *Config) (*Heap, *recordingProvider) {
	t.Helper()
	prov := newRecordingProvider(npages)
	h, err := New(prov, config)
	require.NoError(t, err)
	return h, prov
}

// walkMapping walks one OS allocation in address order, checking sentinel
// shape, back links and the no-adjacent-free invariant. Returns the usable
// bytes of the free areas it saw.
func walkMapping(t *testing.T, base uintptr, pages int) uintptr {
	t.Helper()
	a := (*memoryArea)(unsafe.Pointer(base))
	require.True(t, a.isStartSentinel(), "mapping does not begin with a start sentinel")
	require.Equal(t, areaHeaderSize, a.size)

	end := base + uintptr(pages)*testPageSize
	var freeUsable uintptr
	var prev *memoryArea
	prevFree := false
	for {
		if prev != nil {
			require.Equal(t, prev, a.prev(), "broken back link at %#x", uintptr(unsafe.Pointer(a)))
		}
		if a.isEndSentinel() {
			require.False(t, a.isFree())
			require.Equal(t, end, uintptr(unsafe.Pointer(a))+areaHeaderSize, "end sentinel not at mapping end")
			return freeUsable
		}
		if a.isFree() {
			require.False(t, prevFree, "two adjacent free areas at %#x", uintptr(unsafe.Pointer(a)))
			freeUsable += a.usable()
		}
		prevFree = a.isFree()
		prev = a
		a = a.next()
		require.Less(t, uintptr(unsafe.Pointer(a)), end, "area walk ran past mapping end")
	}
}

// checkHeap walks every live mapping and cross-checks the registry counter.
func checkHeap(t *testing.T, h *Heap, prov *recordingProvider) {
	t.Helper()
	var freeUsable uintptr
	for base, pages := range prov.ranges {
		if h.spare != nil && base == uintptr(h.spare) {
			// The cached spare sits outside the registry; its interior is
			// free-tagged only to catch stray frees.
			continue
		}
		freeUsable += walkMapping(t, base, pages)
	}
	require.Equal(t, h.regis.freeBytes, freeUsable, "freeBytes does not match walked free areas")
}

func TestAllocZero(t *testing.T) {
	h, _ := newTestHeap(t, 64, nil)
	p, err := h.Alloc(0)
	assert.NoError(t, err)
	assert.Nil(t, p)
	h.Free(nil) // no-op
}

func TestAllocFreeRoundTrip(t *testing.T) {
	h, prov := newTestHeap(t, 64, nil)

	// Guard keeps the mapping from becoming fully free (and cached) on Free.
	guard, err := h.Alloc(32)
	require.NoError(t, err)

	total0, free0 := h.Info()

	p1, err := h.Alloc(64)
	require.NoError(t, err)
	require.NotNil(t, p1)
	_, free1 := h.Info()
	assert.Less(t, free1, free0)

	h.Free(p1)
	total2, free2 := h.Info()
	assert.Equal(t, total0, total2)
	assert.Equal(t, free0, free2)

	// Exact bucket reuse: with no other activity the same address comes back.
	p2, err := h.Alloc(64)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	h.Free(p2)
	h.Free(guard)
	checkHeap(t, h, prov)
}

func TestAllocSufficiency(t *testing.T) {
	h, prov := newTestHeap(t, 256, nil)
	sizes := []uintptr{1, 8, 16, 100, 128, 129, 1000, 4096, 10000, 65000}
	ptrs := make([]unsafe.Pointer, 0, len(sizes))
	for _, size := range sizes {
		p, err := h.Alloc(size)
		require.NoError(t, err)
		require.GreaterOrEqual(t, areaOf(p).usable(), size)
		// Touch every requested byte.
		b := unsafe.Slice((*byte)(p), size)
		for i := range b {
			b[i] = byte(i)
		}
		ptrs = append(ptrs, p)
	}
	checkHeap(t, h, prov)
	for _, p := range ptrs {
		h.Free(p)
	}
	checkHeap(t, h, prov)
}

func TestDoubleFreePanics(t *testing.T) {
	h, _ := newTestHeap(t, 64, nil)
	p, err := h.Alloc(64)
	require.NoError(t, err)
	h.Free(p)
	// The free collapsed the whole mapping into the cached spare; a second
	// free of the same pointer must still be caught.
	require.NotNil(t, h.spare)
	assert.Panics(t, func() {
		h.Free(p)
	})
}

func TestDoubleFreeWithSpareOccupied(t *testing.T) {
	h, prov := newTestHeap(t, 4096, nil)

	p1, err := h.Alloc(256 * KB)
	require.NoError(t, err)
	p2, err := h.Alloc(512 * KB)
	require.NoError(t, err)

	h.Free(p1)
	require.NotNil(t, h.spare)

	// With the spare slot already taken, a repeated free of p1 must panic
	// instead of handing the spare's live pages back to the provider.
	freeCalls := prov.freeCalls
	assert.Panics(t, func() {
		h.Free(p1)
	})
	assert.Equal(t, freeCalls, prov.freeCalls)

	h.Free(p2)
	checkHeap(t, h, prov)
}

func TestAllocAligned(t *testing.T) {
	h, prov := newTestHeap(t, 4096, nil)
	var ptrs []unsafe.Pointer
	for alignment := uintptr(16); alignment <= 16*KB; alignment *= 2 {
		p, err := h.AllocAligned(1000, alignment)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Zero(t, uintptr(p)%alignment, "alignment %d", alignment)
		b := unsafe.Slice((*byte)(p), 1000)
		for i := range b {
			b[i] = 0xa5
		}
		ptrs = append(ptrs, p)
	}
	checkHeap(t, h, prov)
	for _, p := range ptrs {
		h.Free(p)
	}
	checkHeap(t, h, prov)
}

func TestAllocAlignedShiftedLead(t *testing.T) {
	h, prov := newTestHeap(t, 64, nil)

	// A 24-byte guard leaves the next carve position at 8 mod 16, so the
	// leading slack of a 16-aligned request starts below the free-list
	// minimum and must be widened in steps.
	guard, err := h.Alloc(24)
	require.NoError(t, err)
	require.Equal(t, uintptr(8), uintptr(areaOf(guard).next().payload())%16)

	p, err := h.AllocAligned(100, 16)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Zero(t, uintptr(p)%16)

	b := unsafe.Slice((*byte)(p), 100)
	for i := range b {
		b[i] = byte(i)
	}
	checkHeap(t, h, prov)

	h.Free(p)
	h.Free(guard)
	checkHeap(t, h, prov)
}

func TestAllocAlignedErrors(t *testing.T) {
	h, _ := newTestHeap(t, 64, nil)
	_, err := h.AllocAligned(100, 24)
	assert.ErrorIs(t, err, ErrBadAlignment)

	p, err := h.AllocAligned(0, 64)
	assert.NoError(t, err)
	assert.Nil(t, p)

	// At or below word alignment this is a plain Alloc.
	p, err = h.AllocAligned(100, 8)
	require.NoError(t, err)
	require.NotNil(t, p)
	h.Free(p)
}

func TestRealloc(t *testing.T) {
	h, prov := newTestHeap(t, 256, nil)

	// nil behaves like Alloc.
	p, err := h.Realloc(nil, 100)
	require.NoError(t, err)
	require.NotNil(t, p)

	b := unsafe.Slice((*byte)(p), 100)
	for i := range b {
		b[i] = byte(i)
	}

	p2, err := h.Realloc(p, 5000)
	require.NoError(t, err)
	require.NotNil(t, p2)
	b2 := unsafe.Slice((*byte)(p2), 100)
	for i := range b2 {
		require.Equal(t, byte(i), b2[i], "byte %d lost in realloc", i)
	}

	// Shrinking still moves; the old prefix survives.
	p3, err := h.Realloc(p2, 10)
	require.NoError(t, err)
	b3 := unsafe.Slice((*byte)(p3), 10)
	for i := range b3 {
		require.Equal(t, byte(i), b3[i])
	}

	// Size zero frees and returns nil.
	p4, err := h.Realloc(p3, 0)
	assert.NoError(t, err)
	assert.Nil(t, p4)
	checkHeap(t, h, prov)
}

func TestReallocFreedPanics(t *testing.T) {
	h, _ := newTestHeap(t, 64, nil)
	p, err := h.Alloc(64)
	require.NoError(t, err)
	h.Free(p)
	assert.Panics(t, func() {
		_, _ = h.Realloc(p, 128)
	})
}

func TestLargeBypass(t *testing.T) {
	h, prov := newTestHeap(t, 4096, nil)
	total0, free0 := h.Info()

	p, err := h.Alloc(5 * MB)
	require.NoError(t, err)
	require.NotNil(t, p)

	area := areaOf(p)
	assert.True(t, area.prev().isLargeStart())
	assert.GreaterOrEqual(t, area.usable(), uintptr(5*MB))

	// The large range never touches the buckets.
	total1, free1 := h.Info()
	assert.Equal(t, free0, free1)
	assert.Greater(t, total1, total0)

	h.Free(p)
	total2, free2 := h.Info()
	assert.Equal(t, total0, total2, "large allocation must be returned, never cached")
	assert.Equal(t, free0, free2)
	checkHeap(t, h, prov)
}

func TestLargeThresholdClamped(t *testing.T) {
	h, prov := newTestHeap(t, 4096, &Config{LargeThreshold: 32 * MB})
	assert.Equal(t, bucketMinSize(numBuckets-1), h.config.LargeThreshold)

	// Past the top size class there is no bucket to link a remainder into,
	// so the request must take the large path regardless of the configured
	// threshold.
	p, err := h.Alloc(10 * MB)
	require.NoError(t, err)
	require.True(t, areaOf(p).prev().isLargeStart())

	h.Free(p)
	checkHeap(t, h, prov)
}

func TestSpareCache(t *testing.T) {
	h, prov := newTestHeap(t, 4096, nil)

	p, err := h.Alloc(256 * KB)
	require.NoError(t, err)
	growCalls := prov.allocCalls

	total0, _ := h.Info()
	h.Free(p)

	// Fully free OS allocation is retained as the spare, not returned.
	total1, _ := h.Info()
	assert.Equal(t, total0, total1)
	assert.Zero(t, prov.freeCalls)
	assert.NotNil(t, h.spare)

	// The next growth consumes the spare instead of asking the provider.
	p2, err := h.Alloc(256 * KB)
	require.NoError(t, err)
	assert.Equal(t, growCalls, prov.allocCalls)
	assert.Nil(t, h.spare)

	h.Free(p2)
	checkHeap(t, h, prov)
}

func TestSpareAtMostOne(t *testing.T) {
	h, prov := newTestHeap(t, 4096, nil)

	p1, err := h.Alloc(256 * KB)
	require.NoError(t, err)
	p2, err := h.Alloc(512 * KB)
	require.NoError(t, err)

	h.Free(p1)
	require.NotNil(t, h.spare)
	spare := h.spare
	total0, _ := h.Info()

	// Second fully free allocation finds the slot taken and goes back.
	h.Free(p2)
	assert.Equal(t, spare, h.spare)
	assert.Equal(t, 1, prov.freeCalls)
	total1, _ := h.Info()
	assert.Less(t, total1, total0)
	checkHeap(t, h, prov)
}

func TestOutOfMemory(t *testing.T) {
	h, prov := newTestHeap(t, 32, &Config{InitialGrowth: 16 * KB})

	var ptrs []unsafe.Pointer
	for {
		_, freeBefore := h.Info()
		p, err := h.Alloc(8 * KB)
		if err != nil {
			assert.ErrorIs(t, err, ErrOutOfMemory)
			assert.Nil(t, p)
			// A failed allocation leaves the accounting untouched.
			_, freeAfter := h.Info()
			assert.Equal(t, freeBefore, freeAfter)
			break
		}
		ptrs = append(ptrs, p)
		require.Less(t, len(ptrs), 100, "provider never ran out")
	}
	require.NotEmpty(t, ptrs)
	checkHeap(t, h, prov)

	// Everything is still freeable; afterwards only the spare remains owned.
	for _, p := range ptrs {
		h.Free(p)
	}
	total, free := h.Info()
	assert.Equal(t, h.spareBytes, total)
	assert.Zero(t, free)
	checkHeap(t, h, prov)
}

func TestNoAdjacentFreeAreas(t *testing.T) {
	h, prov := newTestHeap(t, 1024, nil)

	var ptrs []unsafe.Pointer
	for i := 0; i < 64; i++ {
		p, err := h.Alloc(uintptr(100 + i*37))
		require.NoError(t, err)
		ptrs = append(ptrs, p)
	}
	// Free every other one, then the rest, checking after each phase.
	for i := 0; i < len(ptrs); i += 2 {
		h.Free(ptrs[i])
	}
	checkHeap(t, h, prov)
	for i := 1; i < len(ptrs); i += 2 {
		h.Free(ptrs[i])
	}
	checkHeap(t, h, prov)
}
