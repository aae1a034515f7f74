package bucketheap

import (
	"math/bits"
)

// Size classes over usable bytes (area size minus header). The first 15
// buckets are exact 8-byte classes from 16 (the free-list link size) to 128.
// Above that, each power-of-two octave is cut into 8 linear sub-buckets, so
// class spacing widens with size: a few percent of over-allocation buys a
// short bucket array and a cheap bitmap scan instead of a sorted-list walk.
const (
	smallSizeMax     = 128
	smallSizeStep    = 8
	numSmallBuckets  = (smallSizeMax-int(minFreeUsable))/smallSizeStep + 1 // 15
	bucketsPerOctave = 8
	octaveShift      = 3 // log2(bucketsPerOctave)
	firstOctaveLog   = 7 // 128
	numOctaves       = 16
	numBuckets       = numSmallBuckets + numOctaves*bucketsPerOctave
)

// allocBucket rounds a requested usable size up to the next class threshold
// and returns the class index plus the rounded size. Every free area linked
// into the returned bucket is guaranteed to hold at least rounded bytes.
func allocBucket(size uintptr) (int, uintptr) {
	if size < minFreeUsable {
		size = minFreeUsable
	}
	if size <= smallSizeMax {
		rounded := (size + smallSizeStep - 1) &^ (smallSizeStep - 1)
		return int((rounded - minFreeUsable) / smallSizeStep), rounded
	}
	log := bits.Len(uint(size-1)) - 1
	step := uintptr(1) << (log - octaveShift)
	rounded := (size + step - 1) &^ (step - 1)
	sub := int((rounded - uintptr(1)<<log) / step)
	return numSmallBuckets + (log-firstOctaveLog)*bucketsPerOctave + sub - 1, rounded
}

// freeBucket classifies an existing free area by rounding its usable size
// down to the nearest class threshold. Rounding down here is what keeps the
// allocBucket minimum-size guarantee honest: an area must never be credited
// to a class whose floor it does not actually satisfy.
func freeBucket(size uintptr) int {
	if size <= smallSizeMax {
		return int((size&^(smallSizeStep-1) - minFreeUsable) / smallSizeStep)
	}
	log := bits.Len(uint(size)) - 1
	step := uintptr(1) << (log - octaveShift)
	down := size &^ (step - 1)
	sub := int((down - uintptr(1)<<log) / step)
	return numSmallBuckets + (log-firstOctaveLog)*bucketsPerOctave + sub - 1
}

// bucketMinSize is the usable-size floor of a class, the inverse of the
// threshold math above.
func bucketMinSize(bucket int) uintptr {
	if bucket < numSmallBuckets {
		return minFreeUsable + uintptr(bucket)*smallSizeStep
	}
	oct := (bucket - numSmallBuckets) / bucketsPerOctave
	sub := (bucket-numSmallBuckets)%bucketsPerOctave + 1
	log := firstOctaveLog + oct
	return uintptr(1)<<log + uintptr(sub)<<(log-octaveShift)
}
