package bucketheap

import (
	"sync"

	"go.uber.org/zap"
)

type Config struct {
	// LargeThreshold is the total area size (payload plus header) at or above
	// which a request bypasses the buckets and gets a dedicated OS allocation.
	// It also caps the geometric growth of normal-path OS allocations. Values
	// above the top size-class floor (8 MiB) are clamped to it, since an area
	// bigger than the top class could never be linked.
	LargeThreshold uintptr
	// InitialGrowth is the interior size of the OS allocation created by New.
	InitialGrowth uintptr
	// GrowthBackoff divides the growth target after a failed OS request, down
	// to the rounded request size, before the heap reports ErrOutOfMemory.
	GrowthBackoff uintptr
	// Locker guards every heap operation. Defaults to a sync.Mutex; pass
	// NopLocker() when the embedder serializes access itself.
	Locker Locker
	// Logger receives OS-boundary events (grow, cache, return, trim) at debug
	// level. Defaults to a nop logger. It must not allocate from this heap.
	Logger *zap.Logger
}

func DefaultConfig() *Config {
	return &Config{
		LargeThreshold: 4 * MB,
		InitialGrowth:  64 * KB,
		GrowthBackoff:  2,
	}
}

func mergeConfig(c *Config) *Config {
	def := DefaultConfig()
	if c == nil {
		c = def
	}
	merged := *c
	if merged.LargeThreshold == 0 {
		merged.LargeThreshold = def.LargeThreshold
	}
	if top := bucketMinSize(numBuckets - 1); merged.LargeThreshold > top {
		merged.LargeThreshold = top
	}
	if merged.InitialGrowth == 0 {
		merged.InitialGrowth = def.InitialGrowth
	}
	if merged.GrowthBackoff < 2 {
		merged.GrowthBackoff = def.GrowthBackoff
	}
	if merged.Locker == nil {
		merged.Locker = &sync.Mutex{}
	}
	if merged.Logger == nil {
		merged.Logger = zap.NewNop()
	}
	return &merged
}
