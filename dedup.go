package dgr

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	dedupCapacity = 1 << 18
	dedupFPRate   = 1e-5
)

// dupFilter 识别重复收到的消息，两代布隆过滤器按窗口轮换
type dupFilter struct {
	mu       sync.Mutex
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
	window   time.Duration
	rotated  time.Time
	now      func() time.Time
}

func newDupFilter(window time.Duration) *dupFilter {
	return &dupFilter{
		current:  bloom.NewWithEstimates(dedupCapacity, dedupFPRate),
		previous: bloom.NewWithEstimates(dedupCapacity, dedupFPRate),
		window:   window,
		rotated:  time.Now(),
		now:      time.Now,
	}
}

func dupKey(from string, id CapsuleID) []byte {
	key := make([]byte, capsuleHeaderSize, capsuleHeaderSize+len(from))
	id.encode(key)
	return append(key, from...)
}

// seen 记录 (from, id)，之前出现过则返回 true
func (f *dupFilter) seen(from string, id CapsuleID) bool {
	key := dupKey(from, id)

	f.mu.Lock()
	defer f.mu.Unlock()
	if now := f.now(); now.Sub(f.rotated) >= f.window {
		f.previous, f.current = f.current, f.previous
		f.current.ClearAll()
		if now.Sub(f.rotated) >= 2*f.window {
			// 空闲超过两个窗口，两代都已过期
			f.previous.ClearAll()
		}
		f.rotated = now
	}
	if f.previous.Test(key) {
		f.current.Add(key)
		return true
	}
	return f.current.TestAndAdd(key)
}
