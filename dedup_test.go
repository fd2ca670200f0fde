package dgr

import (
	"testing"
	"time"

	"gotest.tools/assert"
)

func TestDupFilter(t *testing.T) {
	now := time.Unix(5000, 0)
	f := newDupFilter(time.Minute)
	f.now = func() time.Time { return now }
	f.rotated = now

	id := CapsuleID{Time: 5000, Seq: 1}
	assert.Assert(t, !f.seen("10.0.0.1:4556", id))
	assert.Assert(t, f.seen("10.0.0.1:4556", id))
	// 不同来源的相同 id 不是重复
	assert.Assert(t, !f.seen("10.0.0.2:4556", id))

	// 一个窗口后仍然记得
	now = now.Add(time.Minute)
	assert.Assert(t, f.seen("10.0.0.1:4556", id))

	// 两个窗口没有再出现就忘记
	now = now.Add(time.Minute)
	assert.Assert(t, f.seen("10.0.0.1:4556", id))
	now = now.Add(3 * time.Minute)
	assert.Assert(t, !f.seen("10.0.0.1:4556", id))
}
