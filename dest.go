package dgr

import (
	"sort"
	"sync"
	"time"
)

const (
	// 目的地表容量
	maxDests = 256
	// 哈希桶数量，取素数
	destBins = 257

	// 活跃度链表的两端
	noLessActive = -1
	noMoreActive = maxDests
)

// destination 远端地址的 RTT 与速率状态
type destination struct {
	key string // 地址，空表示槽位未使用

	// RTT 估计
	smoothed         time.Duration
	meanDev          time.Duration
	predicted        time.Duration
	predictedResends int
	// 已用于估计的最新发送时间，更早的 ack 不再参与估计
	cursorXmitTime time.Time

	// 积压
	backlog       int
	msgsInBacklog int
	msgsSent      int

	// 速率控制
	serviceLoad       int
	pendingDelay      time.Duration
	bytesToTransmit   int
	retard            time.Duration // 每字节延迟
	bytesOriginated   int
	bytesTransmitted  int
	bytesAcknowledged int

	episodes          [episodeHistory]episode
	episodeIdx        int
	episodeCount      int
	totalServiceLoad  int
	totalTransmitted  int
	totalAcknowledged int
	totalUnused       int

	// 活跃度链表
	lessActive int
	moreActive int
}

// DestinationStats is a snapshot of one destination table entry.
type DestinationStats struct {
	Addr              string
	SmoothedRTT       time.Duration
	PredictedRTT      time.Duration
	PredictedResends  int
	Backlog           int
	MessagesInBacklog int
	MessagesSent      int
	BytesToTransmit   int
	Retard            time.Duration
	// last closed episode
	ServiceLoad  int
	Transmitted  int
	Acknowledged int
	Unused       int
}

func (d *destination) stats() DestinationStats {
	last := &d.episodes[(d.episodeIdx+episodeHistory-1)%episodeHistory]
	return DestinationStats{
		Addr:              d.key,
		SmoothedRTT:       d.smoothed,
		PredictedRTT:      d.predicted,
		PredictedResends:  d.predictedResends,
		Backlog:           d.backlog,
		MessagesInBacklog: d.msgsInBacklog,
		MessagesSent:      d.msgsSent,
		BytesToTransmit:   d.bytesToTransmit,
		Retard:            d.retard,
		ServiceLoad:       last.serviceLoad,
		Transmitted:       last.transmitted,
		Acknowledged:      last.acknowledged,
		Unused:            last.unused,
	}
}

// destTable 目的地表，所有字段由 mu 保护
type destTable struct {
	mu  sync.Mutex
	cfg *Config

	dests [maxDests]destination
	// 未知地址使用的默认参数
	defaultDest destination
	bins        [destBins][]int
	count       int

	mostActive  int
	leastActive int
}

func newDestTable(cfg *Config) *destTable {
	t := &destTable{cfg: cfg}
	t.initialize(&t.defaultDest, "")
	t.mostActive = noMoreActive
	t.leastActive = noLessActive
	return t
}

func (t *destTable) initialize(d *destination, key string) {
	*d = destination{key: key}
	d.initRate(t.cfg)
}

//
// hashDestKey
// @Description: ELF 风格的字符串哈希
// @param key
// @return int 桶编号
//
func hashDestKey(key string) int {
	var h, g uint32
	for i := 0; i < len(key); i++ {
		h = (h << 4) + uint32(key[i])
		if g = h & 0xf0000000; g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return int(h % destBins)
}

// find 返回 key 对应的表项和槽位，不存在时返回默认目的地和 -1
func (t *destTable) find(key string) (*destination, int) {
	for _, idx := range t.bins[hashDestKey(key)] {
		if t.dests[idx].key == key {
			return &t.dests[idx], idx
		}
	}
	return &t.defaultDest, -1
}

//
// add
// @Description: 新增目的地，表满时淘汰最不活跃的表项
// @receiver t
// @param key
// @return *destination
// @return int 槽位
//
func (t *destTable) add(key string) (*destination, int) {
	var idx int
	if t.count < maxDests {
		// 从高位向低位分配
		idx = maxDests - t.count - 1
		t.count++
	} else {
		idx = t.leastActive
		t.unlink(idx)
		t.removeFromBin(idx)
		t.cfg.logger().WithField("evicted", t.dests[idx].key).Debug("dgr: destination table full")
	}

	d := &t.dests[idx]
	t.initialize(d, key)
	bin := hashDestKey(key)
	t.bins[bin] = append(t.bins[bin], idx)

	// 新表项最不活跃
	d.lessActive = noLessActive
	d.moreActive = t.leastActive
	if t.leastActive == noLessActive {
		d.moreActive = noMoreActive
		t.mostActive = idx
	} else {
		t.dests[t.leastActive].lessActive = idx
	}
	t.leastActive = idx
	return d, idx
}

func (t *destTable) removeFromBin(idx int) {
	bin := hashDestKey(t.dests[idx].key)
	list := t.bins[bin]
	for i, v := range list {
		if v == idx {
			t.bins[bin] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// unlink 从活跃度链表中摘除
func (t *destTable) unlink(idx int) {
	d := &t.dests[idx]
	if d.lessActive == noLessActive {
		t.leastActive = d.moreActive
		if t.leastActive == noMoreActive {
			t.leastActive = noLessActive
		}
	} else {
		t.dests[d.lessActive].moreActive = d.moreActive
	}
	if d.moreActive == noMoreActive {
		t.mostActive = d.lessActive
		if t.mostActive == noLessActive {
			t.mostActive = noMoreActive
		}
	} else {
		t.dests[d.moreActive].lessActive = d.lessActive
	}
	d.lessActive, d.moreActive = noLessActive, noMoreActive
}

//
// adjustActiveChain
// @Description: 发送计数增加后，把表项向活跃端移动
// @receiver t
// @param idx
//
func (t *destTable) adjustActiveChain(idx int) {
	d := &t.dests[idx]
	above := d.moreActive
	if above == noMoreActive || d.msgsSent <= t.dests[above].msgsSent {
		return
	}
	for above != noMoreActive && d.msgsSent > t.dests[above].msgsSent {
		above = t.dests[above].moreActive
	}

	// 插到 above 之下
	t.unlink(idx)
	var below int
	if above == noMoreActive {
		below = t.mostActive
		t.mostActive = idx
	} else {
		below = t.dests[above].lessActive
		t.dests[above].lessActive = idx
	}
	if below == noLessActive {
		t.leastActive = idx
	} else {
		t.dests[below].moreActive = idx
	}
	d.lessActive = below
	d.moreActive = above
}

//
// resetActivity
// @Description: 表满时按当前积压消息数重建活跃度链表，消除逐次调整累积的误差
// @receiver t
//
func (t *destTable) resetActivity() {
	if t.count < maxDests {
		return
	}
	order := make([]int, 0, maxDests)
	for i := range t.dests {
		t.dests[i].msgsSent = t.dests[i].msgsInBacklog
		order = append(order, i)
	}
	// 从最不活跃到最活跃
	sort.SliceStable(order, func(a, b int) bool {
		return t.dests[order[a]].msgsSent < t.dests[order[b]].msgsSent
	})
	for pos, idx := range order {
		d := &t.dests[idx]
		if pos == 0 {
			d.lessActive = noLessActive
		} else {
			d.lessActive = order[pos-1]
		}
		if pos == len(order)-1 {
			d.moreActive = noMoreActive
		} else {
			d.moreActive = order[pos+1]
		}
	}
	t.leastActive = order[0]
	t.mostActive = order[len(order)-1]
	t.cfg.logger().Debug("dgr: destination activity reset")
}

// adjustRateControl 周期结束时调整所有目的地的速率
func (t *destTable) adjustRateControl() {
	for i := range t.dests {
		if d := &t.dests[i]; d.key != "" && d.bytesToTransmit > 0 {
			d.adjustRetard(t.cfg)
		}
	}
}

// snapshot 按活跃度从高到低返回所有表项
func (t *destTable) snapshot() []DestinationStats {
	out := make([]DestinationStats, 0, t.count)
	for idx := t.mostActive; idx != noMoreActive && idx != noLessActive; idx = t.dests[idx].lessActive {
		out = append(out, t.dests[idx].stats())
	}
	return out
}
