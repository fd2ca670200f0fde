package dgr

import (
	"container/heap"
	"sync"
	"time"
)

type (
	// resendReq 重传调度项，只保存 CapsuleID，记录可能已被确认
	resendReq struct {
		id       CapsuleID
		deadline time.Time
	}
	// 按截止时间排列的堆
	resendHeap []resendReq
)

func (h resendHeap) Len() int {
	return len(h)
}

func (h resendHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id.less(h[j].id)
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h resendHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *resendHeap) Push(x interface{}) {
	*h = append(*h, x.(resendReq))
}

func (h *resendHeap) Pop() (x interface{}) {
	n := len(*h)
	x = (*h)[n-1]
	*h = (*h)[:n-1]
	return
}

// resendSched 待重传的截止时间索引
type resendSched struct {
	mu   sync.Mutex
	reqs resendHeap
}

func (s *resendSched) push(id CapsuleID, deadline time.Time) {
	s.mu.Lock()
	heap.Push(&s.reqs, resendReq{id, deadline})
	s.mu.Unlock()
}

// due 取出所有截止时间不晚于 now 的调度项
func (s *resendSched) due(now time.Time, out []resendReq) []resendReq {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.reqs) > 0 && !s.reqs[0].deadline.After(now) {
		out = append(out, heap.Pop(&s.reqs).(resendReq))
	}
	return out
}

func (s *resendSched) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

func (s *resendSched) release() {
	s.mu.Lock()
	s.reqs = nil
	s.mu.Unlock()
}

//
// resendLoop
// @Description: 每个周期调整速率，定期重排目的地活跃度，然后处理到期的重传
// @receiver ap
// @return error
//
func (ap *AccessPoint) resendLoop() error {
	ticker := time.NewTicker(ap.cfg.EpisodePeriod)
	defer ticker.Stop()

	var reqs []resendReq
	episodes := 0
	for {
		select {
		case <-ap.die:
			return nil
		case <-ap.chDamaged:
			return nil
		case <-ticker.C:
			ap.dests.mu.Lock()
			ap.dests.adjustRateControl()
			episodes++
			if episodes%ap.cfg.ActivityResetEpisodes == 0 {
				ap.dests.resetActivity()
			}
			ap.dests.mu.Unlock()

			reqs = ap.resends.due(time.Now(), reqs[:0])
			for _, req := range reqs {
				ap.arq(req.id, arqTimeout, req.deadline)
			}
		}
	}
}
