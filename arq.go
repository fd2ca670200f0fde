package dgr

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// ARQ 数据库的桶数，按 seq 低位选择
	arqBuckets = 256
	arqMask    = arqBuckets - 1
)

// recordState 发送记录所处阶段，任意时刻只有一个成立
type recordState int32

const (
	recordQueued recordState = iota // 等待发送
	recordInFlight                  // 等待确认
	recordDelivered
	recordFailed
)

func (s recordState) String() string {
	switch s {
	case recordQueued:
		return "queued"
	case recordInFlight:
		return "in-flight"
	case recordDelivered:
		return "delivered"
	case recordFailed:
		return "failed"
	}
	return "unknown"
}

// record 一条发出的消息，只能在持有所属桶锁时修改
type record struct {
	id      CapsuleID
	addr    net.Addr
	key     string
	flags   Notify
	content []byte

	state         recordState
	transmissions int
	xmitTime      time.Time
	deadline      time.Time
	err           error // 最近一次发送错误
}

func (r *record) size() int {
	return len(r.content) + capsuleHeaderSize
}

type bucket struct {
	mu   sync.Mutex
	msgs map[CapsuleID]*record
}

// arqStore 按 CapsuleID 索引的发送记录
type arqStore struct {
	buckets [arqBuckets]bucket
}

func newArqStore() *arqStore {
	s := new(arqStore)
	for i := range s.buckets {
		s.buckets[i].msgs = make(map[CapsuleID]*record)
	}
	return s
}

func (s *arqStore) bucketOf(id CapsuleID) *bucket {
	return &s.buckets[id.Seq&arqMask]
}

func (s *arqStore) insert(rec *record) {
	b := s.bucketOf(rec.id)
	b.mu.Lock()
	b.msgs[rec.id] = rec
	b.mu.Unlock()
}

// len 所有桶中的记录数
func (s *arqStore) len() int {
	n := 0
	for i := range s.buckets {
		b := &s.buckets[i]
		b.mu.Lock()
		n += len(b.msgs)
		b.mu.Unlock()
	}
	return n
}

// release 关闭时丢弃所有记录
func (s *arqStore) release() {
	for i := range s.buckets {
		b := &s.buckets[i]
		b.mu.Lock()
		b.msgs = make(map[CapsuleID]*record)
		b.mu.Unlock()
	}
}

type arqOp int

const (
	arqSend arqOp = iota
	arqTimeout
	arqAck
)

//
// arq
// @Description: 在桶锁内对一条记录执行发送、超时或确认，找不到记录说明已被其他操作结束，直接忽略
// @receiver ap
// @param id
// @param op
// @param deadline 超时操作对应的截止时间，用于识别过期的调度
//
func (ap *AccessPoint) arq(id CapsuleID, op arqOp, deadline time.Time) {
	b := ap.store.bucketOf(id)
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.msgs[id]
	if !ok {
		if op == arqAck {
			atomic.AddUint64(&DefaultSnmp.UnmatchedAcks, 1)
		}
		return
	}

	switch op {
	case arqSend:
		if rec.state != recordQueued {
			return
		}
		ap.transmit(rec)
	case arqTimeout:
		if rec.state != recordInFlight || !rec.deadline.Equal(deadline) {
			return
		}
		ap.handleTimeout(b, rec)
	case arqAck:
		// 排队重发的记录也可以被之前的发送确认
		if rec.transmissions == 0 {
			return
		}
		ap.handleAck(b, rec)
	}
}

// transmit 发送消息并安排重传
func (ap *AccessPoint) transmit(rec *record) {
	buf := xmitBuf.Get().([]byte)
	defer xmitBuf.Put(buf)

	rec.xmitTime = time.Now()
	rec.err = nil
	if err := ap.output(encodeMessage(buf, rec.id, rec.content), rec.addr); err != nil {
		// 当作丢包处理，依靠重传
		rec.err = err
		atomic.AddUint64(&DefaultSnmp.TransmitErrors, 1)
		ap.log.WithError(err).WithField("id", rec.id).Warn("dgr: transmit failed")
	}
	rec.transmissions++
	rec.state = recordInFlight
	if rec.transmissions > 1 {
		atomic.AddUint64(&DefaultSnmp.Retransmissions, 1)
	} else {
		atomic.AddUint64(&DefaultSnmp.MessagesSent, 1)
	}
	ap.log.WithFields(logrus.Fields{
		"id":    rec.id,
		"to":    rec.key,
		"xmit":  rec.transmissions,
		"bytes": len(rec.content),
	}).Trace("dgr: transmit")

	ap.insertResendReq(rec)
}

//
// insertResendReq
// @Description: 根据目的地的 RTT 估计计算截止时间并加入重传队列
// @receiver ap
// @param rec
//
func (ap *AccessPoint) insertResendReq(rec *record) {
	ap.dests.mu.Lock()
	dest, idx := ap.dests.find(rec.key)
	var rtt time.Duration
	if rec.transmissions > 1 {
		if idx < 0 {
			rtt = initialRTT()
		} else {
			rtt = dest.retransmitTimeout()
		}
	} else {
		if idx < 0 {
			dest, idx = ap.dests.add(rec.key)
		}
		rtt = dest.retransmitTimeout()
		dest.backlog += rec.size()
		dest.msgsInBacklog++
		dest.msgsSent++
		ap.dests.adjustActiveChain(idx)
		dest.bytesOriginated += len(rec.content)
	}
	dest.bytesTransmitted += len(rec.content)
	ap.dests.mu.Unlock()

	rec.deadline = rec.xmitTime.Add(bound(ap.cfg.MinTimeout, rtt, ap.cfg.MaxTimeout))
	ap.resends.push(rec.id, rec.deadline)
}

//
// handleTimeout
// @Description: 超时未确认，重发或者判定失败
// @receiver ap
// @param b 记录所在的桶，已加锁
// @param rec
//
func (ap *AccessPoint) handleTimeout(b *bucket, rec *record) {
	ap.dests.mu.Lock()
	dest, idx := ap.dests.find(rec.key)
	limit := maxTransmissions(dest.backlog, ap.cfg.MaxBacklog)
	if idx >= 0 && !rec.xmitTime.Before(dest.cursorXmitTime) {
		// 该目的地最新的超时，后续退避以此为准
		dest.cursorXmitTime = rec.xmitTime
		if rec.transmissions > dest.predictedResends {
			dest.predictedResends = rec.transmissions
		}
	}

	if rec.transmissions >= limit {
		if idx >= 0 {
			dest.backlog -= rec.size()
			dest.msgsInBacklog--
		}
		ap.dests.mu.Unlock()
		ap.log.WithFields(logrus.Fields{"id": rec.id, "to": rec.key, "xmit": rec.transmissions}).
			Debug("dgr: delivery failed")
		ap.finalize(b, rec, recordFailed)
		atomic.AddUint64(&DefaultSnmp.DeliveryFailures, 1)
		if rec.flags&NoteFailed != 0 {
			cause := rec.err
			if cause == nil {
				cause = ErrDeliveryTimeout
			}
			ap.inbound.push(ap.outcome(EventDeliveryFailure, rec, cause))
		}
		return
	}

	dest.serviceLoad += len(rec.content)
	ap.dests.mu.Unlock()
	ap.log.WithFields(logrus.Fields{"id": rec.id, "to": rec.key, "xmit": rec.transmissions}).Trace("dgr: timeout")
	rec.state = recordQueued
	ap.outbound.push(rec.id)
}

//
// handleAck
// @Description: 收到确认，更新 RTT 估计并结束记录
// @receiver ap
// @param b 记录所在的桶，已加锁
// @param rec
//
func (ap *AccessPoint) handleAck(b *bucket, rec *record) {
	now := time.Now()
	ap.dests.mu.Lock()
	dest, idx := ap.dests.find(rec.key)
	dest.bytesAcknowledged += len(rec.content)
	if idx >= 0 {
		ap.noteCompletion(dest, rec, now)
	}
	ap.dests.mu.Unlock()

	ap.log.WithFields(logrus.Fields{"id": rec.id, "to": rec.key, "xmit": rec.transmissions}).Trace("dgr: acked")
	ap.finalize(b, rec, recordDelivered)
	atomic.AddUint64(&DefaultSnmp.DeliverySuccesses, 1)
	if rec.flags&NoteAcked != 0 {
		ap.inbound.push(ap.outcome(EventDeliverySuccess, rec, nil))
	}
}

// noteCompletion 只有首次发送就被确认的消息才用于 RTT 估计
func (ap *AccessPoint) noteCompletion(dest *destination, rec *record, now time.Time) {
	dest.backlog -= rec.size()
	dest.msgsInBacklog--

	// 重传过的消息无法确定是哪次发送被确认
	if rec.transmissions != 1 {
		return
	}
	// 更新的估计已经用过更晚发送的消息
	if rec.xmitTime.Before(dest.cursorXmitTime) {
		return
	}
	dest.cursorXmitTime = rec.xmitTime
	dest.updateRTT(now.Sub(rec.xmitTime))
}

// finalize 从数据库删除记录并释放积压
func (ap *AccessPoint) finalize(b *bucket, rec *record, state recordState) {
	rec.state = state
	delete(b.msgs, rec.id)

	ap.backlogMu.Lock()
	ap.backlog -= rec.size()
	ap.backlogCond.Broadcast()
	ap.backlogMu.Unlock()
}

func (ap *AccessPoint) outcome(kind EventKind, rec *record, cause error) Event {
	ev := Event{
		Kind:          kind,
		ID:            rec.id,
		Addr:          rec.addr,
		Content:       rec.content,
		Transmissions: rec.transmissions,
	}
	if cause != nil {
		ev.Err = errors.WithStack(cause)
	}
	return ev
}
