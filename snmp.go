package dgr

import (
	"fmt"
	"sync/atomic"
)

// Snmp defines network statistics indicator
type Snmp struct {
	BytesSent         uint64 // bytes sent from upper level
	BytesReceived     uint64 // bytes received to upper level
	InPkts            uint64 // UDP packets received
	OutPkts           uint64 // UDP packets sent
	InBytes           uint64 // UDP bytes received
	OutBytes          uint64 // UDP bytes sent
	MessagesSent      uint64 // 首次发送的消息
	Retransmissions   uint64 // 超时重发
	AcksSent          uint64
	AcksReceived      uint64
	UnmatchedAcks     uint64 // 找不到记录的 ack，重复或迟到
	DeliverySuccesses uint64
	DeliveryFailures  uint64
	MalformedPkts     uint64 // 短于报头的报文
	DuplicateMessages uint64
	TransmitErrors    uint64
	AckErrors         uint64
	CurrOpen          uint64 // 当前打开的 access point
}

func newSnmp() *Snmp {
	return new(Snmp)
}

// Header returns all field names
func (s *Snmp) Header() []string {
	return []string{
		"BytesSent",
		"BytesReceived",
		"InPkts",
		"OutPkts",
		"InBytes",
		"OutBytes",
		"MessagesSent",
		"Retransmissions",
		"AcksSent",
		"AcksReceived",
		"UnmatchedAcks",
		"DeliverySuccesses",
		"DeliveryFailures",
		"MalformedPkts",
		"DuplicateMessages",
		"TransmitErrors",
		"AckErrors",
		"CurrOpen",
	}
}

// ToSlice returns current snmp info as slice
func (s *Snmp) ToSlice() []string {
	snmp := s.Copy()
	values := snmp.values()
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = fmt.Sprint(v)
	}
	return out
}

// values 与 Header 顺序一致
func (s *Snmp) values() []uint64 {
	return []uint64{
		s.BytesSent,
		s.BytesReceived,
		s.InPkts,
		s.OutPkts,
		s.InBytes,
		s.OutBytes,
		s.MessagesSent,
		s.Retransmissions,
		s.AcksSent,
		s.AcksReceived,
		s.UnmatchedAcks,
		s.DeliverySuccesses,
		s.DeliveryFailures,
		s.MalformedPkts,
		s.DuplicateMessages,
		s.TransmitErrors,
		s.AckErrors,
		s.CurrOpen,
	}
}

// Copy make a copy of current snmp snapshot
func (s *Snmp) Copy() *Snmp {
	d := newSnmp()
	d.BytesSent = atomic.LoadUint64(&s.BytesSent)
	d.BytesReceived = atomic.LoadUint64(&s.BytesReceived)
	d.InPkts = atomic.LoadUint64(&s.InPkts)
	d.OutPkts = atomic.LoadUint64(&s.OutPkts)
	d.InBytes = atomic.LoadUint64(&s.InBytes)
	d.OutBytes = atomic.LoadUint64(&s.OutBytes)
	d.MessagesSent = atomic.LoadUint64(&s.MessagesSent)
	d.Retransmissions = atomic.LoadUint64(&s.Retransmissions)
	d.AcksSent = atomic.LoadUint64(&s.AcksSent)
	d.AcksReceived = atomic.LoadUint64(&s.AcksReceived)
	d.UnmatchedAcks = atomic.LoadUint64(&s.UnmatchedAcks)
	d.DeliverySuccesses = atomic.LoadUint64(&s.DeliverySuccesses)
	d.DeliveryFailures = atomic.LoadUint64(&s.DeliveryFailures)
	d.MalformedPkts = atomic.LoadUint64(&s.MalformedPkts)
	d.DuplicateMessages = atomic.LoadUint64(&s.DuplicateMessages)
	d.TransmitErrors = atomic.LoadUint64(&s.TransmitErrors)
	d.AckErrors = atomic.LoadUint64(&s.AckErrors)
	d.CurrOpen = atomic.LoadUint64(&s.CurrOpen)
	return d
}

// Reset values to zero
func (s *Snmp) Reset() {
	atomic.StoreUint64(&s.BytesSent, 0)
	atomic.StoreUint64(&s.BytesReceived, 0)
	atomic.StoreUint64(&s.InPkts, 0)
	atomic.StoreUint64(&s.OutPkts, 0)
	atomic.StoreUint64(&s.InBytes, 0)
	atomic.StoreUint64(&s.OutBytes, 0)
	atomic.StoreUint64(&s.MessagesSent, 0)
	atomic.StoreUint64(&s.Retransmissions, 0)
	atomic.StoreUint64(&s.AcksSent, 0)
	atomic.StoreUint64(&s.AcksReceived, 0)
	atomic.StoreUint64(&s.UnmatchedAcks, 0)
	atomic.StoreUint64(&s.DeliverySuccesses, 0)
	atomic.StoreUint64(&s.DeliveryFailures, 0)
	atomic.StoreUint64(&s.MalformedPkts, 0)
	atomic.StoreUint64(&s.DuplicateMessages, 0)
	atomic.StoreUint64(&s.TransmitErrors, 0)
	atomic.StoreUint64(&s.AckErrors, 0)
	// CurrOpen 反映的是当前状态，不清零
}

// DefaultSnmp is the global DGR connection statistics collector
var DefaultSnmp *Snmp

func init() {
	DefaultSnmp = newSnmp()
}
