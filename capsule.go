package dgr

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const (
	// capsuleHeaderSize 报头长度，ack 报文只有报头
	capsuleHeaderSize = 8

	// maximum udp payload over ipv4
	maxDatagramSize = 65507

	// MaxContentSize is the largest message content one capsule can carry.
	MaxContentSize = maxDatagramSize - capsuleHeaderSize
)

// DGR 报文定义
// 0               4               8 (BYTE)
// +---------------+---------------+
// |     time      |      seq      |
// +---------------+---------------+  8
// |                               |
// |      CONTENT (message only)   |
// |                               |
// +-------------------------------+
//
// 长度恰好为 8 的报文是 ack，更长的是消息，更短的丢弃。

// CapsuleID identifies one outbound message for the lifetime of the sending process.
type CapsuleID struct {
	Time uint32 // seconds
	Seq  uint32
}

func (id CapsuleID) String() string {
	return fmt.Sprintf("%d.%d", id.Time, id.Seq)
}

// less 按时间先后排序
func (id CapsuleID) less(other CapsuleID) bool {
	if id.Time != other.Time {
		return id.Time < other.Time
	}
	return id.Seq < other.Seq
}

type capsuleKind int

const (
	capsuleMalformed capsuleKind = iota
	capsuleAck
	capsuleMessage
)

func (id CapsuleID) encode(b []byte) []byte {
	b = encodeUint32(b, id.Time)
	return encodeUint32(b, id.Seq)
}

// encodeAck writes the 8-byte acknowledgment for id into b and returns it.
func encodeAck(b []byte, id CapsuleID) []byte {
	id.encode(b)
	return b[:capsuleHeaderSize]
}

// encodeMessage writes id followed by content into b, which must hold
// capsuleHeaderSize+len(content) bytes.
func encodeMessage(b []byte, id CapsuleID, content []byte) []byte {
	rest := id.encode(b)
	n := copy(rest, content)
	return b[:capsuleHeaderSize+n]
}

//
// decodeCapsule
// @Description: 解析收到的报文
// @param data
// @return kind 报文类型
// @return id
// @return content 消息内容，引用 data 的内存
//
func decodeCapsule(data []byte) (kind capsuleKind, id CapsuleID, content []byte) {
	if len(data) < capsuleHeaderSize {
		return capsuleMalformed, id, nil
	}
	rest := decodeUint32(data, &id.Time)
	rest = decodeUint32(rest, &id.Seq)
	if len(rest) == 0 {
		return capsuleAck, id, nil
	}
	return capsuleMessage, id, rest
}

func encodeUint32(b []byte, u uint32) []byte {
	binary.BigEndian.PutUint32(b, u)
	return b[4:]
}

func decodeUint32(data []byte, u *uint32) []byte {
	*u = binary.BigEndian.Uint32(data)
	return data[4:]
}

// idGenerator 生成 CapsuleID，秒数变化时 seq 归零
type idGenerator struct {
	mu   sync.Mutex
	now  func() time.Time
	last CapsuleID
	used bool
}

func newIDGenerator() *idGenerator {
	return &idGenerator{now: time.Now}
}

func (g *idGenerator) next() CapsuleID {
	g.mu.Lock()
	defer g.mu.Unlock()
	sec := uint32(g.now().Unix())
	switch {
	case !g.used || sec > g.last.Time:
		g.last = CapsuleID{Time: sec}
		g.used = true
	default:
		// clock stepped back or same second: keep counting on the last second
		g.last.Seq++
	}
	return g.last
}
