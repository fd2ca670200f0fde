package dgr

import (
	"github.com/pkg/errors"
	"net"
	"sync/atomic"
	"syscall"
	"time"
)

func (ap *AccessPoint) defaultReadLoop() error {
	buf := make([]byte, mtuLimit)
	for {
		if n, from, err := ap.conn.ReadFrom(buf); err == nil {
			ap.packetInput(buf[:n], from)
		} else if stop, ferr := ap.readError(err); stop {
			return ferr
		}
	}
}

//
// readError
// @Description: 判断读错误是否需要结束接收循环
// @receiver ap
// @param err
// @return stop
// @return fatal 导致 access point 损坏的错误
//
func (ap *AccessPoint) readError(err error) (stop bool, fatal error) {
	if atomic.LoadInt32(&ap.state) != stateOpen {
		// 关闭中
		return true, nil
	}
	// ICMP 不可达等瞬时错误
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return false, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false, nil
	}
	fatal = errors.WithStack(err)
	ap.damage(fatal)
	return true, fatal
}

// packetInput 处理一个收到的报文
func (ap *AccessPoint) packetInput(data []byte, from net.Addr) {
	atomic.AddUint64(&DefaultSnmp.InPkts, 1)
	atomic.AddUint64(&DefaultSnmp.InBytes, uint64(len(data)))

	kind, id, content := decodeCapsule(data)
	switch kind {
	case capsuleAck:
		atomic.AddUint64(&DefaultSnmp.AcksReceived, 1)
		ap.arq(id, arqAck, time.Time{})
	case capsuleMessage:
		// 先确认再交付
		ap.sendAck(id, from)
		if ap.dups != nil && ap.dups.seen(from.String(), id) {
			atomic.AddUint64(&DefaultSnmp.DuplicateMessages, 1)
			return
		}
		ap.inbound.push(Event{
			Kind:    EventMessage,
			ID:      id,
			Addr:    from,
			Content: append([]byte(nil), content...),
		})
	default:
		// 端口上的噪声
		atomic.AddUint64(&DefaultSnmp.MalformedPkts, 1)
	}
}
