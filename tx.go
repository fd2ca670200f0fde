package dgr

import (
	"github.com/pkg/errors"
	"net"
	"sync/atomic"
	"time"
)

// output 发送一个 UDP 报文
func (ap *AccessPoint) output(b []byte, addr net.Addr) error {
	n, err := ap.conn.WriteTo(b, addr)
	if err != nil {
		return errors.WithStack(err)
	}
	atomic.AddUint64(&DefaultSnmp.OutPkts, 1)
	atomic.AddUint64(&DefaultSnmp.OutBytes, uint64(n))
	return nil
}

// sendAck 确认收到的消息，失败时依靠对端重传
func (ap *AccessPoint) sendAck(id CapsuleID, addr net.Addr) {
	var buf [capsuleHeaderSize]byte
	if err := ap.output(encodeAck(buf[:], id), addr); err != nil {
		atomic.AddUint64(&DefaultSnmp.AckErrors, 1)
		ap.log.WithError(err).WithField("id", id).Warn("dgr: ack failed")
		return
	}
	atomic.AddUint64(&DefaultSnmp.AcksSent, 1)
}

// sendLoop 从发送队列取出记录并发送，关闭或损坏后退出
func (ap *AccessPoint) sendLoop() error {
	for {
		id, res := ap.outbound.pop(nil, ap.die, ap.chDamaged)
		if res != popOK {
			return nil
		}
		ap.arq(id, arqSend, time.Time{})
	}
}
