//go:build linux

package dgr

import (
	"golang.org/x/net/ipv4"
	"net"
	"os"
)

const batchSize = 16

// readLoop 使用 recvmmsg 批量读取
func (ap *AccessPoint) readLoop() error {
	// default version
	if ap.xconn == nil {
		return ap.defaultReadLoop()
	}

	// x/net version
	msgs := make([]ipv4.Message, batchSize)
	for k := range msgs {
		msgs[k].Buffers = [][]byte{make([]byte, mtuLimit)}
	}

	for {
		count, err := ap.xconn.ReadBatch(msgs, 0)
		if err == nil {
			for i := 0; i < count; i++ {
				msg := &msgs[i]
				ap.packetInput(msg.Buffers[0][:msg.N], msg.Addr)
			}
			continue
		}

		// 内核不支持 recvmmsg 时退回逐个读取
		if operr, ok := err.(*net.OpError); ok {
			if se, ok := operr.Err.(*os.SyscallError); ok && se.Syscall == "recvmmsg" {
				return ap.defaultReadLoop()
			}
		}
		if stop, ferr := ap.readError(err); stop {
			return ferr
		}
	}
}
