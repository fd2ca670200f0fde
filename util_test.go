package dgr

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetLevel(logrus.WarnLevel)
}

// fastConfig 缩短各项时间，测试在一秒内完成
func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.EpisodePeriod = 10 * time.Millisecond
	cfg.MinTimeout = 20 * time.Millisecond
	cfg.MaxTimeout = 50 * time.Millisecond
	cfg.ClockResolution = time.Millisecond
	cfg.MinPulseRate = 1 << 20
	return cfg
}

var testPeer = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}

// captureConn 记录所有写出的报文，读操作阻塞到关闭
type captureConn struct {
	mu       sync.Mutex
	packets  [][]byte
	addrs    []net.Addr
	writeErr error
	die      chan struct{}
	once     sync.Once
}

func newCaptureConn() *captureConn {
	return &captureConn{die: make(chan struct{})}
}

func (c *captureConn) ReadFrom(p []byte) (int, net.Addr, error) {
	<-c.die
	return 0, nil, net.ErrClosed
}

func (c *captureConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.packets = append(c.packets, append([]byte(nil), p...))
	c.addrs = append(c.addrs, addr)
	return len(p), nil
}

func (c *captureConn) written() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.packets)
}

func (c *captureConn) packet(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets[i]
}

func (c *captureConn) Close() error {
	c.once.Do(func() { close(c.die) })
	return nil
}

func (c *captureConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7}
}

func (c *captureConn) SetDeadline(t time.Time) error      { return nil }
func (c *captureConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *captureConn) SetWriteDeadline(t time.Time) error { return nil }

// dropConn 丢弃发往 blackhole 的报文
type dropConn struct {
	net.PacketConn
	blackhole string
	dropped   int32
}

func (c *dropConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	if addr.String() == c.blackhole {
		atomic.AddInt32(&c.dropped, 1)
		return len(p), nil
	}
	return c.PacketConn.WriteTo(p, addr)
}

// failConn 在 fail 关闭后读操作返回不可恢复的错误
type failConn struct {
	*captureConn
	fail chan struct{}
}

func (c *failConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-c.fail:
		return 0, nil, errors.New("socket exploded")
	case <-c.die:
		return 0, nil, net.ErrClosed
	}
}

// queueRecord 像 Send 一样登记一条记录，但不经过发送循环
func queueRecord(ap *AccessPoint, flags Notify, content string) *record {
	rec := &record{
		addr:    testPeer,
		key:     testPeer.String(),
		flags:   flags,
		content: []byte(content),
	}
	if err := ap.admit(rec); err != nil {
		panic(err)
	}
	ap.store.insert(rec)
	return rec
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
