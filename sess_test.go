package dgr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"golang.org/x/net/nettest"
	"gotest.tools/assert"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// lossyconn 的发送协程不会退出
		goleak.IgnoreTopFunction("github.com/xtaci/lossyconn.(*TimedSender).sendLoop"),
	)
}

func openLocal(t *testing.T, cfg *Config) *AccessPoint {
	ap, err := Open("127.0.0.1:0", cfg)
	assert.NilError(t, err)
	return ap
}

// receiveKind 跳过其他类型的事件
func receiveKind(t *testing.T, ap *AccessPoint, kind EventKind, timeout time.Duration) Event {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			t.Fatalf("no %v event within %v", kind, timeout)
		}
		ev, err := ap.Receive(left)
		assert.NilError(t, err)
		if ev.Kind == kind {
			return ev
		}
	}
}

func TestPing(t *testing.T) {
	a := openLocal(t, fastConfig())
	defer a.Close()
	b := openLocal(t, fastConfig())
	defer b.Close()

	assert.NilError(t, a.Send(b.LocalAddr(), NoteAll, []byte("ping")))

	msg, err := b.Receive(time.Second)
	assert.NilError(t, err)
	assert.Equal(t, msg.Kind, EventMessage)
	assert.Equal(t, string(msg.Content), "ping")
	assert.Equal(t, msg.Addr.String(), a.LocalAddr().String())

	ev, err := a.Receive(time.Second)
	assert.NilError(t, err)
	assert.Equal(t, ev.Kind, EventDeliverySuccess)
	assert.Equal(t, ev.ID, msg.ID)
	assert.Equal(t, ev.Transmissions, 1)
	assert.Equal(t, string(ev.Content), "ping")
	assert.Equal(t, a.Backlog(), 0)

	dests := a.Destinations()
	assert.Equal(t, len(dests), 1)
	assert.Equal(t, dests[0].Addr, b.LocalAddr().String())
	assert.Equal(t, dests[0].MessagesInBacklog, 0)
}

func TestSendCopiesContent(t *testing.T) {
	a := openLocal(t, fastConfig())
	defer a.Close()
	b := openLocal(t, fastConfig())
	defer b.Close()

	buf := []byte("original")
	assert.NilError(t, a.Send(b.LocalAddr(), NoteNone, buf))
	copy(buf, "mutated!")

	msg := receiveKind(t, b, EventMessage, time.Second)
	assert.Equal(t, string(msg.Content), "original")
}

func TestManyMessages(t *testing.T) {
	a := openLocal(t, fastConfig())
	defer a.Close()
	b := openLocal(t, fastConfig())
	defer b.Close()

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			if err := a.Send(b.LocalAddr(), NoteAcked, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
				return
			}
		}
	}()

	got := make(map[string]bool)
	for len(got) < n {
		msg := receiveKind(t, b, EventMessage, 5*time.Second)
		got[string(msg.Content)] = true
	}
	for i := 0; i < n; i++ {
		assert.Assert(t, got[fmt.Sprintf("msg-%d", i)])
	}

	acked := 0
	for acked < n {
		receiveKind(t, a, EventDeliverySuccess, 5*time.Second)
		acked++
	}
	assert.Equal(t, a.Backlog(), 0)
}

func TestTotalLoss(t *testing.T) {
	pc, err := nettest.NewLocalPacketListener("udp")
	assert.NilError(t, err)
	conn := &dropConn{PacketConn: pc, blackhole: testPeer.String()}
	ap, err := OpenConn(conn, fastConfig())
	assert.NilError(t, err)
	defer ap.Close()

	assert.NilError(t, ap.Send(testPeer, NoteAll, []byte("into the void")))
	ev, err := ap.Receive(3 * time.Second)
	assert.NilError(t, err)
	assert.Equal(t, ev.Kind, EventDeliveryFailure)
	assert.Equal(t, ev.Transmissions, maxXmit)
	assert.Assert(t, errors.Is(ev.Err, ErrDeliveryTimeout))
	assert.Equal(t, atomic.LoadInt32(&conn.dropped), int32(maxXmit))
	assert.Equal(t, ap.Backlog(), 0)
}

func TestBacklogBlocksSend(t *testing.T) {
	pc, err := nettest.NewLocalPacketListener("udp")
	assert.NilError(t, err)
	cfg := fastConfig()
	cfg.MaxBacklog = 100
	ap, err := OpenConn(&dropConn{PacketConn: pc, blackhole: testPeer.String()}, cfg)
	assert.NilError(t, err)
	defer ap.Close()

	content := bytes.Repeat([]byte{'x'}, 60)
	assert.NilError(t, ap.Send(testPeer, NoteNone, content))
	assert.NilError(t, ap.Send(testPeer, NoteNone, content))
	assert.Equal(t, ap.Backlog(), 2*(60+capsuleHeaderSize))

	done := make(chan error, 1)
	go func() {
		done <- ap.Send(testPeer, NoteNone, content)
	}()
	select {
	case err := <-done:
		t.Fatalf("send returned over backlog limit: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	// 前面的消息失败后释放积压
	select {
	case err := <-done:
		assert.NilError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("send still blocked")
	}
}

func TestCloseUnblocksSend(t *testing.T) {
	pc, err := nettest.NewLocalPacketListener("udp")
	assert.NilError(t, err)
	cfg := fastConfig()
	cfg.MaxBacklog = 10
	cfg.MinTimeout = time.Second
	cfg.MaxTimeout = time.Second
	ap, err := OpenConn(&dropConn{PacketConn: pc, blackhole: testPeer.String()}, cfg)
	assert.NilError(t, err)

	assert.NilError(t, ap.Send(testPeer, NoteNone, []byte("first")))
	done := make(chan error, 1)
	go func() {
		done <- ap.Send(testPeer, NoteNone, []byte("second"))
	}()
	time.Sleep(20 * time.Millisecond)
	assert.NilError(t, ap.Close())
	err = <-done
	assert.Assert(t, errors.Is(err, ErrClosed))
}

func TestSendRacingClose(t *testing.T) {
	ap := newAccessPoint(newCaptureConn(), fastConfig())
	rec := &record{addr: testPeer, key: testPeer.String(), flags: NoteAll, content: []byte("late")}
	assert.NilError(t, ap.admit(rec))
	assert.Equal(t, ap.Backlog(), rec.size())

	// Close 在 admit 之后切换状态
	ap.enqueueMu.Lock()
	atomic.StoreInt32(&ap.state, stateClosing)
	ap.enqueueMu.Unlock()

	err := ap.enqueue(rec)
	assert.Assert(t, errors.Is(err, ErrClosed))
	assert.Equal(t, ap.Backlog(), 0)
	assert.Equal(t, ap.store.len(), 0)
	assert.Equal(t, ap.outbound.len(), 0)
}

func TestReceiveTimeout(t *testing.T) {
	ap := openLocal(t, fastConfig())
	defer ap.Close()

	_, err := ap.Receive(Poll)
	assert.Assert(t, errors.Is(err, ErrTimeout))

	start := time.Now()
	_, err = ap.Receive(30 * time.Millisecond)
	assert.Assert(t, errors.Is(err, ErrTimeout))
	assert.Assert(t, time.Since(start) >= 30*time.Millisecond)
}

func TestReceiveContext(t *testing.T) {
	ap := openLocal(t, fastConfig())
	defer ap.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ap.ReceiveContext(ctx)
	assert.Assert(t, errors.Is(err, context.DeadlineExceeded))

	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	_, err = ap.ReceiveContext(ctx)
	assert.Assert(t, errors.Is(err, context.Canceled))
}

func TestInterrupt(t *testing.T) {
	ap := openLocal(t, fastConfig())
	defer ap.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ap.Receive(Forever)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	ap.Interrupt()
	assert.Assert(t, errors.Is(<-done, ErrInterrupted))

	// 中断排在已有事件之前
	ap.inbound.push(Event{Kind: EventMessage, Content: []byte("queued")})
	ap.Interrupt()
	_, err := ap.Receive(Poll)
	assert.Assert(t, errors.Is(err, ErrInterrupted))
	ev, err := ap.Receive(Poll)
	assert.NilError(t, err)
	assert.Equal(t, string(ev.Content), "queued")
}

func TestCloseUnblocksReceive(t *testing.T) {
	ap := openLocal(t, fastConfig())
	done := make(chan error, 1)
	go func() {
		_, err := ap.Receive(Forever)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	assert.NilError(t, ap.Close())
	assert.Assert(t, errors.Is(<-done, ErrClosed))
}

func TestClosed(t *testing.T) {
	ap := openLocal(t, fastConfig())
	addr := ap.LocalAddr()
	assert.NilError(t, ap.Close())

	err := ap.Send(addr, NoteNone, []byte("late"))
	assert.Assert(t, errors.Is(err, ErrClosed))
	_, err = ap.Receive(Poll)
	assert.Assert(t, errors.Is(err, ErrClosed))
	assert.Assert(t, errors.Is(ap.Close(), io.ErrClosedPipe))
}

func TestSendInvalidArgument(t *testing.T) {
	ap := openLocal(t, fastConfig())
	defer ap.Close()

	cases := []struct {
		dest    net.Addr
		flags   Notify
		content []byte
	}{
		{nil, NoteNone, []byte("x")},
		{testPeer, NoteNone, nil},
		{testPeer, NoteNone, make([]byte, MaxContentSize+1)},
		{testPeer, NoteAll + 1, []byte("x")},
		{testPeer, -1, []byte("x")},
	}
	for i, c := range cases {
		err := ap.Send(c.dest, c.flags, c.content)
		assert.Assert(t, errors.Is(err, ErrInvalidArgument), "case %d", i)
	}
	assert.Equal(t, ap.Backlog(), 0)
}

func TestOpenInvalid(t *testing.T) {
	_, err := OpenConn(nil, nil)
	assert.Assert(t, errors.Is(err, ErrInvalidArgument))

	cfg := DefaultConfig()
	cfg.EpisodePeriod = 0
	_, err = Open("127.0.0.1:0", cfg)
	assert.ErrorContains(t, err, "episode_period")

	_, err = Open("not an address", nil)
	assert.Assert(t, err != nil)
}

func TestDamaged(t *testing.T) {
	conn := &failConn{captureConn: newCaptureConn(), fail: make(chan struct{})}
	ap, err := OpenConn(conn, fastConfig())
	assert.NilError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ap.Receive(Forever)
		done <- err
	}()
	close(conn.fail)

	err = <-done
	assert.Assert(t, errors.Is(err, ErrDamaged))
	assert.ErrorContains(t, err, "socket exploded")

	err = ap.Send(testPeer, NoteNone, []byte("x"))
	assert.Assert(t, errors.Is(err, ErrDamaged))
	assert.NilError(t, ap.Close())
}

func TestDamagedStopsLoops(t *testing.T) {
	conn := &failConn{captureConn: newCaptureConn(), fail: make(chan struct{})}
	ap, err := OpenConn(conn, fastConfig())
	assert.NilError(t, err)
	defer ap.Close()

	// 对端不确认，消息会一直重传
	assert.NilError(t, ap.Send(testPeer, NoteAll, []byte("lost")))
	assert.Assert(t, waitFor(func() bool { return conn.written() >= 1 }, time.Second))
	close(conn.fail)

	stopped := make(chan struct{})
	go func() {
		ap.loops.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("send and resend loops still running after damage")
	}

	written := conn.written()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, conn.written(), written)
	_, err = ap.Receive(Poll)
	assert.Assert(t, errors.Is(err, ErrDamaged))
}

func TestDuplicateSuppression(t *testing.T) {
	cfg := fastConfig()
	cfg.SuppressDuplicates = true
	conn := newCaptureConn()
	ap := newAccessPoint(conn, cfg)

	var buf [64]byte
	id := CapsuleID{Time: 77, Seq: 3}
	msg := encodeMessage(buf[:], id, []byte("once"))
	dups := atomic.LoadUint64(&DefaultSnmp.DuplicateMessages)
	ap.packetInput(msg, testPeer)
	ap.packetInput(msg, testPeer)

	// 重复的消息也要确认
	assert.Equal(t, conn.written(), 2)
	for i := 0; i < 2; i++ {
		kind, got, _ := decodeCapsule(conn.packet(i))
		assert.Equal(t, kind, capsuleAck)
		assert.Equal(t, got, id)
	}
	assert.Equal(t, ap.inbound.len(), 1)
	assert.Equal(t, atomic.LoadUint64(&DefaultSnmp.DuplicateMessages), dups+1)
}

func TestDuplicatesDeliveredByDefault(t *testing.T) {
	ap := newAccessPoint(newCaptureConn(), fastConfig())
	var buf [64]byte
	msg := encodeMessage(buf[:], CapsuleID{Time: 77, Seq: 4}, []byte("twice"))
	ap.packetInput(msg, testPeer)
	ap.packetInput(msg, testPeer)
	assert.Equal(t, ap.inbound.len(), 2)
}

func TestMalformedPacket(t *testing.T) {
	conn := newCaptureConn()
	ap := newAccessPoint(conn, fastConfig())
	malformed := atomic.LoadUint64(&DefaultSnmp.MalformedPkts)
	ap.packetInput([]byte{1, 2, 3}, testPeer)
	assert.Equal(t, atomic.LoadUint64(&DefaultSnmp.MalformedPkts), malformed+1)
	assert.Equal(t, ap.inbound.len(), 0)
	assert.Equal(t, conn.written(), 0)
}

func TestSocketOptions(t *testing.T) {
	ap := openLocal(t, fastConfig())
	defer ap.Close()
	assert.NilError(t, ap.SetDSCP(46))
	assert.NilError(t, ap.SetReadBuffer(1<<20))
	assert.NilError(t, ap.SetWriteBuffer(1<<20))

	other := newAccessPoint(newCaptureConn(), fastConfig())
	assert.Assert(t, errors.Is(other.SetDSCP(46), errInvalidOperation))
	assert.Assert(t, errors.Is(other.SetReadBuffer(1<<20), errInvalidOperation))
	assert.Assert(t, errors.Is(other.SetWriteBuffer(1<<20), errInvalidOperation))
}

func TestXmitBuf(t *testing.T) {
	buf := xmitBuf.Get().([]byte)
	defer xmitBuf.Put(buf)
	assert.Assert(t, len(buf) >= capsuleHeaderSize+MaxContentSize)
}
