package dgr

import (
	"context"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sync/errgroup"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// maximum packet size
	mtuLimit = 65535

	// Poll makes Receive return at once when no event is queued.
	Poll time.Duration = 0
	// Forever makes Receive wait until an event arrives.
	Forever time.Duration = -1
)

// access point 状态
const (
	stateOpen int32 = iota
	stateClosing
	stateClosed
	stateDamaged
)

var (
	ErrInvalidArgument = errors.New("dgr: invalid argument")
	ErrTimeout         = errors.New("dgr: receive timed out")
	ErrInterrupted     = errors.New("dgr: receive interrupted")
	ErrClosed          = errors.New("dgr: access point is not open")
	ErrDamaged         = errors.New("dgr: access point damaged; close and reopen")
	ErrDeliveryTimeout = errors.New("dgr: no acknowledgment before retry limit")

	errInvalidOperation = errors.New("dgr: invalid operation")
)

// damagedError 携带导致损坏的 socket 错误
type damagedError struct {
	cause error
}

func (e *damagedError) Error() string        { return ErrDamaged.Error() + ": " + e.cause.Error() }
func (e *damagedError) Unwrap() error        { return e.cause }
func (e *damagedError) Is(target error) bool { return target == ErrDamaged }

// Notify selects which delivery outcomes Receive reports for a sent message.
type Notify int

const (
	NoteNone   Notify = 0
	NoteFailed Notify = 1 << 0
	NoteAcked  Notify = 1 << 1
	NoteAll           = NoteFailed | NoteAcked
)

// EventKind tells what an Event reports.
type EventKind int

const (
	EventMessage         EventKind = iota + 1 // inbound message
	EventDeliverySuccess                      // sent message acknowledged
	EventDeliveryFailure                      // sent message given up on

	eventInterrupt
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventDeliverySuccess:
		return "delivery-success"
	case EventDeliveryFailure:
		return "delivery-failure"
	}
	return "unknown"
}

// Event is one result returned by Receive.
type Event struct {
	Kind EventKind
	ID   CapsuleID
	// Addr is the source of an inbound message, or the destination of a
	// delivery outcome.
	Addr    net.Addr
	Content []byte
	// Transmissions is the number of times a sent message went out.
	Transmissions int
	// Err is set on EventDeliveryFailure: ErrDeliveryTimeout or the last
	// transmit error.
	Err error
}

type (
	// AccessPoint is one open DGR endpoint. It owns the socket and runs the
	// send, resend and receive loops until Close.
	AccessPoint struct {
		conn  net.PacketConn // 底层传输
		xconn batchConn      // for x/net
		cfg   Config
		log   *logrus.Entry
		state int32

		store    *arqStore
		dests    *destTable
		resends  resendSched
		ids      *idGenerator
		outbound *fifo[CapsuleID] // 等待发送的记录
		inbound  *fifo[Event]     // 交给应用的事件
		dups     *dupFilter

		// 所有未结束记录的字节数
		backlogMu   sync.Mutex
		backlogCond *sync.Cond
		backlog     int

		// 入队和状态切换互斥，关闭后不会再有记录入队
		enqueueMu sync.RWMutex

		loops  errgroup.Group // send, resend
		reader errgroup.Group // receive

		// 通知
		die     chan struct{} // 通知关闭
		dieOnce sync.Once

		// socket错误处理
		damageErr  atomic.Value
		chDamaged  chan struct{}
		damageOnce sync.Once
	}

	batchConn interface {
		ReadBatch(ms []ipv4.Message, flags int) (int, error)
	}

	setReadBuffer interface {
		SetReadBuffer(bytes int) error
	}

	setWriteBuffer interface {
		SetWriteBuffer(bytes int) error
	}
)

var (
	xmitBuf = sync.Pool{
		New: func() interface{} {
			return make([]byte, mtuLimit)
		},
	}

	// 已到期的超时，用于 Poll
	expired = func() <-chan time.Time {
		c := make(chan time.Time)
		close(c)
		return c
	}()
)

// Open binds a UDP socket on laddr, e.g. ":9000" or "127.0.0.1:0", and
// starts an access point on it.
func Open(laddr string, cfg *Config) (*AccessPoint, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := net.ListenUDP("udp", udpaddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ap, err := OpenConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return ap, nil
}

// OpenConn starts an access point on conn. The access point takes ownership
// of conn and closes it on Close.
func OpenConn(conn net.PacketConn, cfg *Config) (*AccessPoint, error) {
	if conn == nil {
		return nil, errors.WithStack(ErrInvalidArgument)
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ap := newAccessPoint(conn, cfg)
	ap.loops.Go(ap.sendLoop)
	ap.loops.Go(ap.resendLoop)
	ap.reader.Go(ap.readLoop)

	atomic.AddUint64(&DefaultSnmp.CurrOpen, 1)
	ap.log.Info("dgr: access point open")
	return ap, nil
}

// newAccessPoint 初始化各个组件，不启动循环
func newAccessPoint(conn net.PacketConn, cfg *Config) *AccessPoint {
	ap := &AccessPoint{
		conn:      conn,
		cfg:       *cfg,
		store:     newArqStore(),
		ids:       newIDGenerator(),
		outbound:  newFifo[CapsuleID](),
		inbound:   newFifo[Event](),
		die:       make(chan struct{}),
		chDamaged: make(chan struct{}),
	}
	ap.log = ap.cfg.logger().WithField("local", conn.LocalAddr().String())
	ap.dests = newDestTable(&ap.cfg)
	ap.backlogCond = sync.NewCond(&ap.backlogMu)
	if ap.cfg.SuppressDuplicates {
		ap.dups = newDupFilter(ap.cfg.DuplicateWindow)
	}

	if _, ok := conn.(*net.UDPConn); ok {
		addr, err := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
		if err == nil {
			if addr.IP.To4() != nil {
				ap.xconn = ipv4.NewPacketConn(conn)
			} else {
				ap.xconn = ipv6.NewPacketConn(conn)
			}
		}
	}
	return ap
}

//
// Send
// @Description: 提交一条消息，按目的地速率延迟后交给发送循环
// @receiver ap
// @param dest 目的地址
// @param flags 需要通知的结果
// @param content 消息内容，会被复制
// @return error
//
func (ap *AccessPoint) Send(dest net.Addr, flags Notify, content []byte) error {
	if dest == nil || flags < NoteNone || flags > NoteAll ||
		len(content) == 0 || len(content) > MaxContentSize {
		return errors.WithStack(ErrInvalidArgument)
	}
	if err := ap.checkState(); err != nil {
		return err
	}

	rec := &record{
		addr:    dest,
		key:     dest.String(),
		flags:   flags,
		content: append([]byte(nil), content...),
	}
	if err := ap.pace(rec); err != nil {
		return err
	}
	if err := ap.admit(rec); err != nil {
		return err
	}
	if err := ap.enqueue(rec); err != nil {
		return err
	}
	atomic.AddUint64(&DefaultSnmp.BytesSent, uint64(len(content)))
	return nil
}

// enqueue 把已分配 ID 的记录交给发送循环，状态已经不是 open 时退还积压
func (ap *AccessPoint) enqueue(rec *record) error {
	ap.enqueueMu.RLock()
	defer ap.enqueueMu.RUnlock()
	if err := ap.checkState(); err != nil {
		ap.backlogMu.Lock()
		ap.backlog -= rec.size()
		ap.backlogCond.Broadcast()
		ap.backlogMu.Unlock()
		return err
	}
	ap.store.insert(rec)
	ap.outbound.push(rec.id)
	return nil
}

// pace 按目的地的 retard 睡眠，睡眠中可以被关闭打断
func (ap *AccessPoint) pace(rec *record) error {
	ap.dests.mu.Lock()
	dest, _ := ap.dests.find(rec.key)
	dest.serviceLoad += len(rec.content)
	dest.pendingDelay += time.Duration(len(rec.content)) * dest.retard
	toSnooze := dest.pendingDelay
	ap.dests.mu.Unlock()

	var snoozed time.Duration
	var err error
	res := ap.cfg.ClockResolution
	if toSnooze > res {
		timer := time.NewTimer(res)
		for toSnooze > res && err == nil {
			select {
			case <-timer.C:
				toSnooze -= res
				snoozed += res
				timer.Reset(res)
			case <-ap.die:
				err = errors.WithStack(ErrClosed)
			case <-ap.chDamaged:
				err = ap.checkState()
			}
		}
		timer.Stop()
	}

	if snoozed > 0 {
		ap.dests.mu.Lock()
		dest.pendingDelay -= snoozed
		ap.dests.mu.Unlock()
	}
	return err
}

// admit 积压超过上限时阻塞，然后分配 CapsuleID
func (ap *AccessPoint) admit(rec *record) error {
	ap.backlogMu.Lock()
	defer ap.backlogMu.Unlock()
	for ap.backlog > ap.cfg.MaxBacklog {
		if err := ap.checkState(); err != nil {
			return err
		}
		ap.backlogCond.Wait()
	}
	if err := ap.checkState(); err != nil {
		return err
	}
	ap.backlog += rec.size()
	rec.id = ap.ids.next()
	return nil
}

// Receive returns the next event. timeout is Poll, Forever or a bounded wait.
// It returns ErrTimeout, ErrInterrupted, ErrClosed or ErrDamaged when no
// event is delivered.
func (ap *AccessPoint) Receive(timeout time.Duration) (Event, error) {
	var c <-chan time.Time
	switch {
	case timeout == Poll:
		c = expired
	case timeout > 0:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		c = timer.C
	}
	return ap.receive(c, nil)
}

// ReceiveContext is Receive bounded by ctx instead of a timeout.
func (ap *AccessPoint) ReceiveContext(ctx context.Context) (Event, error) {
	ev, err := ap.receive(nil, ctx.Done())
	if err != nil && ctx.Err() != nil && ap.checkState() == nil {
		return ev, errors.WithStack(ctx.Err())
	}
	return ev, err
}

func (ap *AccessPoint) receive(timeout <-chan time.Time, cancel <-chan struct{}) (Event, error) {
	if err := ap.checkState(); err != nil {
		return Event{}, err
	}
	ev, res := ap.inbound.pop(timeout, ap.die, ap.chDamaged, cancel)
	switch res {
	case popTimeout:
		return Event{}, errors.WithStack(ErrTimeout)
	case popStopped:
		if err := ap.checkState(); err != nil {
			return Event{}, err
		}
		return Event{}, errors.WithStack(context.Canceled)
	}

	switch ev.Kind {
	case eventInterrupt:
		return Event{}, errors.WithStack(ErrInterrupted)
	case EventMessage:
		atomic.AddUint64(&DefaultSnmp.BytesReceived, uint64(len(ev.Content)))
	}
	return ev, nil
}

// Interrupt makes one blocked or the next Receive return ErrInterrupted.
func (ap *AccessPoint) Interrupt() {
	ap.inbound.pushFront(Event{Kind: eventInterrupt})
}

// Close stops the loops, closes the socket and drops every unfinished record.
func (ap *AccessPoint) Close() error {
	var once bool
	ap.dieOnce.Do(func() {
		once = true
	})
	if !once {
		return errors.WithStack(io.ErrClosedPipe)
	}

	ap.enqueueMu.Lock()
	atomic.StoreInt32(&ap.state, stateClosing)
	ap.enqueueMu.Unlock()
	close(ap.die)
	ap.backlogMu.Lock()
	ap.backlogCond.Broadcast()
	ap.backlogMu.Unlock()

	// 先停止发送，再关闭 socket 唤醒接收
	if err := ap.loops.Wait(); err != nil {
		ap.log.WithError(err).Debug("dgr: loop exited with error")
	}
	err := ap.conn.Close()
	if rerr := ap.reader.Wait(); rerr != nil {
		ap.log.WithError(rerr).Debug("dgr: receive loop exited with error")
	}

	ap.store.release()
	ap.resends.release()
	ap.outbound.release()
	ap.inbound.release()
	atomic.StoreInt32(&ap.state, stateClosed)
	atomic.AddUint64(&DefaultSnmp.CurrOpen, ^uint64(0))
	ap.log.Info("dgr: access point closed")
	return errors.WithStack(err)
}

func (ap *AccessPoint) checkState() error {
	switch atomic.LoadInt32(&ap.state) {
	case stateOpen:
		return nil
	case stateDamaged:
		cause, _ := ap.damageErr.Load().(error)
		return errors.WithStack(&damagedError{cause: cause})
	default:
		return errors.WithStack(ErrClosed)
	}
}

// damage 不可恢复的 socket 错误，之后的调用都返回 ErrDamaged
func (ap *AccessPoint) damage(err error) {
	ap.damageOnce.Do(func() {
		ap.damageErr.Store(err)
		ap.enqueueMu.Lock()
		atomic.CompareAndSwapInt32(&ap.state, stateOpen, stateDamaged)
		ap.enqueueMu.Unlock()
		close(ap.chDamaged)
		ap.log.WithError(err).Error("dgr: access point damaged")

		ap.backlogMu.Lock()
		ap.backlogCond.Broadcast()
		ap.backlogMu.Unlock()
	})
}

// LocalAddr returns the address the access point is bound to.
func (ap *AccessPoint) LocalAddr() net.Addr {
	return ap.conn.LocalAddr()
}

// Backlog returns the bytes of sent messages not yet acknowledged or failed.
func (ap *AccessPoint) Backlog() int {
	ap.backlogMu.Lock()
	defer ap.backlogMu.Unlock()
	return ap.backlog
}

// Destinations returns the destination table, most active first.
func (ap *AccessPoint) Destinations() []DestinationStats {
	ap.dests.mu.Lock()
	defer ap.dests.mu.Unlock()
	return ap.dests.snapshot()
}

// SetDSCP sets the 6bit DSCP field in IPv4 header, or 8bit Traffic Class in IPv6 header.
func (ap *AccessPoint) SetDSCP(dscp int) error {
	if nc, ok := ap.conn.(net.Conn); ok {
		var succeed bool
		if err := ipv4.NewConn(nc).SetTOS(dscp << 2); err == nil {
			succeed = true
		}
		if err := ipv6.NewConn(nc).SetTrafficClass(dscp); err == nil {
			succeed = true
		}
		if succeed {
			return nil
		}
	}
	return errors.WithStack(errInvalidOperation)
}

// SetReadBuffer sets the socket read buffer.
func (ap *AccessPoint) SetReadBuffer(bytes int) error {
	if nc, ok := ap.conn.(setReadBuffer); ok {
		return nc.SetReadBuffer(bytes)
	}
	return errors.WithStack(errInvalidOperation)
}

// SetWriteBuffer sets the socket write buffer.
func (ap *AccessPoint) SetWriteBuffer(bytes int) error {
	if nc, ok := ap.conn.(setWriteBuffer); ok {
		return nc.SetWriteBuffer(bytes)
	}
	return errors.WithStack(errInvalidOperation)
}
