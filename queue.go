package dgr

import (
	"sync"
	"time"
)

// fifo 无界队列，pop 在有数据、超时和停止三种情况下返回
type fifo[T any] struct {
	mu       sync.Mutex
	items    []T
	chNotify chan struct{} // 有新数据
}

func newFifo[T any]() *fifo[T] {
	return &fifo[T]{chNotify: make(chan struct{}, 1)}
}

func (q *fifo[T]) notify() {
	select {
	case q.chNotify <- struct{}{}:
	default:
	}
}

func (q *fifo[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.notify()
}

// pushFront 插到队首，下一次 pop 立即取到
func (q *fifo[T]) pushFront(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	copy(q.items[1:], q.items)
	q.items[0] = v
	q.mu.Unlock()
	q.notify()
}

func (q *fifo[T]) tryPop() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return v, false
	}
	v = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// 唤醒其他等待者
		q.notify()
	}
	return v, true
}

type popResult int

const (
	popOK popResult = iota
	popTimeout
	popStopped
)

//
// pop
// @Description: 取队首元素
// @receiver q
// @param timeout nil 表示一直等待
// @param stops 任意一个关闭即停止等待，最多三个
// @return v
// @return popResult
//
func (q *fifo[T]) pop(timeout <-chan time.Time, stops ...<-chan struct{}) (v T, res popResult) {
	var stop [3]<-chan struct{}
	copy(stop[:], stops)
	for {
		if v, ok := q.tryPop(); ok {
			return v, popOK
		}
		select {
		case <-q.chNotify:
		case <-timeout:
			return v, popTimeout
		case <-stop[0]:
			return v, popStopped
		case <-stop[1]:
			return v, popStopped
		case <-stop[2]:
			return v, popStopped
		}
	}
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fifo[T]) release() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}
