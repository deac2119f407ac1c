package sink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stakeflow/internal/model"
	"stakeflow/pkg/logger"
	"stakeflow/pkg/utils"
)

// Sink 状态事件的外部出口
type Sink interface {
	Name() string
	Handle(ctx context.Context, ev model.StatusEvent) error
}

// Async 把事件放进缓冲队列由单独的协程写出，Publish 不阻塞状态通知
type Async struct {
	sink    Sink
	events  chan model.StatusEvent
	timeout time.Duration
	retries int

	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

func NewAsync(s Sink, buffer int, timeout time.Duration) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	a := &Async{
		sink:    s,
		events:  make(chan model.StatusEvent, buffer),
		timeout: timeout,
		retries: 3,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish 可以直接注册为状态监听
func (a *Async) Publish(ev model.StatusEvent) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		n := a.dropped.Add(1)
		logger.Warnf("[Sink %s] queue full, drop %s event of %s (dropped %d)", a.sink.Name(), ev.Event, ev.ChainID, n)
	}
}

func (a *Async) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.events {
		if err := a.handle(ev); err != nil {
			logger.Errorf("[Sink %s] %s event of %s: %v", a.sink.Name(), ev.Event, ev.ChainID, err)
		}
	}
}

func (a *Async) handle(ev model.StatusEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	// 数据库、redis、kafka 的短暂故障重试几次
	return utils.Retry(ctx, a.retries, 100*time.Millisecond, true, func() error {
		return a.sink.Handle(ctx, ev)
	})
}

// Close 停止接收新事件，等待队列中的事件写完
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
