package position

import (
	"runtime/debug"
	"sync"

	"stakeflow/internal/model"
	"stakeflow/pkg/logger"
)

type Listener func(ev model.StatusEvent)

// Hub 状态事件分发，事件按发布顺序依次交给所有订阅者
type Hub struct {
	mu        sync.RWMutex
	next      int
	listeners map[int]Listener
	order     []int

	// 保证所有订阅者看到同一个事件顺序
	pubMu sync.Mutex
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[int]Listener)}
}

// Subscribe 返回取消订阅函数，可重复调用
func (h *Hub) Subscribe(l Listener) func() {
	h.mu.Lock()
	id := h.next
	h.next++
	h.listeners[id] = l
	h.order = append(h.order, id)
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.listeners, id)
			for i, v := range h.order {
				if v == id {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (h *Hub) Publish(ev model.StatusEvent) {
	if ev.Err != nil && ev.ErrMessage == "" {
		ev.ErrMessage = ev.Err.Error()
	}

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.RLock()
	ls := make([]Listener, 0, len(h.order))
	for _, id := range h.order {
		ls = append(ls, h.listeners[id])
	}
	h.mu.RUnlock()

	for _, l := range ls {
		h.deliver(l, ev)
	}
}

// 订阅者的 panic 不能影响状态机
func (h *Hub) deliver(l Listener, ev model.StatusEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[Hub] listener panic on %s/%s: %v\n%s", ev.ChainID, ev.Event, r, debug.Stack())
		}
	}()
	l(ev)
}
