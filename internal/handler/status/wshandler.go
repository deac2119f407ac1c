package status

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"stakeflow/internal/model"
	"stakeflow/pkg/logger"
)

// 客户端请求的消息格式
type ClientMessage struct {
	Action string          `json:"action"` // subscribe | unsubscribe
	Chains []model.ChainID `json:"chains"` // 为空表示全部链
}

// 推送给客户端的消息
type ServerMessage struct {
	Type      string             `json:"type"` // snapshot | status
	Positions []model.Position   `json:"positions,omitempty"`
	Event     *model.StatusEvent `json:"event,omitempty"`
}

type positionSource interface {
	Positions() []model.Position
}

type ClientConn struct {
	Conn *websocket.Conn
	Send chan []byte // 异步发送通道
	// 为空表示订阅全部
	Chains map[model.ChainID]struct{}
}

func (c *ClientConn) wants(chainID model.ChainID) bool {
	if len(c.Chains) == 0 {
		return true
	}
	_, ok := c.Chains[chainID]
	return ok
}

// Handler 把状态事件推送给订阅的websocket客户端
type Handler struct {
	source   positionSource
	mu       sync.RWMutex
	clients  map[*ClientConn]struct{}
	upgrader websocket.Upgrader
}

func NewHandler(source positionSource) *Handler {
	return &Handler{
		source:  source,
		clients: make(map[*ClientConn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true }, // 允许跨域
		},
	}
}

// Broadcast 注册为状态监听，不阻塞：客户端发送队列满时丢弃
func (h *Handler) Broadcast(ev model.StatusEvent) {
	data, err := json.Marshal(ServerMessage{Type: "status", Event: &ev})
	if err != nil {
		logger.Errorf("[StatusWS] marshal event: %v", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(ev.ChainID) {
			continue
		}
		select {
		case client.Send <- data:
		default:
			logger.Warnf("[StatusWS] client queue full, drop %s event", ev.Event)
		}
	}
}

func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[StatusWS] upgrade error: %v", err)
		return
	}
	client := &ClientConn{
		Conn:   conn,
		Send:   make(chan []byte, 100),
		Chains: make(map[model.ChainID]struct{}),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		close(client.Send)
		h.mu.Unlock()
		conn.Close()
	}()

	// 先推送当前仓位
	h.sendSnapshot(client)
	go client.writePump()
	client.readPump(h)
}

func (h *Handler) sendSnapshot(c *ClientConn) {
	var positions []model.Position
	for _, pos := range h.source.Positions() {
		if c.wants(pos.ChainID) {
			positions = append(positions, pos)
		}
	}
	data, err := json.Marshal(ServerMessage{Type: "snapshot", Positions: positions})
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
	}
}

func (h *Handler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *ClientConn) writePump() {
	for msg := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			logger.Warnf("[StatusWS] write error: %v", err)
			break
		}
	}
}

// readPump 读取客户端消息，直到连接断开
func (c *ClientConn) readPump(h *Handler) {
	for {
		_, msg, err := c.Conn.ReadMessage()
		if err != nil {
			logger.Debugf("[StatusWS] client disconnected: %v", err)
			return
		}
		var clientMsg ClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			logger.Warnf("[StatusWS] invalid message: %v", err)
			continue
		}
		h.mu.Lock()
		switch clientMsg.Action {
		case "subscribe":
			for _, id := range clientMsg.Chains {
				c.Chains[id] = struct{}{}
			}
		case "unsubscribe":
			for _, id := range clientMsg.Chains {
				delete(c.Chains, id)
			}
		}
		h.mu.Unlock()
		if clientMsg.Action == "subscribe" {
			h.sendSnapshot(c)
		}
	}
}
