// Package notify 通过 WebSocket 向用户推送叫号与桩释放事件。
package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/taoyao-code/ev-charge-server/internal/coremodel"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// Envelope 推送消息封装
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub 用户连接管理器。
// 同一用户保留最新连接，旧连接被顶替关闭。推送是尽力而为：
// 用户不在线即丢弃，业务正确性不依赖推送到达。
type Hub struct {
	mu       sync.RWMutex
	clients  map[int64]*client
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type client struct {
	userID int64
	ws     *websocket.Conn
	send   chan []byte
	once   sync.Once
}

// NewHub 创建推送中心
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[int64]*client),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS 将 HTTP 连接升级为 WebSocket 并注册到用户
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			zap.Int64("user_id", userID),
			zap.Error(err))
		return
	}

	c := &client{
		userID: userID,
		ws:     conn,
		send:   make(chan []byte, 16),
	}

	h.mu.Lock()
	if old, ok := h.clients[userID]; ok {
		old.close()
	}
	h.clients[userID] = c
	h.mu.Unlock()

	h.logger.Info("notify client connected", zap.Int64("user_id", userID))
	go c.writePump()
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		if h.clients[c.userID] == c {
			delete(h.clients, c.userID)
		}
		h.mu.Unlock()
		c.close()
	}()

	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			h.logger.Info("notify client disconnected",
				zap.Int64("user_id", c.userID),
				zap.Error(err))
			return
		}
		// 入站消息忽略，连接仅用于服务端推送
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.ws.Close()
	})
}

// push 向指定用户投递，不在线或缓冲满时丢弃
func (h *Hub) push(userID int64, env Envelope) {
	h.mu.RLock()
	c, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	msg, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal notify message failed", zap.Error(err))
		return
	}
	select {
	case c.send <- msg:
	default:
		h.logger.Warn("dropping notify message, buffer full",
			zap.Int64("user_id", userID))
	}
}

// QueueCalled 叫号推送：通知被叫用户前往指派的桩
func (h *Hub) QueueCalled(entry *coremodel.QueueEntry) {
	data := map[string]interface{}{
		"queueNo":   entry.QueueNo,
		"stationId": entry.StationID,
	}
	if entry.PileID != nil {
		data["pileId"] = *entry.PileID
	}
	if entry.Deadline != nil {
		data["deadline"] = entry.Deadline.Format(time.RFC3339)
	}
	h.push(entry.UserID, Envelope{Type: "queue_called", Data: data})
}

// PileFreed 桩释放且无人排队，广播给所有在线用户
func (h *Hub) PileFreed(stationID, pileID int64) {
	env := Envelope{Type: "pile_freed", Data: map[string]interface{}{
		"stationId": stationID,
		"pileId":    pileID,
	}}
	msg, err := json.Marshal(env)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
		}
	}
}

// Online 当前在线连接数
func (h *Hub) Online() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
