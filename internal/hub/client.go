package hub

import (
	"encoding/json"
	"sync"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Client 代表一个连接到 Hub 的 WebSocket 客户端。
// 它同时是该连接的会话上下文：register 之后的用户身份和当前所在房间都保存在这里，
// 由连接自己的读 goroutine 串行修改。
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	connID string      // 连接 ID，注册前用于日志和限流
	send   chan []byte // 用于向此客户端发送消息的缓冲通道

	mu       sync.Mutex
	userID   string
	name     string
	roomID   string
	cursorX  float64
	cursorY  float64
	lastSeen time.Time
	closed   bool // send 已关闭
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		connID: uuid.NewString(),
		send:   make(chan []byte, 256),
	}
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
}

// ReadPump 读取并分发此连接的消息，同一连接的消息严格按到达顺序处理。
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		c.logCtx().Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logCtx().WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.logCtx().Debug("WebSocket connection closed normally or read error")
			}
			break
		}
		if messageType != websocket.TextMessage {
			c.logCtx().Debugf("Received non-text message type: %d", messageType)
			continue
		}
		c.hub.dispatch(c, message)
	}
}

// WritePump 将 send 通道中的消息写入 WebSocket 连接，并定期发送 Ping。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logCtx().Debug("writePump exited")
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 在注销时关闭了 send 通道
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logCtx().WithError(err).Warn("Failed to write message to websocket")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logCtx().WithError(err).Warn("Failed to send ping message")
				return
			}
		}
	}
}

// enqueue 非阻塞地把消息放入发送队列，连接已注销或队列已满时返回 false
func (c *Client) enqueue(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- message:
		return true
	default:
		metrics.MessagesDropped.WithLabelValues("send_full").Inc()
		logrus.WithFields(logrus.Fields{"user_id": c.userID, "room_id": c.roomID}).
			Warn("Client send channel full, message dropped")
		return false
	}
}

// sendJSON 序列化并发送一条消息
func (c *Client) sendJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logCtx().WithError(err).Error("Failed to marshal outgoing message")
		return false
	}
	return c.enqueue(data)
}

// closeSend 关闭发送通道，WritePump 随后发送 Close 帧并退出。可重复调用。
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

func (c *Client) setRoom(roomID string) {
	c.mu.Lock()
	c.roomID = roomID
	c.mu.Unlock()
}

// clearRoomIf 仅当客户端仍在 roomID 中时清空房间，返回是否清空
func (c *Client) clearRoomIf(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID != roomID {
		return false
	}
	c.roomID = ""
	return true
}

// detach 解除连接与用户身份的绑定 (身份被新连接接管时)
func (c *Client) detach() {
	c.mu.Lock()
	c.userID = ""
	c.roomID = ""
	c.mu.Unlock()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) setCursor(x, y float64) {
	c.mu.Lock()
	c.cursorX, c.cursorY = x, y
	c.mu.Unlock()
}

// Profile 返回连接当前的用户信息
func (c *Client) Profile() domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.User{
		ID:       c.userID,
		Name:     c.name,
		RoomID:   c.roomID,
		CursorX:  c.cursorX,
		CursorY:  c.cursorY,
		LastSeen: c.lastSeen,
	}
}

func (c *Client) setName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

func (c *Client) CloseConn() { c.conn.Close() }

func (c *Client) logCtx() *logrus.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return logrus.WithFields(logrus.Fields{"conn_id": c.connID, "user_id": c.userID, "room_id": c.roomID})
}
