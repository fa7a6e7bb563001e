package hub

import (
	"sync"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/protocol"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/service"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// 包级别的 WebSocket 常量
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// 画布对象 (尤其是手绘路径) 可能很大
	maxMessageSize = 512 * 1024
)

// HubMessage 定义了在 Hub 内部通道传递的连接生命周期消息
type HubMessage struct {
	Type   string // "register", "unregister"
	Client *Client
}

// Config 是 Hub 的可选配置
type Config struct {
	// MessageRateLimit 每个连接在 MessageRateWindow 内允许的消息数，0 表示不限流
	MessageRateLimit  int
	MessageRateWindow time.Duration
}

// Hub 维护活跃连接，并把每个连接的消息交给房间注册表处理。
type Hub struct {
	messageChan chan HubMessage
	done        chan struct{}
	stopOnce    sync.Once

	// conns 是所有打开的连接，users 只包含已完成 register 的连接
	mu    sync.RWMutex
	conns map[*Client]bool
	users map[string]*Client

	registry *service.RoomRegistry
	identity *service.IdentityService
	state    repository.StateRepository // 可为 nil，表示不做消息限流
	cfg      Config
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(registry *service.RoomRegistry, identity *service.IdentityService, state repository.StateRepository, cfg Config) *Hub {
	if registry == nil {
		panic("RoomRegistry cannot be nil for Hub")
	}
	if identity == nil {
		panic("IdentityService cannot be nil for Hub")
	}
	if cfg.MessageRateWindow <= 0 {
		cfg.MessageRateWindow = time.Second
	}
	return &Hub{
		messageChan: make(chan HubMessage, 512),
		done:        make(chan struct{}),
		conns:       make(map[*Client]bool),
		users:       make(map[string]*Client),
		registry:    registry,
		identity:    identity,
		state:       state,
		cfg:         cfg,
	}
}

// Run 启动 Hub 的主事件循环，应该在单独的 goroutine 中运行。
func (h *Hub) Run() {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")
	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case "register":
				h.registerClient(msg.Client)
			case "unregister":
				h.unregisterClient(msg.Client)
			default:
				log.Warnf("Hub: Received unknown message type: %s", msg.Type)
			}
		case <-h.done:
			log.Info("Hub is shutting down...")
			return
		}
	}
}

// Shutdown 停止事件循环并关闭所有连接
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.RLock()
		clients := make([]*Client, 0, len(h.conns))
		for c := range h.conns {
			clients = append(clients, c)
		}
		h.mu.RUnlock()
		for _, c := range clients {
			c.CloseConn()
		}
		logrus.WithField("connections", len(clients)).Info("Hub: all connections closed")
	})
}

// Attach 接管一个已升级的 WebSocket 连接。
// 返回 false 表示 Hub 已停止或繁忙，连接已被关闭。
func (h *Hub) Attach(conn *websocket.Conn) bool {
	client := NewClient(h, conn)
	if !h.QueueMessage(HubMessage{Type: "register", Client: client}) {
		client.CloseConn()
		return false
	}
	client.Run()
	return true
}

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)，队列已满时返回 false
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.messageChan <- msg:
		return true
	default:
		logrus.WithField("message_type", msg.Type).Warn("Hub message channel full, dropping message")
		return false
	}
}

// unregister 把断线交给事件循环；一直等到被接收或 Hub 停止，不会丢弃
func (h *Hub) unregister(c *Client) {
	select {
	case h.messageChan <- HubMessage{Type: "unregister", Client: c}:
	case <-h.done:
	}
}

// ConnectedUsers 返回当前已注册的在线用户数
func (h *Hub) ConnectedUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

func (h *Hub) registerClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	h.mu.Lock()
	h.conns[client] = true
	h.mu.Unlock()
	metrics.Connections.Inc()
	client.logCtx().Info("Client connection registered to Hub")
}

// unregisterClient 处理断线：离开当前房间 (房间可能因此进入宽限期)，释放用户 ID
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	logCtx := client.logCtx().WithField("action", "unregisterClient")

	if roomID := client.RoomID(); roomID != "" {
		h.leaveRoom(client, roomID)
	}

	h.mu.Lock()
	if _, ok := h.conns[client]; !ok {
		h.mu.Unlock()
		logCtx.Warn("Client not found during unregister")
		return
	}
	delete(h.conns, client)
	if uid := client.UserID(); uid != "" && h.users[uid] == client {
		delete(h.users, uid)
	}
	h.mu.Unlock()

	client.closeSend()
	metrics.Connections.Dec()
	logCtx.Info("Client unregistered from Hub")
}

// bindUser 为连接分配用户 ID，preferredID 空闲时沿用它。
// 同一个 ID 不会同时绑定在两个连接上。
func (h *Hub) bindUser(client *Client, preferredID, name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	reclaimed := false
	userID := ""
	if preferredID != "" {
		if _, taken := h.users[preferredID]; !taken {
			userID = preferredID
			reclaimed = true
		}
	}
	if userID == "" {
		userID = h.identity.NewUserID()
	}
	client.mu.Lock()
	client.userID = userID
	client.name = service.NormalizeName(name, userID)
	client.mu.Unlock()
	h.users[userID] = client
	return userID, reclaimed
}

// takeOver 让持有有效令牌的新连接接管 userID：旧连接 (通常是半开的僵尸连接)
// 先离开房间，收到 session_replaced 后被关闭。
func (h *Hub) takeOver(userID string, by *Client) {
	old := h.lookupUser(userID)
	if old == nil || old == by {
		return
	}
	if roomID := old.RoomID(); roomID != "" {
		h.leaveRoom(old, roomID)
	}

	h.mu.Lock()
	if h.users[userID] == old {
		delete(h.users, userID)
	}
	h.mu.Unlock()
	old.detach()

	old.sendJSON(protocol.SessionReplaced{Type: protocol.TypeSessionReplaced, UserID: userID})
	old.closeSend()
	logrus.WithFields(logrus.Fields{"user_id": userID, "old_conn_id": old.connID, "conn_id": by.connID}).
		Info("Identity taken over by a new connection")
}

func (h *Hub) lookupUser(userID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.users[userID]
}

// members 把成员 ID 映射为用户信息，离线的成员只有 ID
func (h *Hub) members(memberIDs []string) []domain.User {
	out := make([]domain.User, 0, len(memberIDs))
	for _, id := range memberIDs {
		if c := h.lookupUser(id); c != nil {
			out = append(out, c.Profile())
			continue
		}
		out = append(out, domain.User{ID: id, Name: id})
	}
	return out
}

// sendToUsers 将消息发送给指定用户 (当前在线的)，跳过 exclude
func (h *Hub) sendToUsers(userIDs []string, v interface{}, exclude *Client) {
	for _, id := range userIDs {
		c := h.lookupUser(id)
		if c == nil || c == exclude {
			continue
		}
		c.sendJSON(v)
	}
}

// broadcastToRoom 发送给房间内除 exclude 外的所有在线成员
func (h *Hub) broadcastToRoom(roomID string, v interface{}, exclude *Client) {
	members, err := h.registry.Members(roomID)
	if err != nil {
		return
	}
	h.sendToUsers(members, v, exclude)
}
