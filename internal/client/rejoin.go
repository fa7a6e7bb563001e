package client

import (
	"sync"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/protocol"

	"github.com/sirupsen/logrus"
)

// RejoinState 是自动重连房间状态机的状态
type RejoinState int

const (
	StateIdle RejoinState = iota
	StateCheckingSession
	StateRejoining
	StateRejoinSucceeded
	StateRejoinFailed
)

func (s RejoinState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCheckingSession:
		return "checking_session"
	case StateRejoining:
		return "rejoining"
	case StateRejoinSucceeded:
		return "rejoin_succeeded"
	case StateRejoinFailed:
		return "rejoin_failed"
	}
	return "unknown"
}

// RejoinFailedMessage 重连失败时展示给用户的提示
const RejoinFailedMessage = "Could not rejoin the room, it may no longer exist"

// Sender 发送一条协议消息，由当前连接实现
type Sender interface {
	Send(v interface{}) error
}

// Notifier 接收重连结果通知
type Notifier interface {
	RejoinSucceeded(session RoomSession)
	RejoinFailed(roomID, message string)
}

// Restorer 在重连成功后恢复本地状态，serverCanvas 为服务端下发的画布
type Restorer interface {
	Restore(serverCanvas *domain.CanvasState) bool
}

// Identity 是服务端确认过的本地身份
type Identity struct {
	UserID string
	Name   string
	Token  string
}

// Coordinator 是显式的会话上下文：持有身份、当前房间和重连状态机。
// 所有方法都可以在任意 goroutine 中调用；通知在释放锁之后发出。
type Coordinator struct {
	store    *LocalSessionStore
	notifier Notifier
	restorer Restorer
	log      *logrus.Entry

	mu       sync.Mutex
	sender   Sender
	state    RejoinState
	inFlight bool
	joinSent bool
	target   RoomSession
	identity Identity
	roomID   string
	isHost   bool
}

// CoordinatorOption 配置 Coordinator
type CoordinatorOption func(*Coordinator)

func WithNotifier(n Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

func WithRestorer(r Restorer) CoordinatorOption {
	return func(c *Coordinator) { c.restorer = r }
}

// WithDisplayName 设置没有保存会话时注册使用的名字
func WithDisplayName(name string) CoordinatorOption {
	return func(c *Coordinator) { c.identity.Name = name }
}

func NewCoordinator(store *LocalSessionStore, opts ...CoordinatorOption) *Coordinator {
	if store == nil {
		panic("client.NewCoordinator: store cannot be nil")
	}
	c := &Coordinator{
		store: store,
		state: StateIdle,
		log:   logrus.WithField("component", "rejoin_coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State 返回当前状态
func (c *Coordinator) State() RejoinState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Identity() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// CurrentRoom 返回当前所在房间，不在房间时为空
func (c *Coordinator) CurrentRoom() (roomID string, isHost bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.isHost
}

// OnTransportOpen 在每次连接建立后调用一次：先注册身份，再检查本地会话。
// 有可用会话时进入 Rejoining，等收到 registered 后才发送 join_room。
func (c *Coordinator) OnTransportOpen(sender Sender) error {
	c.mu.Lock()
	c.sender = sender
	c.state = StateCheckingSession

	session, ok := c.store.Load()
	register := protocol.Register{Type: protocol.TypeRegister, Name: c.identity.Name, Token: c.identity.Token}
	if ok {
		register.Name = session.UserName
		if session.Token != "" {
			register.Token = session.Token
		}
	}

	switch {
	case !ok:
		c.state = StateIdle
	case c.inFlight:
		c.log.WithField("room_id", c.target.RoomID).Debug("Rejoin already in flight, ignoring duplicate open")
		c.state = StateIdle
	default:
		c.state = StateRejoining
		c.inFlight = true
		c.joinSent = false
		c.target = session
		c.log.WithFields(logrus.Fields{"room_id": session.RoomID, "user_id": session.UserID}).Info("Saved room session found, rejoining after registration")
	}
	c.mu.Unlock()

	return sender.Send(register)
}

// OnRegistered 处理 registered 确认；重连中则此时发送 join_room
func (c *Coordinator) OnRegistered(msg protocol.Registered) error {
	c.mu.Lock()
	if !msg.Success {
		// 没有身份就无法 join_room，重连直接失败
		if !c.inFlight || c.joinSent {
			c.mu.Unlock()
			return nil
		}
		c.inFlight = false
		c.state = StateRejoinFailed
		target := c.target
		c.mu.Unlock()
		c.log.WithField("room_id", target.RoomID).Warn("Registration rejected, rejoin abandoned")
		if c.notifier != nil {
			c.notifier.RejoinFailed(target.RoomID, RejoinFailedMessage)
		}
		return nil
	}
	c.identity = Identity{UserID: msg.UserID, Name: msg.Name, Token: msg.Token}
	if !c.inFlight || c.joinSent || c.sender == nil {
		c.mu.Unlock()
		return nil
	}
	c.joinSent = true
	sender := c.sender
	roomID := c.target.RoomID
	c.mu.Unlock()

	return sender.Send(protocol.JoinRoom{Type: protocol.TypeJoinRoom, RoomID: roomID})
}

// OnRoomJoined 处理 room_joined。重连中的确认驱动状态机；
// 手动加入成功时只更新本地会话，保证刷新后可以自动重连。
func (c *Coordinator) OnRoomJoined(msg protocol.RoomJoined) {
	c.mu.Lock()
	rejoin := c.inFlight && c.joinSent

	if !rejoin {
		if msg.Success {
			c.roomID, c.isHost = msg.RoomID, msg.IsHost
			c.saveLocked()
		}
		c.mu.Unlock()
		return
	}

	c.inFlight = false
	target := c.target
	if !msg.Success {
		c.state = StateRejoinFailed
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{"room_id": target.RoomID, "reason": msg.Reason}).Warn("Rejoin rejected by server")
		if c.notifier != nil {
			c.notifier.RejoinFailed(target.RoomID, RejoinFailedMessage)
		}
		return
	}

	c.state = StateRejoinSucceeded
	c.roomID, c.isHost = msg.RoomID, msg.IsHost
	session := c.saveLocked()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"room_id": session.RoomID, "user_id": session.UserID, "is_host": session.IsHost}).Info("Rejoined room")
	if c.notifier != nil {
		c.notifier.RejoinSucceeded(session)
	}
	if c.restorer != nil {
		c.restorer.Restore(msg.CanvasState)
	}
}

// OnTransportClosed 连接断开。未收到确认的重连按失败处理，本地会话保留以便下次重试。
func (c *Coordinator) OnTransportClosed() {
	c.mu.Lock()
	c.sender = nil
	c.roomID, c.isHost = "", false
	if !c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = false
	c.state = StateRejoinFailed
	roomID := c.target.RoomID
	c.mu.Unlock()

	c.log.WithField("room_id", roomID).Warn("Connection closed before rejoin was acknowledged")
	if c.notifier != nil {
		c.notifier.RejoinFailed(roomID, RejoinFailedMessage)
	}
}

// Leave 是用户主动离开房间：清除本地会话并回到 Idle，之后不会再自动重连
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	roomID, sender := c.roomID, c.sender
	c.roomID, c.isHost = "", false
	c.inFlight = false
	c.state = StateIdle
	c.store.Clear()
	c.mu.Unlock()

	if roomID == "" || sender == nil {
		return nil
	}
	return sender.Send(protocol.LeaveRoom{Type: protocol.TypeLeaveRoom, RoomID: roomID})
}

// OnKicked 被房主踢出后不应再自动回到该房间
func (c *Coordinator) OnKicked(msg protocol.Kicked) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID != "" && msg.RoomID != "" && msg.RoomID != c.roomID {
		return
	}
	c.roomID, c.isHost = "", false
	c.inFlight = false
	c.state = StateIdle
	c.store.Clear()
	c.log.WithFields(logrus.Fields{"room_id": msg.RoomID, "by": msg.By}).Info("Kicked from room, session cleared")
}

// OnNameUpdated 记录新名字，在房间中时同步更新本地会话
func (c *Coordinator) OnNameUpdated(msg protocol.NameUpdated) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity.Name = msg.Name
	if c.roomID != "" {
		c.saveLocked()
	}
}

// saveLocked 用服务端确认过的身份写入会话，调用方持有 c.mu
func (c *Coordinator) saveLocked() RoomSession {
	c.store.Save(c.roomID, c.identity.UserID, c.identity.Name, c.isHost, WithToken(c.identity.Token))
	return RoomSession{
		RoomID:   c.roomID,
		UserID:   c.identity.UserID,
		UserName: c.identity.Name,
		IsHost:   c.isHost,
		Token:    c.identity.Token,
	}
}
