package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/protocol"

	"github.com/sirupsen/logrus"
)

// ErrSessionReplaced 表示同一身份已在另一个连接上登录，运行时不再重连
var ErrSessionReplaced = errors.New("session taken over by another connection")

// RuntimeConfig 配置客户端运行时
type RuntimeConfig struct {
	ServerURL    string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// OnMessage 在内部处理之后收到每条服务端消息，可为空
	OnMessage func(msgType string, raw []byte)
}

// Runtime 维护到服务端的连接：断线自动重连，并把消息分发给 Coordinator 和 Workspace。
type Runtime struct {
	cfg         RuntimeConfig
	coordinator *Coordinator
	workspace   *Workspace
	log         *logrus.Entry

	mu       sync.Mutex
	conn     *Conn
	replaced atomic.Bool
}

func NewRuntime(cfg RuntimeConfig, coordinator *Coordinator, workspace *Workspace) *Runtime {
	if coordinator == nil || workspace == nil {
		panic("client.NewRuntime: coordinator and workspace cannot be nil")
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 10 * time.Second
	}
	return &Runtime{
		cfg:         cfg,
		coordinator: coordinator,
		workspace:   workspace,
		log:         logrus.WithField("component", "client_runtime"),
	}
}

// Run 连接服务端并阻塞，连接断开后按指数退避重连，直到 ctx 结束
func (r *Runtime) Run(ctx context.Context) error {
	backoff := r.cfg.ReconnectMin
	for {
		conn, err := Dial(ctx, r.cfg.ServerURL, nil)
		if err != nil {
			r.log.WithError(err).Warnf("Connect failed, retrying in %s", backoff)
		} else {
			backoff = r.cfg.ReconnectMin
			r.serve(ctx, conn)
			if r.replaced.Load() {
				return ErrSessionReplaced
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.cfg.ReconnectMax {
			backoff = r.cfg.ReconnectMax
		}
	}
}

func (r *Runtime) serve(ctx context.Context, conn *Conn) {
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	r.log.Info("Connected to server")

	if err := r.coordinator.OnTransportOpen(conn); err != nil {
		r.log.WithError(err).Warn("Failed to register")
	}
	if err := conn.ReadLoop(ctx, r.handle); err != nil && ctx.Err() == nil {
		r.log.WithError(err).Warn("Connection lost")
	}

	r.mu.Lock()
	r.conn = nil
	r.mu.Unlock()
	_ = conn.Close()
	r.coordinator.OnTransportClosed()
}

// Send 通过当前连接发送消息
func (r *Runtime) Send(v interface{}) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(v)
}

func (r *Runtime) CreateRoom(name string, maxUsers int) error {
	return r.Send(protocol.CreateRoom{Type: protocol.TypeCreateRoom, RoomName: name, MaxUsers: maxUsers})
}

func (r *Runtime) JoinRoom(roomID string) error {
	return r.Send(protocol.JoinRoom{Type: protocol.TypeJoinRoom, RoomID: roomID})
}

// LeaveRoom 主动离开房间，之后刷新不会自动重连
func (r *Runtime) LeaveRoom() error {
	r.workspace.SetBroadcast(domain.BroadcastState{})
	return r.coordinator.Leave()
}

// SetBroadcast 房主开关广播模式
func (r *Runtime) SetBroadcast(enabled bool) error {
	return r.Send(protocol.HostBroadcastControl{Type: protocol.TypeHostBroadcastControl, Enabled: enabled})
}

// BroadcastPDF 房主同步 PDF (load / page_change / close)。
// 房主自己的 PDF 在 Document 中，Workspace 的广播状态只反映跟随的内容。
func (r *Runtime) BroadcastPDF(action string, pdf domain.BroadcastPDF) error {
	return r.Send(protocol.HostBroadcastPDF{Type: protocol.TypeHostBroadcastPDF, Action: action, Data: pdf})
}

func (r *Runtime) BroadcastAIMessage(message json.RawMessage) error {
	return r.Send(protocol.HostBroadcastAIMessage{Type: protocol.TypeHostBroadcastAIMessage, Message: message})
}

func (r *Runtime) SendVideoCallEvent(eventType string, data json.RawMessage) error {
	return r.Send(protocol.VideoCallEvent{Type: protocol.TypeVideoCallEvent, EventType: eventType, Data: data})
}

func (r *Runtime) UpdateName(name string) error {
	return r.Send(protocol.UpdateName{Type: protocol.TypeUpdateName, Name: name})
}

// SendCanvasEvent 先应用到本地画布再发送给房间
func (r *Runtime) SendCanvasEvent(ev domain.CanvasEvent) error {
	roomID, _ := r.coordinator.CurrentRoom()
	if roomID == "" {
		return fmt.Errorf("not in a room")
	}
	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	r.workspace.ApplyEvent(ev)
	return r.Send(protocol.CanvasEvent{Type: protocol.TypeCanvasEvent, RoomID: roomID, Payload: payload})
}

func (r *Runtime) handle(msgType string, raw []byte) {
	switch msgType {
	case protocol.TypeRegistered:
		var msg protocol.Registered
		if r.decode(raw, &msg) {
			if err := r.coordinator.OnRegistered(msg); err != nil {
				r.log.WithError(err).Warn("Failed to send rejoin request")
			}
		}

	case protocol.TypeRoomJoined:
		var msg protocol.RoomJoined
		if r.decode(raw, &msg) {
			if msg.Success {
				if msg.CanvasState != nil {
					r.workspace.LoadServerCanvas(*msg.CanvasState)
				}
				r.workspace.SetBroadcast(domain.BroadcastState{Enabled: msg.BroadcastEnabled, HostID: msg.HostID, PDF: msg.BroadcastPDF})
			}
			r.coordinator.OnRoomJoined(msg)
		}

	case protocol.TypeCanvasEvent:
		var msg protocol.CanvasEvent
		if r.decode(raw, &msg) {
			ev, err := domain.ParseCanvasEvent(msg.EventBody())
			if err != nil {
				r.log.WithError(err).Debug("Ignoring invalid canvas event")
				break
			}
			r.workspace.ApplyEvent(ev)
		}

	case protocol.TypeHostBroadcastState:
		var msg protocol.HostBroadcastState
		if r.decode(raw, &msg) {
			r.workspace.SetBroadcast(domain.BroadcastState{Enabled: msg.Enabled, HostID: msg.HostID, PDF: msg.PDF})
		}

	case protocol.TypeHostBroadcastPDF:
		var msg protocol.HostBroadcastPDF
		if r.decode(raw, &msg) {
			r.workspace.ApplyBroadcastPDF(msg.Action, msg.Data)
		}

	case protocol.TypeKicked:
		var msg protocol.Kicked
		if r.decode(raw, &msg) {
			r.coordinator.OnKicked(msg)
			r.workspace.SetBroadcast(domain.BroadcastState{})
		}

	case protocol.TypeSessionReplaced:
		r.replaced.Store(true)
		r.log.Warn("Identity is now used by another connection, not reconnecting")

	case protocol.TypeNameUpdated:
		var msg protocol.NameUpdated
		if r.decode(raw, &msg) {
			r.coordinator.OnNameUpdated(msg)
		}

	case protocol.TypeError:
		var msg protocol.Error
		if r.decode(raw, &msg) {
			r.log.WithField("message", msg.Message).Warn("Server error")
		}
	}

	if r.cfg.OnMessage != nil {
		r.cfg.OnMessage(msgType, raw)
	}
}

func (r *Runtime) decode(raw []byte, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		r.log.WithError(err).Warn("Failed to decode server message")
		return false
	}
	return true
}
