// Package protocol 定义服务端与客户端之间的 WebSocket 消息格式。
// 每条消息都是带 "type" 字段的扁平 JSON 对象。
package protocol

import (
	"encoding/json"
	"fmt"

	"collaborative-canvas/internal/domain"
)

// 客户端 -> 服务端
const (
	TypeRegister    = "register"
	TypeCreateRoom  = "create_room"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeCanvasEvent = "canvas_event"
	TypeCursorMove  = "cursor_move"
	TypeUpdateName  = "update_name"
	TypeKickUser    = "kick_user"
	TypePing        = "ping"

	TypeHostBroadcastControl   = "host_broadcast_control"
	TypeHostBroadcastPDF       = "host_broadcast_pdf"
	TypeHostBroadcastAIMessage = "host_broadcast_ai_message"
	TypeVideoCallEvent         = "video_call_event"
)

// 服务端 -> 客户端
const (
	TypeRegistered      = "registered"
	TypeRoomCreated     = "room_created"
	TypeRoomJoined      = "room_joined"
	TypeRoomLeft        = "room_left"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeNameUpdated     = "name_updated"
	TypeUserNameUpdated = "user_name_updated"
	TypeKickResult      = "kick_result"
	TypeKicked          = "kicked"
	TypeUserKicked      = "user_kicked"
	TypePong            = "pong"
	TypeError           = "error"

	TypeHostBroadcastState = "host_broadcast_state"
	// TypeSessionReplaced 同一身份在新连接上注册，旧连接随后被关闭
	TypeSessionReplaced = "session_replaced"
)

// room_joined / room_created 失败原因
const (
	ReasonNotFound      = "not_found"
	ReasonFull          = "full"
	ReasonNotRegistered = "not_registered"
	ReasonInvalid       = "invalid_request"
)

// Envelope 只用于读取消息类型
type Envelope struct {
	Type string `json:"type"`
}

// PeekType 解析原始消息的类型字段
func PeekType(raw []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("malformed message: %w", err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("malformed message: missing type")
	}
	return env.Type, nil
}

// --- 请求 ---

type Register struct {
	Type  string `json:"type"`
	Name  string `json:"name,omitempty"`
	Token string `json:"token,omitempty"` // 刷新前签发的身份令牌
}

type CreateRoom struct {
	Type     string `json:"type"`
	RoomName string `json:"room_name,omitempty"`
	MaxUsers int    `json:"max_users,omitempty"`
}

type JoinRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

type LeaveRoom struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id,omitempty"`
}

// CanvasEvent 同时用于请求和转发；转发时服务端补上 UserID。
// 旧客户端把事件放在 "event" 字段里，服务端两者都接受。
type CanvasEvent struct {
	Type    string          `json:"type"`
	RoomID  string          `json:"room_id,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

// EventBody 返回事件内容，优先使用 payload
func (m CanvasEvent) EventBody() json.RawMessage {
	if len(m.Payload) > 0 && string(m.Payload) != "null" {
		return m.Payload
	}
	return m.Event
}

type CursorMove struct {
	Type     string  `json:"type"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	UserID   string  `json:"user_id,omitempty"`
	UserName string  `json:"user_name,omitempty"`
}

type UpdateName struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type KickUser struct {
	Type         string `json:"type"`
	TargetUserID string `json:"target_user_id"`
}

type HostBroadcastControl struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// HostBroadcastPDF 同时用于请求和转发；转发时服务端补上 HostID
type HostBroadcastPDF struct {
	Type   string              `json:"type"`
	HostID string              `json:"host_id,omitempty"`
	Action string              `json:"action"`
	Data   domain.BroadcastPDF `json:"data"`
}

// HostBroadcastAIMessage 的消息内容由前端定义，服务端原样转发
type HostBroadcastAIMessage struct {
	Type    string          `json:"type"`
	HostID  string          `json:"host_id,omitempty"`
	Message json.RawMessage `json:"message"`
}

// VideoCallEvent 是视频通话的信令事件，服务端只在房间内转发
type VideoCallEvent struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Timestamp float64         `json:"timestamp,omitempty"` // 秒
}

// --- 响应与广播 ---

type Registered struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Token   string `json:"token,omitempty"`
}

type RoomCreated struct {
	Type     string `json:"type"`
	Success  bool   `json:"success"`
	RoomID   string `json:"room_id,omitempty"`
	RoomName string `json:"room_name,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type RoomJoined struct {
	Type        string              `json:"type"`
	Success     bool                `json:"success"`
	RoomID      string              `json:"room_id"`
	RoomName    string              `json:"room_name,omitempty"`
	IsHost      bool                `json:"is_host"`
	HostID      string              `json:"host_id,omitempty"`
	Users       []domain.User       `json:"users,omitempty"`
	CanvasState *domain.CanvasState `json:"canvas_state,omitempty"`
	Reason      string              `json:"reason,omitempty"`

	BroadcastEnabled bool                 `json:"broadcast_enabled"`
	BroadcastPDF     *domain.BroadcastPDF `json:"broadcast_pdf,omitempty"`
}

type RoomLeft struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// Presence 用于 user_joined / user_left
type Presence struct {
	Type     string        `json:"type"`
	UserID   string        `json:"user_id"`
	UserName string        `json:"user_name"`
	User     *domain.User  `json:"user,omitempty"`
	Users    []domain.User `json:"users"`
}

// NameUpdated 用于 name_updated (发给本人) 和 user_name_updated (发给房间其他成员)
type NameUpdated struct {
	Type    string       `json:"type"`
	UserID  string       `json:"user_id,omitempty"`
	Name    string       `json:"name"`
	OldName string       `json:"old_name,omitempty"`
	User    *domain.User `json:"user,omitempty"`
}

type HostBroadcastState struct {
	Type    string               `json:"type"`
	Enabled bool                 `json:"enabled"`
	HostID  string               `json:"host_id"`
	PDF     *domain.BroadcastPDF `json:"pdf"`
}

type SessionReplaced struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

type KickResult struct {
	Type         string `json:"type"`
	Success      bool   `json:"success"`
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason,omitempty"`
}

type Kicked struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
	By     string `json:"by"`
}

type UserKicked struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

type Pong struct {
	Type string `json:"type"`
}

type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewError 构造错误消息
func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}
