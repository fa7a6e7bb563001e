package hub

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/protocol"
	"collaborative-canvas/internal/service"

	"github.com/sirupsen/logrus"
)

const rateLimitTimeout = 500 * time.Millisecond

// dispatch 在连接的读 goroutine 中处理一条消息
func (h *Hub) dispatch(c *Client, raw []byte) {
	msgType, err := protocol.PeekType(raw)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		c.logCtx().WithError(err).Debug("Dropping malformed message")
		c.sendJSON(protocol.NewError("Invalid message format"))
		return
	}
	c.touch()
	if !h.allowMessage(c) {
		metrics.MessagesDropped.WithLabelValues("rate_limited").Inc()
		c.sendJSON(protocol.NewError("Rate limit exceeded"))
		return
	}

	switch msgType {
	case protocol.TypeRegister:
		var req protocol.Register
		if h.decode(c, raw, &req) {
			h.handleRegister(c, req)
		}
	case protocol.TypeCreateRoom:
		var req protocol.CreateRoom
		if h.decode(c, raw, &req) {
			h.handleCreateRoom(c, req)
		}
	case protocol.TypeJoinRoom:
		var req protocol.JoinRoom
		if h.decode(c, raw, &req) {
			h.handleJoinRoom(c, req)
		}
	case protocol.TypeLeaveRoom:
		h.handleLeaveRoom(c)
	case protocol.TypeCanvasEvent:
		var req protocol.CanvasEvent
		if h.decode(c, raw, &req) {
			h.handleCanvasEvent(c, req)
		}
	case protocol.TypeCursorMove:
		var req protocol.CursorMove
		if h.decode(c, raw, &req) {
			h.handleCursorMove(c, req)
		}
	case protocol.TypeUpdateName:
		var req protocol.UpdateName
		if h.decode(c, raw, &req) {
			h.handleUpdateName(c, req)
		}
	case protocol.TypeKickUser:
		var req protocol.KickUser
		if h.decode(c, raw, &req) {
			h.handleKickUser(c, req)
		}
	case protocol.TypeHostBroadcastControl:
		var req protocol.HostBroadcastControl
		if h.decode(c, raw, &req) {
			h.handleBroadcastControl(c, req)
		}
	case protocol.TypeHostBroadcastPDF:
		var req protocol.HostBroadcastPDF
		if h.decode(c, raw, &req) {
			h.handleBroadcastPDF(c, req)
		}
	case protocol.TypeHostBroadcastAIMessage:
		var req protocol.HostBroadcastAIMessage
		if h.decode(c, raw, &req) {
			h.handleBroadcastAIMessage(c, req)
		}
	case protocol.TypeVideoCallEvent:
		var req protocol.VideoCallEvent
		if h.decode(c, raw, &req) {
			h.handleVideoCallEvent(c, req)
		}
	case protocol.TypePing:
		c.sendJSON(protocol.Pong{Type: protocol.TypePong})
	default:
		c.logCtx().WithField("message_type", msgType).Debug("Unknown message type")
		c.sendJSON(protocol.NewError("Unknown message type: " + msgType))
	}
}

func (h *Hub) decode(c *Client, raw []byte, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		c.sendJSON(protocol.NewError("Invalid message format"))
		return false
	}
	return true
}

// allowMessage 固定窗口限流，Redis 出错时放行
func (h *Hub) allowMessage(c *Client) bool {
	if h.state == nil || h.cfg.MessageRateLimit <= 0 {
		return true
	}
	key := c.UserID()
	if key == "" {
		key = c.connID
	}
	ctx, cancel := context.WithTimeout(context.Background(), rateLimitTimeout)
	defer cancel()
	exceeded, err := h.state.CheckRateLimit(ctx, "ratelimit:ws:"+key, h.cfg.MessageRateLimit, h.cfg.MessageRateWindow)
	if err != nil {
		c.logCtx().WithError(err).Error("Failed to check websocket rate limit")
		return true
	}
	if exceeded {
		c.logCtx().Warn("Websocket message rate limit exceeded")
	}
	return !exceeded
}

// handleRegister 分配用户 ID；带有效令牌时取回原 ID，原 ID 仍绑定在其他连接上则接管它
func (h *Hub) handleRegister(c *Client, req protocol.Register) {
	if uid := c.UserID(); uid != "" {
		// 重复 register 直接返回现有身份
		token, _ := h.identity.IssueToken(uid, c.Name())
		c.sendJSON(protocol.Registered{Type: protocol.TypeRegistered, Success: true, UserID: uid, Name: c.Name(), Token: token})
		return
	}

	preferred, name := "", req.Name
	if req.Token != "" {
		ident, err := h.identity.ParseToken(req.Token)
		if err != nil {
			c.logCtx().WithError(err).Info("Ignoring invalid identity token, issuing a new user id")
		} else {
			preferred = ident.UserID
			if strings.TrimSpace(name) == "" {
				name = ident.Name
			}
			h.takeOver(preferred, c)
		}
	}

	userID, reclaimed := h.bindUser(c, preferred, name)
	token, err := h.identity.IssueToken(userID, c.Name())
	if err != nil {
		c.sendJSON(protocol.Registered{Type: protocol.TypeRegistered, Success: false, UserID: userID, Name: c.Name()})
		return
	}
	c.logCtx().WithField("reclaimed", reclaimed).Info("User registered")
	c.sendJSON(protocol.Registered{Type: protocol.TypeRegistered, Success: true, UserID: userID, Name: c.Name(), Token: token})
}

func (h *Hub) handleCreateRoom(c *Client, req protocol.CreateRoom) {
	userID := c.UserID()
	if userID == "" {
		c.sendJSON(protocol.RoomCreated{Type: protocol.TypeRoomCreated, Success: false, Reason: protocol.ReasonNotRegistered})
		return
	}
	if current := c.RoomID(); current != "" {
		h.leaveRoom(c, current)
	}

	room, err := h.registry.CreateRoom(userID, req.RoomName, req.MaxUsers)
	if err != nil {
		c.logCtx().WithError(err).Error("Failed to create room")
		c.sendJSON(protocol.RoomCreated{Type: protocol.TypeRoomCreated, Success: false, Reason: protocol.ReasonInvalid})
		return
	}
	c.setRoom(room.ID)
	canvas, _ := h.registry.Canvas(room.ID)

	c.sendJSON(protocol.RoomCreated{Type: protocol.TypeRoomCreated, Success: true, RoomID: room.ID, RoomName: room.Name})
	c.sendJSON(protocol.RoomJoined{
		Type:        protocol.TypeRoomJoined,
		Success:     true,
		RoomID:      room.ID,
		RoomName:    room.Name,
		IsHost:      true,
		HostID:      room.HostID,
		Users:       h.members([]string{userID}),
		CanvasState: &canvas,
	})
}

// handleJoinRoom 处理加入和自动重连，两者在服务端没有区别
func (h *Hub) handleJoinRoom(c *Client, req protocol.JoinRoom) {
	roomID := strings.ToUpper(strings.TrimSpace(req.RoomID))
	userID := c.UserID()
	if userID == "" {
		c.sendJSON(protocol.RoomJoined{Type: protocol.TypeRoomJoined, Success: false, RoomID: roomID, Reason: protocol.ReasonNotRegistered})
		return
	}
	if roomID == "" {
		c.sendJSON(protocol.RoomJoined{Type: protocol.TypeRoomJoined, Success: false, Reason: protocol.ReasonNotFound})
		return
	}
	if current := c.RoomID(); current != "" && current != roomID {
		h.leaveRoom(c, current)
	}

	res, err := h.registry.JoinRoom(roomID, userID)
	if err != nil {
		reason := protocol.ReasonNotFound
		if errors.Is(err, service.ErrRoomFull) {
			reason = protocol.ReasonFull
		}
		c.sendJSON(protocol.RoomJoined{Type: protocol.TypeRoomJoined, Success: false, RoomID: roomID, Reason: reason})
		return
	}
	c.setRoom(roomID)

	users := h.members(res.Members)
	c.sendJSON(protocol.RoomJoined{
		Type:        protocol.TypeRoomJoined,
		Success:     true,
		RoomID:      roomID,
		RoomName:    res.Room.Name,
		IsHost:      res.IsHost,
		HostID:      res.Room.HostID,
		Users:       users,
		CanvasState: &res.Canvas,

		BroadcastEnabled: res.Broadcast.Enabled,
		BroadcastPDF:     res.Broadcast.PDF,
	})
	if !res.AlreadyMember {
		profile := c.Profile()
		h.sendToUsers(res.Members, protocol.Presence{
			Type: protocol.TypeUserJoined, UserID: userID, UserName: profile.Name, User: &profile, Users: users,
		}, c)
	}
}

func (h *Hub) handleLeaveRoom(c *Client) {
	roomID := c.RoomID()
	if roomID == "" {
		c.sendJSON(protocol.NewError("Not in a room"))
		return
	}
	h.leaveRoom(c, roomID)
	c.sendJSON(protocol.RoomLeft{Type: protocol.TypeRoomLeft, RoomID: roomID})
}

// leaveRoom 把连接移出房间并通知剩余成员
func (h *Hub) leaveRoom(c *Client, roomID string) {
	if !c.clearRoomIf(roomID) {
		return
	}
	res, err := h.registry.LeaveRoom(roomID, c.UserID())
	if err != nil {
		// 房间已被清理或用户已被踢出
		c.logCtx().WithError(err).WithField("left_room_id", roomID).Debug("Leave ignored by registry")
		return
	}
	if res.BroadcastReset {
		h.sendToUsers(res.Members, protocol.HostBroadcastState{Type: protocol.TypeHostBroadcastState, Enabled: false, HostID: res.Room.HostID}, c)
	}
	profile := c.Profile()
	h.sendToUsers(res.Members, protocol.Presence{
		Type: protocol.TypeUserLeft, UserID: profile.ID, UserName: profile.Name, User: &profile, Users: h.members(res.Members),
	}, c)
}

func (h *Hub) handleCanvasEvent(c *Client, req protocol.CanvasEvent) {
	roomID := c.RoomID()
	if roomID == "" {
		c.sendJSON(protocol.NewError("Not in a room"))
		return
	}
	body := req.EventBody()
	ev, err := domain.ParseCanvasEvent(body)
	if err != nil {
		metrics.MessagesDropped.WithLabelValues("malformed").Inc()
		c.logCtx().WithError(err).Debug("Invalid canvas event")
		c.sendJSON(protocol.NewError(service.ErrInvalidCanvasEvent.Error()))
		return
	}
	_, recipients, err := h.registry.ApplyCanvasEvent(roomID, c.UserID(), ev)
	if err != nil {
		c.logCtx().WithError(err).Warn("Canvas event rejected")
		c.sendJSON(protocol.NewError(err.Error()))
		return
	}
	h.sendToUsers(recipients, protocol.CanvasEvent{
		Type:    protocol.TypeCanvasEvent,
		RoomID:  roomID,
		UserID:  c.UserID(),
		Payload: body,
	}, c)
}

func (h *Hub) handleCursorMove(c *Client, req protocol.CursorMove) {
	roomID := c.RoomID()
	if roomID == "" {
		return
	}
	c.setCursor(req.X, req.Y)
	h.broadcastToRoom(roomID, protocol.CursorMove{
		Type: protocol.TypeCursorMove, X: req.X, Y: req.Y, UserID: c.UserID(), UserName: c.Name(),
	}, c)
}

func (h *Hub) handleUpdateName(c *Client, req protocol.UpdateName) {
	userID := c.UserID()
	if userID == "" {
		c.sendJSON(protocol.NewError("Not registered"))
		return
	}
	name := service.NormalizeName(req.Name, userID)
	oldName := c.Name()
	c.setName(name)
	c.sendJSON(protocol.NameUpdated{Type: protocol.TypeNameUpdated, UserID: userID, Name: name})
	if roomID := c.RoomID(); roomID != "" {
		profile := c.Profile()
		h.broadcastToRoom(roomID, protocol.NameUpdated{
			Type: protocol.TypeUserNameUpdated, UserID: userID, Name: name, OldName: oldName, User: &profile,
		}, c)
	}
}

func (h *Hub) handleKickUser(c *Client, req protocol.KickUser) {
	roomID := c.RoomID()
	result := protocol.KickResult{Type: protocol.TypeKickResult, TargetUserID: req.TargetUserID}
	if roomID == "" {
		result.Reason = "not in a room"
		c.sendJSON(result)
		return
	}

	res, err := h.registry.KickUser(roomID, c.UserID(), req.TargetUserID)
	if err != nil {
		c.logCtx().WithError(err).WithField("target_user_id", req.TargetUserID).Info("Kick rejected")
		result.Reason = err.Error()
		c.sendJSON(result)
		return
	}

	targetName := req.TargetUserID
	if target := h.lookupUser(req.TargetUserID); target != nil {
		targetName = target.Name()
		if target.clearRoomIf(roomID) {
			target.sendJSON(protocol.Kicked{Type: protocol.TypeKicked, RoomID: roomID, By: c.UserID()})
		}
	}
	result.Success = true
	c.sendJSON(result)
	h.sendToUsers(res.Members, protocol.UserKicked{Type: protocol.TypeUserKicked, UserID: req.TargetUserID, UserName: targetName}, c)
	logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": c.UserID(), "target_user_id": req.TargetUserID}).Info("User kicked from room")
}

// handleBroadcastControl 房主开关广播模式，结果发给房间所有成员 (包括房主)
func (h *Hub) handleBroadcastControl(c *Client, req protocol.HostBroadcastControl) {
	roomID := c.RoomID()
	if roomID == "" {
		c.sendJSON(protocol.NewError("Not in a room"))
		return
	}
	res, err := h.registry.SetBroadcast(roomID, c.UserID(), req.Enabled)
	if err != nil {
		c.logCtx().WithError(err).Info("Broadcast control rejected")
		c.sendJSON(protocol.NewError(err.Error()))
		return
	}
	msg := protocol.HostBroadcastState{Type: protocol.TypeHostBroadcastState, Enabled: res.State.Enabled, HostID: res.State.HostID, PDF: res.State.PDF}
	c.sendJSON(msg)
	h.sendToUsers(res.Members, msg, c)
}

func (h *Hub) handleBroadcastPDF(c *Client, req protocol.HostBroadcastPDF) {
	roomID := c.RoomID()
	if roomID == "" {
		c.sendJSON(protocol.NewError("Not in a room"))
		return
	}
	res, err := h.registry.UpdateBroadcastPDF(roomID, c.UserID(), req.Action, req.Data)
	if err != nil {
		c.logCtx().WithError(err).WithField("action", req.Action).Info("Broadcast pdf rejected")
		c.sendJSON(protocol.NewError(err.Error()))
		return
	}
	h.sendToUsers(res.Members, protocol.HostBroadcastPDF{
		Type:   protocol.TypeHostBroadcastPDF,
		HostID: c.UserID(),
		Action: req.Action,
		Data:   req.Data,
	}, c)
}

func (h *Hub) handleBroadcastAIMessage(c *Client, req protocol.HostBroadcastAIMessage) {
	roomID := c.RoomID()
	if roomID == "" || len(req.Message) == 0 || string(req.Message) == "null" {
		return
	}
	audience, err := h.registry.BroadcastAudience(roomID, c.UserID())
	if err != nil {
		c.logCtx().WithError(err).Debug("Broadcast ai message dropped")
		c.sendJSON(protocol.NewError(err.Error()))
		return
	}
	h.sendToUsers(audience, protocol.HostBroadcastAIMessage{
		Type:    protocol.TypeHostBroadcastAIMessage,
		HostID:  c.UserID(),
		Message: req.Message,
	}, c)
}

// handleVideoCallEvent 在发送者当前房间内转发视频通话信令
func (h *Hub) handleVideoCallEvent(c *Client, req protocol.VideoCallEvent) {
	roomID := c.RoomID()
	if roomID == "" {
		c.sendJSON(protocol.NewError("Not in a room"))
		return
	}
	if req.EventType == "" {
		c.sendJSON(protocol.NewError("Invalid message format"))
		return
	}
	if req.RoomID != "" && !strings.EqualFold(req.RoomID, roomID) {
		c.sendJSON(protocol.NewError("Not a member of room " + req.RoomID))
		return
	}
	c.logCtx().WithField("event_type", req.EventType).Info("Video call event")
	h.broadcastToRoom(roomID, protocol.VideoCallEvent{
		Type:      protocol.TypeVideoCallEvent,
		EventType: req.EventType,
		Data:      req.Data,
		UserID:    c.UserID(),
		RoomID:    roomID,
		Timestamp: float64(time.Now().UnixMilli()) / 1000,
	}, c)
}
