package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RoomHandler 提供房间的只读查询接口，房间的创建和加入走 WebSocket
type RoomHandler struct {
	registry *service.RoomRegistry
	archive  repository.RoomRepository
}

// NewRoomHandler 创建 RoomHandler 实例
func NewRoomHandler(registry *service.RoomRegistry, archive repository.RoomRepository) *RoomHandler {
	if registry == nil {
		panic("RoomRegistry cannot be nil for RoomHandler")
	}
	if archive == nil {
		panic("RoomRepository cannot be nil for RoomHandler")
	}
	return &RoomHandler{registry: registry, archive: archive}
}

// ListRoomsResponse 定义房间列表的响应结构体
type ListRoomsResponse struct {
	Rooms []domain.RoomSummary `json:"rooms"`
	Count int                  `json:"count"`
}

// ListRooms 处理 GET /api/rooms
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms := h.registry.ListRooms()
	logrus.WithFields(logrus.Fields{
		"user_id": c.GetString("user_id"),
		"count":   len(rooms),
	}).Debug("Handler.ListRooms: Listing rooms")
	SuccessResponse(c, http.StatusOK, ListRoomsResponse{Rooms: rooms, Count: len(rooms)})
}

// GetRoom 处理 GET /api/rooms/:roomId
func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := strings.ToUpper(strings.TrimSpace(c.Param("roomId")))
	if roomID == "" {
		ErrorResponse(c, http.StatusBadRequest, "room id is required")
		return
	}
	room, err := h.registry.GetRoom(roomID)
	if err != nil {
		HandleServiceError(c, err)
		return
	}
	SuccessResponse(c, http.StatusOK, room)
}

// ArchivedRoomResponse 是房间归档记录的响应结构体
type ArchivedRoomResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	HostID      string     `json:"host_id"`
	MaxUsers    int        `json:"max_users"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	FinalCanvas string     `json:"final_canvas,omitempty"`
}

// GetArchivedRoom 处理 GET /api/rooms/:roomId/archive，返回数据库中的归档记录
func (h *RoomHandler) GetArchivedRoom(c *gin.Context) {
	roomID := strings.ToUpper(strings.TrimSpace(c.Param("roomId")))
	record, err := h.archive.FindByID(c.Request.Context(), roomID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			ErrorResponse(c, http.StatusNotFound, "room archive not found")
			return
		}
		logrus.WithError(err).WithField("room_id", roomID).Error("Handler.GetArchivedRoom: Failed to load archive")
		ErrorResponse(c, http.StatusInternalServerError, "Failed to load room archive")
		return
	}
	SuccessResponse(c, http.StatusOK, ArchivedRoomResponse{
		ID:          record.ID,
		Name:        record.Name,
		HostID:      record.HostUserID,
		MaxUsers:    record.MaxUsers,
		CreatedAt:   record.CreatedAt,
		DeletedAt:   record.DeletedAt,
		FinalCanvas: record.FinalCanvas,
	})
}
