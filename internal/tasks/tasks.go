package tasks

import (
	"encoding/json"
	"fmt"
	"time"

	"collaborative-canvas/internal/domain"

	"github.com/hibiken/asynq"
)

// 任务类型常量
const (
	TypeRoomSweep   = "room:sweep"   // 周期性清理宽限期已过的空房间
	TypeRoomArchive = "room:archive" // 房间创建/删除时写入归档记录
)

// 归档事件
const (
	ArchiveCreated = "created"
	ArchiveDeleted = "deleted"
)

// RoomArchivePayload 定义了房间归档任务的数据结构
type RoomArchivePayload struct {
	Event       string          `json:"event"`
	RoomID      string          `json:"room_id"`
	Name        string          `json:"name"`
	HostUserID  string          `json:"host_user_id"`
	MaxUsers    int             `json:"max_users"`
	CreatedAt   time.Time       `json:"created_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
	FinalCanvas json.RawMessage `json:"final_canvas,omitempty"`
}

// Record 把 payload 转为持久化模型
func (p RoomArchivePayload) Record() *domain.RoomRecord {
	return &domain.RoomRecord{
		ID:          p.RoomID,
		Name:        p.Name,
		HostUserID:  p.HostUserID,
		MaxUsers:    p.MaxUsers,
		CreatedAt:   p.CreatedAt,
		DeletedAt:   p.DeletedAt,
		FinalCanvas: string(p.FinalCanvas),
	}
}

// NewRoomCreatedTask 创建房间创建的归档任务
func NewRoomCreatedTask(room domain.RoomSummary) (*asynq.Task, error) {
	return newArchiveTask(RoomArchivePayload{
		Event:      ArchiveCreated,
		RoomID:     room.ID,
		Name:       room.Name,
		HostUserID: room.HostID,
		MaxUsers:   room.MaxUsers,
		CreatedAt:  room.CreatedAt,
	})
}

// NewRoomDeletedTask 创建房间删除的归档任务，附带删除时的画布
func NewRoomDeletedTask(room domain.RoomSummary, finalCanvas domain.CanvasState, deletedAt time.Time) (*asynq.Task, error) {
	canvas, err := json.Marshal(finalCanvas)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal final canvas for room %s: %w", room.ID, err)
	}
	return newArchiveTask(RoomArchivePayload{
		Event:       ArchiveDeleted,
		RoomID:      room.ID,
		Name:        room.Name,
		HostUserID:  room.HostID,
		MaxUsers:    room.MaxUsers,
		CreatedAt:   room.CreatedAt,
		DeletedAt:   &deletedAt,
		FinalCanvas: canvas,
	})
}

func newArchiveTask(payload RoomArchivePayload) (*asynq.Task, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRoomArchive, payloadBytes, asynq.MaxRetry(5)), nil
}

// NewRoomSweepTask 创建清理任务。任务没有 payload，清理时间以 worker 执行时刻为准。
func NewRoomSweepTask() *asynq.Task {
	return asynq.NewTask(TypeRoomSweep, nil, asynq.MaxRetry(0), asynq.Timeout(30*time.Second))
}
