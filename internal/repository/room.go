package repository

import (
	"context"
	"time"

	"collaborative-canvas/internal/domain"
)

// RoomRepository 定义了房间归档记录的持久化操作。
// 内存中的 RoomRegistry 才是房间的权威状态，这里只保存创建/删除的审计记录。
type RoomRepository interface {
	// FindByID 根据房间号查找归档记录。
	// 如果记录不存在，返回 ErrRoomNotFound。
	FindByID(ctx context.Context, id string) (*domain.RoomRecord, error)

	// Create 插入房间记录，已存在 (基于 ID) 时不做修改并返回 ErrDuplicateEntry。
	Create(ctx context.Context, record *domain.RoomRecord) error

	// Save 保存完整的房间记录，已存在 (基于 ID) 则覆盖。
	Save(ctx context.Context, record *domain.RoomRecord) error

	// MarkDeleted 记录房间被清理的时间和最终画布。
	// 如果记录不存在，返回 ErrRoomNotFound。
	MarkDeleted(ctx context.Context, id string, deletedAt time.Time, finalCanvas string) error
}
