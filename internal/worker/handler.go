package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/tasks"
)

// RoomArchiveHandler 处理房间归档任务，把房间的创建/删除写入数据库
type RoomArchiveHandler struct {
	roomRepo repository.RoomRepository
}

// NewRoomArchiveHandler 创建 Handler 实例
func NewRoomArchiveHandler(roomRepo repository.RoomRepository) *RoomArchiveHandler {
	if roomRepo == nil {
		panic("RoomRepository cannot be nil for RoomArchiveHandler")
	}
	return &RoomArchiveHandler{roomRepo: roomRepo}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomArchiveHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	logCtx := logrus.WithFields(logrus.Fields{
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})

	var payload tasks.RoomArchivePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.RoomID == "" {
		return fmt.Errorf("room archive payload has no room id: %w", asynq.SkipRetry)
	}
	logCtx = logCtx.WithFields(logrus.Fields{"room_id": payload.RoomID, "event": payload.Event})

	switch payload.Event {
	case tasks.ArchiveCreated:
		// 只插入不覆盖：删除任务可能先于 (重试中的) 创建任务完成
		err := h.roomRepo.Create(ctx, payload.Record())
		if errors.Is(err, repository.ErrDuplicateEntry) {
			logCtx.Debug("Room record already exists")
			return nil
		}
		if err != nil {
			logCtx.WithError(err).Error("Failed to save room record")
			return fmt.Errorf("failed to save room %s: %w", payload.RoomID, err)
		}

	case tasks.ArchiveDeleted:
		if payload.DeletedAt == nil {
			return fmt.Errorf("deleted event for room %s has no deleted_at: %w", payload.RoomID, asynq.SkipRetry)
		}
		err := h.roomRepo.MarkDeleted(ctx, payload.RoomID, *payload.DeletedAt, string(payload.FinalCanvas))
		if errors.Is(err, repository.ErrNotFound) {
			// 创建记录丢失 (例如当时数据库不可用)，直接写入完整记录
			logCtx.Warn("Room record missing on delete, saving full record")
			err = h.roomRepo.Save(ctx, payload.Record())
		}
		if err != nil {
			logCtx.WithError(err).Error("Failed to archive deleted room")
			return fmt.Errorf("failed to archive room %s: %w", payload.RoomID, err)
		}

	default:
		return fmt.Errorf("unknown room archive event %q: %w", payload.Event, asynq.SkipRetry)
	}

	logCtx.Info("Room archive task processed successfully")
	return nil
}
