package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Sweeper 由 service.RoomRegistry 实现
type Sweeper interface {
	Sweep(now time.Time) []string
}

// RoomSweepHandler 处理周期性的空房间清理任务
type RoomSweepHandler struct {
	sweeper Sweeper
	now     func() time.Time
}

// NewRoomSweepHandler 创建 Handler 实例
func NewRoomSweepHandler(sweeper Sweeper) *RoomSweepHandler {
	if sweeper == nil {
		panic("Sweeper cannot be nil for RoomSweepHandler")
	}
	return &RoomSweepHandler{sweeper: sweeper, now: time.Now}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *RoomSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := logrus.WithField("task_type", t.Type())
	if err := ctx.Err(); err != nil {
		logCtx.WithError(err).Warn("Sweep task cancelled before start")
		return err
	}

	deleted := h.sweeper.Sweep(h.now())
	if len(deleted) > 0 {
		logCtx.WithField("room_ids", deleted).Infof("Sweep deleted %d empty rooms", len(deleted))
	} else {
		logCtx.Debug("Sweep complete, nothing to delete")
	}
	return nil
}
