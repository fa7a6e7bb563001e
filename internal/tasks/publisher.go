package tasks

import (
	"context"
	"time"

	"collaborative-canvas/internal/domain"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Enqueuer 是 asynq.Client 的子集
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// ArchivePublisher 监听房间生命周期，把归档任务投递到 asynq。
// 投递失败只记录日志，不影响内存中的房间状态。
type ArchivePublisher struct {
	client Enqueuer
	queue  string
}

// NewArchivePublisher 创建 ArchivePublisher 实例
func NewArchivePublisher(client Enqueuer, queue string) *ArchivePublisher {
	if client == nil {
		panic("asynq client cannot be nil for ArchivePublisher")
	}
	if queue == "" {
		queue = "low"
	}
	return &ArchivePublisher{client: client, queue: queue}
}

// RoomCreated 投递创建归档任务
func (p *ArchivePublisher) RoomCreated(room domain.RoomSummary) {
	task, err := NewRoomCreatedTask(room)
	p.enqueue(room.ID, ArchiveCreated, task, err)
}

// RoomDeleted 投递删除归档任务
func (p *ArchivePublisher) RoomDeleted(room domain.RoomSummary, finalCanvas domain.CanvasState, deletedAt time.Time) {
	task, err := NewRoomDeletedTask(room, finalCanvas, deletedAt)
	p.enqueue(room.ID, ArchiveDeleted, task, err)
}

func (p *ArchivePublisher) enqueue(roomID, event string, task *asynq.Task, err error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "event": event, "task_type": TypeRoomArchive})
	if err != nil {
		logCtx.WithError(err).Error("Failed to build room archive task")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := p.client.EnqueueContext(ctx, task, asynq.Queue(p.queue))
	if err != nil {
		logCtx.WithError(err).Error("Failed to enqueue room archive task")
		return
	}
	logCtx.WithField("task_id", info.ID).Debug("Room archive task enqueued")
}
