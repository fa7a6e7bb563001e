package client

import (
	"context"
	"time"

	"collaborative-canvas/internal/domain"

	"github.com/sirupsen/logrus"
)

// DefaultSnapshotInterval 周期快照间隔
const DefaultSnapshotInterval = 30 * time.Second

// CanvasProvider 读写本地画布。视口只存在于本地，单独恢复。
type CanvasProvider interface {
	CaptureCanvas() CanvasSnapshot
	RestoreCanvas(CanvasSnapshot)
	RestoreViewport(Viewport)
}

type UIProvider interface {
	CaptureUI() UISnapshot
	RestoreUI(UISnapshot)
}

type DocumentProvider interface {
	CaptureDocument() DocumentSnapshot
	RestoreDocument(DocumentSnapshot)
}

// SnapshotManager 周期性地以及在状态变化时保存应用状态快照，并在启动或重连成功后恢复。
type SnapshotManager struct {
	store    *LocalSessionStore
	canvas   CanvasProvider
	ui       UIProvider
	document DocumentProvider
	interval time.Duration
	changes  chan struct{}
	log      *logrus.Entry
}

// SnapshotOption 配置 SnapshotManager
type SnapshotOption func(*SnapshotManager)

func WithSnapshotInterval(d time.Duration) SnapshotOption {
	return func(m *SnapshotManager) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithCanvasProvider(p CanvasProvider) SnapshotOption {
	return func(m *SnapshotManager) { m.canvas = p }
}

func WithUIProvider(p UIProvider) SnapshotOption {
	return func(m *SnapshotManager) { m.ui = p }
}

func WithDocumentProvider(p DocumentProvider) SnapshotOption {
	return func(m *SnapshotManager) { m.document = p }
}

func NewSnapshotManager(store *LocalSessionStore, opts ...SnapshotOption) *SnapshotManager {
	if store == nil {
		panic("client.NewSnapshotManager: store cannot be nil")
	}
	m := &SnapshotManager{
		store:    store,
		interval: DefaultSnapshotInterval,
		changes:  make(chan struct{}, 1),
		log:      logrus.WithField("component", "snapshot_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CaptureAndSave 采集当前状态并写入本地存储
func (m *SnapshotManager) CaptureAndSave() AppSnapshot {
	var snap AppSnapshot
	if m.canvas != nil {
		snap.Canvas = m.canvas.CaptureCanvas()
	}
	if m.ui != nil {
		snap.UI = m.ui.CaptureUI()
	}
	if m.document != nil {
		snap.Document = m.document.CaptureDocument()
	}
	m.store.SaveSnapshot(snap)
	return snap
}

// NotifyChange 通知一次状态变化，不阻塞；Run 循环中合并处理
func (m *SnapshotManager) NotifyChange() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// Run 阻塞运行直到 ctx 结束，退出前再保存一次
func (m *SnapshotManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CaptureAndSave()
			m.log.Debug("Snapshot manager stopped, final snapshot saved")
			return
		case <-ticker.C:
			m.CaptureAndSave()
		case <-m.changes:
			m.CaptureAndSave()
		}
	}
}

// Restore 从本地快照恢复状态。UI 和文档状态总是恢复；
// 画布内容只在没有收到服务端画布时恢复，服务端房间是画布的唯一来源。
// 返回 false 表示没有可用快照。
func (m *SnapshotManager) Restore(serverCanvas *domain.CanvasState) bool {
	snap, ok := m.store.LoadSnapshot()
	if !ok {
		return false
	}
	if m.ui != nil {
		m.ui.RestoreUI(snap.UI)
	}
	if m.canvas != nil {
		if serverCanvas == nil {
			m.canvas.RestoreCanvas(snap.Canvas)
		} else {
			m.canvas.RestoreViewport(snap.Canvas.Viewport)
		}
	}
	if m.document != nil {
		m.document.RestoreDocument(snap.Document)
	}
	m.log.WithField("server_canvas", serverCanvas != nil).Info("Local state restored from snapshot")
	return true
}
