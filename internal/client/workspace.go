package client

import (
	"encoding/json"
	"sync"

	"collaborative-canvas/internal/domain"
)

// Workspace 是客户端的本地应用状态：画布、界面设置和文档。
// 它实现了 CanvasProvider、UIProvider 和 DocumentProvider。
type Workspace struct {
	mu       sync.RWMutex
	canvas   domain.CanvasState
	viewport Viewport
	ui       UISnapshot
	document DocumentSnapshot
	onChange func()

	// broadcast 来自服务端，不进入本地快照
	broadcast domain.BroadcastState
}

func NewWorkspace() *Workspace {
	return &Workspace{
		canvas:   domain.NewCanvasState(),
		viewport: Viewport{Zoom: 1},
		ui:       UISnapshot{Theme: "light", PanelVisible: true, PanelWidth: 320},
	}
}

// OnChange 注册状态变化回调，通常是 SnapshotManager.NotifyChange
func (w *Workspace) OnChange(fn func()) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

func (w *Workspace) changed() {
	w.mu.RLock()
	fn := w.onChange
	w.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Canvas 返回画布副本
func (w *Workspace) Canvas() domain.CanvasState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.canvas.Clone()
}

// ApplyEvent 应用本地或远端的画布事件，返回状态是否改变
func (w *Workspace) ApplyEvent(ev domain.CanvasEvent) bool {
	w.mu.Lock()
	changed := w.canvas.Apply(ev)
	w.mu.Unlock()
	if changed {
		w.changed()
	}
	return changed
}

// LoadServerCanvas 用服务端画布替换本地画布内容
func (w *Workspace) LoadServerCanvas(state domain.CanvasState) {
	w.mu.Lock()
	w.canvas = state.Clone()
	w.mu.Unlock()
	w.changed()
}

func (w *Workspace) SetViewport(v Viewport) {
	w.mu.Lock()
	w.viewport = v
	w.mu.Unlock()
	w.changed()
}

func (w *Workspace) SetUI(ui UISnapshot) {
	w.mu.Lock()
	w.ui = ui
	w.mu.Unlock()
	w.changed()
}

func (w *Workspace) SetDocument(doc DocumentSnapshot) {
	w.mu.Lock()
	w.document = cloneDocument(doc)
	w.mu.Unlock()
	w.changed()
}

func (w *Workspace) CaptureCanvas() CanvasSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	c := w.canvas.Clone()
	return CanvasSnapshot{
		Objects:    c.Objects,
		Background: c.Background,
		Pattern:    c.Pattern,
		Viewport:   w.viewport,
	}
}

func (w *Workspace) RestoreCanvas(s CanvasSnapshot) {
	state := domain.CanvasState{Objects: s.Objects, Background: s.Background, Pattern: s.Pattern}
	if state.Background == "" {
		state.Background = domain.DefaultBackground
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.canvas = state.Clone()
	w.viewport = s.Viewport
}

func (w *Workspace) RestoreViewport(v Viewport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.viewport = v
}

func (w *Workspace) CaptureUI() UISnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ui
}

func (w *Workspace) RestoreUI(ui UISnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ui = ui
}

func (w *Workspace) CaptureDocument() DocumentSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneDocument(w.document)
}

func (w *Workspace) RestoreDocument(doc DocumentSnapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.document = cloneDocument(doc)
}

func (w *Workspace) Viewport() Viewport {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.viewport
}

func (w *Workspace) UI() UISnapshot {
	return w.CaptureUI()
}

func (w *Workspace) Document() DocumentSnapshot {
	return w.CaptureDocument()
}

// Broadcast 返回房主广播状态的副本
func (w *Workspace) Broadcast() domain.BroadcastState {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return cloneBroadcast(w.broadcast)
}

// SetBroadcast 用服务端下发的广播状态替换本地状态
func (w *Workspace) SetBroadcast(state domain.BroadcastState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcast = cloneBroadcast(state)
}

// ApplyBroadcastPDF 应用房主的 PDF 同步
func (w *Workspace) ApplyBroadcastPDF(action string, pdf domain.BroadcastPDF) {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch action {
	case domain.PDFActionLoad:
		p := pdf
		w.broadcast.PDF = &p
	case domain.PDFActionPageChange:
		if w.broadcast.PDF != nil {
			w.broadcast.PDF.CurrentPage = pdf.CurrentPage
			w.broadcast.PDF.Timestamp = pdf.Timestamp
		}
	case domain.PDFActionClose:
		w.broadcast.PDF = nil
	}
}

func cloneBroadcast(s domain.BroadcastState) domain.BroadcastState {
	if s.PDF != nil {
		pdf := *s.PDF
		s.PDF = &pdf
	}
	return s
}

func cloneDocument(doc DocumentSnapshot) DocumentSnapshot {
	out := DocumentSnapshot{}
	if doc.PDF != nil {
		pdf := *doc.PDF
		out.PDF = &pdf
	}
	if doc.Notebook != nil {
		out.Notebook = append([]NotebookCell(nil), doc.Notebook...)
	}
	return out
}

// encodeEvent 序列化画布事件作为 canvas_event 的 payload
func encodeEvent(ev domain.CanvasEvent) (json.RawMessage, error) {
	return json.Marshal(ev)
}
