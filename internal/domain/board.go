package domain

import (
	"encoding/json"
	"fmt"
)

// 画布事件类型 (与前端 fabric.js 事件名保持一致)
const (
	EventObjectAdded       = "object_added"
	EventPathCreated       = "path_created"
	EventObjectModified    = "object_modified"
	EventObjectRemoved     = "object_removed"
	EventCanvasCleared     = "canvas_cleared"
	EventBackgroundChanged = "background_changed"

	// 以下为实时事件，只转发不落盘，最终状态由 object_modified 写入
	EventObjectMoving     = "object_moving"
	EventObjectScaling    = "object_scaling"
	EventObjectRotating   = "object_rotating"
	EventSelectionCreated = "selection_created"
	EventSelectionUpdated = "selection_updated"
	EventSelectionCleared = "selection_cleared"
)

// DefaultBackground 新房间的画布背景色
const DefaultBackground = "#ffffff"

// backgroundCSSPattern 表示背景使用 CSS 图案，此时 Pattern 字段有效
const backgroundCSSPattern = "css_pattern"

// CanvasObject 是前端序列化出的单个可绘制对象，服务端不关心其内部结构，只依赖 "id" 字段。
type CanvasObject map[string]interface{}

// ID 返回对象的 id，缺失或非字符串时返回空串
func (o CanvasObject) ID() string {
	id, _ := o["id"].(string)
	return id
}

// CanvasState 定义了房间画布的共享状态。
type CanvasState struct {
	Objects    []CanvasObject  `json:"objects"`
	Background string          `json:"background"`
	Pattern    json.RawMessage `json:"pattern,omitempty"` // 仅当 Background == "css_pattern" 时存在
}

// NewCanvasState 返回一个空白画布
func NewCanvasState() CanvasState {
	return CanvasState{Objects: []CanvasObject{}, Background: DefaultBackground}
}

// CanvasEvent 是客户端发送的画布变更事件。
type CanvasEvent struct {
	Type       string          `json:"type"`
	ObjectID   string          `json:"object_id,omitempty"`
	Object     CanvasObject    `json:"object,omitempty"`
	Path       CanvasObject    `json:"path,omitempty"`
	Background *string         `json:"background,omitempty"`
	Pattern    json.RawMessage `json:"pattern,omitempty"`
}

// IsTransient 判断事件是否只需转发、不修改共享状态
func (e CanvasEvent) IsTransient() bool {
	switch e.Type {
	case EventObjectMoving, EventObjectScaling, EventObjectRotating,
		EventSelectionCreated, EventSelectionUpdated, EventSelectionCleared:
		return true
	}
	return false
}

// ParseCanvasEvent 将原始 JSON 解析为 CanvasEvent，type 字段必填。
func ParseCanvasEvent(raw json.RawMessage) (CanvasEvent, error) {
	var ev CanvasEvent
	if len(raw) == 0 || string(raw) == "null" {
		return ev, fmt.Errorf("canvas event payload is empty")
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal canvas event: %w", err)
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("canvas event type is required")
	}
	return ev, nil
}

// Apply 将事件应用到画布上 (后写者胜出)。
// 返回 false 表示事件未改变状态 (实时事件或未知类型)。
func (s *CanvasState) Apply(ev CanvasEvent) bool {
	switch ev.Type {
	case EventObjectAdded, EventPathCreated:
		obj := ev.Object
		if obj == nil {
			obj = ev.Path
		}
		if obj == nil {
			return false
		}
		// 客户端有时序列化出不带 id 的克隆对象，用 object_id 补上，否则后续 modify/remove 找不到它
		if ev.ObjectID != "" && obj.ID() == "" {
			obj["id"] = ev.ObjectID
		}
		s.Objects = append(s.Objects, obj)
		return true

	case EventObjectModified:
		if ev.ObjectID == "" || ev.Object == nil {
			return false
		}
		if ev.Object.ID() == "" {
			ev.Object["id"] = ev.ObjectID
		}
		for i, obj := range s.Objects {
			if obj.ID() == ev.ObjectID {
				s.Objects[i] = ev.Object
				return true
			}
		}
		return false

	case EventObjectRemoved:
		if ev.ObjectID == "" {
			return false
		}
		kept := s.Objects[:0]
		for _, obj := range s.Objects {
			if obj.ID() != ev.ObjectID {
				kept = append(kept, obj)
			}
		}
		changed := len(kept) != len(s.Objects)
		s.Objects = kept
		return changed

	case EventCanvasCleared:
		s.Objects = []CanvasObject{}
		if ev.Background != nil {
			s.Background = *ev.Background
		}
		return true

	case EventBackgroundChanged:
		if ev.Background == nil {
			return false
		}
		s.Background = *ev.Background
		if s.Background == backgroundCSSPattern && len(ev.Pattern) > 0 {
			s.Pattern = ev.Pattern
		} else if s.Background != backgroundCSSPattern {
			s.Pattern = nil
		}
		return true
	}
	return false
}

// Clone 深拷贝画布状态，供加入房间的客户端和归档任务使用，避免与房间锁外的读写竞争。
func (s CanvasState) Clone() CanvasState {
	raw, err := json.Marshal(s)
	if err != nil {
		// CanvasObject 来自 JSON 解码，理论上总能重新编码
		return NewCanvasState()
	}
	var out CanvasState
	if err := json.Unmarshal(raw, &out); err != nil {
		return NewCanvasState()
	}
	if out.Objects == nil {
		out.Objects = []CanvasObject{}
	}
	return out
}
