package domain

import "time"

// Room 表示一个协作画布房间 (内存中的权威状态，由 RoomRegistry 持有并加锁访问)。
type Room struct {
	ID           string              // 8 位大写房间号
	Name         string              // 房间显示名称
	MaxUsers     int                 // 成员上限
	HostUserID   string              // 创建者，即房主
	Members      map[string]struct{} // 当前在线成员 (无序、唯一)
	Canvas       CanvasState         // 最近一次的共享画布内容
	CreatedAt    time.Time
	LastActivity time.Time
	EmptiedAt    *time.Time // 成员清空时打点，非空期间为 nil

	// 房主广播模式：开启后房主的 PDF 和 AI 对话同步给所有成员
	BroadcastEnabled bool
	BroadcastPDF     *BroadcastPDF
}

// host_broadcast_pdf 支持的动作
const (
	PDFActionLoad       = "load"
	PDFActionPageChange = "page_change"
	PDFActionClose      = "close"
)

// BroadcastPDF 是房主正在广播的 PDF，新加入或重连的成员据此追平
type BroadcastPDF struct {
	Name        string  `json:"pdf_name"`
	Data        string  `json:"pdf_data,omitempty"` // base64 编码的文件内容
	CurrentPage int     `json:"current_page"`
	TotalPages  int     `json:"total_pages"`
	Timestamp   float64 `json:"timestamp,omitempty"`
}

// BroadcastState 是广播模式的只读视图
type BroadcastState struct {
	Enabled bool          `json:"enabled"`
	HostID  string        `json:"host_id"`
	PDF     *BroadcastPDF `json:"pdf"`
}

// Broadcast 返回广播状态的副本，调用方必须持有房间锁
func (r *Room) Broadcast() BroadcastState {
	s := BroadcastState{Enabled: r.BroadcastEnabled, HostID: r.HostUserID}
	if r.BroadcastPDF != nil {
		pdf := *r.BroadcastPDF
		s.PDF = &pdf
	}
	return s
}

// ResetBroadcast 关闭广播并清除 PDF，返回之前是否处于广播中
func (r *Room) ResetBroadcast() bool {
	was := r.BroadcastEnabled || r.BroadcastPDF != nil
	r.BroadcastEnabled = false
	r.BroadcastPDF = nil
	return was
}

// IsEmpty 房间是否没有成员
func (r *Room) IsEmpty() bool { return len(r.Members) == 0 }

// HasMember 判断用户是否在房间中
func (r *Room) HasMember(userID string) bool {
	_, ok := r.Members[userID]
	return ok
}

// MemberIDs 返回成员 ID 列表的副本
func (r *Room) MemberIDs() []string {
	ids := make([]string, 0, len(r.Members))
	for id := range r.Members {
		ids = append(ids, id)
	}
	return ids
}

// RoomSummary 是房间对外暴露的只读视图 (HTTP 接口和 room_joined 消息使用)。
type RoomSummary struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	MaxUsers  int        `json:"max_users"`
	UserCount int        `json:"user_count"`
	HostID    string     `json:"host_id"`
	CreatedAt time.Time  `json:"created_at"`
	EmptiedAt *time.Time `json:"emptied_at,omitempty"`

	// PDF 内容可能很大，只在 room_joined 中单独下发
	BroadcastEnabled bool `json:"broadcast_enabled"`
}

// Summary 生成房间的只读视图，调用方必须持有房间锁
func (r *Room) Summary() RoomSummary {
	s := RoomSummary{
		ID:        r.ID,
		Name:      r.Name,
		MaxUsers:  r.MaxUsers,
		UserCount: len(r.Members),
		HostID:    r.HostUserID,
		CreatedAt: r.CreatedAt,

		BroadcastEnabled: r.BroadcastEnabled,
	}
	if r.EmptiedAt != nil {
		t := *r.EmptiedAt
		s.EmptiedAt = &t
	}
	return s
}
