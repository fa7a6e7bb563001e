// Package domain 定义了协作画布服务使用的核心数据结构。
package domain

import "time"

// User 表示一个已注册的在线用户 (连接级别，由服务端在 register 时分配 ID)。
// 它是连接状态的快照，随 user_joined / user_left / user_name_updated 下发给房间成员。
type User struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	RoomID   string    `json:"room_id,omitempty"`
	CursorX  float64   `json:"cursor_x"`
	CursorY  float64   `json:"cursor_y"`
	LastSeen time.Time `json:"last_seen"`
}

// RoomRecord 是房间的持久化归档记录 (GORM 模型)。
// 创建和被清理时各写入一次，内存中的 Room 仍是唯一的权威状态。
type RoomRecord struct {
	ID          string     `gorm:"primaryKey;size:16"`          // 房间号
	Name        string     `gorm:"size:191;not null"`           // 房间名称
	HostUserID  string     `gorm:"size:64;index;not null"`      // 房主用户 ID
	MaxUsers    int        `gorm:"not null"`                    // 成员上限
	CreatedAt   time.Time  `gorm:"index"`                       // 房间创建时间
	DeletedAt   *time.Time `gorm:"index"`                       // 被清理的时间，存活期间为空
	FinalCanvas string     `gorm:"type:text"`                   // 删除时的画布 JSON
	UpdatedAt   time.Time  `gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (RoomRecord) TableName() string { return "room_records" }
