package client

import (
	"encoding/json"
	"time"

	"collaborative-canvas/internal/domain"

	"github.com/sirupsen/logrus"
)

// SessionTTL 会话记录和状态快照的有效期
const SessionTTL = 24 * time.Hour

const (
	sessionKey  = "room_session"
	snapshotKey = "app_state_snapshot"
)

// RoomSession 记录客户端最近所在的房间，刷新后据此自动重连
type RoomSession struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	IsHost    bool   `json:"isHost"`
	Timestamp int64  `json:"timestamp"` // 毫秒
	Token     string `json:"token,omitempty"`
}

// Viewport 画布视口，只属于本地
type Viewport struct {
	PanX float64 `json:"panX"`
	PanY float64 `json:"panY"`
	Zoom float64 `json:"zoom"`
}

type CanvasSnapshot struct {
	Objects    []domain.CanvasObject `json:"objects"`
	Background string                `json:"background"`
	Pattern    json.RawMessage       `json:"pattern,omitempty"`
	Viewport   Viewport              `json:"viewport"`
}

type UISnapshot struct {
	Theme            string `json:"theme"`
	PanelVisible     bool   `json:"panelVisible"`
	PanelWidth       int    `json:"panelWidth"`
	ToolbarCollapsed bool   `json:"toolbarCollapsed"`
}

type PDFState struct {
	Name string  `json:"name"`
	Page int     `json:"page"`
	Zoom float64 `json:"zoom"`
}

type NotebookCell struct {
	Code   string `json:"code"`
	Output string `json:"output"`
}

type DocumentSnapshot struct {
	PDF      *PDFState      `json:"pdf,omitempty"`
	Notebook []NotebookCell `json:"notebook,omitempty"`
}

// AppSnapshot 是客户端本地应用状态的完整快照
type AppSnapshot struct {
	Canvas    CanvasSnapshot   `json:"canvas"`
	UI        UISnapshot       `json:"ui"`
	Document  DocumentSnapshot `json:"document"`
	Timestamp int64            `json:"timestamp"` // 毫秒
}

// SaveOption 配置 Save
type SaveOption func(*RoomSession)

// WithToken 同时保存身份令牌，刷新后用来取回原用户 ID
func WithToken(token string) SaveOption {
	return func(s *RoomSession) { s.Token = token }
}

// LocalSessionStore 在本地存储中读写 RoomSession 和 AppSnapshot。
// 存储不可用时所有操作都是记录日志的空操作；损坏或过期的记录在读取时被清除。
type LocalSessionStore struct {
	storage Storage
	now     func() time.Time
	log     *logrus.Entry
}

// StoreOption 配置 LocalSessionStore
type StoreOption func(*LocalSessionStore)

// WithStoreClock 注入时钟 (测试用)
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *LocalSessionStore) { s.now = now }
}

// NewLocalSessionStore 创建 LocalSessionStore；storage 为 nil 表示存储不可用
func NewLocalSessionStore(storage Storage, opts ...StoreOption) *LocalSessionStore {
	s := &LocalSessionStore{
		storage: storage,
		now:     time.Now,
		log:     logrus.WithField("component", "session_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save 写入会话记录，时间戳取当前时间
func (s *LocalSessionStore) Save(roomID, userID, userName string, isHost bool, opts ...SaveOption) {
	session := RoomSession{
		RoomID:    roomID,
		UserID:    userID,
		UserName:  userName,
		IsHost:    isHost,
		Timestamp: s.now().UnixMilli(),
	}
	for _, opt := range opts {
		opt(&session)
	}
	s.put(sessionKey, session)
	s.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "is_host": isHost}).Debug("Room session saved")
}

// Load 读取会话记录；不存在、损坏或超过 24 小时都返回 false
func (s *LocalSessionStore) Load() (RoomSession, bool) {
	var session RoomSession
	if !s.get(sessionKey, &session) {
		return RoomSession{}, false
	}
	if session.RoomID == "" || session.UserID == "" {
		s.log.Warn("Room session is missing required fields, purging")
		s.remove(sessionKey)
		return RoomSession{}, false
	}
	if s.expired(session.Timestamp) {
		s.log.WithField("room_id", session.RoomID).Info("Room session expired, purging")
		s.remove(sessionKey)
		return RoomSession{}, false
	}
	return session, true
}

// Clear 删除会话记录
func (s *LocalSessionStore) Clear() {
	s.remove(sessionKey)
}

// SaveSnapshot 写入应用状态快照，时间戳取当前时间
func (s *LocalSessionStore) SaveSnapshot(snapshot AppSnapshot) {
	snapshot.Timestamp = s.now().UnixMilli()
	s.put(snapshotKey, snapshot)
}

// LoadSnapshot 读取应用状态快照，规则与 Load 相同
func (s *LocalSessionStore) LoadSnapshot() (AppSnapshot, bool) {
	var snapshot AppSnapshot
	if !s.get(snapshotKey, &snapshot) {
		return AppSnapshot{}, false
	}
	if s.expired(snapshot.Timestamp) {
		s.log.Info("State snapshot expired, purging")
		s.remove(snapshotKey)
		return AppSnapshot{}, false
	}
	return snapshot, true
}

// ClearSnapshot 删除应用状态快照
func (s *LocalSessionStore) ClearSnapshot() {
	s.remove(snapshotKey)
}

func (s *LocalSessionStore) expired(timestampMs int64) bool {
	saved := time.UnixMilli(timestampMs)
	return s.now().Sub(saved) >= SessionTTL
}

func (s *LocalSessionStore) put(key string, v interface{}) {
	if s.storage == nil {
		s.log.WithField("key", key).Warn("Local storage unavailable, skipping save")
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Error("Failed to encode local state")
		return
	}
	if err := s.storage.Set(key, data); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to save local state")
	}
}

// get 读取并解码；损坏的记录会被删除
func (s *LocalSessionStore) get(key string, v interface{}) bool {
	if s.storage == nil {
		return false
	}
	data, err := s.storage.Get(key)
	if err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to read local state")
		return false
	}
	if data == nil {
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Local state is malformed, purging")
		s.remove(key)
		return false
	}
	return true
}

func (s *LocalSessionStore) remove(key string) {
	if s.storage == nil {
		return
	}
	if err := s.storage.Remove(key); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to remove local state")
	}
}
