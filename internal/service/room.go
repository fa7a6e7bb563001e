package service

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultGracePeriod 房间清空后保留的时长，给刷新页面的用户自动重连留出时间
	DefaultGracePeriod = 30 * time.Second
	// DefaultMaxUsers 未指定上限时的房间成员上限
	DefaultMaxUsers = 10
)

// RoomListener 接收房间生命周期事件，回调在房间锁之外执行。
type RoomListener interface {
	RoomCreated(room domain.RoomSummary)
	RoomDeleted(room domain.RoomSummary, finalCanvas domain.CanvasState, deletedAt time.Time)
}

// roomEntry 包装房间和它自己的锁；deleted 置位后该条目作废，持有旧指针的请求会得到 NotFound。
type roomEntry struct {
	mu      sync.Mutex
	room    *domain.Room
	deleted bool
}

// RoomRegistry 是房间的权威注册表。
// mu 只保护 rooms map 本身，每个房间的成员/画布/emptiedAt 由 roomEntry.mu 串行化，跨房间操作互不阻塞。
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[string]*roomEntry

	gracePeriod     time.Duration
	defaultMaxUsers int
	now             func() time.Time
	newID           func() string
	listeners       []RoomListener
}

// RegistryOption 配置 RoomRegistry
type RegistryOption func(*RoomRegistry)

// WithGracePeriod 设置空房间的保留时长
func WithGracePeriod(d time.Duration) RegistryOption {
	return func(r *RoomRegistry) {
		if d > 0 {
			r.gracePeriod = d
		}
	}
}

// WithDefaultMaxUsers 设置默认成员上限
func WithDefaultMaxUsers(n int) RegistryOption {
	return func(r *RoomRegistry) {
		if n > 0 {
			r.defaultMaxUsers = n
		}
	}
}

// WithClock 注入时钟 (测试用)
func WithClock(now func() time.Time) RegistryOption {
	return func(r *RoomRegistry) { r.now = now }
}

// WithIDGenerator 注入房间号生成器 (测试用)
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *RoomRegistry) { r.newID = gen }
}

// WithListener 注册房间生命周期监听器
func WithListener(l RoomListener) RegistryOption {
	return func(r *RoomRegistry) {
		if l != nil {
			r.listeners = append(r.listeners, l)
		}
	}
}

// NewRoomRegistry 创建 RoomRegistry 实例
func NewRoomRegistry(opts ...RegistryOption) *RoomRegistry {
	r := &RoomRegistry{
		rooms:           make(map[string]*roomEntry),
		gracePeriod:     DefaultGracePeriod,
		defaultMaxUsers: DefaultMaxUsers,
		now:             time.Now,
		newID:           generateRoomID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GracePeriod 返回空房间保留时长
func (r *RoomRegistry) GracePeriod() time.Duration { return r.gracePeriod }

// JoinResult 是成功加入房间后返回给调用方的数据
type JoinResult struct {
	Room            domain.RoomSummary
	Canvas          domain.CanvasState // 房间当前画布，用于新成员追平共享内容
	Broadcast       domain.BroadcastState
	Members         []string
	IsHost          bool
	AlreadyMember   bool // 幂等加入：用户本来就在房间中
	CancelledExpiry bool // 加入发生在宽限期内，取消了待删除状态
}

// LeaveResult 是离开房间的结果
type LeaveResult struct {
	Room    domain.RoomSummary
	Members []string // 剩余成员
	Emptied bool     // 本次离开使房间变空并进入宽限期

	// BroadcastReset 房主离开，广播模式随之关闭
	BroadcastReset bool
}

// BroadcastResult 是广播操作的结果
type BroadcastResult struct {
	State   domain.BroadcastState
	Members []string // 除房主外需要同步的成员
}

// CreateRoom 创建新房间，创建者成为唯一成员和房主。
func (r *RoomRegistry) CreateRoom(hostUserID, name string, maxUsers int) (domain.RoomSummary, error) {
	if hostUserID == "" {
		return domain.RoomSummary{}, fmt.Errorf("create room: host user id is required")
	}
	if maxUsers <= 0 {
		maxUsers = r.defaultMaxUsers
	}
	now := r.now()

	r.mu.Lock()
	id := r.newID()
	for attempt := 0; r.rooms[id] != nil; attempt++ {
		if attempt >= 10 {
			r.mu.Unlock()
			return domain.RoomSummary{}, fmt.Errorf("create room: failed to generate a unique room id after %d attempts", attempt)
		}
		id = r.newID()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Room " + id
	}
	room := &domain.Room{
		ID:           id,
		Name:         name,
		MaxUsers:     maxUsers,
		HostUserID:   hostUserID,
		Members:      map[string]struct{}{hostUserID: {}},
		Canvas:       domain.NewCanvasState(),
		CreatedAt:    now,
		LastActivity: now,
	}
	r.rooms[id] = &roomEntry{room: room}
	count := len(r.rooms)
	summary := room.Summary()
	r.mu.Unlock()

	metrics.RoomsCreated.Inc()
	metrics.RoomsActive.Set(float64(count))
	logrus.WithFields(logrus.Fields{"room_id": id, "user_id": hostUserID, "max_users": maxUsers}).Info("Room created")

	for _, l := range r.listeners {
		l.RoomCreated(summary)
	}
	return summary, nil
}

// JoinRoom 将用户加入房间。
// 房间不存在返回 ErrRoomNotFound，满员返回 ErrRoomFull；已是成员时幂等成功。
// 宽限期内的房间同样可以加入，加入会清除 EmptiedAt。
func (r *RoomRegistry) JoinRoom(roomID, userID string) (*JoinResult, error) {
	logCtx := logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "operation": "JoinRoom"})

	entry := r.lookup(roomID)
	if entry == nil {
		metrics.RoomJoins.WithLabelValues("not_found").Inc()
		logCtx.Info("Join rejected: room not found")
		return nil, ErrRoomNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		// 与 sweep 竞争失败：拿到条目之后房间被删除了
		metrics.RoomJoins.WithLabelValues("not_found").Inc()
		logCtx.Info("Join rejected: room deleted by sweep")
		return nil, ErrRoomNotFound
	}
	room := entry.room

	result := &JoinResult{}
	if room.HasMember(userID) {
		result.AlreadyMember = true
	} else {
		if len(room.Members) >= room.MaxUsers {
			metrics.RoomJoins.WithLabelValues("full").Inc()
			logCtx.WithField("max_users", room.MaxUsers).Info("Join rejected: room full")
			return nil, ErrRoomFull
		}
		room.Members[userID] = struct{}{}
	}
	if room.EmptiedAt != nil {
		room.EmptiedAt = nil
		result.CancelledExpiry = true
		metrics.GraceCancellations.Inc()
		logCtx.Info("Room no longer empty, pending deletion cancelled")
	}
	room.LastActivity = r.now()

	result.Room = room.Summary()
	result.Canvas = room.Canvas.Clone()
	result.Broadcast = room.Broadcast()
	result.Members = sortedMembers(room)
	result.IsHost = room.HostUserID == userID
	metrics.RoomJoins.WithLabelValues("ok").Inc()
	logCtx.WithField("already_member", result.AlreadyMember).Info("User joined room")
	return result, nil
}

// LeaveRoom 将用户移出房间；房间因此变空时打上 EmptiedAt，而不是立即删除。
func (r *RoomRegistry) LeaveRoom(roomID, userID string) (*LeaveResult, error) {
	entry := r.lookup(roomID)
	if entry == nil {
		return nil, ErrRoomNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, ErrRoomNotFound
	}
	return r.removeMemberLocked(entry.room, userID)
}

// removeMemberLocked 调用方必须持有房间锁
func (r *RoomRegistry) removeMemberLocked(room *domain.Room, userID string) (*LeaveResult, error) {
	if !room.HasMember(userID) {
		return nil, ErrNotMember
	}
	delete(room.Members, userID)
	now := r.now()
	room.LastActivity = now

	result := &LeaveResult{}
	if userID == room.HostUserID {
		result.BroadcastReset = room.ResetBroadcast()
	}
	if room.IsEmpty() {
		room.EmptiedAt = &now
		result.Emptied = true
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "grace_period": r.gracePeriod}).Info("Room is now empty, marked for delayed cleanup")
	}
	result.Room = room.Summary()
	result.Members = sortedMembers(room)
	logrus.WithFields(logrus.Fields{"room_id": room.ID, "user_id": userID}).Info("User left room")
	return result, nil
}

// KickUser 由房主将成员移出房间。
func (r *RoomRegistry) KickUser(roomID, hostUserID, targetUserID string) (*LeaveResult, error) {
	entry := r.lookup(roomID)
	if entry == nil {
		return nil, ErrRoomNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, ErrRoomNotFound
	}
	room := entry.room
	if room.HostUserID != hostUserID {
		logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": hostUserID, "target_user_id": targetUserID}).
			Warn("Non-host attempted to kick a user")
		return nil, ErrNotHost
	}
	if targetUserID == hostUserID {
		return nil, ErrCannotKickSelf
	}
	return r.removeMemberLocked(room, targetUserID)
}

// SetBroadcast 由房主开关广播模式，关闭时一并清除正在广播的 PDF。
func (r *RoomRegistry) SetBroadcast(roomID, userID string, enabled bool) (*BroadcastResult, error) {
	entry, err := r.lockAsHost(roomID, userID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()
	room := entry.room

	if enabled {
		room.BroadcastEnabled = true
	} else {
		room.ResetBroadcast()
	}
	room.LastActivity = r.now()
	logrus.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID, "enabled": enabled}).Info("Host broadcast toggled")
	return &BroadcastResult{State: room.Broadcast(), Members: otherMembers(room, userID)}, nil
}

// UpdateBroadcastPDF 记录房主广播的 PDF 变化，只有广播开启时可用。
// load 替换整份 PDF，page_change 只更新页码，close 清除。
func (r *RoomRegistry) UpdateBroadcastPDF(roomID, userID, action string, pdf domain.BroadcastPDF) (*BroadcastResult, error) {
	entry, err := r.lockAsHost(roomID, userID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()
	room := entry.room
	if !room.BroadcastEnabled {
		return nil, ErrBroadcastDisabled
	}

	switch action {
	case domain.PDFActionLoad:
		p := pdf
		room.BroadcastPDF = &p
	case domain.PDFActionPageChange:
		if room.BroadcastPDF != nil {
			room.BroadcastPDF.CurrentPage = pdf.CurrentPage
			room.BroadcastPDF.Timestamp = pdf.Timestamp
		}
	case domain.PDFActionClose:
		room.BroadcastPDF = nil
	default:
		return nil, ErrInvalidPDFAction
	}
	room.LastActivity = r.now()
	return &BroadcastResult{State: room.Broadcast(), Members: otherMembers(room, userID)}, nil
}

// BroadcastAudience 返回房主广播消息的接收者，广播未开启时返回 ErrBroadcastDisabled
func (r *RoomRegistry) BroadcastAudience(roomID, userID string) ([]string, error) {
	entry, err := r.lockAsHost(roomID, userID)
	if err != nil {
		return nil, err
	}
	defer entry.mu.Unlock()
	if !entry.room.BroadcastEnabled {
		return nil, ErrBroadcastDisabled
	}
	return otherMembers(entry.room, userID), nil
}

// Sweep 删除所有清空时间超过宽限期且仍为空的房间，返回被删除的房间号。
// 每个房间都在自己的锁内检查，正在加入中的房间不会被误删。
func (r *RoomRegistry) Sweep(now time.Time) []string {
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var deleted []string
	for _, e := range entries {
		e.mu.Lock()
		room := e.room
		if e.deleted || !room.IsEmpty() || room.EmptiedAt == nil || now.Sub(*room.EmptiedAt) < r.gracePeriod {
			e.mu.Unlock()
			continue
		}
		e.deleted = true
		summary := room.Summary()
		canvas := room.Canvas.Clone()
		e.mu.Unlock()

		r.mu.Lock()
		if cur, ok := r.rooms[room.ID]; ok && cur == e {
			delete(r.rooms, room.ID)
		}
		count := len(r.rooms)
		r.mu.Unlock()

		deleted = append(deleted, room.ID)
		metrics.RoomsSwept.Inc()
		metrics.RoomsActive.Set(float64(count))
		logrus.WithFields(logrus.Fields{"room_id": room.ID, "empty_for": now.Sub(*summary.EmptiedAt).String()}).
			Info("Room deleted after grace period (still empty)")

		for _, l := range r.listeners {
			l.RoomDeleted(summary, canvas, now)
		}
	}
	return deleted
}

// ApplyCanvasEvent 将画布事件应用到房间 (后写者胜出)，只有成员可以修改。
// 返回事件是否改变了共享画布以及需要转发的其他成员。
func (r *RoomRegistry) ApplyCanvasEvent(roomID, userID string, ev domain.CanvasEvent) (bool, []string, error) {
	entry := r.lookup(roomID)
	if entry == nil {
		return false, nil, ErrRoomNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return false, nil, ErrRoomNotFound
	}
	room := entry.room
	if !room.HasMember(userID) {
		return false, nil, ErrNotMember
	}
	changed := false
	if !ev.IsTransient() {
		changed = room.Canvas.Apply(ev)
	}
	room.LastActivity = r.now()
	if changed {
		metrics.CanvasEvents.WithLabelValues("applied").Inc()
	} else {
		metrics.CanvasEvents.WithLabelValues("relayed").Inc()
	}
	return changed, otherMembers(room, userID), nil
}

// GetRoom 返回房间的只读视图
func (r *RoomRegistry) GetRoom(roomID string) (domain.RoomSummary, error) {
	entry := r.lookup(roomID)
	if entry == nil {
		return domain.RoomSummary{}, ErrRoomNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return domain.RoomSummary{}, ErrRoomNotFound
	}
	return entry.room.Summary(), nil
}

// Canvas 返回房间画布的副本
func (r *RoomRegistry) Canvas(roomID string) (domain.CanvasState, error) {
	entry := r.lookup(roomID)
	if entry == nil {
		return domain.CanvasState{}, ErrRoomNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return domain.CanvasState{}, ErrRoomNotFound
	}
	return entry.room.Canvas.Clone(), nil
}

// Members 返回房间成员列表 (已排序)
func (r *RoomRegistry) Members(roomID string) ([]string, error) {
	entry := r.lookup(roomID)
	if entry == nil {
		return nil, ErrRoomNotFound
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, ErrRoomNotFound
	}
	return sortedMembers(entry.room), nil
}

// ListRooms 返回所有房间的只读视图，按创建时间排序
func (r *RoomRegistry) ListRooms() []domain.RoomSummary {
	r.mu.RLock()
	entries := make([]*roomEntry, 0, len(r.rooms))
	for _, e := range r.rooms {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.RoomSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.room.Summary())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// --- 私有辅助函数 ---

func (r *RoomRegistry) lookup(roomID string) *roomEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// lockAsHost 锁定房间并确认 userID 是在房间中的房主，成功时由调用方解锁
func (r *RoomRegistry) lockAsHost(roomID, userID string) (*roomEntry, error) {
	entry := r.lookup(roomID)
	if entry == nil {
		return nil, ErrRoomNotFound
	}
	entry.mu.Lock()
	switch {
	case entry.deleted:
		entry.mu.Unlock()
		return nil, ErrRoomNotFound
	case !entry.room.HasMember(userID):
		entry.mu.Unlock()
		return nil, ErrNotMember
	case entry.room.HostUserID != userID:
		entry.mu.Unlock()
		return nil, ErrNotHost
	}
	return entry, nil
}

func sortedMembers(room *domain.Room) []string {
	ids := room.MemberIDs()
	sort.Strings(ids)
	return ids
}

func otherMembers(room *domain.Room, exclude string) []string {
	ids := make([]string, 0, len(room.Members))
	for id := range room.Members {
		if id != exclude {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// generateRoomID 取 UUID 的前 8 位并转大写
func generateRoomID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}
