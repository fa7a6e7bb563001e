package service_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock 是可手动拨动的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingListener 记录生命周期回调
type recordingListener struct {
	mu      sync.Mutex
	created []string
	deleted []string
	canvas  []domain.CanvasState
}

func (l *recordingListener) RoomCreated(room domain.RoomSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, room.ID)
}

func (l *recordingListener) RoomDeleted(room domain.RoomSummary, finalCanvas domain.CanvasState, _ time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deleted = append(l.deleted, room.ID)
	l.canvas = append(l.canvas, finalCanvas)
}

func sequentialIDs() func() string {
	var n int32
	return func() string {
		return fmt.Sprintf("ROOM%04d", atomic.AddInt32(&n, 1))
	}
}

func newTestRegistry(clock *fakeClock, opts ...service.RegistryOption) *service.RoomRegistry {
	base := []service.RegistryOption{
		service.WithClock(clock.Now),
		service.WithIDGenerator(sequentialIDs()),
	}
	return service.NewRoomRegistry(append(base, opts...)...)
}

func TestRoomRegistry_CreateRoom_Defaults(t *testing.T) {
	clock := newFakeClock()
	listener := &recordingListener{}
	reg := newTestRegistry(clock, service.WithListener(listener))

	room, err := reg.CreateRoom("host-1", "", 0)

	require.NoError(t, err)
	assert.Equal(t, "ROOM0001", room.ID)
	assert.Equal(t, "Room ROOM0001", room.Name)
	assert.Equal(t, service.DefaultMaxUsers, room.MaxUsers)
	assert.Equal(t, "host-1", room.HostID)
	assert.Equal(t, 1, room.UserCount, "创建者应自动成为成员")
	assert.Nil(t, room.EmptiedAt)
	assert.Equal(t, []string{"ROOM0001"}, listener.created)

	canvas, err := reg.Canvas(room.ID)
	require.NoError(t, err)
	assert.Empty(t, canvas.Objects)
	assert.Equal(t, domain.DefaultBackground, canvas.Background)
}

func TestRoomRegistry_CreateRoom_RegeneratesCollidingID(t *testing.T) {
	clock := newFakeClock()
	ids := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	i := 0
	reg := newTestRegistry(clock, service.WithIDGenerator(func() string {
		id := ids[i]
		i++
		return id
	}))

	first, err := reg.CreateRoom("u1", "one", 2)
	require.NoError(t, err)
	second, err := reg.CreateRoom("u2", "two", 2)
	require.NoError(t, err)

	assert.Equal(t, "AAAAAAAA", first.ID)
	assert.Equal(t, "BBBBBBBB", second.ID)
}

func TestRoomRegistry_CreateRoom_RequiresHost(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	_, err := reg.CreateRoom("", "x", 2)
	assert.Error(t, err)
}

func TestRoomRegistry_GeneratedIDFormat(t *testing.T) {
	reg := service.NewRoomRegistry()
	room, err := reg.CreateRoom("host", "x", 2)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9A-F]{8}$`, room.ID)
}

func TestRoomRegistry_JoinRoom_NotFound(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	_, err := reg.JoinRoom("NOPE", "u1")

	assert.True(t, errors.Is(err, service.ErrRoomNotFound))
}

func TestRoomRegistry_JoinRoom_ReturnsCanvasAndMembers(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	room, _ := reg.CreateRoom("host", "r", 5)
	obj := domain.CanvasObject{"id": "o1", "type": "rect"}
	_, _, err := reg.ApplyCanvasEvent(room.ID, "host", domain.CanvasEvent{Type: domain.EventObjectAdded, Object: obj})
	require.NoError(t, err)

	res, err := reg.JoinRoom(room.ID, "guest")

	require.NoError(t, err)
	assert.False(t, res.IsHost)
	assert.False(t, res.AlreadyMember)
	assert.Equal(t, []string{"guest", "host"}, res.Members)
	require.Len(t, res.Canvas.Objects, 1)
	assert.Equal(t, "o1", res.Canvas.Objects[0].ID())
	assert.Equal(t, 2, res.Room.UserCount)
}

func TestRoomRegistry_JoinRoom_IdempotentForMember(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	room, _ := reg.CreateRoom("host", "r", 2)
	_, err := reg.JoinRoom(room.ID, "guest")
	require.NoError(t, err)

	// 房间已满，但重复加入的成员不占用新名额
	res, err := reg.JoinRoom(room.ID, "guest")
	require.NoError(t, err)
	assert.True(t, res.AlreadyMember)
	assert.Equal(t, 2, res.Room.UserCount)

	res, err = reg.JoinRoom(room.ID, "host")
	require.NoError(t, err)
	assert.True(t, res.IsHost, "房主重连后仍是房主")

	_, err = reg.JoinRoom(room.ID, "third")
	assert.True(t, errors.Is(err, service.ErrRoomFull))
}

func TestRoomRegistry_ConcurrentJoinsRespectCapacity(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	const maxUsers = 5
	room, _ := reg.CreateRoom("host", "r", maxUsers)
	// 房主占用一个名额，再让它离开，使房间从 0 人开始竞争
	_, err := reg.LeaveRoom(room.ID, "host")
	require.NoError(t, err)

	const attempts = 50
	var ok, full int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := reg.JoinRoom(room.ID, fmt.Sprintf("user-%d", i))
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, service.ErrRoomFull):
				atomic.AddInt32(&full, 1)
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(maxUsers), ok)
	assert.Equal(t, int32(attempts-maxUsers), full)
	members, err := reg.Members(room.ID)
	require.NoError(t, err)
	assert.Len(t, members, maxUsers)
}

func TestRoomRegistry_LeaveRoom_StampsEmptiedAt(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)
	room, _ := reg.CreateRoom("host", "r", 3)
	_, _ = reg.JoinRoom(room.ID, "guest")

	res, err := reg.LeaveRoom(room.ID, "guest")
	require.NoError(t, err)
	assert.False(t, res.Emptied)
	assert.Equal(t, []string{"host"}, res.Members)

	clock.Advance(time.Second)
	res, err = reg.LeaveRoom(room.ID, "host")
	require.NoError(t, err)
	assert.True(t, res.Emptied)
	require.NotNil(t, res.Room.EmptiedAt)
	assert.Equal(t, clock.Now(), *res.Room.EmptiedAt)

	// 清空后房间仍然存在
	got, err := reg.GetRoom(room.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.UserCount)

	_, err = reg.LeaveRoom(room.ID, "host")
	assert.True(t, errors.Is(err, service.ErrNotMember))
}

func TestRoomRegistry_Sweep_RespectsGracePeriodBoundary(t *testing.T) {
	clock := newFakeClock()
	listener := &recordingListener{}
	reg := newTestRegistry(clock, service.WithListener(listener))
	room, _ := reg.CreateRoom("host", "r", 3)
	emptiedAt := clock.Now()
	_, err := reg.LeaveRoom(room.ID, "host")
	require.NoError(t, err)

	deleted := reg.Sweep(emptiedAt.Add(service.DefaultGracePeriod - time.Nanosecond))
	assert.Empty(t, deleted, "宽限期未满不能删除")

	deleted = reg.Sweep(emptiedAt.Add(service.DefaultGracePeriod))
	assert.Equal(t, []string{room.ID}, deleted)
	assert.Equal(t, []string{room.ID}, listener.deleted)

	_, err = reg.GetRoom(room.ID)
	assert.True(t, errors.Is(err, service.ErrRoomNotFound))
	_, err = reg.JoinRoom(room.ID, "host")
	assert.True(t, errors.Is(err, service.ErrRoomNotFound))
}

func TestRoomRegistry_Sweep_NeverDeletesOccupiedRooms(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)
	occupied, _ := reg.CreateRoom("host", "busy", 3)
	neverEmptied, _ := reg.CreateRoom("other", "idle", 3)

	// 远超宽限期
	deleted := reg.Sweep(clock.Now().Add(24 * time.Hour))

	assert.Empty(t, deleted)
	_, err := reg.GetRoom(occupied.ID)
	assert.NoError(t, err)
	_, err = reg.GetRoom(neverEmptied.ID)
	assert.NoError(t, err)
}

func TestRoomRegistry_RejoinDuringGraceCancelsDeletion(t *testing.T) {
	// R3 场景：唯一成员关闭页面，10 秒后重连成功，之后再无人重连，40 秒时被清理
	clock := newFakeClock()
	reg := newTestRegistry(clock)
	start := clock.Now()
	room, _ := reg.CreateRoom("solo", "R3", 4)

	_, err := reg.LeaveRoom(room.ID, "solo")
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	res, err := reg.JoinRoom(room.ID, "solo")
	require.NoError(t, err)
	assert.True(t, res.CancelledExpiry)
	assert.True(t, res.IsHost)
	assert.Nil(t, res.Room.EmptiedAt)

	// 原宽限期到期时房间有人，不应删除
	assert.Empty(t, reg.Sweep(start.Add(30*time.Second)))

	clock.Advance(time.Second)
	_, err = reg.LeaveRoom(room.ID, "solo")
	require.NoError(t, err)
	secondEmpty := clock.Now()

	assert.Empty(t, reg.Sweep(start.Add(40*time.Second)), "第二次清空后还未满 30 秒")
	assert.Equal(t, []string{room.ID}, reg.Sweep(secondEmpty.Add(30*time.Second)))
}

func TestRoomRegistry_RejoinJustBeforeDeadline(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock, service.WithGracePeriod(5*time.Second))
	room, _ := reg.CreateRoom("solo", "r", 2)
	_, _ = reg.LeaveRoom(room.ID, "solo")

	clock.Advance(5*time.Second - time.Millisecond)
	res, err := reg.JoinRoom(room.ID, "solo")
	require.NoError(t, err)
	assert.True(t, res.CancelledExpiry)

	assert.Empty(t, reg.Sweep(clock.Now().Add(time.Hour)))
}

func TestRoomRegistry_SweepRacingJoins(t *testing.T) {
	// sweep 与加入并发：要么加入成功且房间保留，要么加入得到 NotFound 且房间被删除
	for i := 0; i < 50; i++ {
		clock := newFakeClock()
		reg := newTestRegistry(clock)
		room, _ := reg.CreateRoom("solo", "r", 2)
		_, _ = reg.LeaveRoom(room.ID, "solo")
		deadline := clock.Now().Add(service.DefaultGracePeriod)

		var wg sync.WaitGroup
		var joinErr error
		var swept []string
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, joinErr = reg.JoinRoom(room.ID, "solo")
		}()
		go func() {
			defer wg.Done()
			swept = reg.Sweep(deadline)
		}()
		wg.Wait()

		_, getErr := reg.GetRoom(room.ID)
		if joinErr == nil {
			assert.Empty(t, swept)
			assert.NoError(t, getErr)
		} else {
			assert.True(t, errors.Is(joinErr, service.ErrRoomNotFound))
			assert.Equal(t, []string{room.ID}, swept)
			assert.True(t, errors.Is(getErr, service.ErrRoomNotFound))
		}
	}
}

func TestRoomRegistry_ApplyCanvasEvent(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	room, _ := reg.CreateRoom("host", "r", 3)
	_, _ = reg.JoinRoom(room.ID, "guest")

	changed, recipients, err := reg.ApplyCanvasEvent(room.ID, "host", domain.CanvasEvent{
		Type:   domain.EventObjectAdded,
		Object: domain.CanvasObject{"id": "a", "left": 1.0},
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"guest"}, recipients)

	// 后写者胜出
	_, _, err = reg.ApplyCanvasEvent(room.ID, "guest", domain.CanvasEvent{
		Type: domain.EventObjectModified, ObjectID: "a", Object: domain.CanvasObject{"left": 9.0},
	})
	require.NoError(t, err)
	canvas, _ := reg.Canvas(room.ID)
	require.Len(t, canvas.Objects, 1)
	assert.Equal(t, 9.0, canvas.Objects[0]["left"])

	changed, recipients, err = reg.ApplyCanvasEvent(room.ID, "guest", domain.CanvasEvent{Type: domain.EventObjectMoving, ObjectID: "a"})
	require.NoError(t, err)
	assert.False(t, changed, "实时事件只转发")
	assert.Equal(t, []string{"host"}, recipients)

	_, _, err = reg.ApplyCanvasEvent(room.ID, "stranger", domain.CanvasEvent{Type: domain.EventCanvasCleared})
	assert.True(t, errors.Is(err, service.ErrNotMember))
}

func TestRoomRegistry_CanvasCopiesAreIsolated(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	room, _ := reg.CreateRoom("host", "r", 3)
	_, _, _ = reg.ApplyCanvasEvent(room.ID, "host", domain.CanvasEvent{
		Type: domain.EventObjectAdded, Object: domain.CanvasObject{"id": "a"},
	})

	res, err := reg.JoinRoom(room.ID, "guest")
	require.NoError(t, err)
	res.Canvas.Objects[0]["id"] = "mutated"

	canvas, _ := reg.Canvas(room.ID)
	assert.Equal(t, "a", canvas.Objects[0].ID())
}

func TestRoomRegistry_SweepHandsFinalCanvasToListener(t *testing.T) {
	clock := newFakeClock()
	listener := &recordingListener{}
	reg := newTestRegistry(clock, service.WithListener(listener))
	room, _ := reg.CreateRoom("host", "r", 3)
	bg := "#000000"
	_, _, _ = reg.ApplyCanvasEvent(room.ID, "host", domain.CanvasEvent{Type: domain.EventBackgroundChanged, Background: &bg})
	_, _ = reg.LeaveRoom(room.ID, "host")

	reg.Sweep(clock.Now().Add(time.Minute))

	require.Len(t, listener.canvas, 1)
	raw, err := json.Marshal(listener.canvas[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"objects":[],"background":"#000000"}`, string(raw))
}

func TestRoomRegistry_KickUser(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	room, _ := reg.CreateRoom("host", "r", 3)
	_, _ = reg.JoinRoom(room.ID, "guest")

	_, err := reg.KickUser(room.ID, "guest", "host")
	assert.True(t, errors.Is(err, service.ErrNotHost))

	_, err = reg.KickUser(room.ID, "host", "host")
	assert.True(t, errors.Is(err, service.ErrCannotKickSelf))

	res, err := reg.KickUser(room.ID, "host", "guest")
	require.NoError(t, err)
	assert.Equal(t, []string{"host"}, res.Members)

	_, err = reg.KickUser(room.ID, "host", "guest")
	assert.True(t, errors.Is(err, service.ErrNotMember))
}

func TestRoomRegistry_ListRoomsOrderedByCreation(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)
	a, _ := reg.CreateRoom("u1", "a", 2)
	clock.Advance(time.Second)
	b, _ := reg.CreateRoom("u2", "b", 2)

	rooms := reg.ListRooms()

	require.Len(t, rooms, 2)
	assert.Equal(t, a.ID, rooms[0].ID)
	assert.Equal(t, b.ID, rooms[1].ID)
}

func TestRoomRegistry_BroadcastHostOnly(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	room, _ := reg.CreateRoom("host", "r", 3)
	_, _ = reg.JoinRoom(room.ID, "guest")

	_, err := reg.SetBroadcast(room.ID, "guest", true)
	assert.ErrorIs(t, err, service.ErrNotHost)
	_, err = reg.SetBroadcast(room.ID, "stranger", true)
	assert.ErrorIs(t, err, service.ErrNotMember)
	_, err = reg.SetBroadcast("NOPE0000", "host", true)
	assert.ErrorIs(t, err, service.ErrRoomNotFound)

	// 未开启广播时不能同步 PDF 或转发 AI 消息
	_, err = reg.UpdateBroadcastPDF(room.ID, "host", domain.PDFActionLoad, domain.BroadcastPDF{Name: "a.pdf"})
	assert.ErrorIs(t, err, service.ErrBroadcastDisabled)
	_, err = reg.BroadcastAudience(room.ID, "host")
	assert.ErrorIs(t, err, service.ErrBroadcastDisabled)

	res, err := reg.SetBroadcast(room.ID, "host", true)
	require.NoError(t, err)
	assert.True(t, res.State.Enabled)
	assert.Equal(t, "host", res.State.HostID)
	assert.Equal(t, []string{"guest"}, res.Members)

	audience, err := reg.BroadcastAudience(room.ID, "host")
	require.NoError(t, err)
	assert.Equal(t, []string{"guest"}, audience)
	_, err = reg.BroadcastAudience(room.ID, "guest")
	assert.ErrorIs(t, err, service.ErrNotHost)
}

func TestRoomRegistry_BroadcastPDFLifecycle(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	room, _ := reg.CreateRoom("host", "r", 3)
	_, err := reg.SetBroadcast(room.ID, "host", true)
	require.NoError(t, err)

	// 没有 PDF 时翻页不产生状态
	res, err := reg.UpdateBroadcastPDF(room.ID, "host", domain.PDFActionPageChange, domain.BroadcastPDF{CurrentPage: 3})
	require.NoError(t, err)
	assert.Nil(t, res.State.PDF)

	_, err = reg.UpdateBroadcastPDF(room.ID, "host", domain.PDFActionLoad,
		domain.BroadcastPDF{Name: "slides.pdf", Data: "JVBERi0=", CurrentPage: 1, TotalPages: 12, Timestamp: 1})
	require.NoError(t, err)
	res, err = reg.UpdateBroadcastPDF(room.ID, "host", domain.PDFActionPageChange, domain.BroadcastPDF{CurrentPage: 5, Timestamp: 2})
	require.NoError(t, err)
	require.NotNil(t, res.State.PDF)
	assert.Equal(t, "slides.pdf", res.State.PDF.Name, "翻页保留文件")
	assert.Equal(t, 5, res.State.PDF.CurrentPage)
	assert.Equal(t, 12, res.State.PDF.TotalPages)

	// 新加入的成员拿到当前广播状态
	joined, err := reg.JoinRoom(room.ID, "late")
	require.NoError(t, err)
	assert.True(t, joined.Broadcast.Enabled)
	require.NotNil(t, joined.Broadcast.PDF)
	assert.Equal(t, 5, joined.Broadcast.PDF.CurrentPage)
	assert.True(t, joined.Room.BroadcastEnabled)

	// 返回的是副本
	joined.Broadcast.PDF.CurrentPage = 99
	again, _ := reg.JoinRoom(room.ID, "late")
	assert.Equal(t, 5, again.Broadcast.PDF.CurrentPage)

	_, err = reg.UpdateBroadcastPDF(room.ID, "host", "rotate", domain.BroadcastPDF{})
	assert.ErrorIs(t, err, service.ErrInvalidPDFAction)

	res, err = reg.UpdateBroadcastPDF(room.ID, "host", domain.PDFActionClose, domain.BroadcastPDF{})
	require.NoError(t, err)
	assert.Nil(t, res.State.PDF)
	assert.True(t, res.State.Enabled)
}

func TestRoomRegistry_BroadcastResetWhenDisabledOrHostLeaves(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	room, _ := reg.CreateRoom("host", "r", 3)
	_, _ = reg.JoinRoom(room.ID, "guest")
	_, _ = reg.SetBroadcast(room.ID, "host", true)
	_, _ = reg.UpdateBroadcastPDF(room.ID, "host", domain.PDFActionLoad, domain.BroadcastPDF{Name: "a.pdf"})

	res, err := reg.SetBroadcast(room.ID, "host", false)
	require.NoError(t, err)
	assert.False(t, res.State.Enabled)
	assert.Nil(t, res.State.PDF, "关闭广播清除 PDF")

	_, _ = reg.SetBroadcast(room.ID, "host", true)
	_, _ = reg.UpdateBroadcastPDF(room.ID, "host", domain.PDFActionLoad, domain.BroadcastPDF{Name: "b.pdf"})

	// 普通成员离开不影响广播
	left, err := reg.LeaveRoom(room.ID, "guest")
	require.NoError(t, err)
	assert.False(t, left.BroadcastReset)
	_, _ = reg.JoinRoom(room.ID, "guest")

	left, err = reg.LeaveRoom(room.ID, "host")
	require.NoError(t, err)
	assert.True(t, left.BroadcastReset)
	assert.False(t, left.Room.BroadcastEnabled)

	joined, err := reg.JoinRoom(room.ID, "host")
	require.NoError(t, err)
	assert.True(t, joined.IsHost)
	assert.False(t, joined.Broadcast.Enabled)
	assert.Nil(t, joined.Broadcast.PDF)
}
