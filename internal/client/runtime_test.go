package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collaborative-canvas/internal/client"
	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/hub"
	"collaborative-canvas/internal/service"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type canvasServer struct {
	hub      *hub.Hub
	registry *service.RoomRegistry
	url      string
}

func newCanvasServer(t *testing.T) *canvasServer {
	t.Helper()
	registry := service.NewRoomRegistry()
	identity, err := service.NewIdentityService("client-test-secret", 24)
	require.NoError(t, err)
	h := hub.NewHub(registry, identity, nil, hub.Config{})
	go h.Run()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Attach(conn)
	}))
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
	})
	return &canvasServer{hub: h, registry: registry, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

// app 模拟一次客户端进程：共享同一个本地存储，每次 start 相当于刷新页面
type app struct {
	coord    *client.Coordinator
	ws       *client.Workspace
	runtime  *client.Runtime
	notifier *recordingNotifier
	cancel   context.CancelFunc
	done     chan struct{}
	err      error // Run 的返回值，done 关闭后可读
}

func startApp(t *testing.T, url string, storage client.Storage) *app {
	t.Helper()
	store := client.NewLocalSessionStore(storage)
	ws := client.NewWorkspace()
	snapshots := client.NewSnapshotManager(store,
		client.WithCanvasProvider(ws), client.WithUIProvider(ws), client.WithDocumentProvider(ws))
	notifier := &recordingNotifier{}
	coord := client.NewCoordinator(store,
		client.WithNotifier(notifier),
		client.WithRestorer(snapshots),
		client.WithDisplayName("Alice"))
	rt := client.NewRuntime(client.RuntimeConfig{ServerURL: url, ReconnectMin: 20 * time.Millisecond}, coord, ws)

	ctx, cancel := context.WithCancel(context.Background())
	a := &app{coord: coord, ws: ws, runtime: rt, notifier: notifier, cancel: cancel, done: make(chan struct{})}
	go func() {
		a.err = rt.Run(ctx)
		close(a.done)
	}()
	t.Cleanup(a.stop)
	return a
}

func (a *app) stop() {
	a.cancel()
	<-a.done
}

func (a *app) waitRegistered(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return a.coord.Identity().UserID != "" }, 3*time.Second, 10*time.Millisecond)
}

func (a *app) waitRoom(t *testing.T) string {
	t.Helper()
	var roomID string
	require.Eventually(t, func() bool {
		roomID, _ = a.coord.CurrentRoom()
		return roomID != ""
	}, 3*time.Second, 10*time.Millisecond)
	return roomID
}

func TestRuntime_HostRejoinsAfterRefresh(t *testing.T) {
	srv := newCanvasServer(t)
	storage := client.NewMemoryStorage()

	first := startApp(t, srv.url, storage)
	first.waitRegistered(t)
	hostID := first.coord.Identity().UserID
	require.NoError(t, first.runtime.CreateRoom("R1", 4))
	roomID := first.waitRoom(t)
	require.NoError(t, first.runtime.SendCanvasEvent(domain.CanvasEvent{Type: domain.EventObjectAdded, Object: domain.CanvasObject{"id": "o1"}}))
	require.Eventually(t, func() bool {
		c, err := srv.registry.Canvas(roomID)
		return err == nil && len(c.Objects) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// 刷新
	first.stop()
	require.Eventually(t, func() bool { return srv.hub.ConnectedUsers() == 0 }, 3*time.Second, 10*time.Millisecond)

	second := startApp(t, srv.url, storage)

	require.Eventually(t, func() bool { return second.coord.State() == client.StateRejoinSucceeded }, 3*time.Second, 10*time.Millisecond)
	gotRoom, isHost := second.coord.CurrentRoom()
	assert.Equal(t, roomID, gotRoom)
	assert.True(t, isHost, "令牌取回原用户 ID，仍是房主")
	assert.Equal(t, hostID, second.coord.Identity().UserID)
	require.Eventually(t, func() bool {
		ok, _ := second.notifier.counts()
		return ok == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, second.ws.Canvas().Objects, 1, "重连后画布来自服务端")
}

func TestRuntime_NoRejoinAfterManualLeave(t *testing.T) {
	srv := newCanvasServer(t)
	storage := client.NewMemoryStorage()

	first := startApp(t, srv.url, storage)
	first.waitRegistered(t)
	require.NoError(t, first.runtime.CreateRoom("R2", 4))
	first.waitRoom(t)
	require.NoError(t, first.runtime.LeaveRoom())
	first.stop()

	second := startApp(t, srv.url, storage)
	second.waitRegistered(t)

	assert.Never(t, func() bool {
		roomID, _ := second.coord.CurrentRoom()
		return roomID != ""
	}, 200*time.Millisecond, 20*time.Millisecond)
	assert.Equal(t, client.StateIdle, second.coord.State())
}

func TestRuntime_RejoinFailsWhenRoomSwept(t *testing.T) {
	srv := newCanvasServer(t)
	storage := client.NewMemoryStorage()

	first := startApp(t, srv.url, storage)
	first.waitRegistered(t)
	require.NoError(t, first.runtime.CreateRoom("R3", 4))
	roomID := first.waitRoom(t)
	first.stop()
	require.Eventually(t, func() bool {
		room, err := srv.registry.GetRoom(roomID)
		return err == nil && room.EmptiedAt != nil
	}, 3*time.Second, 10*time.Millisecond)

	deleted := srv.registry.Sweep(time.Now().Add(time.Minute))
	require.Equal(t, []string{roomID}, deleted)

	second := startApp(t, srv.url, storage)

	require.Eventually(t, func() bool {
		_, failed := second.notifier.counts()
		return failed == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, client.StateRejoinFailed, second.coord.State())
	assert.Equal(t, []string{roomID}, second.notifier.failedRooms())
	_, ok := client.NewLocalSessionStore(storage).Load()
	assert.True(t, ok, "失败的重连不清除本地会话")
}

func TestRuntime_RefreshTakesOverLingeringConnection(t *testing.T) {
	srv := newCanvasServer(t)
	storage := client.NewMemoryStorage()

	first := startApp(t, srv.url, storage)
	first.waitRegistered(t)
	hostID := first.coord.Identity().UserID
	require.NoError(t, first.runtime.CreateRoom("R4", 1))
	roomID := first.waitRoom(t)

	// 旧连接还没断开，新进程就带着同一个会话启动
	second := startApp(t, srv.url, storage)

	require.Eventually(t, func() bool { return second.coord.State() == client.StateRejoinSucceeded }, 3*time.Second, 10*time.Millisecond)
	gotRoom, isHost := second.coord.CurrentRoom()
	assert.Equal(t, roomID, gotRoom)
	assert.True(t, isHost)
	assert.Equal(t, hostID, second.coord.Identity().UserID)

	select {
	case <-first.done:
	case <-time.After(3 * time.Second):
		t.Fatal("replaced runtime kept running")
	}
	assert.ErrorIs(t, first.err, client.ErrSessionReplaced)
	members, err := srv.registry.Members(roomID)
	require.NoError(t, err)
	assert.Equal(t, []string{hostID}, members)
}

func TestRuntime_FollowsHostBroadcast(t *testing.T) {
	srv := newCanvasServer(t)
	host := startApp(t, srv.url, client.NewMemoryStorage())
	host.waitRegistered(t)
	require.NoError(t, host.runtime.CreateRoom("R5", 4))
	roomID := host.waitRoom(t)
	require.NoError(t, host.runtime.SetBroadcast(true))
	require.NoError(t, host.runtime.BroadcastPDF(domain.PDFActionLoad, domain.BroadcastPDF{Name: "deck.pdf", CurrentPage: 1, TotalPages: 9}))
	// 同一连接上的消息按序处理，画布事件落地说明 PDF 已经记录
	require.NoError(t, host.runtime.SendCanvasEvent(domain.CanvasEvent{Type: domain.EventObjectAdded, Object: domain.CanvasObject{"id": "o1"}}))
	require.Eventually(t, func() bool {
		c, err := srv.registry.Canvas(roomID)
		return err == nil && len(c.Objects) == 1
	}, 3*time.Second, 10*time.Millisecond)

	guest := startApp(t, srv.url, client.NewMemoryStorage())
	guest.waitRegistered(t)
	require.NoError(t, guest.runtime.JoinRoom(roomID))
	guest.waitRoom(t)

	// 加入时从 room_joined 追平
	require.Eventually(t, func() bool {
		b := guest.ws.Broadcast()
		return b.Enabled && b.PDF != nil && b.PDF.Name == "deck.pdf"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, host.runtime.BroadcastPDF(domain.PDFActionPageChange, domain.BroadcastPDF{CurrentPage: 4}))
	require.Eventually(t, func() bool {
		b := guest.ws.Broadcast()
		return b.PDF != nil && b.PDF.CurrentPage == 4
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, host.runtime.SetBroadcast(false))
	require.Eventually(t, func() bool {
		b := guest.ws.Broadcast()
		return !b.Enabled && b.PDF == nil
	}, 3*time.Second, 10*time.Millisecond)
}
