// canvas-client 是一个无界面的画布客户端：连接服务端，保存房间会话和本地状态快照，
// 重启后自动回到之前的房间。命令从标准输入逐行读取。
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"collaborative-canvas/internal/client"
	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/protocol"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

type printer struct{}

func (printer) RejoinSucceeded(s client.RoomSession) {
	role := "member"
	if s.IsHost {
		role = "host"
	}
	fmt.Printf("Rejoined room %s as %s\n", s.RoomID, role)
}

func (printer) RejoinFailed(roomID, message string) {
	fmt.Printf("%s (%s)\n", message, roomID)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	home, _ := os.UserHomeDir()

	var (
		serverURL        string
		name             string
		stateDir         string
		logLevel         string
		snapshotInterval time.Duration
	)
	flags := pflag.NewFlagSet("canvas-client", pflag.ContinueOnError)
	flags.StringVarP(&serverURL, "server", "s", "ws://localhost:8080/ws", "websocket endpoint of the canvas server")
	flags.StringVarP(&name, "name", "n", "", "display name used when no saved session exists")
	flags.StringVar(&stateDir, "state-dir", filepath.Join(home, ".canvas-client"), "directory holding the saved session and state snapshot")
	flags.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flags.DurationVar(&snapshotInterval, "snapshot-interval", client.DefaultSnapshotInterval, "interval between periodic state snapshots")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.WarnLevel
	}
	logrus.SetLevel(level)

	var storage client.Storage
	fs, err := client.NewFileStorage(stateDir)
	if err != nil {
		// 没有可写目录时照常运行，只是不保存会话
		logrus.WithError(err).Warn("Local storage unavailable")
	} else {
		storage = fs
	}

	store := client.NewLocalSessionStore(storage)
	workspace := client.NewWorkspace()
	snapshots := client.NewSnapshotManager(store,
		client.WithSnapshotInterval(snapshotInterval),
		client.WithCanvasProvider(workspace),
		client.WithUIProvider(workspace),
		client.WithDocumentProvider(workspace))
	workspace.OnChange(snapshots.NotifyChange)
	snapshots.Restore(nil)

	coordinator := client.NewCoordinator(store,
		client.WithNotifier(printer{}),
		client.WithRestorer(snapshots),
		client.WithDisplayName(name))
	rt := client.NewRuntime(client.RuntimeConfig{
		ServerURL: serverURL,
		OnMessage: func(msgType string, raw []byte) {
			logrus.WithField("type", msgType).Debug(string(raw))
			switch msgType {
			case protocol.TypeRoomJoined, protocol.TypeRoomCreated, protocol.TypeUserJoined,
				protocol.TypeUserLeft, protocol.TypeKicked, protocol.TypeError,
				protocol.TypeHostBroadcastState, protocol.TypeHostBroadcastAIMessage,
				protocol.TypeVideoCallEvent, protocol.TypeSessionReplaced:
				fmt.Println(string(raw))
			}
		},
	}, coordinator, workspace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshotsDone := make(chan struct{})
	go func() {
		snapshots.Run(ctx)
		close(snapshotsDone)
	}()
	go readCommands(ctx, stop, rt, coordinator, workspace)

	err = rt.Run(ctx)
	if errors.Is(err, client.ErrSessionReplaced) {
		fmt.Println("This session was opened from another client, exiting")
		stop()
	}
	<-snapshotsDone
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

const help = `commands:
  create [name] [max]   create a room
  join <room-id>        join a room
  leave                 leave the current room
  name <new-name>       change display name
  add <object-id>       add an object to the canvas
  remove <object-id>    remove an object from the canvas
  bg <color>            change the canvas background
  clear                 clear the canvas
  theme <name>          change the UI theme
  broadcast on|off      toggle host broadcast mode
  pdf load <name> <n>   broadcast a pdf with n pages
  pdf page <n>          broadcast a page change
  pdf close             stop broadcasting the pdf
  ai <text>             broadcast an AI chat message
  call <event>          send a video call event (call_started, call_ended, ...)
  status                show session and canvas state
  quit                  exit`

func readCommands(ctx context.Context, stop func(), rt *client.Runtime, coord *client.Coordinator, ws *client.Workspace) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if err := execute(fields, stop, rt, coord, ws); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}
}

func execute(fields []string, stop func(), rt *client.Runtime, coord *client.Coordinator, ws *client.Workspace) error {
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}

	switch fields[0] {
	case "create":
		maxUsers, _ := strconv.Atoi(arg(2))
		return rt.CreateRoom(arg(1), maxUsers)
	case "join":
		if arg(1) == "" {
			return fmt.Errorf("usage: join <room-id>")
		}
		return rt.JoinRoom(arg(1))
	case "leave":
		return rt.LeaveRoom()
	case "name":
		return rt.UpdateName(strings.Join(fields[1:], " "))
	case "add":
		id := arg(1)
		if id == "" {
			id = uuid.NewString()
		}
		return rt.SendCanvasEvent(domain.CanvasEvent{
			Type:     domain.EventObjectAdded,
			ObjectID: id,
			Object:   domain.CanvasObject{"id": id, "type": "rect"},
		})
	case "remove":
		return rt.SendCanvasEvent(domain.CanvasEvent{Type: domain.EventObjectRemoved, ObjectID: arg(1)})
	case "bg":
		color := arg(1)
		return rt.SendCanvasEvent(domain.CanvasEvent{Type: domain.EventBackgroundChanged, Background: &color})
	case "clear":
		return rt.SendCanvasEvent(domain.CanvasEvent{Type: domain.EventCanvasCleared})
	case "theme":
		ui := ws.UI()
		ui.Theme = arg(1)
		ws.SetUI(ui)
	case "broadcast":
		return rt.SetBroadcast(arg(1) == "on")
	case "pdf":
		switch arg(1) {
		case "load":
			pages, _ := strconv.Atoi(arg(3))
			return rt.BroadcastPDF(domain.PDFActionLoad, domain.BroadcastPDF{
				Name: arg(2), CurrentPage: 1, TotalPages: pages, Timestamp: float64(time.Now().UnixMilli()),
			})
		case "page":
			page, err := strconv.Atoi(arg(2))
			if err != nil {
				return fmt.Errorf("usage: pdf page <n>")
			}
			return rt.BroadcastPDF(domain.PDFActionPageChange, domain.BroadcastPDF{CurrentPage: page, Timestamp: float64(time.Now().UnixMilli())})
		case "close":
			return rt.BroadcastPDF(domain.PDFActionClose, domain.BroadcastPDF{})
		default:
			return fmt.Errorf("usage: pdf load <name> <pages> | pdf page <n> | pdf close")
		}
	case "ai":
		msg, err := json.Marshal(map[string]string{"role": "assistant", "content": strings.Join(fields[1:], " ")})
		if err != nil {
			return err
		}
		return rt.BroadcastAIMessage(msg)
	case "call":
		if arg(1) == "" {
			return fmt.Errorf("usage: call <event>")
		}
		return rt.SendVideoCallEvent(arg(1), nil)
	case "status":
		roomID, isHost := coord.CurrentRoom()
		id := coord.Identity()
		canvas := ws.Canvas()
		fmt.Printf("user=%s name=%q room=%s host=%t rejoin=%s objects=%d background=%s theme=%s\n",
			id.UserID, id.Name, roomID, isHost, coord.State(), len(canvas.Objects), canvas.Background, ws.UI().Theme)
		if b := ws.Broadcast(); b.Enabled {
			page := 0
			name := ""
			if b.PDF != nil {
				name, page = b.PDF.Name, b.PDF.CurrentPage
			}
			fmt.Printf("broadcast host=%s pdf=%q page=%d\n", b.HostID, name, page)
		}
	case "quit", "exit":
		stop()
	default:
		fmt.Println(help)
	}
	return nil
}
