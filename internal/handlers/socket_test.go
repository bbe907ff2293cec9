package handlers

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-rtc/internal/auth"
	"github.com/pelusa-v/pelusa-rtc/internal/bus"
	"github.com/pelusa-v/pelusa-rtc/internal/calls"
	"github.com/pelusa-v/pelusa-rtc/internal/chat"
	"github.com/pelusa-v/pelusa-rtc/internal/logging"
	"github.com/pelusa-v/pelusa-rtc/internal/presence"
)

// stallingStore slows down one user's room entries so the event loop is
// busy while sockets come and go.
type stallingStore struct {
	presence.Store
	user  string
	delay time.Duration
}

func (s stallingStore) Enter(ctx context.Context, user, room string) (bool, error) {
	if user == s.user {
		time.Sleep(s.delay)
	}
	return s.Store.Enter(ctx, user, room)
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// startServer runs the real routes on a loopback listener with a live
// event loop and returns the listener address.
func startServer(t *testing.T, store presence.Store) string {
	t.Helper()
	m, err := chat.NewManager(chat.Options{
		Store:  store,
		Calls:  calls.NewMemoryBook(nil),
		Bus:    bus.NewLocal(),
		Logger: logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	t.Cleanup(cancel)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	New(Options{
		Manager:  m,
		Verifier: auth.NewVerifier(testSecret),
		Logger:   logging.Discard(),
	}).Register(app)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go app.Listener(ln)
	t.Cleanup(func() { _ = app.ShutdownWithTimeout(2 * time.Second) })
	return ln.Addr().String()
}

func dial(t *testing.T, addr, user string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/ws?token="+token(t, user), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", user, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": event, "data": data}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

// readUntil reads frames until one named event arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) wireFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f wireFrame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if f.Event == event {
			return f
		}
	}
}

// readAll collects every frame that arrives within d.
func readAll(conn *websocket.Conn, d time.Duration) []wireFrame {
	conn.SetReadDeadline(time.Now().Add(d))
	var frames []wireFrame
	for {
		var f wireFrame
		if err := conn.ReadJSON(&f); err != nil {
			return frames
		}
		frames = append(frames, f)
	}
}

func TestSocketPresenceRoundTrip(t *testing.T) {
	addr := startServer(t, presence.NewMemoryStore(presence.Options{}))

	a := dial(t, addr, "A")
	emit(t, a, chat.EventEnterRoom, "7")
	readUntil(t, a, chat.EventList)

	b := dial(t, addr, "B")
	emit(t, b, chat.EventEnterRoom, "7")

	var entered chat.PresencePayload
	if err := json.Unmarshal(readUntil(t, a, chat.EventEntered).Data, &entered); err != nil {
		t.Fatalf("decode entered: %v", err)
	}
	if entered.User.ID != "B" || entered.RoomID != "7" {
		t.Fatalf("entered = %+v", entered)
	}

	a.Close()
	var left chat.PresencePayload
	if err := json.Unmarshal(readUntil(t, b, chat.EventLeft).Data, &left); err != nil {
		t.Fatalf("decode left: %v", err)
	}
	if left.User.ID != "A" {
		t.Fatalf("left = %+v", left)
	}
}

func TestClosedSocketFramesNeverReachNewConnection(t *testing.T) {
	store := stallingStore{
		Store: presence.NewMemoryStore(presence.Options{}),
		user:  "B",
		delay: 300 * time.Millisecond,
	}
	addr := startServer(t, store)

	a := dial(t, addr, "A")
	emit(t, a, chat.EventEnterRoom, "7")
	readUntil(t, a, chat.EventList)

	b := dial(t, addr, "B")
	emit(t, b, chat.EventEnterRoom, "7")
	// The loop is now inside B's slow Enter; A's presence:entered is queued
	// behind it while A's socket goes away and C connects.
	time.Sleep(50 * time.Millisecond)
	a.Close()
	time.Sleep(50 * time.Millisecond)
	c := dial(t, addr, "C")

	frames := readAll(c, time.Second)
	online := false
	for _, f := range frames {
		if f.Event == chat.EventEntered || f.Event == chat.EventList {
			t.Fatalf("C received a room frame it never asked for: %s %s", f.Event, f.Data)
		}
		if f.Event == chat.EventOnline {
			online = true
		}
	}
	if !online {
		t.Fatalf("C frames = %+v; want its own presence:online", frames)
	}
}
