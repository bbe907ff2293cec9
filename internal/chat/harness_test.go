package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pelusa-v/pelusa-rtc/internal/auth"
	"github.com/pelusa-v/pelusa-rtc/internal/bus"
	"github.com/pelusa-v/pelusa-rtc/internal/calls"
	"github.com/pelusa-v/pelusa-rtc/internal/logging"
	"github.com/pelusa-v/pelusa-rtc/internal/presence"
)

const (
	testTTL       = 60 * time.Second
	testHeartbeat = 25 * time.Second
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// fakeConn is never read by these tests; frames are taken from Client.Send.
type fakeConn struct{}

func (fakeConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("closed") }
func (fakeConn) WriteMessage(int, []byte) error { return nil }
func (fakeConn) Close() error { return nil }

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *fakeClock
	store presence.Store
	book  calls.Book
	m     *Manager
}

func newHarness(t *testing.T, configure ...func(*Options)) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := presence.NewMemoryStore(presence.Options{TTL: testTTL, Retention: 10 * time.Minute, Now: clock.Now})
	book := calls.NewMemoryBook(clock.Now)
	opts := Options{
		Store:  store,
		Calls:  book,
		Bus:    bus.NewLocal(),
		Logger: logging.Discard(),
		Now:    clock.Now,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return &harness{t: t, ctx: context.Background(), clock: clock, store: opts.Store, book: book, m: m}
}

func (h *harness) connect(user string) *Client {
	c := NewClient(auth.Identity{ID: user, Email: user + "@example.com"}, fakeConn{}, 256, logging.Discard())
	h.m.Handle(h.ctx, Event{Kind: KindConnect, Client: c})
	return c
}

func (h *harness) send(c *Client, event string, data any) {
	h.t.Helper()
	b, err := json.Marshal(&Frame{Event: event, Data: data})
	if err != nil {
		h.t.Fatalf("marshal %s: %v", event, err)
	}
	h.m.Handle(h.ctx, Event{Kind: KindFrame, Client: c, Data: b})
}

func (h *harness) disconnect(c *Client) {
	h.m.Handle(h.ctx, Event{Kind: KindDisconnect, Client: c})
}

func (h *harness) occupants(room string) []string {
	h.t.Helper()
	users, err := h.store.Occupants(h.ctx, room)
	if err != nil {
		h.t.Fatalf("Occupants(%s): %v", room, err)
	}
	return users
}

type received struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (r received) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("decode %s: %v", r.Event, err)
	}
}

// drain returns every frame queued for c so far.
func drain(t *testing.T, c *Client) []received {
	t.Helper()
	var out []received
	for {
		select {
		case b, ok := <-c.Send:
			if !ok {
				return out
			}
			var r received
			if err := json.Unmarshal(b, &r); err != nil {
				t.Fatalf("bad frame %q: %v", b, err)
			}
			out = append(out, r)
		default:
			return out
		}
	}
}

func only(frames []received, event string) []received {
	var out []received
	for _, f := range frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
