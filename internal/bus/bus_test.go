package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natstest "github.com/nats-io/nats-server/v2/test"

	"github.com/pelusa-v/pelusa-rtc/internal/logging"
)

type recorder struct {
	mu     sync.Mutex
	byUser map[string][]string
	all    []string
}

func newRecorder() *recorder { return &recorder{byUser: map[string][]string{}} }

func (r *recorder) DeliverUser(user string, frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byUser[user] = append(r.byUser[user], string(frame))
	return 1
}

func (r *recorder) DeliverAll(frame []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, string(frame))
	return 1
}

func (r *recorder) userFrames(user string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.byUser[user]...)
}

func (r *recorder) allFrames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.all...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPersonalChannel(t *testing.T) {
	if got := PersonalChannel("pelusa", "42"); got != "pelusa.user.42" {
		t.Fatalf("PersonalChannel = %q", got)
	}
}

func TestLocalDeliversToAttached(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	if err := l.ToUser(ctx, "A", []byte("dropped")); err != nil {
		t.Fatalf("ToUser before Attach: %v", err)
	}

	rec := newRecorder()
	l.Attach(rec)
	l.ToUser(ctx, "A", []byte("one"))
	l.ToAll(ctx, []byte("two"))

	if got := rec.userFrames("A"); len(got) != 1 || got[0] != "one" {
		t.Fatalf("user frames = %v", got)
	}
	if got := rec.allFrames(); len(got) != 1 || got[0] != "two" {
		t.Fatalf("broadcast frames = %v", got)
	}
}

func runNATSServer(t *testing.T) *server.Server {
	t.Helper()
	s := natstest.RunRandClientPortServer()
	t.Cleanup(s.Shutdown)
	return s
}

func TestNATSCrossInstance(t *testing.T) {
	s := runNATSServer(t)
	ctx := context.Background()

	a, err := ConnectNATS(s.ClientURL(), "test", logging.Discard())
	if err != nil {
		t.Fatalf("connect a: %v", err)
	}
	defer a.Close()
	b, err := ConnectNATS(s.ClientURL(), "test", logging.Discard())
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}
	defer b.Close()

	recA, recB := newRecorder(), newRecorder()
	if err := a.Attach(recA); err != nil {
		t.Fatalf("attach a: %v", err)
	}
	if err := b.Attach(recB); err != nil {
		t.Fatalf("attach b: %v", err)
	}

	for _, f := range []string{"1", "2", "3"} {
		if err := a.ToUser(ctx, "U", []byte(f)); err != nil {
			t.Fatalf("ToUser: %v", err)
		}
	}
	if err := a.ToAll(ctx, []byte("all")); err != nil {
		t.Fatalf("ToAll: %v", err)
	}

	for _, rec := range []*recorder{recA, recB} {
		waitFor(t, func() bool { return len(rec.userFrames("U")) == 3 && len(rec.allFrames()) == 1 })
		got := rec.userFrames("U")
		if got[0] != "1" || got[1] != "2" || got[2] != "3" {
			t.Fatalf("frames out of order: %v", got)
		}
	}
	if got := recB.userFrames("V"); len(got) != 0 {
		t.Fatalf("frames leaked to V: %v", got)
	}
}
