package presence

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"
)

const (
	testTTL       = 60 * time.Second
	testRetention = 10 * time.Minute
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("EnterIsIdempotent", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		created, err := s.Enter(ctx, "u1", "r1")
		if err != nil || !created {
			t.Fatalf("first Enter = %v, %v; want created", created, err)
		}
		created, err = s.Enter(ctx, "u1", "r1")
		if err != nil || created {
			t.Fatalf("second Enter = %v, %v; want not created", created, err)
		}
		assertOccupants(t, s, "r1", "u1")
	})

	t.Run("LeaseExpires", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		mustEnter(t, s, "u1", "r1")
		clock.Advance(testTTL + time.Second)
		assertOccupants(t, s, "r1")
	})

	t.Run("HeartbeatExtendsFromHeartbeat", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		mustEnter(t, s, "u1", "r1")

		clock.Advance(testTTL - time.Second)
		res, err := s.Heartbeat(ctx, "u1", "r1")
		if err != nil || res != HeartbeatRefreshed {
			t.Fatalf("Heartbeat = %v, %v; want refreshed", res, err)
		}
		// Past the original lease, inside the refreshed one.
		clock.Advance(testTTL - time.Second)
		assertOccupants(t, s, "r1", "u1")

		clock.Advance(2 * time.Second)
		assertOccupants(t, s, "r1")
	})

	t.Run("HeartbeatWithoutEnterIsIgnored", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		res, err := s.Heartbeat(ctx, "u1", "r1")
		if err != nil || res != HeartbeatIgnored {
			t.Fatalf("Heartbeat = %v, %v; want ignored", res, err)
		}
		assertOccupants(t, s, "r1")
	})

	t.Run("HeartbeatAfterExitIsIgnored", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		mustEnter(t, s, "u1", "r1")
		if removed, err := s.Exit(ctx, "u1", "r1"); err != nil || !removed {
			t.Fatalf("Exit = %v, %v; want removed", removed, err)
		}
		res, _ := s.Heartbeat(ctx, "u1", "r1")
		if res != HeartbeatIgnored {
			t.Fatalf("Heartbeat after exit = %v; want ignored", res)
		}
	})

	t.Run("HeartbeatAfterLapseReenters", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		mustEnter(t, s, "u1", "r1")
		clock.Advance(testTTL + time.Second)

		res, err := s.Heartbeat(ctx, "u1", "r1")
		if err != nil || res != HeartbeatReentered {
			t.Fatalf("Heartbeat = %v, %v; want reentered", res, err)
		}
		assertOccupants(t, s, "r1", "u1")
	})

	t.Run("HeartbeatAfterSweepReenters", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		mustEnter(t, s, "u1", "r1")
		clock.Advance(testTTL + time.Second)
		if lapsed, _ := s.Sweep(ctx); len(lapsed) != 1 {
			t.Fatalf("Sweep = %v; want one lease", lapsed)
		}
		res, _ := s.Heartbeat(ctx, "u1", "r1")
		if res != HeartbeatReentered {
			t.Fatalf("Heartbeat = %v; want reentered", res)
		}
	})

	t.Run("HeartbeatBeyondRetentionIsIgnored", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		mustEnter(t, s, "u1", "r1")
		clock.Advance(testRetention + time.Second)
		res, _ := s.Heartbeat(ctx, "u1", "r1")
		if res != HeartbeatIgnored {
			t.Fatalf("Heartbeat = %v; want ignored", res)
		}
	})

	t.Run("ExitAbsentIsNoop", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		removed, err := s.Exit(ctx, "u1", "r1")
		if err != nil || removed {
			t.Fatalf("Exit = %v, %v; want no-op", removed, err)
		}
	})

	t.Run("EnterAfterExitCreatesAgain", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		mustEnter(t, s, "u1", "r1")
		s.Exit(ctx, "u1", "r1")
		created, _ := s.Enter(ctx, "u1", "r1")
		if !created {
			t.Fatal("Enter after Exit should create")
		}
	})

	t.Run("PurgeUser", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		mustEnter(t, s, "u1", "A")
		mustEnter(t, s, "u1", "B")
		mustEnter(t, s, "u2", "A")

		rooms, err := s.PurgeUser(ctx, "u1")
		if err != nil {
			t.Fatalf("PurgeUser: %v", err)
		}
		if !reflect.DeepEqual(rooms, []string{"A", "B"}) {
			t.Fatalf("PurgeUser rooms = %v; want [A B]", rooms)
		}
		assertOccupants(t, s, "A", "u2")
		assertOccupants(t, s, "B")

		rooms, _ = s.PurgeUser(ctx, "u1")
		if len(rooms) != 0 {
			t.Fatalf("second PurgeUser = %v; want none", rooms)
		}
		if res, _ := s.Heartbeat(ctx, "u1", "A"); res != HeartbeatIgnored {
			t.Fatalf("Heartbeat after purge = %v; want ignored", res)
		}
	})

	t.Run("PurgeSkipsSweptRooms", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		mustEnter(t, s, "u1", "A")
		clock.Advance(testTTL + time.Second)
		mustEnter(t, s, "u1", "B")
		s.Sweep(ctx)

		rooms, _ := s.PurgeUser(ctx, "u1")
		if !reflect.DeepEqual(rooms, []string{"B"}) {
			t.Fatalf("PurgeUser = %v; want [B]", rooms)
		}
	})

	t.Run("SweepReturnsEachLeaseOnce", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		mustEnter(t, s, "u1", "A")
		mustEnter(t, s, "u2", "A")
		clock.Advance(30 * time.Second)
		mustEnter(t, s, "u3", "A")
		clock.Advance(31 * time.Second)

		lapsed, err := s.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		want := map[Lease]bool{{User: "u1", Room: "A"}: true, {User: "u2", Room: "A"}: true}
		if len(lapsed) != len(want) {
			t.Fatalf("Sweep = %v; want %v", lapsed, want)
		}
		for _, l := range lapsed {
			if !want[l] {
				t.Errorf("unexpected lapsed lease %v", l)
			}
		}
		if again, _ := s.Sweep(ctx); len(again) != 0 {
			t.Fatalf("second Sweep = %v; want none", again)
		}
		assertOccupants(t, s, "A", "u3")
	})

	t.Run("SweepIgnoresRefreshedLease", func(t *testing.T) {
		clock := newFakeClock()
		s := newStore(t, clock)
		mustEnter(t, s, "u1", "A")
		clock.Advance(50 * time.Second)
		s.Heartbeat(ctx, "u1", "A")
		clock.Advance(20 * time.Second)
		if lapsed, _ := s.Sweep(ctx); len(lapsed) != 0 {
			t.Fatalf("Sweep = %v; want none", lapsed)
		}
	})

	t.Run("LedgerTransitions", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		first, _ := s.Connect(ctx, "u1", "c1")
		if !first {
			t.Fatal("first connection should report online transition")
		}
		first, _ = s.Connect(ctx, "u1", "c2")
		if first {
			t.Fatal("second connection must not report online transition")
		}
		if n, _ := s.Connections(ctx, "u1"); n != 2 {
			t.Fatalf("Connections = %d; want 2", n)
		}
		online, _ := s.Online(ctx)
		if !reflect.DeepEqual(online, []string{"u1"}) {
			t.Fatalf("Online = %v", online)
		}

		last, _ := s.Disconnect(ctx, "u1", "c1")
		if last {
			t.Fatal("closing one of two connections must not go offline")
		}
		last, _ = s.Disconnect(ctx, "u1", "c2")
		if !last {
			t.Fatal("closing the final connection should go offline")
		}
		last, _ = s.Disconnect(ctx, "u1", "c2")
		if last {
			t.Fatal("duplicate disconnect must not report a second transition")
		}
		if online, _ := s.Online(ctx); len(online) != 0 {
			t.Fatalf("Online = %v; want empty", online)
		}
	})

	t.Run("ConcurrentEnterCreatesOnce", func(t *testing.T) {
		s := newStore(t, newFakeClock())
		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Enter(ctx, "u1", "r1")
				if err != nil {
					t.Errorf("Enter: %v", err)
					return
				}
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if created != 1 {
			t.Fatalf("created = %d; want exactly 1", created)
		}
	})
}

func mustEnter(t *testing.T, s Store, user, room string) {
	t.Helper()
	if _, err := s.Enter(context.Background(), user, room); err != nil {
		t.Fatalf("Enter(%s, %s): %v", user, room, err)
	}
}

func assertOccupants(t *testing.T, s Store, room string, want ...string) {
	t.Helper()
	got, err := s.Occupants(context.Background(), room)
	if err != nil {
		t.Fatalf("Occupants(%s): %v", room, err)
	}
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Occupants(%s) = %v; want %v", room, got, want)
	}
}
