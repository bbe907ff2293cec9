package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps presence in process. Suitable for a single instance.
type MemoryStore struct {
	mu   sync.Mutex
	opts Options

	rooms map[string]map[string]time.Time // room -> user -> lease expiry
	known map[string]map[string]time.Time // user -> room -> remembered until
	conns map[string]map[string]struct{}  // user -> set(connID)
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:  opts.withDefaults(),
		rooms: map[string]map[string]time.Time{},
		known: map[string]map[string]time.Time{},
		conns: map[string]map[string]struct{}{},
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Enter(_ context.Context, user, room string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	exp, ok := s.rooms[room][user]
	created := !ok || !exp.After(now)
	s.grant(user, room, now)
	return created, nil
}

func (s *MemoryStore) Exit(_ context.Context, user, room string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, removed := s.rooms[room][user]
	s.dropLease(user, room)
	if rooms, ok := s.known[user]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(s.known, user)
		}
	}
	return removed, nil
}

func (s *MemoryStore) Heartbeat(_ context.Context, user, room string) (HeartbeatResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	until, ok := s.known[user][room]
	if !ok || !until.After(now) {
		return HeartbeatIgnored, nil
	}
	result := HeartbeatRefreshed
	if exp, live := s.rooms[room][user]; !live || !exp.After(now) {
		result = HeartbeatReentered
	}
	s.grant(user, room, now)
	return result, nil
}

func (s *MemoryStore) Occupants(_ context.Context, room string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	out := make([]string, 0, len(s.rooms[room]))
	for user, exp := range s.rooms[room] {
		if exp.After(now) {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) PurgeUser(_ context.Context, user string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected := []string{}
	for room := range s.known[user] {
		if _, ok := s.rooms[room][user]; ok {
			affected = append(affected, room)
		}
		s.dropLease(user, room)
	}
	delete(s.known, user)
	sort.Strings(affected)
	return affected, nil
}

func (s *MemoryStore) Sweep(_ context.Context) ([]Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	var lapsed []Lease
	for room, users := range s.rooms {
		for user, exp := range users {
			if !exp.After(now) {
				lapsed = append(lapsed, Lease{User: user, Room: room})
				delete(users, user)
			}
		}
		if len(users) == 0 {
			delete(s.rooms, room)
		}
	}
	for user, rooms := range s.known {
		for room, until := range rooms {
			if !until.After(now) {
				delete(rooms, room)
			}
		}
		if len(rooms) == 0 {
			delete(s.known, user)
		}
	}
	sort.Slice(lapsed, func(i, j int) bool {
		if lapsed[i].Room != lapsed[j].Room {
			return lapsed[i].Room < lapsed[j].Room
		}
		return lapsed[i].User < lapsed[j].User
	})
	return lapsed, nil
}

func (s *MemoryStore) Connect(_ context.Context, user, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[user]
	if !ok {
		set = map[string]struct{}{}
		s.conns[user] = set
	}
	if _, dup := set[connID]; dup {
		return false, nil
	}
	set[connID] = struct{}{}
	return len(set) == 1, nil
}

func (s *MemoryStore) Disconnect(_ context.Context, user, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[user]
	if !ok {
		return false, nil
	}
	if _, present := set[connID]; !present {
		return false, nil
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(s.conns, user)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) Connections(_ context.Context, user string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[user]), nil
}

func (s *MemoryStore) Online(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.conns))
	for user := range s.conns {
		out = append(out, user)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// grant must be called with mu held.
func (s *MemoryStore) grant(user, room string, now time.Time) {
	if s.rooms[room] == nil {
		s.rooms[room] = map[string]time.Time{}
	}
	s.rooms[room][user] = now.Add(s.opts.TTL)
	if s.known[user] == nil {
		s.known[user] = map[string]time.Time{}
	}
	s.known[user][room] = now.Add(s.opts.Retention)
}

// dropLease must be called with mu held.
func (s *MemoryStore) dropLease(user, room string) {
	if users, ok := s.rooms[room]; ok {
		delete(users, user)
		if len(users) == 0 {
			delete(s.rooms, room)
		}
	}
}
