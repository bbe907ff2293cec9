package chat

import (
	"sort"
	"sync"

	"github.com/pelusa-v/pelusa-rtc/internal/bus"
)

// Registry maps identities to the connections this process holds. Sends
// happen under the read lock and Remove closes Send under the write lock, so
// a frame is never written to a closed channel.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Client
	byUser map[string]map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  map[string]*Client{},
		byUser: map[string]map[string]*Client{},
	}
}

var _ bus.Deliverer = (*Registry)(nil)

// Add records c and reports whether it is the identity's first local
// connection. A client without an identity is ignored.
func (r *Registry) Add(c *Client) (first bool) {
	if c == nil || c.UserID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; ok {
		return false
	}
	r.conns[c.ID] = c
	set, ok := r.byUser[c.UserID]
	if !ok {
		set = map[string]*Client{}
		r.byUser[c.UserID] = set
	}
	set[c.ID] = c
	return len(set) == 1
}

// Remove drops the connection, closes its Send channel and reports whether
// it was the identity's last local connection. ok is false if connID was
// not registered.
func (r *Registry) Remove(connID string) (c *Client, last, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok = r.conns[connID]
	if !ok {
		return nil, false, false
	}
	delete(r.conns, connID)
	set := r.byUser[c.UserID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, c.UserID)
		last = true
	}
	close(c.Send)
	return c, last, true
}

// AddressesFor lists the live connection ids of user, sorted.
func (r *Registry) AddressesFor(user string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.byUser[user]))
	for id := range r.byUser[user] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) Count(user string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[user])
}

func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) DeliverUser(user string, frame []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.byUser[user] {
		if c.trySend(frame) {
			n++
		}
	}
	return n
}

func (r *Registry) DeliverAll(frame []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.conns {
		if c.trySend(frame) {
			n++
		}
	}
	return n
}

// deliverConn sends to one connection if it is still registered.
func (r *Registry) deliverConn(connID string, frame []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[connID]
	return ok && c.trySend(frame)
}
