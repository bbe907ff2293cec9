package chat

import (
	"context"

	"github.com/pelusa-v/pelusa-rtc/internal/presence"
)

func (m *Manager) enterRoom(ctx context.Context, c *Client, room string) {
	if room == "" {
		m.drop(c, EventEnterRoom, "invalid_room")
		return
	}
	opCtx, cancel := m.opCtx(ctx)
	created, err := m.store.Enter(opCtx, c.UserID, room)
	cancel()
	if err != nil {
		m.storeFailed("enter", err)
		return
	}

	opCtx, cancel = m.opCtx(ctx)
	users, err := m.store.Occupants(opCtx, room)
	cancel()
	if err != nil {
		m.storeFailed("occupants", err)
		users = nil
	}
	others := make([]string, 0, len(users))
	for _, u := range users {
		if u != c.UserID {
			others = append(others, u)
		}
	}
	m.toConn(c, EventList, PresenceList{RoomID: room, Users: others})

	if created {
		m.metrics.Presence("entered")
		m.broadcastRoom(ctx, room, c.UserID, EventEntered, PresencePayload{User: c.ref(), RoomID: room})
	}
}

func (m *Manager) exitRoom(ctx context.Context, c *Client, room string) {
	if room == "" {
		m.drop(c, EventExitRoom, "invalid_room")
		return
	}
	opCtx, cancel := m.opCtx(ctx)
	removed, err := m.store.Exit(opCtx, c.UserID, room)
	cancel()
	if err != nil {
		m.storeFailed("exit", err)
		return
	}
	if removed {
		m.metrics.Presence("left")
		m.broadcastRoom(ctx, room, c.UserID, EventLeft, PresencePayload{User: c.ref(), RoomID: room})
	}
}

func (m *Manager) heartbeat(ctx context.Context, c *Client, room string) {
	if room == "" {
		m.drop(c, EventHeartbeat, "invalid_room")
		return
	}
	opCtx, cancel := m.opCtx(ctx)
	res, err := m.store.Heartbeat(opCtx, c.UserID, room)
	cancel()
	if err != nil {
		m.storeFailed("heartbeat", err)
		return
	}
	switch res {
	case presence.HeartbeatReentered:
		m.metrics.Presence("entered")
		m.broadcastRoom(ctx, room, c.UserID, EventEntered, PresencePayload{User: c.ref(), RoomID: room})
	case presence.HeartbeatIgnored:
		c.logger.Debug("heartbeat for a room never entered", "room", room)
	}
}

// purgeUser drops every lease of a fully disconnected identity and tells the
// remaining occupants of each room.
func (m *Manager) purgeUser(ctx context.Context, user UserRef) {
	opCtx, cancel := m.opCtx(ctx)
	rooms, err := m.store.PurgeUser(opCtx, user.ID)
	cancel()
	if err != nil {
		m.storeFailed("purge", err)
		return
	}
	for _, room := range rooms {
		m.metrics.Presence("left")
		m.broadcastRoom(ctx, room, user.ID, EventLeft, PresencePayload{User: user, RoomID: room})
	}
}

// Sweep reaps leases whose TTL lapsed without a heartbeat and broadcasts
// "left" for each. Across instances every lapsed lease is reaped once.
func (m *Manager) Sweep(ctx context.Context) {
	opCtx, cancel := m.opCtx(ctx)
	leases, err := m.store.Sweep(opCtx)
	cancel()
	if err != nil {
		m.storeFailed("sweep", err)
		return
	}
	for _, l := range leases {
		m.metrics.Presence("expired")
		m.logger.Debug("lease expired", "user", l.User, "room", l.Room)
		m.broadcastRoom(ctx, l.Room, l.User, EventLeft, PresencePayload{User: m.refFor(l.User), RoomID: l.Room})
	}
}

// refFor fills in the email when this process holds a connection of user.
func (m *Manager) refFor(user string) UserRef {
	m.registry.mu.RLock()
	defer m.registry.mu.RUnlock()
	for _, c := range m.registry.byUser[user] {
		return c.ref()
	}
	return UserRef{ID: user}
}
