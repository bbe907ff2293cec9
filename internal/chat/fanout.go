package chat

import "context"

// broadcastRoom sends one frame to every current occupant of room except
// exclude. Occupants are read from the presence store on every call; if the
// read fails nobody is treated as present and nothing is sent.
func (m *Manager) broadcastRoom(ctx context.Context, room, exclude, event string, data any) (int, error) {
	opCtx, cancel := m.opCtx(ctx)
	users, err := m.store.Occupants(opCtx, room)
	cancel()
	if err != nil {
		m.storeFailed("occupants", err)
		return 0, err
	}
	frame, err := encodeFrame(event, data)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, u := range users {
		if u == exclude {
			continue
		}
		if err := m.bus.ToUser(ctx, u, frame); err != nil {
			m.logger.Warn("room delivery failed", "room", room, "user", u, "event", event, "error", err)
			continue
		}
		sent++
	}
	return sent, nil
}

func (m *Manager) toUser(ctx context.Context, user, event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}
	if err := m.bus.ToUser(ctx, user, frame); err != nil {
		m.logger.Warn("personal delivery failed", "user", user, "event", event, "error", err)
		return err
	}
	return nil
}

func (m *Manager) toAll(ctx context.Context, event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return
	}
	if err := m.bus.ToAll(ctx, frame); err != nil {
		m.logger.Warn("broadcast failed", "event", event, "error", err)
	}
}

// toConn answers the connection that sent a frame, not the whole identity.
func (m *Manager) toConn(c *Client, event string, data any) {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return
	}
	if !m.registry.deliverConn(c.ID, frame) {
		m.drop(c, event, "slow_consumer")
	}
}
