package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const maxMessageLen = 4000

func (m *Manager) membership(ctx context.Context, c *Client, room, event string) {
	if room == "" {
		m.drop(c, event, "invalid_room")
		return
	}
	m.broadcastRoom(ctx, room, c.UserID, event, MembershipPayload{RoomID: room, User: c.ref()})
}

func (m *Manager) createMessage(ctx context.Context, c *Client, data gjson.Result) {
	room := roomArg(data)
	text := strings.TrimSpace(data.Get("text").String())
	if room == "" || text == "" || utf8.RuneCountInString(text) > maxMessageLen {
		m.toConn(c, EventMessageAck, MessageAck{Error: "invalid_message"})
		return
	}
	msg := Message{
		ID:        uuid.NewString(),
		RoomID:    room,
		UserID:    c.UserID,
		Email:     c.Email,
		Text:      text,
		CreatedAt: m.now().UTC(),
		Reactions: []Reaction{},
	}
	if _, err := m.broadcastRoom(ctx, room, "", EventMessageNew, msg); err != nil {
		m.toConn(c, EventMessageAck, MessageAck{Error: "server_error"})
		return
	}
	m.history.Append(msg)
	m.toConn(c, EventMessageAck, MessageAck{Success: true, Message: &msg})
}

func (m *Manager) typing(ctx context.Context, c *Client, data gjson.Result) {
	room := roomArg(data)
	if room == "" {
		m.drop(c, EventTyping, "invalid_room")
		return
	}
	m.broadcastRoom(ctx, room, c.UserID, EventSomeoneType, TypingPayload{RoomID: room, UserID: c.UserID, UserEmail: c.Email})
}

func (m *Manager) react(ctx context.Context, c *Client, data gjson.Result) {
	r := Reaction{
		RoomID:    roomArg(data),
		MessageID: scalar(data.Get("messageId")),
		Emoji:     strings.TrimSpace(data.Get("emoji").String()),
		UserID:    c.UserID,
	}
	if r.RoomID == "" || r.MessageID == "" || r.Emoji == "" || len(r.Emoji) > 64 {
		m.drop(c, EventReact, "invalid_reaction")
		return
	}
	// Messages sent through another instance are not in local history, so
	// only a known duplicate is suppressed.
	if known, added := m.history.React(r); known && !added {
		m.drop(c, EventReact, "duplicate_reaction")
		return
	}
	m.broadcastRoom(ctx, r.RoomID, "", EventReaction, r)
}
