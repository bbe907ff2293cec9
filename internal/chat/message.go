package chat

import (
	"encoding/json"
	"time"
)

// Frame is the envelope of every WebSocket message in both directions.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

const (
	EventEnterRoom   = "enterRoom"
	EventExitRoom    = "exitRoom"
	EventHeartbeat   = "heartbeat"
	EventPresenceHB  = "presence:heartbeat"
	EventJoinRoom    = "joinRoom"
	EventLeaveRoom   = "leaveRoom"
	EventMessage     = "message:create"
	EventTyping      = "typing"
	EventReact       = "message:react"
	EventEntered     = "presence:entered"
	EventLeft        = "presence:left"
	EventList        = "presence:list"
	EventOnline      = "presence:online"
	EventOffline     = "presence:offline"
	EventJoined      = "membership:joined"
	EventMemberLeft  = "membership:left"
	EventMessageNew  = "message:new"
	EventMessageAck  = "message:ack"
	EventSomeoneType = "typing:someone"
	EventReaction    = "message:reaction"
)

// Signaling event names without the "video:" prefix. Outbound relays always
// carry the prefix; inbound accepts both spellings.
const (
	SignalCallRequest  = "call-request"
	SignalCallResponse = "call-response"
	SignalOffer        = "webrtc-offer"
	SignalAnswer       = "webrtc-answer"
	SignalICE          = "webrtc-ice-candidate"
	SignalCallEnded    = "call-ended"
	SignalMediaState   = "media-state"
	SignalRemoteMedia  = "remote-media-state"
	SignalUnavailable  = "call-unavailable"

	videoPrefix = "video:"
)

// UserRef identifies a user in outbound payloads. Email is only known for
// identities whose connection supplied it.
type UserRef struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

type PresencePayload struct {
	User   UserRef `json:"user"`
	RoomID string  `json:"roomId"`
}

type PresenceList struct {
	RoomID string   `json:"roomId"`
	Users  []string `json:"users"`
}

type OnlinePayload struct {
	UserID string `json:"userId"`
}

type MembershipPayload struct {
	RoomID string  `json:"roomId"`
	User   UserRef `json:"user"`
}

// Message is a room chat message as broadcast in message:new.
type Message struct {
	ID        string     `json:"id"`
	RoomID    string     `json:"roomId"`
	UserID    string     `json:"userId"`
	Email     string     `json:"email,omitempty"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"createdAt"`
	Reactions []Reaction `json:"reactions"`
}

type Reaction struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
}

type MessageAck struct {
	Success bool     `json:"success"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type TypingPayload struct {
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	UserEmail string `json:"userEmail,omitempty"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	return json.Marshal(&Frame{Event: event, Data: data})
}
