package chat

import (
	"log/slog"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-rtc/internal/auth"
)

// Client is one live WebSocket connection of an authenticated identity.
type Client struct {
	ID     string
	UserID string
	Email  string
	Conn   ConnLike
	Send   chan []byte

	logger *slog.Logger
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

func NewClient(id auth.Identity, conn ConnLike, buffer int, logger *slog.Logger) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	connID := uuid.NewString()
	return &Client{
		ID:     connID,
		UserID: id.ID,
		Email:  id.Email,
		Conn:   conn,
		Send:   make(chan []byte, buffer),
		logger: logger.With(slog.String("connID", connID), slog.String("userID", id.ID)),
	}
}

func (c *Client) ref() UserRef { return UserRef{ID: c.UserID, Email: c.Email} }

// ReadPump feeds inbound frames to the manager until the connection fails,
// then reports the disconnect. Frames and the disconnect share one queue,
// so they are handled in the order they were read.
func (c *Client) ReadPump(m *Manager) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			c.logger.Debug("read ended", "error", err)
			m.Disconnect(c)
			return
		}
		m.Receive(c, data)
	}
}

// WritePump drains Send until the manager closes it.
func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug("write failed", "error", err)
			_ = c.Conn.Close()
			for range c.Send {
			}
			return
		}
	}
}

// trySend never blocks; a slow reader loses frames instead of stalling the loop.
func (c *Client) trySend(frame []byte) bool {
	select {
	case c.Send <- frame:
		return true
	default:
		return false
	}
}
