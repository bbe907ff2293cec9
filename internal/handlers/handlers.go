package handlers

import (
	"errors"
	"log/slog"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/pelusa-v/pelusa-rtc/internal/auth"
	"github.com/pelusa-v/pelusa-rtc/internal/chat"
	"github.com/pelusa-v/pelusa-rtc/internal/metrics"
)

type Handlers struct {
	manager    *chat.Manager
	verifier   *auth.Verifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cookieName string
	sendBuffer int
}

type Options struct {
	Manager    *chat.Manager
	Verifier   *auth.Verifier
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	CookieName string
	SendBuffer int
}

func New(opts Options) *Handlers {
	if opts.CookieName == "" {
		opts.CookieName = "token"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handlers{
		manager:    opts.Manager,
		verifier:   opts.Verifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger.With(slog.String("component", "http")),
		cookieName: opts.CookieName,
		sendBuffer: opts.SendBuffer,
	}
}

// Register mounts every route on app.
func (h *Handlers) Register(app *fiber.App) {
	app.Get("/healthz", h.Health)
	if h.metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.metrics.Handler()))
	}

	api := app.Group("/api", RequireIdentity(h.logger, h.verifier, h.cookieName))
	api.Get("/ws", UpgradeRequired, websocket.New(h.Socket))
	api.Get("/online", h.Online)
	api.Get("/rooms/:id/occupants", h.Occupants)
	api.Get("/rooms/:id/messages", h.Messages)
}

// UpgradeRequired rejects plain HTTP requests to the socket route.
func UpgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Socket GET /api/ws
func (h *Handlers) Socket(conn *websocket.Conn) {
	id, ok := conn.Locals(identityKey).(auth.Identity)
	if !ok {
		_ = conn.Close()
		return
	}
	client := chat.NewClient(id, conn, h.sendBuffer, h.logger)
	h.manager.Connect(client)

	// conn is pooled and recycled once this handler returns, so hold it
	// until the writer is done with it.
	written := make(chan struct{})
	go func() {
		defer close(written)
		client.WritePump()
	}()
	client.ReadPump(h.manager)
	<-written
}

// Health GET /healthz
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Online GET /api/online
func (h *Handlers) Online(c *fiber.Ctx) error {
	users, err := h.manager.Online(c.UserContext())
	if err != nil {
		h.logger.Warn("online lookup failed", slog.Any("error", err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store_unavailable"})
	}
	return c.JSON(fiber.Map{"users": users})
}

// Occupants GET /api/rooms/:id/occupants
func (h *Handlers) Occupants(c *fiber.Ctx) error {
	room := c.Params("id")
	users, err := h.manager.Occupants(c.UserContext(), room)
	switch {
	case errors.Is(err, chat.ErrInvalidRoom):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_room"})
	case err != nil:
		h.logger.Warn("occupants lookup failed", slog.String("room", room), slog.Any("error", err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "store_unavailable"})
	}
	return c.JSON(fiber.Map{"roomId": room, "users": users})
}

// Messages GET /api/rooms/:id/messages
func (h *Handlers) Messages(c *fiber.Ctx) error {
	msgs, err := h.manager.RecentMessages(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_room"})
	}
	return c.JSON(fiber.Map{"roomId": c.Params("id"), "messages": msgs})
}
