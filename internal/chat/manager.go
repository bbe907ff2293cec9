// Package chat is the real-time coordinator. A single event loop per process
// applies connects, disconnects and inbound frames in arrival order; shared
// state lives behind the presence store and the call book, and every
// outbound frame leaves through a personal channel on the bus.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pelusa-v/pelusa-rtc/internal/bus"
	"github.com/pelusa-v/pelusa-rtc/internal/calls"
	"github.com/pelusa-v/pelusa-rtc/internal/metrics"
	"github.com/pelusa-v/pelusa-rtc/internal/presence"
)

var tracer = otel.Tracer("pelusa-rtc/chat")

var ErrInvalidRoom = errors.New("chat: invalid room id")

type EventKind int

const (
	KindConnect EventKind = iota
	KindFrame
	KindDisconnect
)

type Event struct {
	Kind   EventKind
	Client *Client
	Data   []byte
}

type Options struct {
	Store   presence.Store
	Calls   calls.Book
	Bus     bus.Bus
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// SweepInterval is how often lapsed leases are reaped. Zero disables the
	// reaper.
	SweepInterval time.Duration
	// StoreTimeout bounds each shared-store round trip.
	StoreTimeout      time.Duration
	HistorySize       int
	NotifyUnavailable bool
	Now               func() time.Time
}

type Manager struct {
	registry *Registry
	history  *History
	store    presence.Store
	calls    calls.Book
	bus      bus.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	sweepInterval     time.Duration
	storeTimeout      time.Duration
	notifyUnavailable bool
	now               func() time.Time

	events chan Event
	done   chan struct{}
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Calls == nil || opts.Bus == nil {
		return nil, errors.New("chat: store, calls and bus are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		registry:          NewRegistry(),
		history:           NewHistory(opts.HistorySize),
		store:             opts.Store,
		calls:             opts.Calls,
		bus:               opts.Bus,
		metrics:           opts.Metrics,
		logger:            opts.Logger.With(slog.String("component", "chat")),
		sweepInterval:     opts.SweepInterval,
		storeTimeout:      opts.StoreTimeout,
		notifyUnavailable: opts.NotifyUnavailable,
		now:               opts.Now,
		events:            make(chan Event, 1024),
		done:              make(chan struct{}),
	}
	if err := opts.Bus.Attach(m.registry); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Registry() *Registry { return m.registry }
func (m *Manager) History() *History { return m.history }

// Occupants reads the live occupant set of a room for the HTTP API.
func (m *Manager) Occupants(ctx context.Context, room string) ([]string, error) {
	room = normalizeRoom(room)
	if room == "" {
		return nil, ErrInvalidRoom
	}
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.Occupants(opCtx, room)
}

// Online lists identities with at least one live connection on any instance.
func (m *Manager) Online(ctx context.Context) ([]string, error) {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.Online(opCtx)
}

func (m *Manager) RecentMessages(room string) ([]Message, error) {
	room = normalizeRoom(room)
	if room == "" {
		return nil, ErrInvalidRoom
	}
	return m.history.Recent(room), nil
}

func (m *Manager) Connect(c *Client) { m.submit(Event{Kind: KindConnect, Client: c}) }

func (m *Manager) Receive(c *Client, data []byte) {
	m.submit(Event{Kind: KindFrame, Client: c, Data: data})
}

func (m *Manager) Disconnect(c *Client) {
	if !m.submit(Event{Kind: KindDisconnect, Client: c}) {
		// Loop is gone; still release the writer.
		m.registry.Remove(c.ID)
	}
}

func (m *Manager) submit(ev Event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// Start runs the event loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	defer close(m.done)

	var sweep <-chan time.Time
	if m.sweepInterval > 0 {
		t := time.NewTicker(m.sweepInterval)
		defer t.Stop()
		sweep = t.C
	}
	m.logger.Info("event loop started", "sweepInterval", m.sweepInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("event loop stopped")
			return
		case ev := <-m.events:
			m.Handle(ctx, ev)
		case <-sweep:
			m.Sweep(ctx)
		}
	}
}

// Handle applies one event. Start calls it from the loop; tests call it
// directly to step the coordinator deterministically.
func (m *Manager) Handle(ctx context.Context, ev Event) {
	if ev.Client == nil {
		return
	}
	switch ev.Kind {
	case KindConnect:
		m.register(ctx, ev.Client)
	case KindDisconnect:
		m.unregister(ctx, ev.Client)
	case KindFrame:
		m.dispatch(ctx, ev.Client, ev.Data)
	}
}

func (m *Manager) register(ctx context.Context, c *Client) {
	if c.UserID == "" {
		return
	}
	if m.registry.Add(c) {
		m.metrics.UserOnline()
	}
	m.metrics.ConnectionOpened()
	c.logger.Info("connected")

	opCtx, cancel := m.opCtx(ctx)
	first, err := m.store.Connect(opCtx, c.UserID, c.ID)
	cancel()
	if err != nil {
		m.storeFailed("connect", err)
		return
	}
	if first {
		m.toAll(ctx, EventOnline, OnlinePayload{UserID: c.UserID})
	}
}

func (m *Manager) unregister(ctx context.Context, c *Client) {
	_, localLast, ok := m.registry.Remove(c.ID)
	if !ok {
		return
	}
	m.metrics.ConnectionClosed()
	if localLast {
		m.metrics.UserOffline()
	}
	c.logger.Info("disconnected")

	opCtx, cancel := m.opCtx(ctx)
	last, err := m.store.Disconnect(opCtx, c.UserID, c.ID)
	cancel()
	if err != nil {
		m.storeFailed("disconnect", err)
		last = localLast
	} else if !last && localLast {
		// The ledger may never have recorded this connection if Connect
		// failed; an empty ledger entry still means the user is gone.
		last = m.ledgerEmpty(ctx, c.UserID)
	}
	if !last {
		return
	}
	m.purgeUser(ctx, c.ref())
	m.endCallsFor(ctx, c.UserID)
	m.toAll(ctx, EventOffline, OnlinePayload{UserID: c.UserID})
}

func (m *Manager) ledgerEmpty(ctx context.Context, user string) bool {
	opCtx, cancel := m.opCtx(ctx)
	defer cancel()
	n, err := m.store.Connections(opCtx, user)
	if err != nil {
		m.storeFailed("connections", err)
		return true
	}
	return n == 0
}

func (m *Manager) dispatch(ctx context.Context, c *Client, data []byte) {
	if !gjson.ValidBytes(data) {
		m.drop(c, "", "malformed")
		return
	}
	frame := gjson.ParseBytes(data)
	event := frame.Get("event").String()
	payload := frame.Get("data")

	ctx, span := tracer.Start(ctx, "chat "+event,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("pelusa.event", event),
			attribute.String("pelusa.user", c.UserID),
		),
	)
	defer span.End()

	switch event {
	case EventEnterRoom:
		m.enterRoom(ctx, c, roomArg(payload))
	case EventExitRoom:
		m.exitRoom(ctx, c, roomArg(payload))
	case EventHeartbeat, EventPresenceHB:
		m.heartbeat(ctx, c, roomArg(payload))
	case EventJoinRoom:
		m.membership(ctx, c, roomArg(payload), EventJoined)
	case EventLeaveRoom:
		m.membership(ctx, c, roomArg(payload), EventMemberLeft)
	case EventMessage:
		m.createMessage(ctx, c, payload)
	case EventTyping:
		m.typing(ctx, c, payload)
	case EventReact:
		m.react(ctx, c, payload)
	default:
		name, ok := signalName(event)
		if !ok {
			span.SetStatus(codes.Error, "unknown event")
			m.drop(c, event, "unknown_event")
			return
		}
		m.signal(ctx, c, name, payload)
	}
}

func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.storeTimeout)
}

func (m *Manager) storeFailed(op string, err error) {
	m.metrics.StoreError(op)
	m.logger.Warn("store operation failed", "op", op, "error", err)
}

func (m *Manager) drop(c *Client, event, reason string) {
	m.metrics.Drop(reason)
	c.logger.Debug("frame dropped", "event", event, "reason", reason)
}
