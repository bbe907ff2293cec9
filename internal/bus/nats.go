package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pelusa-rtc/bus")

type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }
func (c headerCarrier) Set(key, value string) { nats.Header(c).Set(key, value) }
func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// NATS fans frames out across instances. Each instance subscribes to every
// personal channel without a queue group and delivers only to the
// connections it holds.
type NATS struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
	subs   []*nats.Subscription
}

func ConnectNATS(url, prefix string, logger *slog.Logger) (*NATS, error) {
	logger = logger.With(slog.String("component", "bus"))
	nc, err := nats.Connect(url,
		nats.Name("pelusa-rtc"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return NewNATS(nc, prefix, logger), nil
}

func NewNATS(nc *nats.Conn, prefix string, logger *slog.Logger) *NATS {
	if prefix == "" {
		prefix = "pelusa"
	}
	return &NATS{nc: nc, prefix: prefix, logger: logger}
}

var _ Bus = (*NATS)(nil)

func (n *NATS) Attach(d Deliverer) error {
	userPrefix := PersonalChannel(n.prefix, "")
	sub, err := n.nc.Subscribe(userPrefix+"*", func(msg *nats.Msg) {
		user := strings.TrimPrefix(msg.Subject, userPrefix)
		n.consume(msg, func() int { return d.DeliverUser(user, msg.Data) })
	})
	if err != nil {
		return fmt.Errorf("subscribe personal channels: %w", err)
	}
	n.subs = append(n.subs, sub)

	sub, err = n.nc.Subscribe(broadcastChannel(n.prefix), func(msg *nats.Msg) {
		n.consume(msg, func() int { return d.DeliverAll(msg.Data) })
	})
	if err != nil {
		return fmt.Errorf("subscribe broadcast channel: %w", err)
	}
	n.subs = append(n.subs, sub)
	return n.nc.Flush()
}

func (n *NATS) consume(msg *nats.Msg, deliver func() int) {
	ctx := context.Background()
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(msg.Header))
	}
	_, span := tracer.Start(ctx, msg.Subject+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.system", "nats")),
	)
	defer span.End()
	span.SetAttributes(attribute.Int("pelusa.delivered", deliver()))
}

func (n *NATS) ToUser(ctx context.Context, user string, frame []byte) error {
	return n.publish(ctx, PersonalChannel(n.prefix, user), frame)
}

func (n *NATS) ToAll(ctx context.Context, frame []byte) error {
	return n.publish(ctx, broadcastChannel(n.prefix), frame)
}

func (n *NATS) publish(ctx context.Context, subject string, frame []byte) error {
	ctx, span := tracer.Start(ctx, subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.Int("messaging.message.payload_size_bytes", len(frame)),
		),
	)
	defer span.End()

	msg := &nats.Msg{Subject: subject, Data: frame, Header: nats.Header{}}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Header))
	if err := n.nc.PublishMsg(msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (n *NATS) Close() error {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	return n.nc.Drain()
}
